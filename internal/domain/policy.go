package domain

import "time"

// Tier is one row of the balance-tiered risk table.
type Tier struct {
	Name                   string
	MaxBalance             *Money // nil means unbounded
	RiskPercentage         Money  // Fraction of balance risked per trade
	MaxLeverage            int
	MaxDrawdown            Money
	MaxPositionSizePercent Money // Cap on used margin as a fraction of equity; zero uses the table default
}

// MarginThresholds are fractions of a position's margin ratio.
type MarginThresholds struct {
	Warning        Money
	Critical       Money
	Liquidation    Money
	HysteresisBand Money
}

// DrawdownWindow names the period a drawdown peak is tracked over.
type DrawdownWindow string

const (
	WindowDaily   DrawdownWindow = "daily"
	WindowWeekly  DrawdownWindow = "weekly"
	WindowMonthly DrawdownWindow = "monthly"
	WindowTotal   DrawdownWindow = "total"
)

// RecoveryRule is applied when a drawdown threshold is crossed.
type RecoveryRule struct {
	ReduceSizingBy Money // Fraction the sizing multiplier is reduced by
	PauseTrading   bool
	Cooldown       time.Duration
}

// DrawdownLimit binds a threshold on one window to its recovery rule.
type DrawdownLimit struct {
	Window    DrawdownWindow
	Threshold Money
	Rule      RecoveryRule
}

// SymbolLimits are the exchange constraints for one symbol.
type SymbolLimits struct {
	Symbol                string
	Enabled               bool
	TradingEnabled        bool
	MinQuantity           Money
	MaxQuantity           Money
	StepSize              Money // Zero disables the step check
	MinNotional           Money
	MaxNotional           Money // Zero means unbounded
	MaxLeverage           int
	MaintenanceMarginRate Money // Zero uses the table default
}

// PolicyTable is the immutable configuration the policy store is built from.
type PolicyTable struct {
	Tiers                        []Tier
	Symbols                      []SymbolLimits
	Thresholds                   MarginThresholds
	Drawdown                     []DrawdownLimit
	DefaultMaintenanceMarginRate Money
	DefaultPositionSizePercent   Money
	MaxPositions                 int
	MaxPositionsPerSymbol        int
}

// RiskPolicy is the policy in force for an account at a given balance.
type RiskPolicy struct {
	Tier                      string
	MaxLeverage               int
	RiskPercentagePerTrade    Money
	MaxDrawdown               Money
	MaxPositionSizePercentage Money
	MaxPositions              int
	MaxPositionsPerSymbol     int
	Thresholds                MarginThresholds
}
