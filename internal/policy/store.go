package policy

import (
	"fmt"
	"sync/atomic"

	"cryptoRiskGuard/internal/domain"
	"cryptoRiskGuard/internal/ports"
)

const (
	defaultMaxPositions          = 50
	defaultMaxPositionsPerSymbol = 5
)

var (
	defaultMaintenanceMarginRate = domain.M("0.01")
	defaultPositionSizePercent   = domain.M("0.05")
)

// DefaultThresholds are the margin-ratio levels used when a table omits them.
func DefaultThresholds() domain.MarginThresholds {
	return domain.MarginThresholds{
		Warning:        domain.M("0.8"),
		Critical:       domain.M("0.9"),
		Liquidation:    domain.M("0.975"),
		HysteresisBand: domain.M("0.05"),
	}
}

// RatioFromMarginLevel converts a margin level expressed as a multiplier
// (equity / maintenance margin, e.g. 1.5x) to the margin-ratio fraction used everywhere else.
func RatioFromMarginLevel(level domain.Money) (domain.Money, error) {
	if level.LessThanOrEqual(domain.One) {
		return domain.Zero, &ports.ConfigError{Field: "marginLevel", Reason: fmt.Sprintf("multiplier %s must be greater than 1", level)}
	}
	return domain.One.Div(level), nil
}

type table struct {
	src     domain.PolicyTable
	symbols map[string]domain.SymbolLimits
}

// Store resolves account-tier policies. It is read-only shared state: the table is
// validated once and swapped atomically on reload.
type Store struct {
	current atomic.Pointer[table]
}

// New validates the table and returns a store serving it.
func New(t domain.PolicyTable) (*Store, error) {
	s := &Store{}
	if err := s.Reload(t); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload validates t and replaces the served table. On error the previous table stays in force.
func (s *Store) Reload(t domain.PolicyTable) error {
	normalized, err := normalize(t)
	if err != nil {
		return err
	}
	if err := Validate(normalized); err != nil {
		return err
	}
	symbols := make(map[string]domain.SymbolLimits, len(normalized.Symbols))
	for _, sym := range normalized.Symbols {
		symbols[sym.Symbol] = sym
	}
	s.current.Store(&table{src: normalized, symbols: symbols})
	return nil
}

// normalize fills in table-level defaults; it does not change tier boundaries.
func normalize(t domain.PolicyTable) (domain.PolicyTable, error) {
	out := t
	out.Tiers = append([]domain.Tier(nil), t.Tiers...)
	out.Symbols = append([]domain.SymbolLimits(nil), t.Symbols...)
	out.Drawdown = append([]domain.DrawdownLimit(nil), t.Drawdown...)
	if out.DefaultMaintenanceMarginRate.IsZero() {
		out.DefaultMaintenanceMarginRate = defaultMaintenanceMarginRate
	}
	if out.DefaultPositionSizePercent.IsZero() {
		out.DefaultPositionSizePercent = defaultPositionSizePercent
	}
	if out.MaxPositions == 0 {
		out.MaxPositions = defaultMaxPositions
	}
	if out.MaxPositionsPerSymbol == 0 {
		out.MaxPositionsPerSymbol = defaultMaxPositionsPerSymbol
	}
	if out.Thresholds == (domain.MarginThresholds{}) {
		out.Thresholds = DefaultThresholds()
	}
	for i := range out.Symbols {
		if out.Symbols[i].MaintenanceMarginRate.IsZero() {
			out.Symbols[i].MaintenanceMarginRate = out.DefaultMaintenanceMarginRate
		}
	}
	return out, nil
}

// Validate checks a table for consistency. It is exported for tooling that wants to
// vet a policy file without serving it.
func Validate(t domain.PolicyTable) error {
	if len(t.Tiers) == 0 {
		return &ports.ConfigError{Field: "tiers", Reason: "tier table is empty"}
	}
	var prev *domain.Money
	for i, tier := range t.Tiers {
		field := fmt.Sprintf("tiers[%d]", i)
		if tier.MaxBalance == nil {
			if i != len(t.Tiers)-1 {
				return &ports.ConfigError{Field: field, Reason: "only the last tier may be unbounded"}
			}
		} else {
			if !tier.MaxBalance.IsPositive() {
				return &ports.ConfigError{Field: field + ".maxBalance", Reason: "must be positive"}
			}
			if prev != nil && !tier.MaxBalance.GreaterThan(*prev) {
				return &ports.ConfigError{Field: field + ".maxBalance", Reason: fmt.Sprintf("%s is not greater than previous tier %s", tier.MaxBalance, prev)}
			}
			prev = tier.MaxBalance
		}
		if tier.MaxLeverage < 1 {
			return &ports.ConfigError{Field: field + ".maxLeverage", Reason: "must be at least 1"}
		}
		if !isFraction(tier.RiskPercentage) {
			return &ports.ConfigError{Field: field + ".riskPercentage", Reason: "must be in (0, 1]"}
		}
		if !tier.MaxDrawdown.IsZero() && !isFraction(tier.MaxDrawdown) {
			return &ports.ConfigError{Field: field + ".maxDrawdown", Reason: "must be in (0, 1]"}
		}
		if !tier.MaxPositionSizePercent.IsZero() && !isFraction(tier.MaxPositionSizePercent) {
			return &ports.ConfigError{Field: field + ".maxPositionSizePercentage", Reason: "must be in (0, 1]"}
		}
	}

	th := t.Thresholds
	if !th.Warning.IsPositive() || !th.Warning.LessThan(th.Critical) || !th.Critical.LessThan(th.Liquidation) || th.Liquidation.GreaterThan(domain.One) {
		return &ports.ConfigError{Field: "thresholds", Reason: "require 0 < warning < critical < liquidation <= 1"}
	}
	if th.HysteresisBand.IsNegative() || !th.HysteresisBand.LessThan(th.Warning) {
		return &ports.ConfigError{Field: "thresholds.hysteresisBand", Reason: "must be in [0, warning)"}
	}

	if !isFraction(t.DefaultMaintenanceMarginRate) || t.DefaultMaintenanceMarginRate.Equal(domain.One) {
		return &ports.ConfigError{Field: "defaultMaintenanceMarginRate", Reason: "must be in (0, 1)"}
	}
	if !isFraction(t.DefaultPositionSizePercent) {
		return &ports.ConfigError{Field: "defaultPositionSizePercentage", Reason: "must be in (0, 1]"}
	}
	if t.MaxPositions < 1 || t.MaxPositionsPerSymbol < 1 {
		return &ports.ConfigError{Field: "maxPositions", Reason: "position caps must be at least 1"}
	}

	seen := make(map[string]bool, len(t.Symbols))
	for i, sym := range t.Symbols {
		field := fmt.Sprintf("symbols[%d]", i)
		if sym.Symbol == "" {
			return &ports.ConfigError{Field: field + ".symbol", Reason: "must be set"}
		}
		if seen[sym.Symbol] {
			return &ports.ConfigError{Field: field + ".symbol", Reason: "duplicate symbol " + sym.Symbol}
		}
		seen[sym.Symbol] = true
		if sym.MinQuantity.IsNegative() || (!sym.MaxQuantity.IsZero() && sym.MaxQuantity.LessThan(sym.MinQuantity)) {
			return &ports.ConfigError{Field: field + ".quantity", Reason: "require 0 <= minQuantity <= maxQuantity"}
		}
		if sym.MinNotional.IsNegative() || (!sym.MaxNotional.IsZero() && sym.MaxNotional.LessThan(sym.MinNotional)) {
			return &ports.ConfigError{Field: field + ".notional", Reason: "require 0 <= minNotional <= maxNotional"}
		}
		if sym.StepSize.IsNegative() {
			return &ports.ConfigError{Field: field + ".stepSize", Reason: "must not be negative"}
		}
		if sym.MaxLeverage < 1 {
			return &ports.ConfigError{Field: field + ".maxLeverage", Reason: "must be at least 1"}
		}
		if !isFraction(sym.MaintenanceMarginRate) || sym.MaintenanceMarginRate.Equal(domain.One) {
			return &ports.ConfigError{Field: field + ".maintenanceMarginRate", Reason: "must be in (0, 1)"}
		}
	}

	for i, dd := range t.Drawdown {
		field := fmt.Sprintf("drawdown[%d]", i)
		switch dd.Window {
		case domain.WindowDaily, domain.WindowWeekly, domain.WindowMonthly, domain.WindowTotal:
		default:
			return &ports.ConfigError{Field: field + ".window", Reason: fmt.Sprintf("unknown window %q", dd.Window)}
		}
		if !isFraction(dd.Threshold) {
			return &ports.ConfigError{Field: field + ".threshold", Reason: "must be in (0, 1]"}
		}
		if dd.Rule.ReduceSizingBy.IsNegative() || dd.Rule.ReduceSizingBy.GreaterThanOrEqual(domain.One) {
			return &ports.ConfigError{Field: field + ".reduceSizingBy", Reason: "must be in [0, 1)"}
		}
		if dd.Rule.Cooldown < 0 {
			return &ports.ConfigError{Field: field + ".cooldown", Reason: "must not be negative"}
		}
	}
	return nil
}

func isFraction(v domain.Money) bool {
	return v.IsPositive() && v.LessThanOrEqual(domain.One)
}

// ResolvePolicy returns the policy for balance: the first tier whose MaxBalance is >= balance,
// the unbounded tier above every finite one, or the last tier when the table has no unbounded tier.
func (s *Store) ResolvePolicy(balance domain.Money) domain.RiskPolicy {
	t := s.current.Load()
	tiers := t.src.Tiers
	chosen := tiers[len(tiers)-1]
	for _, tier := range tiers {
		if tier.MaxBalance == nil || tier.MaxBalance.GreaterThanOrEqual(balance) {
			chosen = tier
			break
		}
	}

	sizePct := chosen.MaxPositionSizePercent
	if sizePct.IsZero() {
		sizePct = t.src.DefaultPositionSizePercent
	}
	return domain.RiskPolicy{
		Tier:                      chosen.Name,
		MaxLeverage:               chosen.MaxLeverage,
		RiskPercentagePerTrade:    chosen.RiskPercentage,
		MaxDrawdown:               chosen.MaxDrawdown,
		MaxPositionSizePercentage: sizePct,
		MaxPositions:              t.src.MaxPositions,
		MaxPositionsPerSymbol:     t.src.MaxPositionsPerSymbol,
		Thresholds:                t.src.Thresholds,
	}
}

// MaintenanceMarginRate returns the maintenance rate for symbol, or the table default.
func (s *Store) MaintenanceMarginRate(symbol string) domain.Money {
	t := s.current.Load()
	if sym, ok := t.symbols[symbol]; ok {
		return sym.MaintenanceMarginRate
	}
	return t.src.DefaultMaintenanceMarginRate
}

// SymbolLimits returns the exchange limits configured for symbol.
func (s *Store) SymbolLimits(symbol string) (domain.SymbolLimits, bool) {
	sym, ok := s.current.Load().symbols[symbol]
	return sym, ok
}

// Thresholds returns the margin-ratio thresholds.
func (s *Store) Thresholds() domain.MarginThresholds {
	return s.current.Load().src.Thresholds
}

// Drawdown returns the configured drawdown limits.
func (s *Store) Drawdown() []domain.DrawdownLimit {
	return append([]domain.DrawdownLimit(nil), s.current.Load().src.Drawdown...)
}

// Table returns a copy of the table currently served.
func (s *Store) Table() domain.PolicyTable {
	src := s.current.Load().src
	src.Tiers = append([]domain.Tier(nil), src.Tiers...)
	src.Symbols = append([]domain.SymbolLimits(nil), src.Symbols...)
	src.Drawdown = append([]domain.DrawdownLimit(nil), src.Drawdown...)
	return src
}
