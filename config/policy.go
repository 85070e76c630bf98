package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cryptoRiskGuard/internal/domain"
	"cryptoRiskGuard/internal/ports"
)

// PolicyFile is the on-disk shape of the risk policy. Money values are strings so
// they reach the decimal parser untouched.
type PolicyFile struct {
	Tiers                        []TierFile     `yaml:"tiers"`
	Symbols                      []SymbolFile   `yaml:"symbols"`
	Thresholds                   ThresholdsFile `yaml:"thresholds"`
	Drawdown                     []DrawdownFile `yaml:"drawdown"`
	DefaultMaintenanceMarginRate string         `yaml:"defaultMaintenanceMarginRate"`
	DefaultPositionSizePercent   string         `yaml:"defaultPositionSizePercentage"`
	MaxPositions                 int            `yaml:"maxPositions"`
	MaxPositionsPerSymbol        int            `yaml:"maxPositionsPerSymbol"`
}

type TierFile struct {
	Name                   string `yaml:"name"`
	MaxBalance             string `yaml:"maxBalance"` // Empty for the unbounded tier
	RiskPercentage         string `yaml:"riskPercentage"`
	MaxLeverage            int    `yaml:"maxLeverage"`
	MaxDrawdown            string `yaml:"maxDrawdown"`
	MaxPositionSizePercent string `yaml:"maxPositionSizePercentage"`
}

type SymbolFile struct {
	Symbol                string `yaml:"symbol"`
	Enabled               *bool  `yaml:"enabled"`        // Defaults to true
	TradingEnabled        *bool  `yaml:"tradingEnabled"` // Defaults to true
	MinQuantity           string `yaml:"minQuantity"`
	MaxQuantity           string `yaml:"maxQuantity"`
	StepSize              string `yaml:"stepSize"`
	MinNotional           string `yaml:"minNotional"`
	MaxNotional           string `yaml:"maxNotional"`
	MaxLeverage           int    `yaml:"maxLeverage"`
	MaintenanceMarginRate string `yaml:"maintenanceMarginRate"`
}

type ThresholdsFile struct {
	Warning        string `yaml:"warning"`
	Critical       string `yaml:"critical"`
	Liquidation    string `yaml:"liquidation"`
	HysteresisBand string `yaml:"hysteresisBand"`
}

type DrawdownFile struct {
	Window         string `yaml:"window"`
	Threshold      string `yaml:"threshold"`
	ReduceSizingBy string `yaml:"reduceSizingBy"`
	PauseTrading   bool   `yaml:"pauseTrading"`
	Cooldown       string `yaml:"cooldown"` // Go duration; defaults to 24h when pausing
}

const defaultCooldown = 24 * time.Hour

// LoadPolicyFile reads a YAML risk policy. The result still has to pass the policy
// store's validation; this only checks that every value parses.
func LoadPolicyFile(path string) (domain.PolicyTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.PolicyTable{}, fmt.Errorf("%w: read policy file %s: %v", ports.ErrConfigurationError, path, err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a YAML risk policy. Unknown keys are rejected.
func ParsePolicy(data []byte) (domain.PolicyTable, error) {
	var file PolicyFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return domain.PolicyTable{}, fmt.Errorf("%w: decode policy: %v", ports.ErrConfigurationError, err)
	}
	return file.Table()
}

// Table converts the file shape into the domain table.
func (f PolicyFile) Table() (domain.PolicyTable, error) {
	p := &moneyParser{}
	t := domain.PolicyTable{
		DefaultMaintenanceMarginRate: p.money("defaultMaintenanceMarginRate", f.DefaultMaintenanceMarginRate),
		DefaultPositionSizePercent:   p.money("defaultPositionSizePercentage", f.DefaultPositionSizePercent),
		MaxPositions:                 f.MaxPositions,
		MaxPositionsPerSymbol:        f.MaxPositionsPerSymbol,
		Thresholds: domain.MarginThresholds{
			Warning:        p.money("thresholds.warning", f.Thresholds.Warning),
			Critical:       p.money("thresholds.critical", f.Thresholds.Critical),
			Liquidation:    p.money("thresholds.liquidation", f.Thresholds.Liquidation),
			HysteresisBand: p.money("thresholds.hysteresisBand", f.Thresholds.HysteresisBand),
		},
	}

	for i, tf := range f.Tiers {
		field := fmt.Sprintf("tiers[%d]", i)
		tier := domain.Tier{
			Name:                   tf.Name,
			RiskPercentage:         p.money(field+".riskPercentage", tf.RiskPercentage),
			MaxLeverage:            tf.MaxLeverage,
			MaxDrawdown:            p.money(field+".maxDrawdown", tf.MaxDrawdown),
			MaxPositionSizePercent: p.money(field+".maxPositionSizePercentage", tf.MaxPositionSizePercent),
		}
		if tier.Name == "" {
			tier.Name = fmt.Sprintf("tier-%d", i+1)
		}
		if tf.MaxBalance != "" {
			tier.MaxBalance = domain.Ptr(p.money(field+".maxBalance", tf.MaxBalance))
		}
		t.Tiers = append(t.Tiers, tier)
	}

	for i, sf := range f.Symbols {
		field := fmt.Sprintf("symbols[%d]", i)
		t.Symbols = append(t.Symbols, domain.SymbolLimits{
			Symbol:                strings.ToUpper(sf.Symbol),
			Enabled:               boolOr(sf.Enabled, true),
			TradingEnabled:        boolOr(sf.TradingEnabled, true),
			MinQuantity:           p.money(field+".minQuantity", sf.MinQuantity),
			MaxQuantity:           p.money(field+".maxQuantity", sf.MaxQuantity),
			StepSize:              p.money(field+".stepSize", sf.StepSize),
			MinNotional:           p.money(field+".minNotional", sf.MinNotional),
			MaxNotional:           p.money(field+".maxNotional", sf.MaxNotional),
			MaxLeverage:           sf.MaxLeverage,
			MaintenanceMarginRate: p.money(field+".maintenanceMarginRate", sf.MaintenanceMarginRate),
		})
	}

	for i, df := range f.Drawdown {
		field := fmt.Sprintf("drawdown[%d]", i)
		window := domain.DrawdownWindow(strings.ToLower(df.Window))
		switch window {
		case domain.WindowDaily, domain.WindowWeekly, domain.WindowMonthly, domain.WindowTotal:
		default:
			p.fail(field+".window", fmt.Sprintf("unknown window %q", df.Window))
		}
		rule := domain.RecoveryRule{
			ReduceSizingBy: p.money(field+".reduceSizingBy", df.ReduceSizingBy),
			PauseTrading:   df.PauseTrading,
		}
		switch {
		case df.Cooldown != "":
			d, err := time.ParseDuration(df.Cooldown)
			if err != nil || d <= 0 {
				p.fail(field+".cooldown", fmt.Sprintf("invalid duration %q", df.Cooldown))
			}
			rule.Cooldown = d
		case df.PauseTrading:
			rule.Cooldown = defaultCooldown
		}
		t.Drawdown = append(t.Drawdown, domain.DrawdownLimit{
			Window:    window,
			Threshold: p.money(field+".threshold", df.Threshold),
			Rule:      rule,
		})
	}

	if p.err != nil {
		return domain.PolicyTable{}, p.err
	}
	return t, nil
}

// moneyParser keeps the first parse failure so conversion reads straight through.
type moneyParser struct {
	err error
}

func (p *moneyParser) money(field, s string) domain.Money {
	s = strings.TrimSpace(s)
	if s == "" {
		return domain.Zero
	}
	v, err := domain.ParseMoney(s)
	if err != nil {
		p.fail(field, fmt.Sprintf("invalid decimal %q", s))
		return domain.Zero
	}
	return v
}

func (p *moneyParser) fail(field, reason string) {
	if p.err == nil {
		p.err = &ports.ConfigError{Field: field, Reason: reason}
	}
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// DefaultPolicyFile is the policy used when no file is configured.
func DefaultPolicyFile() domain.PolicyTable {
	return domain.PolicyTable{
		Tiers: []domain.Tier{
			{Name: "micro", MaxBalance: domain.Ptr(domain.M("1000")), RiskPercentage: domain.M("0.01"), MaxLeverage: 10, MaxDrawdown: domain.M("0.10"), MaxPositionSizePercent: domain.M("0.05")},
			{Name: "small", MaxBalance: domain.Ptr(domain.M("10000")), RiskPercentage: domain.M("0.015"), MaxLeverage: 20, MaxDrawdown: domain.M("0.15"), MaxPositionSizePercent: domain.M("0.10")},
			{Name: "medium", MaxBalance: domain.Ptr(domain.M("100000")), RiskPercentage: domain.M("0.02"), MaxLeverage: 20, MaxDrawdown: domain.M("0.20"), MaxPositionSizePercent: domain.M("0.15")},
			{Name: "large", RiskPercentage: domain.M("0.02"), MaxLeverage: 50, MaxDrawdown: domain.M("0.25"), MaxPositionSizePercent: domain.M("0.20")},
		},
		Symbols: []domain.SymbolLimits{
			{Symbol: "BTCUSDT", Enabled: true, TradingEnabled: true, MinQuantity: domain.M("0.001"), MaxQuantity: domain.M("1000"), StepSize: domain.M("0.001"), MinNotional: domain.M("100"), MaxLeverage: 125, MaintenanceMarginRate: domain.M("0.004")},
			{Symbol: "ETHUSDT", Enabled: true, TradingEnabled: true, MinQuantity: domain.M("0.001"), MaxQuantity: domain.M("10000"), StepSize: domain.M("0.001"), MinNotional: domain.M("20"), MaxLeverage: 100, MaintenanceMarginRate: domain.M("0.005")},
		},
		Thresholds: domain.MarginThresholds{
			Warning:        domain.M("0.8"),
			Critical:       domain.M("0.9"),
			Liquidation:    domain.M("0.975"),
			HysteresisBand: domain.M("0.05"),
		},
		Drawdown: []domain.DrawdownLimit{
			{Window: domain.WindowDaily, Threshold: domain.M("0.05"), Rule: domain.RecoveryRule{ReduceSizingBy: domain.M("0.5"), PauseTrading: true, Cooldown: defaultCooldown}},
			{Window: domain.WindowWeekly, Threshold: domain.M("0.10"), Rule: domain.RecoveryRule{ReduceSizingBy: domain.M("0.5")}},
			{Window: domain.WindowTotal, Threshold: domain.M("0.25"), Rule: domain.RecoveryRule{ReduceSizingBy: domain.M("0.75"), PauseTrading: true, Cooldown: 7 * defaultCooldown}},
		},
		DefaultMaintenanceMarginRate: domain.M("0.01"),
		DefaultPositionSizePercent:   domain.M("0.05"),
		MaxPositions:                 10,
		MaxPositionsPerSymbol:        2,
	}
}
