package monitor

import "cryptoRiskGuard/internal/domain"

// Level is the margin state of a position, in ascending severity.
type Level int

const (
	LevelNormal Level = iota
	LevelWarning
	LevelCritical
	LevelLiquidation
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "WARNING"
	case LevelCritical:
		return "CRITICAL"
	case LevelLiquidation:
		return "LIQUIDATION"
	default:
		return "NORMAL"
	}
}

// LevelFor classifies a margin ratio without regard to history.
func LevelFor(ratio domain.Money, th domain.MarginThresholds) Level {
	switch {
	case ratio.GreaterThanOrEqual(th.Liquidation):
		return LevelLiquidation
	case ratio.GreaterThanOrEqual(th.Critical):
		return LevelCritical
	case ratio.GreaterThanOrEqual(th.Warning):
		return LevelWarning
	default:
		return LevelNormal
	}
}

// NextLevel moves cur forward when the ratio got worse. It never steps down one level at
// a time: the only downgrade is back to NORMAL, once the ratio is below warning minus the
// hysteresis band.
func NextLevel(cur Level, ratio domain.Money, th domain.MarginThresholds) Level {
	target := LevelFor(ratio, th)
	if target >= cur {
		return target
	}
	if ratio.LessThan(th.Warning.Sub(th.HysteresisBand)) {
		return LevelNormal
	}
	return cur
}

func alertFor(l Level) domain.AlertType {
	switch l {
	case LevelLiquidation:
		return domain.AlertLiquidation
	case LevelCritical:
		return domain.AlertLiquidationWarning
	default:
		return domain.AlertMarginCall
	}
}

func thresholdFor(l Level, th domain.MarginThresholds) domain.Money {
	switch l {
	case LevelLiquidation:
		return th.Liquidation
	case LevelCritical:
		return th.Critical
	default:
		return th.Warning
	}
}
