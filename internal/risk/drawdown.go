package risk

import (
	"sort"
	"sync"
	"time"

	"cryptoRiskGuard/internal/domain"
)

// DefaultCooldown is how long a recovery rule stays in force when the limit does not say.
const DefaultCooldown = 24 * time.Hour

// Breach reports a drawdown limit crossed by an equity observation.
type Breach struct {
	Window    domain.DrawdownWindow
	Threshold domain.Money
	Drawdown  domain.Money
	Peak      domain.Money
	Equity    domain.Money
	Rule      domain.RecoveryRule
	Until     time.Time
}

// DrawdownUpdate is the outcome of one Observe call.
type DrawdownUpdate struct {
	Breaches    []Breach
	Multiplier  domain.Money // Sizing multiplier now in force
	PausedUntil time.Time    // Zero when admission is not paused by a rule
	Restored    bool         // An active rule expired during this observation
}

// DrawdownStats is the per-window view used for reporting.
type DrawdownStats struct {
	Window      domain.DrawdownWindow
	Peak        domain.Money
	Drawdown    domain.Money
	Open        domain.Money // Equity first observed in the current period
	Equity      domain.Money // Latest observed equity
	PeriodStart time.Time
}

type windowState struct {
	peak     domain.Money
	open     domain.Money
	last     domain.Money
	start    time.Time
	drawdown domain.Money
	breached bool
}

type accountState struct {
	windows     map[domain.DrawdownWindow]*windowState
	seedPeak    domain.Money
	multiplier  domain.Money
	ruleUntil   time.Time
	pausedUntil time.Time
}

// DrawdownTracker tracks running peak equity per window for each account and applies
// recovery rules when a limit is crossed.
type DrawdownTracker struct {
	mu       sync.Mutex
	limits   []domain.DrawdownLimit
	accounts map[string]*accountState
}

// NewDrawdownTracker creates a tracker enforcing limits.
func NewDrawdownTracker(limits []domain.DrawdownLimit) *DrawdownTracker {
	return &DrawdownTracker{
		limits:   append([]domain.DrawdownLimit(nil), limits...),
		accounts: make(map[string]*accountState),
	}
}

// SetLimits replaces the enforced limits, e.g. after a policy reload. Peaks are kept.
func (t *DrawdownTracker) SetLimits(limits []domain.DrawdownLimit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limits = append([]domain.DrawdownLimit(nil), limits...)
}

// Observe folds an equity reading into every window of accountID.
func (t *DrawdownTracker) Observe(accountID string, equity domain.Money, now time.Time) DrawdownUpdate {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.account(accountID)
	var upd DrawdownUpdate

	if !st.ruleUntil.IsZero() && !now.Before(st.ruleUntil) {
		st.multiplier = domain.One
		st.ruleUntil = time.Time{}
		st.pausedUntil = time.Time{}
		upd.Restored = true
	}

	for _, w := range []domain.DrawdownWindow{domain.WindowDaily, domain.WindowWeekly, domain.WindowMonthly, domain.WindowTotal} {
		ws := st.windows[w]
		start := PeriodStart(w, now)
		if ws == nil || !ws.start.Equal(start) {
			ws = &windowState{peak: equity, open: equity, start: start}
			if w == domain.WindowTotal && st.seedPeak.GreaterThan(ws.peak) {
				ws.peak = st.seedPeak
			}
			st.windows[w] = ws
		}
		if equity.GreaterThan(ws.peak) {
			ws.peak = equity
		}
		ws.last = equity
		ws.drawdown = domain.Zero
		if ws.peak.IsPositive() {
			ws.drawdown = domain.ClampZero(ws.peak.Sub(equity).Div(ws.peak))
		}
	}

	for _, lim := range t.limits {
		ws := st.windows[lim.Window]
		if ws == nil {
			continue
		}
		if ws.drawdown.LessThan(lim.Threshold) {
			ws.breached = false
			continue
		}
		if ws.breached {
			continue
		}
		ws.breached = true

		cooldown := lim.Rule.Cooldown
		if cooldown == 0 {
			cooldown = DefaultCooldown
		}
		until := now.Add(cooldown)
		if lim.Rule.ReduceSizingBy.IsPositive() {
			st.multiplier = domain.MinMoney(st.multiplier, domain.One.Sub(lim.Rule.ReduceSizingBy))
		}
		if until.After(st.ruleUntil) {
			st.ruleUntil = until
		}
		if lim.Rule.PauseTrading && until.After(st.pausedUntil) {
			st.pausedUntil = until
		}
		upd.Breaches = append(upd.Breaches, Breach{
			Window:    lim.Window,
			Threshold: lim.Threshold,
			Drawdown:  ws.drawdown,
			Peak:      ws.peak,
			Equity:    equity,
			Rule:      lim.Rule,
			Until:     until,
		})
	}

	upd.Multiplier = st.multiplier
	upd.PausedUntil = st.pausedUntil
	return upd
}

// Seed raises the all-time peak of accountID to peak, e.g. the peak equity restored from
// storage before the first observation of a restarted process.
func (t *DrawdownTracker) Seed(accountID string, peak domain.Money) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.account(accountID)
	if peak.GreaterThan(st.seedPeak) {
		st.seedPeak = peak
	}
	if ws := st.windows[domain.WindowTotal]; ws != nil && peak.GreaterThan(ws.peak) {
		ws.peak = peak
		ws.drawdown = domain.ClampZero(peak.Sub(ws.last).Div(peak))
	}
}

// Stats returns the window states of accountID ordered by window length.
func (t *DrawdownTracker) Stats(accountID string) []DrawdownStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.accounts[accountID]
	if !ok {
		return nil
	}
	out := make([]DrawdownStats, 0, len(st.windows))
	for w, ws := range st.windows {
		out = append(out, DrawdownStats{Window: w, Peak: ws.peak, Drawdown: ws.drawdown, Open: ws.open, Equity: ws.last, PeriodStart: ws.start})
	}
	sort.Slice(out, func(i, j int) bool { return windowOrder(out[i].Window) < windowOrder(out[j].Window) })
	return out
}

// Multiplier returns the sizing multiplier in force for accountID.
func (t *DrawdownTracker) Multiplier(accountID string) domain.Money {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.accounts[accountID]; ok {
		return st.multiplier
	}
	return domain.One
}

func (t *DrawdownTracker) account(id string) *accountState {
	st, ok := t.accounts[id]
	if !ok {
		st = &accountState{windows: make(map[domain.DrawdownWindow]*windowState), multiplier: domain.One}
		t.accounts[id] = st
	}
	return st
}

// PeriodStart returns the UTC start of the period containing now. Weeks start on Monday;
// the total window never resets.
func PeriodStart(w domain.DrawdownWindow, now time.Time) time.Time {
	u := now.UTC()
	day := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	switch w {
	case domain.WindowDaily:
		return day
	case domain.WindowWeekly:
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case domain.WindowMonthly:
		return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Time{}
	}
}

func windowOrder(w domain.DrawdownWindow) int {
	switch w {
	case domain.WindowDaily:
		return 0
	case domain.WindowWeekly:
		return 1
	case domain.WindowMonthly:
		return 2
	default:
		return 3
	}
}
