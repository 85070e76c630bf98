package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cryptoRiskGuard/internal/domain"
	"cryptoRiskGuard/internal/ledger"
	"cryptoRiskGuard/internal/ports"
	"cryptoRiskGuard/internal/risk"
)

// DefaultInterval is the period of the full scan.
const DefaultInterval = 60 * time.Second

// PolicySource provides the thresholds and limits the monitor enforces.
type PolicySource interface {
	Thresholds() domain.MarginThresholds
	Drawdown() []domain.DrawdownLimit
	ResolvePolicy(balance domain.Money) domain.RiskPolicy
}

// Enforcer carries out the monitor's decisions. The admission controller implements it.
type Enforcer interface {
	ForceClose(ctx context.Context, accountID, positionID string, reason domain.CloseReason) (ledger.PositionDelta, error)
	PauseTrading(accountID string, until time.Time, reason string)
	ResumeTrading(accountID string)
	SetSizingMultiplier(accountID string, m domain.Money)
}

// Config holds the collaborators of a Monitor.
type Config struct {
	Ledgers  *ledger.Registry
	Policy   PolicySource
	Enforcer Enforcer
	Sink     ports.EventSink // Optional
	Metrics  ports.Metrics   // Optional
	Logger   ports.Logger
	Interval time.Duration
	Now      func() time.Time
}

// Monitor tracks the margin level of every open position and the drawdown of every
// account, and turns threshold crossings into alerts and forced actions.
type Monitor struct {
	cfg      Config
	logger   ports.Logger
	drawdown *risk.DrawdownTracker

	mu     sync.Mutex
	levels map[string]map[string]Level // account -> position -> level
	tiers  map[string]string
	paused map[string]bool // accounts paused by a drawdown rule
}

// New validates cfg and returns a monitor.
func New(cfg Config) (*Monitor, error) {
	if cfg.Ledgers == nil || cfg.Policy == nil || cfg.Enforcer == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("%w: ledgers, policy, enforcer and logger are required", ports.ErrConfigurationError)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Monitor{
		cfg:      cfg,
		logger:   cfg.Logger,
		drawdown: risk.NewDrawdownTracker(cfg.Policy.Drawdown()),
		levels:   make(map[string]map[string]Level),
		tiers:    make(map[string]string),
		paused:   make(map[string]bool),
	}, nil
}

// Run scans every account each interval until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	m.logger.Info(ctx, "Risk monitor started", map[string]interface{}{"interval": m.cfg.Interval.String()})
	for {
		select {
		case <-ctx.Done():
			m.logger.Info(ctx, "Risk monitor stopped")
			return nil
		case <-ticker.C:
			m.Scan(ctx)
		}
	}
}

// Scan evaluates every open position of every account.
func (m *Monitor) Scan(ctx context.Context) []domain.PositionAlert {
	m.drawdown.SetLimits(m.cfg.Policy.Drawdown())
	var alerts []domain.PositionAlert
	for _, id := range m.cfg.Ledgers.Accounts() {
		led, err := m.cfg.Ledgers.Get(id)
		if err != nil {
			continue
		}
		snap := led.Snapshot()
		m.prune(id, snap.Positions)
		alerts = append(alerts, m.Evaluate(ctx, id, snap.Positions, nil)...)
	}
	return alerts
}

// Evaluate judges the positions recomputed by a price update (or a scan) and the
// candidates the ledger flagged, then checks the account-wide drawdown.
// It returns the alerts it emitted.
func (m *Monitor) Evaluate(ctx context.Context, accountID string, positions []domain.Position, candidates []domain.AlertCandidate) []domain.PositionAlert {
	th := m.cfg.Policy.Thresholds()
	var alerts []domain.PositionAlert
	seen := make(map[string]bool, len(positions))
	closed := make(map[string]bool)

	for _, p := range positions {
		seen[p.ID] = true
		if !p.IsOpen() {
			m.forget(accountID, p.ID)
			continue
		}
		alerts = append(alerts, m.evaluateMargin(ctx, accountID, p, th, closed)...)
	}

	for _, c := range candidates {
		switch c.Kind {
		case domain.CandidateMargin:
			if seen[c.PositionID] {
				continue
			}
			if p, ok := m.position(accountID, c.PositionID); ok && p.IsOpen() {
				seen[p.ID] = true
				alerts = append(alerts, m.evaluateMargin(ctx, accountID, p, th, closed)...)
			}
		case domain.CandidateProtection:
			if closed[c.PositionID] {
				continue
			}
			if a, ok := m.triggerProtection(ctx, accountID, c); ok {
				closed[c.PositionID] = true
				alerts = append(alerts, a)
			}
		}
	}

	return append(alerts, m.checkAccount(ctx, accountID)...)
}

func (m *Monitor) evaluateMargin(ctx context.Context, accountID string, p domain.Position, th domain.MarginThresholds, closed map[string]bool) []domain.PositionAlert {
	m.mu.Lock()
	// Judge the ledger's current copy: a concurrent tick may have moved or closed the
	// position since the caller's snapshot was taken.
	if cur, ok := m.position(accountID, p.ID); ok {
		p = cur
	}
	if !p.IsOpen() {
		delete(m.levels[accountID], p.ID)
		m.mu.Unlock()
		return nil
	}
	levels := m.levels[accountID]
	if levels == nil {
		levels = make(map[string]Level)
		m.levels[accountID] = levels
	}
	cur := levels[p.ID]
	next := NextLevel(cur, p.MarginRatio, th)
	levels[p.ID] = next
	m.mu.Unlock()

	if next < cur {
		m.logger.Info(ctx, "Monitor: margin level recovered", map[string]interface{}{
			"accountID": accountID, "positionID": p.ID, "symbol": p.Symbol,
			"from": cur.String(), "marginRatio": p.MarginRatio.String(),
		})
		return nil
	}
	if next == cur {
		return nil
	}

	alert := domain.PositionAlert{
		Type:         alertFor(next),
		AccountID:    accountID,
		PositionID:   p.ID,
		Symbol:       p.Symbol,
		Threshold:    thresholdFor(next, th),
		CurrentValue: p.MarginRatio,
		Message:      fmt.Sprintf("%s %s margin ratio %s reached %s", p.Symbol, p.Side, p.MarginRatio.StringFixed(4), next),
		Timestamp:    m.cfg.Now(),
	}
	m.emit(ctx, alert)

	if next == LevelLiquidation && !closed[p.ID] {
		closed[p.ID] = true
		m.forceClose(ctx, accountID, p.ID, domain.CloseReasonLiquidation)
	}
	return []domain.PositionAlert{alert}
}

func (m *Monitor) triggerProtection(ctx context.Context, accountID string, c domain.AlertCandidate) (domain.PositionAlert, bool) {
	p, ok := m.position(accountID, c.PositionID)
	if !ok || !p.IsOpen() {
		return domain.PositionAlert{}, false
	}
	level := c.MarkPrice
	switch c.Trigger {
	case domain.CloseReasonStopLoss:
		if p.StopLoss != nil {
			level = *p.StopLoss
		}
	case domain.CloseReasonTakeProfit:
		if p.TakeProfit != nil {
			level = *p.TakeProfit
		}
	case domain.CloseReasonTrailingStop:
		if p.TrailingStopPrice != nil {
			level = *p.TrailingStopPrice
		}
	}
	if !m.forceClose(ctx, accountID, p.ID, c.Trigger) {
		return domain.PositionAlert{}, false
	}
	alert := domain.PositionAlert{
		Type:         domain.AlertProtection,
		AccountID:    accountID,
		PositionID:   p.ID,
		Symbol:       p.Symbol,
		Threshold:    level,
		CurrentValue: c.MarkPrice,
		Message:      fmt.Sprintf("%s %s %s triggered at %s", p.Symbol, p.Side, c.Trigger, c.MarkPrice),
		Timestamp:    m.cfg.Now(),
	}
	m.emit(ctx, alert)
	return alert, true
}

// forceClose asks the enforcer to close a position and publishes the resulting event.
func (m *Monitor) forceClose(ctx context.Context, accountID, positionID string, reason domain.CloseReason) bool {
	op := "forceClose"
	delta, err := m.cfg.Enforcer.ForceClose(ctx, accountID, positionID, reason)
	if err != nil {
		if errors.Is(err, ports.ErrPositionNotFound) {
			m.forget(accountID, positionID)
		}
		m.logger.Error(ctx, err, op+": forced close failed", map[string]interface{}{
			"accountID": accountID, "positionID": positionID, "reason": string(reason),
		})
		return false
	}
	m.forget(accountID, positionID)
	if delta.Quantity.IsZero() {
		// Already terminal; the close was published when it happened.
		return false
	}
	if m.cfg.Sink != nil {
		m.cfg.Sink.PublishPositionEvent(ctx, delta.ToEvent(m.cfg.Now()))
	}
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.PositionEvent(delta.Event)
	}
	return true
}

// checkAccount folds the account equity into the drawdown windows, applies or restores
// recovery rules and logs tier changes.
func (m *Monitor) checkAccount(ctx context.Context, accountID string) []domain.PositionAlert {
	led, err := m.cfg.Ledgers.Get(accountID)
	if err != nil {
		return nil
	}
	acc := led.Account()
	now := m.cfg.Now()

	m.trackTier(ctx, accountID, acc.Balance)

	m.drawdown.Seed(accountID, acc.PeakEquity)
	upd := m.drawdown.Observe(accountID, acc.Equity, now)
	var alerts []domain.PositionAlert
	if upd.Restored {
		m.cfg.Enforcer.SetSizingMultiplier(accountID, domain.One)
		m.mu.Lock()
		wasPaused := m.paused[accountID]
		delete(m.paused, accountID)
		m.mu.Unlock()
		if wasPaused {
			m.cfg.Enforcer.ResumeTrading(accountID)
		}
		m.logger.Info(ctx, "Monitor: drawdown recovery rules expired, defaults restored", map[string]interface{}{"accountID": accountID})
	}

	for _, b := range upd.Breaches {
		alert := domain.PositionAlert{
			Type:         domain.AlertHighDrawdown,
			AccountID:    accountID,
			Threshold:    b.Threshold,
			CurrentValue: b.Drawdown,
			Message:      fmt.Sprintf("%s drawdown %s from peak %s crossed %s", b.Window, b.Drawdown.StringFixed(4), b.Peak, b.Threshold),
			Timestamp:    now,
		}
		m.emit(ctx, alert)
		alerts = append(alerts, alert)
	}
	if len(upd.Breaches) == 0 {
		return alerts
	}

	m.cfg.Enforcer.SetSizingMultiplier(accountID, upd.Multiplier)
	if !upd.PausedUntil.IsZero() {
		m.cfg.Enforcer.PauseTrading(accountID, upd.PausedUntil, "drawdown limit crossed")
		m.mu.Lock()
		m.paused[accountID] = true
		m.mu.Unlock()
	}
	m.logger.Warn(ctx, "Monitor: drawdown recovery rule applied", map[string]interface{}{
		"accountID": accountID, "multiplier": upd.Multiplier.String(), "pausedUntil": upd.PausedUntil,
	})
	return alerts
}

func (m *Monitor) trackTier(ctx context.Context, accountID string, balance domain.Money) {
	tier := m.cfg.Policy.ResolvePolicy(balance).Tier
	m.mu.Lock()
	prev, known := m.tiers[accountID]
	m.tiers[accountID] = tier
	m.mu.Unlock()
	if known && prev != tier {
		m.logger.Info(ctx, "Monitor: account moved to a new risk tier", map[string]interface{}{
			"accountID": accountID, "from": prev, "to": tier, "balance": balance.String(),
		})
	}
}

// ReportInvariantViolation surfaces a rejected ledger mutation to operators.
func (m *Monitor) ReportInvariantViolation(ctx context.Context, v *ports.InvariantViolation) domain.PositionAlert {
	alert := domain.PositionAlert{
		Type:       domain.AlertInvariantViolation,
		AccountID:  v.AccountID,
		PositionID: v.PositionID,
		Symbol:     v.Symbol,
		Message:    v.Detail,
		Timestamp:  m.cfg.Now(),
	}
	m.emit(ctx, alert)
	return alert
}

// Level returns the tracked margin level of a position.
func (m *Monitor) Level(accountID, positionID string) Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[accountID][positionID]
}

// Tier returns the last tier observed for accountID.
func (m *Monitor) Tier(accountID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tiers[accountID]
}

// Drawdown returns the per-window drawdown state of accountID.
func (m *Monitor) Drawdown(accountID string) []risk.DrawdownStats {
	return m.drawdown.Stats(accountID)
}

func (m *Monitor) emit(ctx context.Context, alert domain.PositionAlert) {
	m.logger.Warn(ctx, "Monitor: alert", map[string]interface{}{
		"type": string(alert.Type), "accountID": alert.AccountID, "positionID": alert.PositionID,
		"symbol": alert.Symbol, "threshold": alert.Threshold.String(), "value": alert.CurrentValue.String(),
	})
	if m.cfg.Sink != nil {
		m.cfg.Sink.PublishAlert(ctx, alert)
	}
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.AlertEmitted(alert.Type)
	}
}

func (m *Monitor) position(accountID, positionID string) (domain.Position, bool) {
	led, err := m.cfg.Ledgers.Get(accountID)
	if err != nil {
		return domain.Position{}, false
	}
	return led.Position(positionID)
}

func (m *Monitor) forget(accountID, positionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.levels[accountID], positionID)
}

// prune drops levels of positions that are no longer open.
func (m *Monitor) prune(accountID string, open []domain.Position) {
	keep := make(map[string]bool, len(open))
	for _, p := range open {
		keep[p.ID] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.levels[accountID] {
		if !keep[id] {
			delete(m.levels[accountID], id)
		}
	}
}
