package admission

import (
	"fmt"

	"cryptoRiskGuard/internal/domain"
	"cryptoRiskGuard/internal/ledger"
)

// Input is everything an admission decision depends on.
type Input struct {
	Request          domain.OrderRequest
	Snapshot         ledger.Snapshot
	Policy           domain.RiskPolicy
	Limits           *domain.SymbolLimits // nil when the symbol is unknown
	SizingMultiplier domain.Money         // zero is treated as 1
}

// Result is the admission decision. Rejections are values, never errors.
type Result struct {
	Accepted       bool
	Reason         domain.RejectReason
	Detail         string
	OrderID        string
	PositionSide   domain.PositionSide // Slot the order acts on
	ReferencePrice domain.Money
	RequiredMargin domain.Money
}

func reject(reason domain.RejectReason, format string, args ...interface{}) Result {
	return Result{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Check runs the admission checks in order; the first failing check wins.
// It is a pure function of its input.
func Check(in Input) Result {
	req := in.Request
	if req.Side != domain.Buy && req.Side != domain.Sell {
		return reject(domain.RejectInvalidRequest, "unknown side %q", req.Side)
	}
	if !req.Quantity.IsPositive() {
		return reject(domain.RejectInvalidRequest, "quantity must be positive, got %s", req.Quantity)
	}
	if in.Snapshot.Mode == domain.HedgeMode && req.PositionSide != "" && req.PositionSide != domain.Long && req.PositionSide != domain.Short {
		return reject(domain.RejectInvalidRequest, "unknown position side %q", req.PositionSide)
	}

	privileged := domain.IsPrivileged(req.Source)
	if privileged && !req.ReduceOnly {
		return reject(domain.RejectInvalidRequest, "%s orders must be reduce-only", domain.SourceKind(req.Source))
	}

	lim := in.Limits
	if lim == nil || !lim.Enabled || !lim.TradingEnabled {
		return reject(domain.RejectSymbolDisabled, "symbol %s is not enabled for trading", req.Symbol)
	}

	if r, ok := checkLotSize(req, lim); !ok {
		return r
	}

	price, ok := referencePrice(req, in.Snapshot)
	if !ok {
		return reject(domain.RejectPriceUnavailable, "no limit price and no mark price for %s", req.Symbol)
	}
	notional := domain.Notional(price, req.Quantity)
	if r, ok := checkNotional(req, lim, notional); !ok {
		return r
	}

	// Privileged closes bypass the leverage cap; reduce-only orders commit no new margin.
	required := domain.Zero
	if !privileged {
		leverage, r, ok := checkLeverage(req, in.Policy, lim)
		if !ok {
			return r
		}
		if !req.ReduceOnly {
			required = notional.Div(domain.MInt(int64(leverage)))
			if r, ok := checkMargin(in, required); !ok {
				return r
			}
		}
	}

	target, r, ok := checkReduceOnly(req, in.Snapshot)
	if !ok {
		return r
	}

	if !req.ReduceOnly {
		if r, ok := checkPositionCount(req, in, target); !ok {
			return r
		}
	}

	return Result{Accepted: true, PositionSide: target, ReferencePrice: price, RequiredMargin: required}
}

func checkLotSize(req domain.OrderRequest, lim *domain.SymbolLimits) (Result, bool) {
	qty := req.Quantity
	if qty.LessThan(lim.MinQuantity) {
		return reject(domain.RejectLotSize, "quantity %s below minimum %s", qty, lim.MinQuantity), false
	}
	if lim.MaxQuantity.IsPositive() && qty.GreaterThan(lim.MaxQuantity) {
		return reject(domain.RejectLotSize, "quantity %s above maximum %s", qty, lim.MaxQuantity), false
	}
	if lim.StepSize.IsPositive() && !qty.Sub(lim.MinQuantity).Mod(lim.StepSize).IsZero() {
		return reject(domain.RejectLotSize, "quantity %s is not a multiple of step %s", qty, lim.StepSize), false
	}
	return Result{}, true
}

// checkNotional enforces the notional window. Reduce-only orders may close a remainder below the minimum.
func checkNotional(req domain.OrderRequest, lim *domain.SymbolLimits, notional domain.Money) (Result, bool) {
	if !req.ReduceOnly && notional.LessThan(lim.MinNotional) {
		return reject(domain.RejectMinNotional, "notional %s below minimum %s", notional, lim.MinNotional), false
	}
	if lim.MaxNotional.IsPositive() && notional.GreaterThan(lim.MaxNotional) {
		return reject(domain.RejectMinNotional, "notional %s above maximum %s", notional, lim.MaxNotional), false
	}
	return Result{}, true
}

func checkLeverage(req domain.OrderRequest, policy domain.RiskPolicy, lim *domain.SymbolLimits) (int, Result, bool) {
	limit := policy.MaxLeverage
	if lim.MaxLeverage > 0 && lim.MaxLeverage < limit {
		limit = lim.MaxLeverage
	}
	if req.Leverage < 1 || req.Leverage > limit {
		return 0, reject(domain.RejectMaxLeverageExceeded, "leverage %d outside [1, %d] (tier %s)", req.Leverage, limit, policy.Tier), false
	}
	return req.Leverage, Result{}, true
}

// checkMargin: used + reserved + required must fit the tier cap, and free margin must stay >= 0.
func checkMargin(in Input, required domain.Money) (Result, bool) {
	acc := in.Snapshot.Account
	multiplier := in.SizingMultiplier
	if multiplier.IsZero() {
		multiplier = domain.One
	}
	projected := acc.UsedMargin.Add(acc.ReservedMargin).Add(required)
	limit := acc.Equity.Mul(in.Policy.MaxPositionSizePercentage).Mul(multiplier)
	if projected.GreaterThan(limit) {
		return reject(domain.RejectInsufficientMargin, "projected margin %s exceeds cap %s", projected, limit), false
	}
	if free := acc.AvailableMargin().Sub(required); free.IsNegative() {
		return reject(domain.RejectInsufficientMargin, "free margin would drop to %s", free), false
	}
	return Result{}, true
}

// checkReduceOnly returns the position side the order acts on. A reduce-only order must
// close at most the open size left after other pending reduce-only orders on the same slot.
func checkReduceOnly(req domain.OrderRequest, snap ledger.Snapshot) (domain.PositionSide, Result, bool) {
	target := req.TargetSide(snap.Mode)
	if !req.ReduceOnly {
		return target, Result{}, true
	}
	var pos domain.Position
	var ok bool
	if snap.Mode == domain.HedgeMode {
		pos, ok = snap.PositionAt(req.Symbol, target)
	} else {
		pos, ok = snap.PositionOn(req.Symbol)
	}
	if !ok {
		return target, reject(domain.RejectInvalidReduceOnly, "no open position on %s to reduce", req.Symbol), false
	}
	if req.Side == pos.Side.OpeningSide() {
		return target, reject(domain.RejectInvalidReduceOnly, "%s order would increase the %s position", req.Side, pos.Side), false
	}
	pending := domain.Zero
	for _, r := range snap.Reservations {
		if !r.Opening && r.Symbol == pos.Symbol && r.Side == pos.Side {
			pending = pending.Add(r.Quantity)
		}
	}
	if req.Quantity.Add(pending).GreaterThan(pos.Size) {
		return target, reject(domain.RejectInvalidReduceOnly, "quantity %s plus pending %s exceeds position size %s", req.Quantity, pending, pos.Size), false
	}
	return pos.Side, Result{}, true
}

// checkPositionCount counts open slots plus slots pending opening orders would create.
// The per-symbol cap counts pending opening orders individually.
func checkPositionCount(req domain.OrderRequest, in Input, target domain.PositionSide) (Result, bool) {
	snap := in.Snapshot
	slots := make(map[domain.PositionKey]bool, len(snap.Positions))
	perSymbol := 0
	for _, p := range snap.Positions {
		slots[p.Key()] = true
		if p.Symbol == req.Symbol {
			perSymbol++
		}
	}
	for _, r := range snap.Reservations {
		if !r.Opening {
			continue
		}
		slots[domain.PositionKey{Symbol: r.Symbol, Side: r.Side}] = true
		if r.Symbol == req.Symbol {
			perSymbol++
		}
	}

	key := domain.PositionKey{Symbol: req.Symbol, Side: target}
	if snap.Mode == domain.OneWayMode {
		if existing, ok := snap.PositionOn(req.Symbol); ok {
			key = existing.Key()
		}
	}
	total := len(slots)
	if !slots[key] {
		total++
	}
	if total > in.Policy.MaxPositions {
		return reject(domain.RejectMaxPositionsExceeded, "account would hold %d positions, cap %d", total, in.Policy.MaxPositions), false
	}
	if perSymbol+1 > in.Policy.MaxPositionsPerSymbol {
		return reject(domain.RejectMaxPositionsExceeded, "%s would carry %d positions and pending orders, cap %d", req.Symbol, perSymbol+1, in.Policy.MaxPositionsPerSymbol), false
	}
	return Result{}, true
}

func referencePrice(req domain.OrderRequest, snap ledger.Snapshot) (domain.Money, bool) {
	if req.Price != nil && req.Price.IsPositive() {
		return *req.Price, true
	}
	return snap.MarkPrice(req.Symbol)
}
