package policy

import "cryptoRiskGuard/internal/domain"

// OverlayExchangeLimits copies the lot and notional filters the exchange reports onto the
// configured symbols. Leverage caps and maintenance rates stay as configured, and symbols
// the table does not list are ignored. It returns the merged table and the symbols that
// had no exchange entry.
func OverlayExchangeLimits(t domain.PolicyTable, fetched []domain.SymbolLimits) (domain.PolicyTable, []string) {
	bySymbol := make(map[string]domain.SymbolLimits, len(fetched))
	for _, f := range fetched {
		bySymbol[f.Symbol] = f
	}

	out := t
	out.Symbols = make([]domain.SymbolLimits, len(t.Symbols))
	var missing []string
	for i, sym := range t.Symbols {
		ex, ok := bySymbol[sym.Symbol]
		if !ok {
			out.Symbols[i] = sym
			missing = append(missing, sym.Symbol)
			continue
		}
		merged := sym
		merged.MinQuantity = ex.MinQuantity
		merged.StepSize = ex.StepSize
		if ex.MaxQuantity.IsPositive() {
			merged.MaxQuantity = ex.MaxQuantity
		}
		if ex.MinNotional.GreaterThan(sym.MinNotional) {
			merged.MinNotional = ex.MinNotional
		}
		// A symbol the exchange halted cannot trade whatever the table says.
		merged.TradingEnabled = sym.TradingEnabled && ex.TradingEnabled
		out.Symbols[i] = merged
	}
	return out, missing
}
