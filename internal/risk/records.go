package risk

import (
	"github.com/yanun0323/logs"

	"main/internal/schema"
	"main/internal/shm"
)

// AssetRisks wraps one shared (asset, settlement-date, user) valuation
// record with its in-process valuation mechanism. The record lives in
// shared memory; the valuator does not.
type AssetRisks struct {
	Asset      schema.AssetID
	SettleDate uint32
	User       schema.UserID

	rec      *shm.AssetRecord
	valuator Valuator
}

// InstallValuator replaces the valuation mechanism. Position
// accumulators and the cached rate are preserved.
func (a *AssetRisks) InstallValuator(v Valuator) {
	a.valuator = v
}

// HasValuator reports whether a valuation mechanism is installed.
func (a *AssetRisks) HasValuator() bool { return a.valuator != nil }

// AddTrade accumulates traded asset flow.
func (a *AssetRisks) AddTrade(amount int64) { a.rec.PosTrade += amount }

// AddTransfer accumulates transferred asset flow.
func (a *AssetRisks) AddTransfer(amount int64) { a.rec.PosTransfer += amount }

// AddDeposit accumulates deposited asset flow.
func (a *AssetRisks) AddDeposit(amount int64) { a.rec.PosDeposit += amount }

// AddDebt accumulates borrowed asset flow.
func (a *AssetRisks) AddDebt(amount int64) { a.rec.PosDebt += amount }

// Net returns the combined asset position across all flow components.
func (a *AssetRisks) Net() int64 {
	return a.rec.PosTrade + a.rec.PosTransfer + a.rec.PosDeposit + a.rec.PosDebt
}

// RefreshRate derives a fresh conversion rate and caches it. Without a
// valuator, or when the valuator cannot produce a rate, the cache is
// left alone and the previous rate keeps serving.
func (a *AssetRisks) RefreshRate(src BookSource, ts int64) {
	if a.valuator == nil {
		return
	}
	rate, ok := a.valuator.Rate(src, ts)
	if !ok {
		return
	}
	a.rec.LastRate = int64(rate)
	a.rec.LastRateTs = ts
	a.rec.RateValid = 1
}

// CachedRate returns the last established conversion rate.
func (a *AssetRisks) CachedRate() (schema.Rate, bool) {
	if a.rec.RateValid == 0 {
		return 0, false
	}
	return schema.Rate(a.rec.LastRate), true
}

// ToRFC converts an asset amount into risk-free currency. It prefers a
// fresh valuation, falls back to the cached rate, and reports false if
// no rate was ever established. The condition is logged, never thrown.
func (a *AssetRisks) ToRFC(src BookSource, amount int64, ts int64) (schema.Notional, bool) {
	a.RefreshRate(src, ts)
	rate, ok := a.CachedRate()
	if !ok {
		logs.Infof("asset %d has no valid rate, conversion skipped", a.Asset)
		return 0, false
	}
	return schema.Notional(amount * int64(rate) / schema.RateScale), true
}

// Books returns the reference books the installed valuator depends on.
func (a *AssetRisks) Books() []schema.BookID {
	if a.valuator == nil {
		return nil
	}
	return a.valuator.Books()
}

// InstrRisks wraps one shared (instrument, user) exposure record with
// its catalog entry, valuation book and asset legs.
type InstrRisks struct {
	Instrument schema.Instrument
	User       schema.UserID
	Book       schema.BookID

	rec         *shm.InstrRecord
	base, quote *AssetRisks
	lastMid     schema.Price
}

// Position returns the signed base-asset position.
func (i *InstrRisks) Position() schema.Quantity { return schema.Quantity(i.rec.Position) }

// AvgPrice returns the average position price.
func (i *InstrRisks) AvgPrice() schema.Price { return schema.Price(i.rec.AvgPrice) }

// RealizedQuote returns realized PnL in quote units.
func (i *InstrRisks) RealizedQuote() schema.Notional { return schema.Notional(i.rec.RealizedQuote) }

// UnrealizedQuote returns unrealized PnL in quote units.
func (i *InstrRisks) UnrealizedQuote() schema.Notional { return schema.Notional(i.rec.UnrealizedQuote) }

// ActiveOrdsSize returns the notional size of currently working orders.
func (i *InstrRisks) ActiveOrdsSize() schema.Notional { return schema.Notional(i.rec.ActiveOrdsSize) }

// OrderCount returns the lifetime order count.
func (i *InstrRisks) OrderCount() uint64 { return i.rec.OrderCount }

// applyTrade updates position, average price and realized PnL, and
// returns the realized PnL delta in quote units.
func (i *InstrRisks) applyTrade(t schema.Trade) schema.Notional {
	spec := i.Instrument.Scale
	signed := int64(t.Qty)
	if t.Side == schema.OrderSideSell {
		signed = -signed
	}

	pos := i.rec.Position
	var realized schema.Notional
	if pos == 0 || (pos > 0) == (signed > 0) {
		// Extending the position: volume-weighted average price.
		abs := pos
		if abs < 0 {
			abs = -abs
		}
		total := abs + int64(t.Qty)
		if total > 0 {
			i.rec.AvgPrice = (i.rec.AvgPrice*abs + int64(t.Price)*int64(t.Qty)) / total
		}
		i.rec.Position = pos + signed
	} else {
		abs := pos
		sign := int64(1)
		if abs < 0 {
			abs = -abs
			sign = -1
		}
		closed := int64(t.Qty)
		if closed > abs {
			closed = abs
		}
		pnl := spec.NotionalOf(t.Price-schema.Price(i.rec.AvgPrice), schema.Quantity(closed))
		realized = schema.Notional(sign) * pnl
		i.rec.RealizedQuote += int64(realized)

		i.rec.Position = pos + signed
		if i.rec.Position == 0 {
			i.rec.AvgPrice = 0
		} else if (i.rec.Position > 0) != (pos > 0) {
			// Flipped through zero: the remainder opens at the trade price.
			i.rec.AvgPrice = int64(t.Price)
		}
	}

	i.rec.OrderCount++
	i.rec.UpdatedTs = t.Ts
	i.markToPrice(i.lastMid, t.Ts)
	return realized
}

// markToPrice recomputes unrealized PnL against a reference price.
func (i *InstrRisks) markToPrice(mid schema.Price, ts int64) {
	if mid <= 0 {
		return
	}
	i.lastMid = mid
	pos := i.rec.Position
	if pos == 0 {
		i.rec.UnrealizedQuote = 0
		i.rec.UpdatedTs = ts
		return
	}
	abs, sign := pos, int64(1)
	if abs < 0 {
		abs = -abs
		sign = -1
	}
	pnl := i.Instrument.Scale.NotionalOf(mid-schema.Price(i.rec.AvgPrice), schema.Quantity(abs))
	i.rec.UnrealizedQuote = sign * int64(pnl)
	i.rec.UpdatedTs = ts
}

// adjustActiveOrds applies a working-order notional delta, clamped at
// zero against release/add races after restarts.
func (i *InstrRisks) adjustActiveOrds(delta schema.Notional) {
	i.rec.ActiveOrdsSize += int64(delta)
	if i.rec.ActiveOrdsSize < 0 {
		i.rec.ActiveOrdsSize = 0
	}
}
