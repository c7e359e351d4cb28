package risk

import (
	"time"

	"main/internal/schema"
)

// BookSource resolves a book id to its latest top-of-book snapshot.
type BookSource interface {
	Top(schema.BookID) (schema.BookTop, bool)
}

// Valuator derives the rate converting one asset unit into risk-free
// currency. Rate returns false when no valid rate can be derived; the
// caller falls back to its cached rate.
type Valuator interface {
	Rate(src BookSource, ts int64) (schema.Rate, bool)
	Books() []schema.BookID
}

// FixedRate values an asset at a constant rate.
type FixedRate schema.Rate

func (f FixedRate) Rate(BookSource, int64) (schema.Rate, bool) {
	if f <= 0 {
		return 0, false
	}
	return schema.Rate(f), true
}

func (f FixedRate) Books() []schema.BookID { return nil }

// BookRate derives the rate from one reference order book's mid price,
// with an optional additive per-side spread. PriceScale rescales the
// book's prices to the fixed rate scale.
type BookRate struct {
	Book       schema.BookID
	PriceScale schema.Scale
	SpreadBid  schema.Rate
	SpreadAsk  schema.Rate
}

func (b BookRate) Rate(src BookSource, ts int64) (schema.Rate, bool) {
	top, ok := src.Top(b.Book)
	if !ok {
		return 0, false
	}
	return rateFromTop(top, b.PriceScale, b.SpreadBid, b.SpreadAsk)
}

func (b BookRate) Books() []schema.BookID { return []schema.BookID{b.Book} }

// DualBookRate selects between two reference books by UTC time of day,
// for assets whose settlement tenor changes through the session.
// DaySince/DayUntil are inclusive/exclusive hours of the day window.
type DualBookRate struct {
	DayBook    schema.BookID
	NightBook  schema.BookID
	DaySince   int
	DayUntil   int
	PriceScale schema.Scale
	SpreadBid  schema.Rate
	SpreadAsk  schema.Rate
}

func (d DualBookRate) Rate(src BookSource, ts int64) (schema.Rate, bool) {
	hour := time.Unix(0, ts).UTC().Hour()
	book := d.NightBook
	if hour >= d.DaySince && hour < d.DayUntil {
		book = d.DayBook
	}
	top, ok := src.Top(book)
	if !ok {
		return 0, false
	}
	return rateFromTop(top, d.PriceScale, d.SpreadBid, d.SpreadAsk)
}

func (d DualBookRate) Books() []schema.BookID {
	return []schema.BookID{d.DayBook, d.NightBook}
}

func rateFromTop(top schema.BookTop, priceScale schema.Scale, spreadBid, spreadAsk schema.Rate) (schema.Rate, bool) {
	mid, ok := top.Mid()
	if !ok {
		return 0, false
	}
	rate := schema.Rate(int64(mid) * schema.RateScale / schema.Pow10(priceScale))
	// The spread widens the conversion conservatively toward zero.
	rate += (spreadBid - spreadAsk) / 2
	if rate <= 0 {
		return 0, false
	}
	return rate, true
}
