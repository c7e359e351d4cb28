package risk

import "main/internal/schema"

// Window tracks notional flow over a sliding time span. Entries expire
// as time moves past the span; totals are exact, not bucketed.
type Window struct {
	span  int64
	limit schema.Notional

	events []windowEvent
	head   int
	total  schema.Notional
}

type windowEvent struct {
	ts       int64
	notional schema.Notional
}

// NewWindow builds a window covering span nanoseconds with the given
// notional limit. A zero limit disables the check.
func NewWindow(span int64, limit schema.Notional) *Window {
	return &Window{span: span, limit: limit}
}

// Add records notional flow at ts.
func (w *Window) Add(ts int64, notional schema.Notional) {
	w.expire(ts)
	w.events = append(w.events, windowEvent{ts: ts, notional: notional})
	w.total += notional
}

// Total returns the notional inside the window at ts.
func (w *Window) Total(ts int64) schema.Notional {
	w.expire(ts)
	return w.total
}

// WouldExceed reports whether adding notional at ts would breach the
// window limit. Disabled windows never breach.
func (w *Window) WouldExceed(ts int64, notional schema.Notional) bool {
	if w.limit <= 0 {
		return false
	}
	w.expire(ts)
	return w.total+notional > w.limit
}

// SetLimit resizes the window in place, keeping the recorded flow.
func (w *Window) SetLimit(span int64, limit schema.Notional) {
	w.span = span
	w.limit = limit
}

func (w *Window) expire(ts int64) {
	cutoff := ts - w.span
	for w.head < len(w.events) && w.events[w.head].ts <= cutoff {
		w.total -= w.events[w.head].notional
		w.head++
	}
	if w.head > 0 && w.head == len(w.events) {
		w.events = w.events[:0]
		w.head = 0
	} else if w.head > 64 && w.head*2 > len(w.events) {
		n := copy(w.events, w.events[w.head:])
		w.events = w.events[:n]
		w.head = 0
	}
}

// Throttle is the three overlapping windows gating order-entry and fill
// notional. Any breached window rejects a new order.
type Throttle struct {
	short  *Window
	medium *Window
	long   *Window
}

// NewThrottle builds the short/medium/long windows. Spans are in
// nanoseconds; zero limits disable individual windows.
func NewThrottle(shortSpan, mediumSpan, longSpan int64, shortLim, mediumLim, longLim schema.Notional) *Throttle {
	return &Throttle{
		short:  NewWindow(shortSpan, shortLim),
		medium: NewWindow(mediumSpan, mediumLim),
		long:   NewWindow(longSpan, longLim),
	}
}

// Add records notional flow into all three windows.
func (t *Throttle) Add(ts int64, notional schema.Notional) {
	t.short.Add(ts, notional)
	t.medium.Add(ts, notional)
	t.long.Add(ts, notional)
}

// SetLimits applies reloaded spans and limits to all three windows. The
// recorded flow carries over, so a tightened window takes effect against
// notional already inside it.
func (t *Throttle) SetLimits(shortSpan, mediumSpan, longSpan int64, shortLim, mediumLim, longLim schema.Notional) {
	t.short.SetLimit(shortSpan, shortLim)
	t.medium.SetLimit(mediumSpan, mediumLim)
	t.long.SetLimit(longSpan, longLim)
}

// Check reports whether notional at ts fits every window, returning the
// reason of the first breached one otherwise.
func (t *Throttle) Check(ts int64, notional schema.Notional) (bool, schema.AdmitReason) {
	if t.short.WouldExceed(ts, notional) {
		return false, schema.AdmitReasonWindowShort
	}
	if t.medium.WouldExceed(ts, notional) {
		return false, schema.AdmitReasonWindowMedium
	}
	if t.long.WouldExceed(ts, notional) {
		return false, schema.AdmitReasonWindowLong
	}
	return true, schema.AdmitReasonNone
}
