package state

import "main/internal/schema"

// PositionReducer rebuilds signed base positions from trade events.
type PositionReducer struct {
	positions map[schema.InstrumentID]schema.Quantity
}

// NewPositionReducer creates an empty reducer.
func NewPositionReducer() *PositionReducer {
	return &PositionReducer{positions: make(map[schema.InstrumentID]schema.Quantity)}
}

// ApplyTrade updates the instrument position and returns the new quantity.
func (r *PositionReducer) ApplyTrade(t schema.Trade) schema.Quantity {
	current := r.positions[t.Instrument]
	var next schema.Quantity
	switch t.Side {
	case schema.OrderSideBuy:
		next = current + t.Qty
	case schema.OrderSideSell:
		next = current - t.Qty
	default:
		next = current
	}
	r.positions[t.Instrument] = next
	return next
}

// ApplySnapshot replaces positions with a snapshot.
func (r *PositionReducer) ApplySnapshot(snapshot Snapshot) {
	if r.positions == nil {
		r.positions = make(map[schema.InstrumentID]schema.Quantity, len(snapshot.Positions))
	} else {
		for key := range r.positions {
			delete(r.positions, key)
		}
	}
	for _, entry := range snapshot.Positions {
		r.positions[entry.Instrument] = entry.Qty
	}
}

// Position returns the current position quantity for an instrument.
func (r *PositionReducer) Position(id schema.InstrumentID) schema.Quantity {
	return r.positions[id]
}

// Count returns the number of tracked instruments.
func (r *PositionReducer) Count() int {
	return len(r.positions)
}
