package ledger

import (
	"errors"

	"main/internal/schema"
)

var (
	ErrAggregateArenaFull = errors.New("ledger: aggregate arena full")
	ErrRequestArenaFull   = errors.New("ledger: request arena full")
)

// Handle addresses a slot in the ledger arenas. Handles replace raw
// pointers for the chain links so slots can be validated and the arenas
// stay relocatable.
type Handle int32

// None is the null handle.
const None Handle = -1

// Aggregate is one logical order: a chain of wire-level requests on one
// instrument, owned by the connector that created it.
type Aggregate struct {
	ID          uint64
	User        schema.UserID
	Strategy    schema.StrategyID
	Instrument  schema.InstrumentID
	Side        schema.OrderSide
	Type        schema.OrderType
	TimeInForce schema.TimeInForce

	// Inactive is set once no further fills or changes are possible.
	// An inactive aggregate accepts no new requests.
	Inactive bool

	slot, head, tail Handle
}

// Request is one wire-level action tied to exactly one aggregate.
type Request struct {
	ID         uint64
	Kind       schema.RequestKind
	Status     schema.RequestStatus
	Price      schema.Price
	Qty        schema.Quantity
	VisibleQty schema.Quantity
	MinQty     schema.Quantity
	CumQty     schema.Quantity
	LeavesQty  schema.Quantity
	CreatedTs  int64
	SentTs     int64
	Seq        uint64
	CorrID     uint64
	Session    string
	Reason     schema.RejectReason

	slot, agg, prev, next, ref Handle
}

// arena holds the fixed-capacity aggregate and request slots. Slots are
// bump-allocated and never freed while the process runs; capacity bounds
// the number of live aggregates.
type arena struct {
	aggs []Aggregate
	reqs []Request
	nAgg int
	nReq int
}

func newArena(maxAggregates, maxRequests int) *arena {
	if maxAggregates <= 0 {
		maxAggregates = 1
	}
	if maxRequests <= 0 {
		maxRequests = maxAggregates * 4
	}
	return &arena{
		aggs: make([]Aggregate, maxAggregates),
		reqs: make([]Request, maxRequests),
	}
}

func (a *arena) allocAggregate() (*Aggregate, error) {
	if a.nAgg >= len(a.aggs) {
		return nil, ErrAggregateArenaFull
	}
	slot := Handle(a.nAgg)
	a.nAgg++
	agg := &a.aggs[slot]
	*agg = Aggregate{slot: slot, head: None, tail: None}
	return agg, nil
}

func (a *arena) allocRequest() (*Request, error) {
	if a.nReq >= len(a.reqs) {
		return nil, ErrRequestArenaFull
	}
	slot := Handle(a.nReq)
	a.nReq++
	req := &a.reqs[slot]
	*req = Request{slot: slot, agg: None, prev: None, next: None, ref: None}
	return req, nil
}

func (a *arena) aggregate(h Handle) *Aggregate {
	if h < 0 || int(h) >= a.nAgg {
		return nil
	}
	return &a.aggs[h]
}

func (a *arena) request(h Handle) *Request {
	if h < 0 || int(h) >= a.nReq {
		return nil
	}
	return &a.reqs[h]
}

// appendRequest links a request to the tail of an aggregate's chain.
func (a *arena) appendRequest(agg *Aggregate, req *Request) {
	req.agg = agg.slot
	req.prev = agg.tail
	req.next = None
	if agg.tail != None {
		a.reqs[agg.tail].next = req.slot
	}
	agg.tail = req.slot
	if agg.head == None {
		agg.head = req.slot
	}
}
