package ledger

import (
	"errors"
	"fmt"

	"github.com/yanun0323/logs"

	"main/internal/schema"
)

var (
	ErrAdmissionRejected = errors.New("ledger: admission rejected")
	ErrPoolUnavailable   = errors.New("ledger: no session available")
	ErrInactiveAggregate = errors.New("ledger: aggregate is inactive")
	ErrNoLiveRequest     = errors.New("ledger: no live request")
	ErrInvalidOrder      = errors.New("ledger: invalid order parameters")
)

// AdmissionError wraps ErrAdmissionRejected with the risk reason.
type AdmissionError struct {
	Reason schema.AdmitReason
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission rejected: reason=%d", e.Reason)
}

func (e *AdmissionError) Unwrap() error {
	return ErrAdmissionRejected
}

// AdmitQuery describes an order submission for the risk gate.
type AdmitQuery struct {
	User       schema.UserID
	Instrument schema.InstrumentID
	Side       schema.OrderSide
	Price      schema.Price
	Qty        schema.Quantity
	Ts         int64
}

// Admitter gates order submissions. Implemented by the risk manager.
type Admitter interface {
	Admit(q AdmitQuery) (bool, schema.AdmitReason)
}

// SendResult reports how a request left the process.
type SendResult struct {
	Session string
	Seq     uint64
	CorrID  uint64
	SentTs  int64
}

// Sender transmits encoded requests. Implemented by the connector over
// the session pool.
type Sender interface {
	Send(agg *Aggregate, req *Request) (SendResult, error)
	Flush() error
}

// Config sizes the ledger arenas and selects venue capabilities.
type Config struct {
	MaxAggregates int
	MaxRequests   int

	// AtomicModify selects a single Modify request for venues that
	// support in-place modification; venues without it get a linked
	// ModLegCancel/ModLegNew pair.
	AtomicModify bool
}

// Ledger is the per-connector order request ledger: every outbound order
// action and its lifecycle, arena-backed, single-threaded.
type Ledger struct {
	cfg    Config
	arena  *arena
	nextID uint64
	byID   map[uint64]Handle

	admit  Admitter
	sender Sender
}

// New creates a ledger with arenas sized from cfg.
func New(cfg Config, admit Admitter, sender Sender) *Ledger {
	return &Ledger{
		cfg:    cfg,
		arena:  newArena(cfg.MaxAggregates, cfg.MaxRequests),
		byID:   make(map[uint64]Handle, cfg.MaxRequests),
		admit:  admit,
		sender: sender,
	}
}

// NewOrderParams describes a new order submission.
type NewOrderParams struct {
	User        schema.UserID
	Strategy    schema.StrategyID
	Instrument  schema.InstrumentID
	Side        schema.OrderSide
	Type        schema.OrderType
	TimeInForce schema.TimeInForce
	Price       schema.Price
	Qty         schema.Quantity
	VisibleQty  schema.Quantity
	MinQty      schema.Quantity
	Ts          int64
}

func (p NewOrderParams) validate() error {
	if p.Side != schema.OrderSideBuy && p.Side != schema.OrderSideSell {
		return fmt.Errorf("%w: side is unknown", ErrInvalidOrder)
	}
	if p.Type == schema.OrderTypeUnknown {
		return fmt.Errorf("%w: type is unknown", ErrInvalidOrder)
	}
	if p.Qty <= 0 {
		return fmt.Errorf("%w: qty must be > 0", ErrInvalidOrder)
	}
	if p.Type == schema.OrderTypeLimit && p.Price <= 0 {
		return fmt.Errorf("%w: price must be > 0 for limit orders", ErrInvalidOrder)
	}
	if p.VisibleQty < 0 || p.VisibleQty > p.Qty {
		return fmt.Errorf("%w: visible qty out of range", ErrInvalidOrder)
	}
	if p.MinQty < 0 || p.MinQty > p.Qty {
		return fmt.Errorf("%w: min qty out of range", ErrInvalidOrder)
	}
	return nil
}

// NewOrder validates the parameters, consults the risk gate, creates an
// aggregate with its first request and hands it to the sender. It returns
// the aggregate, never the request.
func (l *Ledger) NewOrder(p NewOrderParams) (*Aggregate, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if ok, reason := l.admit.Admit(AdmitQuery{
		User:       p.User,
		Instrument: p.Instrument,
		Side:       p.Side,
		Price:      p.Price,
		Qty:        p.Qty,
		Ts:         p.Ts,
	}); !ok {
		return nil, &AdmissionError{Reason: reason}
	}

	agg, err := l.arena.allocAggregate()
	if err != nil {
		return nil, err
	}
	agg.ID = l.nextIdentifier()
	agg.User = p.User
	agg.Strategy = p.Strategy
	agg.Instrument = p.Instrument
	agg.Side = p.Side
	agg.Type = p.Type
	agg.TimeInForce = p.TimeInForce

	req, err := l.appendNew(agg, schema.RequestKindNew, p.Price, p.Qty, p.Ts)
	if err != nil {
		agg.Inactive = true
		return nil, err
	}
	req.VisibleQty = p.VisibleQty
	req.MinQty = p.MinQty

	if err := l.dispatch(agg, req); err != nil {
		agg.Inactive = true
		return nil, fmt.Errorf("%w: %v", ErrPoolUnavailable, err)
	}
	return agg, nil
}

// CancelOrder issues a cancel for the aggregate's latest live request.
// It returns false, without error, when there is nothing to cancel.
func (l *Ledger) CancelOrder(agg *Aggregate, ts int64) (bool, error) {
	if agg == nil || agg.Inactive {
		return false, nil
	}
	target := l.arena.request(agg.tail)
	if target == nil || target.Status.Terminal() {
		return false, nil
	}

	req, err := l.appendNew(agg, schema.RequestKindCancel, target.Price, target.LeavesQty, ts)
	if err != nil {
		return false, err
	}
	req.ref = target.slot
	if err := l.dispatch(agg, req); err != nil {
		return true, fmt.Errorf("%w: %v", ErrPoolUnavailable, err)
	}
	return true, nil
}

// ModifyOrder changes price and quantity of the aggregate's live request.
// Venues with atomic modify get one Modify request; the rest get a linked
// ModLegCancel/ModLegNew pair routed together.
func (l *Ledger) ModifyOrder(agg *Aggregate, newPrice schema.Price, newQty schema.Quantity, ts int64) error {
	if agg == nil || agg.Inactive {
		return ErrInactiveAggregate
	}
	if newQty <= 0 || newPrice <= 0 {
		return fmt.Errorf("%w: modify price/qty must be > 0", ErrInvalidOrder)
	}
	target := l.arena.request(agg.tail)
	if target == nil || target.Status.Terminal() {
		return ErrNoLiveRequest
	}

	if l.cfg.AtomicModify {
		req, err := l.appendNew(agg, schema.RequestKindModify, newPrice, newQty, ts)
		if err != nil {
			return err
		}
		req.ref = target.slot
		if err := l.dispatch(agg, req); err != nil {
			return fmt.Errorf("%w: %v", ErrPoolUnavailable, err)
		}
		return nil
	}

	legC, err := l.appendNew(agg, schema.RequestKindModLegCancel, target.Price, target.LeavesQty, ts)
	if err != nil {
		return err
	}
	legC.ref = target.slot
	legN, err := l.appendNew(agg, schema.RequestKindModLegNew, newPrice, newQty, ts)
	if err != nil {
		return err
	}
	legN.ref = legC.slot

	if err := l.dispatch(agg, legC); err != nil {
		l.failPending(legN, "modify leg cancel undeliverable")
		return fmt.Errorf("%w: %v", ErrPoolUnavailable, err)
	}
	if err := l.dispatch(agg, legN); err != nil {
		return fmt.Errorf("%w: %v", ErrPoolUnavailable, err)
	}
	return nil
}

// Filter narrows CancelAll to matching aggregates. Zero fields match all.
type Filter struct {
	Instrument schema.InstrumentID
	Side       schema.OrderSide
	Strategy   schema.StrategyID
}

func (f Filter) match(agg *Aggregate) bool {
	if f.Instrument != 0 && agg.Instrument != f.Instrument {
		return false
	}
	if f.Side != schema.OrderSideUnknown && agg.Side != f.Side {
		return false
	}
	if f.Strategy != 0 && agg.Strategy != f.Strategy {
		return false
	}
	return true
}

// CancelAll issues cancels for every live aggregate matching the filter
// and flushes the sender. It returns the number of cancels issued.
func (l *Ledger) CancelAll(filter Filter, ts int64) (int, error) {
	issued := 0
	var firstErr error
	for i := 0; i < l.arena.nAgg; i++ {
		agg := &l.arena.aggs[i]
		if agg.Inactive || !filter.match(agg) {
			continue
		}
		ok, err := l.CancelOrder(agg, ts)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if ok {
			issued++
		}
	}
	if err := l.sender.Flush(); err != nil && firstErr == nil {
		firstErr = err
	}
	return issued, firstErr
}

// Retry creates a fresh request repeating a failed one. The failed
// request stays terminal; replaying identifiers is never allowed.
func (l *Ledger) Retry(reqID uint64, ts int64) (*Request, error) {
	failed, ok := l.RequestByID(reqID)
	if !ok {
		return nil, ErrNoLiveRequest
	}
	if failed.Status != schema.RequestStatusFailed {
		return nil, fmt.Errorf("%w: request %d is not failed", ErrInvalidOrder, reqID)
	}
	agg := l.arena.aggregate(failed.agg)
	if agg == nil || agg.Inactive {
		return nil, ErrInactiveAggregate
	}

	req, err := l.appendNew(agg, failed.Kind, failed.Price, failed.Qty, ts)
	if err != nil {
		return nil, err
	}
	req.VisibleQty = failed.VisibleQty
	req.MinQty = failed.MinQty
	req.ref = failed.ref
	if err := l.dispatch(agg, req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPoolUnavailable, err)
	}
	return req, nil
}

// RequestByID resolves a request by its identifier.
func (l *Ledger) RequestByID(id uint64) (*Request, bool) {
	h, ok := l.byID[id]
	if !ok {
		return nil, false
	}
	req := l.arena.request(h)
	return req, req != nil
}

// Referenced returns the earlier request a cancel or modify leg points
// at, or nil.
func (l *Ledger) Referenced(req *Request) *Request {
	if req == nil {
		return nil
	}
	return l.arena.request(req.ref)
}

// AggregateOf returns the aggregate owning a request.
func (l *Ledger) AggregateOf(req *Request) *Aggregate {
	if req == nil {
		return nil
	}
	return l.arena.aggregate(req.agg)
}

// Tail returns the last request in the aggregate's chain.
func (l *Ledger) Tail(agg *Aggregate) *Request {
	if agg == nil {
		return nil
	}
	return l.arena.request(agg.tail)
}

// ChainIDs returns the request identifiers in chain order.
func (l *Ledger) ChainIDs(agg *Aggregate) []uint64 {
	if agg == nil {
		return nil
	}
	var ids []uint64
	for h := agg.head; h != None; {
		req := l.arena.request(h)
		if req == nil {
			break
		}
		ids = append(ids, req.ID)
		h = req.next
	}
	return ids
}

// LiveAggregates calls fn for every aggregate that is not yet inactive.
func (l *Ledger) LiveAggregates(fn func(*Aggregate) bool) {
	for i := 0; i < l.arena.nAgg; i++ {
		agg := &l.arena.aggs[i]
		if agg.Inactive {
			continue
		}
		if !fn(agg) {
			return
		}
	}
}

func (l *Ledger) nextIdentifier() uint64 {
	l.nextID++
	return l.nextID
}

// appendNew allocates an Indicated request on the aggregate's chain.
// Identifiers come from the shared counter, so they are strictly
// increasing within the chain and always greater than the aggregate's.
func (l *Ledger) appendNew(agg *Aggregate, kind schema.RequestKind, price schema.Price, qty schema.Quantity, ts int64) (*Request, error) {
	if agg.Inactive {
		return nil, ErrInactiveAggregate
	}
	req, err := l.arena.allocRequest()
	if err != nil {
		return nil, err
	}
	req.ID = l.nextIdentifier()
	req.Kind = kind
	req.Status = schema.RequestStatusIndicated
	req.Price = price
	req.Qty = qty
	req.LeavesQty = qty
	req.CreatedTs = ts
	l.arena.appendRequest(agg, req)
	l.byID[req.ID] = req.slot
	return req, nil
}

func (l *Ledger) dispatch(agg *Aggregate, req *Request) error {
	res, err := l.sender.Send(agg, req)
	if err != nil {
		req.Status = schema.RequestStatusFailed
		logs.Errorf("request %d undeliverable, err: %+v", req.ID, err)
		return err
	}
	req.Status = schema.RequestStatusSent
	req.Session = res.Session
	req.Seq = res.Seq
	req.CorrID = res.CorrID
	req.SentTs = res.SentTs
	return nil
}

func (l *Ledger) failPending(req *Request, reason string) {
	if req == nil || req.Status.Terminal() {
		return
	}
	req.Status = schema.RequestStatusFailed
	logs.Infof("request %d failed: %s", req.ID, reason)
}
