package ledger

import (
	"github.com/yanun0323/logs"

	"main/internal/schema"
)

// UpdateKind classifies a ledger transition produced by an inbound report.
type UpdateKind uint8

const (
	UpdateNone UpdateKind = iota
	UpdateConfirmed
	UpdatePartFill
	UpdateFill
	UpdateCancelled
	UpdateRejected
	UpdateFailed
)

// Update describes one ledger transition for downstream consumers
// (risk, recorder, strategy callbacks).
type Update struct {
	Kind      UpdateKind
	Agg       *Aggregate
	Req       *Request
	FillPrice schema.Price
	FillQty   schema.Quantity
	LeavesQty schema.Quantity
	Reason    schema.RejectReason
}

// OnConfirmed applies a venue acknowledgment. Duplicate or late
// confirmations of a request that already advanced are dropped.
func (l *Ledger) OnConfirmed(reqID uint64, ts int64) (Update, bool) {
	req, ok := l.RequestByID(reqID)
	if !ok {
		logs.Infof("confirm for unknown request %d dropped", reqID)
		return Update{}, false
	}
	if req.Status >= schema.RequestStatusConfirmed {
		return Update{}, false
	}
	req.Status = schema.RequestStatusConfirmed
	return Update{Kind: UpdateConfirmed, Agg: l.arena.aggregate(req.agg), Req: req}, true
}

// OnFill applies an execution. A fill that leaves nothing working is
// terminal and, for the latest request in the chain, deactivates the
// aggregate. Fills on terminal requests are dropped.
func (l *Ledger) OnFill(reqID uint64, price schema.Price, qty schema.Quantity, leaves schema.Quantity, ts int64) (Update, bool) {
	req, ok := l.RequestByID(reqID)
	if !ok {
		logs.Infof("fill for unknown request %d dropped", reqID)
		return Update{}, false
	}
	if req.Status.Terminal() {
		return Update{}, false
	}
	agg := l.arena.aggregate(req.agg)

	req.CumQty += qty
	req.LeavesQty = leaves
	upd := Update{Agg: agg, Req: req, FillPrice: price, FillQty: qty, LeavesQty: leaves}
	if leaves == 0 {
		req.Status = schema.RequestStatusFilled
		upd.Kind = UpdateFill
		if agg != nil && agg.tail == req.slot {
			agg.Inactive = true
		}
	} else {
		req.Status = schema.RequestStatusPartFilled
		upd.Kind = UpdatePartFill
	}
	return upd, true
}

// OnCancelled applies a venue cancel confirmation addressed to the
// cancel request. The referenced original moves to Cancelled too. A
// plain cancel deactivates the aggregate; a modify cancel leg keeps it
// alive for the paired new leg.
func (l *Ledger) OnCancelled(reqID uint64, ts int64) (Update, bool) {
	req, ok := l.RequestByID(reqID)
	if !ok {
		logs.Infof("cancel ack for unknown request %d dropped", reqID)
		return Update{}, false
	}
	if req.Status.Terminal() {
		return Update{}, false
	}
	req.Status = schema.RequestStatusCancelled
	agg := l.arena.aggregate(req.agg)

	if orig := l.arena.request(req.ref); orig != nil && !orig.Status.Terminal() {
		orig.Status = schema.RequestStatusCancelled
	}
	if req.Kind == schema.RequestKindCancel && agg != nil {
		agg.Inactive = true
	}
	return Update{Kind: UpdateCancelled, Agg: agg, Req: req}, true
}

// OnRejected applies a venue rejection. A rejected new order deactivates
// its aggregate; rejected cancels and modify legs leave the original
// request working.
func (l *Ledger) OnRejected(reqID uint64, reason schema.RejectReason, ts int64) (Update, bool) {
	req, ok := l.RequestByID(reqID)
	if !ok {
		logs.Infof("reject for unknown request %d dropped", reqID)
		return Update{}, false
	}
	if req.Status.Terminal() {
		return Update{}, false
	}
	req.Status = schema.RequestStatusFailed
	req.Reason = reason
	agg := l.arena.aggregate(req.agg)
	if req.Kind == schema.RequestKindNew && agg != nil {
		agg.Inactive = true
	}
	return Update{Kind: UpdateRejected, Agg: agg, Req: req, Reason: reason}, true
}

// FailRequest marks a request failed without a venue report: ack
// timeouts and transport loss before confirmation.
func (l *Ledger) FailRequest(reqID uint64, reason schema.RejectReason) (Update, bool) {
	req, ok := l.RequestByID(reqID)
	if !ok {
		return Update{}, false
	}
	if req.Status.Terminal() {
		return Update{}, false
	}
	req.Status = schema.RequestStatusFailed
	req.Reason = reason
	agg := l.arena.aggregate(req.agg)
	if req.Kind == schema.RequestKindNew && agg != nil {
		agg.Inactive = true
	}
	logs.Infof("request %d failed without venue report, reason: %d", reqID, reason)
	return Update{Kind: UpdateFailed, Agg: agg, Req: req, Reason: reason}, true
}
