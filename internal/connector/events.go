package connector

import (
	"context"
	"time"

	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/codec"
	"main/internal/ledger"
	"main/internal/schema"
)

// HeaderFlagShutdown marks a control event that stops the event loop
// through the dispatch return value.
const HeaderFlagShutdown uint16 = 1 << 15

// Run drains the connector's queue until the context is cancelled or a
// shutdown event arrives.
func (c *Connector) Run(ctx context.Context) {
	c.queue.Run(ctx, c.handleEvent)
}

// RequestStop asks the event loop to exit after the events already
// queued are drained.
func (c *Connector) RequestStop() {
	e := bus.Event{Header: schema.EventHeader{Flags: HeaderFlagShutdown}}
	if err := c.queue.TryPublish(e); err != nil {
		c.queue.Close()
	}
}

// Apply schedules fn on the event loop goroutine, serialized with event
// dispatch. Reloaded configuration is applied this way so handlers
// never observe limits mid-change.
func (c *Connector) Apply(fn func()) error {
	ts := time.Now().UnixNano()
	return c.queue.TryPublish(bus.Event{
		Header: schema.NewHeader(schema.EventUnknown, c.cfg.Source, 0, ts, ts),
		Apply:  fn,
	})
}

// StartTimers publishes periodic timer events that drive ack-timeout
// detection. It returns a stop function.
func (c *Connector) StartTimers(ctx context.Context, interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = time.Second
	}
	tctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-tctx.Done():
				return
			case now := <-ticker.C:
				ts := now.UnixNano()
				c.publish(bus.Event{
					Header: schema.NewHeader(schema.EventTimer, c.cfg.Source, 0, ts, ts),
				})
			}
		}
	}()
	return cancel
}

// OnSessionUp is called by a transport once its connection is active.
// Safe from any goroutine.
func (c *Connector) OnSessionUp(session string) {
	ts := time.Now().UnixNano()
	c.publish(bus.Event{
		Header:  schema.NewHeader(schema.EventSessionUp, c.cfg.Source, 0, ts, ts),
		Session: session,
	})
}

// OnSessionDown is called by a transport when its connection drops.
// Safe from any goroutine.
func (c *Connector) OnSessionDown(session, reason string) {
	ts := time.Now().UnixNano()
	c.publish(bus.Event{
		Header:  schema.NewHeader(schema.EventSessionDown, c.cfg.Source, 0, ts, ts),
		Session: session,
		Payload: []byte(reason),
	})
}

// OnStreamReset is called by a transport on a wire-level stream error.
// Safe from any goroutine.
func (c *Connector) OnStreamReset(session string, corrID uint64, errorCode uint16) {
	ts := time.Now().UnixNano()
	header := schema.NewHeader(schema.EventStreamReset, c.cfg.Source, 0, ts, ts)
	header.Flags = errorCode
	c.publish(bus.Event{Header: header, Session: session, CorrID: corrID})
}

// OnMessage is called by a transport for every inbound wire payload.
// Safe from any goroutine; the payload must not be reused by the caller.
func (c *Connector) OnMessage(session string, payload []byte, corrID uint64, recvTs int64) {
	c.publish(bus.Event{
		Header:  schema.NewHeader(c.codec.Classify(payload), c.cfg.Source, 0, 0, recvTs),
		Session: session,
		CorrID:  corrID,
		Payload: payload,
	})
}

func (c *Connector) publish(e bus.Event) {
	switch err := c.queue.TryPublish(e); err {
	case nil:
	case bus.ErrQueueFull:
		c.metrics.IncQueueDrop()
		logs.Errorf("%s event queue full, type %d dropped", c.cfg.Name, e.Header.Type)
	case bus.ErrQueueClosed:
		c.metrics.IncQueueClosed()
	default:
		logs.Errorf("%s publish event, err: %+v", c.cfg.Name, err)
	}
}

func (c *Connector) handleEvent(e bus.Event) bus.Disposition {
	if e.Header.Flags&HeaderFlagShutdown != 0 {
		logs.Infof("%s event loop stopping", c.cfg.Name)
		return bus.Stop
	}
	if e.Apply != nil {
		e.Apply()
		return bus.Continue
	}
	c.metrics.ObserveEvent(e.Header)

	switch e.Header.Type {
	case schema.EventExecReport:
		c.onExecReport(e)
	case schema.EventBookTop:
		c.onBookTop(e)
	case schema.EventTrade:
		c.onDropCopyTrade(e)
	case schema.EventSessionUp:
		c.pool.OnActivated(e.Session)
		c.notifyTradingStatus()
	case schema.EventSessionDown:
		c.pool.OnDeactivated(e.Session, string(e.Payload))
		c.failSessionRequests(e.Session, e.Header.TsRecv)
		c.notifyTradingStatus()
	case schema.EventStreamReset:
		c.pool.OnStreamReset(e.Session, int(e.Header.Flags))
		c.failStreamRequest(e.Session, e.CorrID, e.Header.TsRecv)
		c.notifyTradingStatus()
	case schema.EventTimer:
		c.scanAckTimeouts(e.Header.TsEvent)
	default:
		logs.Infof("%s unhandled event type %d", c.cfg.Name, e.Header.Type)
	}
	return bus.Continue
}

func (c *Connector) onExecReport(e bus.Event) {
	rep, ok := c.codec.DecodeExecReport(e.Payload)
	if !ok {
		logs.Errorf("%s undecodable exec report from %s", c.cfg.Name, e.Session)
		return
	}
	c.countRx(len(e.Payload), e.Header.TsRecv)
	c.record(e.Header, e.Payload)

	reqID := rep.RequestID
	if reqID == 0 {
		corrID := rep.CorrID
		if corrID == 0 {
			corrID = e.CorrID
		}
		if id, ok := c.pool.Resolve(e.Session, corrID); ok {
			reqID = id
		}
	}
	if reqID == 0 {
		logs.Infof("%s exec report without request correlation dropped", c.cfg.Name)
		return
	}
	if ack, ok := c.pending[reqID]; ok {
		c.metrics.ObserveAck(time.Duration(rep.Ts - ack.sentTs))
	}

	switch rep.Status {
	case schema.RequestStatusConfirmed:
		if upd, ok := c.ledger.OnConfirmed(reqID, rep.Ts); ok && c.strategy != nil {
			c.strategy.OnOrderConfirmed(upd.Agg, upd.Req)
		}
	case schema.RequestStatusPartFilled, schema.RequestStatusFilled:
		c.onFill(reqID, rep)
	case schema.RequestStatusCancelled:
		if upd, ok := c.ledger.OnCancelled(reqID, rep.Ts); ok {
			// Working exposure belongs to the cancelled original, not
			// to the cancel request itself.
			if orig := c.ledger.Referenced(upd.Req); orig != nil {
				c.risk.OnOrder(upd.Agg.Instrument, upd.Agg.Side, 0, 0, orig.Price, orig.LeavesQty, rep.Ts)
			}
			c.settleRequest(reqID)
			if c.strategy != nil {
				c.strategy.OnOrderCancelled(upd.Agg, upd.Req)
			}
		}
	case schema.RequestStatusFailed:
		if upd, ok := c.ledger.OnRejected(reqID, rep.Reason, rep.Ts); ok {
			c.releaseWorking(upd.Agg, upd.Req, rep.Ts)
			c.settleRequest(reqID)
			if c.strategy != nil {
				c.strategy.OnOrderRejected(upd.Agg, upd.Req, rep.Reason)
			}
		}
	default:
		logs.Infof("%s exec report with status %d ignored", c.cfg.Name, rep.Status)
	}
}

func (c *Connector) onFill(reqID uint64, rep schema.ExecReport) {
	upd, ok := c.ledger.OnFill(reqID, rep.Price, rep.LastQty, rep.LeavesQty, rep.Ts)
	if !ok {
		return
	}
	trade := schema.Trade{
		Instrument: upd.Agg.Instrument,
		User:       upd.Agg.User,
		Side:       upd.Agg.Side,
		Price:      rep.Price,
		Qty:        rep.LastQty,
		Ts:         rep.Ts,
	}
	c.risk.OnTrade(trade)
	// The filled slice leaves the working exposure.
	c.risk.OnOrder(upd.Agg.Instrument, upd.Agg.Side, rep.Price, rep.LeavesQty, rep.Price, rep.LeavesQty+rep.LastQty, rep.Ts)
	// Journal the normalized trade so positions can be rebuilt without
	// the ledger context the raw report needs. Trades take the next
	// journal sequence so recovery can dedup them like requests.
	c.txSeq++
	c.record(schema.NewHeader(schema.EventTrade, c.cfg.Source, c.txSeq, rep.Ts, rep.Ts),
		Frame(schema.EventTrade, codec.EncodeTrade(nil, trade)))
	if c.fills != nil {
		if err := c.fills.SaveFill(trade, reqID); err != nil {
			logs.Errorf("%s persist fill for request %d, err: %+v", c.cfg.Name, reqID, err)
		}
	}
	if upd.Kind == ledger.UpdateFill {
		c.settleRequest(reqID)
	}
	if c.strategy != nil {
		c.strategy.OnOrderTraded(upd.Agg, upd.Req, rep.Price, rep.LastQty, rep.LeavesQty)
	}
}

func (c *Connector) onBookTop(e bus.Event) {
	top, ok := c.codec.DecodeBookTop(e.Payload)
	if !ok {
		logs.Errorf("%s undecodable book top from %s", c.cfg.Name, e.Session)
		return
	}
	c.countRx(len(e.Payload), e.Header.TsRecv)
	if top.TsRecv == 0 {
		top.TsRecv = e.Header.TsRecv
	}
	c.risk.OnMktDataUpdate(top)
}

// onDropCopyTrade applies fills reported outside the order flow, e.g. a
// venue drop-copy feed.
func (c *Connector) onDropCopyTrade(e bus.Event) {
	trade, ok := c.codec.DecodeTrade(e.Payload)
	if !ok {
		logs.Errorf("%s undecodable trade from %s", c.cfg.Name, e.Session)
		return
	}
	c.countRx(len(e.Payload), e.Header.TsRecv)
	c.record(e.Header, e.Payload)
	c.risk.OnTrade(trade)
}

// failSessionRequests fails every request still waiting on a dropped
// session. The strategy decides about resubmission.
func (c *Connector) failSessionRequests(session string, ts int64) {
	for reqID, ack := range c.pending {
		if ack.session != session {
			continue
		}
		if upd, ok := c.ledger.FailRequest(reqID, schema.RejectReasonNone); ok {
			c.releaseWorking(upd.Agg, upd.Req, ts)
			if c.strategy != nil {
				c.strategy.OnOrderRejected(upd.Agg, upd.Req, schema.RejectReasonNone)
			}
		}
		delete(c.pending, reqID)
	}
}

func (c *Connector) failStreamRequest(session string, corrID uint64, ts int64) {
	reqID, ok := c.pool.Resolve(session, corrID)
	if !ok {
		return
	}
	if upd, ok := c.ledger.FailRequest(reqID, schema.RejectReasonNone); ok {
		c.releaseWorking(upd.Agg, upd.Req, ts)
		if c.strategy != nil {
			c.strategy.OnOrderRejected(upd.Agg, upd.Req, schema.RejectReasonNone)
		}
	}
	c.settleRequest(reqID)
}

// scanAckTimeouts fails requests with no acknowledgment inside the
// configured window. Treated identically to a transport failure.
func (c *Connector) scanAckTimeouts(now int64) {
	if c.cfg.AckTimeout <= 0 {
		return
	}
	deadline := c.cfg.AckTimeout.Nanoseconds()
	for reqID, ack := range c.pending {
		req, ok := c.ledger.RequestByID(reqID)
		if !ok || req.Status != schema.RequestStatusSent {
			if !ok || req.Status.Terminal() {
				delete(c.pending, reqID)
				c.pool.Release(ack.session, ack.corrID)
			}
			continue
		}
		if now-ack.sentTs < deadline {
			continue
		}
		logs.Infof("%s request %d unacknowledged after %s", c.cfg.Name, reqID, c.cfg.AckTimeout)
		if upd, ok := c.ledger.FailRequest(reqID, schema.RejectReasonNone); ok {
			c.releaseWorking(upd.Agg, upd.Req, now)
			if c.strategy != nil {
				c.strategy.OnOrderRejected(upd.Agg, upd.Req, schema.RejectReasonNone)
			}
		}
		delete(c.pending, reqID)
		c.pool.Release(ack.session, ack.corrID)
	}
}

// releaseWorking books the removal of a request's working exposure.
func (c *Connector) releaseWorking(agg *ledger.Aggregate, req *ledger.Request, ts int64) {
	if agg == nil || req == nil {
		return
	}
	if req.Kind == schema.RequestKindCancel || req.Kind == schema.RequestKindModLegCancel {
		return
	}
	c.risk.OnOrder(agg.Instrument, agg.Side, 0, 0, req.Price, req.LeavesQty, ts)
}

// settleRequest drops the terminal request's correlation bookkeeping.
func (c *Connector) settleRequest(reqID uint64) {
	ack, ok := c.pending[reqID]
	if !ok {
		return
	}
	delete(c.pending, reqID)
	c.pool.Release(ack.session, ack.corrID)
}

func (c *Connector) notifyTradingStatus() {
	active := c.pool.Active()
	if active == c.lastActive {
		return
	}
	c.lastActive = active
	logs.Infof("%s trading status changed, active: %v", c.cfg.Name, active)
	if c.strategy != nil {
		c.strategy.OnTradingStatusChanged(active)
	}
}
