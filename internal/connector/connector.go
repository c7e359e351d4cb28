package connector

import (
	"errors"
	"time"

	pkgerrors "github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/ledger"
	"main/internal/obs"
	"main/internal/pool"
	"main/internal/risk"
	"main/internal/schema"
	"main/internal/shm"
)

// Strategy receives order lifecycle callbacks, synchronously from the
// event loop, in wire order.
type Strategy interface {
	OnOrderConfirmed(agg *ledger.Aggregate, req *ledger.Request)
	OnOrderTraded(agg *ledger.Aggregate, req *ledger.Request, price schema.Price, qty, leaves schema.Quantity)
	OnOrderCancelled(agg *ledger.Aggregate, req *ledger.Request)
	OnOrderRejected(agg *ledger.Aggregate, req *ledger.Request, reason schema.RejectReason)
	OnTradingStatusChanged(active bool)
}

// WireCodec translates between ledger requests and venue wire payloads.
// One implementation per venue, selected at construction time.
type WireCodec interface {
	EncodeRequest(dst []byte, ev schema.RequestEvent) ([]byte, error)
	Classify(payload []byte) schema.EventType
	DecodeExecReport(payload []byte) (schema.ExecReport, bool)
	DecodeBookTop(payload []byte) (schema.BookTop, bool)
	DecodeTrade(payload []byte) (schema.Trade, bool)
}

// Recorder persists events for replay and audit. Optional.
type Recorder interface {
	Record(header schema.EventHeader, payload []byte) error
}

// FillSink receives executed fills for durable storage. Optional.
type FillSink interface {
	SaveFill(t schema.Trade, reqID uint64) error
}

// Config tunes one connector.
type Config struct {
	Name       string
	Source     uint16
	AckTimeout time.Duration
	QueueSize  int
}

type pendingAck struct {
	session string
	corrID  uint64
	sentTs  int64
}

// Connector binds one session pool, one request ledger and the shared
// risk manager for a venue account. It is the only writer of its ledger
// and runs everything on one event loop goroutine.
type Connector struct {
	cfg      Config
	codec    WireCodec
	ledger   *ledger.Ledger
	pool     *pool.Pool
	risk     *risk.Manager
	strategy Strategy

	queue    *bus.Queue
	metrics  *obs.Metrics
	corrGen  *obs.CorrGenerator
	recorder Recorder
	fills    FillSink
	counters *shm.CounterRecord

	pending    map[uint64]pendingAck
	txSeq      uint64
	lastActive bool
	encodeBuf  []byte

	now func() int64
}

// Deps carries the collaborators a connector composes over.
type Deps struct {
	Codec    WireCodec
	Pool     *pool.Pool
	Risk     *risk.Manager
	Strategy Strategy
	Metrics  *obs.Metrics
	Recorder Recorder
	Fills    FillSink
	Counters *shm.CounterRecord
}

// New builds a connector and its ledger, and registers it with the risk
// manager for safe-mode mass cancellation.
func New(cfg Config, ledgerCfg ledger.Config, deps Deps) *Connector {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	c := &Connector{
		cfg:      cfg,
		codec:    deps.Codec,
		pool:     deps.Pool,
		risk:     deps.Risk,
		strategy: deps.Strategy,
		queue:    bus.NewQueue(cfg.QueueSize),
		metrics:  deps.Metrics,
		corrGen:  obs.NewCorrGenerator(cfg.Name),
		recorder: deps.Recorder,
		fills:    deps.Fills,
		counters: deps.Counters,
		pending:  make(map[uint64]pendingAck),
		now:      func() int64 { return time.Now().UnixNano() },
	}
	c.ledger = ledger.New(ledgerCfg, deps.Risk, c)
	deps.Risk.RegisterConnector(c)
	return c
}

// Name identifies the connector's venue account.
func (c *Connector) Name() string { return c.cfg.Name }

// Ledger exposes the connector's request ledger for inspection.
func (c *Connector) Ledger() *ledger.Ledger { return c.ledger }

// NewOrder submits a new order through admission, the ledger and the
// session pool, and books its working exposure with the risk manager.
func (c *Connector) NewOrder(p ledger.NewOrderParams) (*ledger.Aggregate, error) {
	start := c.now()
	if p.Ts == 0 {
		p.Ts = start
	}
	agg, err := c.ledger.NewOrder(p)
	if err != nil {
		var admErr *ledger.AdmissionError
		if errors.As(err, &admErr) {
			c.metrics.IncAdmitReject(admErr.Reason)
		}
		return nil, err
	}
	c.risk.OnOrder(p.Instrument, p.Side, p.Price, p.Qty, 0, 0, p.Ts)
	c.metrics.ObserveOrderFlow(time.Duration(c.now() - start))
	return agg, nil
}

// ModifyOrder reprices the aggregate's live request and rebooks its
// working exposure.
func (c *Connector) ModifyOrder(agg *ledger.Aggregate, newPrice schema.Price, newQty schema.Quantity) error {
	ts := c.now()
	tail := c.ledger.Tail(agg)
	if tail == nil {
		return ledger.ErrNoLiveRequest
	}
	oldPrice, oldQty := tail.Price, tail.LeavesQty
	if err := c.ledger.ModifyOrder(agg, newPrice, newQty, ts); err != nil {
		return err
	}
	c.risk.OnOrder(agg.Instrument, agg.Side, newPrice, newQty, oldPrice, oldQty, ts)
	return nil
}

// CancelOrder cancels the aggregate's live request. A false return
// means there was nothing to cancel.
func (c *Connector) CancelOrder(agg *ledger.Aggregate) (bool, error) {
	return c.ledger.CancelOrder(agg, c.now())
}

// CancelAllOrders cancels every live order on this connector. Pending
// session restarts are suppressed for the duration so the mass cancel
// always wins over rotation.
func (c *Connector) CancelAllOrders() {
	c.pool.SetRestartSuppressed(true)
	defer c.pool.SetRestartSuppressed(false)

	issued, err := c.ledger.CancelAll(ledger.Filter{}, c.now())
	if err != nil {
		logs.Errorf("%s mass cancel, issued %d, err: %+v", c.cfg.Name, issued, err)
	} else {
		logs.Infof("%s mass cancel issued %d cancels", c.cfg.Name, issued)
	}
	c.metrics.IncMassCancel()
}

// Active reports whether the connector accepts new orders.
func (c *Connector) Active() bool { return c.pool.Active() }

// Send implements the ledger's sender over the session pool.
func (c *Connector) Send(agg *ledger.Aggregate, req *ledger.Request) (ledger.SendResult, error) {
	if !c.pool.Active() {
		c.metrics.IncSendFailure()
		return ledger.SendResult{}, pool.ErrPoolUnavailable
	}
	corrID := c.corrGen.Next()
	payload, err := c.codec.EncodeRequest(c.encodeBuf, requestEvent(agg, req))
	if err != nil {
		c.metrics.IncSendFailure()
		return ledger.SendResult{}, pkgerrors.Wrapf(err, "encode request %d", req.ID)
	}
	c.encodeBuf = payload

	session, sentTs, err := c.pool.Send(payload, corrID, req.ID)
	if err != nil {
		c.metrics.IncSendFailure()
		return ledger.SendResult{}, err
	}
	c.txSeq++
	c.pending[req.ID] = pendingAck{session: session, corrID: corrID, sentTs: sentTs}
	c.countTx(len(payload), sentTs)
	c.record(schema.NewHeader(schema.EventRequest, c.cfg.Source, c.txSeq, sentTs, sentTs), payload)
	return ledger.SendResult{Session: session, Seq: c.txSeq, CorrID: corrID, SentTs: sentTs}, nil
}

// Flush implements the ledger's sender. Transports write through, so
// there is no outbound buffer to drain.
func (c *Connector) Flush() error { return nil }

func requestEvent(agg *ledger.Aggregate, req *ledger.Request) schema.RequestEvent {
	return schema.RequestEvent{
		AggregateID: agg.ID,
		RequestID:   req.ID,
		Kind:        req.Kind,
		Status:      req.Status,
		Instrument:  agg.Instrument,
		Strategy:    agg.Strategy,
		Side:        agg.Side,
		Type:        agg.Type,
		TimeInForce: agg.TimeInForce,
		Price:       req.Price,
		Qty:         req.Qty,
		VisibleQty:  req.VisibleQty,
		MinQty:      req.MinQty,
	}
}

func (c *Connector) countTx(n int, ts int64) {
	if c.counters == nil {
		return
	}
	c.counters.TxBytes += uint64(n)
	c.counters.TxMsgs++
	c.counters.LastTxTs = ts
}

func (c *Connector) countRx(n int, ts int64) {
	if c.counters == nil {
		return
	}
	c.counters.RxBytes += uint64(n)
	c.counters.RxMsgs++
	c.counters.LastRxTs = ts
}

func (c *Connector) record(header schema.EventHeader, payload []byte) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.Record(header, payload); err != nil {
		logs.Errorf("%s record event, err: %+v", c.cfg.Name, err)
	}
}
