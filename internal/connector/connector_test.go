package connector

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"main/internal/bus"
	"main/internal/codec"
	"main/internal/ledger"
	"main/internal/obs"
	"main/internal/pool"
	"main/internal/recorder"
	"main/internal/risk"
	"main/internal/schema"
	"main/internal/shm"
	"main/internal/state"
)

type fakeTransport struct {
	name string
	sent [][]byte
}

func (f *fakeTransport) Name() string                    { return f.name }
func (f *fakeTransport) Start(ctx context.Context) error { return nil }
func (f *fakeTransport) Stop(graceful bool) error        { return nil }
func (f *fakeTransport) IsActive() bool                  { return true }

func (f *fakeTransport) Send(payload []byte, corrID uint64) (int64, error) {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	f.sent = append(f.sent, buf)
	return time.Now().UnixNano(), nil
}

type recordingStrategy struct {
	confirmed []uint64
	traded    []uint64
	cancelled []uint64
	rejected  []uint64
	statuses  []bool
}

func (s *recordingStrategy) OnOrderConfirmed(agg *ledger.Aggregate, req *ledger.Request) {
	s.confirmed = append(s.confirmed, req.ID)
}

func (s *recordingStrategy) OnOrderTraded(agg *ledger.Aggregate, req *ledger.Request, price schema.Price, qty, leaves schema.Quantity) {
	s.traded = append(s.traded, req.ID)
}

func (s *recordingStrategy) OnOrderCancelled(agg *ledger.Aggregate, req *ledger.Request) {
	s.cancelled = append(s.cancelled, req.ID)
}

func (s *recordingStrategy) OnOrderRejected(agg *ledger.Aggregate, req *ledger.Request, reason schema.RejectReason) {
	s.rejected = append(s.rejected, req.ID)
}

func (s *recordingStrategy) OnTradingStatusChanged(active bool) {
	s.statuses = append(s.statuses, active)
}

type harness struct {
	c      *Connector
	strat  *recordingStrategy
	fakes  []*fakeTransport
	risk   *risk.Manager
	region *shm.Region
	instr  schema.InstrumentID
}

func newHarness(t *testing.T, riskCfg risk.Config) *harness {
	t.Helper()

	reg := schema.NewRegistry()
	venue, _ := reg.AddVenue("testvenue")
	btc, _ := reg.AddAsset("BTC")
	usd, _ := reg.AddAsset("USD")
	instr, err := reg.AddInstrument("BTC/USD", venue, btc, usd,
		schema.ScaleSpec{PriceScale: 2, QuantityScale: 4, NotionalScale: 2})
	if err != nil {
		t.Fatalf("instrument: %v", err)
	}

	region, err := shm.Open(filepath.Join(t.TempDir(), "risk.shm"),
		shm.Layout{MaxInstr: 8, MaxAsset: 8, MaxCounter: 4})
	if err != nil {
		t.Fatalf("region: %v", err)
	}
	t.Cleanup(func() { region.Close() })
	counters, err := region.AllocCounter("testvenue")
	if err != nil {
		t.Fatalf("counters: %v", err)
	}

	if riskCfg.User == 0 {
		riskCfg.User = 7
	}
	rm := risk.NewManager(riskCfg, region, reg)
	if err := rm.InstallValuator(usd, 0, risk.FixedRate(schema.RateScale)); err != nil {
		t.Fatalf("valuator: %v", err)
	}
	if err := rm.RegisterInstrument(instr, 1); err != nil {
		t.Fatalf("register: %v", err)
	}

	f1 := &fakeTransport{name: "s1"}
	f2 := &fakeTransport{name: "s2"}
	p := pool.New(pool.Config{}, []pool.Transport{f1, f2}, nil)

	strat := &recordingStrategy{}
	c := New(
		Config{Name: "testvenue", Source: 1, AckTimeout: time.Second},
		ledger.Config{MaxAggregates: 16, MaxRequests: 64},
		Deps{
			Codec:    NativeCodec{},
			Pool:     p,
			Risk:     rm,
			Strategy: strat,
			Metrics:  obs.NewMetrics(),
			Counters: counters,
		},
	)
	p.Start(context.Background())
	p.OnActivated("s1")
	p.OnActivated("s2")
	c.lastActive = true

	return &harness{c: c, strat: strat, fakes: []*fakeTransport{f1, f2}, risk: rm, region: region, instr: instr}
}

func (h *harness) newOrder(t *testing.T) *ledger.Aggregate {
	t.Helper()
	agg, err := h.c.NewOrder(ledger.NewOrderParams{
		User:        7,
		Strategy:    1,
		Instrument:  h.instr,
		Side:        schema.OrderSideBuy,
		Type:        schema.OrderTypeLimit,
		TimeInForce: schema.TimeInForceGTC,
		Price:       10_000,
		Qty:         10_000,
	})
	if err != nil {
		t.Fatalf("new order: %v", err)
	}
	return agg
}

func (h *harness) execReport(rep schema.ExecReport, session string) {
	payload := Frame(schema.EventExecReport, codec.EncodeExecReport(nil, rep))
	h.c.handleEvent(bus.Event{
		Header:  schema.NewHeader(schema.EventExecReport, 1, 0, rep.Ts, rep.Ts),
		Session: session,
		Payload: payload,
	})
}

func TestFullFillLifecycle(t *testing.T) {
	h := newHarness(t, risk.Config{})
	agg := h.newOrder(t)
	req := h.c.Ledger().Tail(agg)
	if req.Status != schema.RequestStatusSent {
		t.Fatalf("status %v after send", req.Status)
	}
	if len(h.fakes[0].sent) != 1 {
		t.Fatalf("wire frames on s1: %d", len(h.fakes[0].sent))
	}

	h.execReport(schema.ExecReport{
		RequestID: req.ID, Status: schema.RequestStatusConfirmed, Ts: 100,
	}, req.Session)
	if len(h.strat.confirmed) != 1 {
		t.Fatal("strategy confirm callback missing")
	}

	h.execReport(schema.ExecReport{
		RequestID: req.ID, Status: schema.RequestStatusFilled,
		Price: 10_000, LastQty: 10_000, LeavesQty: 0, Ts: 200,
	}, req.Session)

	if req.Status != schema.RequestStatusFilled || !agg.Inactive {
		t.Fatalf("after fill: status=%v inactive=%v", req.Status, agg.Inactive)
	}
	if len(h.strat.traded) != 1 {
		t.Fatal("strategy trade callback missing")
	}

	// The fill moved the position; duplicates must not move it again.
	h.execReport(schema.ExecReport{
		RequestID: req.ID, Status: schema.RequestStatusFilled,
		Price: 10_000, LastQty: 10_000, LeavesQty: 0, Ts: 300,
	}, req.Session)
	if len(h.strat.traded) != 1 {
		t.Fatal("duplicate fill must not reach the strategy")
	}

	// No cancel is possible against a filled aggregate.
	ok, err := h.c.CancelOrder(agg)
	if err != nil || ok {
		t.Fatalf("cancel after fill: ok=%v err=%v", ok, err)
	}
}

func TestCorrelationFallback(t *testing.T) {
	h := newHarness(t, risk.Config{})
	agg := h.newOrder(t)
	req := h.c.Ledger().Tail(agg)

	// A report without the request id correlates by session stream id.
	h.execReport(schema.ExecReport{
		CorrID: req.CorrID, Status: schema.RequestStatusConfirmed, Ts: 100,
	}, req.Session)
	if req.Status != schema.RequestStatusConfirmed {
		t.Fatalf("status %v after correlated confirm", req.Status)
	}
}

func TestCancelFlow(t *testing.T) {
	h := newHarness(t, risk.Config{})
	agg := h.newOrder(t)
	orig := h.c.Ledger().Tail(agg)
	h.execReport(schema.ExecReport{
		RequestID: orig.ID, Status: schema.RequestStatusConfirmed, Ts: 100,
	}, orig.Session)

	ok, err := h.c.CancelOrder(agg)
	if !ok || err != nil {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	cancel := h.c.Ledger().Tail(agg)
	h.execReport(schema.ExecReport{
		RequestID: cancel.ID, Status: schema.RequestStatusCancelled, Ts: 200,
	}, cancel.Session)

	if !agg.Inactive || orig.Status != schema.RequestStatusCancelled {
		t.Fatalf("after cancel ack: inactive=%v orig=%v", agg.Inactive, orig.Status)
	}
	if len(h.strat.cancelled) != 1 {
		t.Fatal("strategy cancel callback missing")
	}
}

func TestSessionDownFailsInFlight(t *testing.T) {
	h := newHarness(t, risk.Config{})
	agg := h.newOrder(t)
	req := h.c.Ledger().Tail(agg)

	h.c.handleEvent(bus.Event{
		Header:  schema.NewHeader(schema.EventSessionDown, 1, 0, 300, 300),
		Session: req.Session,
		Payload: []byte("tcp reset"),
	})

	if req.Status != schema.RequestStatusFailed {
		t.Fatalf("status %v after session down", req.Status)
	}
	if len(h.strat.rejected) != 1 {
		t.Fatal("strategy reject callback missing")
	}
	if !agg.Inactive {
		t.Fatal("failed new order must deactivate the aggregate")
	}
}

func TestAckTimeout(t *testing.T) {
	h := newHarness(t, risk.Config{})
	agg := h.newOrder(t)
	req := h.c.Ledger().Tail(agg)

	// Inside the window nothing happens.
	h.c.handleEvent(bus.Event{
		Header: schema.NewHeader(schema.EventTimer, 1, 0, req.SentTs+time.Millisecond.Nanoseconds(), 0),
	})
	if req.Status != schema.RequestStatusSent {
		t.Fatalf("status %v before timeout", req.Status)
	}

	h.c.handleEvent(bus.Event{
		Header: schema.NewHeader(schema.EventTimer, 1, 0, req.SentTs+2*time.Second.Nanoseconds(), 0),
	})
	if req.Status != schema.RequestStatusFailed {
		t.Fatalf("status %v after timeout", req.Status)
	}

	// Timed-out requests retry with a fresh identifier.
	retry, err := h.c.Ledger().Retry(req.ID, req.SentTs+3*time.Second.Nanoseconds())
	if err == nil {
		t.Fatalf("retry on inactive aggregate must fail, got request %d", retry.ID)
	}
	if !errors.Is(err, ledger.ErrInactiveAggregate) {
		t.Fatalf("retry error: %v", err)
	}
}

func TestTradingStatusCallback(t *testing.T) {
	h := newHarness(t, risk.Config{})

	h.c.handleEvent(bus.Event{
		Header:  schema.NewHeader(schema.EventSessionDown, 1, 0, 100, 100),
		Session: "s1",
	})
	// One session left, pool still active, no callback.
	if len(h.strat.statuses) != 0 {
		t.Fatalf("statuses %v with one session down", h.strat.statuses)
	}
	h.c.handleEvent(bus.Event{
		Header:  schema.NewHeader(schema.EventSessionDown, 1, 0, 200, 200),
		Session: "s2",
	})
	if len(h.strat.statuses) != 1 || h.strat.statuses[0] {
		t.Fatalf("statuses %v with all sessions down", h.strat.statuses)
	}
	h.c.handleEvent(bus.Event{
		Header:  schema.NewHeader(schema.EventSessionUp, 1, 0, 300, 300),
		Session: "s1",
	})
	if len(h.strat.statuses) != 2 || !h.strat.statuses[1] {
		t.Fatalf("statuses %v after reactivation", h.strat.statuses)
	}
}

func TestSafeModeMassCancels(t *testing.T) {
	// Two working 100.00 orders breach the 150.00 limit.
	h := newHarness(t, risk.Config{MaxActiveOrdsTotalSizeRFC: 15_000})
	a1 := h.newOrder(t)

	h.risk.Escalate(schema.RiskModeUnknown, "noop")
	if h.risk.Mode() != schema.RiskModeNormal {
		t.Fatalf("mode %v", h.risk.Mode())
	}

	// Bypass the admission gate the way a second connector would and
	// force the breach through the exposure update.
	h.risk.OnOrder(h.instr, schema.OrderSideBuy, 10_000, 10_000, 0, 0, 100)
	if h.risk.Mode() != schema.RiskModeSafe {
		t.Fatalf("mode %v after breach", h.risk.Mode())
	}

	// The connector mass-cancelled its live order.
	tail := h.c.Ledger().Tail(a1)
	if tail.Kind != schema.RequestKindCancel {
		t.Fatalf("tail kind %v after mass cancel", tail.Kind)
	}
	if _, err := h.c.NewOrder(ledger.NewOrderParams{
		User: 7, Instrument: h.instr, Side: schema.OrderSideBuy,
		Type: schema.OrderTypeLimit, Price: 10_000, Qty: 10_000,
	}); !errors.Is(err, ledger.ErrAdmissionRejected) {
		t.Fatalf("expected admission rejection in safe mode, got %v", err)
	}
}

func TestBookTopMarksPosition(t *testing.T) {
	h := newHarness(t, risk.Config{})
	agg := h.newOrder(t)
	req := h.c.Ledger().Tail(agg)
	h.execReport(schema.ExecReport{
		RequestID: req.ID, Status: schema.RequestStatusFilled,
		Price: 10_000, LastQty: 10_000, LeavesQty: 0, Ts: 100,
	}, req.Session)

	// Long 1.0 bought at 100.00, marked at 110.00.
	top := schema.BookTop{
		Book: 1, Instrument: h.instr,
		BidPrice: 11_000, BidSize: 1, AskPrice: 11_000, AskSize: 1,
		TsExch: 190, TsRecv: 200,
	}
	payload := Frame(schema.EventBookTop, codec.EncodeBookTop(nil, top))
	h.c.handleEvent(bus.Event{
		Header:  schema.NewHeader(schema.EventBookTop, 1, 0, 190, 200),
		Session: req.Session,
		Payload: payload,
	})

	rec := h.region.InstrAt(0)
	if rec == nil {
		t.Fatal("instrument record missing")
	}
	if rec.UnrealizedQuote != 1_000 || rec.UnrealizedRFC != 1_000 {
		t.Fatalf("unrealized quote=%d rfc=%d", rec.UnrealizedQuote, rec.UnrealizedRFC)
	}
}

func TestApplyRunsOnEventLoop(t *testing.T) {
	h := newHarness(t, risk.Config{})
	applied := false
	if err := h.c.Apply(func() { applied = true }); err != nil {
		t.Fatalf("apply: %v", err)
	}
	h.c.RequestStop()
	h.c.Run(context.Background())
	if !applied {
		t.Fatal("apply function must run before the loop stops")
	}
}

func TestJournaledFillsRecoverPositions(t *testing.T) {
	h := newHarness(t, risk.Config{})
	dir := t.TempDir()
	w, err := recorder.NewWriter(recorder.DefaultConfig(dir))
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start writer: %v", err)
	}
	h.c.recorder = w

	agg := h.newOrder(t)
	req := h.c.Ledger().Tail(agg)
	h.execReport(schema.ExecReport{
		RequestID: req.ID, Status: schema.RequestStatusFilled,
		Price: 10_000, LastQty: 10_000, LeavesQty: 0, Ts: 200,
	}, req.Session)
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	// The journal alone must rebuild the position the fill created.
	res, err := state.RecoverPositions(context.Background(), state.RecoverConfig{
		WALDir:      dir,
		DecodeTrade: NativeCodec{}.DecodeTrade,
	})
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got := res.Positions.Position(h.instr); got != 10_000 {
		t.Fatalf("recovered position %d, want 10000", got)
	}
}

func TestShutdownEventStopsLoop(t *testing.T) {
	h := newHarness(t, risk.Config{})
	d := h.c.handleEvent(bus.Event{Header: schema.EventHeader{Flags: HeaderFlagShutdown}})
	if d != bus.Stop {
		t.Fatalf("disposition %v for shutdown event", d)
	}
}
