package risk

import (
	"path/filepath"
	"testing"
	"time"

	"main/internal/ledger"
	"main/internal/schema"
	"main/internal/shm"
)

type fakeCanceller struct {
	name    string
	cancels int
}

func (f *fakeCanceller) Name() string     { return f.name }
func (f *fakeCanceller) CancelAllOrders() { f.cancels++ }

type testUniverse struct {
	m    *Manager
	btc  schema.AssetID
	usd  schema.AssetID
	bu   schema.InstrumentID
	spec schema.ScaleSpec
}

// newTestUniverse wires one BTC/USD instrument with USD as the
// risk-free currency at a fixed 1.0 rate. Prices carry 2 decimals,
// quantities 4, notionals 2.
func newTestUniverse(t *testing.T, cfg Config) *testUniverse {
	t.Helper()
	reg := schema.NewRegistry()
	venue, err := reg.AddVenue("test")
	if err != nil {
		t.Fatalf("venue: %v", err)
	}
	btc, _ := reg.AddAsset("BTC")
	usd, _ := reg.AddAsset("USD")
	spec := schema.ScaleSpec{PriceScale: 2, QuantityScale: 4, NotionalScale: 2}
	bu, err := reg.AddInstrument("BTC/USD", venue, btc, usd, spec)
	if err != nil {
		t.Fatalf("instrument: %v", err)
	}

	region, err := shm.Open(filepath.Join(t.TempDir(), "risk.shm"),
		shm.Layout{MaxInstr: 8, MaxAsset: 8, MaxCounter: 4})
	if err != nil {
		t.Fatalf("region: %v", err)
	}
	t.Cleanup(func() { region.Close() })

	if cfg.User == 0 {
		cfg.User = 7
	}
	m := NewManager(cfg, region, reg)
	if err := m.InstallValuator(usd, 0, FixedRate(schema.RateScale)); err != nil {
		t.Fatalf("valuator: %v", err)
	}
	if err := m.RegisterInstrument(bu, 1); err != nil {
		t.Fatalf("register: %v", err)
	}
	return &testUniverse{m: m, btc: btc, usd: usd, bu: bu, spec: spec}
}

func (u *testUniverse) trade(side schema.OrderSide, px schema.Price, qty schema.Quantity, ts int64) {
	u.m.OnTrade(schema.Trade{
		Instrument: u.bu, User: 7, Side: side, Price: px, Qty: qty, Ts: ts,
	})
}

func TestModeMonotonic(t *testing.T) {
	u := newTestUniverse(t, Config{})
	if u.m.Mode() != schema.RiskModeNormal {
		t.Fatalf("start mode %v", u.m.Mode())
	}
	u.m.Escalate(schema.RiskModeSafe, "test")
	if u.m.Mode() != schema.RiskModeSafe {
		t.Fatalf("mode %v after escalation", u.m.Mode())
	}
	// Downward transitions are ignored.
	u.m.Escalate(schema.RiskModeNormal, "test")
	u.m.Escalate(schema.RiskModeSTP, "test")
	if u.m.Mode() != schema.RiskModeSafe {
		t.Fatalf("mode %v must stay Safe", u.m.Mode())
	}
}

func TestAdmitByMode(t *testing.T) {
	q := ledger.AdmitQuery{Instrument: 1, Side: schema.OrderSideBuy, Price: 10_000, Qty: 10_000, Ts: 1}

	u := newTestUniverse(t, Config{StartMode: schema.RiskModeSTP})
	if ok, _ := u.m.Admit(q); !ok {
		t.Fatal("STP mode records only, it must admit")
	}

	u = newTestUniverse(t, Config{})
	u.m.Escalate(schema.RiskModeSafe, "test")
	if ok, reason := u.m.Admit(q); ok || reason != schema.AdmitReasonSafeMode {
		t.Fatalf("safe mode admit: ok=%v reason=%v", ok, reason)
	}
}

func TestActiveOrdsLimitEscalatesToSafe(t *testing.T) {
	// Order notional is 100.00 RFC each; limit allows two.
	u := newTestUniverse(t, Config{MaxActiveOrdsTotalSizeRFC: 25_000})
	c := &fakeCanceller{name: "venue-a"}
	u.m.RegisterConnector(c)

	for i := 0; i < 2; i++ {
		u.m.OnOrder(u.bu, schema.OrderSideBuy, 10_000, 10_000, 0, 0, int64(i))
	}
	if u.m.Mode() != schema.RiskModeNormal {
		t.Fatalf("mode %v before breach", u.m.Mode())
	}

	// The admission gate rejects before the breach happens.
	q := ledger.AdmitQuery{Instrument: u.bu, Side: schema.OrderSideBuy, Price: 10_000, Qty: 10_000, Ts: 2}
	if ok, reason := u.m.Admit(q); ok || reason != schema.AdmitReasonActiveOrdsLimit {
		t.Fatalf("admit near limit: ok=%v reason=%v", ok, reason)
	}

	// A third order forced through flips the mode and mass-cancels.
	u.m.OnOrder(u.bu, schema.OrderSideBuy, 10_000, 10_000, 0, 0, 3)
	if u.m.Mode() != schema.RiskModeSafe {
		t.Fatalf("mode %v after breach", u.m.Mode())
	}
	if c.cancels != 1 {
		t.Fatalf("connector cancels %d, want 1", c.cancels)
	}
	if ok, reason := u.m.Admit(q); ok || reason != schema.AdmitReasonSafeMode {
		t.Fatalf("admit after breach: ok=%v reason=%v", ok, reason)
	}
}

func TestUpdateLimitsTightensAdmission(t *testing.T) {
	u := newTestUniverse(t, Config{})
	q := ledger.AdmitQuery{Instrument: u.bu, Side: schema.OrderSideBuy, Price: 10_000, Qty: 10_000, Ts: 1}
	if ok, _ := u.m.Admit(q); !ok {
		t.Fatal("unlimited config must admit")
	}

	// A reload tightens the active-order limit below the 100.00 order.
	u.m.UpdateLimits(Config{MaxActiveOrdsTotalSizeRFC: 5_000})
	if ok, reason := u.m.Admit(q); ok || reason != schema.AdmitReasonActiveOrdsLimit {
		t.Fatalf("tightened limit admit: ok=%v reason=%v", ok, reason)
	}

	// The next reload lifts it and tightens the short window instead.
	u.m.UpdateLimits(Config{WindowShortSpan: time.Second, WindowShortRFC: 5_000})
	if ok, reason := u.m.Admit(q); ok || reason != schema.AdmitReasonWindowShort {
		t.Fatalf("tightened window admit: ok=%v reason=%v", ok, reason)
	}
}

func TestOrderRemovalReleasesExposure(t *testing.T) {
	u := newTestUniverse(t, Config{MaxActiveOrdsTotalSizeRFC: 25_000})
	u.m.OnOrder(u.bu, schema.OrderSideBuy, 10_000, 10_000, 0, 0, 1)
	u.m.OnOrder(u.bu, schema.OrderSideBuy, 0, 0, 10_000, 10_000, 2)

	q := ledger.AdmitQuery{Instrument: u.bu, Side: schema.OrderSideBuy, Price: 10_000, Qty: 10_000, Ts: 3}
	if ok, _ := u.m.Admit(q); !ok {
		t.Fatal("released exposure must admit again")
	}
}

func TestTradeRealizedPnL(t *testing.T) {
	u := newTestUniverse(t, Config{})
	u.trade(schema.OrderSideBuy, 10_000, 10_000, 1)
	u.trade(schema.OrderSideSell, 11_000, 10_000, 2)

	r, err := u.m.risks(u.bu, 0)
	if err != nil {
		t.Fatalf("risks: %v", err)
	}
	if r.Position() != 0 {
		t.Fatalf("position %d, want flat", r.Position())
	}
	if r.AvgPrice() != 0 {
		t.Fatalf("avg price %d after flat", r.AvgPrice())
	}
	if r.RealizedQuote() != 1_000 {
		t.Fatalf("realized %d, want 1000 (10.00)", r.RealizedQuote())
	}

	st := u.m.Snapshot(3)
	if st.NAVRFC != 1_000 {
		t.Fatalf("nav %d, want 1000", st.NAVRFC)
	}
}

func TestTradeAveragePrice(t *testing.T) {
	u := newTestUniverse(t, Config{})
	u.trade(schema.OrderSideBuy, 10_000, 10_000, 1)
	u.trade(schema.OrderSideBuy, 12_000, 10_000, 2)

	r, _ := u.m.risks(u.bu, 0)
	if r.Position() != 20_000 {
		t.Fatalf("position %d", r.Position())
	}
	if r.AvgPrice() != 11_000 {
		t.Fatalf("avg price %d, want 11000", r.AvgPrice())
	}
}

func TestTradeFlipThroughZero(t *testing.T) {
	u := newTestUniverse(t, Config{})
	u.trade(schema.OrderSideBuy, 10_000, 10_000, 1)
	u.trade(schema.OrderSideSell, 11_000, 15_000, 2)

	r, _ := u.m.risks(u.bu, 0)
	if r.Position() != -5_000 {
		t.Fatalf("position %d, want -5000", r.Position())
	}
	if r.AvgPrice() != 11_000 {
		t.Fatalf("flipped avg price %d, want the trade price", r.AvgPrice())
	}
	if r.RealizedQuote() != 1_000 {
		t.Fatalf("realized %d, want 1000", r.RealizedQuote())
	}
}

func TestTotalRiskEscalatesToSafe(t *testing.T) {
	u := newTestUniverse(t, Config{MaxTotalRiskRFC: 5_000})
	c := &fakeCanceller{name: "venue-a"}
	u.m.RegisterConnector(c)

	// The USD leg builds 100.00 of absolute exposure, over the 50.00 limit.
	u.trade(schema.OrderSideBuy, 10_000, 10_000, 1)
	u.trade(schema.OrderSideSell, 20_000, 10_000, 2)
	if u.m.Mode() != schema.RiskModeSafe {
		t.Fatalf("mode %v after risk breach", u.m.Mode())
	}
	if c.cancels != 1 {
		t.Fatalf("connector cancels %d", c.cancels)
	}
}

func TestNoValuatorSkipsWithoutThrowing(t *testing.T) {
	u := newTestUniverse(t, Config{})
	a, err := u.m.assetRisks(u.btc, 0)
	if err != nil {
		t.Fatalf("asset: %v", err)
	}
	if a.HasValuator() {
		t.Fatal("BTC must start without a valuator")
	}
	if _, ok := a.ToRFC(u.m, 10_000, 1); ok {
		t.Fatal("no valuator must yield no valid rate")
	}

	// NAV keeps serving from the assets that do convert.
	u.trade(schema.OrderSideBuy, 10_000, 10_000, 1)
	st := u.m.Snapshot(2)
	if st.NAVRFC != -10_000 {
		t.Fatalf("nav %d, want -10000 from the USD leg alone", st.NAVRFC)
	}
}

func TestValuatorCachedRateFallback(t *testing.T) {
	u := newTestUniverse(t, Config{})
	if err := u.m.InstallValuator(u.btc, 0, BookRate{Book: 2, PriceScale: 2}); err != nil {
		t.Fatalf("valuator: %v", err)
	}
	a, _ := u.m.assetRisks(u.btc, 0)

	// A live book establishes the rate.
	u.m.OnMktDataUpdate(schema.BookTop{
		Book: 2, BidPrice: 9_900, BidSize: 1, AskPrice: 10_100, AskSize: 1, TsRecv: 1,
	})
	rate, ok := a.CachedRate()
	if !ok || rate != 100*schema.RateScale {
		t.Fatalf("cached rate %d ok=%v", rate, ok)
	}

	// A one-sided book cannot value; the cached rate keeps serving.
	u.m.OnMktDataUpdate(schema.BookTop{Book: 2, BidPrice: 0, AskPrice: 10_200, TsRecv: 2})
	if rfc, ok := a.ToRFC(u.m, 10_000, 3); !ok || rfc != 100*10_000 {
		t.Fatalf("fallback conversion: %d ok=%v", rfc, ok)
	}
}

func TestMarkThrottle(t *testing.T) {
	u := newTestUniverse(t, Config{MinUpdateInterval: 100 * time.Millisecond})
	u.trade(schema.OrderSideBuy, 10_000, 10_000, 1)

	r, _ := u.m.risks(u.bu, 0)
	mark := func(px schema.Price, ts int64) {
		u.m.OnMktDataUpdate(schema.BookTop{
			Book: 1, Instrument: u.bu, BidPrice: px, BidSize: 1, AskPrice: px, AskSize: 1, TsRecv: ts,
		})
	}

	mark(12_000, 0)
	if r.UnrealizedQuote() != 2_000 {
		t.Fatalf("unrealized %d, want 2000", r.UnrealizedQuote())
	}
	// Inside the throttle interval the mark is skipped.
	mark(13_000, 50*time.Millisecond.Nanoseconds())
	if r.UnrealizedQuote() != 2_000 {
		t.Fatalf("throttled tick must not remark, got %d", r.UnrealizedQuote())
	}
	// Outside the interval it lands.
	mark(13_000, 150*time.Millisecond.Nanoseconds())
	if r.UnrealizedQuote() != 3_000 {
		t.Fatalf("unrealized %d, want 3000", r.UnrealizedQuote())
	}
}

func TestAdmitWindowThrottle(t *testing.T) {
	u := newTestUniverse(t, Config{
		WindowShortSpan: time.Second,
		WindowShortRFC:  15_000,
	})
	q := ledger.AdmitQuery{Instrument: u.bu, Side: schema.OrderSideBuy, Price: 10_000, Qty: 10_000, Ts: 1}

	if ok, _ := u.m.Admit(q); !ok {
		t.Fatal("first order must admit")
	}
	u.m.OnOrder(u.bu, schema.OrderSideBuy, 10_000, 10_000, 0, 0, 1)

	// A second 100.00 order breaches the 150.00 short window.
	q.Ts = 2
	if ok, reason := u.m.Admit(q); ok || reason != schema.AdmitReasonWindowShort {
		t.Fatalf("window admit: ok=%v reason=%v", ok, reason)
	}

	// Relaxed mode still enforces the rate windows.
	u.m.SetRelaxed(true)
	if ok, reason := u.m.Admit(q); ok || reason != schema.AdmitReasonWindowShort {
		t.Fatalf("relaxed window admit: ok=%v reason=%v", ok, reason)
	}

	// After the window drains the order admits again.
	q.Ts = 1 + 2*time.Second.Nanoseconds()
	if ok, _ := u.m.Admit(q); !ok {
		t.Fatal("drained window must admit")
	}
}
