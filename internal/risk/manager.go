package risk

import (
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/ledger"
	"main/internal/schema"
	"main/internal/shm"
)

// Canceller is the slice of a connector the risk manager needs when
// entering Safe Mode: mass-cancel every live order, synchronously.
type Canceller interface {
	Name() string
	CancelAllOrders()
}

// Config tunes limits and throttles. Limits are notionals in risk-free
// currency; zero disables the individual check.
type Config struct {
	User schema.UserID

	MaxActiveOrdsTotalSizeRFC schema.Notional
	MaxTotalRiskRFC           schema.Notional
	MaxNormalRiskRFC          schema.Notional

	WindowShortSpan  time.Duration
	WindowMediumSpan time.Duration
	WindowLongSpan   time.Duration
	WindowShortRFC   schema.Notional
	WindowMediumRFC  schema.Notional
	WindowLongRFC    schema.Notional

	// MinUpdateInterval throttles per-book PnL recomputation; ticks
	// inside the interval only refresh the stored top.
	MinUpdateInterval time.Duration

	StartMode schema.RiskMode
	Relaxed   bool
}

type instrKey struct {
	instrument schema.InstrumentID
	user       schema.UserID
}

type assetKey struct {
	asset  schema.AssetID
	settle uint32
	user   schema.UserID
}

// Manager is the process-shared risk ledger and order admission gate.
// One writer process owns it; observers attach to the same region
// read-only. All methods run on the owning event loop.
type Manager struct {
	cfg      Config
	region   *shm.Region
	registry *schema.Registry

	mode    schema.RiskMode
	relaxed bool

	instr  map[instrKey]*InstrRisks
	assets map[assetKey]*AssetRisks

	instrByBook map[schema.BookID][]*InstrRisks
	assetByBook map[schema.BookID][]*AssetRisks

	books      map[schema.BookID]schema.BookTop
	lastMarkTs map[schema.BookID]int64

	throttle   *Throttle
	connectors []Canceller

	navRFC       schema.Notional
	totalRiskRFC schema.Notional
	activeRFC    schema.Notional
}

// NewManager builds the risk manager over an open shared region.
func NewManager(cfg Config, region *shm.Region, registry *schema.Registry) *Manager {
	mode := cfg.StartMode
	if mode == schema.RiskModeUnknown {
		mode = schema.RiskModeNormal
	}
	m := &Manager{
		cfg:         cfg,
		region:      region,
		registry:    registry,
		mode:        mode,
		relaxed:     cfg.Relaxed,
		instr:       make(map[instrKey]*InstrRisks),
		assets:      make(map[assetKey]*AssetRisks),
		instrByBook: make(map[schema.BookID][]*InstrRisks),
		assetByBook: make(map[schema.BookID][]*AssetRisks),
		books:       make(map[schema.BookID]schema.BookTop),
		lastMarkTs:  make(map[schema.BookID]int64),
		throttle: NewThrottle(
			cfg.WindowShortSpan.Nanoseconds(),
			cfg.WindowMediumSpan.Nanoseconds(),
			cfg.WindowLongSpan.Nanoseconds(),
			cfg.WindowShortRFC, cfg.WindowMediumRFC, cfg.WindowLongRFC,
		),
	}
	m.mirrorMode()
	return m
}

// UpdateLimits applies reloaded limit and throttle settings. Structural
// fields keep their boot values: the user, start mode and relaxed flag
// never change mid-flight.
func (m *Manager) UpdateLimits(cfg Config) {
	m.cfg.MaxActiveOrdsTotalSizeRFC = cfg.MaxActiveOrdsTotalSizeRFC
	m.cfg.MaxTotalRiskRFC = cfg.MaxTotalRiskRFC
	m.cfg.MaxNormalRiskRFC = cfg.MaxNormalRiskRFC
	m.cfg.MinUpdateInterval = cfg.MinUpdateInterval
	m.cfg.WindowShortSpan = cfg.WindowShortSpan
	m.cfg.WindowMediumSpan = cfg.WindowMediumSpan
	m.cfg.WindowLongSpan = cfg.WindowLongSpan
	m.cfg.WindowShortRFC = cfg.WindowShortRFC
	m.cfg.WindowMediumRFC = cfg.WindowMediumRFC
	m.cfg.WindowLongRFC = cfg.WindowLongRFC
	m.throttle.SetLimits(
		cfg.WindowShortSpan.Nanoseconds(),
		cfg.WindowMediumSpan.Nanoseconds(),
		cfg.WindowLongSpan.Nanoseconds(),
		cfg.WindowShortRFC, cfg.WindowMediumRFC, cfg.WindowLongRFC,
	)
	logs.Infof("risk limits updated for user %d", m.cfg.User)
}

// Mode returns the current operating mode.
func (m *Manager) Mode() schema.RiskMode { return m.mode }

// Relaxed reports whether PnL-based checks are disabled.
func (m *Manager) Relaxed() bool { return m.relaxed }

// SetRelaxed toggles PnL-based checks. Rate windows keep enforcing.
func (m *Manager) SetRelaxed(relaxed bool) {
	m.relaxed = relaxed
	m.mirrorMode()
}

// Escalate moves the operating mode up the ladder. Moving down is
// ignored: the mode is never relaxed within a process lifetime.
func (m *Manager) Escalate(to schema.RiskMode, why string) {
	if to <= m.mode {
		return
	}
	logs.Errorf("risk mode %s -> %s: %s", m.mode, to, why)
	m.mode = to
	m.mirrorMode()
	if to == schema.RiskModeSafe {
		m.massCancel()
	}
}

func (m *Manager) mirrorMode() {
	relaxed := uint32(0)
	if m.relaxed {
		relaxed = 1
	}
	m.region.SetMode(uint32(m.mode), relaxed)
}

// RegisterConnector records a connector so Safe Mode can cancel its
// live orders.
func (m *Manager) RegisterConnector(c Canceller) {
	m.connectors = append(m.connectors, c)
}

func (m *Manager) massCancel() {
	for _, c := range m.connectors {
		logs.Infof("safe mode: cancelling all orders on %s", c.Name())
		c.CancelAllOrders()
	}
}

// RegisterInstrument wires an instrument to its valuation book,
// creating the exposure record and both asset legs.
func (m *Manager) RegisterInstrument(id schema.InstrumentID, book schema.BookID) error {
	_, err := m.risks(id, book)
	return err
}

// risks finds or lazily creates the InstrRisks for an instrument.
func (m *Manager) risks(id schema.InstrumentID, book schema.BookID) (*InstrRisks, error) {
	key := instrKey{instrument: id, user: m.cfg.User}
	if r, ok := m.instr[key]; ok {
		if book != 0 && r.Book == 0 {
			r.Book = book
			m.instrByBook[book] = append(m.instrByBook[book], r)
		}
		return r, nil
	}

	inst, ok := m.registry.Instrument(id)
	if !ok {
		return nil, errors.Errorf("instrument %d is not in the catalog", id)
	}
	rec, err := m.region.AllocInstr(uint32(id), uint32(m.cfg.User))
	if err != nil {
		return nil, err
	}
	base, err := m.assetRisks(inst.Base, 0)
	if err != nil {
		return nil, err
	}
	quote, err := m.assetRisks(inst.Quote, 0)
	if err != nil {
		return nil, err
	}
	r := &InstrRisks{
		Instrument: inst,
		User:       m.cfg.User,
		Book:       book,
		rec:        rec,
		base:       base,
		quote:      quote,
	}
	m.instr[key] = r
	if book != 0 {
		m.instrByBook[book] = append(m.instrByBook[book], r)
	}
	return r, nil
}

// assetRisks finds or lazily creates the AssetRisks for an asset leg.
func (m *Manager) assetRisks(asset schema.AssetID, settle uint32) (*AssetRisks, error) {
	key := assetKey{asset: asset, settle: settle, user: m.cfg.User}
	if a, ok := m.assets[key]; ok {
		return a, nil
	}
	rec, err := m.region.AllocAsset(uint32(asset), settle, uint32(m.cfg.User))
	if err != nil {
		return nil, err
	}
	a := &AssetRisks{Asset: asset, SettleDate: settle, User: m.cfg.User, rec: rec}
	m.assets[key] = a
	return a, nil
}

// InstallValuator installs the asset's conversion mechanism, replacing
// any previous one and reindexing its reference books.
func (m *Manager) InstallValuator(asset schema.AssetID, settle uint32, v Valuator) error {
	a, err := m.assetRisks(asset, settle)
	if err != nil {
		return err
	}
	for _, book := range a.Books() {
		m.assetByBook[book] = removeAsset(m.assetByBook[book], a)
	}
	a.InstallValuator(v)
	for _, book := range v.Books() {
		m.assetByBook[book] = append(m.assetByBook[book], a)
	}
	return nil
}

func removeAsset(set []*AssetRisks, a *AssetRisks) []*AssetRisks {
	for i, x := range set {
		if x == a {
			return append(set[:i], set[i+1:]...)
		}
	}
	return set
}

// Top implements BookSource over the stored book snapshots.
func (m *Manager) Top(book schema.BookID) (schema.BookTop, bool) {
	top, ok := m.books[book]
	return top, ok
}

// OnMktDataUpdate stores a top-of-book snapshot and, outside the
// throttle interval, remarks every exposure record referencing this
// book and refreshes valuators backed by it.
func (m *Manager) OnMktDataUpdate(top schema.BookTop) {
	m.books[top.Book] = top

	if last, ok := m.lastMarkTs[top.Book]; ok {
		if top.TsRecv-last < m.cfg.MinUpdateInterval.Nanoseconds() {
			return
		}
	}
	m.lastMarkTs[top.Book] = top.TsRecv

	for _, a := range m.assetByBook[top.Book] {
		a.RefreshRate(m, top.TsRecv)
	}
	mid, ok := top.Mid()
	if !ok {
		return
	}
	for _, r := range m.instrByBook[top.Book] {
		r.markToPrice(mid, top.TsRecv)
		if rfc, ok := r.quote.ToRFC(m, r.rec.UnrealizedQuote, top.TsRecv); ok {
			r.rec.UnrealizedRFC = int64(rfc)
		}
	}
}

// OnOrder applies a working-order change: the old price/qty leaves the
// active-order exposure and the new one enters it. Breaching the total
// active-order limit escalates to Safe Mode.
func (m *Manager) OnOrder(id schema.InstrumentID, side schema.OrderSide, newPx schema.Price, newQty schema.Quantity, oldPx schema.Price, oldQty schema.Quantity, ts int64) {
	r, err := m.risks(id, 0)
	if err != nil {
		logs.Errorf("order update on unknown instrument %d, err: %+v", id, err)
		return
	}
	spec := r.Instrument.Scale
	delta := spec.NotionalOf(newPx, newQty) - spec.NotionalOf(oldPx, oldQty)
	r.adjustActiveOrds(delta)
	if delta > 0 {
		if rfc, ok := r.quote.ToRFC(m, int64(delta), ts); ok {
			m.throttle.Add(ts, rfc)
		}
	}

	m.recomputeActiveOrds(ts)
	if m.cfg.MaxActiveOrdsTotalSizeRFC > 0 && m.activeRFC > m.cfg.MaxActiveOrdsTotalSizeRFC {
		m.Escalate(schema.RiskModeSafe,
			"active order exposure over limit")
	}
}

// OnTrade applies a fill to the instrument record and both asset legs,
// then rechecks the PnL limits.
func (m *Manager) OnTrade(t schema.Trade) {
	r, err := m.risks(t.Instrument, 0)
	if err != nil {
		logs.Errorf("trade on unknown instrument %d, err: %+v", t.Instrument, err)
		return
	}
	spec := r.Instrument.Scale
	r.applyTrade(t)
	if rfc, ok := r.quote.ToRFC(m, r.rec.RealizedQuote, t.Ts); ok {
		r.rec.RealizedRFC = int64(rfc)
	}

	signedQty := int64(t.Qty)
	notional := spec.NotionalOf(t.Price, t.Qty)
	if t.Side == schema.OrderSideSell {
		signedQty = -signedQty
	} else {
		notional = -notional
	}
	r.base.AddTrade(signedQty)
	r.quote.AddTrade(int64(notional) - int64(t.Fee))

	if rfc, ok := r.quote.ToRFC(m, int64(spec.NotionalOf(t.Price, t.Qty)), t.Ts); ok {
		m.throttle.Add(t.Ts, rfc)
	}

	m.recomputeTotals(t.Ts)
	if m.cfg.MaxTotalRiskRFC > 0 && m.totalRiskRFC > m.cfg.MaxTotalRiskRFC {
		m.Escalate(schema.RiskModeSafe, "total risk over limit")
	} else if m.cfg.MaxNormalRiskRFC > 0 && m.totalRiskRFC > m.cfg.MaxNormalRiskRFC {
		logs.Infof("total risk %d over normal threshold %d for user %d",
			m.totalRiskRFC, m.cfg.MaxNormalRiskRFC, m.cfg.User)
	}
}

// recomputeTotals re-derives NAV and total risk across the user's
// asset records. Assets with no established rate keep their previous
// contribution out of the figures.
func (m *Manager) recomputeTotals(ts int64) {
	var nav, total schema.Notional
	for _, a := range m.assets {
		if a.User != m.cfg.User {
			continue
		}
		rfc, ok := a.ToRFC(m, a.Net(), ts)
		if !ok {
			continue
		}
		nav += rfc
		if rfc < 0 {
			rfc = -rfc
		}
		total += rfc
	}
	m.navRFC = nav
	m.totalRiskRFC = total
	m.mirrorTotals(ts)
}

// recomputeActiveOrds re-derives the user's total working-order
// exposure in risk-free terms.
func (m *Manager) recomputeActiveOrds(ts int64) {
	var total schema.Notional
	for _, r := range m.instr {
		if r.User != m.cfg.User || r.rec.ActiveOrdsSize == 0 {
			continue
		}
		if rfc, ok := r.quote.ToRFC(m, r.rec.ActiveOrdsSize, ts); ok {
			total += rfc
		}
	}
	m.activeRFC = total
	m.mirrorTotals(ts)
}

// mirrorTotals publishes the aggregate figures to the shared region so
// observer processes see them without touching the trading loop.
func (m *Manager) mirrorTotals(ts int64) {
	m.region.SetTotals(shm.Totals{
		User:          uint32(m.cfg.User),
		NAVRFC:        int64(m.navRFC),
		TotalRiskRFC:  int64(m.totalRiskRFC),
		ActiveOrdsRFC: int64(m.activeRFC),
		Ts:            ts,
	})
}

// Admit gates a new or modified order. STP mode records without
// controlling; Safe Mode rejects everything but cancels; Normal mode
// enforces the notional windows and, unless relaxed, the PnL limits.
func (m *Manager) Admit(q ledger.AdmitQuery) (bool, schema.AdmitReason) {
	switch m.mode {
	case schema.RiskModeSTP:
		return true, schema.AdmitReasonNone
	case schema.RiskModeSafe:
		return false, schema.AdmitReasonSafeMode
	}

	r, err := m.risks(q.Instrument, 0)
	if err != nil {
		return false, schema.AdmitReasonValidation
	}
	notional := r.Instrument.Scale.NotionalOf(q.Price, q.Qty)
	rfc, ok := r.quote.ToRFC(m, int64(notional), q.Ts)
	if !ok {
		rfc = notional
	}
	if ok, reason := m.throttle.Check(q.Ts, rfc); !ok {
		return false, reason
	}

	if m.relaxed {
		return true, schema.AdmitReasonNone
	}
	if m.cfg.MaxActiveOrdsTotalSizeRFC > 0 && m.activeRFC+rfc > m.cfg.MaxActiveOrdsTotalSizeRFC {
		return false, schema.AdmitReasonActiveOrdsLimit
	}
	if m.cfg.MaxTotalRiskRFC > 0 && m.totalRiskRFC >= m.cfg.MaxTotalRiskRFC {
		return false, schema.AdmitReasonTotalRisk
	}
	return true, schema.AdmitReasonNone
}

// Snapshot returns the current per-user exposure figures for
// publication.
func (m *Manager) Snapshot(ts int64) schema.RiskState {
	relaxed := uint16(0)
	if m.relaxed {
		relaxed = 1
	}
	return schema.RiskState{
		User:          m.cfg.User,
		Mode:          m.mode,
		Relaxed:       relaxed,
		NAVRFC:        m.navRFC,
		TotalRiskRFC:  m.totalRiskRFC,
		ActiveOrdsRFC: m.activeRFC,
		Ts:            ts,
	}
}
