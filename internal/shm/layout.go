package shm

import "unsafe"

const (
	regionMagic   uint64 = 0x52_49_53_4b_52_45_47_31 // "RISKREG1"
	regionVersion uint32 = 2
)

// header sits at offset zero of the shared region. All fields are
// fixed-width and 8-byte aligned so the layout is identical across the
// writer and observer processes.
type header struct {
	Magic    uint64
	Version  uint32
	Reserved uint32
	Size     uint64

	MaxInstr   uint32
	MaxAsset   uint32
	MaxCounter uint32
	NInstr     uint32
	NAsset     uint32
	NCounter   uint32

	// Operating mode mirror for observers: RiskMode value and the
	// relaxed flag, maintained by the single writer.
	Mode    uint32
	Relaxed uint32

	// Aggregate risk mirror for observers, maintained by the single
	// writer alongside its own totals.
	User          uint32
	Pad           uint32
	NAVRFC        int64
	TotalRiskRFC  int64
	ActiveOrdsRFC int64
	StateTs       int64
}

// Totals is the aggregate risk mirror kept in the header.
type Totals struct {
	User          uint32
	NAVRFC        int64
	TotalRiskRFC  int64
	ActiveOrdsRFC int64
	Ts            int64
}

// InstrRecord is the per (instrument, user) exposure record. Position
// is signed base-asset units; PnL figures are kept both in quote units
// and converted to the risk-free currency.
type InstrRecord struct {
	Instrument uint32
	User       uint32

	Position        int64
	AvgPrice        int64
	RealizedQuote   int64
	RealizedRFC     int64
	UnrealizedQuote int64
	UnrealizedRFC   int64
	ActiveOrdsSize  int64
	OrderCount      uint64
	UpdatedTs       int64
}

// AssetRecord is the per (asset, settlement-date, user) valuation
// record. Position components are tracked separately; the cached rate
// survives valuator replacement and process restarts.
type AssetRecord struct {
	Asset      uint32
	User       uint32
	SettleDate uint32
	RateValid  uint32

	PosTrade    int64
	PosTransfer int64
	PosDeposit  int64
	PosDebt     int64
	LastRate    int64
	LastRateTs  int64
}

// CounterRecord carries per-connector liveness counters for external
// monitoring. Records persist across process restarts keyed by name.
type CounterRecord struct {
	Name [16]byte

	TxBytes  uint64
	RxBytes  uint64
	TxMsgs   uint64
	RxMsgs   uint64
	LastTxTs int64
	LastRxTs int64
}

const (
	headerSize  = int(unsafe.Sizeof(header{}))
	instrSize   = int(unsafe.Sizeof(InstrRecord{}))
	assetSize   = int(unsafe.Sizeof(AssetRecord{}))
	counterSize = int(unsafe.Sizeof(CounterRecord{}))
)

// Layout sizes a region at creation. Attaching to an existing region
// with a different layout is refused.
type Layout struct {
	MaxInstr   int
	MaxAsset   int
	MaxCounter int
}

func (l Layout) total() int {
	return headerSize + l.MaxInstr*instrSize + l.MaxAsset*assetSize + l.MaxCounter*counterSize
}

// SetName copies a connector name into the fixed-width field,
// truncating to capacity.
func (c *CounterRecord) SetName(name string) {
	n := copy(c.Name[:], name)
	for i := n; i < len(c.Name); i++ {
		c.Name[i] = 0
	}
}

// NameString returns the connector name without trailing zero bytes.
func (c *CounterRecord) NameString() string {
	i := 0
	for i < len(c.Name) && c.Name[i] != 0 {
		i++
	}
	return string(c.Name[:i])
}
