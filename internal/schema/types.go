package schema

// Price is a scaled integer. The scale is defined per instrument.
type Price int64

// Quantity is a scaled integer. The scale is defined per instrument.
type Quantity int64

// Notional is a scaled integer. The scale is defined per instrument.
type Notional int64

// Rate converts one unit of an asset into risk-free currency,
// scaled by RateScale.
type Rate int64

// RateScale is the fixed scale of Rate values (1e8).
const RateScale = 100_000_000

// UserID identifies the account owning positions and orders.
type UserID uint32

// StrategyID identifies the strategy that issued an order.
type StrategyID uint32

// BookID identifies a market-data source (one order book feed).
type BookID uint32

// OrderSide describes order direction.
type OrderSide uint16

const (
	OrderSideUnknown OrderSide = iota
	OrderSideBuy
	OrderSideSell
)

// OrderType describes order type.
type OrderType uint16

const (
	OrderTypeUnknown OrderType = iota
	OrderTypeLimit
	OrderTypeMarket
)

// TimeInForce describes order time-in-force.
type TimeInForce uint16

const (
	TimeInForceUnknown TimeInForce = iota
	TimeInForceGTC
	TimeInForceIOC
	TimeInForceFOK
	TimeInForceDay
)

// RequestKind is the wire-level action a request carries.
type RequestKind uint16

const (
	RequestKindUnknown RequestKind = iota
	RequestKindNew
	RequestKindCancel
	RequestKindModLegCancel
	RequestKindModLegNew
	RequestKindModify
)

// RequestStatus tracks a request's lifecycle. Values are ordered:
// a status never moves to a smaller value.
type RequestStatus uint16

const (
	RequestStatusUnknown RequestStatus = iota
	RequestStatusIndicated
	RequestStatusSent
	RequestStatusConfirmed
	RequestStatusPartFilled
	RequestStatusFilled
	RequestStatusCancelled
	RequestStatusFailed
)

// Terminal reports whether no further transition is possible.
func (s RequestStatus) Terminal() bool {
	switch s {
	case RequestStatusFilled, RequestStatusCancelled, RequestStatusFailed:
		return true
	default:
		return false
	}
}

// RiskMode is the risk manager operating mode. The ladder is monotonic:
// once escalated, a mode is never relaxed within a process lifetime.
type RiskMode uint16

const (
	RiskModeUnknown RiskMode = iota
	RiskModeSTP
	RiskModeNormal
	RiskModeSafe
)

func (m RiskMode) String() string {
	switch m {
	case RiskModeSTP:
		return "stp"
	case RiskModeNormal:
		return "normal"
	case RiskModeSafe:
		return "safe"
	default:
		return "unknown"
	}
}

// AdmitReason is a coarse reason code for order admission decisions.
type AdmitReason uint16

const (
	AdmitReasonNone AdmitReason = iota
	AdmitReasonSTPMode
	AdmitReasonSafeMode
	AdmitReasonWindowShort
	AdmitReasonWindowMedium
	AdmitReasonWindowLong
	AdmitReasonActiveOrdsLimit
	AdmitReasonTotalRisk
	AdmitReasonValidation
)

// RejectReason is a coarse reason code for venue-side rejections.
type RejectReason uint16

const (
	RejectReasonNone RejectReason = iota
	RejectReasonVenueReject
	RejectReasonRiskReject
	RejectReasonRateLimit
	RejectReasonInvalidPrice
	RejectReasonInvalidQty
	RejectReasonNotAllowed
)

// BookTop is a best bid/ask snapshot from one market-data source.
type BookTop struct {
	Book       BookID
	Instrument InstrumentID
	BidPrice   Price
	BidSize    Quantity
	AskPrice   Price
	AskSize    Quantity
	TsExch     int64
	TsRecv     int64
}

// Mid returns the mid price, or false when one side is missing.
func (t BookTop) Mid() (Price, bool) {
	if t.BidPrice <= 0 || t.AskPrice <= 0 {
		return 0, false
	}
	return (t.BidPrice + t.AskPrice) / 2, true
}

// Trade is a normalized fill applied to positions and PnL.
type Trade struct {
	Instrument InstrumentID
	User       UserID
	Side       OrderSide
	Price      Price
	Qty        Quantity
	Fee        Notional
	Ts         int64
}
