package schema

// RequestEvent is the payload for EventRequest: a flattened view of one
// wire-level request as it was handed to the session pool.
type RequestEvent struct {
	AggregateID uint64
	RequestID   uint64
	Kind        RequestKind
	Status      RequestStatus
	Instrument  InstrumentID
	Strategy    StrategyID
	Side        OrderSide
	Type        OrderType
	TimeInForce TimeInForce
	Flags       uint16
	Price       Price
	Qty         Quantity
	VisibleQty  Quantity
	MinQty      Quantity
}

// ExecReport is the payload for EventExecReport: a normalized venue
// acknowledgment, rejection, cancel or fill.
type ExecReport struct {
	RequestID uint64
	CorrID    uint64
	Status    RequestStatus
	Reason    RejectReason
	Flags     uint16
	Reserved  uint16
	Price     Price
	LastQty   Quantity
	LeavesQty Quantity
	Ts        int64
}

// RiskState is the payload for EventRiskState: a per-user exposure
// snapshot published for observers.
type RiskState struct {
	User          UserID
	Mode          RiskMode
	Relaxed       uint16
	NAVRFC        Notional
	TotalRiskRFC  Notional
	ActiveOrdsRFC Notional
	Ts            int64
}
