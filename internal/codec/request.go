package codec

import (
	"encoding/binary"

	"main/internal/schema"
)

const RequestPayloadSize = 72

// EncodeRequest serializes a request event into a fixed-size payload.
func EncodeRequest(dst []byte, req schema.RequestEvent) []byte {
	if cap(dst) < RequestPayloadSize {
		dst = make([]byte, RequestPayloadSize)
	} else {
		dst = dst[:RequestPayloadSize]
	}

	binary.LittleEndian.PutUint64(dst[0:8], req.AggregateID)
	binary.LittleEndian.PutUint64(dst[8:16], req.RequestID)
	binary.LittleEndian.PutUint16(dst[16:18], uint16(req.Kind))
	binary.LittleEndian.PutUint16(dst[18:20], uint16(req.Status))
	binary.LittleEndian.PutUint32(dst[20:24], uint32(req.Instrument))
	binary.LittleEndian.PutUint32(dst[24:28], uint32(req.Strategy))
	binary.LittleEndian.PutUint16(dst[28:30], uint16(req.Side))
	binary.LittleEndian.PutUint16(dst[30:32], uint16(req.Type))
	binary.LittleEndian.PutUint16(dst[32:34], uint16(req.TimeInForce))
	binary.LittleEndian.PutUint16(dst[34:36], req.Flags)
	binary.LittleEndian.PutUint32(dst[36:40], 0)
	binary.LittleEndian.PutUint64(dst[40:48], uint64(req.Price))
	binary.LittleEndian.PutUint64(dst[48:56], uint64(req.Qty))
	binary.LittleEndian.PutUint64(dst[56:64], uint64(req.VisibleQty))
	binary.LittleEndian.PutUint64(dst[64:72], uint64(req.MinQty))

	return dst
}

// DecodeRequest parses a fixed-size request event payload.
func DecodeRequest(src []byte) (schema.RequestEvent, bool) {
	if len(src) < RequestPayloadSize {
		return schema.RequestEvent{}, false
	}
	return schema.RequestEvent{
		AggregateID: binary.LittleEndian.Uint64(src[0:8]),
		RequestID:   binary.LittleEndian.Uint64(src[8:16]),
		Kind:        schema.RequestKind(binary.LittleEndian.Uint16(src[16:18])),
		Status:      schema.RequestStatus(binary.LittleEndian.Uint16(src[18:20])),
		Instrument:  schema.InstrumentID(binary.LittleEndian.Uint32(src[20:24])),
		Strategy:    schema.StrategyID(binary.LittleEndian.Uint32(src[24:28])),
		Side:        schema.OrderSide(binary.LittleEndian.Uint16(src[28:30])),
		Type:        schema.OrderType(binary.LittleEndian.Uint16(src[30:32])),
		TimeInForce: schema.TimeInForce(binary.LittleEndian.Uint16(src[32:34])),
		Flags:       binary.LittleEndian.Uint16(src[34:36]),
		Price:       schema.Price(int64(binary.LittleEndian.Uint64(src[40:48]))),
		Qty:         schema.Quantity(int64(binary.LittleEndian.Uint64(src[48:56]))),
		VisibleQty:  schema.Quantity(int64(binary.LittleEndian.Uint64(src[56:64]))),
		MinQty:      schema.Quantity(int64(binary.LittleEndian.Uint64(src[64:72]))),
	}, true
}
