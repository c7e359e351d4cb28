package codec

import (
	"encoding/binary"

	"main/internal/schema"
)

const TradePayloadSize = 48

// EncodeTrade serializes a trade into a fixed-size payload.
func EncodeTrade(dst []byte, trade schema.Trade) []byte {
	if cap(dst) < TradePayloadSize {
		dst = make([]byte, TradePayloadSize)
	} else {
		dst = dst[:TradePayloadSize]
	}

	binary.LittleEndian.PutUint32(dst[0:4], uint32(trade.Instrument))
	binary.LittleEndian.PutUint32(dst[4:8], uint32(trade.User))
	binary.LittleEndian.PutUint16(dst[8:10], uint16(trade.Side))
	binary.LittleEndian.PutUint16(dst[10:12], 0)
	binary.LittleEndian.PutUint32(dst[12:16], 0)
	binary.LittleEndian.PutUint64(dst[16:24], uint64(trade.Price))
	binary.LittleEndian.PutUint64(dst[24:32], uint64(trade.Qty))
	binary.LittleEndian.PutUint64(dst[32:40], uint64(trade.Fee))
	binary.LittleEndian.PutUint64(dst[40:48], uint64(trade.Ts))

	return dst
}

// DecodeTrade parses a fixed-size trade payload.
func DecodeTrade(src []byte) (schema.Trade, bool) {
	if len(src) < TradePayloadSize {
		return schema.Trade{}, false
	}
	return schema.Trade{
		Instrument: schema.InstrumentID(binary.LittleEndian.Uint32(src[0:4])),
		User:       schema.UserID(binary.LittleEndian.Uint32(src[4:8])),
		Side:       schema.OrderSide(binary.LittleEndian.Uint16(src[8:10])),
		Price:      schema.Price(int64(binary.LittleEndian.Uint64(src[16:24]))),
		Qty:        schema.Quantity(int64(binary.LittleEndian.Uint64(src[24:32]))),
		Fee:        schema.Notional(int64(binary.LittleEndian.Uint64(src[32:40]))),
		Ts:         int64(binary.LittleEndian.Uint64(src[40:48])),
	}, true
}
