package codec

import (
	"encoding/binary"

	"main/internal/schema"
)

const BookTopPayloadSize = 56

// EncodeBookTop serializes a book top snapshot into a fixed-size payload.
func EncodeBookTop(dst []byte, top schema.BookTop) []byte {
	if cap(dst) < BookTopPayloadSize {
		dst = make([]byte, BookTopPayloadSize)
	} else {
		dst = dst[:BookTopPayloadSize]
	}

	binary.LittleEndian.PutUint32(dst[0:4], uint32(top.Book))
	binary.LittleEndian.PutUint32(dst[4:8], uint32(top.Instrument))
	binary.LittleEndian.PutUint64(dst[8:16], uint64(top.BidPrice))
	binary.LittleEndian.PutUint64(dst[16:24], uint64(top.BidSize))
	binary.LittleEndian.PutUint64(dst[24:32], uint64(top.AskPrice))
	binary.LittleEndian.PutUint64(dst[32:40], uint64(top.AskSize))
	binary.LittleEndian.PutUint64(dst[40:48], uint64(top.TsExch))
	binary.LittleEndian.PutUint64(dst[48:56], uint64(top.TsRecv))

	return dst
}

// DecodeBookTop parses a fixed-size book top payload.
func DecodeBookTop(src []byte) (schema.BookTop, bool) {
	if len(src) < BookTopPayloadSize {
		return schema.BookTop{}, false
	}
	return schema.BookTop{
		Book:       schema.BookID(binary.LittleEndian.Uint32(src[0:4])),
		Instrument: schema.InstrumentID(binary.LittleEndian.Uint32(src[4:8])),
		BidPrice:   schema.Price(int64(binary.LittleEndian.Uint64(src[8:16]))),
		BidSize:    schema.Quantity(int64(binary.LittleEndian.Uint64(src[16:24]))),
		AskPrice:   schema.Price(int64(binary.LittleEndian.Uint64(src[24:32]))),
		AskSize:    schema.Quantity(int64(binary.LittleEndian.Uint64(src[32:40]))),
		TsExch:     int64(binary.LittleEndian.Uint64(src[40:48])),
		TsRecv:     int64(binary.LittleEndian.Uint64(src[48:56])),
	}, true
}
