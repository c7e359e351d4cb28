package connector

import (
	"encoding/binary"
	"errors"

	"main/internal/codec"
	"main/internal/schema"
)

var errFrameTooShort = errors.New("wire frame too short")

// NativeCodec frames the fixed binary payloads with a two-byte
// little-endian event type tag. It serves venues speaking the native
// protocol and the in-process test harness.
type NativeCodec struct{}

func (NativeCodec) EncodeRequest(dst []byte, ev schema.RequestEvent) ([]byte, error) {
	need := 2 + codec.RequestPayloadSize
	if cap(dst) < need {
		dst = make([]byte, 2, need)
	} else {
		dst = dst[:2]
	}
	binary.LittleEndian.PutUint16(dst[0:2], uint16(schema.EventRequest))
	body := codec.EncodeRequest(nil, ev)
	return append(dst, body...), nil
}

func (NativeCodec) Classify(payload []byte) schema.EventType {
	if len(payload) < 2 {
		return schema.EventUnknown
	}
	return schema.EventType(binary.LittleEndian.Uint16(payload[0:2]))
}

func (NativeCodec) DecodeExecReport(payload []byte) (schema.ExecReport, bool) {
	if len(payload) < 2 {
		return schema.ExecReport{}, false
	}
	return codec.DecodeExecReport(payload[2:])
}

func (NativeCodec) DecodeBookTop(payload []byte) (schema.BookTop, bool) {
	if len(payload) < 2 {
		return schema.BookTop{}, false
	}
	return codec.DecodeBookTop(payload[2:])
}

func (NativeCodec) DecodeTrade(payload []byte) (schema.Trade, bool) {
	if len(payload) < 2 {
		return schema.Trade{}, false
	}
	return codec.DecodeTrade(payload[2:])
}

// Frame prepends the event type tag to an encoded payload. Used by
// tooling that speaks the native protocol.
func Frame(eventType schema.EventType, body []byte) []byte {
	out := make([]byte, 2, 2+len(body))
	binary.LittleEndian.PutUint16(out[0:2], uint16(eventType))
	return append(out, body...)
}

// Unframe splits a native frame into its type tag and body.
func Unframe(payload []byte) (schema.EventType, []byte, error) {
	if len(payload) < 2 {
		return schema.EventUnknown, nil, errFrameTooShort
	}
	return schema.EventType(binary.LittleEndian.Uint16(payload[0:2])), payload[2:], nil
}
