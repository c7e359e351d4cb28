package codec

import (
	"encoding/binary"

	"main/internal/schema"
)

const RiskStatePayloadSize = 40

// EncodeRiskState serializes a risk state snapshot into a fixed-size payload.
func EncodeRiskState(dst []byte, st schema.RiskState) []byte {
	if cap(dst) < RiskStatePayloadSize {
		dst = make([]byte, RiskStatePayloadSize)
	} else {
		dst = dst[:RiskStatePayloadSize]
	}

	binary.LittleEndian.PutUint32(dst[0:4], uint32(st.User))
	binary.LittleEndian.PutUint16(dst[4:6], uint16(st.Mode))
	binary.LittleEndian.PutUint16(dst[6:8], st.Relaxed)
	binary.LittleEndian.PutUint64(dst[8:16], uint64(st.NAVRFC))
	binary.LittleEndian.PutUint64(dst[16:24], uint64(st.TotalRiskRFC))
	binary.LittleEndian.PutUint64(dst[24:32], uint64(st.ActiveOrdsRFC))
	binary.LittleEndian.PutUint64(dst[32:40], uint64(st.Ts))

	return dst
}

// DecodeRiskState parses a fixed-size risk state payload.
func DecodeRiskState(src []byte) (schema.RiskState, bool) {
	if len(src) < RiskStatePayloadSize {
		return schema.RiskState{}, false
	}
	return schema.RiskState{
		User:          schema.UserID(binary.LittleEndian.Uint32(src[0:4])),
		Mode:          schema.RiskMode(binary.LittleEndian.Uint16(src[4:6])),
		Relaxed:       binary.LittleEndian.Uint16(src[6:8]),
		NAVRFC:        schema.Notional(int64(binary.LittleEndian.Uint64(src[8:16]))),
		TotalRiskRFC:  schema.Notional(int64(binary.LittleEndian.Uint64(src[16:24]))),
		ActiveOrdsRFC: schema.Notional(int64(binary.LittleEndian.Uint64(src[24:32]))),
		Ts:            int64(binary.LittleEndian.Uint64(src[32:40])),
	}, true
}
