package codec

import (
	"encoding/binary"

	"main/internal/schema"
)

const ExecReportPayloadSize = 56

// EncodeExecReport serializes an exec report into a fixed-size payload.
func EncodeExecReport(dst []byte, rep schema.ExecReport) []byte {
	if cap(dst) < ExecReportPayloadSize {
		dst = make([]byte, ExecReportPayloadSize)
	} else {
		dst = dst[:ExecReportPayloadSize]
	}

	binary.LittleEndian.PutUint64(dst[0:8], rep.RequestID)
	binary.LittleEndian.PutUint64(dst[8:16], rep.CorrID)
	binary.LittleEndian.PutUint16(dst[16:18], uint16(rep.Status))
	binary.LittleEndian.PutUint16(dst[18:20], uint16(rep.Reason))
	binary.LittleEndian.PutUint16(dst[20:22], rep.Flags)
	binary.LittleEndian.PutUint16(dst[22:24], rep.Reserved)
	binary.LittleEndian.PutUint64(dst[24:32], uint64(rep.Price))
	binary.LittleEndian.PutUint64(dst[32:40], uint64(rep.LastQty))
	binary.LittleEndian.PutUint64(dst[40:48], uint64(rep.LeavesQty))
	binary.LittleEndian.PutUint64(dst[48:56], uint64(rep.Ts))

	return dst
}

// DecodeExecReport parses a fixed-size exec report payload.
func DecodeExecReport(src []byte) (schema.ExecReport, bool) {
	if len(src) < ExecReportPayloadSize {
		return schema.ExecReport{}, false
	}
	return schema.ExecReport{
		RequestID: binary.LittleEndian.Uint64(src[0:8]),
		CorrID:    binary.LittleEndian.Uint64(src[8:16]),
		Status:    schema.RequestStatus(binary.LittleEndian.Uint16(src[16:18])),
		Reason:    schema.RejectReason(binary.LittleEndian.Uint16(src[18:20])),
		Flags:     binary.LittleEndian.Uint16(src[20:22]),
		Reserved:  binary.LittleEndian.Uint16(src[22:24]),
		Price:     schema.Price(int64(binary.LittleEndian.Uint64(src[24:32]))),
		LastQty:   schema.Quantity(int64(binary.LittleEndian.Uint64(src[32:40]))),
		LeavesQty: schema.Quantity(int64(binary.LittleEndian.Uint64(src[40:48]))),
		Ts:        int64(binary.LittleEndian.Uint64(src[48:56])),
	}, true
}
