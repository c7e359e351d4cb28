package recorder

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"

	"main/internal/schema"
)

// On-disk record: fixed header, payload, CRC32-C over both. The wide
// fields sit together after the preamble so the sequence and timestamps
// line up in a hex dump.
const (
	recordVersion      uint16 = 1
	recordHeaderSize          = 56
	recordChecksumSize        = 4
)

var (
	recordMagic = [4]byte{'O', 'E', 'J', '1'} // order-event journal
	crcTable    = crc32.MakeTable(crc32.Castagnoli)
)

var (
	ErrInvalidMagic            = errors.New("journal invalid magic")
	ErrUnsupportedRecordVer    = errors.New("journal unsupported record version")
	ErrInvalidRecordHeaderSize = errors.New("journal invalid header size")
)

func encodeHeader(dst []byte, header schema.EventHeader, payloadLen int) {
	_ = dst[recordHeaderSize-1]
	copy(dst[0:4], recordMagic[:])
	binary.LittleEndian.PutUint16(dst[4:6], recordVersion)
	binary.LittleEndian.PutUint16(dst[6:8], uint16(recordHeaderSize))
	binary.LittleEndian.PutUint64(dst[8:16], header.Seq)
	binary.LittleEndian.PutUint64(dst[16:24], uint64(header.TsEvent))
	binary.LittleEndian.PutUint64(dst[24:32], uint64(header.TsRecv))
	binary.LittleEndian.PutUint64(dst[32:40], header.TraceID)
	binary.LittleEndian.PutUint16(dst[40:42], uint16(header.Type))
	binary.LittleEndian.PutUint16(dst[42:44], header.Version)
	binary.LittleEndian.PutUint16(dst[44:46], header.Source)
	binary.LittleEndian.PutUint16(dst[46:48], header.Flags)
	binary.LittleEndian.PutUint32(dst[48:52], uint32(payloadLen))
	binary.LittleEndian.PutUint32(dst[52:56], 0)
}

func decodeRecordHeader(src []byte) (schema.EventHeader, uint32, error) {
	if len(src) < recordHeaderSize {
		return schema.EventHeader{}, 0, ErrInvalidRecordHeaderSize
	}
	if !bytes.Equal(src[0:4], recordMagic[:]) {
		return schema.EventHeader{}, 0, ErrInvalidMagic
	}
	if ver := binary.LittleEndian.Uint16(src[4:6]); ver != recordVersion {
		return schema.EventHeader{}, 0, ErrUnsupportedRecordVer
	}
	if size := binary.LittleEndian.Uint16(src[6:8]); size != recordHeaderSize {
		return schema.EventHeader{}, 0, ErrInvalidRecordHeaderSize
	}
	h := schema.EventHeader{
		Seq:     binary.LittleEndian.Uint64(src[8:16]),
		TsEvent: int64(binary.LittleEndian.Uint64(src[16:24])),
		TsRecv:  int64(binary.LittleEndian.Uint64(src[24:32])),
		TraceID: binary.LittleEndian.Uint64(src[32:40]),
		Type:    schema.EventType(binary.LittleEndian.Uint16(src[40:42])),
		Version: binary.LittleEndian.Uint16(src[42:44]),
		Source:  binary.LittleEndian.Uint16(src[44:46]),
		Flags:   binary.LittleEndian.Uint16(src[46:48]),
	}
	payloadLen := binary.LittleEndian.Uint32(src[48:52])
	return h, payloadLen, nil
}

func checksum(header []byte, payload []byte) uint32 {
	crc := crc32.Update(0, crcTable, header)
	return crc32.Update(crc, crcTable, payload)
}
