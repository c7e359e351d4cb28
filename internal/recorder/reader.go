package recorder

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"

	"main/internal/schema"
)

var ErrChecksumMismatch = errors.New("journal checksum mismatch")

// ReaderOptions controls record decoding.
type ReaderOptions struct {
	DisableChecksum bool
	MaxPayloadSize  int
}

// Reader decodes journal records sequentially from one segment.
type Reader struct {
	src    *bufio.Reader
	opts   ReaderOptions
	hdrBuf []byte
	sumBuf [recordChecksumSize]byte

	// payload is reused across calls, so a record is only valid until
	// the next call to Next.
	payload []byte
}

// NewReader wraps an io.Reader with journal record decoding.
func NewReader(r io.Reader, opts ReaderOptions) *Reader {
	return &Reader{
		src:    bufio.NewReader(r),
		opts:   opts,
		hdrBuf: make([]byte, recordHeaderSize),
	}
}

// Next returns the next record header and payload. It returns io.EOF at
// a clean segment end.
func (r *Reader) Next() (schema.EventHeader, []byte, error) {
	var empty schema.EventHeader

	n, err := io.ReadFull(r.src, r.hdrBuf)
	if err != nil {
		if err == io.EOF && n == 0 {
			return empty, nil, io.EOF
		}
		return empty, nil, err
	}
	header, payloadLen, err := decodeRecordHeader(r.hdrBuf)
	if err != nil {
		return header, nil, err
	}

	if err := r.readPayload(payloadLen); err != nil {
		return header, nil, err
	}
	if _, err := io.ReadFull(r.src, r.sumBuf[:]); err != nil {
		return header, nil, err
	}
	if !r.opts.DisableChecksum {
		want := binary.LittleEndian.Uint32(r.sumBuf[:])
		if checksum(r.hdrBuf, r.payload) != want {
			return header, nil, ErrChecksumMismatch
		}
	}
	return header, r.payload, nil
}

func (r *Reader) readPayload(payloadLen uint32) error {
	if r.opts.MaxPayloadSize > 0 && payloadLen > uint32(r.opts.MaxPayloadSize) {
		return ErrPayloadTooLarge
	}
	if uint64(payloadLen) > maxPayloadLen {
		return ErrPayloadTooLarge
	}
	if payloadLen == 0 {
		r.payload = r.payload[:0]
		return nil
	}
	if cap(r.payload) < int(payloadLen) {
		r.payload = make([]byte, payloadLen)
	}
	r.payload = r.payload[:payloadLen]
	_, err := io.ReadFull(r.src, r.payload)
	return err
}
