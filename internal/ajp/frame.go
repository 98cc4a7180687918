package ajp

import (
	"encoding/binary"

	"github.com/pkg/errors"

	ajperr "ajpd/internal/errors"
)

// ParseHeader validates a packet header against m and returns the
// payload length.  b may be longer than the header.
func ParseHeader(b []byte, m Magic) (int, error) {
	if len(b) < 2 {
		return 0, errors.Wrapf(ajperr.ErrMagicNotANumber, "have %d header bytes", len(b))
	}
	if b[0] != m[0] || b[1] != m[1] {
		return 0, errors.Wrapf(ajperr.ErrFraming, "magic %#02x %#02x, want %s", b[0], b[1], m)
	}
	if len(b) < HeaderSize {
		return 0, errors.Wrapf(ajperr.ErrLengthNotANumber, "have %d header bytes", len(b))
	}
	return int(binary.BigEndian.Uint16(b[2:4])), nil
}

// FrameReader splits a byte stream into packet payloads.  Bytes are fed
// with Write as they arrive off the socket; Next hands out one payload
// at a time once it is complete.  Nothing is consumed until a whole
// header is buffered, so any split of the stream yields the same
// payloads.
//
// A FrameReader is not safe for concurrent use.
type FrameReader struct {
	magic   Magic
	buf     []byte
	off     int // first unconsumed byte
	pending int // payload length of a parsed header, -1 if none
	limit   int
}

// NewFrameReader returns a reader for packets prefixed with m, accepting
// payloads up to MaxPayload.
func NewFrameReader(m Magic) *FrameReader {
	return &FrameReader{
		magic:   m,
		buf:     make([]byte, 0, MaxPacketSize),
		pending: -1,
		limit:   MaxPayload,
	}
}

// SetMaxPacketSize changes the largest packet accepted (header
// included).
func (f *FrameReader) SetMaxPacketSize(n int) {
	f.limit = n - HeaderSize
}

// Write buffers p.  Payloads returned by Next before this call are no
// longer valid afterwards.
func (f *FrameReader) Write(p []byte) (int, error) {
	if f.off > 0 {
		n := copy(f.buf, f.buf[f.off:])
		f.buf = f.buf[:n]
		f.off = 0
	}
	f.buf = append(f.buf, p...)
	return len(p), nil
}

// Buffered returns the number of bytes not yet handed out.
func (f *FrameReader) Buffered() int { return len(f.buf) - f.off }

// Pending reports whether a header has been consumed whose payload is
// still incomplete.
func (f *FrameReader) Pending() bool { return f.pending >= 0 }

// Next returns the next complete payload.  ok is false when more bytes
// are needed; the reader state is then unchanged.  The payload aliases
// the reader's buffer until the next Write.
func (f *FrameReader) Next() (payload []byte, ok bool, err error) {
	if f.pending < 0 {
		avail := f.buf[f.off:]
		if len(avail) >= 2 && (avail[0] != f.magic[0] || avail[1] != f.magic[1]) {
			_, err := ParseHeader(avail, f.magic)
			return nil, false, err
		}
		if len(avail) < HeaderSize {
			return nil, false, nil
		}
		n, err := ParseHeader(avail, f.magic)
		if err != nil {
			return nil, false, err
		}
		if n > f.limit {
			return nil, false, errors.Wrapf(ajperr.ErrFraming, "payload of %d bytes exceeds limit %d", n, f.limit)
		}
		f.off += HeaderSize
		f.pending = n
	}
	if f.Buffered() < f.pending {
		return nil, false, nil
	}
	payload = f.buf[f.off : f.off+f.pending : f.off+f.pending]
	f.off += f.pending
	f.pending = -1
	return payload, true, nil
}

// Reset drops all buffered bytes.
func (f *FrameReader) Reset() {
	f.buf = f.buf[:0]
	f.off = 0
	f.pending = -1
}
