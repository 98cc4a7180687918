package ajp

import (
	"encoding/binary"

	"github.com/pkg/errors"

	ajperr "ajpd/internal/errors"
)

// nullLength marks a null string on the wire.
const nullLength = 0xFFFF

// decoder reads AJP primitives from one payload.  It never reads past
// the payload: a short field is a MissingPayload error, a short length
// prefix is a LengthNotANumber error.
type decoder struct {
	b   []byte
	off int
}

func (d *decoder) remaining() int { return len(d.b) - d.off }

func (d *decoder) u8() (byte, error) {
	if d.remaining() < 1 {
		return 0, errors.WithStack(ajperr.ErrMissingPayload)
	}
	c := d.b[d.off]
	d.off++
	return c, nil
}

func (d *decoder) u16() (uint16, error) {
	if d.remaining() < 2 {
		return 0, errors.Wrapf(ajperr.ErrLengthNotANumber, "need 2 bytes at offset %d, have %d", d.off, d.remaining())
	}
	v := binary.BigEndian.Uint16(d.b[d.off:])
	d.off += 2
	return v, nil
}

func (d *decoder) flag() (bool, error) {
	c, err := d.u8()
	return c != 0, err
}

// bytesN returns the next n bytes without copying.
func (d *decoder) bytesN(n int) ([]byte, error) {
	if d.remaining() < n {
		return nil, errors.Wrapf(ajperr.ErrMissingPayload, "need %d bytes at offset %d, have %d", n, d.off, d.remaining())
	}
	p := d.b[d.off : d.off+n]
	d.off += n
	return p, nil
}

// str reads a length-prefixed, NUL-terminated string.  A length of
// 0xFFFF is null and has no terminator.  A length of 0 is the empty
// string; its terminator is consumed when present.
func (d *decoder) str() (s string, null bool, err error) {
	n, err := d.u16()
	if err != nil {
		return "", false, err
	}
	if n == nullLength {
		return "", true, nil
	}
	return d.stringBody(int(n))
}

func (d *decoder) stringBody(n int) (string, bool, error) {
	if n == 0 {
		if d.remaining() > 0 && d.b[d.off] == 0 {
			d.off++
		}
		return "", true, nil
	}
	p, err := d.bytesN(n)
	if err != nil {
		return "", false, err
	}
	term, err := d.u8()
	if err != nil {
		return "", false, errors.Wrap(err, "string terminator")
	}
	if term != 0 {
		return "", false, errors.Wrapf(ajperr.ErrMissingPayload, "string terminator is %#02x", term)
	}
	return string(p), false, nil
}

// header reads a header name that is either a 0xA0xx code from table
// or a string.
func (d *decoder) header(table map[uint16]string) (string, error) {
	n, err := d.u16()
	if err != nil {
		return "", err
	}
	if n&0xFF00 == codedHeaderMask {
		name, ok := table[n]
		if !ok {
			return "", errors.Wrapf(ajperr.ErrUnknownPackageType, "header code %#04x", n)
		}
		return name, nil
	}
	if n == nullLength {
		return "", errors.Wrap(ajperr.ErrMissingPayload, "null header name")
	}
	s, _, err := d.stringBody(int(n))
	return s, err
}

// ── Encoding ─────────────────────────────────────────────────────────

func appendUint16(b []byte, v uint16) []byte {
	return binary.BigEndian.AppendUint16(b, v)
}

func appendBool(b []byte, v bool) []byte {
	if v {
		return append(b, 1)
	}
	return append(b, 0)
}

// appendString encodes s as length, bytes, NUL.  The empty string is
// written as length 0 followed by a NUL.
func appendString(b []byte, s string) []byte {
	b = appendUint16(b, uint16(len(s)))
	b = append(b, s...)
	return append(b, 0)
}

// appendNull writes the 0xFFFF null string.
func appendNull(b []byte) []byte {
	return appendUint16(b, nullLength)
}

func appendHeaderName(b []byte, name string, codes map[string]uint16) []byte {
	if c, ok := codes[name]; ok {
		return appendUint16(b, c)
	}
	return appendString(b, name)
}

// beginPacket appends a header with a placeholder length and returns
// the offset where the payload starts.
func beginPacket(b []byte, m Magic) ([]byte, int) {
	b = append(b, m[0], m[1], 0, 0)
	return b, len(b)
}

// endPacket fills in the payload length of the packet started at start.
// Payloads over MaxPayload are rejected: a default-configured peer
// would drop them.
func endPacket(b []byte, start int) ([]byte, error) {
	n := len(b) - start
	if n > MaxPayload {
		return b[:start-HeaderSize], errors.Errorf("ajp: payload of %d bytes exceeds %d", n, MaxPayload)
	}
	binary.BigEndian.PutUint16(b[start-2:start], uint16(n))
	return b, nil
}
