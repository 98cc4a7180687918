package ajp

import (
	"github.com/pkg/errors"

	ajperr "ajpd/internal/errors"
)

// Package is one decoded inbound package.
type Package struct {
	Kind    Kind
	Length  int             // payload length as framed
	Forward *ForwardRequest // KindForwardRequest only
	Body    []byte          // KindBodyChunk only, aliases the payload
}

// Decode interprets one framed payload.  Only the first package of a
// cycle carries a type byte; every later package is a body chunk.
func Decode(payload []byte, first bool) (*Package, error) {
	if !first {
		data, err := DecodeBodyChunk(payload)
		if err != nil {
			return nil, err
		}
		return &Package{Kind: KindBodyChunk, Length: len(payload), Body: data}, nil
	}

	if len(payload) == 0 {
		return nil, errors.Wrap(ajperr.ErrTypeNotANumber, "empty first package")
	}
	k := Kind(payload[0])
	if !k.Inbound() {
		return nil, errors.Wrapf(ajperr.ErrUnknownPackageType, "type %d", payload[0])
	}

	p := &Package{Kind: k, Length: len(payload)}
	if k == KindForwardRequest {
		fr, err := DecodeForwardRequest(payload)
		if err != nil {
			return nil, err
		}
		p.Forward = fr
	}
	return p, nil
}

// DecodeBodyChunk returns the data of a body chunk payload: a 2-byte
// data length followed by the data.  An empty payload is the empty
// chunk.  The data length must account for the whole payload.
func DecodeBodyChunk(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	d := &decoder{b: payload}
	n, err := d.u16()
	if err != nil {
		return nil, errors.Wrap(err, "body chunk length")
	}
	data, err := d.bytesN(int(n))
	if err != nil {
		return nil, errors.Wrap(err, "body chunk data")
	}
	if d.remaining() > 0 {
		return nil, errors.Wrapf(ajperr.ErrMissingPayload,
			"body chunk declares %d data bytes but carries %d", n, len(payload)-2)
	}
	return data, nil
}

// AppendBodyChunk appends a web-server-side body chunk packet carrying
// data.  An empty data slice yields the empty chunk.
func AppendBodyChunk(b []byte, data []byte) ([]byte, error) {
	b, start := beginPacket(b, ServerMagic)
	if len(data) > 0 {
		b = appendUint16(b, uint16(len(data)))
		b = append(b, data...)
	}
	return endPacket(b, start)
}

// AppendControl appends a web-server-side control package (Ping,
// CPing or Shutdown).
func AppendControl(b []byte, k Kind) []byte {
	return append(b, ServerMagic[0], ServerMagic[1], 0, 1, byte(k))
}
