package ajp

import (
	"net/http"
	"net/textproto"
	"sort"

	"github.com/pkg/errors"
)

// AppendSendHeaders appends a SendHeaders packet.  An empty reason is
// replaced by the standard status text.  Header names with a response
// code are sent as that code.
func AppendSendHeaders(b []byte, status int, reason string, h http.Header) ([]byte, error) {
	if status < 100 || status > 999 {
		return b, errors.Errorf("ajp: invalid status %d", status)
	}
	if reason == "" {
		reason = http.StatusText(status)
	}

	b, start := beginPacket(b, ContainerMagic)
	b = append(b, byte(KindSendHeaders))
	b = appendUint16(b, uint16(status))
	b = appendString(b, reason)

	keys := make([]string, 0, len(h))
	count := 0
	for k, vs := range h {
		keys = append(keys, k)
		count += len(vs)
	}
	sort.Strings(keys)
	b = appendUint16(b, uint16(count))
	for _, k := range keys {
		name := textproto.CanonicalMIMEHeaderKey(k)
		for _, v := range h[k] {
			b = appendHeaderName(b, name, responseHeaderCodes)
			b = appendString(b, v)
		}
	}
	return endPacket(b, start)
}

// AppendSendBodyChunk appends a SendBodyChunk packet carrying data,
// which must not exceed MaxSendChunk bytes.
func AppendSendBodyChunk(b []byte, data []byte) ([]byte, error) {
	if len(data) > MaxSendChunk {
		return b, errors.Errorf("ajp: body chunk of %d bytes exceeds %d", len(data), MaxSendChunk)
	}
	b, start := beginPacket(b, ContainerMagic)
	b = append(b, byte(KindSendBodyChunk))
	b = appendUint16(b, uint16(len(data)))
	b = append(b, data...)
	b = append(b, 0)
	return endPacket(b, start)
}

// AppendEndResponse appends an EndResponse packet.  reuse tells the web
// server whether the connection may carry another cycle.
func AppendEndResponse(b []byte, reuse bool) []byte {
	b = append(b, ContainerMagic[0], ContainerMagic[1], 0, 2, byte(KindEndResponse))
	return appendBool(b, reuse)
}

// AppendGetBodyChunk appends a GetBodyChunk packet asking for up to n
// more body bytes.  n is clamped to MaxBodyRequest.
func AppendGetBodyChunk(b []byte, n int) []byte {
	if n > MaxBodyRequest {
		n = MaxBodyRequest
	}
	if n < 0 {
		n = 0
	}
	b = append(b, ContainerMagic[0], ContainerMagic[1], 0, 3, byte(KindGetBodyChunk))
	return appendUint16(b, uint16(n))
}

// AppendCPong appends the reply to a Ping or CPing.
func AppendCPong(b []byte) []byte {
	return append(b, ContainerMagic[0], ContainerMagic[1], 0, 1, byte(KindCPong))
}
