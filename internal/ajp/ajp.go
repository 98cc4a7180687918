// Package ajp implements the AJP13 wire format: packet framing, the
// inbound package decoder, and the outbound package encoders.
//
// Every packet is a 4-byte header (two magic bytes, then a big-endian
// uint16 payload length) followed by the payload.  Packets from the
// web server carry the magic 0x12 0x34, packets from the container
// carry 'A' 'B'.
package ajp

import "fmt"

// ── Packet geometry ──────────────────────────────────────────────────

const (
	// HeaderSize is the fixed packet header: magic (2) + length (2).
	HeaderSize = 4

	// MaxPacketSize is the default AJP13 packet limit, header included.
	MaxPacketSize = 8192

	// MaxPayload is the largest payload that fits a default packet.
	MaxPayload = MaxPacketSize - HeaderSize

	// MaxBodyRequest is the most body bytes a GetBodyChunk may ask for:
	// the payload minus the 2-byte data length of the reply chunk.
	MaxBodyRequest = MaxPayload - 2

	// MaxSendChunk is the most data one SendBodyChunk can carry: the
	// payload minus the type byte, the 2-byte data length and the
	// trailing NUL.
	MaxSendChunk = MaxPayload - 4
)

// Magic identifies the direction of a packet.
type Magic [2]byte

var (
	// ServerMagic prefixes packets sent by the web server.
	ServerMagic = Magic{0x12, 0x34}

	// ContainerMagic prefixes packets sent by the container.
	ContainerMagic = Magic{'A', 'B'}
)

func (m Magic) String() string {
	if m == ContainerMagic {
		return "AB"
	}
	return fmt.Sprintf("%#02x%02x", m[0], m[1])
}

// ── Package kinds ────────────────────────────────────────────────────

// Kind is a package type code.
type Kind byte

// Package type codes.  BodyChunk has no type byte on the wire: a body
// chunk is any inbound package that is not the first of its cycle.
const (
	KindBodyChunk      Kind = 0
	KindForwardRequest Kind = 2
	KindSendBodyChunk  Kind = 3
	KindSendHeaders    Kind = 4
	KindEndResponse    Kind = 5
	KindGetBodyChunk   Kind = 6
	KindShutdown       Kind = 7
	KindPing           Kind = 8
	KindCPong          Kind = 9
	KindCPing          Kind = 10
)

var kindNames = map[Kind]string{
	KindBodyChunk:      "body chunk",
	KindForwardRequest: "forward request",
	KindSendBodyChunk:  "send body chunk",
	KindSendHeaders:    "send headers",
	KindEndResponse:    "end response",
	KindGetBodyChunk:   "get body chunk",
	KindShutdown:       "shutdown",
	KindPing:           "ping",
	KindCPong:          "cpong",
	KindCPing:          "cping",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

// Inbound reports whether the container accepts k as the first
// package of a cycle.
func (k Kind) Inbound() bool {
	switch k {
	case KindForwardRequest, KindShutdown, KindPing, KindCPing:
		return true
	}
	return false
}

// ── Method codes ─────────────────────────────────────────────────────

// MethodStored means the method travels in the stored_method attribute.
const MethodStored byte = 0xFF

var methods = [...]string{
	0x01: "OPTIONS",
	0x02: "GET",
	0x03: "HEAD",
	0x04: "POST",
	0x05: "PUT",
	0x06: "DELETE",
	0x07: "TRACE",
	0x08: "PROPFIND",
	0x09: "PROPPATCH",
	0x0A: "MKCOL",
	0x0B: "COPY",
	0x0C: "MOVE",
	0x0D: "LOCK",
	0x0E: "UNLOCK",
	0x0F: "ACL",
	0x10: "REPORT",
	0x11: "VERSION-CONTROL",
	0x12: "CHECKIN",
	0x13: "CHECKOUT",
	0x14: "UNCHECKOUT",
	0x15: "SEARCH",
	0x16: "MKWORKSPACE",
	0x17: "UPDATE",
	0x18: "LABEL",
	0x19: "MERGE",
	0x1A: "BASELINE-CONTROL",
	0x1B: "MKACTIVITY",
}

var methodCodes = func() map[string]byte {
	m := make(map[string]byte, len(methods))
	for code, name := range methods {
		if name != "" {
			m[name] = byte(code)
		}
	}
	return m
}()

// MethodName returns the method for code, or "" if the code is unknown.
func MethodName(code byte) string {
	if int(code) < len(methods) {
		return methods[code]
	}
	return ""
}

// MethodCode returns the code for method, or MethodStored when the
// method has no code of its own.
func MethodCode(method string) byte {
	if c, ok := methodCodes[method]; ok {
		return c
	}
	return MethodStored
}

// ── Header codes ─────────────────────────────────────────────────────

// codedHeaderMask marks a header name sent as a 0xA0xx code rather
// than a string.  String lengths never reach 0xA000 in a packet that
// fits MaxPacketSize.
const codedHeaderMask = 0xA000

var requestHeaders = map[uint16]string{
	0xA001: "Accept",
	0xA002: "Accept-Charset",
	0xA003: "Accept-Encoding",
	0xA004: "Accept-Language",
	0xA005: "Authorization",
	0xA006: "Connection",
	0xA007: "Content-Type",
	0xA008: "Content-Length",
	0xA009: "Cookie",
	0xA00A: "Cookie2",
	0xA00B: "Host",
	0xA00C: "Pragma",
	0xA00D: "Referer",
	0xA00E: "User-Agent",
}

var responseHeaders = map[uint16]string{
	0xA001: "Content-Type",
	0xA002: "Content-Language",
	0xA003: "Content-Length",
	0xA004: "Date",
	0xA005: "Last-Modified",
	0xA006: "Location",
	0xA007: "Set-Cookie",
	0xA008: "Set-Cookie2",
	0xA009: "Servlet-Engine",
	0xA00A: "Status",
	0xA00B: "WWW-Authenticate",
}

var (
	requestHeaderCodes  = invert(requestHeaders)
	responseHeaderCodes = invert(responseHeaders)
)

func invert(m map[uint16]string) map[string]uint16 {
	out := make(map[string]uint16, len(m))
	for code, name := range m {
		out[name] = code
	}
	return out
}

// ── Attribute codes ──────────────────────────────────────────────────

const (
	AttrContext      byte = 0x01
	AttrServletPath  byte = 0x02
	AttrRemoteUser   byte = 0x03
	AttrAuthType     byte = 0x04
	AttrQueryString  byte = 0x05
	AttrRoute        byte = 0x06
	AttrSSLCert      byte = 0x07
	AttrSSLCipher    byte = 0x08
	AttrSSLSession   byte = 0x09
	AttrReqAttribute byte = 0x0A
	AttrSSLKeySize   byte = 0x0B
	AttrSecret       byte = 0x0C
	AttrStoredMethod byte = 0x0D
	AttrDone         byte = 0xFF
)

var attrNames = map[byte]string{
	AttrContext:      "context",
	AttrServletPath:  "servlet_path",
	AttrRemoteUser:   "remote_user",
	AttrAuthType:     "auth_type",
	AttrQueryString:  "query_string",
	AttrRoute:        "jvm_route",
	AttrSSLCert:      "ssl_cert",
	AttrSSLCipher:    "ssl_cipher",
	AttrSSLSession:   "ssl_session",
	AttrSSLKeySize:   "ssl_key_size",
	AttrSecret:       "secret",
	AttrStoredMethod: "stored_method",
}

// AttrName returns the attribute name for code.
func AttrName(code byte) string { return attrNames[code] }
