package ajp

import (
	"net/http"
	"testing"
)

// BenchmarkFrameReader measures framing throughput when packets arrive
// split across reads at awkward offsets.
func BenchmarkFrameReader(b *testing.B) {
	var stream []byte
	for i := 0; i < 16; i++ {
		stream, _ = AppendBodyChunk(stream, make([]byte, 1000))
	}
	fr := NewFrameReader(ServerMagic)

	b.SetBytes(int64(len(stream)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for off := 0; off < len(stream); off += 777 {
			end := min(off+777, len(stream))
			fr.Write(stream[off:end]) //nolint:errcheck
			for {
				_, ok, err := fr.Next()
				if err != nil {
					b.Fatal(err)
				}
				if !ok {
					break
				}
			}
		}
	}
}

// BenchmarkDecodeForwardRequest measures decoding a typical browser
// request.
func BenchmarkDecodeForwardRequest(b *testing.B) {
	pkt, err := AppendForwardRequest(nil, &ForwardRequest{
		Method:     "GET",
		RequestURI: "/app/index.html",
		RemoteAddr: "192.0.2.10",
		ServerName: "www.example.com",
		ServerPort: 443,
		IsSSL:      true,
		Header: http.Header{
			"Accept":          {"text/html,application/xhtml+xml"},
			"Accept-Encoding": {"gzip, deflate, br"},
			"Cookie":          {"JSESSIONID=0123456789ABCDEF"},
			"Host":            {"www.example.com"},
			"User-Agent":      {"Mozilla/5.0"},
		},
		QueryString:   "page=2",
		ContentLength: -1,
	})
	if err != nil {
		b.Fatal(err)
	}
	payload := pkt[HeaderSize:]

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := DecodeForwardRequest(payload); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkAppendSendBodyChunk measures response encoding into a
// reused buffer.
func BenchmarkAppendSendBodyChunk(b *testing.B) {
	data := make([]byte, MaxSendChunk)
	buf := make([]byte, 0, MaxPacketSize)

	b.SetBytes(int64(len(data)))
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var err error
		if buf, err = AppendSendBodyChunk(buf[:0], data); err != nil {
			b.Fatal(err)
		}
	}
}
