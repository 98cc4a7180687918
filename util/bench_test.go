package util

import (
	"testing"
)

// BenchmarkPacketBuf measures the allocation advantage of sync.Pool
// buffer reuse versus fresh allocation on the packet-encoding path.
func BenchmarkPacketBuf(b *testing.B) {
	b.Run("pool", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			buf := GetPacketBuf()
			*buf = append(*buf, 'A', 'B', 0, 2, 5, 1)
			PutPacketBuf(buf)
		}
	})
	b.Run("alloc", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			buf := make([]byte, 0, PacketBufSize)
			buf = append(buf, 'A', 'B', 0, 2, 5, 1)
			_ = buf
		}
	})
}
