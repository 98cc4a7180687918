package util

import "sync"

// PacketBufSize is the capacity of pooled packet buffers.  It covers
// one maximum-size AJP packet.
const PacketBufSize = 8 * 1024

// ReadBufSize is the size of pooled socket read buffers.
const ReadBufSize = 16 * 1024

var packetPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, 0, PacketBufSize)
		return &buf
	},
}

var readPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, ReadBufSize)
		return &buf
	},
}

// GetPacketBuf returns an empty buffer with at least PacketBufSize
// capacity, for encoding outbound packets.  Return it with
// [PutPacketBuf].
func GetPacketBuf() *[]byte {
	buf := packetPool.Get().(*[]byte)
	*buf = (*buf)[:0]
	return buf
}

// PutPacketBuf returns a packet buffer to the pool.  Buffers that grew
// past twice the packet size are dropped.
func PutPacketBuf(buf *[]byte) {
	if buf == nil || cap(*buf) > 2*PacketBufSize {
		return
	}
	packetPool.Put(buf)
}

// GetReadBuf returns a ReadBufSize buffer for socket reads.  Callers
// must return it with [PutReadBuf] when finished.
func GetReadBuf() *[]byte {
	return readPool.Get().(*[]byte)
}

// PutReadBuf returns a read buffer to the pool for reuse.
func PutReadBuf(buf *[]byte) {
	if buf == nil {
		return
	}
	readPool.Put(buf)
}
