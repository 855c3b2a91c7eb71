// File: pool/bytepool.go
// Author: momentics <momentics@gmail.com>

package pool

// BytePool hands out fixed-size byte slices.
type BytePool struct {
	size int
	pool *SyncPool[*[]byte]
}

func NewBytePool(size int) *BytePool {
	return &BytePool{
		size: size,
		pool: NewSyncPool(func() *[]byte {
			b := make([]byte, size)
			return &b
		}),
	}
}

// Size is the length of every buffer returned by Get.
func (b *BytePool) Size() int { return b.size }

// Get returns a buffer of length Size.
func (b *BytePool) Get() []byte {
	return (*b.pool.Get())[:b.size]
}

// Put returns a buffer to the pool. Foreign or shrunk buffers are dropped.
func (b *BytePool) Put(buf []byte) {
	if cap(buf) < b.size {
		return
	}
	buf = buf[:b.size]
	b.pool.Put(&buf)
}
