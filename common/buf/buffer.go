package buf

import (
	"fmt"
)

// Buffer is a FIFO byte buffer: bytes are appended at the tail and consumed
// from the head. Unlike a fixed packet buffer it grows on demand.
type Buffer struct {
	data    []byte
	start   int
	end     int
	managed bool
}

// NewSize returns an empty buffer with room for size bytes. Sizes within the
// pooled range borrow their storage until Release.
func NewSize(size int) *Buffer {
	if data := Get(size); data != nil {
		return &Buffer{
			data:    data,
			managed: true,
		}
	}
	return &Buffer{
		data: make([]byte, size),
	}
}

// As wraps data as a full buffer without copying.
func As(data []byte) *Buffer {
	return &Buffer{
		data: data,
		end:  len(data),
	}
}

func (b *Buffer) Len() int {
	return b.end - b.start
}

func (b *Buffer) IsEmpty() bool {
	return b.end == b.start
}

func (b *Buffer) Cap() int {
	return len(b.data)
}

// Bytes returns the unread bytes. The slice aliases the buffer and is only
// valid until the next mutation.
func (b *Buffer) Bytes() []byte {
	return b.data[b.start:b.end]
}

// Advance consumes n bytes from the head.
func (b *Buffer) Advance(n int) {
	if n < 0 || n > b.Len() {
		panic(fmt.Sprint("buffer underflow: length ", b.Len(), ", advance ", n))
	}
	b.start += n
	if b.start == b.end {
		b.start = 0
		b.end = 0
	}
}

// Next returns a copy of up to n bytes from the head and consumes them.
func (b *Buffer) Next(n int) []byte {
	if n < 0 {
		panic(fmt.Sprint("buffer: negative length ", n))
	}
	if n > b.Len() {
		n = b.Len()
	}
	if n == 0 {
		return nil
	}
	data := make([]byte, n)
	copy(data, b.data[b.start:b.start+n])
	b.Advance(n)
	return data
}

func (b *Buffer) Write(data []byte) (n int, err error) {
	if len(data) == 0 {
		return
	}
	n = copy(b.FreeBytes(len(data)), data)
	b.end += n
	return
}

func (b *Buffer) WriteString(s string) (n int, err error) {
	if len(s) == 0 {
		return
	}
	n = copy(b.FreeBytes(len(s)), s)
	b.end += n
	return
}

// FreeBytes returns at least size writable bytes at the tail, compacting or
// growing the buffer as needed. Commit written bytes with Extend.
func (b *Buffer) FreeBytes(size int) []byte {
	if len(b.data)-b.end >= size {
		return b.data[b.end:]
	}
	length := b.Len()
	if length+size <= len(b.data) {
		copy(b.data, b.data[b.start:b.end])
	} else {
		capacity := 2 * len(b.data)
		if capacity < length+size {
			capacity = length + size
		}
		data, managed := Get(capacity), true
		if data == nil {
			data, managed = make([]byte, capacity), false
		}
		copy(data, b.data[b.start:b.end])
		b.releaseData()
		b.data = data
		b.managed = managed
	}
	b.start = 0
	b.end = length
	return b.data[b.end:]
}

// Extend commits n bytes previously written into FreeBytes.
func (b *Buffer) Extend(n int) {
	if n < 0 || b.end+n > len(b.data) {
		panic(fmt.Sprint("buffer overflow: capacity ", len(b.data), ", end ", b.end, ", need ", n))
	}
	b.end += n
}

func (b *Buffer) Reset() {
	b.start = 0
	b.end = 0
}

// Release returns pooled storage. The buffer must not be used afterwards.
func (b *Buffer) Release() {
	b.releaseData()
	b.data = nil
	b.start = 0
	b.end = 0
}

func (b *Buffer) releaseData() {
	if b.managed {
		Put(b.data)
		b.managed = false
	}
}
