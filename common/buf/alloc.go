package buf

import (
	"math/bits"
	"sync"
)

// Pooled storage comes in power of two size classes from 64 B to 64 KiB.
const (
	minClass = 6
	maxClass = 16
)

var classes [maxClass - minClass + 1]sync.Pool

func init() {
	for i := range classes {
		size := 1 << (i + minClass)
		classes[i].New = func() any {
			buffer := make([]byte, size)
			return &buffer
		}
	}
}

func class(size int) int {
	if size <= 1<<minClass {
		return 0
	}
	return bits.Len(uint(size-1)) - minClass
}

// Get returns a slice of length size backed by pooled storage, or nil when
// size is outside the pooled range. The contents are not zeroed.
func Get(size int) []byte {
	if size <= 0 || size > 1<<maxClass {
		return nil
	}
	return (*classes[class(size)].Get().(*[]byte))[:size]
}

// Put returns storage obtained from Get. Slices whose capacity is not a
// pooled size class are dropped.
func Put(buffer []byte) {
	capacity := cap(buffer)
	if capacity < 1<<minClass || capacity > 1<<maxClass || capacity&(capacity-1) != 0 {
		return
	}
	buffer = buffer[:capacity]
	classes[class(capacity)].Put(&buffer)
}
