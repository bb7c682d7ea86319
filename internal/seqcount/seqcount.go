// Package seqcount implements a sequence-counter (seqlock) protected 64-bit
// accumulator with a single wait-free writer and any number of lock-free
// readers.
//
// The writer is expected to be the CPU that owns the counter, running in a
// context that must never block (interrupt top-half). Readers on other CPUs
// spin until they observe an even, stable version, which guarantees they saw
// a value that was not mid-update. The version is incremented to odd before
// the value is written and back to even after, so a torn read is impossible
// to observe.
package seqcount

import "sync/atomic"

// Counter is a versioned 64-bit accumulator. The zero value is ready to use.
// Add must only ever be called from one goroutine at a time; Read may be
// called from anywhere.
type Counter struct {
	version atomic.Uint32
	value   atomic.Uint64
}

// Add applies delta to the counter under the write-side version protocol.
// Single writer only. Never blocks, never allocates.
func (c *Counter) Add(delta uint64) {
	c.version.Add(1) // odd: update in progress
	c.value.Store(c.value.Load() + delta)
	c.version.Add(1) // even: stable
}

// Read returns a consistent snapshot of the counter value. It spins while a
// write is in progress, which is bounded by the writer's two-instruction
// critical section.
func (c *Counter) Read() uint64 {
	for {
		v1 := c.version.Load()
		if v1&1 != 0 {
			continue
		}
		val := c.value.Load()
		if c.version.Load() == v1 {
			return val
		}
	}
}

// Reset clears the counter. Writer-side only, same exclusivity rule as Add.
func (c *Counter) Reset() {
	c.version.Add(1)
	c.value.Store(0)
	c.version.Add(1)
}
