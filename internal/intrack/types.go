// Package intrack implements the interrupt tracker / load balancer: it
// measures per-vector CPU time and interrupt rates across all physical CPUs
// and periodically re-routes each hardware vector to the processor with the
// most idle headroom, subject to cache affinity and per-processor load caps.
package intrack

import "errors"

// VectorID identifies a hardware interrupt vector.
type VectorID uint32

// PcpuID identifies a physical CPU. InvalidPcpu marks a vector whose true
// destination cannot be determined (e.g. the host is sharing the line).
type PcpuID int32

// InvalidPcpu is the "unknown destination" sentinel.
const InvalidPcpu PcpuID = -1

// Cycles is a span of accounted CPU time. One cycle is one nanosecond of
// normalized timer time, matching how the rest of the daemon keeps time.
type Cycles int64

const (
	// NumVectors spans the whole interrupt descriptor table.
	NumVectors = 256

	// FirstExternalVector is the lowest vector assignable to devices;
	// everything below is reserved for exceptions.
	FirstExternalVector VectorID = 0x20

	// MaxPCPUs sizes per-CPU state for the worst case, so registration is
	// safe before the final processor count is known.
	MaxPCPUs = 64

	// HostPcpu is the default destination for every vector: the processor
	// that also runs the host (legacy OS) partition.
	HostPcpu PcpuID = 0
)

// Rate classifies how busy a processor or vector is with interrupt work
// during one rebalance period.
type Rate int

const (
	RateNone Rate = iota
	RateLow
	RateMedium
	RateHigh
	RateExcessive
	rateMax
)

func (r Rate) String() string {
	switch r {
	case RateNone:
		return "none"
	case RateLow:
		return "low"
	case RateMedium:
		return "medium"
	case RateHigh:
		return "high"
	case RateExcessive:
		return "excessive"
	default:
		return "unknown"
	}
}

// RoutingPolicy selects the rebalance algorithm run on each periodic tick.
type RoutingPolicy int

const (
	NoRouting RoutingPolicy = iota
	IdleRouting
	RandomRouting
)

func (p RoutingPolicy) String() string {
	switch p {
	case NoRouting:
		return "none"
	case IdleRouting:
		return "idle"
	case RandomRouting:
		return "random"
	default:
		return "unknown"
	}
}

// ParseRoutingPolicy converts the config spelling of a policy.
func ParseRoutingPolicy(s string) (RoutingPolicy, error) {
	switch s {
	case "none":
		return NoRouting, nil
	case "idle":
		return IdleRouting, nil
	case "random":
		return RandomRouting, nil
	}
	return NoRouting, ErrBadParam
}

var (
	// ErrBadParam reports an out-of-range vector or processor, malformed
	// command arguments, or a failed hardware reprogram.
	ErrBadParam = errors.New("bad parameter")

	// ErrNotFound reports an operation against a vector with no live
	// registration.
	ErrNotFound = errors.New("vector not found")

	// ErrNoResources reports that a synthetic interrupt source cannot be
	// installed because the vector is already in use.
	ErrNoResources = errors.New("no resources")
)

// VectorRouter reprograms the interrupt controller. SetDestination returns
// false (never an error value) when the write did not take effect, e.g.
// because the vector became host-shared mid-operation. It must be safe to
// call redundantly with the same destination and safe to call while the
// caller holds the tracker lock.
type VectorRouter interface {
	SetDestination(vector VectorID, dest PcpuID) bool
}

// RouterFunc adapts a function to the VectorRouter interface.
type RouterFunc func(vector VectorID, dest PcpuID) bool

func (f RouterFunc) SetDestination(vector VectorID, dest PcpuID) bool {
	return f(vector, dest)
}

// UsageSource supplies per-PCPU cycle counters from the CPU scheduler since
// an arbitrary but monotonic epoch. It is always called without the tracker
// lock held; the scheduler's accounting lock ranks above it.
type UsageSource interface {
	PcpuUsageStats(idle, used, overlap []Cycles)
}
