package intrack

import (
	"sync/atomic"

	"vmkintr/internal/seqcount"
)

// vectorInfo is the per-vector tracking state. The aging fields are guarded
// by the tracker lock; sysCycles and intrCounts are updated from interrupt
// context on the owning PCPU and read cross-CPU without the lock.
type vectorInfo struct {
	vector   VectorID
	pcpu     PcpuID // current destination, InvalidPcpu when unknown
	refCount int
	skip     bool // true: the rebalancer leaves this vector alone
	isFake   bool // synthetic source, no hardware reprogram

	// sysCycles[p] is the interrupt service time contributed by PCPU p,
	// written only by p (versioned, torn-read safe).
	sysCycles [MaxPCPUs]seqcount.Counter

	// intrCounts[p] counts deliveries of this vector on PCPU p.
	intrCounts [MaxPCPUs]atomic.Uint64

	// tracker-lock-protected aged aggregates
	agedSysCycles  Cycles
	prevSysCycles  Cycles
	agedInterrupts uint64
	prevInterrupts uint64

	// debug delivery counters
	remoteForwards atomic.Uint64
	idleDeliveries atomic.Uint64
}

// systime sums the per-PCPU service-time counters with the versioned read
// protocol. Safe without the tracker lock.
func (info *vectorInfo) systime(numPCPUs int) Cycles {
	var total Cycles
	for p := 0; p < numPCPUs; p++ {
		total += Cycles(info.sysCycles[p].Read())
	}
	return total
}

// interruptsOn reads the delivery count on one PCPU.
func (info *vectorInfo) interruptsOn(p PcpuID) uint64 {
	return info.intrCounts[p].Load()
}

// load is the vector's equivalent cycle cost: serviced time plus a
// configured per-delivery overhead. Caller holds the tracker lock.
func (info *vectorInfo) load(intrCycleWeight Cycles) Cycles {
	return info.agedSysCycles + Cycles(info.agedInterrupts)*intrCycleWeight
}
