package intrack

// The idle-routing pass reads everything and moves vectors under one lock
// hold: snapshot idle stats (taken before the lock), age per-vector cycles,
// then walk vectors in ascending vector-number order. The order is part of
// the contract: a vector processed later in the pass sees the load already
// credited to processors by earlier vectors, so tests pin the order.

// fastRand is the same xorshift-style generator the random policy has always
// used. Deterministic given a seed.
func fastRand(state uint32) uint32 {
	state ^= state << 13
	state ^= state >> 17
	state ^= state << 5
	return state
}

func randSeed() uint32 {
	// any odd constant works; reseeded by tests when determinism matters
	return 0x9e3779b9
}

// computePcpuIdleTimesLocked folds a fresh scheduler snapshot into the aged
// per-PCPU idle estimates.
//
// The metric is "idle - used + overlap": on a hyperthreaded system an idle
// time of 0 can mean the logical CPU was halted the whole interval, donating
// its resources to its hypertwin. used-minus-idle distinguishes the halted
// twin (0) from the busy twin (positive), which is the distinction that
// matters for steering interrupts. The estimate may go transiently negative.
func (t *Tracker) computePcpuIdleTimesLocked(newIdle, newUsed, newOverlap []Cycles) {
	for p := 0; p < t.opts.NumPCPUs; p++ {
		idleUnused := newIdle[p] - newUsed[p] + newOverlap[p]
		diff := idleUnused - t.pcpuPrevIdle[p]
		t.pcpuAgedIdle[p] /= 2
		t.pcpuAgedIdle[p] += diff / 2
		t.pcpuPrevIdle[p] = idleUnused
	}
}

// computeVectorCyclesLocked updates the aged systime and interrupt counts of
// every tracked vector from the live counters.
func (t *Tracker) computeVectorCyclesLocked() {
	for vec := 0; vec < NumVectors; vec++ {
		info := t.vectors[vec]
		if info == nil {
			continue
		}

		sysTimeNow := info.systime(t.opts.NumPCPUs)
		timeDiff := sysTimeNow - info.prevSysCycles

		if info.pcpu == InvalidPcpu {
			// host-shared: no single delivery counter to diff against
			continue
		}

		interruptsNow := info.interruptsOn(info.pcpu)
		if interruptsNow < info.prevInterrupts {
			// in the incredibly rare overflow race case, just don't
			// update the averages and totals for this vector
			t.intrOverflows++
			continue
		}
		intrDiff := interruptsNow - info.prevInterrupts

		info.agedSysCycles += timeDiff
		info.agedInterrupts += intrDiff
		info.agedSysCycles /= 2
		info.agedInterrupts /= 2

		info.prevSysCycles = sysTimeNow
		info.prevInterrupts = interruptsNow
	}
}

// rebalanceVectorLocked tries to move one vector to the most-idle processor,
// preferring to stay put. pcpuIntrTaken accumulates the load assigned so far
// in this pass so one idle processor cannot absorb every vector at once.
func (t *Tracker) rebalanceVectorLocked(info *vectorInfo, pcpuIntrTaken []Cycles) {
	vectorCycles := info.load(t.opts.IntrCycleWeight)

	curBest := InvalidPcpu
	var bestCycles Cycles
	if info.pcpu != InvalidPcpu && pcpuIntrTaken[info.pcpu] < t.pcpuMaxIntrLoad {
		// cache affinity bonus for the current location, unless it's
		// already overloaded
		curBest = info.pcpu
		bestCycles = t.pcpuAgedIdle[curBest] - pcpuIntrTaken[curBest] + t.vecCacheAffin
	} else {
		bestCycles = -t.rebalancePeriodCycles
	}

	for p := PcpuID(0); int(p) < t.opts.NumPCPUs; p++ {
		// idle time is discounted by the load already credited this
		// pass, so a processor that absorbed an earlier vector looks
		// proportionally less attractive before it hits the hard cap;
		// strict > keeps the first (lowest-numbered) of equals
		avail := t.pcpuAgedIdle[p] - pcpuIntrTaken[p]
		if avail > bestCycles && pcpuIntrTaken[p] < t.pcpuMaxIntrLoad {
			curBest = p
			bestCycles = avail
		}
	}

	if curBest == InvalidPcpu {
		// every pcpu is saturated for this pass; leave the vector alone
		return
	}

	if curBest != info.pcpu {
		t.log.Debug().
			Uint32("vector", uint32(info.vector)).
			Int32("pcpu", int32(curBest)).
			Msg("moving vector")
		if info.isFake || t.router.SetDestination(info.vector, curBest) {
			info.pcpu = curBest
			// the delivery counter for the new destination starts from
			// fresh context
			info.prevInterrupts = info.interruptsOn(curBest)
		} else {
			info.skip = true
			t.log.Warn().
				Uint32("vector", uint32(info.vector)).
				Msg("failed to move vector, will skip in future")
		}
	}

	pcpuIntrTaken[curBest] += vectorCycles
}

// idleRebalanceAll revectors interrupts toward available idle time.
func (t *Tracker) idleRebalanceAll() {
	var newIdle, newUsed, newOverlap [MaxPCPUs]Cycles

	// grab scheduler data without the tracker lock held, per lock ordering
	t.usage.PcpuUsageStats(newIdle[:], newUsed[:], newOverlap[:])

	t.mu.Lock()
	defer t.mu.Unlock()

	t.rebalancePeriodCycles = durationToCycles(t.opts.RebalancePeriod)
	t.vecCacheAffin = (t.rebalancePeriodCycles / 100) * Cycles(t.opts.VectorCacheBonusPct)
	t.pcpuMaxIntrLoad = (t.rebalancePeriodCycles / 100) * Cycles(t.opts.MaxLoadPct) /
		Cycles(t.opts.LogicalPerPackage)
	t.setupThresholdValuesLocked(t.opts.LowPct, t.opts.MediumPct, t.opts.HighPct, t.opts.ExcessivePct)

	var pcpuIntrTaken [MaxPCPUs]Cycles
	t.computePcpuIdleTimesLocked(newIdle[:], newUsed[:], newOverlap[:])
	t.computeVectorCyclesLocked()

	for vec := 0; vec < NumVectors; vec++ {
		info := t.vectors[vec]
		if info != nil && !info.skip {
			t.rebalanceVectorLocked(info, pcpuIntrTaken[:])
		}
	}

	// rates must be recomputed after any revectoring so they reflect the
	// current destinations
	for p := PcpuID(0); int(p) < t.opts.NumPCPUs; p++ {
		t.pcpuIntrRates[p] = t.computePcpuIntrRateLocked(p)
	}
}

// randomRebalanceAll revectors every non-skipped vector to a uniformly
// random destination. No load awareness; exists to A/B the idle policy.
func (t *Tracker) randomRebalanceAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for vec := 0; vec < NumVectors; vec++ {
		info := t.vectors[vec]
		if info == nil || info.skip {
			continue
		}
		t.lastRand = fastRand(t.lastRand)
		newDest := PcpuID(t.lastRand % uint32(t.opts.NumPCPUs))
		if info.isFake || t.router.SetDestination(info.vector, newDest) {
			t.log.Debug().
				Uint32("vector", uint32(info.vector)).
				Int32("pcpu", int32(newDest)).
				Msg("moved vector")
			info.pcpu = newDest
		} else {
			info.skip = true
			t.log.Warn().
				Uint32("vector", uint32(info.vector)).
				Msg("failed to move vector, will skip in future")
		}
	}
}
