package intrack

func validateThresholds(low, medium, high, excessive uint32) error {
	if low > medium || medium > high || high > excessive || excessive > 100 {
		return ErrBadParam
	}
	return nil
}

// setupThresholdValuesLocked recomputes the cycle thresholds from the
// percentage tunables and the current rebalance period.
func (t *Tracker) setupThresholdValuesLocked(low, medium, high, excessive uint32) {
	onePct := t.rebalancePeriodCycles / 100
	t.intrThresh[RateNone] = 0
	t.intrThresh[RateLow] = Cycles(low) * onePct
	t.intrThresh[RateMedium] = Cycles(medium) * onePct
	t.intrThresh[RateHigh] = Cycles(high) * onePct
	t.intrThresh[RateExcessive] = Cycles(excessive) * onePct
}

// setupThresholdsLocked installs new rate thresholds and restarts the idle
// and rate bookkeeping from scratch so old history classified against the
// old thresholds cannot bleed into the new regime.
func (t *Tracker) setupThresholdsLocked(low, medium, high, excessive uint32) {
	t.setupThresholdValuesLocked(low, medium, high, excessive)
	for p := range t.pcpuIntrRates {
		t.pcpuIntrRates[p] = RateNone
	}
	for p := range t.pcpuPrevIdle {
		t.pcpuPrevIdle[p] = 0
		t.pcpuAgedIdle[p] = 0
	}
}

// SetThresholds changes the rate classification boundaries at run time.
func (t *Tracker) SetThresholds(low, medium, high, excessive uint32) error {
	if err := validateThresholds(low, medium, high, excessive); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opts.LowPct = low
	t.opts.MediumPct = medium
	t.opts.HighPct = high
	t.opts.ExcessivePct = excessive
	t.setupThresholdsLocked(low, medium, high, excessive)
	t.log.Info().
		Uint32("low", low).Uint32("medium", medium).
		Uint32("high", high).Uint32("excessive", excessive).
		Msg("rate thresholds changed")
	return nil
}

// computeIntrRateLocked classifies an interrupt load against the thresholds:
// the answer is the band below the first threshold strictly greater than the
// load. A load at or above the excessive threshold is RateExcessive.
func (t *Tracker) computeIntrRateLocked(load Cycles) Rate {
	if t.rebalancePeriodCycles == 0 {
		return RateNone
	}
	for r := RateNone; r < rateMax; r++ {
		if t.intrThresh[r] > load {
			return r - 1
		}
	}
	return RateExcessive
}

// computePcpuIntrRateLocked classifies a processor by the summed aged load
// of every vector currently routed to it.
func (t *Tracker) computePcpuIntrRateLocked(p PcpuID) Rate {
	var total Cycles
	for vec := 0; vec < NumVectors; vec++ {
		info := t.vectors[vec]
		if info != nil && info.pcpu == p {
			total += info.load(t.opts.IntrCycleWeight)
		}
	}
	return t.computeIntrRateLocked(total)
}
