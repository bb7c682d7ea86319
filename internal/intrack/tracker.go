package intrack

import (
	"context"
	"sync"
	"time"

	"vmkintr/internal/config"
	"vmkintr/internal/logger"

	"github.com/phuslu/log"
)

// Options are the run-time tunables of the tracker. They may be replaced
// wholesale while the tracker is running (config reload).
type Options struct {
	NumPCPUs            int
	LogicalPerPackage   int
	Policy              RoutingPolicy
	RebalancePeriod     time.Duration
	VectorCacheBonusPct uint32
	MaxLoadPct          uint32
	LowPct              uint32
	MediumPct           uint32
	HighPct             uint32
	ExcessivePct        uint32
	IntrCycleWeight     Cycles
	AllowFakeInterrupts bool
}

// OptionsFromConfig converts the TOML tracker section. The config is assumed
// to have passed Validate.
func OptionsFromConfig(cfg config.TrackerConfig, detectedPCPUs int) Options {
	numPCPUs := cfg.NumPCPUs
	if numPCPUs <= 0 {
		numPCPUs = detectedPCPUs
	}
	if numPCPUs > MaxPCPUs {
		numPCPUs = MaxPCPUs
	}
	policy, err := ParseRoutingPolicy(cfg.RoutingPolicy)
	if err != nil {
		policy = IdleRouting
	}
	return Options{
		NumPCPUs:            numPCPUs,
		LogicalPerPackage:   cfg.LogicalPerPackage,
		Policy:              policy,
		RebalancePeriod:     time.Duration(cfg.RebalancePeriodMS) * time.Millisecond,
		VectorCacheBonusPct: cfg.VectorCacheBonusPct,
		MaxLoadPct:          cfg.MaxLoadPct,
		LowPct:              cfg.LowPct,
		MediumPct:           cfg.MediumPct,
		HighPct:             cfg.HighPct,
		ExcessivePct:        cfg.ExcessivePct,
		IntrCycleWeight:     Cycles(cfg.IntrCycleWeight),
		AllowFakeInterrupts: cfg.AllowFakeInterrupts,
	}
}

// Tracker is the interrupt tracker controller. One lock guards the vector
// table, the idle estimates and the thresholds; it is held across a whole
// rebalance pass. Scheduler usage stats are always snapshotted before the
// lock is taken (the scheduler's accounting lock ranks above ours).
type Tracker struct {
	mu sync.Mutex

	vectors [NumVectors]*vectorInfo

	router VectorRouter
	usage  UsageSource

	opts Options

	// derived each pass from opts
	rebalancePeriodCycles Cycles
	vecCacheAffin         Cycles
	pcpuMaxIntrLoad       Cycles

	intrThresh   [rateMax]Cycles
	pcpuPrevIdle [MaxPCPUs]Cycles
	pcpuAgedIdle [MaxPCPUs]Cycles

	pcpuIntrRates [MaxPCPUs]Rate
	intrOverflows uint64
	lastRand      uint32
	homePcpu      PcpuID // nominal owner of the next tick, round-robined

	fakes map[VectorID]*fakeSource

	log log.Logger
}

// NewTracker builds a tracker with all vectors unmanaged. The router and
// usage source are the hardware and scheduler collaborators.
func NewTracker(opts Options, router VectorRouter, usage UsageSource) *Tracker {
	t := &Tracker{
		router:   router,
		usage:    usage,
		opts:     opts,
		lastRand: randSeed(),
		fakes:    make(map[VectorID]*fakeSource),
		log:      logger.NewLoggerWithContext("intr-tracker"),
	}
	t.rebalancePeriodCycles = durationToCycles(opts.RebalancePeriod)
	t.setupThresholdsLocked(opts.LowPct, opts.MediumPct, opts.HighPct, opts.ExcessivePct)
	return t
}

func durationToCycles(d time.Duration) Cycles {
	return Cycles(d.Nanoseconds())
}

// ApplyOptions swaps in new tunables. Thresholds take effect immediately;
// period-derived values are recomputed on the next pass.
func (t *Tracker) ApplyOptions(opts Options) error {
	if err := validateThresholds(opts.LowPct, opts.MediumPct, opts.HighPct, opts.ExcessivePct); err != nil {
		return err
	}
	if opts.NumPCPUs < 1 || opts.NumPCPUs > MaxPCPUs || opts.LogicalPerPackage < 1 {
		return ErrBadParam
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	thresholdsChanged := opts.LowPct != t.opts.LowPct ||
		opts.MediumPct != t.opts.MediumPct ||
		opts.HighPct != t.opts.HighPct ||
		opts.ExcessivePct != t.opts.ExcessivePct
	t.opts = opts
	t.rebalancePeriodCycles = durationToCycles(opts.RebalancePeriod)
	if thresholdsChanged {
		t.setupThresholdsLocked(opts.LowPct, opts.MediumPct, opts.HighPct, opts.ExcessivePct)
	}
	t.log.Info().
		Str("policy", opts.Policy.String()).
		Dur("period", opts.RebalancePeriod).
		Msg("Tracker options applied")
	return nil
}

// NumPCPUs returns the tracked processor count.
func (t *Tracker) NumPCPUs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opts.NumPCPUs
}

// registerLocked creates the tracker entry on first registration and bumps
// the reference count. New vectors start at the host CPU, which is where the
// chipset routes everything until told otherwise.
func (t *Tracker) registerLocked(vector VectorID, fake bool) {
	info := t.vectors[vector]
	if info == nil {
		info = &vectorInfo{
			vector: vector,
			pcpu:   HostPcpu,
			isFake: fake,
		}
		t.vectors[vector] = info
	}
	info.refCount++
	t.log.Debug().Uint32("vector", uint32(vector)).Int("refCount", info.refCount).Msg("vector registered")
}

// RegisterVector registers a device on this vector that needs balancing.
// Idempotent by reference count.
func (t *Tracker) RegisterVector(vector VectorID) {
	if vector >= NumVectors {
		t.log.Warn().Uint32("vector", uint32(vector)).Msg("register: vector out of range")
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.registerLocked(vector, false)
}

// UnregisterVector drops one registration. When the last reference goes
// away the vector is routed back to the host CPU and its entry is removed.
// A double-unregister is logged, not fatal.
func (t *Tracker) UnregisterVector(vector VectorID) {
	if vector >= NumVectors {
		t.log.Warn().Uint32("vector", uint32(vector)).Msg("unregister: vector out of range")
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	info := t.vectors[vector]
	if info == nil || info.refCount <= 0 {
		t.log.Warn().Uint32("vector", uint32(vector)).Msg("unregistering unknown vector")
		return
	}

	info.refCount--
	t.log.Debug().Uint32("vector", uint32(vector)).Int("refCount", info.refCount).Msg("vector unregistered")

	if info.refCount == 0 {
		info.skip = true
		info.pcpu = HostPcpu
		if !info.isFake {
			if !t.router.SetDestination(vector, HostPcpu) {
				t.log.Warn().Uint32("vector", uint32(vector)).Msg("failed to restore vector to host pcpu")
			}
		}
		t.vectors[vector] = nil
	}
}

// ManualMove redirects a vector to destPcpu and withdraws it from automatic
// management until ResumeAutomaticManagement is called for it.
func (t *Tracker) ManualMove(vector VectorID, destPcpu PcpuID) error {
	if vector < FirstExternalVector || vector >= NumVectors {
		t.log.Warn().Uint32("vector", uint32(vector)).Msg("manual move: vector is invalid")
		return ErrBadParam
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if destPcpu < 0 || int(destPcpu) >= t.opts.NumPCPUs {
		t.log.Warn().Int32("pcpu", int32(destPcpu)).Msg("manual move: destination pcpu is invalid")
		return ErrBadParam
	}

	info := t.vectors[vector]
	if info == nil {
		t.log.Warn().Uint32("vector", uint32(vector)).Msg("manual move: vector not found")
		return ErrNotFound
	}

	if !t.router.SetDestination(vector, destPcpu) {
		t.log.Warn().
			Uint32("vector", uint32(vector)).
			Int32("pcpu", int32(destPcpu)).
			Msg("manual move: hardware reprogram failed")
		return ErrBadParam
	}

	t.log.Info().Uint32("vector", uint32(vector)).Int32("pcpu", int32(destPcpu)).Msg("vector moved manually")
	info.pcpu = destPcpu
	info.skip = true // don't automanage this in the future
	return nil
}

// ResumeAutomaticManagement reinstates rebalancing for a vector that was
// manually moved. The vector must still be registered.
func (t *Tracker) ResumeAutomaticManagement(vector VectorID) error {
	if vector < FirstExternalVector || vector >= NumVectors {
		return ErrBadParam
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	info := t.vectors[vector]
	if info == nil || info.refCount <= 0 {
		t.log.Warn().Uint32("vector", uint32(vector)).Msg("vector could not be auto-managed")
		return ErrNotFound
	}

	// back under management on the next pass
	info.skip = false
	t.log.Info().Uint32("vector", uint32(vector)).Msg("automatic management restored")
	return nil
}

// NotifyHostSharing is called by the IDT layer when the host partition
// starts or stops sharing a vector. While shared we no longer know where the
// vector is really routed. skip is deliberately left alone on the shared
// transition: the sharing state may already be stale by the time we run, and
// the next rebalance recheck happens inside the hardware reprogram anyway.
func (t *Tracker) NotifyHostSharing(vector VectorID, shared bool) {
	if vector >= NumVectors {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	info := t.vectors[vector]
	if info == nil {
		return
	}
	info.pcpu = InvalidPcpu
	if !shared {
		// balancing may start up again
		info.skip = false
	}
}

// CountInterrupt records a delivery of vector on pcpu. Called from the
// interrupt service path; lock-free.
func (t *Tracker) CountInterrupt(vector VectorID, pcpu PcpuID, idle bool) {
	if vector >= NumVectors || pcpu < 0 || pcpu >= MaxPCPUs {
		return
	}
	info := t.vectors[vector]
	if info == nil {
		return
	}
	info.intrCounts[pcpu].Add(1)
	if info.pcpu != pcpu {
		info.remoteForwards.Add(1)
	}
	if idle {
		info.idleDeliveries.Add(1)
	}
}

// AccountSystime credits cycles of interrupt service time for vector to
// pcpu. Single writer per (vector, pcpu): the servicing CPU itself.
// Lock-free, no allocation; safe from the most constrained contexts.
func (t *Tracker) AccountSystime(vector VectorID, pcpu PcpuID, cycles Cycles) {
	if vector < FirstExternalVector || vector >= NumVectors || cycles < 0 {
		return
	}
	if pcpu < 0 || pcpu >= MaxPCPUs {
		return
	}
	info := t.vectors[vector]
	if info != nil {
		info.sysCycles[pcpu].Add(uint64(cycles))
	}
}

// CurrentPCPU returns the processor a vector is currently routed to, or
// InvalidPcpu when unknown, or HostPcpu before registration.
func (t *Tracker) CurrentPCPU(vector VectorID) PcpuID {
	if vector >= NumVectors {
		return InvalidPcpu
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	info := t.vectors[vector]
	if info == nil {
		// this call is sometimes made before RegisterVector
		return HostPcpu
	}
	return info.pcpu
}

// PcpuIntrRate returns the cached classified rate for a processor, as of
// the end of the last rebalance pass.
func (t *Tracker) PcpuIntrRate(p PcpuID) Rate {
	if p < 0 || p >= MaxPCPUs {
		return RateNone
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pcpuIntrRates[p]
}

// Overflows returns the count of absorbed interrupt counter wraparounds.
func (t *Tracker) Overflows() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.intrOverflows
}

// Start runs the rebalance loop until ctx is cancelled. The tick re-arms
// itself for the next nominal processor in round-robin order so the
// rebalance work does not always burden PCPU 0.
func (t *Tracker) Start(ctx context.Context) {
	go t.run(ctx)
}

func (t *Tracker) run(ctx context.Context) {
	t.mu.Lock()
	period := t.opts.RebalancePeriod
	t.mu.Unlock()

	timer := time.NewTimer(period)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			t.log.Debug().Msg("rebalance loop stopped")
			return
		case <-timer.C:
			t.PeriodicRebalance()
			t.mu.Lock()
			period = t.opts.RebalancePeriod
			t.mu.Unlock()
			timer.Reset(period)
		}
	}
}

// PeriodicRebalance executes one control-loop tick under the currently
// configured policy, then advances the nominal home processor.
func (t *Tracker) PeriodicRebalance() {
	t.mu.Lock()
	policy := t.opts.Policy
	numPCPUs := t.opts.NumPCPUs
	t.mu.Unlock()

	switch policy {
	case IdleRouting:
		t.idleRebalanceAll()
	case RandomRouting:
		t.randomRebalanceAll()
	}

	t.mu.Lock()
	if numPCPUs > 0 {
		t.homePcpu = (t.homePcpu + 1) % PcpuID(numPCPUs)
	}
	t.mu.Unlock()
}
