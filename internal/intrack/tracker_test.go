package intrack

import (
	"errors"
	"strings"
	"testing"
	"time"
)

// recordRouter remembers every reprogram and can be told to refuse them.
type recordRouter struct {
	dests map[VectorID]PcpuID
	fail  bool
}

func newRecordRouter() *recordRouter {
	return &recordRouter{dests: make(map[VectorID]PcpuID)}
}

func (r *recordRouter) SetDestination(vector VectorID, dest PcpuID) bool {
	if r.fail {
		return false
	}
	r.dests[vector] = dest
	return true
}

// stubUsage hands back fixed idle readings; used and overlap stay zero so
// the aged idle estimate is simply idle/2 after the first pass.
type stubUsage struct {
	idle []Cycles
}

func (s *stubUsage) PcpuUsageStats(idle, used, overlap []Cycles) {
	copy(idle, s.idle)
	for i := range used[:len(s.idle)] {
		used[i] = 0
		overlap[i] = 0
	}
}

func testOptions(numPCPUs int) Options {
	return Options{
		NumPCPUs:            numPCPUs,
		LogicalPerPackage:   1,
		Policy:              IdleRouting,
		RebalancePeriod:     10 * time.Microsecond,
		VectorCacheBonusPct: 0,
		MaxLoadPct:          20,
		LowPct:              4,
		MediumPct:           12,
		HighPct:             30,
		ExcessivePct:        65,
		IntrCycleWeight:     0,
	}
}

func newTestTracker(t *testing.T, numPCPUs int, idle []Cycles) (*Tracker, *recordRouter) {
	t.Helper()
	router := newRecordRouter()
	tr := NewTracker(testOptions(numPCPUs), router, &stubUsage{idle: idle})
	return tr, router
}

func TestRegisterUnregisterRefCount(t *testing.T) {
	tr, router := newTestTracker(t, 4, make([]Cycles, 4))

	tr.RegisterVector(0x20)
	tr.RegisterVector(0x20)
	if got := tr.CurrentPCPU(0x20); got != HostPcpu {
		t.Fatalf("CurrentPCPU after register = %d, want %d", got, HostPcpu)
	}

	tr.UnregisterVector(0x20)
	if tr.vectors[0x20] == nil {
		t.Fatal("vector entry removed while a registration remains")
	}

	tr.UnregisterVector(0x20)
	if tr.vectors[0x20] != nil {
		t.Fatal("vector entry not removed on last unregister")
	}
	if dest, ok := router.dests[0x20]; !ok || dest != HostPcpu {
		t.Fatalf("vector not routed back to host pcpu, dests=%v", router.dests)
	}

	// double unregister is a logged no-op
	tr.UnregisterVector(0x20)
}

func TestCurrentPCPUBeforeRegistration(t *testing.T) {
	tr, _ := newTestTracker(t, 4, make([]Cycles, 4))
	if got := tr.CurrentPCPU(0x30); got != HostPcpu {
		t.Fatalf("CurrentPCPU unregistered = %d, want %d", got, HostPcpu)
	}
	if got := tr.CurrentPCPU(NumVectors + 1); got != InvalidPcpu {
		t.Fatalf("CurrentPCPU out of range = %d, want %d", got, InvalidPcpu)
	}
}

func TestValidateThresholds(t *testing.T) {
	tests := []struct {
		name                      string
		low, medium, high, excess uint32
		wantErr                   bool
	}{
		{"defaults", 4, 12, 30, 65, false},
		{"all equal", 10, 10, 10, 10, false},
		{"zero", 0, 0, 0, 0, false},
		{"full scale", 25, 50, 75, 100, false},
		{"low above medium", 13, 12, 30, 65, true},
		{"medium above high", 4, 31, 30, 65, true},
		{"high above excessive", 4, 12, 66, 65, true},
		{"excessive above 100", 4, 12, 30, 101, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateThresholds(tt.low, tt.medium, tt.high, tt.excess)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateThresholds() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestComputeIntrRate(t *testing.T) {
	tr, _ := newTestTracker(t, 4, make([]Cycles, 4))
	// period 10us = 10000 cycles, so one percent is 100 cycles and the
	// default thresholds land at 400/1200/3000/6500
	tests := []struct {
		name string
		load Cycles
		want Rate
	}{
		{"zero", 0, RateNone},
		{"just below low", 399, RateNone},
		{"at low threshold", 400, RateLow},
		{"mid band", 1199, RateLow},
		{"at medium", 1200, RateMedium},
		{"at high", 3000, RateHigh},
		{"at excessive", 6500, RateExcessive},
		{"beyond all", 100000, RateExcessive},
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tr.computeIntrRateLocked(tt.load); got != tt.want {
				t.Errorf("computeIntrRateLocked(%d) = %v, want %v", tt.load, got, tt.want)
			}
		})
	}
}

func TestIdleRebalanceSpreadsLoad(t *testing.T) {
	// Four processors. PCPU 0 has the least idle headroom; 1..3 are
	// equally idle. Vector A carries enough load to hit the per-PCPU cap
	// by itself, so vector B must land on the next idle processor.
	idle := []Cycles{10000, 18000, 18000, 18000}
	tr, router := newTestTracker(t, 4, idle)

	tr.RegisterVector(0x20) // A
	tr.RegisterVector(0x21) // B

	// after one halving pass A's aged load is 2000 (exactly the cap:
	// 10000 cycles * 20% / 1 logical) and B's is 100
	tr.AccountSystime(0x20, HostPcpu, 4000)
	tr.AccountSystime(0x21, HostPcpu, 200)

	tr.idleRebalanceAll()

	if got := tr.CurrentPCPU(0x20); got != 1 {
		t.Errorf("vector A routed to %d, want 1", got)
	}
	if got := tr.CurrentPCPU(0x21); got != 2 {
		t.Errorf("vector B routed to %d, want 2", got)
	}
	if router.dests[0x20] != 1 || router.dests[0x21] != 2 {
		t.Errorf("hardware not reprogrammed to match: %v", router.dests)
	}
}

func TestRebalanceDiscountsLoadTakenThisPass(t *testing.T) {
	// Two vectors on PCPU 0, idle estimates [5000, 9000, 9000, 9000],
	// cap 2000, no affinity bonus. A (load 1000) lands on PCPU 1. When B
	// (load 100) is processed, PCPU 1 still has cap headroom, but its
	// idle time net of A's load (8000) is below PCPU 2's untouched 9000,
	// so B must go to PCPU 2 rather than pile onto PCPU 1.
	tr, router := newTestTracker(t, 4, make([]Cycles, 4))
	tr.RegisterVector(0x20) // A
	tr.RegisterVector(0x21) // B
	a := tr.vectors[0x20]
	b := tr.vectors[0x21]
	a.agedSysCycles = 1000
	b.agedSysCycles = 100

	tr.mu.Lock()
	tr.pcpuMaxIntrLoad = 2000
	tr.vecCacheAffin = 0
	copy(tr.pcpuAgedIdle[:], []Cycles{5000, 9000, 9000, 9000})
	taken := make([]Cycles, 4)
	tr.rebalanceVectorLocked(a, taken)
	tr.rebalanceVectorLocked(b, taken)
	tr.mu.Unlock()

	if a.pcpu != 1 {
		t.Errorf("vector A routed to %d, want 1", a.pcpu)
	}
	if b.pcpu != 2 {
		t.Errorf("vector B routed to %d, want 2", b.pcpu)
	}
	want := []Cycles{0, 1000, 100, 0}
	for p, w := range want {
		if taken[p] != w {
			t.Errorf("taken[%d] = %d, want %d", p, taken[p], w)
		}
	}
	if router.dests[0x20] != 1 || router.dests[0x21] != 2 {
		t.Errorf("hardware not reprogrammed to match: %v", router.dests)
	}
}

func TestIdleRebalanceCacheAffinityKeepsVectorHome(t *testing.T) {
	// With the bonus in play, a marginally more idle processor must not
	// steal the vector from its current home.
	idle := []Cycles{10000, 10400, 10000, 10000}
	tr, _ := newTestTracker(t, 4, idle)
	opts := testOptions(4)
	opts.VectorCacheBonusPct = 5 // 500 cycles on a 10000-cycle period
	if err := tr.ApplyOptions(opts); err != nil {
		t.Fatal(err)
	}

	tr.RegisterVector(0x20)
	tr.AccountSystime(0x20, HostPcpu, 200)
	tr.idleRebalanceAll()

	// pcpu 0 scores 5000+500, pcpu 1 only 5200
	if got := tr.CurrentPCPU(0x20); got != HostPcpu {
		t.Errorf("vector moved to %d despite affinity bonus", got)
	}
}

func TestRebalanceAllSaturatedStaysPut(t *testing.T) {
	tr, router := newTestTracker(t, 2, []Cycles{10000, 10000})
	tr.RegisterVector(0x20)
	info := tr.vectors[0x20]

	tr.mu.Lock()
	tr.pcpuMaxIntrLoad = 2000
	tr.pcpuAgedIdle[0] = 5000
	tr.pcpuAgedIdle[1] = 9000
	taken := []Cycles{2000, 2000} // every processor already at the cap
	tr.rebalanceVectorLocked(info, taken)
	tr.mu.Unlock()

	if info.pcpu != HostPcpu {
		t.Errorf("saturated pass moved vector to %d", info.pcpu)
	}
	if info.skip {
		t.Error("saturated pass marked vector as skipped")
	}
	if len(router.dests) != 0 {
		t.Errorf("router reprogrammed during saturated pass: %v", router.dests)
	}
}

func TestManualMoveSuspendsAutomaticManagement(t *testing.T) {
	idle := []Cycles{0, 18000, 18000, 4000}
	tr, _ := newTestTracker(t, 4, idle)

	tr.RegisterVector(0x20)
	if err := tr.ManualMove(0x20, 3); err != nil {
		t.Fatal(err)
	}
	if got := tr.CurrentPCPU(0x20); got != 3 {
		t.Fatalf("manual move routed to %d, want 3", got)
	}

	tr.AccountSystime(0x20, 3, 4000)
	tr.idleRebalanceAll()
	if got := tr.CurrentPCPU(0x20); got != 3 {
		t.Errorf("rebalance moved a manually placed vector to %d", got)
	}

	if err := tr.ResumeAutomaticManagement(0x20); err != nil {
		t.Fatal(err)
	}
	tr.idleRebalanceAll()
	if got := tr.CurrentPCPU(0x20); got == 3 {
		t.Error("vector never rebalanced after automatic management resumed")
	}
}

func TestManualMoveErrors(t *testing.T) {
	tr, router := newTestTracker(t, 4, make([]Cycles, 4))
	tr.RegisterVector(0x20)

	tests := []struct {
		name    string
		vector  VectorID
		pcpu    PcpuID
		fail    bool
		wantErr error
	}{
		{"reserved vector", 0x10, 1, false, ErrBadParam},
		{"vector out of range", NumVectors, 1, false, ErrBadParam},
		{"pcpu out of range", 0x20, 4, false, ErrBadParam},
		{"negative pcpu", 0x20, -1, false, ErrBadParam},
		{"unregistered vector", 0x21, 1, false, ErrNotFound},
		{"reprogram refused", 0x20, 1, true, ErrBadParam},
		{"ok", 0x20, 1, false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router.fail = tt.fail
			err := tr.ManualMove(tt.vector, tt.pcpu)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ManualMove(%#x, %d) = %v, want %v", tt.vector, tt.pcpu, err, tt.wantErr)
			}
		})
	}
}

func TestResumeAutomaticManagementRequiresRegistration(t *testing.T) {
	tr, _ := newTestTracker(t, 4, make([]Cycles, 4))
	if err := tr.ResumeAutomaticManagement(0x20); !errors.Is(err, ErrNotFound) {
		t.Errorf("ResumeAutomaticManagement on unregistered vector = %v, want %v", err, ErrNotFound)
	}
}

func TestHostSharing(t *testing.T) {
	tr, _ := newTestTracker(t, 4, make([]Cycles, 4))
	tr.RegisterVector(0x20)

	tr.NotifyHostSharing(0x20, true)
	if got := tr.CurrentPCPU(0x20); got != InvalidPcpu {
		t.Fatalf("CurrentPCPU while shared = %d, want %d", got, InvalidPcpu)
	}

	tr.NotifyHostSharing(0x20, false)
	if tr.vectors[0x20].skip {
		t.Error("vector still skipped after sharing ended")
	}
	// destination stays unknown until the next rebalance pass
	if got := tr.CurrentPCPU(0x20); got != InvalidPcpu {
		t.Errorf("CurrentPCPU after sharing ended = %d, want %d", got, InvalidPcpu)
	}
}

func TestWraparoundSkipsUpdate(t *testing.T) {
	tr, _ := newTestTracker(t, 2, []Cycles{10000, 10000})
	tr.RegisterVector(0x20)

	info := tr.vectors[0x20]
	info.intrCounts[HostPcpu].Store(5)
	info.prevInterrupts = 10 // counter wrapped since last pass

	tr.mu.Lock()
	tr.computeVectorCyclesLocked()
	tr.mu.Unlock()

	if info.agedInterrupts != 0 {
		t.Errorf("agedInterrupts = %d after wrapped counter, want 0", info.agedInterrupts)
	}
	if got := tr.Overflows(); got != 1 {
		t.Errorf("Overflows() = %d, want 1", got)
	}
	if info.prevInterrupts != 10 {
		t.Errorf("prevInterrupts rewritten to %d on skipped update", info.prevInterrupts)
	}
}

func TestVectorAging(t *testing.T) {
	tr, _ := newTestTracker(t, 2, []Cycles{10000, 10000})
	tr.RegisterVector(0x20)

	tr.AccountSystime(0x20, HostPcpu, 1000)
	tr.CountInterrupt(0x20, HostPcpu, false)
	tr.CountInterrupt(0x20, HostPcpu, false)

	info := tr.vectors[0x20]
	tr.mu.Lock()
	tr.computeVectorCyclesLocked()
	if info.agedSysCycles != 500 || info.agedInterrupts != 1 {
		t.Errorf("first pass aged = (%d, %d), want (500, 1)", info.agedSysCycles, info.agedInterrupts)
	}
	// no new activity: the aged values decay toward zero
	tr.computeVectorCyclesLocked()
	tr.mu.Unlock()
	if info.agedSysCycles != 250 {
		t.Errorf("second pass agedSysCycles = %d, want 250", info.agedSysCycles)
	}
}

func TestIdleAging(t *testing.T) {
	usage := &stubUsage{idle: []Cycles{8000, 0}}
	tr := NewTracker(testOptions(2), newRecordRouter(), usage)

	tr.idleRebalanceAll()
	if got := tr.pcpuAgedIdle[0]; got != 4000 {
		t.Fatalf("aged idle after first pass = %d, want 4000", got)
	}

	// steady state: same reading again means zero diff, so the estimate
	// halves
	tr.idleRebalanceAll()
	if got := tr.pcpuAgedIdle[0]; got != 2000 {
		t.Errorf("aged idle after steady pass = %d, want 2000", got)
	}
}

func TestRandomRebalanceDeterministic(t *testing.T) {
	tr, router := newTestTracker(t, 4, make([]Cycles, 4))
	opts := testOptions(4)
	opts.Policy = RandomRouting
	if err := tr.ApplyOptions(opts); err != nil {
		t.Fatal(err)
	}

	tr.RegisterVector(0x20)
	tr.RegisterVector(0x21)
	tr.lastRand = 12345

	want20 := PcpuID(fastRand(12345) % 4)
	want21 := PcpuID(fastRand(fastRand(12345)) % 4)
	tr.randomRebalanceAll()

	if got := tr.CurrentPCPU(0x20); got != want20 {
		t.Errorf("vector 0x20 routed to %d, want %d", got, want20)
	}
	if got := tr.CurrentPCPU(0x21); got != want21 {
		t.Errorf("vector 0x21 routed to %d, want %d", got, want21)
	}
	if len(router.dests) != 2 {
		t.Errorf("router saw %d moves, want 2", len(router.dests))
	}
}

func TestRemoteForwardAndIdleCounters(t *testing.T) {
	tr, _ := newTestTracker(t, 4, make([]Cycles, 4))
	tr.RegisterVector(0x20)

	tr.CountInterrupt(0x20, HostPcpu, false) // at home
	tr.CountInterrupt(0x20, 2, false)        // remote
	tr.CountInterrupt(0x20, 2, true)         // remote and idle

	info := tr.vectors[0x20]
	if got := info.remoteForwards.Load(); got != 2 {
		t.Errorf("remoteForwards = %d, want 2", got)
	}
	if got := info.idleDeliveries.Load(); got != 1 {
		t.Errorf("idleDeliveries = %d, want 1", got)
	}
}

func TestExecCommands(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantErr bool
	}{
		{"move ok", "move 20 1", false},
		{"move 0x prefix", "move 0x20 2", false},
		{"move missing arg", "move 20", true},
		{"move bad vector", "move zz 1", true},
		{"move bad pcpu", "move 20 x", true},
		{"automate ok", "automate 20", false},
		{"thresh ok", "thresh 4 12 30 65", false},
		{"thresh unordered", "thresh 30 12 4 65", true},
		{"thresh short", "thresh 4 12", true},
		{"stop without fake", "stop 21", true},
		{"unknown verb", "frobnicate 20", true},
		{"empty", "   ", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _ := newTestTracker(t, 4, make([]Cycles, 4))
			tr.RegisterVector(0x20)
			err := tr.Exec(tt.line)
			if (err != nil) != tt.wantErr {
				t.Errorf("Exec(%q) error = %v, wantErr %v", tt.line, err, tt.wantErr)
			}
		})
	}
}

func TestFakeInterruptSources(t *testing.T) {
	tr, _ := newTestTracker(t, 4, make([]Cycles, 4))
	opts := testOptions(4)
	opts.AllowFakeInterrupts = true
	if err := tr.ApplyOptions(opts); err != nil {
		t.Fatal(err)
	}

	if err := tr.AddFake(0x40, 100*time.Microsecond, time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := tr.AddFake(0x40, 100*time.Microsecond, time.Hour); !errors.Is(err, ErrNoResources) {
		t.Errorf("duplicate AddFake = %v, want %v", err, ErrNoResources)
	}

	tr.RegisterVector(0x41)
	if err := tr.AddFake(0x41, 100*time.Microsecond, time.Hour); !errors.Is(err, ErrNoResources) {
		t.Errorf("AddFake on live vector = %v, want %v", err, ErrNoResources)
	}

	if err := tr.RemoveFake(0x40); err != nil {
		t.Fatal(err)
	}
	if tr.vectors[0x40] != nil {
		t.Error("fake vector entry still present after removal")
	}
	if err := tr.RemoveFake(0x40); !errors.Is(err, ErrNotFound) {
		t.Errorf("double RemoveFake = %v, want %v", err, ErrNotFound)
	}
}

func TestRegisterKeepsFakeFlag(t *testing.T) {
	// A device registering on a vector that already carries a synthetic
	// source must not turn it into a hardware-routed vector: the fake
	// timer keeps firing, so moves must stay software-only.
	tr, router := newTestTracker(t, 4, make([]Cycles, 4))
	opts := testOptions(4)
	opts.AllowFakeInterrupts = true
	if err := tr.ApplyOptions(opts); err != nil {
		t.Fatal(err)
	}

	if err := tr.AddFake(0x40, 100*time.Microsecond, time.Hour); err != nil {
		t.Fatal(err)
	}
	tr.RegisterVector(0x40)
	if !tr.vectors[0x40].isFake {
		t.Fatal("registration cleared the fake flag")
	}

	tr.mu.Lock()
	tr.pcpuMaxIntrLoad = 2000
	copy(tr.pcpuAgedIdle[:], []Cycles{1000, 9000, 1000, 1000})
	tr.rebalanceVectorLocked(tr.vectors[0x40], make([]Cycles, 4))
	tr.mu.Unlock()

	if got := tr.CurrentPCPU(0x40); got != 1 {
		t.Errorf("fake vector routed to %d, want 1", got)
	}
	if len(router.dests) != 0 {
		t.Errorf("hardware reprogrammed for a synthetic source: %v", router.dests)
	}
}

func TestFakeDisabledByConfig(t *testing.T) {
	tr, _ := newTestTracker(t, 4, make([]Cycles, 4))
	if err := tr.AddFake(0x40, time.Millisecond, time.Hour); !errors.Is(err, ErrBadParam) {
		t.Errorf("AddFake while disabled = %v, want %v", err, ErrBadParam)
	}
}

func TestStatusRendersManagedVectors(t *testing.T) {
	tr, _ := newTestTracker(t, 2, make([]Cycles, 2))
	tr.RegisterVector(0x20)
	out := tr.Status()
	for _, want := range []string{"0x20", "policy: idle", "agedIdle", "home pcpu: 0"} {
		if !strings.Contains(out, want) {
			t.Errorf("Status() missing %q:\n%s", want, out)
		}
	}
}

func TestHomePcpuRoundRobin(t *testing.T) {
	tr, _ := newTestTracker(t, 4, make([]Cycles, 4))

	tr.PeriodicRebalance()
	tr.PeriodicRebalance()
	tr.mu.Lock()
	home := tr.homePcpu
	tr.mu.Unlock()
	if home != 2 {
		t.Fatalf("homePcpu = %d after two ticks, want 2", home)
	}
	if out := tr.Status(); !strings.Contains(out, "home pcpu: 2") {
		t.Errorf("Status() does not render the home pcpu:\n%s", out)
	}

	// wraps back to 0 after a full rotation
	tr.PeriodicRebalance()
	tr.PeriodicRebalance()
	tr.mu.Lock()
	home = tr.homePcpu
	tr.mu.Unlock()
	if home != 0 {
		t.Fatalf("homePcpu = %d after four ticks, want 0", home)
	}
}
