package intrack

import (
	"sync"
	"time"
)

// fakeSource synthesizes a periodic interrupt load on a vector so routing
// behavior can be exercised without real devices. Each firing accounts
// runDuration of service time to the vector's current destination, counts
// one delivery, then re-arms after waitDuration with up to ±10% jitter.
type fakeSource struct {
	tracker *Tracker
	vector  VectorID

	runDuration  time.Duration
	waitDuration time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
	rand    uint32
}

func (f *fakeSource) fire() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.rand = fastRand(f.rand)
	jitter := f.rand
	f.mu.Unlock()

	pcpu := f.tracker.CurrentPCPU(f.vector)
	if pcpu == InvalidPcpu {
		pcpu = HostPcpu
	}
	f.tracker.CountInterrupt(f.vector, pcpu, false)
	f.tracker.AccountSystime(f.vector, pcpu, durationToCycles(f.runDuration))

	// jitter the next firing by up to 10% either way so fake sources do
	// not all beat in lockstep
	wait := f.waitDuration
	tenth := wait / 10
	if span := uint32(2 * tenth); span > 0 {
		offset := time.Duration(jitter % span)
		wait = wait - tenth + offset
	}

	f.mu.Lock()
	if !f.stopped {
		f.timer = time.AfterFunc(wait, f.fire)
	}
	f.mu.Unlock()
}

func (f *fakeSource) stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	if f.timer != nil {
		f.timer.Stop()
	}
}

// AddFake installs a synthetic interrupt source that pretends to consume
// run of service time every wait interval. Fails if the vector already has
// a real registration or a fake, or if fakes are disabled by config.
func (t *Tracker) AddFake(vector VectorID, run, wait time.Duration) error {
	if vector < FirstExternalVector || vector >= NumVectors || run <= 0 || wait <= 0 {
		return ErrBadParam
	}

	t.mu.Lock()
	if !t.opts.AllowFakeInterrupts {
		t.mu.Unlock()
		return ErrBadParam
	}
	if t.vectors[vector] != nil || t.fakes[vector] != nil {
		t.mu.Unlock()
		t.log.Warn().Uint32("vector", uint32(vector)).Msg("fake interrupt: vector already in use")
		return ErrNoResources
	}
	t.registerLocked(vector, true)
	t.lastRand = fastRand(t.lastRand)
	f := &fakeSource{
		tracker:      t,
		vector:       vector,
		runDuration:  run,
		waitDuration: wait,
		rand:         t.lastRand,
	}
	t.fakes[vector] = f
	t.mu.Unlock()

	t.log.Info().
		Uint32("vector", uint32(vector)).
		Dur("run", run).
		Dur("wait", wait).
		Msg("fake interrupt source installed")

	f.mu.Lock()
	f.timer = time.AfterFunc(wait, f.fire)
	f.mu.Unlock()
	return nil
}

// RemoveFake stops and unregisters a synthetic source.
func (t *Tracker) RemoveFake(vector VectorID) error {
	if vector >= NumVectors {
		return ErrBadParam
	}
	t.mu.Lock()
	f := t.fakes[vector]
	delete(t.fakes, vector)
	t.mu.Unlock()

	if f == nil {
		return ErrNotFound
	}
	f.stop()
	t.UnregisterVector(vector)
	t.log.Info().Uint32("vector", uint32(vector)).Msg("fake interrupt source removed")
	return nil
}

// StopAllFakes removes every synthetic source; used at shutdown and by the
// admin "fake stop" command.
func (t *Tracker) StopAllFakes() {
	t.mu.Lock()
	fakes := make([]*fakeSource, 0, len(t.fakes))
	for _, f := range t.fakes {
		fakes = append(fakes, f)
	}
	t.fakes = make(map[VectorID]*fakeSource)
	t.mu.Unlock()

	for _, f := range fakes {
		f.stop()
		t.UnregisterVector(f.vector)
	}
}
