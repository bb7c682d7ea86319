package vmkstats

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"vmkintr/internal/logger"

	"github.com/phuslu/log"
)

// TagMode selects the extra datum recorded with every sample, so profiles
// can be split by context.
type TagMode int32

const (
	TagNone TagMode = iota
	TagWorld
	TagPCPU
	TagIntEnabled
	TagPreemptible
)

func (m TagMode) String() string {
	switch m {
	case TagNone:
		return "none"
	case TagWorld:
		return "worldID"
	case TagPCPU:
		return "pcpu"
	case TagIntEnabled:
		return "intEnabled"
	case TagPreemptible:
		return "preemptible"
	default:
		return "unknown"
	}
}

func parseTagMode(s string) (TagMode, error) {
	switch s {
	case "none":
		return TagNone, nil
	case "world":
		return TagWorld, nil
	case "pcpu":
		return TagPCPU, nil
	case "intEnabled":
		return TagIntEnabled, nil
	case "preemptible":
		return TagPreemptible, nil
	}
	return TagNone, ErrBadParam
}

// PerfSource programs the performance counter hardware that generates
// sampling NMIs.
type PerfSource interface {
	Configure(event string, period uint32) error
	SetEnabled(enabled bool)
}

// Event describes one supported sampling event.
type Event struct {
	Name          string
	DefaultPeriod uint32
}

// Events the sampler can be configured for, with default overflow periods.
var Events = []Event{
	{Name: "cycles", DefaultPeriod: 1000000},
	{Name: "unhalted_cycles", DefaultPeriod: 1000000},
	{Name: "instr_retired", DefaultPeriod: 400000},
	{Name: "llc_misses", DefaultPeriod: 10000},
}

func lookupEvent(name string) (Event, bool) {
	for _, e := range Events {
		if e.Name == name {
			return e, true
		}
	}
	return Event{}, false
}

// meta counts sampling activity. Two instances: lifetime totals and the
// current epoch (reset with the data).
type meta struct {
	interrupts atomic.Uint64
	samples    atomic.Uint64
	ignored    atomic.Uint64
	startTime  time.Time
}

func (m *meta) reset() {
	m.interrupts.Store(0)
	m.samples.Store(0)
	m.ignored.Store(0)
	m.startTime = time.Now()
}

// Sampler is the profiler controller: it owns the per-CPU rings, the
// aggregation tables, the root set and the perf-counter configuration.
//
// Sample is the only method callable from NMI context; everything it
// touches is lock-free. All other methods serialize on mu.
type Sampler struct {
	mu sync.Mutex

	perf   PerfSource
	walker *Walker
	stack  func(cpu int, snap Snapshot) Bounds

	rings []*sampleRing
	agg   *aggregator

	// running is false both before Start and after a drain failure;
	// samples arriving while false are counted as ignored
	running     atomic.Bool
	initialized bool

	tagMode atomic.Int32

	event  string
	period uint32

	totals meta
	epoch  meta

	missedEvents []atomic.Uint64

	pool      *ants.Pool
	drainTask func()

	log log.Logger
}

// Options configure a Sampler.
type Options struct {
	NumCPUs      int
	Text         Bounds
	Memory       Memory
	Perf         PerfSource
	DefaultEvent string

	// StackBounds reports the valid stack range of the context a CPU
	// was interrupted in. Walks are confined to it.
	StackBounds func(cpu int, snap Snapshot) Bounds
}

// NewSampler builds a stopped sampler. Ring memory is allocated lazily on
// the first Start.
func NewSampler(opts Options) (*Sampler, error) {
	lg := logger.NewLoggerWithContext("vmkstats")

	event := opts.DefaultEvent
	if event == "" {
		event = "cycles"
	}
	ev, ok := lookupEvent(event)
	if !ok {
		return nil, ErrBadParam
	}

	s := &Sampler{
		perf:         opts.Perf,
		walker:       NewWalker(opts.Memory, opts.Text),
		stack:        opts.StackBounds,
		agg:          newAggregator(lg),
		event:        ev.Name,
		period:       ev.DefaultPeriod,
		missedEvents: make([]atomic.Uint64, opts.NumCPUs),
		rings:        make([]*sampleRing, opts.NumCPUs),
		log:          lg,
	}
	s.drainTask = s.drainAll
	s.totals.startTime = time.Now()
	s.epoch.startTime = s.totals.startTime

	if err := s.perf.Configure(s.event, s.period); err != nil {
		return nil, err
	}
	return s, nil
}

// Sample records one NMI on cpu. Safe from the most constrained context:
// no locks, no allocation, no blocking. Non-kernel sources are recorded
// under placeholder PCs with empty stacks.
func (s *Sampler) Sample(cpu int, snap Snapshot) {
	if cpu < 0 || cpu >= len(s.rings) {
		return
	}

	s.totals.interrupts.Add(1)
	s.epoch.interrupts.Add(1)

	if !s.running.Load() {
		s.totals.ignored.Add(1)
		s.epoch.ignored.Add(1)
		return
	}

	ring := s.rings[cpu]
	if ring == nil {
		return
	}

	s.totals.samples.Add(1)
	s.epoch.samples.Add(1)

	var pc uint64
	switch snap.Source {
	case SourceKernel:
		pc = snap.PC
	case SourceUser:
		pc = PlaceholderUser
	case SourceCOSKernel:
		pc = PlaceholderCOSKernel
	case SourceCOSUser:
		pc = PlaceholderCOSUser
	default:
		return
	}

	var tag uint64
	switch TagMode(s.tagMode.Load()) {
	case TagWorld:
		tag = uint64(snap.WorldID)
	case TagPCPU:
		tag = uint64(cpu)
	case TagIntEnabled:
		if snap.IntEnabled() {
			tag = 1
		}
	case TagPreemptible:
		if snap.Preemptible {
			tag = 1
		}
	}

	var frames [MaxCallDepth]uint64
	var stack []uint64
	// a root PC is itself a logical entry point, nothing above it counts
	if snap.Source == SourceKernel && !s.walker.roots.contains(pc) {
		n := s.walker.Walk(snap, s.stack(cpu, snap), frames[:])
		stack = frames[:n]
	}

	_, wantDrain := ring.tryPut(pc, tag, stack)
	if wantDrain {
		// ok if the pool is saturated: the NMI handler keeps kicking
		_ = s.pool.Submit(s.drainTask)
	}
}

// RecordMissedEvent accounts a perf-counter event that fired while sampling
// NMIs were masked on cpu.
func (s *Sampler) RecordMissedEvent(cpu int, events uint64) {
	if cpu >= 0 && cpu < len(s.missedEvents) {
		s.missedEvents[cpu].Add(events)
	}
}

// drainAll empties every ring that asked for draining. Runs on the single
// drain worker. A drain error permanently suspends collection rather than
// risk corrupt aggregates.
func (s *Sampler) drainAll() {
	for cpu, ring := range s.rings {
		if ring == nil || !ring.drainRequested.Load() {
			continue
		}
		s.mu.Lock()
		if err := s.drainRing(ring); err != nil {
			s.running.Store(false)
			s.log.Warn().Err(err).Int("cpu", cpu).
				Msg("unable to drain sample buffer, data collection suspended")
		}
		ring.drainRequested.Store(false)
		s.mu.Unlock()
	}
}

// drainRing folds one ring's records into the aggregate tables. Caller
// holds mu.
func (s *Sampler) drainRing(ring *sampleRing) error {
	if ring.stalledOnWrite.Swap(false) {
		s.log.Debug().Msg("sample buffer stalled waiting to be drained")
	}

	entriesDrained := 0
	for {
		pc, tag, stack, ok, err := ring.next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if entriesDrained > ringWords {
			return ErrCorruptBuffer
		}

		if s.walker.inText(pc) || isPlaceholder(pc) {
			stackIndex := s.agg.findInsertStack(stack)
			s.agg.incSample(pc, stackIndex, uint32(tag))
		}

		ring.advance(len(stack))
		entriesDrained++
	}
}

func isPlaceholder(pc uint64) bool {
	return pc == PlaceholderUser || pc == PlaceholderCOSKernel || pc == PlaceholderCOSUser
}

// Start allocates sampling state on first use, enables the perf counters
// and begins recording.
func (s *Sampler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		s.log.Warn().Msg("sampler already active, not changing")
		return ErrRunning
	}

	if !s.initialized {
		for i := range s.rings {
			s.rings[i] = newSampleRing()
		}
		pool, err := ants.NewPool(1, ants.WithNonblocking(true))
		if err != nil {
			return err
		}
		s.pool = pool
		s.initialized = true
	}

	s.perf.SetEnabled(true)
	s.running.Store(true)
	s.log.Info().Str("event", s.event).Uint32("period", s.period).Msg("sampling started")
	return nil
}

// Stop suspends recording and disables the perf counters. Collected data
// stays readable.
func (s *Sampler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running.Store(false)
	s.perf.SetEnabled(false)
	s.log.Info().Msg("sampling stopped")
}

// Reset zeroes all sample counts and ring state and starts a new epoch.
// Interned call stacks survive; they are content-addressed.
func (s *Sampler) Reset() {
	wasRunning := s.running.Swap(false)

	s.mu.Lock()
	s.agg.reset()
	for _, ring := range s.rings {
		if ring != nil {
			ring.reset()
		}
	}
	for i := range s.missedEvents {
		s.missedEvents[i].Store(0)
	}
	s.mu.Unlock()

	s.running.Store(wasRunning)
	s.epoch.reset()
	s.log.Debug().Msg("sample data reset")
}

// Configure switches the sampling event and period. The sampler must be
// stopped; the collected data is reset because samples from different
// events cannot be mixed.
func (s *Sampler) Configure(eventName string, period uint32) error {
	if s.running.Load() {
		s.log.Warn().Msg("must stop stats collection in order to reconfigure")
		return ErrRunning
	}

	ev, ok := lookupEvent(eventName)
	if !ok {
		return ErrBadParam
	}
	if period == 0 {
		period = ev.DefaultPeriod
	}

	if err := s.perf.Configure(ev.Name, period); err != nil {
		return err
	}

	s.mu.Lock()
	s.event = ev.Name
	s.period = period
	s.mu.Unlock()

	s.Reset()
	return nil
}

// SetTagMode changes what extra datum is recorded per sample. Changing the
// mode resets collected data since tags from different modes cannot be
// compared.
func (s *Sampler) SetTagMode(mode TagMode) {
	old := TagMode(s.tagMode.Swap(int32(mode)))
	if old != mode {
		s.Reset()
	}
}

// AddRoot registers [startPC, endPC) as a root function. Rejected while
// sampling is active.
func (s *Sampler) AddRoot(startPC, endPC uint64) error {
	if s.running.Load() {
		return ErrRunning
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.walker.roots.add(startPC, endPC); err != nil {
		return err
	}
	s.log.Info().
		Uint64("startPC", startPC).
		Uint64("endPC", endPC).
		Int("roots", len(s.walker.roots.roots)).
		Msg("root added")
	return nil
}

// RemoveRoot unregisters a root range.
func (s *Sampler) RemoveRoot(startPC, endPC uint64) error {
	if s.running.Load() {
		return ErrRunning
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.walker.roots.remove(startPC, endPC)
}

// RemoveAllRoots clears the root set.
func (s *Sampler) RemoveAllRoots() error {
	if s.running.Load() {
		return ErrRunning
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.Info().Msg("removing all configured roots")
	s.walker.roots.removeAll()
	return nil
}

// Drain forces a drain pass over every ring regardless of fill level.
func (s *Sampler) Drain() {
	for _, ring := range s.rings {
		if ring != nil {
			ring.drainRequested.Store(true)
		}
	}
	if s.pool != nil {
		_ = s.pool.Submit(s.drainTask)
	}
}

// Samples exports the aggregated buckets. The sampler must be stopped so
// the tables are not mutating underneath the copy.
func (s *Sampler) Samples() ([]SampleRecord, error) {
	if s.running.Load() {
		return nil, ErrRunning
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agg.exportSamples(), nil
}

// CallStack exports one interned stack by index.
func (s *Sampler) CallStack(index int32) ([]uint64, error) {
	if s.running.Load() {
		return nil, ErrRunning
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agg.exportStack(index)
}

// Running reports whether samples are currently being recorded.
func (s *Sampler) Running() bool {
	return s.running.Load()
}

// Close releases the drain worker.
func (s *Sampler) Close() {
	s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		// the pool pointer stays set so a late Sample cannot race a nil
		s.pool.Release()
	}
}
