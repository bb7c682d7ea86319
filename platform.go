// platform.go
package main

import (
	"sync/atomic"

	"github.com/phuslu/log"
	"github.com/prometheus/procfs"

	"vmkintr/internal/intrack"
	"vmkintr/internal/logger"
	"vmkintr/internal/vmkstats"
)

// The tracker and sampler hang off hardware hooks (the interrupt
// controller, the scheduler's cycle accounting, the performance counter
// NMI). A userspace build has none of those, so this file supplies the
// stand-ins: a router that records destinations instead of reprogramming
// an IOAPIC, a usage source backed by /proc/stat, and a perf source that
// accepts configuration but delivers no events. An embedded build swaps
// these for the real hooks.

// softRouter accepts every reprogram request and remembers the last
// destination per vector.
type softRouter struct {
	log   log.Logger
	dests [intrack.NumVectors]atomic.Int32
}

func newSoftRouter() *softRouter {
	r := &softRouter{log: logger.NewLoggerWithContext("router")}
	for i := range r.dests {
		r.dests[i].Store(int32(intrack.InvalidPcpu))
	}
	return r
}

func (r *softRouter) SetDestination(vector intrack.VectorID, dest intrack.PcpuID) bool {
	r.dests[vector].Store(int32(dest))
	r.log.Debug().
		Uint32("vector", uint32(vector)).
		Int32("pcpu", int32(dest)).
		Msg("Vector rerouted")
	return true
}

// procfsUsage feeds the tracker per-CPU idle and busy cycle counters
// derived from /proc/stat. Tick figures come back as seconds; one cycle
// is one nanosecond throughout the daemon.
type procfsUsage struct {
	fs  procfs.FS
	log log.Logger
}

func newProcfsUsage() (*procfsUsage, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	return &procfsUsage{fs: fs, log: logger.NewLoggerWithContext("usage")}, nil
}

func secondsToCycles(s float64) intrack.Cycles {
	return intrack.Cycles(s * 1e9)
}

func (u *procfsUsage) PcpuUsageStats(idle, used, overlap []intrack.Cycles) {
	stat, err := u.fs.Stat()
	if err != nil {
		u.log.Warn().Err(err).Msg("Failed to read /proc/stat, usage snapshot skipped")
		return
	}
	for id, cpu := range stat.CPU {
		p := int(id)
		if p < 0 || p >= len(idle) {
			continue
		}
		idle[p] = secondsToCycles(cpu.Idle + cpu.Iowait)
		used[p] = secondsToCycles(cpu.User + cpu.Nice + cpu.System + cpu.IRQ + cpu.SoftIRQ)
		overlap[p] = 0 // no SMT sibling accounting in /proc/stat
	}
}

// softPerf records the requested event and period. Without a counter
// behind it no samples flow; the sampler's command and status surfaces
// still work.
type softPerf struct {
	log log.Logger
}

func newSoftPerf() *softPerf {
	return &softPerf{log: logger.NewLoggerWithContext("perf")}
}

func (p *softPerf) Configure(event string, period uint32) error {
	p.log.Info().Str("event", event).Uint32("period", period).Msg("Perf counter configured")
	return nil
}

func (p *softPerf) SetEnabled(on bool) {
	p.log.Info().Bool("enabled", on).Msg("Perf counter toggled")
}

// nullMemory refuses every read. Frame walks stop at the sample PC,
// which is all a build without kernel address space can do.
type nullMemory struct{}

func (nullMemory) ReadWord(addr uint64) (uint64, bool)         { return 0, false }
func (nullMemory) ReadBytes(addr uint64, n int) ([]byte, bool) { return nil, false }

func nullStackBounds(cpu int, snap vmkstats.Snapshot) vmkstats.Bounds {
	return vmkstats.Bounds{}
}
