package vmkstats

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Exec runs one admin command line against the sampler.
//
//	start                      resume data collection
//	stop                       suspend data collection
//	reset                      zero all sample counts
//	drain                      force a drain of all per-CPU buffers
//	config <event> [period]    switch sampling event, reset data
//	tagdata <type>             none|world|pcpu|intEnabled|preemptible
//	root <startPC> <endPC>     register a root function (hex PCs)
//	unroot <startPC> <endPC>   unregister a root function
//	unrootall                  clear the root set
func (s *Sampler) Exec(line string) error {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		s.log.Warn().Msg("invalid empty command")
		return ErrBadParam
	}

	switch fields[0] {
	case "start":
		return s.Start()

	case "stop":
		s.Stop()
		return nil

	case "reset":
		s.Reset()
		return nil

	case "drain":
		s.Drain()
		return nil

	case "tagdata":
		if len(fields) != 2 {
			s.log.Warn().Msg("invalid tagdata command: tagdata <type>")
			return ErrBadParam
		}
		mode, err := parseTagMode(fields[1])
		if err != nil {
			s.log.Warn().Str("type", fields[1]).Msg("invalid tagdata type")
			return err
		}
		s.SetTagMode(mode)
		return nil

	case "config":
		if len(fields) != 2 && len(fields) != 3 {
			s.log.Warn().Msg("invalid config command: config <event> [period]")
			return ErrBadParam
		}
		var period uint32
		if len(fields) == 3 {
			v, err := strconv.ParseUint(fields[2], 10, 32)
			if err != nil {
				return ErrBadParam
			}
			period = uint32(v)
		}
		return s.Configure(fields[1], period)

	case "root", "unroot":
		if len(fields) != 3 {
			s.log.Warn().Msg("invalid number of parameters for root command")
			return ErrBadParam
		}
		startPC, err1 := parsePC(fields[1])
		endPC, err2 := parsePC(fields[2])
		if err1 != nil || err2 != nil {
			s.log.Warn().Msg("invalid PC parameters for root command")
			return ErrBadParam
		}
		if fields[0] == "root" {
			return s.AddRoot(startPC, endPC)
		}
		return s.RemoveRoot(startPC, endPC)

	case "unrootall":
		return s.RemoveAllRoots()
	}

	s.log.Warn().Str("command", line).Msg("invalid command")
	return ErrBadParam
}

func parsePC(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	return strconv.ParseUint(s, 16, 64)
}

// Usage describes the command surface; served on GET of the command
// endpoint.
func (s *Sampler) Usage() string {
	var b strings.Builder
	b.WriteString("start\n  Resume data collection.\n\n")
	b.WriteString("stop\n  Suspend data collection.\n\n")
	b.WriteString("reset\n  Zero all sample counts.\n\n")
	b.WriteString("drain\n  Force draining of all per-CPU sample buffers.\n\n")
	b.WriteString("root <startPC> <endPC>\n  Makes the function starting at startPC and ending before endPC into a new 'root'\n")
	b.WriteString("unroot <startPC> <endPC>\n  Removes the root corresponding to the given program counters\n")
	b.WriteString("unrootall\n  Removes all configured roots\n")
	b.WriteString("tagdata <type>\n  Tag stored data based on type (also resets the counters).\n")
	b.WriteString("  Valid types are: none, world, pcpu, intEnabled, preemptible\n\n")
	b.WriteString("config <event>\nconfig <event> <period>\n")
	b.WriteString("  Configure sampling event and period.\n")
	b.WriteString("  Performs reset and stops data collection during config.\n")
	b.WriteString("  Supported <event> types and default <period>:\n\n")
	for _, e := range Events {
		fmt.Fprintf(&b, "  %-18s %d\n", e.Name, e.DefaultPeriod)
	}
	return b.String()
}

// Status renders the profiler state: configuration, lifetime and epoch
// counters, table occupancy, memory use and the configured roots.
func (s *Sampler) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder

	state := "STOPPED"
	if s.running.Load() {
		state = "STARTED"
	}

	now := time.Now()
	elapsedTotal := now.Sub(s.totals.startTime)
	elapsedEpoch := now.Sub(s.epoch.startTime)

	var lostSamples uint64
	if s.period != 0 {
		for i := range s.missedEvents {
			lostSamples += s.missedEvents[i].Load() / uint64(s.period)
		}
	}

	fmt.Fprintf(&b, "profiling:\n")
	fmt.Fprintf(&b, "%12s sampling\n", state)
	fmt.Fprintf(&b, "%12s event\n", s.event)
	fmt.Fprintf(&b, "%12d period\n", s.period)
	fmt.Fprintf(&b, "%12s tagging\n", TagMode(s.tagMode.Load()))

	fmt.Fprintf(&b, "totals:\n")
	fmt.Fprintf(&b, "%12d interrupts\n", s.totals.interrupts.Load())
	fmt.Fprintf(&b, "%12d samples\n", s.totals.samples.Load())
	fmt.Fprintf(&b, "%12d ignored\n", s.totals.ignored.Load())
	fmt.Fprintf(&b, "%12.3f elapsed seconds\n", elapsedTotal.Seconds())

	fmt.Fprintf(&b, "epoch:\n")
	fmt.Fprintf(&b, "%12d interrupts\n", s.epoch.interrupts.Load())
	fmt.Fprintf(&b, "%12d samples\n", s.epoch.samples.Load())
	fmt.Fprintf(&b, "%12d ignored\n", s.epoch.ignored.Load())
	fmt.Fprintf(&b, "%12d lostSamples\n", lostSamples)
	fmt.Fprintf(&b, "%12.3f elapsed seconds\n", elapsedEpoch.Seconds())

	fmt.Fprintf(&b, "%12d total unique samples\n", s.agg.numSamples)
	fmt.Fprintf(&b, "%12d total unique call stacks\n", s.agg.numStacks)
	fmt.Fprintf(&b, "%12d KB total memory used for per cpu buffers\n",
		ringWords*8*len(s.rings)/1024)
	fmt.Fprintf(&b, "%12d KB total memory used for recorded stats\n",
		s.agg.memUsed()/1024)
	fmt.Fprintf(&b, "%12d sample map max capacity\n", len(s.agg.sampleMap))
	fmt.Fprintf(&b, "%12d sample map entries\n", s.agg.numSamples)
	fmt.Fprintf(&b, "%12d call stacks set max capacity\n", len(s.agg.stackMap))
	fmt.Fprintf(&b, "%12d call stacks set entries\n", s.agg.numStacks)
	fmt.Fprintf(&b, "%12d call stacks capacity\n", len(s.agg.arena))
	fmt.Fprintf(&b, "%12d call stacks used\n", s.agg.arenaNext)

	for i := range s.missedEvents {
		var lost uint64
		if s.period != 0 {
			lost = s.missedEvents[i].Load() / uint64(s.period)
		}
		fmt.Fprintf(&b, "%12d pcpu%dLostSamples\n", lost, i)
	}

	fmt.Fprintf(&b, "\nroot pcs:\n")
	for _, r := range s.walker.roots.snapshot() {
		fmt.Fprintf(&b, "0x%016x:0x%016x\n", r.Start, r.End)
	}

	return b.String()
}
