package intrack

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Exec runs one admin command line against the tracker. Vectors are hex
// (with or without a 0x prefix), matching how they appear in status output.
//
//	move <vector> <pcpu>         route vector manually, suspend automanage
//	automate <vector>            resume automatic management
//	thresh <low> <med> <high> <excessive>
//	fake <vector> <runUs> <waitUs>
//	fake stop                    remove all fake sources
//	stop <vector>                remove one fake source
//	unfake <vector>              alias for stop
func (t *Tracker) Exec(line string) error {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return ErrBadParam
	}

	switch fields[0] {
	case "move":
		if len(fields) != 3 {
			return ErrBadParam
		}
		vector, err := parseVector(fields[1])
		if err != nil {
			return err
		}
		pcpu, err := strconv.ParseInt(fields[2], 10, 32)
		if err != nil {
			return ErrBadParam
		}
		return t.ManualMove(vector, PcpuID(pcpu))

	case "automate":
		if len(fields) != 2 {
			return ErrBadParam
		}
		vector, err := parseVector(fields[1])
		if err != nil {
			return err
		}
		return t.ResumeAutomaticManagement(vector)

	case "thresh":
		if len(fields) != 5 {
			return ErrBadParam
		}
		var pcts [4]uint32
		for i, f := range fields[1:] {
			v, err := strconv.ParseUint(f, 10, 32)
			if err != nil {
				return ErrBadParam
			}
			pcts[i] = uint32(v)
		}
		return t.SetThresholds(pcts[0], pcts[1], pcts[2], pcts[3])

	case "fake":
		if len(fields) == 2 && fields[1] == "stop" {
			t.StopAllFakes()
			return nil
		}
		if len(fields) != 4 {
			return ErrBadParam
		}
		vector, err := parseVector(fields[1])
		if err != nil {
			return err
		}
		runUs, err1 := strconv.ParseInt(fields[2], 10, 64)
		waitUs, err2 := strconv.ParseInt(fields[3], 10, 64)
		if err1 != nil || err2 != nil {
			return ErrBadParam
		}
		return t.AddFake(vector,
			time.Duration(runUs)*time.Microsecond,
			time.Duration(waitUs)*time.Microsecond)

	case "stop", "unfake":
		if len(fields) != 2 {
			return ErrBadParam
		}
		vector, err := parseVector(fields[1])
		if err != nil {
			return err
		}
		return t.RemoveFake(vector)
	}

	return ErrBadParam
}

func parseVector(s string) (VectorID, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil || v >= NumVectors {
		return 0, ErrBadParam
	}
	return VectorID(v), nil
}

// Status renders the tracker state as a human-readable table: one row per
// managed vector, then the per-processor idle estimates and rates.
func (t *Tracker) Status() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "policy: %s  period: %s  home pcpu: %d  overflows: %d\n",
		t.opts.Policy, t.opts.RebalancePeriod, t.homePcpu, t.intrOverflows)
	fmt.Fprintf(&b, "%-8s %-6s %-6s %-6s %12s %12s %10s %10s\n",
		"vector", "pcpu", "refs", "auto", "agedCycles", "agedIntrs", "remote", "idle")

	for vec := 0; vec < NumVectors; vec++ {
		info := t.vectors[vec]
		if info == nil {
			continue
		}
		pcpu := "?"
		if info.pcpu != InvalidPcpu {
			pcpu = strconv.Itoa(int(info.pcpu))
		}
		auto := "yes"
		if info.skip {
			auto = "no"
		}
		fmt.Fprintf(&b, "0x%-6x %-6s %-6d %-6s %12d %12d %10d %10d\n",
			vec, pcpu, info.refCount, auto,
			info.agedSysCycles, info.agedInterrupts,
			info.remoteForwards.Load(), info.idleDeliveries.Load())
	}

	fmt.Fprintf(&b, "\n%-6s %14s %10s\n", "pcpu", "agedIdle", "rate")
	for p := 0; p < t.opts.NumPCPUs; p++ {
		fmt.Fprintf(&b, "%-6d %14d %10s\n", p, t.pcpuAgedIdle[p], t.pcpuIntrRates[p])
	}
	return b.String()
}
