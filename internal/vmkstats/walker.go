// Package vmkstats implements the statistical kernel profiler: NMI-driven
// program-counter sampling with frame-pointer stack walks, per-CPU sample
// rings drained into compact open-addressed hash tables.
package vmkstats

import "sort"

// MaxCallDepth bounds every recorded call stack.
const MaxCallDepth = 50

// MaxRoots bounds the configured root-function set.
const MaxRoots = 15

// Source identifies the execution context an NMI interrupted. Only kernel
// context yields a usable frame chain; the others get placeholder PCs.
type Source int

const (
	SourceKernel Source = iota + 1
	SourceCOSKernel
	SourceCOSUser
	SourceUser
)

// Placeholder PCs recorded for contexts whose stacks cannot be walked.
// They sit far outside any plausible text range.
const (
	PlaceholderUser      uint64 = 0xffffffff_00000010
	PlaceholderCOSKernel uint64 = 0xffffffff_00000020
	PlaceholderCOSUser   uint64 = 0xffffffff_00000030
)

const flagsIF = 0x200 // interrupt-enable bit in the saved flags

// Snapshot is the register state captured at NMI delivery, plus the context
// tags the scheduler knows about the interrupted world.
type Snapshot struct {
	PC    uint64
	SP    uint64
	FP    uint64
	Flags uint64

	Source      Source
	WorldID     uint32
	Preemptible bool
}

// IntEnabled reports whether the interrupted context had interrupts on.
func (s Snapshot) IntEnabled() bool {
	return s.Flags&flagsIF != 0
}

// Bounds is a half-open address range [Start, End).
type Bounds struct {
	Start uint64
	End   uint64
}

func (b Bounds) contains(addr uint64) bool {
	return addr >= b.Start && addr < b.End
}

// Memory provides bounded reads of the interrupted context's address space.
// Both methods report failure instead of faulting; the walker never touches
// an address it has not validated, but the underlying mapping can still
// disappear.
type Memory interface {
	ReadWord(addr uint64) (uint64, bool)
	ReadBytes(addr uint64, n int) ([]byte, bool)
}

type rootRange struct {
	start uint64
	end   uint64
}

// rootSet is the sorted list of root-function PC ranges. A PC inside a root
// marks a logical kernel entry point (interrupt handler, syscall stub);
// walks stop there rather than wander into whatever lies beyond.
type rootSet struct {
	roots []rootRange
}

func (rs *rootSet) add(start, end uint64) error {
	if start >= end {
		return ErrBadParam
	}
	if len(rs.roots) >= MaxRoots {
		return ErrTooManyRoots
	}
	rs.roots = append(rs.roots, rootRange{start: start, end: end})
	sort.Slice(rs.roots, func(i, j int) bool {
		return rs.roots[i].start < rs.roots[j].start
	})
	return nil
}

func (rs *rootSet) remove(start, end uint64) error {
	for i, r := range rs.roots {
		if r.start == start && r.end == end {
			rs.roots = append(rs.roots[:i], rs.roots[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (rs *rootSet) removeAll() {
	rs.roots = rs.roots[:0]
}

// contains binary-searches the sorted ranges for pc.
func (rs *rootSet) contains(pc uint64) bool {
	i := sort.Search(len(rs.roots), func(i int) bool {
		return rs.roots[i].start > pc
	})
	return i > 0 && pc < rs.roots[i-1].end
}

func (rs *rootSet) snapshot() []Bounds {
	out := make([]Bounds, len(rs.roots))
	for i, r := range rs.roots {
		out[i] = Bounds{Start: r.start, End: r.end}
	}
	return out
}

// Walker unwinds frame-pointer chains captured by the NMI handler.
type Walker struct {
	mem   Memory
	text  Bounds
	roots *rootSet
}

// NewWalker builds a walker for code in text, reading through mem.
func NewWalker(mem Memory, text Bounds) *Walker {
	return &Walker{mem: mem, text: text, roots: &rootSet{}}
}

func (w *Walker) inText(pc uint64) bool {
	return w.text.contains(pc)
}

// validFrameAddr checks that fp and the return-address slot above it both
// lie inside the interrupted context's stack. A stack too small to hold one
// frame (16 bytes: saved fp plus return address) admits nothing; the size
// is checked first so End-16 cannot wrap on degenerate bounds.
func validFrameAddr(fp uint64, stack Bounds) bool {
	if stack.End < stack.Start || stack.End-stack.Start < 16 {
		return false
	}
	return fp >= stack.Start && fp < stack.End-16
}

// Walk records the return PCs above the interrupted frame into out,
// returning how many were written. Only kernel context is walked; the
// frame chain of any other context is not trustworthy from NMI level.
//
// The captured PC may sit inside a function prologue or epilogue where the
// frame pointer does not yet (or no longer) describes the current frame;
// those cases are detected from the instruction bytes at PC and compensated
// with a frame address derived from SP instead. A compensated frame is used
// once, then the walk resumes from the genuine frame pointer.
func (w *Walker) Walk(snap Snapshot, stack Bounds, out []uint64) int {
	if snap.Source != SourceKernel {
		return 0
	}

	fp := snap.FP
	fpTweaked := false

	if b, ok := w.mem.ReadBytes(snap.PC, 2); ok && len(b) == 2 {
		if b[0] == 0x55 {
			// about to push the frame pointer: the caller's return
			// address is the word below SP
			fpTweaked = true
			fp = snap.SP - 8
		}
		if b[0] == 0x89 && b[1] == 0xe5 {
			// frame pointer pushed but not yet established
			fp = snap.SP
		}
		if b[0] == 0xc3 {
			if prev, ok := w.mem.ReadBytes(snap.PC-1, 1); ok && len(prev) == 1 && prev[0] == 0x5d {
				// frame pointer already popped ahead of the return
				fpTweaked = true
				fp = snap.SP - 8
			}
		}
	}

	length := 0
	max := len(out)
	if max > MaxCallDepth {
		max = MaxCallDepth
	}
	for length < max {
		if !validFrameAddr(fp, stack) {
			break
		}

		pc, ok := w.mem.ReadWord(fp + 8)
		if !ok || !w.inText(pc) {
			break
		}

		out[length] = pc
		length++

		if !fpTweaked {
			next, ok := w.mem.ReadWord(fp)
			if !ok {
				break
			}
			fp = next
		} else {
			fp = snap.FP
			fpTweaked = false
		}

		if w.roots.contains(pc) {
			break
		}
	}
	return length
}
