package vmkstats

import (
	"encoding/binary"
	"math/bits"

	"github.com/cespare/xxhash/v2"

	"github.com/phuslu/log"
)

const (
	initialSampleMapCount = 1000
	initialStackMapCount  = 500
	initialArenaWords     = 1000
	maxHashFillPercent    = 75

	invalidIndex int32 = -1
)

// SampleRecord is one aggregated profile bucket: a PC, an interned call
// stack and a tag value, with the number of hits observed.
type SampleRecord struct {
	PC         uint64
	StackIndex int32
	Tag        uint32
	Count      uint32
}

// aggregator folds drained samples into two open-addressed tables: a
// (pc, stack, tag) -> count map and a call-stack intern set. Interned
// stacks live in a length-prefixed append-only arena; the intern map holds
// arena indices. Guarded by the sampler's lock.
type aggregator struct {
	sampleMap  []SampleRecord
	numSamples int

	stackMap  []int32
	numStacks int

	arena     []uint64
	arenaNext int

	// pluggable so collision behavior is testable
	hashStack func([]uint64) uint64

	log log.Logger
}

func newAggregator(logger log.Logger) *aggregator {
	return &aggregator{
		hashStack: xxhashStack,
		log:       logger,
	}
}

func xxhashStack(stack []uint64) uint64 {
	var d xxhash.Digest
	d.Reset()
	var buf [8]byte
	for _, pc := range stack {
		binary.LittleEndian.PutUint64(buf[:], pc)
		d.Write(buf[:])
	}
	return d.Sum64()
}

func hashSample(pc uint64, stackIndex int32, tag uint32) uint64 {
	return (uint64(uint32(stackIndex)) ^ uint64(tag)) | (pc << 32)
}

// rehash resolves collisions by rotating first, which spreads probes across
// the whole table; after too many conflicts it degrades to linear probing,
// which is guaranteed to terminate.
func rehash(hashVal uint64, numConflicts int) uint64 {
	if numConflicts < 64 {
		return bits.RotateLeft64(hashVal, 1)
	}
	return hashVal + 1
}

func (a *aggregator) sampleFill() bool {
	return a.numSamples >= len(a.sampleMap)*maxHashFillPercent/100
}

func (a *aggregator) growSampleMap() {
	newCap := initialSampleMapCount
	if len(a.sampleMap) != 0 {
		newCap = len(a.sampleMap) * 2
	}
	newMap := make([]SampleRecord, newCap)

	for i := range a.sampleMap {
		s := a.sampleMap[i]
		if s.Count == 0 {
			continue
		}
		hashVal := hashSample(s.PC, s.StackIndex, s.Tag)
		numConflicts := 0
		for {
			slot := &newMap[hashVal%uint64(newCap)]
			if slot.Count == 0 {
				*slot = s
				break
			}
			numConflicts++
			hashVal = rehash(hashVal, numConflicts)
		}
	}
	a.sampleMap = newMap
}

// incSample bumps the count for (pc, stackIndex, tag), inserting it with
// count 1 on first sight.
func (a *aggregator) incSample(pc uint64, stackIndex int32, tag uint32) {
	if a.sampleFill() {
		a.growSampleMap()
	}

	hashVal := hashSample(pc, stackIndex, tag)
	numConflicts := 0
	for {
		sample := &a.sampleMap[hashVal%uint64(len(a.sampleMap))]
		if sample.PC == pc && sample.StackIndex == stackIndex && sample.Tag == tag && sample.Count != 0 {
			sample.Count++
			return
		}
		if sample.Count == 0 {
			a.numSamples++
			*sample = SampleRecord{PC: pc, StackIndex: stackIndex, Tag: tag, Count: 1}
			return
		}
		numConflicts++
		hashVal = rehash(hashVal, numConflicts)
	}
}

func (a *aggregator) stackAt(index int32) []uint64 {
	length := a.arena[index]
	return a.arena[index+1 : index+1+int32(length)]
}

func stacksEqual(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (a *aggregator) growArena() {
	newSize := initialArenaWords
	if len(a.arena) != 0 {
		newSize = len(a.arena) * 2
	}
	newArena := make([]uint64, newSize)
	copy(newArena, a.arena[:a.arenaNext])
	a.arena = newArena
}

// insertStack appends a stack to the arena, length word first.
func (a *aggregator) insertStack(stack []uint64) int32 {
	if a.arenaNext+1+MaxCallDepth >= len(a.arena) {
		a.log.Debug().
			Int("arenaNext", a.arenaNext).
			Int("arenaWords", len(a.arena)).
			Msg("call stack arena full, growing")
		a.growArena()
	}

	index := int32(a.arenaNext)
	a.arena[index] = uint64(len(stack))
	copy(a.arena[index+1:], stack)
	a.arenaNext += 1 + len(stack)
	return index
}

func (a *aggregator) stackFill() bool {
	return a.numStacks >= len(a.stackMap)*maxHashFillPercent/100
}

func (a *aggregator) growStackMap() {
	newCap := initialStackMapCount
	if len(a.stackMap) != 0 {
		newCap = len(a.stackMap) * 2
	}
	newMap := make([]int32, newCap)
	for i := range newMap {
		newMap[i] = invalidIndex
	}

	for _, index := range a.stackMap {
		if index < 0 {
			continue
		}
		hashVal := a.hashStack(a.stackAt(index))
		numConflicts := 0
		for {
			slot := &newMap[hashVal%uint64(newCap)]
			if *slot < 0 {
				*slot = index
				break
			}
			numConflicts++
			hashVal = rehash(hashVal, numConflicts)
		}
	}
	a.stackMap = newMap
}

// findInsertStack interns a call stack, returning its arena index. Equal
// stacks always map to the same index; hash collisions stay distinct.
func (a *aggregator) findInsertStack(stack []uint64) int32 {
	if a.stackFill() {
		a.growStackMap()
	}

	hashVal := a.hashStack(stack)
	numConflicts := 0
	for {
		slot := &a.stackMap[hashVal%uint64(len(a.stackMap))]
		if *slot < 0 {
			*slot = a.insertStack(stack)
			a.numStacks++
			return *slot
		}
		if stacksEqual(a.stackAt(*slot), stack) {
			return *slot
		}
		numConflicts++
		hashVal = rehash(hashVal, numConflicts)
	}
}

// reset zeroes the sample counts but deliberately keeps the interned call
// stacks: stacks are content-addressed and stay valid across epochs.
func (a *aggregator) reset() {
	for i := range a.sampleMap {
		a.sampleMap[i] = SampleRecord{}
	}
	a.numSamples = 0
}

// exportSamples returns the occupied buckets.
func (a *aggregator) exportSamples() []SampleRecord {
	out := make([]SampleRecord, 0, a.numSamples)
	for i := range a.sampleMap {
		if a.sampleMap[i].Count != 0 {
			out = append(out, a.sampleMap[i])
		}
	}
	return out
}

// exportStack returns a copy of one interned stack.
func (a *aggregator) exportStack(index int32) ([]uint64, error) {
	if index < 0 || int(index) >= a.arenaNext {
		return nil, ErrBadParam
	}
	length := a.arena[index]
	if length > MaxCallDepth || int(index)+1+int(length) > a.arenaNext {
		return nil, ErrBadParam
	}
	out := make([]uint64, length)
	copy(out, a.arena[index+1:])
	return out, nil
}

// memUsed reports the bytes held by the tables and the arena.
func (a *aggregator) memUsed() int {
	return len(a.sampleMap)*24 + len(a.stackMap)*4 + len(a.arena)*8
}

// checkRep audits the invariants: every arena record has a sane length and
// is reachable through the intern map at its own index, map entries point
// into the used arena prefix, and the element counts agree.
func (a *aggregator) checkRep() bool {
	ok := true

	j := 0
	for j < a.arenaNext {
		length := a.arena[j]
		if length > MaxCallDepth {
			a.log.Error().Int("offset", j).Uint64("length", length).
				Msg("call stack has invalid length")
			ok = false
			break
		}

		stack := a.arena[j+1 : j+1+int(length)]
		hashVal := a.hashStack(stack)
		numConflicts := 0
		for {
			index := a.stackMap[hashVal%uint64(len(a.stackMap))]
			if index == int32(j) {
				break
			}
			if index < 0 {
				a.log.Error().Int("offset", j).
					Msg("call stack not reachable through intern map")
				ok = false
				break
			}
			numConflicts++
			hashVal = rehash(hashVal, numConflicts)
		}
		if !ok {
			break
		}
		j += 1 + int(length)
	}

	mapped := 0
	for _, index := range a.stackMap {
		if index < 0 {
			continue
		}
		mapped++
		if int(index) >= a.arenaNext {
			a.log.Error().Int32("index", index).Int("arenaNext", a.arenaNext).
				Msg("intern map index beyond arena")
			ok = false
		}
	}
	if mapped != a.numStacks {
		a.log.Error().Int("counted", mapped).Int("numStacks", a.numStacks).
			Msg("intern map count mismatch")
		ok = false
	}

	occupied := 0
	for i := range a.sampleMap {
		s := &a.sampleMap[i]
		if s.Count == 0 {
			continue
		}
		occupied++
		if s.StackIndex < 0 || int(s.StackIndex) >= a.arenaNext {
			a.log.Error().Int32("stackIndex", s.StackIndex).Uint64("pc", s.PC).
				Msg("sample references invalid call stack")
			ok = false
		}
	}
	if occupied != a.numSamples {
		a.log.Error().Int("counted", occupied).Int("numSamples", a.numSamples).
			Msg("sample map count mismatch")
		ok = false
	}

	return ok
}
