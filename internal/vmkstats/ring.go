package vmkstats

import "sync/atomic"

// ringWords is the per-CPU sample buffer size in words.
const ringWords = 50000

// recordHeaderWords is the fixed part of one record: pc, tag, stack length.
const recordHeaderWords = 3

// sampleRing is a single-producer single-consumer ring of variable-length
// sample records. The producer is the NMI path on the owning CPU: it must
// never block, lock, or allocate. The consumer is the drain worker.
//
// Records never wrap: maxSafePut leaves room for a maximal record at the
// end, and any index beyond it resets to zero. put and get only ever grow
// toward each other; equality means empty.
type sampleRing struct {
	words [ringWords]uint64

	get        atomic.Uint32
	put        atomic.Uint32
	maxSafePut uint32

	stalledOnWrite atomic.Bool
	drainRequested atomic.Bool

	stalls atomic.Uint64
}

func newSampleRing() *sampleRing {
	return &sampleRing{
		maxSafePut: ringWords - 1 - recordHeaderWords - MaxCallDepth,
	}
}

// roomLeft is the number of words the producer may still write before
// catching the consumer.
func (r *sampleRing) roomLeft() uint32 {
	get := r.get.Load()
	put := r.put.Load()
	if put >= get {
		return r.maxSafePut + get - put
	}
	return get - put
}

// tryPut appends one record. Returns false (and flags the stall) when a
// maximal record no longer fits; dropping is the only option at NMI level.
// The second result asks the caller to kick the drain worker.
func (r *sampleRing) tryPut(pc, tag uint64, stack []uint64) (ok, wantDrain bool) {
	room := r.roomLeft()

	if room < ringWords/2 {
		r.drainRequested.Store(true)
		wantDrain = true
	}

	// <= reserves one word: put may never land exactly on get, or the
	// ring would read as empty and every unconsumed record would vanish
	if room <= recordHeaderWords+MaxCallDepth {
		r.stalledOnWrite.Store(true)
		r.stalls.Add(1)
		return false, wantDrain
	}

	put := r.put.Load()
	r.words[put] = pc
	r.words[put+1] = tag
	r.words[put+2] = uint64(len(stack))
	copy(r.words[put+recordHeaderWords:], stack)

	put += recordHeaderWords + uint32(len(stack))
	if put > r.maxSafePut {
		put = 0
	}
	r.put.Store(put)
	return true, wantDrain
}

// next reads the record at the consumer's position without consuming it.
// Returns ok=false when the ring is empty and ErrCorruptBuffer when the
// record cannot be valid.
func (r *sampleRing) next() (pc, tag uint64, stack []uint64, ok bool, err error) {
	get := r.get.Load()
	if get == r.put.Load() {
		return 0, 0, nil, false, nil
	}
	length := r.words[get+2]
	if length > MaxCallDepth {
		return 0, 0, nil, false, ErrCorruptBuffer
	}
	pc = r.words[get]
	tag = r.words[get+1]
	stack = r.words[get+recordHeaderWords : get+recordHeaderWords+uint32(length)]
	return pc, tag, stack, true, nil
}

// advance consumes the record previously returned by next.
func (r *sampleRing) advance(stackLen int) {
	get := r.get.Load() + recordHeaderWords + uint32(stackLen)
	if get > r.maxSafePut {
		get = 0
	}
	r.get.Store(get)
}

func (r *sampleRing) reset() {
	r.get.Store(0)
	r.put.Store(0)
	r.stalledOnWrite.Store(false)
	r.drainRequested.Store(false)
}
