package vmkstats

import "errors"

var (
	// ErrBadParam reports malformed command arguments or values.
	ErrBadParam = errors.New("bad parameter")

	// ErrRunning reports a reconfiguration attempted while the sampler
	// is collecting.
	ErrRunning = errors.New("sampler is running")

	// ErrNotFound reports a root range with no matching registration.
	ErrNotFound = errors.New("not found")

	// ErrTooManyRoots reports the root-set capacity was reached.
	ErrTooManyRoots = errors.New("root limit reached")

	// ErrCorruptBuffer reports a sample ring whose records no longer
	// parse; draining it would loop or index out of range.
	ErrCorruptBuffer = errors.New("corrupt sample buffer")
)
