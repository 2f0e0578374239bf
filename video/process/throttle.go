package process

// DefaultFrameSkip forwards roughly 6 fps from a 30 fps camera.
const DefaultFrameSkip = 5

// Throttler forwards one frame every Skip delivered frames. It counts events
// only; it never looks at the clock and never buffers.
//
// A Throttler is not safe for concurrent use; it belongs to the goroutine
// that delivers frames.
type Throttler struct {
	skip  int
	count int
}

func NewThrottler(skip int) *Throttler {
	if skip < 1 {
		skip = 1
	}
	return &Throttler{skip: skip}
}

// Allow records one delivered frame and reports whether it is forwarded.
func (t *Throttler) Allow() bool {
	t.count++
	if t.count < t.skip {
		return false
	}
	t.count = 0
	return true
}

// Count is the number of frames seen since the last forwarded one.
func (t *Throttler) Count() int { return t.count }

func (t *Throttler) Skip() int { return t.skip }

func (t *Throttler) Reset() { t.count = 0 }
