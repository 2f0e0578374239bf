package sink

import (
	"time"

	"peercam/video/source"
)

// FPSNormalize wraps another Sink so that an incoming stream of variable-timed
// video is converted to fixed-rate video. This is useful for exporting a
// camera feed (which may have variable frame rate) to a video file which
// requires fixed frame rate. Frames will be dropped or added in order to
// achieve the target frame rate.
type FPSNormalize struct {
	// sink is the wrapped Sink which will receive a FPS-normalized stream.
	sink Sink

	frameDur time.Duration
	last     *source.Buffer
	curFrame time.Time
	seq      uint64
}

// NewFPSNormalize creates an FPSNormalize, wrapping the provided sink and
// exporting at the given frame rate.
func NewFPSNormalize(sink Sink, fps int) *FPSNormalize {
	return &FPSNormalize{
		sink:     sink,
		frameDur: time.Second / time.Duration(fps),
	}
}

func (f *FPSNormalize) Close() error {
	return f.sink.Close()
}

func (f *FPSNormalize) remember(input source.Frame) {
	b := input.Buffer
	if f.last == nil || f.last.Width() != b.Width() || f.last.Height() != b.Height() || f.last.Format() != b.Format() {
		f.last = source.NewBuffer(b.Width(), b.Height(), b.Format())
	}
	// Geometry matches by construction.
	_ = f.last.CopyFrom(b)
}

func (f *FPSNormalize) put(b source.PixelBuffer, t time.Time) {
	f.seq++
	f.sink.Put(source.NewFrame(f.seq, t, b, nil))
}

func (f *FPSNormalize) Put(input source.Frame) {
	if f.curFrame.IsZero() {
		f.put(input.Buffer, input.Time)
		f.remember(input)
		f.curFrame = input.Time
		return
	}

	nextFrame := f.curFrame.Add(f.frameDur)
	if input.Time.Before(nextFrame) {
		// Don't need a new frame yet. Ignore.
		return
	}

	for {
		f.curFrame = nextFrame
		nextFrame = f.curFrame.Add(f.frameDur)
		if input.Time.Before(nextFrame) {
			f.put(input.Buffer, f.curFrame)
			f.remember(input)
			return
		}
		// Missed a frame. Rewrite last frame.
		f.put(f.last, f.curFrame)
	}
}
