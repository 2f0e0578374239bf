package sink

import (
	"peercam/video/process"
	"peercam/video/source"
)

// Sink defines a destination for a stream of raw frames, such as a video file.
type Sink interface {
	// Put inserts a frame into the sink. The sink must not hold on to the
	// frame's buffer after Put returns.
	Put(input source.Frame)

	// Close finalizes the sink and reports whether the output is complete.
	Close() error
}

// Transport carries finished artifacts to the peer. Both calls are fire and
// forget: they must not block the caller on network I/O.
type Transport interface {
	SendFrame(f process.EncodedFrame)
	SendFile(path string)
}

// Fanout sends every artifact to each of its transports in order.
type Fanout []Transport

func (f Fanout) SendFrame(frame process.EncodedFrame) {
	for _, t := range f {
		t.SendFrame(frame)
	}
}

func (f Fanout) SendFile(path string) {
	for _, t := range f {
		t.SendFile(path)
	}
}

// Discard drops everything.
var Discard Transport = discard{}

type discard struct{}

func (discard) SendFrame(process.EncodedFrame) {}
func (discard) SendFile(string)                {}
