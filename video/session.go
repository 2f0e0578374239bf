package video

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"peercam/metrics"
	"peercam/video/source"
)

var (
	ErrSessionRunning  = errors.New("session is running")
	ErrSessionTornDown = errors.New("session was torn down")
)

// Input is a capture device attached to a session.
type Input interface {
	Device() source.Device
	// Start begins delivering frames, in capture order, on a single
	// goroutine. Inputs that produce no frames (audio consumed directly by
	// the movie writer) never call deliver.
	Start(deliver func(source.Frame)) error
	Stop()
	Close() error
}

// Output consumes what a session captures.
type Output interface {
	// Connect attaches the output to the session's inputs.
	Connect(c *Connection)
}

// MovieOutput writes captured media to a file.
type MovieOutput interface {
	Output

	// StartRecording begins writing to path. done is invoked exactly once,
	// from a goroutine owned by the output, when the file is finalized.
	StartRecording(path string, done func(path string, err error)) error
	// StopRecording asks the output to finalize the file.
	StopRecording()
	Recording() bool
	// PutFrame offers a captured frame. The frame must not be retained.
	PutFrame(f source.Frame)
}

// Connection links a session's inputs to an output and carries the video
// orientation applied to delivered frames.
type Connection struct {
	Video source.Device
	Audio source.Device

	orientation atomic.Int32
}

func newConnection(video, audio source.Device) *Connection {
	c := &Connection{Video: video, Audio: audio}
	c.orientation.Store(int32(source.Portrait))
	return c
}

func (c *Connection) VideoOrientation() source.VideoOrientation {
	return source.VideoOrientation(c.orientation.Load())
}

func (c *Connection) SetVideoOrientation(o source.VideoOrientation) {
	c.orientation.Store(int32(o))
}

// FrameOutput samples live frames for processing. Frames are handed to the
// handler on the output's own goroutine, one at a time and in capture order.
type FrameOutput struct {
	// PixelFormat of delivered buffers. Only BGRA is supported.
	PixelFormat source.PixelFormat
	// DiscardLateFrames drops frames that arrive while the previous one is
	// still pending instead of queueing them.
	DiscardLateFrames bool

	handler func(f source.Frame, o source.VideoOrientation)
	conn    *Connection
	slot    chan source.Frame
	late    atomic.Uint64

	l       sync.Mutex
	running bool
	stop    chan bool
	stopped chan bool
}

// NewFrameOutput returns a BGRA output that discards late frames. The frame
// passed to handler is released when handler returns.
func NewFrameOutput(handler func(f source.Frame, o source.VideoOrientation)) *FrameOutput {
	return &FrameOutput{
		PixelFormat:       source.PixelFormatBGRA,
		DiscardLateFrames: true,
		handler:           handler,
		slot:              make(chan source.Frame, 1),
	}
}

func (o *FrameOutput) Connect(c *Connection) { o.conn = c }

// Late returns the number of frames discarded because the handler was busy.
func (o *FrameOutput) Late() uint64 { return o.late.Load() }

func (o *FrameOutput) orientation() source.VideoOrientation {
	if o.conn == nil {
		return source.Portrait
	}
	return o.conn.VideoOrientation()
}

func (o *FrameOutput) start() {
	o.l.Lock()
	defer o.l.Unlock()
	if o.running {
		return
	}
	o.running = true
	o.stop = make(chan bool)
	o.stopped = make(chan bool)
	go o.run(o.stop, o.stopped)
}

func (o *FrameOutput) run(stop, stopped chan bool) {
	defer close(stopped)
	for {
		select {
		case <-stop:
			return
		case f := <-o.slot:
			o.handler(f, o.orientation())
			f.Release()
		}
	}
}

// put takes ownership of f.
func (o *FrameOutput) put(f source.Frame) {
	if o.DiscardLateFrames {
		select {
		case o.slot <- f:
		default:
			o.late.Add(1)
			metrics.FramesDropped.WithLabelValues(metrics.DropLate).Inc()
			f.Release()
		}
		return
	}
	o.l.Lock()
	stop := o.stop
	o.l.Unlock()
	select {
	case o.slot <- f:
	case <-stop:
		f.Release()
	}
}

// halt stops the goroutine; pending frames are discarded.
func (o *FrameOutput) halt() {
	o.l.Lock()
	defer o.l.Unlock()
	if !o.running {
		return
	}
	o.running = false
	close(o.stop)
	<-o.stopped
	for {
		select {
		case f := <-o.slot:
			f.Release()
		default:
			return
		}
	}
}

// Session is an explicitly owned capture session: a set of inputs, at most
// one movie output and at most one frame output.
type Session struct {
	ID string

	l       sync.Mutex
	video   Input
	audio   Input
	conn    *Connection
	movie   MovieOutput
	frames  *FrameOutput
	running bool
	torn    bool
}

func NewSession() *Session {
	return &Session{ID: uuid.NewString()}
}

func (s *Session) mutable() error {
	switch {
	case s.torn:
		return ErrSessionTornDown
	case s.running:
		return ErrSessionRunning
	}
	return nil
}

// CanAddInput reports whether in would be accepted: the session must be
// stopped and not already have an input of the same kind.
func (s *Session) CanAddInput(in Input) bool {
	s.l.Lock()
	defer s.l.Unlock()
	return s.canAddInput(in) == nil
}

func (s *Session) canAddInput(in Input) error {
	if err := s.mutable(); err != nil {
		return err
	}
	switch in.Device().Kind {
	case source.Video:
		if s.video != nil {
			return fmt.Errorf("session already has video input %v", s.video.Device())
		}
	case source.Audio:
		if s.audio != nil {
			return fmt.Errorf("session already has audio input %v", s.audio.Device())
		}
	default:
		return fmt.Errorf("unsupported input %v", in.Device())
	}
	return nil
}

func (s *Session) AddInput(in Input) error {
	s.l.Lock()
	defer s.l.Unlock()
	if err := s.canAddInput(in); err != nil {
		return err
	}
	if in.Device().Kind == source.Video {
		s.video = in
	} else {
		s.audio = in
	}
	return nil
}

// CanAddOutput reports whether o would be accepted: the session must be
// stopped, have a video input and not already have an output of that kind.
func (s *Session) CanAddOutput(o Output) bool {
	s.l.Lock()
	defer s.l.Unlock()
	return s.canAddOutput(o) == nil
}

func (s *Session) canAddOutput(o Output) error {
	if err := s.mutable(); err != nil {
		return err
	}
	if s.video == nil {
		return errors.New("session has no video input")
	}
	switch o := o.(type) {
	case *FrameOutput:
		if s.frames != nil {
			return errors.New("session already has a frame output")
		}
		if o.PixelFormat != source.PixelFormatBGRA {
			return fmt.Errorf("unsupported frame output format %v", o.PixelFormat)
		}
	case MovieOutput:
		if s.movie != nil {
			return errors.New("session already has a movie output")
		}
	default:
		return fmt.Errorf("unsupported output %T", o)
	}
	return nil
}

func (s *Session) AddOutput(o Output) error {
	s.l.Lock()
	defer s.l.Unlock()
	if err := s.canAddOutput(o); err != nil {
		return err
	}
	if s.conn == nil {
		var audio source.Device
		if s.audio != nil {
			audio = s.audio.Device()
		}
		s.conn = newConnection(s.video.Device(), audio)
	}
	o.Connect(s.conn)
	switch o := o.(type) {
	case *FrameOutput:
		s.frames = o
	case MovieOutput:
		s.movie = o
	}
	return nil
}

// Connection returns the connection shared by the session's outputs, or nil
// before any output is added.
func (s *Session) Connection() *Connection {
	s.l.Lock()
	defer s.l.Unlock()
	return s.conn
}

func (s *Session) MovieOutput() MovieOutput {
	s.l.Lock()
	defer s.l.Unlock()
	return s.movie
}

func (s *Session) FrameOutput() *FrameOutput {
	s.l.Lock()
	defer s.l.Unlock()
	return s.frames
}

// Start begins capture. Starting a running session is a no-op.
func (s *Session) Start() error {
	s.l.Lock()
	defer s.l.Unlock()
	if s.torn {
		return ErrSessionTornDown
	}
	if s.running {
		return nil
	}
	if s.video == nil {
		return errors.New("session has no video input")
	}
	if s.frames != nil {
		s.frames.start()
	}
	for _, in := range []Input{s.video, s.audio} {
		if in == nil {
			continue
		}
		if err := in.Start(s.deliver); err != nil {
			s.stopLocked()
			return fmt.Errorf("failed to start %v: %w", in.Device(), err)
		}
	}
	s.running = true
	log.WithField("session", s.ID).Info("Capture session started")
	return nil
}

// Stop halts frame delivery. Stopping a stopped session is a no-op. A frame
// being processed when Stop is called may or may not complete.
func (s *Session) Stop() {
	s.l.Lock()
	defer s.l.Unlock()
	if !s.running {
		return
	}
	s.stopLocked()
	s.running = false
	log.WithField("session", s.ID).Info("Capture session stopped")
}

func (s *Session) stopLocked() {
	for _, in := range []Input{s.video, s.audio} {
		if in != nil {
			in.Stop()
		}
	}
	if s.frames != nil {
		s.frames.halt()
	}
}

func (s *Session) Running() bool {
	s.l.Lock()
	defer s.l.Unlock()
	return s.running
}

// Teardown stops the session, finalizes any active recording and releases
// the inputs. The session cannot be used afterwards.
func (s *Session) Teardown() {
	s.l.Lock()
	defer s.l.Unlock()
	if s.torn {
		return
	}
	if s.running {
		s.stopLocked()
		s.running = false
	}
	if s.movie != nil && s.movie.Recording() {
		s.movie.StopRecording()
		// Let the file finish so it isn't truncated at exit.
		if w, ok := s.movie.(interface{ Wait() error }); ok {
			w.Wait()
		}
	}
	for _, in := range []Input{s.video, s.audio} {
		if in == nil {
			continue
		}
		if err := in.Close(); err != nil {
			log.Warnf("Failed to close %v: %v", in.Device(), err)
		}
	}
	s.torn = true
	log.WithField("session", s.ID).Info("Capture session torn down")
}

// deliver runs on the video input's goroutine. Outputs are fixed while the
// session runs.
func (s *Session) deliver(f source.Frame) {
	if s.movie != nil && s.movie.Recording() {
		s.movie.PutFrame(f)
	}
	if s.frames != nil {
		s.frames.put(f)
		return
	}
	f.Release()
}
