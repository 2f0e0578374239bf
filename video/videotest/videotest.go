// Package videotest provides in-memory capture backends, inputs, movie
// outputs and transports for tests.
package videotest

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"peercam/util"
	"peercam/video"
	"peercam/video/process"
	"peercam/video/source"
)

// Backend is a video.Backend with configurable devices and failures.
type Backend struct {
	l sync.Mutex

	// Devices returned by DefaultDevice; a missing kind is unavailable.
	Devices map[source.MediaKind]source.Device
	// OpenErr fails OpenInput for the given kind.
	OpenErr map[source.MediaKind]error
	// MovieErr fails NewMovieOutput.
	MovieErr error

	inputs []*Input
	movies []*MovieOutput
}

func NewBackend() *Backend {
	return &Backend{
		Devices: map[source.MediaKind]source.Device{
			source.Video: {Kind: source.Video, ID: "/dev/video0", Name: "fake camera"},
			source.Audio: {Kind: source.Audio, ID: "hw:0,0", Name: "fake microphone"},
		},
		OpenErr: map[source.MediaKind]error{},
	}
}

func (b *Backend) DefaultDevice(kind source.MediaKind) (source.Device, bool) {
	b.l.Lock()
	defer b.l.Unlock()
	d, ok := b.Devices[kind]
	return d, ok
}

func (b *Backend) OpenInput(dev source.Device) (video.Input, error) {
	b.l.Lock()
	defer b.l.Unlock()
	if err := b.OpenErr[dev.Kind]; err != nil {
		return nil, err
	}
	in := &Input{dev: dev}
	b.inputs = append(b.inputs, in)
	return in, nil
}

func (b *Backend) NewMovieOutput() (video.MovieOutput, error) {
	b.l.Lock()
	defer b.l.Unlock()
	if b.MovieErr != nil {
		return nil, b.MovieErr
	}
	m := &MovieOutput{}
	b.movies = append(b.movies, m)
	return m, nil
}

// Inputs returns every input opened so far.
func (b *Backend) Inputs() []*Input {
	b.l.Lock()
	defer b.l.Unlock()
	return append([]*Input(nil), b.inputs...)
}

// VideoInput returns the most recently opened video input.
func (b *Backend) VideoInput() *Input {
	ins := b.Inputs()
	for i := len(ins) - 1; i >= 0; i-- {
		if ins[i].dev.Kind == source.Video {
			return ins[i]
		}
	}
	return nil
}

// Movies returns every movie output created so far.
func (b *Backend) Movies() []*MovieOutput {
	b.l.Lock()
	defer b.l.Unlock()
	return append([]*MovieOutput(nil), b.movies...)
}

// Input delivers frames pushed by the test.
type Input struct {
	dev source.Device

	l       sync.Mutex
	deliver func(source.Frame)
	running bool
	closed  bool
	starts  int
	seq     uint64
}

func (in *Input) Device() source.Device { return in.dev }

func (in *Input) Start(deliver func(source.Frame)) error {
	in.l.Lock()
	defer in.l.Unlock()
	if in.closed {
		return errors.New("input closed")
	}
	in.deliver = deliver
	in.running = true
	in.starts++
	return nil
}

func (in *Input) Stop() {
	in.l.Lock()
	defer in.l.Unlock()
	in.running = false
}

func (in *Input) Close() error {
	in.l.Lock()
	defer in.l.Unlock()
	in.running = false
	in.closed = true
	return nil
}

func (in *Input) Running() bool {
	in.l.Lock()
	defer in.l.Unlock()
	return in.running
}

func (in *Input) Closed() bool {
	in.l.Lock()
	defer in.l.Unlock()
	return in.closed
}

func (in *Input) Starts() int {
	in.l.Lock()
	defer in.l.Unlock()
	return in.starts
}

// Emit delivers b synchronously and reports whether the input was running.
// The returned counter is incremented when the frame is released.
func (in *Input) Emit(b source.PixelBuffer) (bool, *atomic.Int32) {
	released := &atomic.Int32{}
	in.l.Lock()
	if !in.running {
		in.l.Unlock()
		return false, released
	}
	in.seq++
	f := source.NewFrame(in.seq, time.Now(), b, func() { released.Add(1) })
	deliver := in.deliver
	in.l.Unlock()

	deliver(f)
	return true, released
}

// Frame returns a BGRA buffer filled with a single color.
func Frame(width, height int, b, g, r byte) *source.Buffer {
	buf := source.NewBuffer(width, height, source.PixelFormatBGRA)
	data := buf.Data()
	for i := 0; i+3 < len(data); i += 4 {
		data[i], data[i+1], data[i+2], data[i+3] = b, g, r, 0xff
	}
	return buf
}

// MovieOutput records calls and completes only when the test says so, or on
// StopRecording once AutoFinalize is set.
type MovieOutput struct {
	l         sync.Mutex
	conn      *video.Connection
	recording bool
	path      string
	done      func(string, error)
	starts    int
	stops     int
	frames    int

	auto      bool
	finalized *util.Completion
}

// AutoFinalize makes StopRecording finish the file on its own goroutine, the
// way the ffmpeg output does: done runs first, then Wait returns.
func (m *MovieOutput) AutoFinalize() {
	m.l.Lock()
	defer m.l.Unlock()
	m.auto = true
}

func (m *MovieOutput) Connect(c *video.Connection) {
	m.l.Lock()
	defer m.l.Unlock()
	m.conn = c
}

func (m *MovieOutput) Connection() *video.Connection {
	m.l.Lock()
	defer m.l.Unlock()
	return m.conn
}

func (m *MovieOutput) StartRecording(path string, done func(string, error)) error {
	m.l.Lock()
	defer m.l.Unlock()
	if m.recording || m.done != nil {
		return video.ErrRecordingInProgress
	}
	m.recording = true
	m.path = path
	m.done = done
	m.starts++
	if m.auto {
		m.finalized = util.NewCompletion()
	}
	return nil
}

func (m *MovieOutput) StopRecording() {
	m.l.Lock()
	defer m.l.Unlock()
	if !m.recording {
		return
	}
	m.recording = false
	m.stops++
	if !m.auto {
		return
	}
	done, path, fin := m.done, m.path, m.finalized
	m.done = nil
	go func() {
		if done != nil {
			done(path, nil)
		}
		fin.Complete(nil)
	}()
}

// Wait blocks until an auto-finalized recording is done. Without
// AutoFinalize it returns immediately.
func (m *MovieOutput) Wait() error {
	m.l.Lock()
	fin := m.finalized
	m.l.Unlock()
	if fin == nil {
		return nil
	}
	return fin.Wait()
}

func (m *MovieOutput) Recording() bool {
	m.l.Lock()
	defer m.l.Unlock()
	return m.recording
}

func (m *MovieOutput) PutFrame(source.Frame) {
	m.l.Lock()
	defer m.l.Unlock()
	m.frames++
}

// Complete finalizes the current recording with err, as the capture
// subsystem would once the file write ends.
func (m *MovieOutput) Complete(err error) {
	m.l.Lock()
	done, path, fin := m.done, m.path, m.finalized
	m.done = nil
	m.recording = false
	m.l.Unlock()
	if done != nil {
		done(path, err)
	}
	if fin != nil {
		fin.Complete(err)
	}
}

func (m *MovieOutput) Starts() int {
	m.l.Lock()
	defer m.l.Unlock()
	return m.starts
}

func (m *MovieOutput) Stops() int {
	m.l.Lock()
	defer m.l.Unlock()
	return m.stops
}

func (m *MovieOutput) Frames() int {
	m.l.Lock()
	defer m.l.Unlock()
	return m.frames
}

func (m *MovieOutput) Path() string {
	m.l.Lock()
	defer m.l.Unlock()
	return m.path
}

// Transport collects everything sent to it.
type Transport struct {
	l      sync.Mutex
	frames []process.EncodedFrame
	files  []string
}

func (t *Transport) SendFrame(f process.EncodedFrame) {
	t.l.Lock()
	defer t.l.Unlock()
	t.frames = append(t.frames, f)
}

func (t *Transport) SendFile(path string) {
	t.l.Lock()
	defer t.l.Unlock()
	t.files = append(t.files, path)
}

func (t *Transport) Frames() []process.EncodedFrame {
	t.l.Lock()
	defer t.l.Unlock()
	return append([]process.EncodedFrame(nil), t.frames...)
}

func (t *Transport) Files() []string {
	t.l.Lock()
	defer t.l.Unlock()
	return append([]string(nil), t.files...)
}
