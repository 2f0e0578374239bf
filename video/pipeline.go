package video

import (
	"errors"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"peercam/metrics"
	"peercam/video/process"
	"peercam/video/sink"
	"peercam/video/source"
)

var ErrNotConfigured = errors.New("pipeline is not configured")

// Topology describes a configured session.
type Topology struct {
	Mode      Mode
	SessionID string
	Video     source.Device
	Audio     source.Device
	// Movie and Frames report which outputs exist.
	Movie  bool
	Frames bool
}

// FrameStats counts what happened to live frames in the current session.
type FrameStats struct {
	Captured   uint64
	Throttled  uint64
	Forwarded  uint64
	Late       uint64
	Conversion uint64
	Encoding   uint64
	// Pending is the throttler count since the last forwarded frame.
	Pending int
}

// Pipeline builds capture sessions for a streaming mode and routes live frames
// through the throttler and encoder to the transport.
type Pipeline struct {
	backend   Backend
	transport sink.Transport
	skip      int

	l           sync.Mutex
	mode        Mode
	session     *Session
	orientation source.VideoOrientation
	frames      *framePath
}

// NewPipeline forwards one in skip live frames to t.
func NewPipeline(b Backend, t sink.Transport, skip int) *Pipeline {
	if t == nil {
		t = sink.Discard
	}
	return &Pipeline{
		backend:     b,
		transport:   t,
		skip:        skip,
		orientation: source.Portrait,
	}
}

// Configure tears down any previous session and builds a new one for mode.
// On failure the pipeline is left unconfigured.
func (p *Pipeline) Configure(mode Mode) (Topology, error) {
	p.l.Lock()
	defer p.l.Unlock()

	p.teardownLocked()

	if mode != FileRecording && mode != LiveStreaming && mode != Hybrid {
		return Topology{}, setupErrorf(OutputRejected, "unsupported mode %v", mode)
	}

	video, ok := p.backend.DefaultDevice(source.Video)
	if !ok {
		return Topology{}, setupErrorf(DeviceUnavailable, "no video device")
	}
	audio, ok := p.backend.DefaultDevice(source.Audio)
	if !ok {
		return Topology{}, setupErrorf(DeviceUnavailable, "no audio device")
	}

	vin, err := p.backend.OpenInput(video)
	if err != nil {
		return Topology{}, &SetupError{Kind: InputRejected, Err: err}
	}
	ain, err := p.backend.OpenInput(audio)
	if err != nil {
		closeInputs(vin)
		return Topology{}, &SetupError{Kind: InputRejected, Err: err}
	}

	s := NewSession()
	// Both inputs must be admissible before either is committed.
	if !s.CanAddInput(vin) || !s.CanAddInput(ain) {
		closeInputs(vin, ain)
		return Topology{}, setupErrorf(InputRejected, "session refused inputs %v and %v", video, audio)
	}
	if err := s.AddInput(vin); err != nil {
		closeInputs(vin, ain)
		return Topology{}, &SetupError{Kind: InputRejected, Err: err}
	}
	if err := s.AddInput(ain); err != nil {
		s.Teardown()
		closeInputs(ain)
		return Topology{}, &SetupError{Kind: InputRejected, Err: err}
	}

	topo := Topology{
		Mode:      mode,
		SessionID: s.ID,
		Video:     video,
		Audio:     audio,
	}

	if mode.HasMovie() {
		mo, err := p.backend.NewMovieOutput()
		if err == nil {
			err = s.AddOutput(mo)
		}
		if err != nil {
			s.Teardown()
			return Topology{}, &SetupError{Kind: OutputRejected, Err: err}
		}
		topo.Movie = true
	}

	var fp *framePath
	if mode.HasFrames() {
		fp = &framePath{
			throttle:  process.NewThrottler(p.skip),
			encoder:   process.NewEncoder(),
			transport: p.transport,
		}
		fo := NewFrameOutput(fp.handle)
		if err := s.AddOutput(fo); err != nil {
			s.Teardown()
			return Topology{}, &SetupError{Kind: OutputRejected, Err: err}
		}
		fp.output = fo
		topo.Frames = true
	}

	if c := s.Connection(); c != nil {
		c.SetVideoOrientation(p.orientation)
	}

	p.mode = mode
	p.session = s
	p.frames = fp
	log.WithFields(log.Fields{
		"mode":    mode,
		"session": s.ID,
		"video":   video.ID,
		"audio":   audio.ID,
	}).Info("Capture pipeline configured")
	return topo, nil
}

func closeInputs(ins ...Input) {
	for _, in := range ins {
		if err := in.Close(); err != nil {
			log.Warnf("Failed to close %v: %v", in.Device(), err)
		}
	}
}

func (p *Pipeline) Start() error {
	p.l.Lock()
	defer p.l.Unlock()
	if p.session == nil {
		return ErrNotConfigured
	}
	return p.session.Start()
}

func (p *Pipeline) Stop() {
	p.l.Lock()
	defer p.l.Unlock()
	if p.session != nil {
		p.session.Stop()
	}
}

// Teardown releases the session. The pipeline must be configured again
// before use.
func (p *Pipeline) Teardown() {
	p.l.Lock()
	defer p.l.Unlock()
	p.teardownLocked()
}

func (p *Pipeline) teardownLocked() {
	if p.session == nil {
		return
	}
	p.session.Teardown()
	p.session = nil
	p.frames = nil
	p.mode = 0
}

// SetOrientation applies to frames delivered from now on, and to the next
// recording.
func (p *Pipeline) SetOrientation(o source.VideoOrientation) {
	p.l.Lock()
	defer p.l.Unlock()
	p.orientation = o
	if p.session != nil {
		if c := p.session.Connection(); c != nil {
			c.SetVideoOrientation(o)
		}
	}
}

// Mode returns the configured mode, or 0 when unconfigured.
func (p *Pipeline) Mode() Mode {
	p.l.Lock()
	defer p.l.Unlock()
	return p.mode
}

// Session exposes the capture session, e.g. for a preview surface.
func (p *Pipeline) Session() *Session {
	p.l.Lock()
	defer p.l.Unlock()
	return p.session
}

// MovieOutput returns nil unless the mode records files.
func (p *Pipeline) MovieOutput() MovieOutput {
	p.l.Lock()
	defer p.l.Unlock()
	if p.session == nil {
		return nil
	}
	return p.session.MovieOutput()
}

func (p *Pipeline) Stats() FrameStats {
	p.l.Lock()
	fp := p.frames
	p.l.Unlock()
	if fp == nil {
		return FrameStats{}
	}
	return fp.stats()
}

// framePath is the per-session live frame handler. It only runs on the frame
// output goroutine.
type framePath struct {
	throttle  *process.Throttler
	encoder   *process.Encoder
	transport sink.Transport
	output    *FrameOutput

	captured, throttled, forwarded atomic.Uint64
	conversion, encoding           atomic.Uint64
	pending                        atomic.Int64
}

func (fp *framePath) handle(f source.Frame, o source.VideoOrientation) {
	fp.captured.Add(1)
	metrics.FramesCaptured.Inc()

	allow := fp.throttle.Allow()
	fp.pending.Store(int64(fp.throttle.Count()))
	if !allow {
		fp.throttled.Add(1)
		metrics.FramesThrottled.Inc()
		return
	}

	enc, err := fp.encoder.Encode(f, o)
	if err != nil {
		reason := metrics.DropEncoding
		if errors.Is(err, process.ErrConversionFailed) {
			reason = metrics.DropConversion
			fp.conversion.Add(1)
		} else {
			fp.encoding.Add(1)
		}
		metrics.FramesDropped.WithLabelValues(reason).Inc()
		fields := log.Fields{"seq": f.Seq}
		if f.Buffer != nil {
			fields["width"] = f.Buffer.Width()
			fields["height"] = f.Buffer.Height()
		}
		log.WithFields(fields).Warnf("Dropping frame: %v", err)
		return
	}

	fp.forwarded.Add(1)
	metrics.FramesForwarded.Inc()
	metrics.EncodedBytes.Add(float64(len(enc.Data)))
	fp.transport.SendFrame(enc)
}

func (fp *framePath) stats() FrameStats {
	s := FrameStats{
		Captured:   fp.captured.Load(),
		Throttled:  fp.throttled.Load(),
		Forwarded:  fp.forwarded.Load(),
		Conversion: fp.conversion.Load(),
		Encoding:   fp.encoding.Load(),
		Pending:    int(fp.pending.Load()),
	}
	if fp.output != nil {
		s.Late = fp.output.Late()
	}
	return s
}
