package video

import (
	"errors"
	"fmt"
	"image"
	"sync"

	log "github.com/sirupsen/logrus"

	"peercam/util"
	"peercam/video/process"
	"peercam/video/sink"
	"peercam/video/source"
)

var (
	ErrRecordingInProgress = errors.New("movie output is already recording")
	ErrNoFrames            = errors.New("no frames were recorded")
)

// Backend is the platform capture layer.
type Backend interface {
	DefaultDevice(kind source.MediaKind) (source.Device, bool)
	OpenInput(dev source.Device) (Input, error)
	NewMovieOutput() (MovieOutput, error)
}

// SystemBackend captures from V4L2 cameras and records through ffmpeg, which
// also captures audio straight from ALSA.
type SystemBackend struct {
	Devices source.Devices
	Camera  source.CameraOptions
	// FFmpeg is the ffmpeg binary.
	FFmpeg string
}

func (b *SystemBackend) DefaultDevice(kind source.MediaKind) (source.Device, bool) {
	return b.Devices.Default(kind)
}

func (b *SystemBackend) OpenInput(dev source.Device) (Input, error) {
	switch dev.Kind {
	case source.Video:
		return source.OpenCamera(dev, b.Camera)
	case source.Audio:
		return &audioInput{dev: dev}, nil
	}
	return nil, fmt.Errorf("unsupported device %v", dev)
}

func (b *SystemBackend) NewMovieOutput() (MovieOutput, error) {
	if b.FFmpeg == "" {
		return nil, errors.New("no ffmpeg binary configured")
	}
	fps := b.Camera.FPS
	if fps <= 0 {
		fps = 30
	}
	return &ffmpegMovieOutput{binary: b.FFmpeg, fps: fps}, nil
}

// audioInput is consumed directly by the movie writer and never delivers
// frames itself.
type audioInput struct {
	dev source.Device
}

func (a *audioInput) Device() source.Device          { return a.dev }
func (a *audioInput) Start(func(source.Frame)) error { return nil }
func (a *audioInput) Stop()                          {}
func (a *audioInput) Close() error                   { return nil }

// ffmpegMovieOutput writes a fixed frame rate movie through ffmpeg. The
// ffmpeg process starts with the first frame, once the frame size is known.
type ffmpegMovieOutput struct {
	binary string
	fps    int
	conn   *Connection

	l         sync.Mutex
	recording bool
	path      string
	done      func(path string, err error)
	sink      sink.Sink
	err       error
	finalized *util.Completion
}

func (m *ffmpegMovieOutput) Connect(c *Connection) { m.conn = c }

func (m *ffmpegMovieOutput) StartRecording(path string, done func(string, error)) error {
	m.l.Lock()
	defer m.l.Unlock()
	if m.recording {
		return ErrRecordingInProgress
	}
	m.recording = true
	m.path = path
	m.done = done
	m.sink = nil
	m.err = nil
	m.finalized = util.NewCompletion()
	log.Infof("Recording to %v", path)
	return nil
}

func (m *ffmpegMovieOutput) Recording() bool {
	m.l.Lock()
	defer m.l.Unlock()
	return m.recording
}

func (m *ffmpegMovieOutput) PutFrame(f source.Frame) {
	m.l.Lock()
	defer m.l.Unlock()
	if !m.recording || m.err != nil {
		return
	}
	if m.sink == nil {
		o := sink.FFmpegOptions{
			Binary: m.binary,
			Size:   image.Pt(f.Buffer.Width(), f.Buffer.Height()),
			FPS:    m.fps,
		}
		if m.conn != nil {
			o.AudioDevice = m.conn.Audio.ID
			o.Orientation = process.ImageOrientationFor(m.conn.VideoOrientation())
		}
		s, err := sink.NewFFmpegSink(m.path, o)
		if err != nil {
			log.Errorf("Failed to start movie writer: %v", err)
			m.err = err
			return
		}
		// Ensure video is output with constant FPS.
		m.sink = sink.NewFPSNormalize(s, m.fps)
	}
	m.sink.Put(f)
}

func (m *ffmpegMovieOutput) StopRecording() {
	m.l.Lock()
	defer m.l.Unlock()
	if !m.recording {
		return
	}
	m.recording = false
	s, path, done, err, fin := m.sink, m.path, m.done, m.err, m.finalized
	m.sink, m.done = nil, nil

	go func() {
		if s != nil {
			err = s.Close()
		} else if err == nil {
			err = ErrNoFrames
		}
		if err != nil {
			log.Errorf("Recording %v failed: %v", path, err)
		} else {
			log.Infof("Recording %v finalized", path)
		}
		if done != nil {
			done(path, err)
		}
		fin.Complete(err)
	}()
}

// Wait blocks until the last recording is finalized and returns its error.
func (m *ffmpegMovieOutput) Wait() error {
	m.l.Lock()
	fin := m.finalized
	m.l.Unlock()
	if fin == nil {
		return nil
	}
	return fin.Wait()
}
