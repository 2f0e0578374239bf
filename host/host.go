// Package host implements the Host role: it shows the Streamer's live frames,
// keeps the recordings it receives and remotely starts and stops recording.
package host

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	log "github.com/sirupsen/logrus"

	"peercam/transport"
	"peercam/video/process"
	"peercam/video/sink"
)

// FileTimeLayout prefixes received file names.
// See https://golang.org/src/time/format.go.
const FileTimeLayout = "20060102-150405-Z0700"

// RetryDelay between connection attempts.
const RetryDelay = 2 * time.Second

var (
	ErrNotConnected     = errors.New("not connected to a streamer")
	ErrRecordingDone    = errors.New("recording finished")
	errUnknownRecording = errors.New("no recording received")
)

// Recording describes a received file.
type Recording struct {
	ID          string    `json:"id"`
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	DurationSec float64   `json:"duration_sec"`
	ReceivedAt  time.Time `json:"received_at"`
}

// Status is a snapshot of the Host, as shown to users.
type Status struct {
	Connected bool       `json:"connected"`
	State     string     `json:"state"`
	Status    string     `json:"status"`
	Button    string     `json:"button"`
	Frames    uint64     `json:"frames"`
	Width     int        `json:"width,omitempty"`
	Height    int        `json:"height,omitempty"`
	Last      *Recording `json:"last,omitempty"`
}

// Sender is the part of transport.Client used to send commands.
type Sender interface {
	SendCommand(cmd transport.Command) error
}

type Host struct {
	dir    string
	stream sink.Transport

	l         sync.Mutex
	sender    Sender
	state     string
	status    string
	frames    uint64
	lastFrame transport.FrameHeader
	last      *Recording
}

// New stores recordings in dir and forwards live frames to stream.
func New(dir string, stream sink.Transport) (*Host, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	if stream == nil {
		stream = sink.Discard
	}
	return &Host{
		dir:    dir,
		stream: stream,
		state:  "idle",
		status: "Not connected",
	}, nil
}

// Run connects to the Streamer at url and processes its messages, reconnecting
// until ctx is done.
func (h *Host) Run(ctx context.Context, url string) error {
	for {
		err := h.runOnce(ctx, url)
		if ctx.Err() != nil {
			return nil
		}
		log.Warnf("Streamer link: %v; retrying in %v", err, RetryDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(RetryDelay):
		}
	}
}

func (h *Host) runOnce(ctx context.Context, url string) error {
	c, err := transport.Dial(ctx, url)
	if err != nil {
		return err
	}
	defer c.Close()

	c.OnFrame = h.HandleFrame
	c.OnFile = h.HandleFile
	c.OnState = h.HandleState
	c.OnStatus = h.HandleStatus

	h.setSender(c, "Connected to: "+url)
	defer h.setSender(nil, "Not connected")
	return c.Run(ctx)
}

func (h *Host) setSender(s Sender, status string) {
	h.l.Lock()
	defer h.l.Unlock()
	h.sender = s
	h.status = status
}

// HandleFrame shows a live frame.
func (h *Host) HandleFrame(hdr transport.FrameHeader, jpeg []byte) {
	h.l.Lock()
	h.frames++
	h.lastFrame = hdr
	h.l.Unlock()

	h.stream.SendFrame(process.EncodedFrame{
		Data:       jpeg,
		Width:      hdr.Width,
		Height:     hdr.Height,
		Seq:        hdr.Seq,
		CapturedAt: hdr.CapturedAt,
	})
}

// HandleFile stores a received recording.
func (h *Host) HandleFile(hdr transport.FileHeader, data []byte) {
	now := time.Now()
	name := now.Format(FileTimeLayout) + "_" + filepath.Base(hdr.Name)
	path := filepath.Join(h.dir, name)
	if err := renameio.WriteFile(path, data, 0644); err != nil {
		log.Errorf("Failed to save recording %v: %v", path, err)
		h.HandleStatus(fmt.Sprintf("Failed to save recording: %v", err))
		return
	}
	log.WithFields(log.Fields{
		"path":     path,
		"size":     len(data),
		"duration": hdr.DurationSec,
	}).Info("Received recording")

	h.l.Lock()
	defer h.l.Unlock()
	h.last = &Recording{
		ID:          hdr.ID,
		Path:        path,
		Size:        int64(len(data)),
		DurationSec: hdr.DurationSec,
		ReceivedAt:  now,
	}
	h.status = "Recording received"
}

func (h *Host) HandleState(state string) {
	h.l.Lock()
	defer h.l.Unlock()
	h.state = state
}

func (h *Host) HandleStatus(text string) {
	log.WithField("component", "host").Info(text)
	h.l.Lock()
	defer h.l.Unlock()
	h.status = text
}

// Attach sets the command sender directly, for hosts driven without Run.
func (h *Host) Attach(s Sender) {
	h.setSender(s, "Connected")
}

// Toggle asks the Streamer to start or stop recording, depending on the last
// state it reported. It is disabled once the recording finished.
func (h *Host) Toggle() error {
	h.l.Lock()
	s, state := h.sender, h.state
	h.l.Unlock()
	if s == nil {
		return ErrNotConnected
	}
	switch state {
	case "recording":
		return s.SendCommand(transport.CommandStop)
	case "finished":
		return ErrRecordingDone
	default:
		return s.SendCommand(transport.CommandStart)
	}
}

// Reset asks the Streamer to re-arm recording.
func (h *Host) Reset() error {
	h.l.Lock()
	s := h.sender
	h.l.Unlock()
	if s == nil {
		return ErrNotConnected
	}
	return s.SendCommand(transport.CommandReset)
}

// ServeHTTP implements http.Handler interface for the record button.
func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.Toggle(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.Header().Add("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "ok")
}

// LastRecording returns the path of the most recently received file.
func (h *Host) LastRecording() (string, error) {
	h.l.Lock()
	defer h.l.Unlock()
	if h.last == nil {
		return "", errUnknownRecording
	}
	return h.last.Path, nil
}

func (h *Host) Status() Status {
	h.l.Lock()
	defer h.l.Unlock()
	s := Status{
		Connected: h.sender != nil,
		State:     h.state,
		Status:    h.status,
		Frames:    h.frames,
		Width:     h.lastFrame.Width,
		Height:    h.lastFrame.Height,
	}
	switch h.state {
	case "recording":
		s.Button = "Stop Recording"
	case "finished":
		s.Button = "Recording Finished"
	default:
		s.Button = "Start Recording"
	}
	if h.last != nil {
		last := *h.last
		s.Last = &last
	}
	return s
}
