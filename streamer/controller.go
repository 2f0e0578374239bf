// Package streamer holds the Streamer role's controller: it owns recording
// intent and connection status, and turns Host and HTTP commands into calls
// on the capture pipeline and recorder.
package streamer

import (
	"fmt"
	"net/http"
	"sync"

	log "github.com/sirupsen/logrus"

	"peercam/notify"
	"peercam/transport"
	"peercam/video"
	"peercam/video/source"
)

const (
	statusNotConnected = "Not connected"
	statusConnectedFmt = "Connected to: %v"
)

// Pipeline is the part of video.Pipeline the controller drives.
type Pipeline interface {
	Mode() video.Mode
	SetOrientation(o source.VideoOrientation)
	Stats() video.FrameStats
}

// Peer is the part of transport.Peer the controller drives.
type Peer interface {
	SendState(state string)
	SendStatus(text string)
	Connected() (string, bool)
}

// Status is a snapshot of the controller, as shown to users.
type Status struct {
	Mode      string           `json:"mode"`
	State     string           `json:"state"`
	Status    string           `json:"status"`
	Connected bool             `json:"connected"`
	Host      string           `json:"host,omitempty"`
	Button    string           `json:"button"`
	Frames    video.FrameStats `json:"frames"`
}

// Controller serializes user-visible updates through a UI executor. State
// and status are updated there, asynchronously to the capture goroutines.
type Controller struct {
	pipeline Pipeline
	recorder *video.Recorder
	peer     Peer
	ui       notify.Executor

	l      sync.Mutex
	state  video.RecordingState
	status string
	host   string

	cancels []func()
}

// New wires the controller to the bus the recorder publishes on. ui is the
// designated context for status updates; nil runs them inline.
func New(p Pipeline, r *video.Recorder, peer Peer, bus *notify.Bus, ui notify.Executor) *Controller {
	c := &Controller{
		pipeline: p,
		recorder: r,
		peer:     peer,
		ui:       ui,
		state:    video.Idle,
		status:   statusNotConnected,
	}
	if addr, ok := peer.Connected(); ok {
		c.host = addr
		c.status = fmt.Sprintf(statusConnectedFmt, addr)
	}
	c.cancels = append(c.cancels,
		r.Subscribe(ui, c.onState),
		notify.Subscribe(bus, ui, c.onStatus),
	)
	return c
}

func (c *Controller) onState(ev video.StateChanged) {
	c.l.Lock()
	c.state = ev.State
	c.l.Unlock()
	c.peer.SendState(ev.State.String())
}

func (c *Controller) onStatus(ev video.StatusChanged) {
	c.setStatus(ev.Text)
}

func (c *Controller) setStatus(text string) {
	c.l.Lock()
	c.status = text
	c.l.Unlock()
	log.WithField("component", "streamer").Info(text)
	c.peer.SendStatus(text)
}

// HostConnected is called by the peer link when a Host connects.
func (c *Controller) HostConnected(addr string) {
	c.dispatch(func() {
		c.l.Lock()
		c.host = addr
		state := c.state
		c.l.Unlock()
		c.setStatus(fmt.Sprintf(statusConnectedFmt, addr))
		c.peer.SendState(state.String())
	})
}

// HostDisconnected is called by the peer link when the Host goes away.
func (c *Controller) HostDisconnected(addr string) {
	c.dispatch(func() {
		c.l.Lock()
		if c.host != addr {
			c.l.Unlock()
			return
		}
		c.host = ""
		c.status = statusNotConnected
		c.l.Unlock()
		log.WithField("component", "streamer").Info(statusNotConnected)
	})
}

func (c *Controller) dispatch(fn func()) {
	if c.ui == nil {
		fn()
		return
	}
	c.ui.Dispatch(fn)
}

// HandleCommand implements transport.CommandHandler.
func (c *Controller) HandleCommand(m transport.Message) error {
	switch m.Command {
	case transport.CommandStart:
		return c.recorder.Start()
	case transport.CommandStop:
		return c.recorder.Stop()
	case transport.CommandReset:
		return c.recorder.Reset()
	case transport.CommandOrientation:
		o, err := source.ParseVideoOrientation(m.Orientation)
		if err != nil {
			return err
		}
		c.pipeline.SetOrientation(o)
		return nil
	}
	return fmt.Errorf("unknown command %q", m.Command)
}

// Toggle starts a recording when idle and stops it while recording, like the
// Host's record button. Once finished it does nothing until reset.
func (c *Controller) Toggle() error {
	switch c.recorder.State() {
	case video.Idle:
		return c.recorder.Start()
	case video.Recording:
		return c.recorder.Stop()
	default:
		return video.ErrRecordingFinished
	}
}

// Reset re-arms recording.
func (c *Controller) Reset() error {
	return c.recorder.Reset()
}

// ServeHTTP implements http.Handler interface for manual triggering.
func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := c.Toggle(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.Header().Add("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "ok")
}

func buttonTitle(s video.RecordingState) string {
	switch s {
	case video.Recording:
		return "Stop Recording"
	case video.Finished:
		return "Recording Finished"
	default:
		return "Start Recording"
	}
}

func (c *Controller) Status() Status {
	c.l.Lock()
	defer c.l.Unlock()
	return Status{
		Mode:      c.pipeline.Mode().String(),
		State:     c.state.String(),
		Status:    c.status,
		Connected: c.host != "",
		Host:      c.host,
		Button:    buttonTitle(c.state),
		Frames:    c.pipeline.Stats(),
	}
}

// Close cancels the controller's subscriptions.
func (c *Controller) Close() {
	for _, cancel := range c.cancels {
		cancel()
	}
	c.cancels = nil
}
