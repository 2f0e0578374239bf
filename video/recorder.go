package video

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"peercam/metrics"
	"peercam/notify"
	"peercam/video/sink"
)

// RecordingState is the lifecycle stage of the session's recording.
type RecordingState int

const (
	Idle RecordingState = iota
	Recording
	Finished
)

func (s RecordingState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Finished:
		return "finished"
	default:
		return fmt.Sprintf("RecordingState(%d)", int(s))
	}
}

var (
	ErrNoRecordingInMode = errors.New("no recording in this mode")
	ErrAlreadyRecording  = errors.New("already recording")
	ErrNotRecording      = errors.New("not recording")
	ErrRecordingFinished = errors.New("recording finished; reset first")
	ErrRecordingActive   = errors.New("a recording is still being written")
	ErrRecorderClosed    = errors.New("recorder closed")
	// ErrUnrequestedCompletion is reported when a movie output finalizes a
	// file nobody asked it to stop.
	ErrUnrequestedCompletion = errors.New("recording ended without a stop request")
)

// RecordingWriteError is surfaced when a recording could not be finalized.
type RecordingWriteError struct {
	Path string
	Err  error
}

func (e *RecordingWriteError) Error() string {
	return fmt.Sprintf("recording %v failed: %v", e.Path, e.Err)
}

func (e *RecordingWriteError) Unwrap() error { return e.Err }

// Status texts.
const (
	StatusRecording    = "Recording..."
	StatusFinished     = "Recording finished!"
	StatusNoRecording  = "Live streaming mode - no recording"
	StatusReady        = "Ready"
	statusFailedPrefix = "Recording failed: "
)

// Event type identifiers on the notify bus.
const (
	TypeStateChanged uint32 = iota + 100
	TypeRecordingDelivered
	TypeRecordingFailed
	TypeStatusChanged
)

// StateChanged is published on every recording state transition.
type StateChanged struct {
	State    RecordingState
	Previous RecordingState
}

func (StateChanged) Type() uint32 { return TypeStateChanged }

// RecordingDelivered is published once a finished file is handed to the
// transport.
type RecordingDelivered struct {
	ID   string
	Path string
}

func (RecordingDelivered) Type() uint32 { return TypeRecordingDelivered }

// RecordingFailed is published when finalization reports an error.
type RecordingFailed struct {
	ID  string
	Err *RecordingWriteError
}

func (RecordingFailed) Type() uint32 { return TypeRecordingFailed }

// StatusChanged carries user-visible status text.
type StatusChanged struct {
	Text string
}

func (StatusChanged) Type() uint32 { return TypeStatusChanged }

// MovieSource provides the session's movie output, if the mode has one.
type MovieSource interface {
	Mode() Mode
	MovieOutput() MovieOutput
}

type recorderOp int

const (
	opStart recorderOp = iota
	opStop
	opReset
	opState
)

type recorderRequest struct {
	op    recorderOp
	mode  Mode
	movie MovieOutput
	reply chan recorderReply
}

type recorderReply struct {
	state RecordingState
	err   error
}

type completion struct {
	id   string
	path string
	err  error
}

// Recorder is the recording state machine. A single goroutine owns the
// state; controller requests and movie completions are serialized through
// it.
type Recorder struct {
	movies    MovieSource
	scratch   *ScratchFile
	transport sink.Transport
	bus       *notify.Bus

	req        chan recorderRequest
	completion chan completion
	close      chan chan bool
	done       chan bool
}

func NewRecorder(m MovieSource, scratch *ScratchFile, t sink.Transport, bus *notify.Bus) *Recorder {
	if t == nil {
		t = sink.Discard
	}
	if bus == nil {
		bus = notify.NewBus()
	}
	r := &Recorder{
		movies:    m,
		scratch:   scratch,
		transport: t,
		bus:       bus,

		req:        make(chan recorderRequest),
		completion: make(chan completion),
		close:      make(chan chan bool),
		done:       make(chan bool),
	}
	metrics.RecordingState.Set(float64(Idle))
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)

	state := Idle
	// active is true while a write is in progress.
	active := false
	stopping := false
	var id string
	var movie MovieOutput

	setState := func(s RecordingState) {
		if s == state {
			return
		}
		prev := state
		state = s
		metrics.RecordingState.Set(float64(s))
		log.Infof("Recording state %v -> %v", prev, s)
		r.publish(StateChanged{State: s, Previous: prev})
	}

	for {
		select {
		case req := <-r.req:
			var err error
			switch req.op {
			case opStart:
				switch {
				case req.mode == 0:
					err = ErrNotConfigured
				case !req.mode.HasMovie():
					r.status(StatusNoRecording)
					err = ErrNoRecordingInMode
				case state == Recording:
					err = ErrAlreadyRecording
				case state == Finished:
					err = ErrRecordingFinished
				case req.movie == nil:
					err = ErrNotConfigured
				default:
					movie = req.movie
					if rerr := r.scratch.Remove(); rerr != nil {
						log.Debugf("Ignoring failure to remove %v: %v", r.scratch.Path(), rerr)
					}
					rid := uuid.NewString()
					cb := func(path string, err error) { r.complete(rid, path, err) }
					if err = movie.StartRecording(r.scratch.Path(), cb); err != nil {
						err = fmt.Errorf("failed to start recording: %w", err)
						break
					}
					id = rid
					active = true
					stopping = false
					setState(Recording)
					r.status(StatusRecording)
				}
			case opStop:
				switch {
				case state != Recording || !active:
					err = ErrNotRecording
				case stopping:
				default:
					stopping = true
					movie.StopRecording()
				}
			case opReset:
				if active {
					err = ErrRecordingActive
					break
				}
				if state != Idle {
					setState(Idle)
					r.status(StatusReady)
				}
			}
			req.reply <- recorderReply{state: state, err: err}

		case c := <-r.completion:
			if !active || c.id != id {
				log.Warnf("Ignoring stale completion for %v", c.path)
				continue
			}
			active = false
			requested := stopping
			stopping = false

			err := c.err
			if err == nil && !requested {
				err = ErrUnrequestedCompletion
			}
			if err != nil {
				werr := &RecordingWriteError{Path: c.path, Err: err}
				log.Errorf("%v", werr)
				metrics.Recordings.WithLabelValues("failed").Inc()
				r.publish(RecordingFailed{ID: c.id, Err: werr})
				r.status(statusFailedPrefix + err.Error())
				continue
			}

			setState(Finished)
			r.transport.SendFile(c.path)
			metrics.Recordings.WithLabelValues("delivered").Inc()
			r.publish(RecordingDelivered{ID: c.id, Path: c.path})
			r.status(StatusFinished)

		case c := <-r.close:
			c <- true
			return
		}
	}
}

func (r *Recorder) publish(ev notify.Event) {
	switch ev := ev.(type) {
	case StateChanged:
		notify.Publish(r.bus, ev)
	case RecordingDelivered:
		notify.Publish(r.bus, ev)
	case RecordingFailed:
		notify.Publish(r.bus, ev)
	case StatusChanged:
		notify.Publish(r.bus, ev)
	}
}

func (r *Recorder) status(text string) {
	r.publish(StatusChanged{Text: text})
}

func (r *Recorder) complete(id, path string, err error) {
	select {
	case r.completion <- completion{id: id, path: path, err: err}:
	case <-r.done:
		log.Warnf("Recorder closed before %v completed", path)
	}
}

func (r *Recorder) do(op recorderOp) (RecordingState, error) {
	return r.send(recorderRequest{op: op})
}

func (r *Recorder) send(req recorderRequest) (RecordingState, error) {
	req.reply = make(chan recorderReply, 1)
	select {
	case r.req <- req:
	case <-r.done:
		return Idle, ErrRecorderClosed
	}
	rep := <-req.reply
	return rep.state, rep.err
}

// Start begins a recording to the scratch file. It fails in modes without a
// movie output, while a recording is active and once a recording finished.
func (r *Recorder) Start() error {
	// The pipeline is consulted here, never on the state goroutine: a
	// teardown holds the pipeline lock while it waits for that goroutine to
	// accept the recording's completion.
	req := recorderRequest{op: opStart, mode: r.movies.Mode()}
	if req.mode.HasMovie() {
		req.movie = r.movies.MovieOutput()
	}
	_, err := r.send(req)
	return err
}

// Stop asks the movie output to finalize the file. The state only becomes
// Finished once the output reports successful completion.
func (r *Recorder) Stop() error {
	_, err := r.do(opStop)
	return err
}

// Reset re-arms the recorder after a finished or failed recording.
func (r *Recorder) Reset() error {
	_, err := r.do(opReset)
	return err
}

func (r *Recorder) State() RecordingState {
	s, _ := r.do(opState)
	return s
}

// Subscribe registers fn for state transitions, dispatched through ex.
func (r *Recorder) Subscribe(ex notify.Executor, fn func(StateChanged)) (cancel func()) {
	return notify.Subscribe(r.bus, ex, fn)
}

// Close stops the state machine. Later requests return ErrRecorderClosed.
func (r *Recorder) Close() {
	c := make(chan bool)
	select {
	case r.close <- c:
		<-c
	case <-r.done:
	}
}
