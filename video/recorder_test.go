package video_test

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peercam/notify"
	"peercam/video"
	"peercam/video/videotest"
)

type recorderFixture struct {
	backend   *videotest.Backend
	pipeline  *video.Pipeline
	transport *videotest.Transport
	scratch   *video.ScratchFile
	bus       *notify.Bus
	recorder  *video.Recorder

	l        sync.Mutex
	states   []video.RecordingState
	statuses []string
	failures []*video.RecordingWriteError
}

func newRecorderFixture(t *testing.T, mode video.Mode) *recorderFixture {
	f := &recorderFixture{
		backend:   videotest.NewBackend(),
		transport: &videotest.Transport{},
		bus:       notify.NewBus(),
	}
	f.pipeline = video.NewPipeline(f.backend, f.transport, 5)
	_, err := f.pipeline.Configure(mode)
	require.NoError(t, err)

	f.scratch, err = video.NewScratchFile(t.TempDir(), "recording.mp4")
	require.NoError(t, err)
	f.recorder = video.NewRecorder(f.pipeline, f.scratch, f.transport, f.bus)

	f.recorder.Subscribe(notify.Inline, func(ev video.StateChanged) {
		f.l.Lock()
		defer f.l.Unlock()
		f.states = append(f.states, ev.State)
	})
	notify.Subscribe(f.bus, notify.Inline, func(ev video.StatusChanged) {
		f.l.Lock()
		defer f.l.Unlock()
		f.statuses = append(f.statuses, ev.Text)
	})
	notify.Subscribe(f.bus, notify.Inline, func(ev video.RecordingFailed) {
		f.l.Lock()
		defer f.l.Unlock()
		f.failures = append(f.failures, ev.Err)
	})

	t.Cleanup(func() {
		f.recorder.Close()
		f.pipeline.Teardown()
		f.bus.Close()
	})
	return f
}

func (f *recorderFixture) movie() *videotest.MovieOutput {
	return f.backend.Movies()[0]
}

func (f *recorderFixture) seenStates() []video.RecordingState {
	f.l.Lock()
	defer f.l.Unlock()
	return append([]video.RecordingState(nil), f.states...)
}

func (f *recorderFixture) seenStatuses() []string {
	f.l.Lock()
	defer f.l.Unlock()
	return append([]string(nil), f.statuses...)
}

func (f *recorderFixture) seenFailures() []*video.RecordingWriteError {
	f.l.Lock()
	defer f.l.Unlock()
	return append([]*video.RecordingWriteError(nil), f.failures...)
}

func TestRecordingDeliversFileOnce(t *testing.T) {
	f := newRecorderFixture(t, video.FileRecording)
	require.NoError(t, os.WriteFile(f.scratch.Path(), []byte("stale"), 0644))

	require.NoError(t, f.recorder.Start())
	assert.False(t, f.scratch.Exists(), "stale scratch file removed")
	assert.Equal(t, video.Recording, f.recorder.State())
	assert.Equal(t, 1, f.movie().Starts())
	assert.Equal(t, f.scratch.Path(), f.movie().Path())

	require.NoError(t, f.recorder.Stop())
	// Stopping only requests finalization.
	assert.Equal(t, video.Recording, f.recorder.State())
	assert.Equal(t, 1, f.movie().Stops())
	require.NoError(t, f.recorder.Stop(), "repeated stop while pending")
	assert.Equal(t, 1, f.movie().Stops())
	assert.Empty(t, f.transport.Files())

	f.movie().Complete(nil)
	assert.Equal(t, video.Finished, f.recorder.State())
	assert.Equal(t, []string{f.scratch.Path()}, f.transport.Files())

	require.Eventually(t, func() bool { return len(f.seenStates()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []video.RecordingState{video.Recording, video.Finished}, f.seenStates())
	require.Eventually(t, func() bool {
		s := f.seenStatuses()
		return len(s) > 0 && s[len(s)-1] == video.StatusFinished
	}, time.Second, time.Millisecond)

	assert.ErrorIs(t, f.recorder.Start(), video.ErrRecordingFinished)
	assert.Equal(t, 1, f.movie().Starts())
	assert.Len(t, f.transport.Files(), 1)
}

func TestStartWhileRecordingStartsNoSecondWrite(t *testing.T) {
	f := newRecorderFixture(t, video.FileRecording)
	require.NoError(t, f.recorder.Start())
	assert.ErrorIs(t, f.recorder.Start(), video.ErrAlreadyRecording)
	assert.Equal(t, 1, f.movie().Starts())
	assert.Equal(t, video.Recording, f.recorder.State())
}

func TestStartInLiveModeIsRefused(t *testing.T) {
	f := newRecorderFixture(t, video.LiveStreaming)
	assert.ErrorIs(t, f.recorder.Start(), video.ErrNoRecordingInMode)
	assert.Equal(t, video.Idle, f.recorder.State())
	assert.Empty(t, f.backend.Movies())
	require.Eventually(t, func() bool {
		s := f.seenStatuses()
		return len(s) == 1 && s[0] == video.StatusNoRecording
	}, time.Second, time.Millisecond)
	assert.Empty(t, f.seenStates())
}

func TestFailedCompletionDoesNotAdvance(t *testing.T) {
	f := newRecorderFixture(t, video.Hybrid)
	require.NoError(t, f.recorder.Start())
	require.NoError(t, f.recorder.Stop())

	writeErr := errors.New("disk full")
	f.movie().Complete(writeErr)

	assert.Equal(t, video.Recording, f.recorder.State())
	assert.Empty(t, f.transport.Files())
	require.Eventually(t, func() bool { return len(f.seenFailures()) == 1 }, time.Second, time.Millisecond)
	failure := f.seenFailures()[0]
	assert.ErrorIs(t, failure, writeErr)
	assert.Equal(t, f.scratch.Path(), failure.Path)

	// The failed write is over; nothing left to stop.
	assert.ErrorIs(t, f.recorder.Stop(), video.ErrNotRecording)
	assert.ErrorIs(t, f.recorder.Start(), video.ErrAlreadyRecording)

	require.NoError(t, f.recorder.Reset())
	assert.Equal(t, video.Idle, f.recorder.State())
}

func TestUnrequestedCompletionFails(t *testing.T) {
	f := newRecorderFixture(t, video.FileRecording)
	require.NoError(t, f.recorder.Start())
	f.movie().Complete(nil)

	assert.Equal(t, video.Recording, f.recorder.State())
	assert.Empty(t, f.transport.Files())
	require.Eventually(t, func() bool { return len(f.seenFailures()) == 1 }, time.Second, time.Millisecond)
	assert.ErrorIs(t, f.seenFailures()[0], video.ErrUnrequestedCompletion)
}

func TestTeardownFinalizesActiveRecording(t *testing.T) {
	f := newRecorderFixture(t, video.FileRecording)
	f.movie().AutoFinalize()
	require.NoError(t, f.recorder.Start())

	torn := make(chan struct{})
	go func() {
		f.pipeline.Teardown()
		close(torn)
	}()
	// A start racing the teardown is refused either way and must not wedge
	// the recorder while the file is being finalized.
	err := f.recorder.Start()
	assert.True(t, errors.Is(err, video.ErrAlreadyRecording) || errors.Is(err, video.ErrNotConfigured), "got %v", err)

	select {
	case <-torn:
	case <-time.After(time.Second):
		t.Fatal("teardown did not return")
	}
	assert.Equal(t, 1, f.movie().Stops())

	require.Eventually(t, func() bool { return len(f.seenFailures()) == 1 }, time.Second, time.Millisecond)
	assert.ErrorIs(t, f.seenFailures()[0], video.ErrUnrequestedCompletion)
	assert.Empty(t, f.transport.Files())
	assert.Equal(t, video.Recording, f.recorder.State())

	require.NoError(t, f.recorder.Reset())
	assert.Equal(t, video.Idle, f.recorder.State())
	assert.ErrorIs(t, f.recorder.Start(), video.ErrNotConfigured)
}

func TestStartOnUnconfiguredPipeline(t *testing.T) {
	scratch, err := video.NewScratchFile(t.TempDir(), "recording.mp4")
	require.NoError(t, err)
	p := video.NewPipeline(videotest.NewBackend(), nil, 5)
	r := video.NewRecorder(p, scratch, nil, nil)
	defer r.Close()

	assert.ErrorIs(t, r.Start(), video.ErrNotConfigured)
	assert.Equal(t, video.Idle, r.State())
}

func TestResetRearmsRecorder(t *testing.T) {
	f := newRecorderFixture(t, video.FileRecording)
	assert.ErrorIs(t, f.recorder.Stop(), video.ErrNotRecording)
	require.NoError(t, f.recorder.Reset(), "reset while idle")

	require.NoError(t, f.recorder.Start())
	assert.ErrorIs(t, f.recorder.Reset(), video.ErrRecordingActive)
	require.NoError(t, f.recorder.Stop())
	assert.ErrorIs(t, f.recorder.Reset(), video.ErrRecordingActive)
	f.movie().Complete(nil)
	assert.Equal(t, video.Finished, f.recorder.State())

	require.NoError(t, f.recorder.Reset())
	assert.Equal(t, video.Idle, f.recorder.State())

	require.NoError(t, f.recorder.Start())
	require.NoError(t, f.recorder.Stop())
	f.movie().Complete(nil)
	assert.Equal(t, video.Finished, f.recorder.State())
	assert.Equal(t, []string{f.scratch.Path(), f.scratch.Path()}, f.transport.Files())
	assert.Equal(t, 2, f.movie().Starts())
}

func TestClosedRecorderRefusesRequests(t *testing.T) {
	f := newRecorderFixture(t, video.FileRecording)
	require.NoError(t, f.recorder.Start())
	f.recorder.Close()
	f.recorder.Close()

	assert.ErrorIs(t, f.recorder.Start(), video.ErrRecorderClosed)
	assert.ErrorIs(t, f.recorder.Stop(), video.ErrRecorderClosed)
	// A late completion does not block.
	f.movie().Complete(nil)
}

func TestScratchFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	s, err := video.NewScratchFile(dir, "out.mp4")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "out.mp4"), s.Path())
	assert.False(t, s.Exists())
	assert.NoError(t, s.Remove(), "removing a missing file")

	require.NoError(t, os.WriteFile(s.Path(), []byte("not an mp4"), 0644))
	assert.True(t, s.Exists())
	info, err := s.Info()
	require.NoError(t, err)
	assert.Equal(t, int64(10), info.Size)
	assert.Zero(t, info.Duration)

	require.NoError(t, s.Remove())
	assert.False(t, s.Exists())
	_, err = s.Info()
	assert.Error(t, err)

	_, err = video.NewScratchFile(dir, "../escape.mp4")
	assert.Error(t, err)
}
