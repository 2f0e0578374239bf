package video_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"peercam/video"
	"peercam/video/source"
	"peercam/video/videotest"
)

func TestParseMode(t *testing.T) {
	for in, want := range map[string]video.Mode{
		"file":   video.FileRecording,
		"LIVE":   video.LiveStreaming,
		"hybrid": video.Hybrid,
	} {
		got, err := video.ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
		assert.Equal(t, got, mustParse(t, got.String()))
	}
	_, err := video.ParseMode("webcam")
	assert.Error(t, err)
}

func mustParse(t *testing.T, s string) video.Mode {
	m, err := video.ParseMode(s)
	require.NoError(t, err)
	return m
}

func TestConfigureGatesOutputsByMode(t *testing.T) {
	tests := []struct {
		mode          video.Mode
		movie, frames bool
	}{
		{video.FileRecording, true, false},
		{video.LiveStreaming, false, true},
		{video.Hybrid, true, true},
	}
	for _, tc := range tests {
		t.Run(tc.mode.String(), func(t *testing.T) {
			b := videotest.NewBackend()
			p := video.NewPipeline(b, &videotest.Transport{}, 5)
			defer p.Teardown()

			topo, err := p.Configure(tc.mode)
			require.NoError(t, err)
			assert.Equal(t, tc.mode, topo.Mode)
			assert.Equal(t, tc.movie, topo.Movie)
			assert.Equal(t, tc.frames, topo.Frames)
			assert.NotEmpty(t, topo.SessionID)
			assert.Equal(t, "/dev/video0", topo.Video.ID)
			assert.Equal(t, "hw:0,0", topo.Audio.ID)

			if tc.movie {
				assert.Len(t, b.Movies(), 1)
				assert.NotNil(t, p.MovieOutput())
			} else {
				assert.Empty(t, b.Movies())
				assert.Nil(t, p.MovieOutput())
			}
			assert.Equal(t, tc.frames, p.Session().FrameOutput() != nil)
		})
	}
}

func TestConfigureSetupErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(b *videotest.Backend)
		want  error
	}{
		{
			name:  "no video",
			setup: func(b *videotest.Backend) { delete(b.Devices, source.Video) },
			want:  video.ErrDeviceUnavailable,
		},
		{
			name:  "no audio",
			setup: func(b *videotest.Backend) { delete(b.Devices, source.Audio) },
			want:  video.ErrDeviceUnavailable,
		},
		{
			name:  "video open fails",
			setup: func(b *videotest.Backend) { b.OpenErr[source.Video] = errors.New("busy") },
			want:  video.ErrInputRejected,
		},
		{
			name:  "audio open fails",
			setup: func(b *videotest.Backend) { b.OpenErr[source.Audio] = errors.New("busy") },
			want:  video.ErrInputRejected,
		},
		{
			// A second video input is refused by the session.
			name: "session refuses input",
			setup: func(b *videotest.Backend) {
				b.Devices[source.Audio] = source.Device{Kind: source.Video, ID: "/dev/video1"}
			},
			want: video.ErrInputRejected,
		},
		{
			name:  "movie output fails",
			setup: func(b *videotest.Backend) { b.MovieErr = errors.New("no encoder") },
			want:  video.ErrOutputRejected,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := videotest.NewBackend()
			tc.setup(b)
			p := video.NewPipeline(b, nil, 5)

			_, err := p.Configure(video.Hybrid)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			var se *video.SetupError
			require.ErrorAs(t, err, &se)

			// Nothing is committed: no session, every opened input closed.
			assert.Nil(t, p.Session())
			assert.ErrorIs(t, p.Start(), video.ErrNotConfigured)
			for _, in := range b.Inputs() {
				assert.True(t, in.Closed(), in.Device().String())
			}
		})
	}
}

func TestStartStopAreIdempotent(t *testing.T) {
	b := videotest.NewBackend()
	p := video.NewPipeline(b, nil, 5)
	_, err := p.Configure(video.LiveStreaming)
	require.NoError(t, err)

	require.NoError(t, p.Start())
	require.NoError(t, p.Start())
	assert.True(t, p.Session().Running())
	assert.Equal(t, 1, b.VideoInput().Starts())

	p.Stop()
	p.Stop()
	assert.False(t, p.Session().Running())
	assert.False(t, b.VideoInput().Running())

	p.Teardown()
	p.Teardown()
	assert.True(t, b.VideoInput().Closed())
	assert.Nil(t, p.Session())
}

func TestReconfigureTearsDownPreviousSession(t *testing.T) {
	b := videotest.NewBackend()
	p := video.NewPipeline(b, nil, 5)
	defer p.Teardown()

	first, err := p.Configure(video.FileRecording)
	require.NoError(t, err)
	old := b.VideoInput()

	second, err := p.Configure(video.LiveStreaming)
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.True(t, old.Closed())
	assert.Equal(t, video.LiveStreaming, p.Mode())
}

func TestSessionRefusesChangesWhileRunning(t *testing.T) {
	b := videotest.NewBackend()
	p := video.NewPipeline(b, nil, 5)
	defer p.Teardown()
	_, err := p.Configure(video.LiveStreaming)
	require.NoError(t, err)
	require.NoError(t, p.Start())

	s := p.Session()
	extra, err := b.OpenInput(source.Device{Kind: source.Audio, ID: "hw:1,0"})
	require.NoError(t, err)
	assert.False(t, s.CanAddInput(extra))
	assert.ErrorIs(t, s.AddInput(extra), video.ErrSessionRunning)
	assert.False(t, s.CanAddOutput(&videotest.MovieOutput{}))
}

func TestOrientationIsAppliedToConnection(t *testing.T) {
	b := videotest.NewBackend()
	p := video.NewPipeline(b, nil, 5)
	defer p.Teardown()

	p.SetOrientation(source.LandscapeLeft)
	_, err := p.Configure(video.FileRecording)
	require.NoError(t, err)
	conn := b.Movies()[0].Connection()
	require.NotNil(t, conn)
	assert.Equal(t, source.LandscapeLeft, conn.VideoOrientation())

	p.SetOrientation(source.LandscapeRight)
	assert.Equal(t, source.LandscapeRight, conn.VideoOrientation())
}

// emit pushes n frames one at a time, waiting for each to reach the frame
// handler so that none is discarded as late.
func emit(t *testing.T, p *video.Pipeline, in *videotest.Input, n int) []*atomic.Int32 {
	var released []*atomic.Int32
	start := p.Stats().Captured
	for i := 1; i <= n; i++ {
		ok, rel := in.Emit(videotest.Frame(8, 6, 10, 20, 30))
		require.True(t, ok)
		released = append(released, rel)
		want := start + uint64(i)
		if p.Session().FrameOutput() != nil {
			require.Eventually(t, func() bool { return p.Stats().Captured == want },
				time.Second, time.Millisecond)
		}
	}
	return released
}

func TestLiveStreamingForwardsOneInFive(t *testing.T) {
	b := videotest.NewBackend()
	tr := &videotest.Transport{}
	p := video.NewPipeline(b, tr, 5)
	_, err := p.Configure(video.LiveStreaming)
	require.NoError(t, err)
	require.NoError(t, p.Start())

	released := emit(t, p, b.VideoInput(), 12)

	require.Eventually(t, func() bool { return len(tr.Frames()) == 2 }, time.Second, time.Millisecond)
	frames := tr.Frames()
	assert.Equal(t, uint64(5), frames[0].Seq)
	assert.Equal(t, uint64(10), frames[1].Seq)
	// Portrait frames are rotated upright.
	assert.Equal(t, 6, frames[0].Width)
	assert.Equal(t, 8, frames[0].Height)

	require.Eventually(t, func() bool { return p.Stats().Pending == 2 }, time.Second, time.Millisecond)
	stats := p.Stats()
	assert.Equal(t, uint64(12), stats.Captured)
	assert.Equal(t, uint64(10), stats.Throttled)
	assert.Equal(t, uint64(2), stats.Forwarded)
	assert.Zero(t, stats.Late)

	p.Teardown()
	for i, rel := range released {
		assert.Equal(t, int32(1), rel.Load(), "frame %d", i+1)
	}
}

func TestFileRecordingNeverDeliversFrames(t *testing.T) {
	b := videotest.NewBackend()
	tr := &videotest.Transport{}
	p := video.NewPipeline(b, tr, 1)
	defer p.Teardown()
	_, err := p.Configure(video.FileRecording)
	require.NoError(t, err)
	require.NoError(t, p.Start())

	movie := b.Movies()[0]
	in := b.VideoInput()
	_, rel := in.Emit(videotest.Frame(4, 4, 0, 0, 0))
	assert.Equal(t, int32(1), rel.Load())
	assert.Zero(t, movie.Frames(), "not recording yet")

	require.NoError(t, movie.StartRecording("/tmp/x.mp4", func(string, error) {}))
	emit(t, p, in, 3)
	assert.Equal(t, 3, movie.Frames())
	assert.Empty(t, tr.Frames())
	assert.Zero(t, p.Stats())
}

func TestHybridFeedsBothOutputs(t *testing.T) {
	b := videotest.NewBackend()
	tr := &videotest.Transport{}
	p := video.NewPipeline(b, tr, 2)
	defer p.Teardown()
	_, err := p.Configure(video.Hybrid)
	require.NoError(t, err)
	require.NoError(t, p.Start())

	movie := b.Movies()[0]
	require.NoError(t, movie.StartRecording("/tmp/x.mp4", func(string, error) {}))
	emit(t, p, b.VideoInput(), 4)

	assert.Equal(t, 4, movie.Frames())
	require.Eventually(t, func() bool { return len(tr.Frames()) == 2 }, time.Second, time.Millisecond)
}

func TestConversionFailureDropsFrameAndContinues(t *testing.T) {
	b := videotest.NewBackend()
	tr := &videotest.Transport{}
	p := video.NewPipeline(b, tr, 1)
	defer p.Teardown()
	_, err := p.Configure(video.LiveStreaming)
	require.NoError(t, err)
	require.NoError(t, p.Start())

	in := b.VideoInput()
	bad := source.NewBuffer(0, 0, source.PixelFormatBGRA)
	ok, rel := in.Emit(bad)
	require.True(t, ok)
	require.Eventually(t, func() bool { return p.Stats().Conversion == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return rel.Load() == 1 }, time.Second, time.Millisecond)
	locks, unlocks := bad.LockCounts()
	assert.Equal(t, 1, locks)
	assert.Equal(t, 1, unlocks)

	emit(t, p, in, 1)
	require.Eventually(t, func() bool { return len(tr.Frames()) == 1 }, time.Second, time.Millisecond)
}

func TestMissingPixelBufferDropsFrame(t *testing.T) {
	b := videotest.NewBackend()
	tr := &videotest.Transport{}
	p := video.NewPipeline(b, tr, 1)
	defer p.Teardown()
	_, err := p.Configure(video.LiveStreaming)
	require.NoError(t, err)
	require.NoError(t, p.Start())

	in := b.VideoInput()
	ok, rel := in.Emit(nil)
	require.True(t, ok)
	require.Eventually(t, func() bool { return p.Stats().Conversion == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return rel.Load() == 1 }, time.Second, time.Millisecond)

	emit(t, p, in, 1)
	require.Eventually(t, func() bool { return len(tr.Frames()) == 1 }, time.Second, time.Millisecond)
}

func TestTeardownLeaksNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b := videotest.NewBackend()
	p := video.NewPipeline(b, nil, 5)
	_, err := p.Configure(video.Hybrid)
	require.NoError(t, err)
	require.NoError(t, p.Start())
	emit(t, p, b.VideoInput(), 3)
	p.Teardown()
}
