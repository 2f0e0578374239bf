package process

import (
	"bytes"
	"errors"
	"image/jpeg"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"gocv.io/x/gocv"

	"peercam/video/source"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestImageOrientationFor(t *testing.T) {
	tests := []struct {
		in   source.VideoOrientation
		want ImageOrientation
	}{
		{source.Portrait, Right},
		{source.PortraitUpsideDown, Left},
		{source.LandscapeRight, Up},
		{source.LandscapeLeft, Down},
		{source.VideoOrientation(0), Right},
		{source.VideoOrientation(42), Right},
	}
	for _, tt := range tests {
		t.Run(tt.in.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, ImageOrientationFor(tt.in))
		})
	}
}

func TestThrottlerForwardsFloorMOverN(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5, 7} {
		for m := 0; m <= 40; m++ {
			th := NewThrottler(n)
			var forwarded []int
			for i := 1; i <= m; i++ {
				if th.Allow() {
					forwarded = append(forwarded, i)
				}
			}
			require.Len(t, forwarded, m/n, "n=%d m=%d", n, m)
			for k, idx := range forwarded {
				assert.Equal(t, (k+1)*n, idx, "forwarded frames keep capture order")
			}
			assert.Equal(t, m%n, th.Count())
		}
	}
}

func TestThrottlerScenarioA(t *testing.T) {
	th := NewThrottler(DefaultFrameSkip)
	var forwardedAt []int
	for i := 1; i <= 12; i++ {
		if th.Allow() {
			forwardedAt = append(forwardedAt, i)
		}
	}
	assert.Equal(t, []int{5, 10}, forwardedAt)
	assert.Equal(t, 2, th.Count())

	th.Reset()
	assert.Equal(t, 0, th.Count())
}

func TestThrottlerClampsSkip(t *testing.T) {
	th := NewThrottler(0)
	assert.Equal(t, 1, th.Skip())
	assert.True(t, th.Allow())
	assert.True(t, th.Allow())
}

func solidBGRA(w, h int) *source.Buffer {
	b := source.NewBuffer(w, h, source.PixelFormatBGRA)
	d := b.Data()
	for i := 0; i < len(d); i += 4 {
		d[i], d[i+1], d[i+2], d[i+3] = 200, 100, 50, 255
	}
	return b
}

func frameOf(b source.PixelBuffer) source.Frame {
	return source.NewFrame(9, time.Unix(100, 0), b, nil)
}

func assertUnlockedOnce(t *testing.T, b *source.Buffer) {
	t.Helper()
	locks, unlocks := b.LockCounts()
	assert.Equal(t, 1, locks)
	assert.Equal(t, 1, unlocks)
	assert.False(t, b.Locked())
}

func TestEncodeProducesJPEG(t *testing.T) {
	b := solidBGRA(16, 8)
	enc, err := NewEncoder().Encode(frameOf(b), source.LandscapeRight)
	require.NoError(t, err)
	assertUnlockedOnce(t, b)

	img, err := jpeg.Decode(bytes.NewReader(enc.Data))
	require.NoError(t, err)
	assert.Equal(t, 16, img.Bounds().Dx())
	assert.Equal(t, 8, img.Bounds().Dy())
	assert.Equal(t, 16, enc.Width)
	assert.Equal(t, 8, enc.Height)
	assert.Equal(t, Up, enc.Orientation)
	assert.Equal(t, uint64(9), enc.Seq)
}

func TestEncodeRotatesPortrait(t *testing.T) {
	b := solidBGRA(16, 8)
	enc, err := NewEncoder().Encode(frameOf(b), source.Portrait)
	require.NoError(t, err)
	assert.Equal(t, 8, enc.Width)
	assert.Equal(t, 16, enc.Height)
	assert.Equal(t, 16, enc.SourceWidth)
	assert.Equal(t, Right, enc.Orientation)
}

func TestEncodeHonorsRowPadding(t *testing.T) {
	w, h, stride := 6, 4, 32
	data := make([]byte, stride*h)
	b := source.WrapBuffer(data, w, h, stride, source.PixelFormatBGRA)
	enc, err := NewEncoder().Encode(frameOf(b), source.LandscapeLeft)
	require.NoError(t, err)
	assert.Equal(t, 6, enc.Width)
	assert.Equal(t, 4, enc.Height)
	assertUnlockedOnce(t, b)
}

func TestEncodeConversionFailures(t *testing.T) {
	tests := []struct {
		name string
		buf  *source.Buffer
	}{
		{"zero width", source.WrapBuffer(nil, 0, 4, 0, source.PixelFormatBGRA)},
		{"zero height", source.WrapBuffer(nil, 4, 0, 16, source.PixelFormatBGRA)},
		{"wrong format", source.NewBuffer(4, 4, source.PixelFormatBGR)},
		{"short stride", source.WrapBuffer(make([]byte, 64), 4, 4, 8, source.PixelFormatBGRA)},
		{"short buffer", source.WrapBuffer(make([]byte, 10), 4, 4, 16, source.PixelFormatBGRA)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEncoder().Encode(frameOf(tt.buf), source.Portrait)
			assert.ErrorIs(t, err, ErrConversionFailed)
			assertUnlockedOnce(t, tt.buf)
		})
	}
}

func TestEncodeEncodingFailures(t *testing.T) {
	for name, compress := range map[string]func(gocv.Mat, int) ([]byte, error){
		"empty":  func(gocv.Mat, int) ([]byte, error) { return nil, nil },
		"failed": func(gocv.Mat, int) ([]byte, error) { return nil, errors.New("boom") },
	} {
		t.Run(name, func(t *testing.T) {
			b := solidBGRA(4, 4)
			e := NewEncoder()
			e.compress = compress
			_, err := e.Encode(frameOf(b), source.Portrait)
			assert.ErrorIs(t, err, ErrEncodingFailed)
			assertUnlockedOnce(t, b)
		})
	}
}

func TestEncodePassesQuality(t *testing.T) {
	var got int
	e := NewEncoder()
	e.compress = func(_ gocv.Mat, q int) ([]byte, error) {
		got = q
		return []byte{1}, nil
	}
	_, err := e.Encode(frameOf(solidBGRA(2, 2)), source.LandscapeRight)
	require.NoError(t, err)
	assert.Equal(t, 70, got)
}
