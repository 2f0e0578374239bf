package process

import (
	"errors"
	"fmt"
	"image"
	"math"
	"time"

	"gocv.io/x/gocv"

	"peercam/video/source"
)

// JPEGQuality is the compression quality of transmitted frames, 0.0 to 1.0.
const JPEGQuality = 0.7

var (
	// ErrConversionFailed means the raw buffer could not be turned into an image.
	ErrConversionFailed = errors.New("frame conversion failed")
	// ErrEncodingFailed means compression produced no data.
	ErrEncodingFailed = errors.New("frame encoding failed")
)

// EncodedFrame is an immutable compressed image.
type EncodedFrame struct {
	Data []byte
	// Width and Height of the encoded (upright) image.
	Width, Height int
	// SourceWidth and SourceHeight of the raw buffer.
	SourceWidth, SourceHeight int

	Orientation ImageOrientation
	Seq         uint64
	CapturedAt  time.Time
}

// Encoder turns raw BGRA buffers into upright JPEG images.
type Encoder struct {
	Quality float64

	compress func(img gocv.Mat, quality int) ([]byte, error)
}

func NewEncoder() *Encoder {
	return &Encoder{
		Quality:  JPEGQuality,
		compress: compressJPEG,
	}
}

func compressJPEG(img gocv.Mat, quality int) ([]byte, error) {
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, img, []int{int(gocv.IMWriteJpegQuality), quality})
	if err != nil {
		return nil, err
	}
	defer buf.Close()
	// GetBytes aliases native memory; copy before closing.
	return append([]byte(nil), buf.GetBytes()...), nil
}

// Encode converts one frame. Errors wrap ErrConversionFailed or
// ErrEncodingFailed; either way the frame should be dropped.
func (e *Encoder) Encode(f source.Frame, o source.VideoOrientation) (EncodedFrame, error) {
	img, err := materialize(f.Buffer)
	if err != nil {
		return EncodedFrame{}, fmt.Errorf("%w: frame %d: %v", ErrConversionFailed, f.Seq, err)
	}
	defer img.Close()

	orientation := ImageOrientationFor(o)
	if flag, ok := orientation.rotation(); ok {
		rotated := gocv.NewMat()
		defer rotated.Close()
		gocv.Rotate(img, &rotated, flag)
		img = rotated
	}

	quality := int(math.Round(e.Quality * 100))
	data, err := e.compress(img, quality)
	if err != nil {
		return EncodedFrame{}, fmt.Errorf("%w: frame %d: %v", ErrEncodingFailed, f.Seq, err)
	}
	if len(data) == 0 {
		return EncodedFrame{}, fmt.Errorf("%w: frame %d: no data", ErrEncodingFailed, f.Seq)
	}
	return EncodedFrame{
		Data:         data,
		Width:        img.Cols(),
		Height:       img.Rows(),
		SourceWidth:  f.Buffer.Width(),
		SourceHeight: f.Buffer.Height(),
		Orientation:  orientation,
		Seq:          f.Seq,
		CapturedAt:   f.Time,
	}, nil
}

// materialize copies the locked BGRA pixels into an owned BGR image. The
// buffer is unlocked before returning, on every path.
func materialize(b source.PixelBuffer) (gocv.Mat, error) {
	if b == nil {
		return gocv.Mat{}, errors.New("no pixel buffer")
	}
	data := b.Lock()
	defer b.Unlock()

	w, h, stride := b.Width(), b.Height(), b.BytesPerRow()
	if w <= 0 || h <= 0 {
		return gocv.Mat{}, fmt.Errorf("invalid size %dx%d", w, h)
	}
	if b.Format() != source.PixelFormatBGRA {
		return gocv.Mat{}, fmt.Errorf("unsupported pixel format %v", b.Format())
	}
	if stride < w*4 || stride%4 != 0 {
		return gocv.Mat{}, fmt.Errorf("unsupported row stride %d for width %d", stride, w)
	}
	if len(data) < stride*h {
		return gocv.Mat{}, fmt.Errorf("buffer holds %d bytes, need %d", len(data), stride*h)
	}
	// A view as wide as the row stride, cropped to the visible width.
	view, err := gocv.NewMatFromBytes(h, stride/4, gocv.MatTypeCV8UC4, data[:stride*h])
	if err != nil {
		return gocv.Mat{}, err
	}
	defer view.Close()
	visible := view.Region(image.Rect(0, 0, w, h))
	defer visible.Close()

	img := gocv.NewMat()
	gocv.CvtColor(visible, &img, gocv.ColorBGRAToBGR)
	if img.Empty() {
		img.Close()
		return gocv.Mat{}, errors.New("color conversion produced an empty image")
	}
	return img, nil
}
