package source

import (
	"fmt"
	"sync"
	"time"
)

// PixelFormat of a raw buffer. Capture always produces BGRA.
type PixelFormat int

const (
	PixelFormatBGRA PixelFormat = iota + 1
	PixelFormatBGR
)

func (f PixelFormat) String() string {
	switch f {
	case PixelFormatBGRA:
		return "BGRA"
	case PixelFormatBGR:
		return "BGR"
	default:
		return fmt.Sprintf("PixelFormat(%d)", int(f))
	}
}

// BytesPerPixel returns 0 for unknown formats.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case PixelFormatBGRA:
		return 4
	case PixelFormatBGR:
		return 3
	default:
		return 0
	}
}

// PixelBuffer is a raw image owned by the capture subsystem. Its memory may
// only be read between Lock and Unlock, and must not be retained afterwards.
type PixelBuffer interface {
	Width() int
	Height() int
	BytesPerRow() int
	Format() PixelFormat
	// Lock returns the base address of the pixel data.
	Lock() []byte
	Unlock()
}

// Frame is one captured image. The buffer belongs to the capture subsystem
// and is reclaimed once Release is called by whoever holds it last.
type Frame struct {
	Seq    uint64
	Time   time.Time
	Buffer PixelBuffer

	release func()
}

// NewFrame wraps a buffer; release may be nil.
func NewFrame(seq uint64, t time.Time, b PixelBuffer, release func()) Frame {
	return Frame{Seq: seq, Time: t, Buffer: b, release: release}
}

// Release hands the buffer back to its owner.
func (f Frame) Release() {
	if f.release != nil {
		f.release()
	}
}

// Buffer is a heap-backed PixelBuffer.
type Buffer struct {
	width, height, stride int
	format                PixelFormat
	data                  []byte

	l       sync.Mutex
	locked  bool
	locks   int
	unlocks int
}

// NewBuffer allocates a tightly packed buffer.
func NewBuffer(width, height int, format PixelFormat) *Buffer {
	stride := width * format.BytesPerPixel()
	return &Buffer{
		width:  width,
		height: height,
		stride: stride,
		format: format,
		data:   make([]byte, stride*height),
	}
}

// WrapBuffer describes existing memory without copying it.
func WrapBuffer(data []byte, width, height, bytesPerRow int, format PixelFormat) *Buffer {
	return &Buffer{
		width:  width,
		height: height,
		stride: bytesPerRow,
		format: format,
		data:   data,
	}
}

func (b *Buffer) Width() int          { return b.width }
func (b *Buffer) Height() int         { return b.height }
func (b *Buffer) BytesPerRow() int    { return b.stride }
func (b *Buffer) Format() PixelFormat { return b.format }

func (b *Buffer) Lock() []byte {
	b.l.Lock()
	defer b.l.Unlock()
	if b.locked {
		panic("pixel buffer already locked")
	}
	b.locked = true
	b.locks++
	return b.data
}

func (b *Buffer) Unlock() {
	b.l.Lock()
	defer b.l.Unlock()
	if !b.locked {
		panic("pixel buffer not locked")
	}
	b.locked = false
	b.unlocks++
}

// Locked reports whether the base address is currently locked.
func (b *Buffer) Locked() bool {
	b.l.Lock()
	defer b.l.Unlock()
	return b.locked
}

// LockCounts returns how many times the buffer was locked and unlocked.
func (b *Buffer) LockCounts() (locks, unlocks int) {
	b.l.Lock()
	defer b.l.Unlock()
	return b.locks, b.unlocks
}

// Data returns the backing memory for writers that own the buffer.
func (b *Buffer) Data() []byte {
	return b.data
}

// CopyFrom copies pixels between buffers of the same geometry.
func (b *Buffer) CopyFrom(src PixelBuffer) error {
	if src.Width() != b.width || src.Height() != b.height || src.Format() != b.format {
		return fmt.Errorf("buffer geometry mismatch: %dx%d %v into %dx%d %v",
			src.Width(), src.Height(), src.Format(), b.width, b.height, b.format)
	}
	data := src.Lock()
	defer src.Unlock()
	row := b.width * b.format.BytesPerPixel()
	for y := 0; y < b.height; y++ {
		copy(b.data[y*b.stride:y*b.stride+row], data[y*src.BytesPerRow():y*src.BytesPerRow()+row])
	}
	return nil
}
