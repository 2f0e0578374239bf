package source

import (
	"fmt"
	"image"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// CameraOptions configure the requested capture mode. The device may pick a
// different size; Size reports the actual one.
type CameraOptions struct {
	Width, Height int
	FPS           int
}

// Camera reads frames from a V4L2 device and delivers them as BGRA buffers.
type Camera struct {
	dev  Device
	opts CameraOptions

	cap  *gocv.VideoCapture
	size image.Point
	pool *BufferPool

	l       sync.Mutex
	running bool
	stop    chan bool
	stopped chan bool
}

// OpenCamera opens the device. Frames only flow after Start.
func OpenCamera(dev Device, opts CameraOptions) (*Camera, error) {
	if dev.Kind != Video {
		return nil, fmt.Errorf("%v is not a video device", dev)
	}
	cap, err := gocv.OpenVideoCapture(dev.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to open %v: %w", dev, err)
	}
	if opts.Width > 0 && opts.Height > 0 {
		cap.Set(gocv.VideoCaptureFrameWidth, float64(opts.Width))
		cap.Set(gocv.VideoCaptureFrameHeight, float64(opts.Height))
	}
	if opts.FPS > 0 {
		cap.Set(gocv.VideoCaptureFPS, float64(opts.FPS))
	}
	size := image.Pt(int(cap.Get(gocv.VideoCaptureFrameWidth)), int(cap.Get(gocv.VideoCaptureFrameHeight)))
	if size.X <= 0 || size.Y <= 0 {
		cap.Close()
		return nil, fmt.Errorf("%v reports unusable frame size %v", dev, size)
	}
	log.Infof("Opened camera %v at %dx%d", dev, size.X, size.Y)
	return &Camera{
		dev:  dev,
		opts: opts,
		cap:  cap,
		size: size,
		pool: NewBufferPool(size.X, size.Y, PixelFormatBGRA),
	}, nil
}

func (c *Camera) Device() Device { return c.dev }

// Size returns the capture size.
func (c *Camera) Size() image.Point { return c.size }

// Start begins delivering frames, in capture order, on a dedicated goroutine.
// The callee must Release each frame.
func (c *Camera) Start(deliver func(Frame)) error {
	c.l.Lock()
	defer c.l.Unlock()
	if c.running {
		return nil
	}
	c.running = true
	c.stop = make(chan bool)
	c.stopped = make(chan bool)
	go c.run(deliver, c.stop, c.stopped)
	return nil
}

func (c *Camera) run(deliver func(Frame), stop, stopped chan bool) {
	defer close(stopped)

	raw := gocv.NewMat()
	defer raw.Close()
	bgra := gocv.NewMat()
	defer bgra.Close()

	var seq uint64
	for {
		select {
		case <-stop:
			return
		default:
		}

		if ok := c.cap.Read(&raw); !ok || raw.Empty() {
			time.Sleep(time.Millisecond)
			log.WithField("device", c.dev.ID).Debug("Camera read failure")
			continue
		}
		gocv.CvtColor(raw, &bgra, gocv.ColorBGRToBGRA)
		if bgra.Cols() != c.size.X || bgra.Rows() != c.size.Y {
			log.Warnf("Camera %v changed size to %dx%d, dropping frame", c.dev.ID, bgra.Cols(), bgra.Rows())
			continue
		}

		b := c.pool.Get()
		copy(b.Data(), bgra.ToBytes())
		seq++
		deliver(NewFrame(seq, time.Now(), b, func() { c.pool.Put(b) }))
	}
}

// Stop halts delivery and waits for the capture goroutine.
func (c *Camera) Stop() {
	c.l.Lock()
	defer c.l.Unlock()
	if !c.running {
		return
	}
	c.running = false
	close(c.stop)
	<-c.stopped
}

// Close stops capture and releases the device.
func (c *Camera) Close() error {
	c.Stop()
	c.pool.Close()
	return c.cap.Close()
}
