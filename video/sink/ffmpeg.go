package sink

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strconv"

	log "github.com/sirupsen/logrus"

	"peercam/video/process"
	"peercam/video/source"
)

type FFmpegOptions struct {
	// Binary is the ffmpeg executable.
	Binary string
	Size   image.Point
	FPS    int
	// AudioDevice is an ALSA capture device muxed into the file; empty for
	// video only.
	AudioDevice string
	// Orientation is baked into the encoded video.
	Orientation process.ImageOrientation
}

// Args returns the ffmpeg command line that writes raw BGRA frames from stdin
// to path.
func (o FFmpegOptions) Args(path string) []string {
	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		// Read raw frames from the stdin pipe.
		"-f", "rawvideo",
		"-pixel_format", "bgra",
		"-video_size", fmt.Sprintf("%dx%d", o.Size.X, o.Size.Y),
		"-framerate", strconv.Itoa(o.FPS),
		"-i", "-",
	}
	if o.AudioDevice != "" {
		args = append(args, "-f", "alsa", "-thread_queue_size", "1024", "-i", o.AudioDevice)
	}
	switch o.Orientation {
	case process.Right:
		args = append(args, "-vf", "transpose=1")
	case process.Left:
		args = append(args, "-vf", "transpose=2")
	case process.Down:
		args = append(args, "-vf", "transpose=1,transpose=1")
	}
	args = append(args,
		// Use h264 encoding with reasonable quality and speed. Note that
		// "preset" can be adjusted if the system is too slow to handle encoding.
		"-c:v", "libx264",
		"-preset", "superfast",
		"-crf", "30",
		"-pix_fmt", "yuv420p",
	)
	if o.AudioDevice != "" {
		// The audio input never ends on its own; stop with the video.
		args = append(args, "-c:a", "aac", "-b:a", "128k", "-shortest")
	}
	return append(args,
		// Enable fast-start so the file can be played before full download.
		"-movflags", "+faststart",
		path,
	)
}

// FFmpegSink pipes frames into an ffmpeg process writing a movie file.
type FFmpegSink struct {
	size image.Point

	b     chan []byte
	ack   chan bool
	close chan chan error

	packed []byte
}

// NewFFmpegSink starts ffmpeg writing to path.
func NewFFmpegSink(path string, o FFmpegOptions) (*FFmpegSink, error) {
	if o.Size.X <= 0 || o.Size.Y <= 0 || o.FPS <= 0 {
		return nil, fmt.Errorf("invalid ffmpeg options %dx%d@%d", o.Size.X, o.Size.Y, o.FPS)
	}
	c := exec.Command(o.Binary, o.Args(path)...)
	var stderr bytes.Buffer
	c.Stderr = &stderr

	pipe, err := c.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("error getting ffmpeg stdin: %w", err)
	}
	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("error starting ffmpeg: %w", err)
	}

	f := &FFmpegSink{
		size:   o.Size,
		b:      make(chan []byte),
		ack:    make(chan bool),
		close:  make(chan chan error),
		packed: make([]byte, o.Size.X*o.Size.Y*4),
	}
	go f.run(c, pipe, path, &stderr)
	return f, nil
}

func (f *FFmpegSink) run(c *exec.Cmd, pipe io.WriteCloser, path string, stderr *bytes.Buffer) {
	var writeErr error
	var closer chan error
loop:
	for {
		select {
		case closer = <-f.close:
			pipe.Close()
			break loop
		case b := <-f.b:
			if writeErr == nil {
				if _, err := pipe.Write(b); err != nil {
					writeErr = fmt.Errorf("error writing to ffmpeg: %w", err)
					log.Errorf("FFmpeg pipe for %v failed: %v", path, err)
				}
			}
			f.ack <- true
		}
	}

	log.Debugf("Waiting for FFmpeg shutdown for %v", path)
	err := c.Wait()
	if err != nil {
		err = fmt.Errorf("ffmpeg exited: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	} else {
		err = writeErr
	}
	log.Infof("FFmpeg for %v exited with status %v", path, err)
	closer <- err // Signal close is completed.
}

// Put writes one frame. Frames of another size are dropped.
func (f *FFmpegSink) Put(input source.Frame) {
	b := input.Buffer
	if b.Width() != f.size.X || b.Height() != f.size.Y || b.Format() != source.PixelFormatBGRA {
		log.Warnf("FFmpeg sink dropping %dx%d %v frame", b.Width(), b.Height(), b.Format())
		return
	}
	row := f.size.X * 4
	data := b.Lock()
	for y := 0; y < f.size.Y; y++ {
		copy(f.packed[y*row:(y+1)*row], data[y*b.BytesPerRow():])
	}
	b.Unlock()

	f.b <- f.packed
	<-f.ack
}

// Close ends the input stream and waits for ffmpeg to finalize the file.
func (f *FFmpegSink) Close() error {
	c := make(chan error)
	f.close <- c
	return <-c
}
