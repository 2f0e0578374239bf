package source

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// MaxPoolBuffers bounds allocations; exceeding it means a frame is not being
// released.
const MaxPoolBuffers = 64

// BufferPool recycles buffers of one geometry between the camera and whoever
// consumes its frames.
type BufferPool struct {
	width, height int
	format        PixelFormat

	new  chan chan *Buffer
	free chan *Buffer
	done chan bool
	once sync.Once

	allocated int
	available []*Buffer
}

func NewBufferPool(width, height int, format PixelFormat) *BufferPool {
	p := &BufferPool{
		width:  width,
		height: height,
		format: format,
		new:    make(chan chan *Buffer),
		free:   make(chan *Buffer),
		done:   make(chan bool),
	}
	go func() {
		for {
			select {
			case <-p.done:
				p.available = nil
				return
			case b := <-p.free:
				p.available = append(p.available, b)
			case r := <-p.new:
				var b *Buffer
				if len(p.available) > 0 {
					b, p.available = p.available[0], p.available[1:]
				} else {
					b = NewBuffer(p.width, p.height, p.format)
					p.allocated += 1
					if p.allocated > MaxPoolBuffers {
						log.Errorf("BufferPool allocated %d buffers. Perhaps a Frame isn't being released?", p.allocated)
					}
				}
				r <- b
			}
		}
	}()
	return p
}

// Get returns a buffer that must be handed back with Put.
func (p *BufferPool) Get() *Buffer {
	r := make(chan *Buffer)
	p.new <- r
	return <-r
}

// Put returns a buffer to the pool. Buffers returned after Close are dropped.
func (p *BufferPool) Put(b *Buffer) {
	select {
	case p.free <- b:
	case <-p.done:
	}
}

func (p *BufferPool) Close() {
	p.once.Do(func() { close(p.done) })
}
