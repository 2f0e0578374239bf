package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"peercam/video"
	"peercam/video/process"
)

const (
	// Time allowed to write message to the peer.
	writeWait  = 10 * time.Second
	pingPeriod = 10 * time.Second

	// Frames queued per connection before new ones are dropped.
	frameQueue = 2
)

var ErrPeerClosed = errors.New("peer link closed")

// CommandHandler receives commands sent by the Host.
type CommandHandler interface {
	HandleCommand(m Message) error
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc func(m Message) error

func (f CommandHandlerFunc) HandleCommand(m Message) error { return f(m) }

// Peer is the Streamer end of the link. It accepts one Host at a time; a new
// connection replaces the previous one. Peer implements the sink.Transport
// interface: frames are dropped when the Host falls behind, files never are.
type Peer struct {
	Handler CommandHandler
	// OnConnect and OnDisconnect, if set, are called with the Host address.
	OnConnect    func(addr string)
	OnDisconnect func(addr string)

	upgrader websocket.Upgrader

	l      sync.Mutex
	conn   *peerConn
	closed bool
}

func NewPeer(h CommandHandler) *Peer {
	return &Peer{
		Handler: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 << 10,
		},
	}
}

type outgoing struct {
	header Message
	body   []byte
}

type peerConn struct {
	ws   *websocket.Conn
	addr string

	frames chan outgoing

	l       sync.Mutex
	pending []outgoing
	wake    chan bool

	done chan bool
	once sync.Once
}

func (c *peerConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *peerConn) enqueue(o outgoing) {
	c.l.Lock()
	c.pending = append(c.pending, o)
	c.l.Unlock()
	select {
	case c.wake <- true:
	default:
	}
}

func (c *peerConn) take() []outgoing {
	c.l.Lock()
	defer c.l.Unlock()
	p := c.pending
	c.pending = nil
	return p
}

func (p *Peer) current() *peerConn {
	p.l.Lock()
	defer p.l.Unlock()
	return p.conn
}

// Connected returns the address of the connected Host.
func (p *Peer) Connected() (string, bool) {
	c := p.current()
	if c == nil {
		return "", false
	}
	return c.addr, true
}

// ServeHTTP upgrades a Host connection.
func (p *Peer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.l.Lock()
	closed := p.closed
	p.l.Unlock()
	if closed {
		http.Error(w, ErrPeerClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	ws, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if _, ok := err.(websocket.HandshakeError); !ok {
			log.WithField("addr", r.RemoteAddr).Errorf("Websocket handshake failed for peer link: %v", err)
		}
		return
	}

	c := &peerConn{
		ws:     ws,
		addr:   r.RemoteAddr,
		frames: make(chan outgoing, frameQueue),
		wake:   make(chan bool, 1),
		done:   make(chan bool),
	}

	p.l.Lock()
	if p.closed {
		p.l.Unlock()
		ws.Close()
		return
	}
	old := p.conn
	p.conn = c
	p.l.Unlock()
	if old != nil {
		log.WithField("addr", old.addr).Info("Replacing host connection")
		old.close()
	}

	if p.OnConnect != nil {
		p.OnConnect(c.addr)
	}
	go p.read(c)
	go p.write(c)
}

func (p *Peer) disconnect(c *peerConn) {
	c.close()
	p.l.Lock()
	current := p.conn == c
	if current {
		p.conn = nil
	}
	p.l.Unlock()
	if current && p.OnDisconnect != nil {
		p.OnDisconnect(c.addr)
	}
}

func (p *Peer) read(c *peerConn) {
	clog := log.WithField("addr", c.addr)
	clog.Info("Host connected to peer link")
	defer func() {
		p.disconnect(c)
		clog.Info("Host disconnected from peer link")
	}()

	for {
		t, b, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if t != websocket.TextMessage {
			clog.Warn("Ignoring binary message from host")
			continue
		}
		m, err := decodeMessage(b)
		if err != nil {
			clog.Warnf("Ignoring message: %v", err)
			continue
		}
		if m.Type != TypeCommand {
			clog.Warnf("Ignoring %v message from host", m.Type)
			continue
		}
		if p.Handler == nil {
			continue
		}
		if err := p.Handler.HandleCommand(m); err != nil {
			clog.Warnf("Command %v failed: %v", m.Command, err)
			p.SendStatus(err.Error())
		}
	}
}

func (p *Peer) write(c *peerConn) {
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()
	defer p.disconnect(c)

	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
			for _, o := range c.take() {
				if err := writeOutgoing(c.ws, o); err != nil {
					log.WithField("addr", c.addr).Warnf("Peer write failed: %v", err)
					return
				}
			}
		case o := <-c.frames:
			if err := writeOutgoing(c.ws, o); err != nil {
				log.WithField("addr", c.addr).Warnf("Peer write failed: %v", err)
				return
			}
		case <-pingTicker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		}
	}
}

func writeOutgoing(ws *websocket.Conn, o outgoing) error {
	js, err := json.Marshal(o.header)
	if err != nil {
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, js); err != nil {
		return err
	}
	if !o.header.hasPayload() {
		return nil
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.BinaryMessage, o.body)
}

// SendFrame queues a frame for the Host, dropping it if the Host is not
// keeping up or not connected.
func (p *Peer) SendFrame(f process.EncodedFrame) {
	c := p.current()
	if c == nil {
		return
	}
	o := outgoing{
		header: Message{
			Type: TypeFrame,
			Frame: &FrameHeader{
				Seq:        f.Seq,
				Width:      f.Width,
				Height:     f.Height,
				CapturedAt: f.CapturedAt,
				Size:       len(f.Data),
			},
		},
		body: f.Data,
	}
	select {
	case c.frames <- o:
	default:
		log.WithField("seq", f.Seq).Debug("Host busy, dropping frame")
	}
}

// SendFile reads the recording at path and queues it for the Host. The file
// may be removed once SendFile returns.
func (p *Peer) SendFile(path string) {
	c := p.current()
	if c == nil {
		log.Warnf("No host connected, not sending %v", path)
		return
	}
	body, err := os.ReadFile(path)
	if err != nil {
		log.Errorf("Failed to read recording %v: %v", path, err)
		return
	}
	h := &FileHeader{ID: uuid.NewString(), Name: filepath.Base(path), Size: int64(len(body))}
	if info, err := video.Info(path); err == nil {
		h.DurationSec = info.Duration.Seconds()
	}
	c.enqueue(outgoing{header: Message{Type: TypeFile, File: h}, body: body})
}

// SendState pushes the recording state to the Host.
func (p *Peer) SendState(state string) {
	if c := p.current(); c != nil {
		c.enqueue(outgoing{header: Message{Type: TypeState, State: state}})
	}
}

// SendStatus pushes status text to the Host.
func (p *Peer) SendStatus(text string) {
	if c := p.current(); c != nil {
		c.enqueue(outgoing{header: Message{Type: TypeStatus, Status: text}})
	}
}

// Close drops the Host and refuses new connections.
func (p *Peer) Close() {
	p.l.Lock()
	p.closed = true
	c := p.conn
	p.l.Unlock()
	if c != nil {
		p.disconnect(c)
	}
}
