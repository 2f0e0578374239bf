package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// Client is the Host end of the link.
type Client struct {
	// Callbacks run on the goroutine calling Run. Payloads are owned by the
	// callee.
	OnFrame  func(h FrameHeader, jpeg []byte)
	OnFile   func(h FileHeader, data []byte)
	OnState  func(state string)
	OnStatus func(text string)

	ws *websocket.Conn
	wl sync.Mutex
}

// Dial connects to a Streamer's peer endpoint, e.g. ws://host:8080/peer.
func Dial(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %v: %w", url, err)
	}
	log.Infof("Connected to streamer at %v", url)
	return &Client{ws: ws}, nil
}

// Run reads messages until the connection fails or ctx is done.
func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { c.ws.Close() })
	defer stop()

	c.ws.SetPingHandler(func(data string) error {
		c.wl.Lock()
		defer c.wl.Unlock()
		return c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		m, body, err := c.next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		switch m.Type {
		case TypeFrame:
			if c.OnFrame != nil {
				c.OnFrame(*m.Frame, body)
			}
		case TypeFile:
			if c.OnFile != nil {
				c.OnFile(*m.File, body)
			}
		case TypeState:
			if c.OnState != nil {
				c.OnState(m.State)
			}
		case TypeStatus:
			if c.OnStatus != nil {
				c.OnStatus(m.Status)
			}
		default:
			log.Warnf("Ignoring %v message from streamer", m.Type)
		}
	}
}

func (c *Client) next() (Message, []byte, error) {
	for {
		t, b, err := c.ws.ReadMessage()
		if err != nil {
			return Message{}, nil, err
		}
		if t != websocket.TextMessage {
			log.Warn("Ignoring unexpected binary message")
			continue
		}
		m, err := decodeMessage(b)
		if err != nil {
			log.Warnf("Ignoring message: %v", err)
			continue
		}
		if !m.hasPayload() {
			return m, nil, nil
		}
		t, body, err := c.ws.ReadMessage()
		if err != nil {
			return Message{}, nil, err
		}
		if t != websocket.BinaryMessage {
			return Message{}, nil, fmt.Errorf("expected %v payload, got message type %d", m.Type, t)
		}
		return m, body, nil
	}
}

// Send writes a command to the Streamer.
func (c *Client) Send(m Message) error {
	if m.Type == "" {
		m.Type = TypeCommand
	}
	js, err := json.Marshal(m)
	if err != nil {
		return err
	}
	c.wl.Lock()
	defer c.wl.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, js)
}

// SendCommand is shorthand for a command without arguments.
func (c *Client) SendCommand(cmd Command) error {
	return c.Send(Message{Type: TypeCommand, Command: cmd})
}

func (c *Client) Close() error {
	c.wl.Lock()
	defer c.wl.Unlock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.ws.Close()
}
