// Package transport links a Streamer to a Host over a websocket. Control
// messages are JSON text frames; frames and files are a JSON header followed
// by one binary message carrying the payload.
package transport

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType discriminates messages.
type MessageType string

const (
	TypeCommand MessageType = "command"
	TypeState   MessageType = "state"
	TypeStatus  MessageType = "status"
	TypeFrame   MessageType = "frame"
	TypeFile    MessageType = "file"
)

// Command is a request from the Host to the Streamer.
type Command string

const (
	CommandStart       Command = "start"
	CommandStop        Command = "stop"
	CommandReset       Command = "reset"
	CommandOrientation Command = "orientation"
)

// FrameHeader precedes the JPEG payload of a live frame.
type FrameHeader struct {
	Seq        uint64    `json:"seq"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	CapturedAt time.Time `json:"captured_at"`
	Size       int       `json:"size"`
}

// FileHeader precedes the payload of a finished recording.
type FileHeader struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Size        int64   `json:"size"`
	DurationSec float64 `json:"duration_sec,omitempty"`
}

// Message is the JSON envelope of every text message.
type Message struct {
	Type MessageType `json:"type"`

	Command     Command `json:"command,omitempty"`
	Orientation string  `json:"orientation,omitempty"`

	State  string `json:"state,omitempty"`
	Status string `json:"status,omitempty"`

	Frame *FrameHeader `json:"frame,omitempty"`
	File  *FileHeader  `json:"file,omitempty"`
}

// hasPayload reports whether a binary message follows.
func (m *Message) hasPayload() bool {
	return m.Type == TypeFrame || m.Type == TypeFile
}

func decodeMessage(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("malformed message: %w", err)
	}
	switch m.Type {
	case TypeCommand, TypeState, TypeStatus:
	case TypeFrame:
		if m.Frame == nil {
			return Message{}, fmt.Errorf("frame message without header")
		}
	case TypeFile:
		if m.File == nil {
			return Message{}, fmt.Errorf("file message without header")
		}
	default:
		return Message{}, fmt.Errorf("unknown message type %q", m.Type)
	}
	return m, nil
}
