package video

import (
	"errors"
	"fmt"
	"strings"
)

// Mode selects which outputs a capture session exposes. It is fixed for the
// lifetime of a configured session.
type Mode int

const (
	FileRecording Mode = iota + 1
	LiveStreaming
	Hybrid
)

func (m Mode) String() string {
	switch m {
	case FileRecording:
		return "file"
	case LiveStreaming:
		return "live"
	case Hybrid:
		return "hybrid"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode accepts the names produced by String plus a few aliases.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "file", "filerecording", "recording":
		return FileRecording, nil
	case "live", "livestreaming", "streaming":
		return LiveStreaming, nil
	case "hybrid", "both":
		return Hybrid, nil
	}
	return 0, fmt.Errorf("unknown streaming mode %q", s)
}

// HasMovie reports whether sessions in this mode write a movie file.
func (m Mode) HasMovie() bool {
	return m == FileRecording || m == Hybrid
}

// HasFrames reports whether sessions in this mode sample live frames.
func (m Mode) HasFrames() bool {
	return m == LiveStreaming || m == Hybrid
}

// SetupErrorKind classifies pipeline configuration failures.
type SetupErrorKind int

const (
	DeviceUnavailable SetupErrorKind = iota + 1
	InputRejected
	OutputRejected
)

var (
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrInputRejected     = errors.New("input rejected")
	ErrOutputRejected    = errors.New("output rejected")
)

func (k SetupErrorKind) sentinel() error {
	switch k {
	case DeviceUnavailable:
		return ErrDeviceUnavailable
	case InputRejected:
		return ErrInputRejected
	case OutputRejected:
		return ErrOutputRejected
	}
	return nil
}

func (k SetupErrorKind) String() string {
	if err := k.sentinel(); err != nil {
		return err.Error()
	}
	return fmt.Sprintf("SetupErrorKind(%d)", int(k))
}

// SetupError is fatal to pipeline configuration. The pipeline is left
// unconfigured and must be configured again from scratch.
type SetupError struct {
	Kind SetupErrorKind
	Err  error
}

func (e *SetupError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind, so errors.Is(err,
// ErrInputRejected) works on wrapped setup errors.
func (e *SetupError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

func setupErrorf(kind SetupErrorKind, format string, args ...interface{}) error {
	return &SetupError{Kind: kind, Err: fmt.Errorf(format, args...)}
}
