package config

import (
	"fmt"
	"time"
)

// Config is the on-disk configuration shared by both roles.
type Config struct {
	// Mode selects the streamer outputs: "fileRecording", "liveStreaming" or "hybrid".
	Mode string `json:"mode" toml:"mode" yaml:"mode"`
	// FrameSkip forwards one in FrameSkip captured frames in live mode.
	FrameSkip int `json:"frame_skip" toml:"frame_skip" yaml:"frame_skip"`

	ScratchDir  string `json:"scratch_dir" toml:"scratch_dir" yaml:"scratch_dir"`
	ScratchName string `json:"scratch_name" toml:"scratch_name" yaml:"scratch_name"`

	// If non-empty, these override default device discovery.
	VideoDevice string `json:"video_device" toml:"video_device" yaml:"video_device"`
	AudioDevice string `json:"audio_device" toml:"audio_device" yaml:"audio_device"`

	FFmpeg string `json:"ffmpeg" toml:"ffmpeg" yaml:"ffmpeg"`
	FPS    int    `json:"fps" toml:"fps" yaml:"fps"`
	Width  int    `json:"width" toml:"width" yaml:"width"`
	Height int    `json:"height" toml:"height" yaml:"height"`

	Listen string `json:"listen" toml:"listen" yaml:"listen"`

	// Host role only.
	PeerURL     string `json:"peer_url" toml:"peer_url" yaml:"peer_url"`
	DownloadDir string `json:"download_dir" toml:"download_dir" yaml:"download_dir"`

	LogLevel string `json:"log_level" toml:"log_level" yaml:"log_level"`

	// ReloadDelay debounces bursts of file change events.
	ReloadDelay time.Duration `json:"-" toml:"-" yaml:"-"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Mode:        "hybrid",
		FrameSkip:   5,
		ScratchDir:  "/tmp/peercam/",
		ScratchName: "recording.mp4",
		FPS:         30,
		Width:       1280,
		Height:      720,
		Listen:      ":8080",
		PeerURL:     "ws://localhost:8080/peer",
		DownloadDir: "/tmp/peercam/received/",
		LogLevel:    "info",
		ReloadDelay: time.Second / 10,
	}
}

// Validate reports the first obviously invalid field.
func (c *Config) Validate() error {
	if c.FrameSkip < 1 {
		return fmt.Errorf("frame_skip must be at least 1, got %d", c.FrameSkip)
	}
	if c.FPS < 1 {
		return fmt.Errorf("fps must be positive, got %d", c.FPS)
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("invalid capture size %dx%d", c.Width, c.Height)
	}
	if c.ScratchName == "" {
		return fmt.Errorf("scratch_name is required")
	}
	return nil
}
