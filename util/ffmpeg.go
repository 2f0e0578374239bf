package util

import (
	"fmt"
	"os"
	"os/exec"
)

// EnvFFmpeg overrides the ffmpeg binary location.
const EnvFFmpeg = "FFMPEG"

// LocateFFmpeg returns the path of the ffmpeg binary, preferring $FFMPEG over $PATH.
func LocateFFmpeg() (string, error) {
	if p := os.Getenv(EnvFFmpeg); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("%s=%q: %w", EnvFFmpeg, p, err)
		}
		return p, nil
	}
	return exec.LookPath("ffmpeg")
}
