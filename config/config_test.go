package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0644))
	return p
}

func TestFromFileFormats(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		file string
		body string
	}{
		{"json", "c.json", `{"mode": "liveStreaming", "frame_skip": 3}`},
		{"toml", "c.toml", "mode = \"liveStreaming\"\nframe_skip = 3\n"},
		{"yaml", "c.yaml", "mode: liveStreaming\nframe_skip: 3\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := FromFile(writeFile(t, dir, tt.file, tt.body))
			require.NoError(t, err)
			assert.Equal(t, "liveStreaming", c.Mode)
			assert.Equal(t, 3, c.FrameSkip)
			// Unset fields keep defaults.
			assert.Equal(t, "recording.mp4", c.ScratchName)
			assert.Equal(t, 30, c.FPS)
		})
	}
}

func TestFromFileRejectsInvalid(t *testing.T) {
	dir := t.TempDir()

	_, err := FromFile(writeFile(t, dir, "bad.json", `{"frame_skip": 0}`))
	assert.Error(t, err)

	_, err = FromFile(writeFile(t, dir, "c.ini", `mode=hybrid`))
	assert.Error(t, err)

	_, err = FromFile(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestLoadReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "c.json", `{"log_level": "info"}`)

	changed := make(chan string, 4)
	OnChange(func(c *Config) { changed <- c.LogLevel })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, Load(ctx, p))
	assert.Equal(t, "info", <-changed)
	assert.Equal(t, "info", Get().LogLevel)

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(p, []byte(`{"log_level": "debug"}`), 0644))

	select {
	case lvl := <-changed:
		assert.Equal(t, "debug", lvl)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}
	assert.Equal(t, "debug", Get().LogLevel)
}
