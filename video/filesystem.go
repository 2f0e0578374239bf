package video

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pillash/mp4util"
	log "github.com/sirupsen/logrus"
)

// ScratchFile is the single reusable location recordings are written to. It
// is overwritten by every recording; nothing else is persisted.
type ScratchFile struct {
	path string
}

// NewScratchFile creates dir if needed and returns the scratch file name in it.
func NewScratchFile(dir, name string) (*ScratchFile, error) {
	if name == "" || filepath.Base(name) != name {
		return nil, fmt.Errorf("invalid scratch file name %q", name)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &ScratchFile{path: filepath.Join(dir, name)}, nil
}

func (f *ScratchFile) Path() string { return f.path }

// Remove deletes the file. A missing file is not an error.
func (f *ScratchFile) Remove() error {
	err := os.Remove(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (f *ScratchFile) Exists() bool {
	fi, err := os.Stat(f.path)
	return err == nil && fi.Mode().IsRegular()
}

// RecordingInfo describes a finished recording.
type RecordingInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
	// Duration is zero when the container could not be parsed.
	Duration time.Duration
}

// Info describes the file at path.
func Info(path string) (RecordingInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return RecordingInfo{}, err
	}
	if !fi.Mode().IsRegular() {
		return RecordingInfo{}, fmt.Errorf("%v is not a regular file", path)
	}
	info := RecordingInfo{
		Path:    path,
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
	}
	secs, err := mp4util.Duration(path)
	if err != nil {
		log.Debugf("Failed to read duration of %v: %v", path, err)
	} else {
		info.Duration = time.Duration(secs) * time.Second
	}
	return info, nil
}

func (f *ScratchFile) Info() (RecordingInfo, error) {
	return Info(f.path)
}
