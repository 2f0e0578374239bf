package source

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// MediaKind distinguishes video from audio devices.
type MediaKind int

const (
	Video MediaKind = iota + 1
	Audio
)

func (k MediaKind) String() string {
	switch k {
	case Video:
		return "video"
	case Audio:
		return "audio"
	default:
		return fmt.Sprintf("MediaKind(%d)", int(k))
	}
}

// Device identifies a capture device.
type Device struct {
	Kind MediaKind
	// ID is what the capture backend opens: a V4L2 path for video, an ALSA
	// name (e.g. "hw:0,0") for audio.
	ID   string
	Name string
}

func (d Device) String() string {
	if d.Name != "" {
		return fmt.Sprintf("%v %v (%v)", d.Kind, d.ID, d.Name)
	}
	return fmt.Sprintf("%v %v", d.Kind, d.ID)
}

// Devices finds capture devices on the local system.
type Devices struct {
	// DevRoot is the /dev directory; overridable for tests.
	DevRoot string

	// Optional overrides, used instead of discovery when set.
	VideoID string
	AudioID string
}

var pcmCapture = regexp.MustCompile(`^pcmC(\d+)D(\d+)c$`)

// Default returns the preferred device of the given kind.
func (d *Devices) Default(kind MediaKind) (Device, bool) {
	root := d.DevRoot
	if root == "" {
		root = "/dev"
	}
	switch kind {
	case Video:
		if d.VideoID != "" {
			return Device{Kind: Video, ID: d.VideoID}, true
		}
		matches, _ := filepath.Glob(filepath.Join(root, "video*"))
		sort.Strings(matches)
		for _, m := range matches {
			if fi, err := os.Stat(m); err == nil && !fi.IsDir() {
				return Device{Kind: Video, ID: m, Name: filepath.Base(m)}, true
			}
		}
	case Audio:
		if d.AudioID != "" {
			return Device{Kind: Audio, ID: d.AudioID}, true
		}
		entries, err := os.ReadDir(filepath.Join(root, "snd"))
		if err != nil {
			return Device{}, false
		}
		var names []string
		for _, e := range entries {
			if pcmCapture.MatchString(e.Name()) {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		if len(names) > 0 {
			m := pcmCapture.FindStringSubmatch(names[0])
			card, _ := strconv.Atoi(m[1])
			dev, _ := strconv.Atoi(m[2])
			return Device{Kind: Audio, ID: fmt.Sprintf("hw:%d,%d", card, dev), Name: names[0]}, true
		}
	}
	return Device{}, false
}
