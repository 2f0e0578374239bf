package source

import "fmt"

// VideoOrientation is the physical orientation of the capture device. Values
// past LandscapeLeft may be produced by newer platforms.
type VideoOrientation int

const (
	Portrait VideoOrientation = iota + 1
	PortraitUpsideDown
	LandscapeRight
	LandscapeLeft
)

func (o VideoOrientation) String() string {
	switch o {
	case Portrait:
		return "portrait"
	case PortraitUpsideDown:
		return "portraitUpsideDown"
	case LandscapeRight:
		return "landscapeRight"
	case LandscapeLeft:
		return "landscapeLeft"
	default:
		return fmt.Sprintf("VideoOrientation(%d)", int(o))
	}
}

// ParseVideoOrientation accepts the names produced by String.
func ParseVideoOrientation(s string) (VideoOrientation, error) {
	for o := Portrait; o <= LandscapeLeft; o++ {
		if o.String() == s {
			return o, nil
		}
	}
	return 0, fmt.Errorf("unknown orientation %q", s)
}
