package process

import (
	"gocv.io/x/gocv"

	"peercam/video/source"
)

// ImageOrientation tags how a captured image must be turned for upright
// presentation.
type ImageOrientation int

const (
	Up ImageOrientation = iota
	Down
	Left
	Right
)

func (o ImageOrientation) String() string {
	switch o {
	case Up:
		return "up"
	case Down:
		return "down"
	case Left:
		return "left"
	case Right:
		return "right"
	default:
		return "unknown"
	}
}

// ImageOrientationFor maps the capture orientation to the presentation
// orientation of frames produced by the camera sensor.
func ImageOrientationFor(o source.VideoOrientation) ImageOrientation {
	switch o {
	case source.Portrait:
		return Right
	case source.PortraitUpsideDown:
		return Left
	case source.LandscapeRight:
		return Up
	case source.LandscapeLeft:
		return Down
	default:
		return Right
	}
}

// rotation returns the pixel rotation that bakes o into the image, and false
// when no rotation is needed.
func (o ImageOrientation) rotation() (gocv.RotateFlag, bool) {
	switch o {
	case Right:
		return gocv.Rotate90Clockwise, true
	case Left:
		return gocv.Rotate90CounterClockwise, true
	case Down:
		return gocv.Rotate180Clockwise, true
	default:
		return 0, false
	}
}

// Degrees is the clockwise rotation for o.
func (o ImageOrientation) Degrees() int {
	switch o {
	case Right:
		return 90
	case Down:
		return 180
	case Left:
		return 270
	default:
		return 0
	}
}
