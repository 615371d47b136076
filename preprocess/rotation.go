package preprocess

import "strconv"

// Rotation is how far the sensor frame must be turned to appear upright.
type Rotation int

const (
	Rotate0   Rotation = 0
	Rotate90  Rotation = 90
	Rotate180 Rotation = 180
	Rotate270 Rotation = 270
)

// ParseRotation reduces degrees modulo 360. Anything that is not a right
// angle falls back to Rotate0 and reports false.
func ParseRotation(degrees int) (Rotation, bool) {
	d := degrees % 360
	if d < 0 {
		d += 360
	}
	switch r := Rotation(d); r {
	case Rotate0, Rotate90, Rotate180, Rotate270:
		return r, true
	}
	return Rotate0, false
}

// Map converts an upright point to sensor coordinates for a width x height
// frame. Unknown rotations are treated as Rotate0. The result may fall
// outside the frame and must be clamped by the caller.
func (r Rotation) Map(x, y, width, height int) (int, int) {
	switch r {
	case Rotate90:
		return y, width - 1 - x
	case Rotate180:
		return width - 1 - x, height - 1 - y
	case Rotate270:
		return height - 1 - y, x
	default:
		return x, y
	}
}

func (r Rotation) String() string {
	return strconv.Itoa(int(r)) + "°"
}
