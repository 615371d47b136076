package preprocess

// Box is a face rectangle in frame pixels. Right and Bottom are exclusive.
type Box struct {
	Left, Top, Right, Bottom int
}

// Region is the square crop actually sampled from the frame.
type Region struct {
	Left, Top, Size int
}

func (b Box) Dx() int { return b.Right - b.Left }
func (b Box) Dy() int { return b.Bottom - b.Top }

func (b Box) Area() int {
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return 0
	}
	return b.Dx() * b.Dy()
}

// Clamp limits the box to a width x height frame. It reports false when
// nothing of positive area is left.
func (b Box) Clamp(width, height int) (Box, bool) {
	c := Box{
		Left:   max(b.Left, 0),
		Top:    max(b.Top, 0),
		Right:  min(b.Right, width),
		Bottom: min(b.Bottom, height),
	}
	if c.Dx() <= 0 || c.Dy() <= 0 {
		return c, false
	}
	return c, true
}

// Square expands a clamped box to a square of side max(Dx, Dy) centered on
// the box and shifted to stay inside the frame. The side is never changed;
// when it exceeds a frame dimension the origin on that axis is pinned to 0.
func (b Box) Square(width, height int) Region {
	w, h := b.Dx(), b.Dy()
	size := max(w, h)
	cx := b.Left + w/2
	cy := b.Top + h/2

	return Region{
		Left: clampInt(cx-size/2, 0, width-size),
		Top:  clampInt(cy-size/2, 0, height-size),
		Size: size,
	}
}

// clampInt gives lo precedence when hi < lo.
func clampInt(v, lo, hi int) int {
	if v > hi {
		v = hi
	}
	if v < lo {
		v = lo
	}
	return v
}
