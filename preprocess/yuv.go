package preprocess

// YUVToRGB converts one BT.601 limited-range sample with the fixed-point
// coefficients the embedding model was trained against. Do not change them.
func YUVToRGB(y, u, v byte) (r, g, b byte) {
	c := int(y) - 16
	d := int(u) - 128
	e := int(v) - 128

	r = clamp8((298*c + 409*e + 128) >> 8)
	g = clamp8((298*c - 100*d - 208*e + 128) >> 8)
	b = clamp8((298*c + 516*d + 128) >> 8)
	return r, g, b
}

// RGBToYUV is the integer inverse used to build NV21 frames from decoded images.
func RGBToYUV(r, g, b byte) (y, u, v byte) {
	ri, gi, bi := int(r), int(g), int(b)

	y = clamp8(((66*ri + 129*gi + 25*bi + 128) >> 8) + 16)
	u = clamp8(((-38*ri - 74*gi + 112*bi + 128) >> 8) + 128)
	v = clamp8(((112*ri - 94*gi - 18*bi + 128) >> 8) + 128)
	return y, u, v
}

// Normalize maps a channel byte into [-1, 1].
func Normalize(v byte) float32 {
	return (float32(v) - 127.5) / 127.5
}

// Denormalize is the inverse of Normalize, rounded and clamped to a byte.
func Denormalize(f float32) byte {
	return clamp8(int(f*127.5 + 127.5 + 0.5))
}

func clamp8(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
