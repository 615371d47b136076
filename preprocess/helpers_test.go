package preprocess

import "math/rand"

// flatFrame builds an NV21 frame with the same Y, U and V everywhere.
func flatFrame(width, height int, y, u, v byte) []byte {
	data := make([]byte, FrameSize(width, height))
	luma := width * height
	for i := 0; i < luma; i++ {
		data[i] = y
	}
	for i := luma; i+1 < len(data); i += 2 {
		data[i] = v
		data[i+1] = u
	}
	return data
}

func randomFrame(seed int64, width, height int) []byte {
	rng := rand.New(rand.NewSource(seed))
	data := make([]byte, FrameSize(width, height))
	rng.Read(data)
	return data
}

func filled(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}
