package preprocess

import "math"

// Transform crops the face in box out of an NV21 frame, squares it, undoes
// the sensor rotation, samples it to InputSize x InputSize and writes
// normalized, interleaved RGB into out.
//
// out is owned by the caller and must hold exactly TensorSize floats. On
// error nothing has been written to it.
func Transform(frame []byte, width, height int, box Box, rot Rotation, out []float32) error {
	if frame == nil || out == nil {
		return newProcessingError(ErrInvalidBuffer, "frame and output buffers are required")
	}
	f, err := NewFrame(frame, width, height)
	if err != nil {
		return err
	}
	region, err := prepare(f, box, out)
	if err != nil {
		return err
	}

	sampleRows(f, region, rot, out, 0, InputSize)
	return nil
}

// TransformFrame is Transform for an already validated Frame.
func TransformFrame(f *Frame, box Box, rot Rotation, out []float32) error {
	if f == nil {
		return newProcessingError(ErrInvalidBuffer, "frame is nil")
	}
	return Transform(f.Data, f.Width, f.Height, box, rot, out)
}

func prepare(f *Frame, box Box, out []float32) (Region, error) {
	if len(out) != TensorSize {
		return Region{}, newProcessingError(ErrInvalidBuffer, "output holds %d floats, want %d", len(out), TensorSize)
	}

	clamped, ok := box.Clamp(f.Width, f.Height)
	if !ok {
		return Region{}, newProcessingError(ErrDegenerateBox, "box %v clamps to %v in %dx%d frame", box, clamped, f.Width, f.Height)
	}

	return clamped.Square(f.Width, f.Height), nil
}

// sampleRows fills output rows [startY, endY). Rows are independent, so
// disjoint ranges may run concurrently.
func sampleRows(f *Frame, region Region, rot Rotation, out []float32, startY, endY int) {
	scale := float32(region.Size) / InputSize
	left := float32(region.Left)
	top := float32(region.Top)

	for oy := startY; oy < endY; oy++ {
		// The explicit float32 conversions keep the compiler from fusing
		// multiply-add, so every architecture samples the same pixels.
		srcY := clampInt(int(math.Floor(float64(top+float32((float32(oy)+0.5)*scale)))), 0, f.Height-1)

		i := oy * InputSize * Channels
		for ox := 0; ox < InputSize; ox++ {
			srcX := clampInt(int(math.Floor(float64(left+float32((float32(ox)+0.5)*scale)))), 0, f.Width-1)

			rx, ry := rot.Map(srcX, srcY, f.Width, f.Height)
			rx = clampInt(rx, 0, f.Width-1)
			ry = clampInt(ry, 0, f.Height-1)

			r, g, b := f.RGB(rx, ry)
			out[i] = Normalize(r)
			out[i+1] = Normalize(g)
			out[i+2] = Normalize(b)
			i += Channels
		}
	}
}
