package preprocess

// Frame is a read-only NV21 view: a width*height luma plane followed by an
// interleaved V/U plane subsampled 2x2.
type Frame struct {
	Data   []byte
	Width  int
	Height int
}

// FrameSize is the minimum buffer length for a width x height NV21 frame.
// It equals width*height*3/2 for even dimensions; odd dimensions need the
// chroma row of the last, partial block pair as well.
func FrameSize(width, height int) int {
	return width*height + ((height+1)/2)*width + width&1
}

// NewFrame validates data as an NV21 frame without copying it. data must
// hold at least FrameSize(width, height) bytes; for odd dimensions that is
// more than width*height*3/2, and shorter buffers fail with
// ErrInvalidBuffer.
func NewFrame(data []byte, width, height int) (*Frame, error) {
	if data == nil {
		return nil, newProcessingError(ErrInvalidBuffer, "frame is nil")
	}
	if width <= 0 || height <= 0 {
		return nil, newProcessingError(ErrInvalidDimensions, "frame size %dx%d", width, height)
	}
	if need := FrameSize(width, height); len(data) < need {
		return nil, newProcessingError(ErrInvalidBuffer, "frame holds %d bytes, %dx%d NV21 needs %d", len(data), width, height, need)
	}
	return &Frame{Data: data, Width: width, Height: height}, nil
}

// RGB decodes the pixel at (x, y), which must lie inside the frame.
func (f *Frame) RGB(x, y int) (r, g, b byte) {
	yIdx := y*f.Width + x
	uvIdx := f.Width*f.Height + (y/2)*f.Width + (x/2)*2

	// NV21 stores V before U
	return YUVToRGB(f.Data[yIdx], f.Data[uvIdx+1], f.Data[uvIdx])
}
