package preprocess

import (
	"fmt"
	"image"
	"io"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// DecodeImage decodes a JPEG, PNG or WebP upload, applying EXIF orientation.
func DecodeImage(r io.Reader) (image.Image, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// EncodeImage converts a decoded image to NV21 so still photos take the same
// path as camera frames. Odd dimensions are truncated to even ones and each
// 2x2 block takes its chroma from the top-left pixel.
func EncodeImage(img image.Image) *Frame {
	src := imaging.Clone(img)
	w := src.Bounds().Dx() &^ 1
	h := src.Bounds().Dy() &^ 1

	data := make([]byte, w*h*3/2)
	uvBase := w * h

	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride:]
		for x := 0; x < w; x++ {
			px := row[x*4 : x*4+3]
			Y, U, V := RGBToYUV(px[0], px[1], px[2])
			data[y*w+x] = Y

			if y%2 == 0 && x%2 == 0 {
				uvIdx := uvBase + (y/2)*w + x
				data[uvIdx] = V
				data[uvIdx+1] = U
			}
		}
	}

	return &Frame{Data: data, Width: w, Height: h}
}

// TensorImage renders a preprocessed tensor back to the picture the model sees.
func TensorImage(tensor []float32) (*image.NRGBA, error) {
	if len(tensor) != TensorSize {
		return nil, newProcessingError(ErrInvalidBuffer, "tensor holds %d floats, want %d", len(tensor), TensorSize)
	}

	img := image.NewNRGBA(image.Rect(0, 0, InputSize, InputSize))
	for i := 0; i < InputSize*InputSize; i++ {
		img.Pix[i*4] = Denormalize(tensor[i*Channels])
		img.Pix[i*4+1] = Denormalize(tensor[i*Channels+1])
		img.Pix[i*4+2] = Denormalize(tensor[i*Channels+2])
		img.Pix[i*4+3] = 0xff
	}
	return img, nil
}
