package preprocess

import (
	"errors"
	"image"
	"image/color"
	"math"
	"math/rand"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/google/go-cmp/cmp"
)

func TestTransformExampleFrame(t *testing.T) {
	frame := randomFrame(1, 320, 240)
	out := make([]float32, TensorSize)

	if err := Transform(frame, 320, 240, Box{100, 50, 180, 170}, Rotate0, out); err != nil {
		t.Fatalf("Transform() error = %v", err)
	}
	if len(out) != InputSize*InputSize*3 {
		t.Fatalf("len(out) = %d", len(out))
	}
	for i, v := range out {
		if math.IsNaN(float64(v)) || v < -1 || v > 1 {
			t.Fatalf("out[%d] = %v, outside [-1, 1]", i, v)
		}
	}
}

func TestTransformAllRotationsInRange(t *testing.T) {
	frame := randomFrame(2, 200, 100)
	for _, rot := range []Rotation{Rotate0, Rotate90, Rotate180, Rotate270, Rotation(33)} {
		out := make([]float32, TensorSize)
		if err := Transform(frame, 200, 100, Box{20, 10, 120, 90}, rot, out); err != nil {
			t.Fatalf("Transform(%v) error = %v", rot, err)
		}
		for i, v := range out {
			if v < -1 || v > 1 {
				t.Fatalf("Transform(%v) out[%d] = %v", rot, i, v)
			}
		}
	}
}

func TestTransformDeterministic(t *testing.T) {
	frame := randomFrame(3, 640, 480)
	box := Box{211, 97, 377, 301}

	first := make([]float32, TensorSize)
	second := make([]float32, TensorSize)
	if err := Transform(frame, 640, 480, box, Rotate270, first); err != nil {
		t.Fatal(err)
	}
	if err := Transform(frame, 640, 480, box, Rotate270, second); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("repeated Transform differs (-first +second):\n%s", diff)
	}
}

func TestTransformFlatGray(t *testing.T) {
	tests := []struct {
		name string
		y    byte
		want float32
	}{
		{"y 126", 126, Normalize(128)},
		{"y 128", 128, Normalize(130)},
	}

	boxes := []Box{{0, 0, 320, 240}, {10, 10, 50, 90}, {280, 200, 330, 260}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := flatFrame(320, 240, tt.y, 128, 128)
			for _, box := range boxes {
				for _, rot := range []Rotation{Rotate0, Rotate90, Rotate180, Rotate270} {
					out := make([]float32, TensorSize)
					if err := Transform(frame, 320, 240, box, rot, out); err != nil {
						t.Fatalf("Transform(%v, %v) error = %v", box, rot, err)
					}
					for i, v := range out {
						if v != tt.want {
							t.Fatalf("Transform(%v, %v) out[%d] = %v, want %v", box, rot, i, v, tt.want)
						}
					}
				}
			}
		})
	}

	if got := Normalize(128); math.Abs(float64(got)-0.0039) > 1e-4 {
		t.Errorf("mid gray normalizes to %v, want ~0.0039", got)
	}
}

func TestTransformPixelCenterSampling(t *testing.T) {
	tests := []struct {
		name string
		side int
		src  func(o int) int
	}{
		{"one to one", 160, func(o int) int { return o }},
		{"two to one", 320, func(o int) int { return 2*o + 1 }},
		{"three to one", 480, func(o int) int { return 3*o + 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := randomFrame(4, tt.side, tt.side)
			f, err := NewFrame(frame, tt.side, tt.side)
			if err != nil {
				t.Fatal(err)
			}

			out := make([]float32, TensorSize)
			if err := Transform(frame, tt.side, tt.side, Box{0, 0, tt.side, tt.side}, Rotate0, out); err != nil {
				t.Fatal(err)
			}

			for oy := 0; oy < InputSize; oy++ {
				for ox := 0; ox < InputSize; ox++ {
					r, g, b := f.RGB(tt.src(ox), tt.src(oy))
					i := 3 * (oy*InputSize + ox)
					if out[i] != Normalize(r) || out[i+1] != Normalize(g) || out[i+2] != Normalize(b) {
						t.Fatalf("out at (%d, %d) = %v, want source pixel (%d, %d)",
							ox, oy, out[i:i+3], tt.src(ox), tt.src(oy))
					}
				}
			}
		})
	}
}

// grayGradient has neutral chroma after EncodeImage, so rotating the picture
// rotates the NV21 frame exactly.
func grayGradient(side int) *image.Gray {
	rng := rand.New(rand.NewSource(5))
	img := image.NewGray(image.Rect(0, 0, side, side))
	for i := range img.Pix {
		img.Pix[i] = byte(rng.Intn(256))
	}
	return img
}

func TestTransformRotationMatchesRotatedImage(t *testing.T) {
	const side = 96
	src := grayGradient(side)
	box := Box{0, 0, side, side}

	tests := []struct {
		rot     Rotation
		upright image.Image
	}{
		{Rotate90, imaging.Rotate270(src)},
		{Rotate180, imaging.Rotate180(src)},
		{Rotate270, imaging.Rotate90(src)},
	}

	sensor := EncodeImage(src)
	for _, tt := range tests {
		t.Run(tt.rot.String(), func(t *testing.T) {
			got := make([]float32, TensorSize)
			if err := TransformFrame(sensor, box, tt.rot, got); err != nil {
				t.Fatal(err)
			}

			want := make([]float32, TensorSize)
			if err := TransformFrame(EncodeImage(tt.upright), box, Rotate0, want); err != nil {
				t.Fatal(err)
			}

			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("rotated sampling differs from sampling the upright image (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTransformRejectsInvalidInput(t *testing.T) {
	frame := flatFrame(320, 240, 100, 128, 128)

	tests := []struct {
		name    string
		frame   []byte
		width   int
		height  int
		box     Box
		out     []float32
		wantErr error
	}{
		{"nil frame", nil, 320, 240, Box{0, 0, 10, 10}, filled(TensorSize, 42), ErrInvalidBuffer},
		{"nil output", frame, 320, 240, Box{0, 0, 10, 10}, nil, ErrInvalidBuffer},
		{"short frame", frame[:320*240], 320, 240, Box{0, 0, 10, 10}, filled(TensorSize, 42), ErrInvalidBuffer},
		{"short output", frame, 320, 240, Box{0, 0, 10, 10}, filled(TensorSize-1, 42), ErrInvalidBuffer},
		{"zero width", frame, 0, 240, Box{0, 0, 10, 10}, filled(TensorSize, 42), ErrInvalidDimensions},
		{"negative height", frame, 320, -1, Box{0, 0, 10, 10}, filled(TensorSize, 42), ErrInvalidDimensions},
		{"empty box", frame, 320, 240, Box{50, 50, 50, 90}, filled(TensorSize, 42), ErrDegenerateBox},
		{"inverted box", frame, 320, 240, Box{50, 90, 80, 20}, filled(TensorSize, 42), ErrDegenerateBox},
		{"box outside frame", frame, 320, 240, Box{400, 10, 500, 50}, filled(TensorSize, 42), ErrDegenerateBox},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Transform(tt.frame, tt.width, tt.height, tt.box, Rotate0, tt.out)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Transform() error = %v, want %v", err, tt.wantErr)
			}

			var perr *ProcessingError
			if !errors.As(err, &perr) {
				t.Errorf("Transform() error %T is not a *ProcessingError", err)
			}

			for i, v := range tt.out {
				if v != 42 {
					t.Fatalf("out[%d] = %v after failed Transform, want untouched", i, v)
				}
			}
		})
	}
}

func TestFrameSize(t *testing.T) {
	tests := []struct {
		width, height, want int
	}{
		{320, 240, 320 * 240 * 3 / 2},
		{2, 2, 6},
		{2, 3, 10},
		{3, 2, 10},
		{3, 3, 16},
	}
	for _, tt := range tests {
		if got := FrameSize(tt.width, tt.height); got != tt.want {
			t.Errorf("FrameSize(%d, %d) = %d, want %d", tt.width, tt.height, got, tt.want)
		}
	}
}

func TestNewFrameOddSizeNeedsFullChromaRow(t *testing.T) {
	if _, err := NewFrame(make([]byte, 3*2*3/2), 3, 2); !errors.Is(err, ErrInvalidBuffer) {
		t.Errorf("3x2 frame of %d bytes: err = %v, want ErrInvalidBuffer", 3*2*3/2, err)
	}
	if _, err := NewFrame(make([]byte, FrameSize(3, 2)), 3, 2); err != nil {
		t.Errorf("3x2 frame of %d bytes: %v", FrameSize(3, 2), err)
	}
}

func TestTransformOddFrameCorners(t *testing.T) {
	const width, height = 7, 5
	frame := flatFrame(width, height, 200, 60, 190)
	for _, rot := range []Rotation{Rotate0, Rotate90, Rotate180, Rotate270} {
		out := make([]float32, TensorSize)
		if err := Transform(frame, width, height, Box{0, 0, width, height}, rot, out); err != nil {
			t.Fatalf("Transform(%v) error = %v", rot, err)
		}
	}
}

func TestFrameRGBReadsVBeforeU(t *testing.T) {
	frame := flatFrame(4, 4, 81, 90, 240)
	f, err := NewFrame(frame, 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	r, g, b := f.RGB(3, 3)
	if want := (color.RGBA{255, 0, 0, 0}); r != want.R || g != want.G || b != want.B {
		t.Errorf("RGB(3, 3) = (%d, %d, %d), want red", r, g, b)
	}
}
