package preprocess

import (
	"math/rand"
	"testing"
)

func TestBoxClamp(t *testing.T) {
	tests := []struct {
		name   string
		box    Box
		want   Box
		wantOK bool
	}{
		{"inside", Box{10, 20, 30, 40}, Box{10, 20, 30, 40}, true},
		{"negative origin", Box{-5, -10, 30, 40}, Box{0, 0, 30, 40}, true},
		{"past right and bottom", Box{300, 200, 400, 300}, Box{300, 200, 320, 240}, true},
		{"empty", Box{50, 50, 50, 90}, Box{50, 50, 50, 90}, false},
		{"inverted", Box{60, 50, 40, 90}, Box{60, 50, 40, 90}, false},
		{"entirely right of frame", Box{400, 10, 500, 50}, Box{400, 10, 320, 50}, false},
		{"entirely above frame", Box{10, -50, 50, -10}, Box{10, 0, 50, -10}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.box.Clamp(320, 240)
			if ok != tt.wantOK {
				t.Fatalf("Clamp(%v) ok = %v, want %v", tt.box, ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("Clamp(%v) = %v, want %v", tt.box, got, tt.want)
			}
		})
	}
}

func TestBoxSquare(t *testing.T) {
	tests := []struct {
		name string
		box  Box
		want Region
	}{
		{"tall box centered", Box{100, 50, 180, 170}, Region{Left: 80, Top: 50, Size: 120}},
		{"wide box centered", Box{100, 100, 160, 120}, Region{Left: 100, Top: 80, Size: 60}},
		{"touches left edge", Box{0, 100, 20, 160}, Region{Left: 0, Top: 100, Size: 60}},
		{"touches bottom right", Box{300, 200, 320, 240}, Region{Left: 280, Top: 200, Size: 40}},
		{"wider than frame is tall", Box{0, 0, 300, 100}, Region{Left: 0, Top: 0, Size: 300}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.box.Square(320, 240); got != tt.want {
				t.Errorf("Square(%v) = %+v, want %+v", tt.box, got, tt.want)
			}
		})
	}
}

func TestSquareStaysInsideFrame(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	const width, height = 320, 240

	for i := 0; i < 5000; i++ {
		l := rng.Intn(width+40) - 20
		tp := rng.Intn(height+40) - 20
		box := Box{l, tp, l + rng.Intn(200) - 10, tp + rng.Intn(200) - 10}

		clamped, ok := box.Clamp(width, height)
		if !ok {
			continue
		}
		if clamped.Left < 0 || clamped.Right > width || clamped.Left >= clamped.Right ||
			clamped.Top < 0 || clamped.Bottom > height || clamped.Top >= clamped.Bottom {
			t.Fatalf("Clamp(%v) = %v violates frame bounds", box, clamped)
		}

		r := clamped.Square(width, height)
		if want := max(clamped.Dx(), clamped.Dy()); r.Size != want {
			t.Fatalf("Square(%v).Size = %d, want %d", clamped, r.Size, want)
		}
		if r.Left < 0 || r.Top < 0 {
			t.Fatalf("Square(%v) = %+v has negative origin", clamped, r)
		}
		if r.Size <= width && r.Left+r.Size > width {
			t.Fatalf("Square(%v) = %+v overflows width %d", clamped, r, width)
		}
		if r.Size <= height && r.Top+r.Size > height {
			t.Fatalf("Square(%v) = %+v overflows height %d", clamped, r, height)
		}
	}
}
