package embedding

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/Tutortoise/face-embedding-service/preprocess"
)

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func TestL2Normalize(t *testing.T) {
	v := L2Normalize([]float32{3, 4})
	if math.Abs(float64(v[0])-0.6) > 1e-6 || math.Abs(float64(v[1])-0.8) > 1e-6 {
		t.Fatalf("got %v, want [0.6 0.8]", v)
	}

	zero := L2Normalize(make([]float32, 8))
	for i, x := range zero {
		if x != 0 || math.IsNaN(float64(x)) {
			t.Fatalf("zero[%d] = %v", i, x)
		}
	}
}

func TestSyntheticEmbed(t *testing.T) {
	e := NewSynthetic(128)
	defer e.Close()

	a := make([]float32, preprocess.TensorSize)
	b := make([]float32, preprocess.TensorSize)
	for i := range a {
		a[i] = float32(i%7) / 7
		b[i] = -float32(i%5) / 5
	}

	va, err := e.Embed(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if len(va) != 128 || e.Dimension() != 128 {
		t.Fatalf("dimension %d, want 128", len(va))
	}
	if n := norm(va); math.Abs(n-1) > 1e-3 {
		t.Errorf("norm = %v, want 1", n)
	}

	again, _ := e.Embed(context.Background(), a)
	for i := range va {
		if va[i] != again[i] {
			t.Fatalf("not deterministic at %d", i)
		}
	}

	vb, _ := e.Embed(context.Background(), b)
	same := true
	for i := range va {
		if va[i] != vb[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("different inputs produced identical embeddings")
	}
}

func TestSyntheticRejectsBadInput(t *testing.T) {
	e := NewSynthetic(0)
	if e.Dimension() != DefaultDimension {
		t.Fatalf("default dimension %d", e.Dimension())
	}
	if _, err := e.Embed(context.Background(), make([]float32, 10)); !errors.Is(err, ErrInputSize) {
		t.Fatalf("err = %v, want ErrInputSize", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Embed(ctx, make([]float32, preprocess.TensorSize)); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestOpenSyntheticAndUnknown(t *testing.T) {
	e, err := Open(Config{Backend: BackendSynthetic, Dimension: 64})
	if err != nil {
		t.Fatal(err)
	}
	if e.Dimension() != 64 {
		t.Errorf("dimension %d, want 64", e.Dimension())
	}
	e.Close()

	if _, err := Open(Config{Backend: "tflite"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
