package embedding

import (
	"context"
)

// Synthetic stands in for a real model during development and tests. Each
// output component is the mean of one contiguous stripe of the input, so
// different faces give different, repeatable vectors. It is not a face model.
type Synthetic struct {
	dim int
}

func NewSynthetic(dim int) *Synthetic {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &Synthetic{dim: dim}
}

func (s *Synthetic) Embed(ctx context.Context, tensor []float32) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkInput(tensor); err != nil {
		return nil, err
	}

	out := make([]float32, s.dim)
	for i := range out {
		start := i * len(tensor) / s.dim
		end := (i + 1) * len(tensor) / s.dim
		if end == start {
			end = start + 1
		}
		var sum float32
		for _, v := range tensor[start:end] {
			sum += v
		}
		out[i] = sum / float32(end-start)
	}
	return L2Normalize(out), nil
}

func (s *Synthetic) Dimension() int { return s.dim }

func (s *Synthetic) Close() error { return nil }
