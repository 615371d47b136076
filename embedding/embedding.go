package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/Tutortoise/face-embedding-service/preprocess"
)

const (
	DefaultDimension  = 512
	DefaultInputName  = "input"
	DefaultOutputName = "embeddings"

	BackendONNX      = "onnx"
	BackendSynthetic = "synthetic"
)

var (
	ErrInputSize  = errors.New("embedding: input tensor has wrong length")
	ErrPoolClosed = errors.New("embedding: session pool is closed")
)

// Embedder turns one preprocessed face tensor into an L2-normalized vector.
// It is an explicit handle: whoever opens it closes it.
type Embedder interface {
	Embed(ctx context.Context, tensor []float32) ([]float32, error)
	Dimension() int
	Close() error
}

type Config struct {
	Backend     string
	ModelPath   string
	LibraryPath string
	Dimension   int
	InputName   string
	OutputName  string
	PoolSize    int
	Threads     int
}

func (c *Config) applyDefaults() {
	if c.Backend == "" {
		c.Backend = BackendONNX
	}
	if c.Dimension <= 0 {
		c.Dimension = DefaultDimension
	}
	if c.InputName == "" {
		c.InputName = DefaultInputName
	}
	if c.OutputName == "" {
		c.OutputName = DefaultOutputName
	}
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
}

// Open builds the embedder selected by cfg.Backend.
func Open(cfg Config) (Embedder, error) {
	cfg.applyDefaults()

	switch cfg.Backend {
	case BackendSynthetic:
		return NewSynthetic(cfg.Dimension), nil
	case BackendONNX:
		if err := InitRuntime(cfg.LibraryPath); err != nil {
			return nil, err
		}
		pool, err := NewSessionPool(cfg.PoolSize, cfg.Dimension, func() (Runner, error) {
			return NewSession(cfg)
		})
		if err != nil {
			return nil, fmt.Errorf("create session pool: %w", err)
		}
		return pool, nil
	default:
		return nil, fmt.Errorf("unknown embedding backend %q", cfg.Backend)
	}
}

func checkInput(tensor []float32) error {
	if len(tensor) != preprocess.TensorSize {
		return fmt.Errorf("%w: got %d, want %d", ErrInputSize, len(tensor), preprocess.TensorSize)
	}
	return nil
}

// L2Normalize scales v in place to unit length and returns it. The epsilon
// keeps an all-zero output finite.
func L2Normalize(v []float32) []float32 {
	var sum float32
	for _, x := range v {
		sum += x * x
	}
	norm := float32(math.Sqrt(float64(sum + 1e-6)))
	for i := range v {
		v[i] /= norm
	}
	return v
}
