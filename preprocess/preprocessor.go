package preprocess

import (
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/cpu"
)

// Tensor is a pooled model input. The padding keeps tensors handed to
// different goroutines off each other's cache lines.
type Tensor struct {
	Data []float32
	_    cpu.CacheLinePad
}

// Preprocessor runs Transform with output rows split across workers and
// recycles tensors between requests.
type Preprocessor struct {
	numWorkers int
	bufferPool *sync.Pool
}

func NewPreprocessor(numWorkers int) *Preprocessor {
	if numWorkers <= 0 {
		numWorkers = runtime.GOMAXPROCS(0)
	}
	if numWorkers > InputSize {
		numWorkers = InputSize
	}
	return &Preprocessor{
		numWorkers: numWorkers,
		bufferPool: &sync.Pool{
			New: func() interface{} {
				return &Tensor{Data: make([]float32, TensorSize)}
			},
		},
	}
}

func (p *Preprocessor) Workers() int {
	return p.numWorkers
}

// Acquire returns a tensor the caller owns until Release.
func (p *Preprocessor) Acquire() *Tensor {
	return p.bufferPool.Get().(*Tensor)
}

func (p *Preprocessor) Release(t *Tensor) {
	if t == nil || len(t.Data) != TensorSize {
		return
	}
	p.bufferPool.Put(t)
}

// Process produces the same output as TransformFrame.
func (p *Preprocessor) Process(f *Frame, box Box, rot Rotation, out []float32) error {
	if f == nil || out == nil {
		return newProcessingError(ErrInvalidBuffer, "frame and output buffers are required")
	}
	f, err := NewFrame(f.Data, f.Width, f.Height)
	if err != nil {
		return err
	}
	region, err := prepare(f, box, out)
	if err != nil {
		return err
	}

	if p.numWorkers == 1 {
		sampleRows(f, region, rot, out, 0, InputSize)
		return nil
	}

	rowsPerWorker := (InputSize + p.numWorkers - 1) / p.numWorkers
	var g errgroup.Group
	for startY := 0; startY < InputSize; startY += rowsPerWorker {
		endY := min(startY+rowsPerWorker, InputSize)
		g.Go(func() error {
			sampleRows(f, region, rot, out, startY, endY)
			return nil
		})
	}
	return g.Wait()
}
