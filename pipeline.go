package main

import (
	"context"
	"errors"
	"time"

	"github.com/Tutortoise/face-embedding-service/embedding"
	"github.com/Tutortoise/face-embedding-service/models"
	"github.com/Tutortoise/face-embedding-service/preprocess"
)

const (
	RetryAttempts = 3
	RetryDelayMs  = 50
)

// faceInfo describes the face chosen from a frame.
type faceInfo struct {
	Box       [4]int `json:"box"`
	FaceCount int    `json:"face_count"`
}

// faceTensor is a preprocessed face ready for the embedder.
type faceTensor struct {
	faceInfo
	tensor *preprocess.Tensor
}

// extractFace decodes the frame, picks the face and fills a pooled tensor.
// The caller releases the tensor.
func (s *AppState) extractFace(req *FrameRequest, timings *models.ProcessingTimings) (*faceTensor, error) {
	decodeStart := time.Now()
	frame, err := req.frame()
	timings.ImageDecode = time.Since(decodeStart)
	if err != nil {
		return nil, err
	}

	policy, err := parsePolicy(req.Policy)
	if err != nil {
		return nil, err
	}

	selectStart := time.Now()
	box, count, err := selectFace(req.Faces, policy, frame.Width, frame.Height)
	timings.Selection = time.Since(selectStart)
	if err != nil {
		return nil, err
	}

	preprocessStart := time.Now()
	tensor := s.Preprocessor.Acquire()
	if err := s.Preprocessor.Process(frame, box, req.rotation(), tensor.Data); err != nil {
		s.Preprocessor.Release(tensor)
		return nil, err
	}
	timings.Preprocess = time.Since(preprocessStart)

	return &faceTensor{
		faceInfo: faceInfo{
			Box:       [4]int{box.Left, box.Top, box.Right, box.Bottom},
			FaceCount: count,
		},
		tensor: tensor,
	}, nil
}

// embedFace runs the full pipeline from request to embedding.
func (s *AppState) embedFace(ctx context.Context, req *FrameRequest, timings *models.ProcessingTimings) ([]float32, faceInfo, error) {
	face, err := s.extractFace(req, timings)
	if err != nil {
		return nil, faceInfo{}, err
	}
	defer s.Preprocessor.Release(face.tensor)

	inferenceStart := time.Now()
	vec, err := embedWithRetry(ctx, s.Embedder, face.tensor.Data)
	timings.Inference = time.Since(inferenceStart)
	if err != nil {
		return nil, faceInfo{}, err
	}
	return vec, face.faceInfo, nil
}

// embedWithRetry retries failures that a fresh session may not repeat.
func embedWithRetry(ctx context.Context, e embedding.Embedder, tensor []float32) ([]float32, error) {
	var lastErr error

	for attempt := 1; attempt <= RetryAttempts; attempt++ {
		vec, err := e.Embed(ctx, tensor)
		if err == nil {
			return vec, nil
		}
		lastErr = err
		if !retryable(err) || attempt == RetryAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * RetryDelayMs * time.Millisecond):
		}
	}
	return nil, lastErr
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, embedding.ErrInputSize),
		errors.Is(err, embedding.ErrPoolClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
