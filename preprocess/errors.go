package preprocess

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidBuffer     = errors.New("invalid buffer")
	ErrInvalidDimensions = errors.New("invalid dimensions")
	ErrDegenerateBox     = errors.New("degenerate bounding box")
)

type ProcessingError struct {
	Message string
	Cause   error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

func newProcessingError(cause error, format string, args ...any) error {
	return &ProcessingError{
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}
