// Package matching compares face embeddings by cosine distance.
package matching

import (
	"errors"
	"fmt"
	"math"
)

const (
	DefaultRegistrationThreshold = 0.25
	DefaultRecognitionThreshold  = 0.40
	DefaultMinMargin             = 0.05
)

var ErrDimensionMismatch = errors.New("matching: embedding dimension mismatch")

// Policy holds the distance limits used when registering and recognising.
type Policy struct {
	RegistrationThreshold float32 `yaml:"registration_threshold" json:"registration_threshold"`
	RecognitionThreshold  float32 `yaml:"recognition_threshold" json:"recognition_threshold"`
	MinMargin             float32 `yaml:"min_margin" json:"min_margin"`
}

func DefaultPolicy() Policy {
	return Policy{
		RegistrationThreshold: DefaultRegistrationThreshold,
		RecognitionThreshold:  DefaultRecognitionThreshold,
		MinMargin:             DefaultMinMargin,
	}
}

// Candidate is one gallery entry.
type Candidate struct {
	ID        string
	Embedding []float32
}

// Result reports the outcome of Match. ID is empty when Matched is false.
type Result struct {
	Matched    bool    `json:"matched"`
	ID         string  `json:"id,omitempty"`
	Distance   float32 `json:"distance"`
	SecondBest float32 `json:"second_best,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

// DecisionLogger receives matches rejected for being too close to call.
type DecisionLogger interface {
	AmbiguousMatch(bestID string, best, secondBest, threshold, minMargin float32)
}

// CosineDistance returns 1 - cos(a, b) in [0, 2]. A zero vector is
// treated as orthogonal to everything.
func CosineDistance(a, b []float32) (float32, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}

	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1, nil
	}

	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	sim = math.Max(-1, math.Min(1, sim))
	return float32(1 - sim), nil
}

// Matcher finds the closest gallery entry to a probe.
type Matcher struct {
	Logger DecisionLogger
}

// Match returns the best candidate within threshold. With minMargin > 0 the
// runner-up must be at least minMargin further away, otherwise the result
// is reported as ambiguous.
func (m *Matcher) Match(gallery []Candidate, probe []float32, threshold, minMargin float32) (Result, error) {
	if len(gallery) == 0 {
		return Result{Reason: "gallery is empty"}, nil
	}

	bestID := ""
	best := float32(math.MaxFloat32)
	second := float32(math.MaxFloat32)

	for _, c := range gallery {
		d, err := CosineDistance(c.Embedding, probe)
		if err != nil {
			return Result{}, fmt.Errorf("candidate %s: %w", c.ID, err)
		}
		switch {
		case d < best:
			second = best
			best = d
			bestID = c.ID
		case d < second:
			second = d
		}
	}

	if bestID == "" || best > threshold {
		return Result{Distance: best, Reason: "no candidate under threshold"}, nil
	}

	hasSecond := second < math.MaxFloat32
	if minMargin > 0 && hasSecond && second-best < minMargin {
		if m != nil && m.Logger != nil {
			m.Logger.AmbiguousMatch(bestID, best, second, threshold, minMargin)
		}
		return Result{Distance: best, SecondBest: second, Reason: "ambiguous match"}, nil
	}

	res := Result{Matched: true, ID: bestID, Distance: best}
	if hasSecond {
		res.SecondBest = second
	}
	return res, nil
}
