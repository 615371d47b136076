package main

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/Tutortoise/face-embedding-service/models"
	"github.com/Tutortoise/face-embedding-service/preprocess"
)

const IouThreshold = 0.45

// FacePolicy decides which face in a frame is used.
type FacePolicy string

const (
	PolicySingle  FacePolicy = "single"
	PolicyLargest FacePolicy = "largest"
)

var (
	ErrNoFace        = errors.New("no face in frame")
	ErrMultipleFaces = errors.New("multiple faces in frame")
	ErrUnknownPolicy = errors.New("unknown face policy")
)

func parsePolicy(s string) (FacePolicy, error) {
	switch FacePolicy(s) {
	case "", PolicySingle:
		return PolicySingle, nil
	case PolicyLargest:
		return PolicyLargest, nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownPolicy, s)
	}
}

// selectFace merges overlapping detections and picks one box according to
// policy. A nil detection list means the whole frame is the face.
func selectFace(detections []models.Detection, policy FacePolicy, width, height int) (preprocess.Box, int, error) {
	if detections == nil {
		return preprocess.Box{Right: width, Bottom: height}, 1, nil
	}

	boxes := mergeOverlapping(detections)
	switch {
	case len(boxes) == 0:
		return preprocess.Box{}, 0, ErrNoFace
	case len(boxes) > 1 && policy == PolicySingle:
		return preprocess.Box{}, len(boxes), ErrMultipleFaces
	}

	best := toBox(boxes[0])
	for _, b := range boxes[1:] {
		if box := toBox(b); box.Area() > best.Area() {
			best = box
		}
	}
	return best, len(boxes), nil
}

// mergeOverlapping folds each detection into the first kept box it overlaps
// with, visiting detections by descending confidence.
func mergeOverlapping(detections []models.Detection) [][4]int32 {
	sorted := make([]models.Detection, len(detections))
	copy(sorted, detections)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	var finalBoxes [][4]int32
	for _, det := range sorted {
		merged := false
		for i, existing := range finalBoxes {
			if calculateIOU(det.BBox, existing) > IouThreshold {
				finalBoxes[i] = mergeBoxes([][4]int32{existing, det.BBox})
				merged = true
				break
			}
		}
		if !merged {
			finalBoxes = append(finalBoxes, det.BBox)
		}
	}
	return finalBoxes
}

func calculateIOU(box1, box2 [4]int32) float64 {
	x1 := math.Max(float64(box1[0]), float64(box2[0]))
	y1 := math.Max(float64(box1[1]), float64(box2[1]))
	x2 := math.Min(float64(box1[2]), float64(box2[2]))
	y2 := math.Min(float64(box1[3]), float64(box2[3]))

	if x2 <= x1 || y2 <= y1 {
		return 0.0
	}

	intersection := (x2 - x1) * (y2 - y1)
	area1 := float64(box1[2]-box1[0]) * float64(box1[3]-box1[1])
	area2 := float64(box2[2]-box2[0]) * float64(box2[3]-box2[1])
	union := area1 + area2 - intersection

	return intersection / union
}

func mergeBoxes(boxes [][4]int32) [4]int32 {
	if len(boxes) == 0 {
		return [4]int32{0, 0, 0, 0}
	}

	result := boxes[0]
	for _, box := range boxes[1:] {
		result[0] = min(result[0], box[0])
		result[1] = min(result[1], box[1])
		result[2] = max(result[2], box[2])
		result[3] = max(result[3], box[3])
	}

	return result
}

func toBox(b [4]int32) preprocess.Box {
	return preprocess.Box{Left: int(b[0]), Top: int(b[1]), Right: int(b[2]), Bottom: int(b[3])}
}
