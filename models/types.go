package models

import "time"

type Detection struct {
	BBox       [4]int32 `json:"box"`
	Confidence float32  `json:"confidence"`
}

type ProcessingTimings struct {
	RequestID   string
	ImageDecode time.Duration
	Selection   time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Matching    time.Duration
	Total       time.Duration
}

// Roster places a person in the organisation. Every field is optional.
type Roster struct {
	ClassName string `json:"class_name,omitempty"`
	SubClass  string `json:"sub_class,omitempty"`
	Grade     string `json:"grade,omitempty"`
	SubGrade  string `json:"sub_grade,omitempty"`
	Program   string `json:"program,omitempty"`
	Role      string `json:"role,omitempty"`
}

// Face is one registered identity.
type Face struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	PhotoURL string `json:"photo_url,omitempty"`
	Roster
	Embedding []float32 `json:"embedding,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CheckIn carries a copy of the face's roster as it was at check-in time.
type CheckIn struct {
	ID       string  `json:"id"`
	FaceID   string  `json:"face_id"`
	Name     string  `json:"name"`
	Distance float32 `json:"distance"`
	Roster
	CreatedAt time.Time `json:"created_at"`
}
