// Package recognition registers faces and checks them in against the
// stored gallery.
package recognition

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/Tutortoise/face-embedding-service/matching"
	"github.com/Tutortoise/face-embedding-service/models"
	"github.com/Tutortoise/face-embedding-service/store"
)

const DefaultCooldown = 2 * time.Minute

var (
	ErrDuplicateFace = errors.New("recognition: face already registered")
	ErrCooldown      = errors.New("recognition: checked in too recently")
	ErrInvalidFace   = errors.New("recognition: invalid face")
)

// FaceStore is the persistence the service needs. *store.Store satisfies it.
type FaceStore interface {
	CreateFace(ctx context.Context, face models.Face) error
	UpdateFace(ctx context.Context, face models.Face) error
	DeleteFace(ctx context.Context, id string) error
	GetFace(ctx context.Context, id string) (models.Face, error)
	ListFaces(ctx context.Context) ([]models.Face, error)
	RecordCheckIn(ctx context.Context, c models.CheckIn) (models.CheckIn, error)
	ListCheckIns(ctx context.Context, f store.CheckInFilter) ([]models.CheckIn, error)
	LastCheckIn(ctx context.Context, faceID string) (models.CheckIn, error)
}

// DuplicateError names the registered face a new embedding collided with.
type DuplicateError struct {
	ExistingID string
	Distance   float32
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("face matches registered id %s (distance %.4f)", e.ExistingID, e.Distance)
}

func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicateFace }

// CooldownError reports how long until the face may check in again.
type CooldownError struct {
	FaceID    string
	Name      string
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s checked in recently, retry in %s", e.Name, e.Remaining.Round(time.Second))
}

func (e *CooldownError) Is(target error) bool { return target == ErrCooldown }

type CheckInResult struct {
	Matched bool            `json:"matched"`
	CheckIn *models.CheckIn `json:"check_in,omitempty"`
	Match   matching.Result `json:"match"`
}

type Options struct {
	Dimension int
	Policy    matching.Policy
	Cooldown  time.Duration
	Debug     bool
}

type Service struct {
	store    FaceStore
	matcher  *matching.Matcher
	policy   matching.Policy
	dim      int
	cooldown time.Duration
	now      func() time.Time

	// writeMu serializes duplicate checks with the writes that follow them.
	writeMu sync.Mutex

	// checkInMu makes the cooldown check and the record one step.
	checkInMu sync.Mutex

	mu       sync.RWMutex
	loaded   bool
	gallery  []matching.Candidate
	profiles map[string]models.Face
}

func NewService(db FaceStore, opts Options) *Service {
	if opts.Policy == (matching.Policy{}) {
		opts.Policy = matching.DefaultPolicy()
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}

	matcher := &matching.Matcher{}
	if opts.Debug {
		matcher.Logger = debugLogger{}
	}

	return &Service{
		store:    db,
		matcher:  matcher,
		policy:   opts.Policy,
		dim:      opts.Dimension,
		cooldown: opts.Cooldown,
		now:      time.Now,
	}
}

// debugLogger writes ambiguous decisions to the standard logger.
type debugLogger struct{}

func (debugLogger) AmbiguousMatch(bestID string, best, secondBest, threshold, minMargin float32) {
	log.Printf("[DEBUG] ambiguous match: best=%s d=%.4f second=%.4f threshold=%.2f margin=%.2f",
		bestID, best, secondBest, threshold, minMargin)
}

func (s *Service) Policy() matching.Policy { return s.policy }

func (s *Service) validate(id, name string, embedding []float32) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidFace)
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidFace)
	}
	return s.checkDimension(embedding)
}

func (s *Service) checkDimension(embedding []float32) error {
	if len(embedding) == 0 {
		return fmt.Errorf("%w: embedding is empty", ErrInvalidFace)
	}
	if s.dim > 0 && len(embedding) != s.dim {
		return fmt.Errorf("%w: embedding has %d values, want %d", matching.ErrDimensionMismatch, len(embedding), s.dim)
	}
	return nil
}

// Register stores a new face unless it duplicates one already registered.
// ID, Name and Embedding are required; the photo URL and roster are
// stored as given.
func (s *Service) Register(ctx context.Context, face models.Face) (models.Face, error) {
	if err := s.validate(face.ID, face.Name, face.Embedding); err != nil {
		return models.Face{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.checkDuplicate(ctx, face.ID, face.Embedding); err != nil {
		return models.Face{}, err
	}

	now := s.now().UTC()
	face.CreatedAt, face.UpdatedAt = now, now
	if err := s.store.CreateFace(ctx, face); err != nil {
		return models.Face{}, err
	}
	s.invalidate()
	return face, nil
}

// Update applies the non-empty fields of changes to face id. A nil
// embedding keeps the current one; so do empty strings.
func (s *Service) Update(ctx context.Context, id string, changes models.Face) (models.Face, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	face, err := s.store.GetFace(ctx, id)
	if err != nil {
		return models.Face{}, err
	}

	setIfNotEmpty(&face.Name, changes.Name)
	setIfNotEmpty(&face.PhotoURL, changes.PhotoURL)
	setIfNotEmpty(&face.ClassName, changes.ClassName)
	setIfNotEmpty(&face.SubClass, changes.SubClass)
	setIfNotEmpty(&face.Grade, changes.Grade)
	setIfNotEmpty(&face.SubGrade, changes.SubGrade)
	setIfNotEmpty(&face.Program, changes.Program)
	setIfNotEmpty(&face.Role, changes.Role)

	if embedding := changes.Embedding; embedding != nil {
		if err := s.checkDimension(embedding); err != nil {
			return models.Face{}, err
		}
		if err := s.checkDuplicate(ctx, id, embedding); err != nil {
			return models.Face{}, err
		}
		face.Embedding = embedding
	}
	face.UpdatedAt = s.now().UTC()

	if err := s.store.UpdateFace(ctx, face); err != nil {
		return models.Face{}, err
	}
	s.invalidate()
	return face, nil
}

func setIfNotEmpty(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func (s *Service) Delete(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.store.DeleteFace(ctx, id); err != nil {
		return err
	}
	s.invalidate()
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (models.Face, error) {
	return s.store.GetFace(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]models.Face, error) {
	return s.store.ListFaces(ctx)
}

func (s *Service) CheckIns(ctx context.Context, f store.CheckInFilter) ([]models.CheckIn, error) {
	return s.store.ListCheckIns(ctx, f)
}

// Identify matches an embedding against the gallery without recording
// anything.
func (s *Service) Identify(ctx context.Context, embedding []float32) (matching.Result, error) {
	if err := s.checkDimension(embedding); err != nil {
		return matching.Result{}, err
	}
	gallery, _, err := s.snapshot(ctx)
	if err != nil {
		return matching.Result{}, err
	}
	return s.matcher.Match(gallery, embedding, s.policy.RecognitionThreshold, s.policy.MinMargin)
}

// CheckIn records attendance for the face matching embedding. A face that
// checked in less than the cooldown ago gets a *CooldownError.
func (s *Service) CheckIn(ctx context.Context, embedding []float32) (CheckInResult, error) {
	res, err := s.Identify(ctx, embedding)
	if err != nil {
		return CheckInResult{}, err
	}
	if !res.Matched {
		return CheckInResult{Match: res}, nil
	}

	_, profiles, err := s.snapshot(ctx)
	if err != nil {
		return CheckInResult{}, err
	}
	profile := profiles[res.ID]

	s.checkInMu.Lock()
	defer s.checkInMu.Unlock()
	now := s.now().UTC()

	last, err := s.store.LastCheckIn(ctx, res.ID)
	switch {
	case err == nil:
		if elapsed := now.Sub(last.CreatedAt); elapsed < s.cooldown {
			return CheckInResult{Matched: true, Match: res}, &CooldownError{
				FaceID:    res.ID,
				Name:      profile.Name,
				Remaining: s.cooldown - elapsed,
			}
		}
	case !isNotFound(err):
		return CheckInResult{}, fmt.Errorf("last check-in: %w", err)
	}

	rec, err := s.store.RecordCheckIn(ctx, models.CheckIn{
		FaceID:    res.ID,
		Name:      profile.Name,
		Distance:  res.Distance,
		Roster:    profile.Roster,
		CreatedAt: now,
	})
	if err != nil {
		return CheckInResult{}, err
	}
	return CheckInResult{Matched: true, CheckIn: &rec, Match: res}, nil
}

func (s *Service) checkDuplicate(ctx context.Context, id string, embedding []float32) error {
	gallery, _, err := s.snapshot(ctx)
	if err != nil {
		return err
	}

	others := make([]matching.Candidate, 0, len(gallery))
	for _, c := range gallery {
		if c.ID != id {
			others = append(others, c)
		}
	}

	res, err := s.matcher.Match(others, embedding, s.policy.RegistrationThreshold, s.policy.MinMargin)
	if err != nil {
		return err
	}
	if res.Matched {
		return &DuplicateError{ExistingID: res.ID, Distance: res.Distance}
	}
	return nil
}

// snapshot returns the cached gallery and the faces it was built from
// (without embeddings), loading them from the store on first use or after
// a write.
func (s *Service) snapshot(ctx context.Context) ([]matching.Candidate, map[string]models.Face, error) {
	s.mu.RLock()
	if s.loaded {
		gallery, profiles := s.gallery, s.profiles
		s.mu.RUnlock()
		return gallery, profiles, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return s.gallery, s.profiles, nil
	}

	faces, err := s.store.ListFaces(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load gallery: %w", err)
	}

	gallery := make([]matching.Candidate, 0, len(faces))
	profiles := make(map[string]models.Face, len(faces))
	for _, f := range faces {
		gallery = append(gallery, matching.Candidate{ID: f.ID, Embedding: f.Embedding})
		f.Embedding = nil
		profiles[f.ID] = f
	}
	s.gallery, s.profiles, s.loaded = gallery, profiles, true
	return gallery, profiles, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

func (s *Service) invalidate() {
	s.mu.Lock()
	s.loaded = false
	s.gallery = nil
	s.profiles = nil
	s.mu.Unlock()
}
