package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log"
	"math"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/Tutortoise/face-embedding-service/embedding"
	"github.com/Tutortoise/face-embedding-service/matching"
	"github.com/Tutortoise/face-embedding-service/models"
	"github.com/Tutortoise/face-embedding-service/preprocess"
	"github.com/Tutortoise/face-embedding-service/recognition"
	"github.com/Tutortoise/face-embedding-service/store"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

type contextKey string

const requestIDKey contextKey = "request_id"

type AppState struct {
	Preprocessor *preprocess.Preprocessor
	Embedder     embedding.Embedder
	Faces        *recognition.Service
	Debug        bool
	MaxBodyBytes int64

	started time.Time
	metrics serverMetrics
}

type serverMetrics struct {
	requests      atomic.Int64
	failures      atomic.Int64
	registrations atomic.Int64
	checkIns      atomic.Int64
	rejected      atomic.Int64
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type PreprocessResponse struct {
	RequestID string `json:"request_id"`
	faceInfo
	Shape  [3]int    `json:"shape"`
	Tensor []float32 `json:"tensor"`
}

type EmbedResponse struct {
	RequestID string `json:"request_id"`
	faceInfo
	Dimension int       `json:"dimension"`
	Embedding []float32 `json:"embedding"`
}

type FaceResponse struct {
	Face    models.Face `json:"face"`
	Message string      `json:"message,omitempty"`
}

type CheckInResponse struct {
	RequestID string `json:"request_id"`
	recognition.CheckInResult
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
}

func logTimings(debug bool, t *models.ProcessingTimings) {
	if debug {
		log.Printf("[DEBUG] RequestID: %s - Processing times:\n"+
			"\tImage Decode: %v\n"+
			"\tSelection:   %v\n"+
			"\tPreprocess:  %v\n"+
			"\tInference:   %v\n"+
			"\tMatching:    %v\n"+
			"\tTotal:       %v",
			t.RequestID,
			t.ImageDecode,
			t.Selection,
			t.Preprocess,
			t.Inference,
			t.Matching,
			t.Total)
	}
}

func newRouter(state *AppState) *mux.Router {
	if state.started.IsZero() {
		state.started = time.Now()
	}

	r := mux.NewRouter()
	r.Use(state.requestMiddleware)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/preprocess", state.handlePreprocess).Methods("POST")
	v1.HandleFunc("/embed", state.handleEmbed).Methods("POST")
	v1.HandleFunc("/faces", state.handleRegisterFace).Methods("POST")
	v1.HandleFunc("/faces", state.handleListFaces).Methods("GET")
	v1.HandleFunc("/faces/{id}", state.handleGetFace).Methods("GET")
	v1.HandleFunc("/faces/{id}", state.handleUpdateFace).Methods("PUT")
	v1.HandleFunc("/faces/{id}", state.handleDeleteFace).Methods("DELETE")
	v1.HandleFunc("/check-in", state.handleCheckIn).Methods("POST")
	v1.HandleFunc("/check-ins", state.handleListCheckIns).Methods("GET")

	state.addMonitoringRoutes(r)
	return r
}

// requestMiddleware tags each request with an ID and bounds the body size.
func (s *AppState) requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)

		if s.MaxBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxBodyBytes)
		}

		s.metrics.requests.Add(1)
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func (s *AppState) newTimings(r *http.Request) *models.ProcessingTimings {
	return &models.ProcessingTimings{RequestID: requestIDFrom(r.Context())}
}

func (s *AppState) handlePreprocess(w http.ResponseWriter, r *http.Request) {
	startTotal := time.Now()
	timings := s.newTimings(r)

	req, err := decodeFaceRequest(r, s.MaxBodyBytes)
	if err != nil {
		s.writeRequestError(w, err)
		return
	}

	face, err := s.extractFace(&req.FrameRequest, timings)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer s.Preprocessor.Release(face.tensor)

	timings.Total = time.Since(startTotal)
	logTimings(s.Debug, timings)

	if r.Header.Get("Accept") == "application/octet-stream" {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("X-Tensor-Shape", "160,160,3")
		w.Write(encodeTensor(face.tensor.Data))
		return
	}

	sendJSON(w, http.StatusOK, PreprocessResponse{
		RequestID: timings.RequestID,
		faceInfo:  face.faceInfo,
		Shape:     [3]int{preprocess.InputSize, preprocess.InputSize, preprocess.Channels},
		Tensor:    face.tensor.Data,
	})
}

func (s *AppState) handleEmbed(w http.ResponseWriter, r *http.Request) {
	startTotal := time.Now()
	timings := s.newTimings(r)

	req, err := decodeFaceRequest(r, s.MaxBodyBytes)
	if err != nil {
		s.writeRequestError(w, err)
		return
	}

	vec, info, err := s.embedFace(r.Context(), &req.FrameRequest, timings)
	if err != nil {
		s.writeError(w, err)
		return
	}

	timings.Total = time.Since(startTotal)
	logTimings(s.Debug, timings)

	sendJSON(w, http.StatusOK, EmbedResponse{
		RequestID: timings.RequestID,
		faceInfo:  info,
		Dimension: len(vec),
		Embedding: vec,
	})
}

func (s *AppState) handleRegisterFace(w http.ResponseWriter, r *http.Request) {
	startTotal := time.Now()
	timings := s.newTimings(r)

	req, err := decodeFaceRequest(r, s.MaxBodyBytes)
	if err != nil {
		s.writeRequestError(w, err)
		return
	}
	if req.ID == "" || req.Name == "" {
		s.sendErrorResponse(w, "invalid_request", "id and name are required", http.StatusBadRequest)
		return
	}

	vec, _, err := s.embedFace(r.Context(), &req.FrameRequest, timings)
	if err != nil {
		s.writeError(w, err)
		return
	}

	matchStart := time.Now()
	face, err := s.Faces.Register(r.Context(), req.face(vec))
	timings.Matching = time.Since(matchStart)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.metrics.registrations.Add(1)
	timings.Total = time.Since(startTotal)
	logTimings(s.Debug, timings)

	face.Embedding = nil
	sendJSON(w, http.StatusCreated, FaceResponse{Face: face})
}

func (s *AppState) handleListFaces(w http.ResponseWriter, r *http.Request) {
	faces, err := s.Faces.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	for i := range faces {
		faces[i].Embedding = nil
	}
	if faces == nil {
		faces = []models.Face{}
	}
	sendJSON(w, http.StatusOK, faces)
}

func (s *AppState) handleGetFace(w http.ResponseWriter, r *http.Request) {
	face, err := s.Faces.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	face.Embedding = nil
	sendJSON(w, http.StatusOK, FaceResponse{Face: face})
}

// handleUpdateFace applies the non-empty fields of the body to a face and,
// when the body carries a frame, replaces its embedding.
func (s *AppState) handleUpdateFace(w http.ResponseWriter, r *http.Request) {
	timings := s.newTimings(r)
	id := mux.Vars(r)["id"]

	req, err := decodeFaceRequest(r, s.MaxBodyBytes)
	if err != nil {
		s.writeRequestError(w, err)
		return
	}

	var vec []float32
	if req.NV21 != "" || req.Image != "" || req.imageBytes != nil {
		if vec, _, err = s.embedFace(r.Context(), &req.FrameRequest, timings); err != nil {
			s.writeError(w, err)
			return
		}
	}

	face, err := s.Faces.Update(r.Context(), id, req.face(vec))
	if err != nil {
		s.writeError(w, err)
		return
	}
	face.Embedding = nil
	sendJSON(w, http.StatusOK, FaceResponse{Face: face})
}

func (s *AppState) handleDeleteFace(w http.ResponseWriter, r *http.Request) {
	if err := s.Faces.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *AppState) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	startTotal := time.Now()
	timings := s.newTimings(r)

	req, err := decodeFaceRequest(r, s.MaxBodyBytes)
	if err != nil {
		s.writeRequestError(w, err)
		return
	}

	vec, _, err := s.embedFace(r.Context(), &req.FrameRequest, timings)
	if err != nil {
		s.writeError(w, err)
		return
	}

	matchStart := time.Now()
	result, err := s.Faces.CheckIn(r.Context(), vec)
	timings.Matching = time.Since(matchStart)
	timings.Total = time.Since(startTotal)
	logTimings(s.Debug, timings)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := CheckInResponse{
		RequestID:     timings.RequestID,
		CheckInResult: result,
		Message:       MsgNotRecognized,
	}
	if result.CheckIn != nil {
		s.metrics.checkIns.Add(1)
		resp.Name = result.CheckIn.Name
		resp.Message = MsgCheckedIn
	}
	sendJSON(w, http.StatusOK, resp)
}

// handleListCheckIns accepts optional since and until (RFC 3339), name,
// roster field and limit query parameters.
func (s *AppState) handleListCheckIns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := store.CheckInFilter{
		Name:   query.Get("name"),
		Roster: rosterFrom(query.Get),
	}

	for _, p := range []struct {
		key string
		dst *time.Time
	}{
		{"since", &filter.Since},
		{"until", &filter.Until},
	} {
		if v := query.Get(p.key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				s.sendErrorResponse(w, "invalid_request", p.key+" must be RFC 3339", http.StatusBadRequest)
				return
			}
			*p.dst = t
		}
	}

	if v := query.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.sendErrorResponse(w, "invalid_request", "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}

	records, err := s.Faces.CheckIns(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if records == nil {
		records = []models.CheckIn{}
	}
	sendJSON(w, http.StatusOK, records)
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
}

func (s *AppState) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	response := map[string]interface{}{
		"uptime_seconds":     int64(time.Since(s.started).Seconds()),
		"requests":           s.metrics.requests.Load(),
		"failures":           s.metrics.failures.Load(),
		"registrations":      s.metrics.registrations.Load(),
		"check_ins":          s.metrics.checkIns.Load(),
		"rejected":           s.metrics.rejected.Load(),
		"preprocess_workers": s.Preprocessor.Workers(),
		"embedding_dim":      s.Embedder.Dimension(),
	}
	if pool, ok := s.Embedder.(*embedding.SessionPool); ok {
		response["pool"] = pool.Stats()
	}

	sendJSON(w, http.StatusOK, response)
}

func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeError maps pipeline and service errors to HTTP responses.
func (s *AppState) writeError(w http.ResponseWriter, err error) {
	var (
		cooldown  *recognition.CooldownError
		duplicate *recognition.DuplicateError
		maxBytes  *http.MaxBytesError
	)

	switch {
	case errors.As(err, &maxBytes):
		s.sendErrorResponse(w, "invalid_request", "request body too large", http.StatusRequestEntityTooLarge)
	case errors.Is(err, errMissingFrame),
		errors.Is(err, ErrUnknownPolicy),
		errors.Is(err, preprocess.ErrInvalidBuffer),
		errors.Is(err, preprocess.ErrInvalidDimensions),
		errors.Is(err, recognition.ErrInvalidFace),
		errors.Is(err, matching.ErrDimensionMismatch):
		s.sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
	case errors.Is(err, errInvalidImage):
		s.sendErrorResponse(w, "invalid_image", "Failed to decode image", http.StatusBadRequest)
	case errors.Is(err, ErrNoFace):
		s.rejectWith(w, "no_face", MsgNoFace, err)
	case errors.Is(err, ErrMultipleFaces):
		s.rejectWith(w, "multiple_faces", MsgMultipleFaces, err)
	case errors.Is(err, preprocess.ErrDegenerateBox):
		s.rejectWith(w, "degenerate_box", MsgNoFace, err)
	case errors.As(err, &duplicate):
		s.metrics.rejected.Add(1)
		writeErrorResponse(w, http.StatusConflict, ErrorResponse{
			Code:    "duplicate_face",
			Message: MsgDuplicateFace,
			Details: duplicate.Error(),
		})
	case errors.Is(err, store.ErrExists):
		s.sendErrorResponse(w, "face_exists", err.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrNotFound):
		s.sendErrorResponse(w, "not_found", err.Error(), http.StatusNotFound)
	case errors.As(err, &cooldown):
		s.metrics.rejected.Add(1)
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(cooldown.Remaining.Seconds()))))
		writeErrorResponse(w, http.StatusTooManyRequests, ErrorResponse{
			Code:    "cooldown",
			Message: MsgCooldown,
			Details: cooldown.Error(),
		})
	case errors.Is(err, embedding.ErrAcquireTimeout),
		errors.Is(err, embedding.ErrPoolClosed),
		errors.Is(err, context.DeadlineExceeded):
		s.sendErrorResponse(w, "session_error", err.Error(), http.StatusServiceUnavailable)
	default:
		log.Printf("processing error: %v", err)
		s.sendErrorResponse(w, "processing_error", err.Error(), http.StatusInternalServerError)
	}
}

// writeRequestError reports a body that could not be decoded.
func (s *AppState) writeRequestError(w http.ResponseWriter, err error) {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		s.writeError(w, err)
		return
	}
	s.sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
}

func (s *AppState) rejectWith(w http.ResponseWriter, code, message string, err error) {
	s.metrics.rejected.Add(1)
	writeErrorResponse(w, http.StatusUnprocessableEntity, ErrorResponse{
		Code:    code,
		Message: message,
		Details: err.Error(),
	})
}

func (s *AppState) sendErrorResponse(w http.ResponseWriter, code, message string, status int) {
	if status >= http.StatusInternalServerError {
		s.metrics.failures.Add(1)
	}
	writeErrorResponse(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}

func writeErrorResponse(w http.ResponseWriter, status int, resp ErrorResponse) {
	sendJSON(w, status, resp)
}

func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// encodeTensor packs a tensor as little-endian float32.
func encodeTensor(t []float32) []byte {
	buf := make([]byte, 4*len(t))
	for i, v := range t {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}
