package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/Tutortoise/face-embedding-service/models"
	"github.com/Tutortoise/face-embedding-service/preprocess"
)

// FrameRequest carries one camera frame or photo plus the faces found in
// it. Exactly one of NV21 and Image is set. A nil Faces means the whole
// frame is the face; an empty one means the detector found nothing.
type FrameRequest struct {
	NV21     string             `json:"nv21,omitempty"`
	Width    int                `json:"width,omitempty"`
	Height   int                `json:"height,omitempty"`
	Image    string             `json:"image,omitempty"`
	Faces    []models.Detection `json:"faces"`
	Rotation int                `json:"rotation"`
	Policy   string             `json:"policy,omitempty"`

	imageBytes []byte
	rawFrame   *preprocess.Frame
}

// FaceRequest is a FrameRequest that also describes the face being
// registered or updated.
type FaceRequest struct {
	FrameRequest
	ID       string `json:"id"`
	Name     string `json:"name"`
	PhotoURL string `json:"photo_url,omitempty"`
	models.Roster
}

// face builds the registration or update for req.
func (req *FaceRequest) face(embedding []float32) models.Face {
	return models.Face{
		ID:        req.ID,
		Name:      req.Name,
		PhotoURL:  req.PhotoURL,
		Roster:    req.Roster,
		Embedding: embedding,
	}
}

var (
	errMissingFrame = errors.New("request needs either nv21 with width and height, or image")
	errInvalidImage = errors.New("invalid image")
)

// decodeFaceRequest reads a JSON body, or a multipart form with the photo
// in "file" and the other fields as form values.
func decodeFaceRequest(r *http.Request, maxBytes int64) (*FaceRequest, error) {
	contentType := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "multipart/form-data"):
		return handleMultipartRequest(r, maxBytes)
	default:
		return handleJSONRequest(r)
	}
}

func handleJSONRequest(r *http.Request) (*FaceRequest, error) {
	var req FaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	return &req, nil
}

func handleMultipartRequest(r *http.Request, maxBytes int64) (*FaceRequest, error) {
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		return nil, err
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}

	req := &FaceRequest{
		ID:       r.FormValue("id"),
		Name:     r.FormValue("name"),
		PhotoURL: r.FormValue("photo_url"),
		Roster:   rosterFrom(r.FormValue),
	}
	req.imageBytes = data
	req.Policy = r.FormValue("policy")

	if v := r.FormValue("rotation"); v != "" {
		if req.Rotation, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("invalid rotation %q", v)
		}
	}
	if v := r.FormValue("box"); v != "" {
		box, err := parseBox(v)
		if err != nil {
			return nil, err
		}
		req.Faces = []models.Detection{{BBox: box, Confidence: 1}}
	}
	return req, nil
}

// rosterFrom reads roster fields by their JSON names.
func rosterFrom(get func(string) string) models.Roster {
	return models.Roster{
		ClassName: get("class_name"),
		SubClass:  get("sub_class"),
		Grade:     get("grade"),
		SubGrade:  get("sub_grade"),
		Program:   get("program"),
		Role:      get("role"),
	}
}

// frame decodes the request into an NV21 frame.
func (req *FrameRequest) frame() (*preprocess.Frame, error) {
	switch {
	case req.rawFrame != nil:
		return req.rawFrame, nil
	case req.NV21 != "":
		data, err := base64.StdEncoding.DecodeString(req.NV21)
		if err != nil {
			return nil, fmt.Errorf("%w: nv21 is not valid base64", preprocess.ErrInvalidBuffer)
		}
		return preprocess.NewFrame(data, req.Width, req.Height)
	case req.Image != "" || req.imageBytes != nil:
		data := req.imageBytes
		if data == nil {
			var err error
			if data, err = base64.StdEncoding.DecodeString(req.Image); err != nil {
				return nil, fmt.Errorf("%w: bad base64: %v", errInvalidImage, err)
			}
		}
		img, err := preprocess.DecodeImage(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errInvalidImage, err)
		}
		return preprocess.EncodeImage(img), nil
	default:
		return nil, errMissingFrame
	}
}

// rotation treats anything but a right angle as upright.
func (req *FrameRequest) rotation() preprocess.Rotation {
	rot, _ := preprocess.ParseRotation(req.Rotation)
	return rot
}

// parseBox parses "left,top,right,bottom".
func parseBox(s string) ([4]int32, error) {
	var box [4]int32
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return box, fmt.Errorf("box %q: want left,top,right,bottom", s)
	}
	for i, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return box, fmt.Errorf("box %q: %w", s, err)
		}
		box[i] = int32(v)
	}
	return box, nil
}
