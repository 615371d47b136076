package main

import (
	"errors"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Tutortoise/face-embedding-service/models"
	"github.com/Tutortoise/face-embedding-service/preprocess"
	"github.com/Tutortoise/face-embedding-service/store"
	"github.com/google/go-cmp/cmp"
)

func TestReadBulkCSV(t *testing.T) {
	input := `id,name,photo,left,top,right,bottom
emp-1,Ada Lovelace,photos/ada.jpg,10,20,110,140
emp-2,"Hopper, Grace",/abs/grace.png
`
	rows, err := readBulkCSV(strings.NewReader(input), "/data")
	if err != nil {
		t.Fatal(err)
	}

	box := [4]int32{10, 20, 110, 140}
	want := []bulkRow{
		{id: "emp-1", name: "Ada Lovelace", photo: filepath.Join("/data", "photos/ada.jpg"), box: &box},
		{id: "emp-2", name: "Hopper, Grace", photo: "/abs/grace.png"},
	}
	if diff := cmp.Diff(want, rows, cmp.AllowUnexported(bulkRow{})); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestReadBulkCSVHeaderColumns(t *testing.T) {
	input := `Student ID,Full Name,Class,Sub Class,Grade,Role,Photo,Photo_URL
S1,Ada Lovelace,10,A,10,student,ada.jpg,https://example.com/ada.jpg
S2,Grace Hopper,11,,11,,grace.jpg,
`
	rows, err := readBulkCSV(strings.NewReader(input), "/data")
	if err != nil {
		t.Fatal(err)
	}
	want := []bulkRow{
		{
			id: "S1", name: "Ada Lovelace", photo: filepath.Join("/data", "ada.jpg"),
			photoURL: "https://example.com/ada.jpg",
			roster:   models.Roster{ClassName: "10", SubClass: "A", Grade: "10", Role: "student"},
		},
		{
			id: "S2", name: "Grace Hopper", photo: filepath.Join("/data", "grace.jpg"),
			roster: models.Roster{ClassName: "11", Grade: "11"},
		},
	}
	if diff := cmp.Diff(want, rows, cmp.AllowUnexported(bulkRow{})); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestReadBulkCSVErrors(t *testing.T) {
	tests := map[string]string{
		"wrong columns":   "emp-1,Ada\n",
		"bad box":         "emp-1,Ada,a.jpg,1,2,x,4\n",
		"no photo column": "id,name\nemp-1,Ada\n",
		"missing name":    "id,name,photo\nemp-1,,a.jpg\n",
		"partial box":     "id,name,photo,left,top,right,bottom\nemp-1,Ada,a.jpg,1,2,,\n",
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := readBulkCSV(strings.NewReader(input), "."); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestParseBox(t *testing.T) {
	got, err := parseBox(" 1, 2,3 ,4")
	if err != nil {
		t.Fatal(err)
	}
	if got != [4]int32{1, 2, 3, 4} {
		t.Errorf("got %v", got)
	}
	if _, err := parseBox("1,2,3"); err == nil {
		t.Error("expected error for three values")
	}
}

func TestFrameFlagsRequest(t *testing.T) {
	dir := t.TempDir()

	photo := filepath.Join(dir, "face.png")
	f, err := os.Create(photo)
	if err != nil {
		t.Fatal(err)
	}
	png.Encode(f, splitImage(true))
	f.Close()

	flags := frameFlags{input: photo, box: "0,0,32,32", rotation: 90, policy: "largest"}
	req, err := flags.request()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]models.Detection{{BBox: [4]int32{0, 0, 32, 32}, Confidence: 1}}, req.Faces); diff != "" {
		t.Errorf("faces (-want +got):\n%s", diff)
	}
	frame, err := req.frame()
	if err != nil {
		t.Fatal(err)
	}
	if frame.Width != 64 || frame.Height != 64 {
		t.Errorf("frame %dx%d", frame.Width, frame.Height)
	}
	if req.rotation() != preprocess.Rotate90 {
		t.Errorf("rotation %v", req.rotation())
	}

	raw := filepath.Join(dir, "frame.nv21")
	if err := os.WriteFile(raw, make([]byte, preprocess.FrameSize(8, 6)), 0o644); err != nil {
		t.Fatal(err)
	}
	req, err = (&frameFlags{input: raw, width: 8, height: 6}).request()
	if err != nil {
		t.Fatal(err)
	}
	if frame, _ := req.frame(); frame.Width != 8 || frame.Height != 6 {
		t.Errorf("raw frame %dx%d", frame.Width, frame.Height)
	}

	_, err = (&frameFlags{input: raw, width: 80, height: 60}).request()
	if !errors.Is(err, preprocess.ErrInvalidBuffer) {
		t.Errorf("short raw frame err = %v", err)
	}
}

func TestFrameRequestRotationFallback(t *testing.T) {
	req := &FrameRequest{Rotation: 45}
	if req.rotation() != preprocess.Rotate0 {
		t.Errorf("45 degrees should fall back to upright, got %v", req.rotation())
	}
	req.Rotation = -90
	if req.rotation() != preprocess.Rotate270 {
		t.Errorf("-90 should be 270, got %v", req.rotation())
	}
}

func TestCheckInFilterFlags(t *testing.T) {
	t.Cleanup(func() {
		checkInsSince, checkInsFrom, checkInsTo, checkInsName = 0, "", "", ""
		checkInsRoster, checkInsLimit = models.Roster{}, 50
	})

	now := time.Date(2024, 6, 3, 12, 0, 0, 0, time.Local)
	checkInsSince = 2 * time.Hour
	checkInsName = "ada"
	checkInsRoster = models.Roster{ClassName: "10"}
	checkInsLimit = 5

	f, err := checkInFilter(now)
	if err != nil {
		t.Fatal(err)
	}
	want := store.CheckInFilter{
		Since:  now.Add(-2 * time.Hour),
		Name:   "ada",
		Roster: models.Roster{ClassName: "10"},
		Limit:  5,
	}
	if diff := cmp.Diff(want, f); diff != "" {
		t.Errorf("since filter (-want +got):\n%s", diff)
	}

	checkInsSince = 0
	checkInsFrom, checkInsTo = "2024-06-01", "2024-06-02"
	if f, err = checkInFilter(now); err != nil {
		t.Fatal(err)
	}
	if !f.Since.Equal(time.Date(2024, 6, 1, 0, 0, 0, 0, time.Local)) || !f.Until.Equal(time.Date(2024, 6, 3, 0, 0, 0, 0, time.Local)) {
		t.Errorf("day range = %v .. %v", f.Since, f.Until)
	}

	checkInsTo = "June 2"
	if _, err := checkInFilter(now); err == nil {
		t.Error("expected error for bad --to")
	}
}
