package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Tutortoise/face-embedding-service/models"
	"github.com/google/go-cmp/cmp"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "faces.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFaceLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	created := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	face := models.Face{
		ID:        "emp-001",
		Name:      "Ada",
		PhotoURL:  "https://example.com/ada.jpg",
		Roster:    models.Roster{ClassName: "10", SubClass: "A", Grade: "10", Program: "Science", Role: "student"},
		Embedding: []float32{0.5, -0.25, 1e-7, 3.75},
		CreatedAt: created,
		UpdatedAt: created,
	}
	if err := s.CreateFace(ctx, face); err != nil {
		t.Fatal(err)
	}

	if err := s.CreateFace(ctx, face); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate create err = %v, want ErrExists", err)
	}

	got, err := s.GetFace(ctx, "emp-001")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(face, got); diff != "" {
		t.Errorf("GetFace mismatch (-want +got):\n%s", diff)
	}

	updated := face
	updated.Name = "Ada L."
	updated.Roster.SubClass = "B"
	updated.PhotoURL = ""
	updated.Embedding = []float32{1, 0, 0, 0}
	updated.UpdatedAt = created.Add(time.Hour)
	if err := s.UpdateFace(ctx, updated); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetFace(ctx, "emp-001")
	if diff := cmp.Diff(updated, got); diff != "" {
		t.Errorf("after update (-want +got):\n%s", diff)
	}

	if err := s.DeleteFace(ctx, "emp-001"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetFace(ctx, "emp-001"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after delete err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteFace(ctx, "emp-001"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
	if err := s.UpdateFace(ctx, updated); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update missing err = %v, want ErrNotFound", err)
	}
}

func TestListFacesOrder(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"c", "a", "b"} {
		err := s.CreateFace(ctx, models.Face{
			ID:        id,
			Name:      id,
			Embedding: []float32{float32(i)},
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	faces, err := s.ListFaces(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, f := range faces {
		ids = append(ids, f.ID)
	}
	if diff := cmp.Diff([]string{"c", "a", "b"}, ids); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
}

func TestCheckIns(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, err := s.LastCheckIn(ctx, "emp-001"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	var recorded []models.CheckIn
	for i := 0; i < 3; i++ {
		c, err := s.RecordCheckIn(ctx, models.CheckIn{
			FaceID:    "emp-001",
			Name:      "Ada",
			Distance:  0.125,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatal(err)
		}
		if c.ID == "" {
			t.Fatal("check-in ID not assigned")
		}
		recorded = append(recorded, c)
	}

	last, err := s.LastCheckIn(ctx, "emp-001")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(recorded[2], last); diff != "" {
		t.Errorf("LastCheckIn (-want +got):\n%s", diff)
	}

	all, err := s.ListCheckIns(ctx, CheckInFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]models.CheckIn{recorded[2], recorded[1], recorded[0]}, all); diff != "" {
		t.Errorf("ListCheckIns (-want +got):\n%s", diff)
	}

	recent, err := s.ListCheckIns(ctx, CheckInFilter{Since: base.Add(time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 {
		t.Errorf("since filter returned %d, want 2", len(recent))
	}

	limited, err := s.ListCheckIns(ctx, CheckInFilter{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 || limited[0].ID != recorded[2].ID {
		t.Errorf("limit returned %+v", limited)
	}
}

func TestListCheckInsFilter(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	seed := []models.CheckIn{
		{ID: "1", FaceID: "1", Name: "Ada Lovelace", Roster: models.Roster{ClassName: "10", Grade: "10", Role: "student"}},
		{ID: "2", FaceID: "2", Name: "Grace Hopper", Roster: models.Roster{ClassName: "11", Grade: "11", Role: "student"}},
		{ID: "3", FaceID: "3", Name: "Alan Turing", Roster: models.Roster{ClassName: "10", Grade: "10", Role: "teacher", Program: "Math"}},
		{ID: "4", FaceID: "4", Name: "100%_done", Roster: models.Roster{ClassName: "12"}},
	}
	for i, c := range seed {
		c.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		if _, err := s.RecordCheckIn(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name   string
		filter CheckInFilter
		want   []string
	}{
		{"everything", CheckInFilter{}, []string{"4", "3", "2", "1"}},
		{"name substring", CheckInFilter{Name: "a"}, []string{"3", "2", "1"}},
		{"name case-insensitive", CheckInFilter{Name: "LOVE"}, []string{"1"}},
		{"name wildcard literal", CheckInFilter{Name: "%_"}, []string{"4"}},
		{"underscore literal", CheckInFilter{Name: "_"}, []string{"4"}},
		{"since and until", CheckInFilter{Since: base.Add(time.Hour), Until: base.Add(3 * time.Hour)}, []string{"3", "2"}},
		{"class", CheckInFilter{Roster: models.Roster{ClassName: "10"}}, []string{"3", "1"}},
		{"class and role", CheckInFilter{Roster: models.Roster{ClassName: "10", Role: "student"}}, []string{"1"}},
		{"program", CheckInFilter{Roster: models.Roster{Program: "Math"}}, []string{"3"}},
		{"grade with limit", CheckInFilter{Roster: models.Roster{Grade: "10"}, Limit: 1}, []string{"3"}},
		{"no match", CheckInFilter{Roster: models.Roster{SubGrade: "x"}}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListCheckIns(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			var ids []string
			for _, c := range got {
				ids = append(ids, c.ID)
			}
			if diff := cmp.Diff(tt.want, ids); diff != "" {
				t.Errorf("ids (-want +got):\n%s", diff)
			}
		})
	}

	last, err := s.LastCheckIn(ctx, "3")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(seed[2].Roster, last.Roster); diff != "" {
		t.Errorf("roster (-want +got):\n%s", diff)
	}
}

func TestOpenMigratesUnversionedDatabase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "faces.db")

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Exec(schema); err != nil {
		t.Fatal(err)
	}
	_, err = conn.Exec(`INSERT INTO faces (id, name, embedding, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		"old", "Old Face", encodeEmbedding([]float32{1, 0}), int64(1), int64(1))
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()

	for i := 0; i < 2; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		if v, err := s.schemaVersion(); err != nil || v != currentSchemaVersion {
			t.Fatalf("schema version = %d, %v; want %d", v, err, currentSchemaVersion)
		}
		face, err := s.GetFace(ctx, "old")
		if err != nil {
			t.Fatal(err)
		}
		if face.Name != "Old Face" || face.Roster != (models.Roster{}) || face.PhotoURL != "" {
			t.Errorf("migrated face = %+v", face)
		}
		s.Close()
	}
}

func TestEmbeddingEncoding(t *testing.T) {
	v := []float32{1, -2.5, 0, 3.1415927}
	buf := encodeEmbedding(v)
	if len(buf) != 16 {
		t.Fatalf("len = %d, want 16", len(buf))
	}
	// 1.0f little-endian
	if diff := cmp.Diff([]byte{0x00, 0x00, 0x80, 0x3f}, buf[:4]); diff != "" {
		t.Errorf("first value bytes (-want +got):\n%s", diff)
	}
	got, err := decodeEmbedding(buf)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(v, got); diff != "" {
		t.Error(diff)
	}

	if _, err := decodeEmbedding([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}
