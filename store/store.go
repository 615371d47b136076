// Package store persists registered faces and check-ins in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Tutortoise/face-embedding-service/models"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrExists   = errors.New("store: already exists")
)

const schema = `
CREATE TABLE IF NOT EXISTS faces (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	embedding BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS check_ins (
	id TEXT PRIMARY KEY,
	face_id TEXT NOT NULL,
	name TEXT NOT NULL,
	distance REAL NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_check_ins_face_id ON check_ins(face_id, created_at);
CREATE INDEX IF NOT EXISTS idx_check_ins_created_at ON check_ins(created_at);
`

// currentSchemaVersion is stored in PRAGMA user_version.
const currentSchemaVersion = 2

const (
	faceColumns    = `id, name, photo_url, class_name, sub_class, grade, sub_grade, program, role, embedding, created_at, updated_at`
	checkInColumns = `id, face_id, name, distance, class_name, sub_class, grade, sub_grade, program, role, created_at`
)

// Store wraps the SQLite connection. SQLite serializes writers and WAL
// lets readers proceed during a write, so no extra locking is needed here.
type Store struct {
	conn *sql.DB
}

func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) schemaVersion() (int, error) {
	var version int
	err := s.conn.QueryRow(`PRAGMA user_version`).Scan(&version)
	return version, err
}

// migrate brings the schema up to currentSchemaVersion. Databases created
// before versioning report 0 and are treated as version 1.
func (s *Store) migrate() error {
	version, err := s.schemaVersion()
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	for version < currentSchemaVersion {
		switch version {
		case 0, 1:
			if err := s.migrateV1ToV2(); err != nil {
				return fmt.Errorf("migrate v1 to v2: %w", err)
			}
			version = 2
		default:
			version = currentSchemaVersion
		}
	}
	return nil
}

// migrateV1ToV2 adds the photo and roster columns.
func (s *Store) migrateV1ToV2() error {
	stmts := []string{
		`ALTER TABLE faces ADD COLUMN photo_url TEXT NOT NULL DEFAULT ''`,
	}
	for _, col := range []string{"class_name", "sub_class", "grade", "sub_grade", "program", "role"} {
		stmts = append(stmts,
			`ALTER TABLE faces ADD COLUMN `+col+` TEXT NOT NULL DEFAULT ''`,
			`ALTER TABLE check_ins ADD COLUMN `+col+` TEXT NOT NULL DEFAULT ''`)
	}
	for _, stmt := range stmts {
		if _, err := s.conn.Exec(stmt); err != nil && !duplicateColumnError(err) {
			return err
		}
	}
	_, err := s.conn.Exec(`PRAGMA user_version = 2`)
	return err
}

func (s *Store) Close() error {
	_, _ = s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE);")
	return s.conn.Close()
}

func (s *Store) CreateFace(ctx context.Context, face models.Face) error {
	now := time.Now().UTC()
	if face.CreatedAt.IsZero() {
		face.CreatedAt = now
	}
	if face.UpdatedAt.IsZero() {
		face.UpdatedAt = face.CreatedAt
	}

	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO faces (`+faceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		face.ID, face.Name, face.PhotoURL,
		face.ClassName, face.SubClass, face.Grade, face.SubGrade, face.Program, face.Role,
		encodeEmbedding(face.Embedding), face.CreatedAt.UnixNano(), face.UpdatedAt.UnixNano())
	if isConstraint(err) {
		return fmt.Errorf("face %s: %w", face.ID, ErrExists)
	}
	if err != nil {
		return fmt.Errorf("insert face: %w", err)
	}
	return nil
}

// UpdateFace replaces everything but the ID and creation time of an
// existing face.
func (s *Store) UpdateFace(ctx context.Context, face models.Face) error {
	if face.UpdatedAt.IsZero() {
		face.UpdatedAt = time.Now().UTC()
	}

	res, err := s.conn.ExecContext(ctx,
		`UPDATE faces SET name = ?, photo_url = ?,
			class_name = ?, sub_class = ?, grade = ?, sub_grade = ?, program = ?, role = ?,
			embedding = ?, updated_at = ?
		 WHERE id = ?`,
		face.Name, face.PhotoURL,
		face.ClassName, face.SubClass, face.Grade, face.SubGrade, face.Program, face.Role,
		encodeEmbedding(face.Embedding), face.UpdatedAt.UnixNano(), face.ID)
	if err != nil {
		return fmt.Errorf("update face: %w", err)
	}
	return expectOne(res, face.ID)
}

func (s *Store) DeleteFace(ctx context.Context, id string) error {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM faces WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete face: %w", err)
	}
	return expectOne(res, id)
}

func (s *Store) GetFace(ctx context.Context, id string) (models.Face, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+faceColumns+` FROM faces WHERE id = ?`, id)

	face, err := scanFace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Face{}, fmt.Errorf("face %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Face{}, fmt.Errorf("get face: %w", err)
	}
	return face, nil
}

func (s *Store) ListFaces(ctx context.Context) ([]models.Face, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+faceColumns+` FROM faces ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list faces: %w", err)
	}
	defer rows.Close()

	var faces []models.Face
	for rows.Next() {
		face, err := scanFace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan face: %w", err)
		}
		faces = append(faces, face)
	}
	return faces, rows.Err()
}

// RecordCheckIn stores c, filling in ID and CreatedAt when unset.
func (s *Store) RecordCheckIn(ctx context.Context, c models.CheckIn) (models.CheckIn, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO check_ins (`+checkInColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.FaceID, c.Name, c.Distance,
		c.ClassName, c.SubClass, c.Grade, c.SubGrade, c.Program, c.Role,
		c.CreatedAt.UnixNano())
	if err != nil {
		return models.CheckIn{}, fmt.Errorf("insert check-in: %w", err)
	}
	return c, nil
}

// CheckInFilter narrows ListCheckIns. Zero fields match everything.
type CheckInFilter struct {
	// Since is inclusive, Until exclusive.
	Since time.Time
	Until time.Time

	// Name matches case-insensitively anywhere in the check-in name.
	Name string

	// Non-empty roster fields must match exactly.
	Roster models.Roster

	// Limit caps the result; zero or negative returns every match.
	Limit int
}

func (f CheckInFilter) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, f.Until.UnixNano())
	}
	if f.Name != "" {
		conds = append(conds, `name LIKE ? ESCAPE '\'`)
		args = append(args, "%"+likeEscaper.Replace(f.Name)+"%")
	}

	r := f.Roster
	for _, field := range []struct{ col, value string }{
		{"class_name", r.ClassName},
		{"sub_class", r.SubClass},
		{"grade", r.Grade},
		{"sub_grade", r.SubGrade},
		{"program", r.Program},
		{"role", r.Role},
	} {
		if field.value != "" {
			conds = append(conds, field.col+" = ?")
			args = append(args, field.value)
		}
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// ListCheckIns returns the check-ins matching f, newest first.
func (s *Store) ListCheckIns(ctx context.Context, f CheckInFilter) ([]models.CheckIn, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	where, args := f.where()
	args = append(args, limit)

	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+checkInColumns+` FROM check_ins`+where+` ORDER BY created_at DESC, id LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("list check-ins: %w", err)
	}
	defer rows.Close()

	var out []models.CheckIn
	for rows.Next() {
		c, err := scanCheckIn(rows)
		if err != nil {
			return nil, fmt.Errorf("scan check-in: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LastCheckIn returns the most recent check-in for a face.
func (s *Store) LastCheckIn(ctx context.Context, faceID string) (models.CheckIn, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+checkInColumns+` FROM check_ins
		 WHERE face_id = ? ORDER BY created_at DESC LIMIT 1`, faceID)

	c, err := scanCheckIn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CheckIn{}, fmt.Errorf("check-in for %s: %w", faceID, ErrNotFound)
	}
	if err != nil {
		return models.CheckIn{}, fmt.Errorf("last check-in: %w", err)
	}
	return c, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFace(row scanner) (models.Face, error) {
	var (
		face             models.Face
		blob             []byte
		created, updated int64
	)
	err := row.Scan(&face.ID, &face.Name, &face.PhotoURL,
		&face.ClassName, &face.SubClass, &face.Grade, &face.SubGrade, &face.Program, &face.Role,
		&blob, &created, &updated)
	if err != nil {
		return models.Face{}, err
	}
	emb, err := decodeEmbedding(blob)
	if err != nil {
		return models.Face{}, fmt.Errorf("face %s: %w", face.ID, err)
	}
	face.Embedding = emb
	face.CreatedAt = time.Unix(0, created).UTC()
	face.UpdatedAt = time.Unix(0, updated).UTC()
	return face, nil
}

func scanCheckIn(row scanner) (models.CheckIn, error) {
	var (
		c       models.CheckIn
		created int64
	)
	err := row.Scan(&c.ID, &c.FaceID, &c.Name, &c.Distance,
		&c.ClassName, &c.SubClass, &c.Grade, &c.SubGrade, &c.Program, &c.Role,
		&created)
	if err != nil {
		return models.CheckIn{}, err
	}
	c.CreatedAt = time.Unix(0, created).UTC()
	return c, nil
}

func expectOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("face %s: %w", id, ErrNotFound)
	}
	return nil
}

func duplicateColumnError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column name")
}

func isConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

// encodeEmbedding packs v as little-endian float32.
func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeEmbedding(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(buf))
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return v, nil
}
