package database

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"personscan/internal/pipeline"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// Database handles SQLite database operations
type Database struct {
	db     *sql.DB
	logger *zap.Logger
}

// SessionRecord represents one run of the pipeline
type SessionRecord struct {
	ID        string
	Device    string
	Config    string // JSON encoded pipeline configuration
	StartedAt time.Time
	EndedAt   *time.Time
	FaceCount int
}

// FaceRecord represents an archived gallery face
type FaceRecord struct {
	ID        string
	SessionID string
	FrameSeq  uint64
	Box       pipeline.BoundingBox
	Width     int
	Height    int
	PNG       []byte // Only loaded by GetFace
	CreatedAt time.Time
}

// New creates a new database connection
func New(dbPath string, logger *zap.Logger) (*Database, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; keep a single connection so pragmas stick
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return &Database{db: db, logger: logger.Named("database")}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			device TEXT NOT NULL,
			config TEXT,
			started_at DATETIME NOT NULL,
			ended_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS faces (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			frame_seq INTEGER NOT NULL,
			box TEXT NOT NULL,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			png BLOB NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_faces_session_time ON faces(session_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_faces_time ON faces(created_at DESC)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	d.logger.Info("database migrations completed")
	return nil
}

// StartSession records the start of a pipeline run
func (d *Database) StartSession(ctx context.Context, device string, cfg pipeline.Config) (*SessionRecord, error) {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	session := &SessionRecord{
		ID:        uuid.NewString(),
		Device:    device,
		Config:    string(cfgJSON),
		StartedAt: time.Now().UTC(),
	}

	_, err = d.db.ExecContext(ctx,
		`INSERT INTO sessions (id, device, config, started_at) VALUES (?, ?, ?, ?)`,
		session.ID, session.Device, session.Config, session.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	return session, nil
}

// EndSession marks a session as ended
func (d *Database) EndSession(ctx context.Context, id string) error {
	result, err := d.db.ExecContext(ctx, `UPDATE sessions SET ended_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSessions returns sessions, newest first
func (d *Database) ListSessions(ctx context.Context, limit int) ([]*SessionRecord, error) {
	query := `SELECT s.id, s.device, s.config, s.started_at, s.ended_at,
		(SELECT COUNT(*) FROM faces f WHERE f.session_id = s.id)
		FROM sessions s ORDER BY s.started_at DESC`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*SessionRecord
	for rows.Next() {
		var s SessionRecord
		var endedAt sql.NullTime
		var cfg sql.NullString
		if err := rows.Scan(&s.ID, &s.Device, &cfg, &s.StartedAt, &endedAt, &s.FaceCount); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		s.Config = cfg.String
		if endedAt.Valid {
			t := endedAt.Time
			s.EndedAt = &t
		}
		sessions = append(sessions, &s)
	}
	return sessions, rows.Err()
}

// SaveFace archives a gallery face under a session
func (d *Database) SaveFace(ctx context.Context, sessionID string, face *pipeline.FaceImage) error {
	if face == nil || face.Image == nil {
		return fmt.Errorf("face has no image")
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, face.Image); err != nil {
		return fmt.Errorf("failed to encode face: %w", err)
	}
	boxJSON, err := json.Marshal(face.Box)
	if err != nil {
		return fmt.Errorf("failed to marshal box: %w", err)
	}

	createdAt := face.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = d.db.ExecContext(ctx,
		`INSERT INTO faces (id, session_id, frame_seq, box, width, height, png, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		face.ID, sessionID, int64(face.FrameSeq), string(boxJSON),
		face.Width(), face.Height(), buf.Bytes(), createdAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save face: %w", err)
	}
	return nil
}

// GetFace retrieves an archived face including its PNG
func (d *Database) GetFace(ctx context.Context, id string) (*FaceRecord, error) {
	query := `SELECT id, session_id, frame_seq, box, width, height, png, created_at FROM faces WHERE id = ?`

	var f FaceRecord
	var boxJSON string
	var frameSeq int64
	err := d.db.QueryRowContext(ctx, query, id).Scan(&f.ID, &f.SessionID, &frameSeq, &boxJSON,
		&f.Width, &f.Height, &f.PNG, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get face: %w", err)
	}

	f.FrameSeq = uint64(frameSeq)
	if err := json.Unmarshal([]byte(boxJSON), &f.Box); err != nil {
		return nil, fmt.Errorf("failed to unmarshal box: %w", err)
	}
	return &f, nil
}

// ListFaces returns archived faces without their image data, newest first.
// An empty sessionID lists faces from every session.
func (d *Database) ListFaces(ctx context.Context, sessionID string, limit int) ([]*FaceRecord, error) {
	query := `SELECT id, session_id, frame_seq, box, width, height, created_at FROM faces WHERE 1=1`
	args := []interface{}{}

	if sessionID != "" {
		query += " AND session_id = ?"
		args = append(args, sessionID)
	}

	query += " ORDER BY created_at DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list faces: %w", err)
	}
	defer rows.Close()

	var faces []*FaceRecord
	for rows.Next() {
		var f FaceRecord
		var boxJSON string
		var frameSeq int64

		if err := rows.Scan(&f.ID, &f.SessionID, &frameSeq, &boxJSON, &f.Width, &f.Height, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan face: %w", err)
		}
		f.FrameSeq = uint64(frameSeq)
		if err := json.Unmarshal([]byte(boxJSON), &f.Box); err != nil {
			return nil, fmt.Errorf("failed to unmarshal box: %w", err)
		}
		faces = append(faces, &f)
	}
	return faces, rows.Err()
}

// DeleteFacesBefore deletes faces archived before the given time
func (d *Database) DeleteFacesBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := d.db.ExecContext(ctx, "DELETE FROM faces WHERE created_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old faces: %w", err)
	}
	return result.RowsAffected()
}

// FaceArchive stores gallery faces under one session.
// It implements pipeline.FaceArchive.
type FaceArchive struct {
	db        *Database
	sessionID string
}

// Archive returns the face archive for a session
func (d *Database) Archive(sessionID string) *FaceArchive {
	return &FaceArchive{db: d, sessionID: sessionID}
}

func (a *FaceArchive) SaveFace(ctx context.Context, face *pipeline.FaceImage) error {
	return a.db.SaveFace(ctx, a.sessionID, face)
}

// Ensure FaceArchive implements pipeline.FaceArchive
var _ pipeline.FaceArchive = (*FaceArchive)(nil)
