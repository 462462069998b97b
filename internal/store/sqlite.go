// Package store persists recording metadata in sqlite and owns the
// on-device audio files until the host confirms durability.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"pocketsync/internal/digest"
	"pocketsync/internal/domain"
)

// Store is a sqlite-backed RecordingStore. Files live under dir and
// are named by recording ID.
type Store struct {
	db  *sql.DB
	dir string
	log *slog.Logger
}

// Open creates or opens the recording store at dbPath with audio
// files kept under dir.
func Open(dbPath, dir string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recordings dir: %w", err)
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open recordings db: %w", err)
	}

	s := &Store{db: db, dir: dir, log: log}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS recordings (
			id TEXT PRIMARY KEY,
			filename TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			file_size INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			sync_status TEXT NOT NULL,
			sync_attempts INTEGER NOT NULL DEFAULT 0,
			loc_lat REAL,
			loc_lon REAL,
			loc_accuracy REAL,
			loc_captured_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_recordings_status ON recordings(sync_status);
		PRAGMA journal_mode=WAL;
		PRAGMA synchronous=NORMAL;
	`)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Dir returns the directory holding recording files.
func (s *Store) Dir() string { return s.dir }

// Persist moves a finished capture into the store directory and
// records it with status unsynced.
func (s *Store) Persist(ctx context.Context, sourcePath string, duration time.Duration, capturedAt time.Time, location *domain.LocationSample) (domain.Recording, error) {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return domain.Recording{}, fmt.Errorf("stat capture file: %w", err)
	}

	id := uuid.NewString()
	filename := id + filepath.Ext(sourcePath)
	destPath := filepath.Join(s.dir, filename)
	if err := moveFile(sourcePath, destPath); err != nil {
		return domain.Recording{}, fmt.Errorf("move capture into store: %w", err)
	}

	rec := domain.Recording{
		ID:         id,
		Filename:   filename,
		Path:       destPath,
		Duration:   duration,
		FileSize:   info.Size(),
		CreatedAt:  capturedAt.UTC(),
		SyncStatus: domain.SyncStatusUnsynced,
		Location:   location,
	}

	var lat, lon, accuracy sql.NullFloat64
	var capturedLoc sql.NullString
	if location != nil {
		lat = sql.NullFloat64{Float64: location.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: location.Longitude, Valid: true}
		accuracy = sql.NullFloat64{Float64: location.HorizontalAccuracy, Valid: true}
		capturedLoc = sql.NullString{String: location.CapturedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recordings
			(id, filename, duration_ms, file_size, created_at, sync_status, sync_attempts,
			 loc_lat, loc_lon, loc_accuracy, loc_captured_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
	`,
		rec.ID, rec.Filename, rec.Duration.Milliseconds(), rec.FileSize,
		rec.CreatedAt.Format(time.RFC3339Nano), string(rec.SyncStatus),
		lat, lon, accuracy, capturedLoc,
	)
	if err != nil {
		// Roll the file move back so a failed insert leaves no
		// untracked file in the store directory.
		_ = moveFile(destPath, sourcePath)
		return domain.Recording{}, fmt.Errorf("insert recording: %w", err)
	}
	return rec, nil
}

const recordingColumns = `id, filename, duration_ms, file_size, created_at,
	sync_status, sync_attempts, loc_lat, loc_lon, loc_accuracy, loc_captured_at`

// Get retrieves one recording by ID.
func (s *Store) Get(ctx context.Context, id string) (domain.Recording, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordingColumns+` FROM recordings WHERE id = ?`, id)
	rec, err := s.scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Recording{}, domain.ErrRecordingNotFound
	}
	return rec, err
}

// List returns all recordings, newest first.
func (s *Store) List(ctx context.Context) ([]domain.Recording, error) {
	return s.queryRecordings(ctx, `SELECT `+recordingColumns+` FROM recordings ORDER BY created_at DESC`)
}

// PendingSync returns recordings eligible for the sync queue, oldest
// first so storage is reclaimed in capture order.
func (s *Store) PendingSync(ctx context.Context) ([]domain.Recording, error) {
	return s.queryRecordings(ctx, `
		SELECT `+recordingColumns+`
		FROM recordings
		WHERE sync_status IN (?, ?, ?)
		ORDER BY created_at ASC
	`, string(domain.SyncStatusUnsynced), string(domain.SyncStatusPending), string(domain.SyncStatusFailed))
}

// UpdateSyncStatus sets the status for a recording. Unknown IDs are
// logged and ignored.
func (s *Store) UpdateSyncStatus(ctx context.Context, id string, status domain.SyncStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recordings SET sync_status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("update sync status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.log.Warn("sync status update for unknown recording", "id", id, "status", status)
	}
	return nil
}

// UpdateSyncAttempts sets status and attempt counter together.
func (s *Store) UpdateSyncAttempts(ctx context.Context, id string, status domain.SyncStatus, attempts int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recordings SET sync_status = ?, sync_attempts = ? WHERE id = ?`,
		string(status), attempts, id)
	if err != nil {
		return fmt.Errorf("update sync attempts: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.log.Warn("sync attempts update for unknown recording", "id", id, "status", status)
	}
	return nil
}

// Checksum computes the BLAKE3 digest of the recording file.
func (s *Store) Checksum(rec domain.Recording) (digest.Digest, error) {
	d, err := digest.SumFile(rec.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return digest.Digest{}, domain.ErrRecordingFileMissing
	}
	return d, err
}

// DeleteRecordingFile removes the audio file from disk. Invoked only
// after the recording has been marked synced.
func (s *Store) DeleteRecordingFile(rec domain.Recording) error {
	err := os.Remove(rec.Path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete recording file: %w", err)
	}
	return nil
}

// CleanupOrphans repairs state left by a crash: files still on disk
// for synced recordings are deleted, and recordings stuck in a
// mid-transfer status are returned to unsynced. Run at startup.
func (s *Store) CleanupOrphans(ctx context.Context) (int, error) {
	synced, err := s.queryRecordings(ctx,
		`SELECT `+recordingColumns+` FROM recordings WHERE sync_status = ?`,
		string(domain.SyncStatusSynced))
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, rec := range synced {
		if _, err := os.Stat(rec.Path); err == nil {
			s.log.Warn("deleting orphaned file for synced recording", "id", rec.ID)
			if err := os.Remove(rec.Path); err != nil {
				return removed, fmt.Errorf("remove orphaned file: %w", err)
			}
			removed++
		}
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE recordings SET sync_status = ? WHERE sync_status IN (?, ?)`,
		string(domain.SyncStatusUnsynced),
		string(domain.SyncStatusSyncing), string(domain.SyncStatusPending))
	if err != nil {
		return removed, fmt.Errorf("reset interrupted recordings: %w", err)
	}
	return removed, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanRecording(row rowScanner) (domain.Recording, error) {
	var rec domain.Recording
	var durationMS int64
	var createdAt, status string
	var lat, lon, accuracy sql.NullFloat64
	var capturedLoc sql.NullString

	err := row.Scan(&rec.ID, &rec.Filename, &durationMS, &rec.FileSize, &createdAt,
		&status, &rec.SyncAttempts, &lat, &lon, &accuracy, &capturedLoc)
	if err != nil {
		return domain.Recording{}, err
	}

	rec.Duration = time.Duration(durationMS) * time.Millisecond
	rec.SyncStatus = domain.SyncStatus(status)
	rec.Path = filepath.Join(s.dir, rec.Filename)
	rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return domain.Recording{}, fmt.Errorf("parse created_at: %w", err)
	}

	if lat.Valid && lon.Valid && capturedLoc.Valid {
		capturedAt, err := time.Parse(time.RFC3339Nano, capturedLoc.String)
		if err != nil {
			return domain.Recording{}, fmt.Errorf("parse loc_captured_at: %w", err)
		}
		rec.Location = &domain.LocationSample{
			Latitude:           lat.Float64,
			Longitude:          lon.Float64,
			HorizontalAccuracy: accuracy.Float64,
			CapturedAt:         capturedAt,
		}
	}
	return rec, nil
}

func (s *Store) queryRecordings(ctx context.Context, query string, args ...any) ([]domain.Recording, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recordings: %w", err)
	}
	defer rows.Close()

	var out []domain.Recording
	for rows.Next() {
		rec, err := s.scanRecording(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// moveFile renames src to dst, falling back to copy-and-remove when
// the paths are on different filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
