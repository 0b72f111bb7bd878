package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when no run exists for the given ID.
	ErrNotFound = errors.New("run not found")
	// ErrNotActive is returned when a pause or cancel is requested for
	// a run that already reached a final state.
	ErrNotActive = errors.New("run is not active")
)

// Store persists runs in a local SQLite database.
type Store struct {
	db  *sql.DB
	key []byte
}

// Open opens (or creates) the run store under dir. The directory holds
// the database and the sealing key for credentials at rest.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	key, err := loadOrCreateKey(filepath.Join(dir, keyFileName))
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "runs.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open run database: %w", err)
	}

	// Single writer keeps SQLite happy under concurrent saves.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, key: key}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			project TEXT NOT NULL,
			status TEXT NOT NULL,
			control TEXT NOT NULL DEFAULT '',
			document TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create runs table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_runs_created
		ON runs(created_at DESC)
	`)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

// document is the at-rest form of a Run: the run itself plus the
// sealed secrets blob.
type document struct {
	Run
	SealedSecrets string `json:"sealedSecrets,omitempty"`
}

func (s *Store) encode(run *Run) (string, error) {
	doc := document{Run: *run}
	if len(run.Secrets) > 0 {
		plain, err := json.Marshal(run.Secrets)
		if err != nil {
			return "", fmt.Errorf("failed to marshal secrets: %w", err)
		}
		sealed, err := seal(s.key, plain)
		if err != nil {
			return "", err
		}
		doc.SealedSecrets = sealed
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal run document: %w", err)
	}
	return string(raw), nil
}

func (s *Store) decode(raw string) (*Run, error) {
	var doc document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run document: %w", err)
	}
	run := doc.Run
	if doc.SealedSecrets != "" {
		plain, err := unseal(s.key, doc.SealedSecrets)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(plain, &run.Secrets); err != nil {
			return nil, fmt.Errorf("failed to unmarshal secrets: %w", err)
		}
	}
	return &run, nil
}

// Create inserts a new run. The run's timestamps are set here.
func (s *Store) Create(ctx context.Context, run *Run) error {
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now

	doc, err := s.encode(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, project, status, document, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID, run.Project, string(run.Status), doc,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}
	return nil
}

// Save persists the current state of an existing run.
func (s *Store) Save(ctx context.Context, run *Run) error {
	run.UpdatedAt = time.Now().UTC()

	doc, err := s.encode(run)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, document = ?, updated_at = ?
		WHERE run_id = ?
	`, string(run.Status), doc, run.UpdatedAt.Format(time.RFC3339Nano), run.ID)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

// Load reads a run by ID, unsealing its secrets.
func (s *Store) Load(ctx context.Context, runID string) (*Run, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM runs WHERE run_id = ?`, runID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	return s.decode(raw)
}

// List returns run summaries, most recent first.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, project, status, created_at, updated_at
		FROM runs ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum                  Summary
			status               string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&sum.ID, &sum.Project, &status, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		sum.Status = Status(status)
		sum.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		sum.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// RequestPause records a pause request for an active run. The engine
// honors it at the next step boundary. An already-recorded cancel wins.
func (s *Store) RequestPause(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET control = ? WHERE run_id = ?
		AND status IN (?, ?) AND control IN ('', ?)
	`, string(ControlPause), runID, string(StatusPending), string(StatusRunning), string(ControlPause))
	return s.controlResult(ctx, runID, ControlPause, res, err)
}

// RequestCancel records a cancel request for an active run. Cancel
// overrides a pending pause.
func (s *Store) RequestCancel(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET control = ? WHERE run_id = ?
		AND status IN (?, ?) AND control IN ('', ?, ?)
	`, string(ControlCancel), runID, string(StatusPending), string(StatusRunning), string(ControlPause), string(ControlCancel))
	return s.controlResult(ctx, runID, ControlCancel, res, err)
}

func (s *Store) controlResult(ctx context.Context, runID string, want Control, res sql.Result, err error) error {
	if err != nil {
		return fmt.Errorf("failed to record %s request for run %s: %w", want, runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to record %s request for run %s: %w", want, runID, err)
	}
	if n > 0 {
		return nil
	}

	// Distinguish missing run from inactive run for a useful message.
	var status string
	err = s.db.QueryRowContext(ctx,
		`SELECT status FROM runs WHERE run_id = ?`, runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to inspect run %s: %w", runID, err)
	}
	return fmt.Errorf("run %s is %s: %w", runID, status, ErrNotActive)
}

// Control reads the pending operator request for a run.
func (s *Store) Control(ctx context.Context, runID string) (Control, error) {
	var control string
	err := s.db.QueryRowContext(ctx,
		`SELECT control FROM runs WHERE run_id = ?`, runID).Scan(&control)
	if errors.Is(err, sql.ErrNoRows) {
		return ControlNone, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return ControlNone, fmt.Errorf("failed to read control for run %s: %w", runID, err)
	}
	return Control(control), nil
}

// ClearControl resets a consumed operator request.
func (s *Store) ClearControl(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET control = '' WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("failed to clear control for run %s: %w", runID, err)
	}
	return nil
}
