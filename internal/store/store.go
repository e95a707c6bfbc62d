// Package store provides SQLite-backed persistence for note.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/devtomas22/note/internal/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

// DefaultHistoryLimit caps ListExecutions when no limit is given.
const DefaultHistoryLimit = 100

// Store provides access to the note SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS notebooks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		kernelspec_name TEXT NOT NULL DEFAULT '',
		kernelspec_language TEXT NOT NULL DEFAULT '',
		cells TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS executions (
		msg_id TEXT PRIMARY KEY,
		kernel_id TEXT NOT NULL,
		code TEXT NOT NULL,
		status TEXT NOT NULL,
		execution_count INTEGER NOT NULL DEFAULT 0,
		outputs TEXT,
		error TEXT,
		submitted_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		kernel_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_executions_kernel_id ON executions(kernel_id, finished_at);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit(timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Notebook Operations ---

// CreateNotebook inserts an empty notebook bound to a kernelspec.
func (s *Store) CreateNotebook(name string, spec models.KernelSpecRef) (*models.Notebook, error) {
	now := time.Now().UTC()
	nb := &models.Notebook{
		ID:        uuid.New().String(),
		Name:      name,
		Cells:     []models.Cell{},
		Metadata:  models.NotebookMetadata{KernelSpec: spec},
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.Exec(
		`INSERT INTO notebooks (id, name, kernelspec_name, kernelspec_language, cells, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		nb.ID, nb.Name, spec.Name, spec.Language, "[]", nb.CreatedAt, nb.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert notebook: %w", err)
	}
	return nb, nil
}

// GetNotebook retrieves a notebook by ID. It returns nil, nil when absent.
func (s *Store) GetNotebook(id string) (*models.Notebook, error) {
	nb := &models.Notebook{}
	var cells string

	err := s.db.QueryRow(
		`SELECT id, name, kernelspec_name, kernelspec_language, cells, created_at, updated_at FROM notebooks WHERE id = ?`,
		id,
	).Scan(&nb.ID, &nb.Name, &nb.Metadata.KernelSpec.Name, &nb.Metadata.KernelSpec.Language, &cells, &nb.CreatedAt, &nb.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query notebook: %w", err)
	}
	if err := json.Unmarshal([]byte(cells), &nb.Cells); err != nil {
		return nil, fmt.Errorf("decode cells of notebook %s: %w", id, err)
	}
	return nb, nil
}

// ListNotebooks returns all notebooks without their cells, most recently
// updated first.
func (s *Store) ListNotebooks() ([]models.Notebook, error) {
	rows, err := s.db.Query(
		`SELECT id, name, kernelspec_name, kernelspec_language, created_at, updated_at FROM notebooks ORDER BY updated_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query notebooks: %w", err)
	}
	defer rows.Close()

	notebooks := []models.Notebook{}
	for rows.Next() {
		var nb models.Notebook
		if err := rows.Scan(&nb.ID, &nb.Name, &nb.Metadata.KernelSpec.Name, &nb.Metadata.KernelSpec.Language, &nb.CreatedAt, &nb.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan notebook: %w", err)
		}
		notebooks = append(notebooks, nb)
	}
	return notebooks, rows.Err()
}

// SaveNotebook inserts or replaces a notebook. An existing notebook keeps
// its created_at; UpdatedAt is set to now.
func (s *Store) SaveNotebook(nb *models.Notebook) error {
	if nb.ID == "" {
		return fmt.Errorf("notebook id cannot be empty")
	}
	if nb.Cells == nil {
		nb.Cells = []models.Cell{}
	}
	cells, err := json.Marshal(nb.Cells)
	if err != nil {
		return fmt.Errorf("encode cells: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var createdAt time.Time
	err = tx.QueryRow(`SELECT created_at FROM notebooks WHERE id = ?`, nb.ID).Scan(&createdAt)
	switch {
	case err == sql.ErrNoRows:
		createdAt = now
	case err != nil:
		return fmt.Errorf("query notebook: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO notebooks (id, name, kernelspec_name, kernelspec_language, cells, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   kernelspec_name = excluded.kernelspec_name,
		   kernelspec_language = excluded.kernelspec_language,
		   cells = excluded.cells,
		   updated_at = excluded.updated_at`,
		nb.ID, nb.Name, nb.Metadata.KernelSpec.Name, nb.Metadata.KernelSpec.Language, string(cells), createdAt, now,
	)
	if err != nil {
		return fmt.Errorf("upsert notebook: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	nb.CreatedAt = createdAt
	nb.UpdatedAt = now
	return nil
}

// DeleteNotebook removes a notebook. It returns ErrNotFound when absent.
func (s *Store) DeleteNotebook(id string) error {
	result, err := s.db.Exec(`DELETE FROM notebooks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete notebook: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("notebook %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Execution History ---

// RecordExecution stores a finished execution. Recording the same msg_id
// twice keeps the latest row.
func (s *Store) RecordExecution(rec models.ExecutionRecord) error {
	var outputs []byte
	if len(rec.Outputs) > 0 {
		var err error
		if outputs, err = json.Marshal(rec.Outputs); err != nil {
			return fmt.Errorf("encode outputs: %w", err)
		}
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now().UTC()
	}
	if rec.SubmittedAt.IsZero() {
		rec.SubmittedAt = rec.FinishedAt
	}

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO executions (msg_id, kernel_id, code, status, execution_count, outputs, error, submitted_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.MsgID, rec.KernelID, rec.Code, rec.Status, rec.ExecutionCount,
		nullString(string(outputs)), nullString(rec.Error), rec.SubmittedAt.UTC(), rec.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// ListExecutions returns a kernel's history, newest first. A limit of zero
// or less selects DefaultHistoryLimit.
func (s *Store) ListExecutions(kernelID string, limit int) ([]models.ExecutionRecord, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := s.db.Query(
		`SELECT msg_id, kernel_id, code, status, execution_count, outputs, error, submitted_at, finished_at
		 FROM executions WHERE kernel_id = ? ORDER BY finished_at DESC, rowid DESC LIMIT ?`,
		kernelID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	records := []models.ExecutionRecord{}
	for rows.Next() {
		var rec models.ExecutionRecord
		var outputs, errText sql.NullString
		if err := rows.Scan(&rec.MsgID, &rec.KernelID, &rec.Code, &rec.Status, &rec.ExecutionCount,
			&outputs, &errText, &rec.SubmittedAt, &rec.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		if outputs.Valid && outputs.String != "" {
			if err := json.Unmarshal([]byte(outputs.String), &rec.Outputs); err != nil {
				return nil, fmt.Errorf("decode outputs of %s: %w", rec.MsgID, err)
			}
		}
		if errText.Valid {
			rec.Error = errText.String
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// --- Audit Operations ---

// WriteAudit writes an audit entry.
func (s *Store) WriteAudit(action, inputsHash, outcome, kernelID, details string) (*models.AuditEntry, error) {
	now := time.Now().UTC()
	entry := &models.AuditEntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		KernelID:   kernelID,
		Details:    details,
		Timestamp:  now,
	}

	_, err := s.db.Exec(
		`INSERT INTO audit (id, action, inputs_hash, outcome, kernel_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Action, entry.InputsHash, entry.Outcome, entry.KernelID, entry.Details, entry.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert audit: %w", err)
	}
	return entry, nil
}

// ListAudit returns the most recent audit entries, newest first.
func (s *Store) ListAudit(limit int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := s.db.Query(
		`SELECT id, action, inputs_hash, outcome, kernel_id, details, timestamp FROM audit ORDER BY timestamp DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var kernelID, details sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &e.InputsHash, &e.Outcome, &kernelID, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.KernelID = kernelID.String
		e.Details = details.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
