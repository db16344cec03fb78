package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// Export is one recorded export run.
type Export struct {
	ID           string
	ModelPath    string
	ModelFormat  string
	ModelSHA256  string
	WebModelDir  string
	ParamsPath   string
	ShardCount   int
	BundleBytes  int64
	FeatureCount int
	ClassCount   int
	ParamsSource string
	Degraded     bool
	Duration     time.Duration
	Warnings     []string
	CreatedAt    time.Time
}

// ExportRepository provides access to recorded exports.
type ExportRepository struct {
	db *sql.DB
}

// Exports returns the export repository for this store.
func (s *Store) Exports() *ExportRepository {
	return &ExportRepository{db: s.db}
}

const exportColumns = `id, model_path, model_format, model_sha256, web_model_dir, params_path,
	shard_count, bundle_bytes, feature_count, class_count, params_source, degraded,
	duration_ms, created_at`

// Create inserts e and its warnings. An empty ID is filled with a new UUID.
func (r *ExportRepository) Create(e *Export) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO exports (`+exportColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ModelPath, e.ModelFormat, e.ModelSHA256, e.WebModelDir, e.ParamsPath,
		e.ShardCount, e.BundleBytes, e.FeatureCount, e.ClassCount, e.ParamsSource, e.Degraded,
		e.Duration.Milliseconds(), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert export: %w", err)
	}

	for i, w := range e.Warnings {
		if _, err := tx.Exec(
			`INSERT INTO export_warnings (export_id, sequence, message) VALUES (?, ?, ?)`,
			e.ID, i, w,
		); err != nil {
			return fmt.Errorf("insert export warning: %w", err)
		}
	}

	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExport(row rowScanner) (*Export, error) {
	e := &Export{}
	var durationMs int64
	err := row.Scan(
		&e.ID, &e.ModelPath, &e.ModelFormat, &e.ModelSHA256, &e.WebModelDir, &e.ParamsPath,
		&e.ShardCount, &e.BundleBytes, &e.FeatureCount, &e.ClassCount, &e.ParamsSource, &e.Degraded,
		&durationMs, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Duration = time.Duration(durationMs) * time.Millisecond
	return e, nil
}

// GetByID retrieves an export by its ID.
func (r *ExportRepository) GetByID(id string) (*Export, error) {
	e, err := scanExport(r.db.QueryRow(
		`SELECT `+exportColumns+` FROM exports WHERE id = ?`, id,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if err := r.loadWarnings([]*Export{e}); err != nil {
		return nil, err
	}
	return e, nil
}

// List retrieves recorded exports, newest first. A limit of zero or less
// returns every export.
func (r *ExportRepository) List(limit int) ([]*Export, error) {
	query := `SELECT ` + exportColumns + ` FROM exports ORDER BY created_at DESC, rowid DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exports []*Export
	for rows.Next() {
		e, err := scanExport(rows)
		if err != nil {
			return nil, err
		}
		exports = append(exports, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.loadWarnings(exports); err != nil {
		return nil, err
	}
	return exports, nil
}

func (r *ExportRepository) loadWarnings(exports []*Export) error {
	if len(exports) == 0 {
		return nil
	}

	byID := make(map[string]*Export, len(exports))
	ids := make([]any, len(exports))
	for i, e := range exports {
		byID[e.ID] = e
		ids[i] = e.ID
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	rows, err := r.db.Query(
		`SELECT export_id, message FROM export_warnings
		 WHERE export_id IN (`+placeholders+`) ORDER BY export_id, sequence`,
		ids...,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id, msg string
		if err := rows.Scan(&id, &msg); err != nil {
			return err
		}
		if e, ok := byID[id]; ok {
			e.Warnings = append(e.Warnings, msg)
		}
	}
	return rows.Err()
}

// Delete removes an export and its warnings.
func (r *ExportRepository) Delete(id string) error {
	result, err := r.db.Exec(`DELETE FROM exports WHERE id = ?`, id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// Prune deletes all but the newest keep exports and reports how many were
// removed.
func (r *ExportRepository) Prune(keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	result, err := r.db.Exec(
		`DELETE FROM exports WHERE id NOT IN (
			SELECT id FROM exports ORDER BY created_at DESC, rowid DESC LIMIT ?
		)`,
		keep,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
