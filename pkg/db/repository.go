package db

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/myrtio/myrtio-ota/pkg/errors"
	_ "modernc.org/sqlite"
)

// Repository provides database operations for push sessions
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new repository
func NewRepository(dbPath string) (*Repository, error) {
	slog.Debug("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Debug("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// Create inserts a new session record
func (r *Repository) Create(s *Session) error {
	slog.Debug("database_create_session", "session_id", s.ID, "device", s.DeviceHost)

	query := `
		INSERT INTO sessions (id, device_host, image_source, image_size, image_md5, status, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query,
		s.ID, s.DeviceHost, s.ImageSource, s.ImageSize, s.ImageMD5, s.Status, s.ErrorMessage)
	if err != nil {
		slog.Error("database_insert_failed", "session_id", s.ID, "error", err)
		return errors.Wrap(err, "failed to insert session")
	}

	return nil
}

const selectSession = `
	SELECT id, device_host, image_source, image_size, image_md5, status, error_message, created_at, updated_at
	FROM sessions
`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var s Session
	var errorMessage sql.NullString
	if err := row.Scan(
		&s.ID, &s.DeviceHost, &s.ImageSource, &s.ImageSize, &s.ImageMD5,
		&s.Status, &errorMessage, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.ErrorMessage = errorMessage.String
	return &s, nil
}

// Get retrieves a session by id. It returns nil, nil when not found.
func (r *Repository) Get(id string) (*Session, error) {
	s, err := scanSession(r.db.QueryRow(selectSession+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "session_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query session")
	}
	return s, nil
}

// UpdateStatus updates the status and error message of a session
func (r *Repository) UpdateStatus(id, status, errorMessage string) error {
	slog.Debug("database_update_status", "session_id", id, "status", status)

	query := `UPDATE sessions SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	result, err := r.db.Exec(query, status, errorMessage, id)
	if err != nil {
		slog.Error("database_status_update_failed", "session_id", id, "status", status, "error", err)
		return errors.Wrap(err, "failed to update status")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return fmt.Errorf("session not found: id=%s", id)
	}
	return nil
}

// List retrieves the most recent sessions, newest first. A non-positive
// limit returns all of them. An empty device matches every device.
func (r *Repository) List(device string, limit int) ([]*Session, error) {
	query := selectSession
	var args []any
	if device != "" {
		query += " WHERE device_host = ?"
		args = append(args, device)
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list sessions")
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		sessions = append(sessions, s)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}

	return sessions, nil
}

// Prune deletes all but the newest keep sessions.
func (r *Repository) Prune(keep int) (int64, error) {
	query := `DELETE FROM sessions WHERE id NOT IN (SELECT id FROM sessions ORDER BY created_at DESC, rowid DESC LIMIT ?)`
	result, err := r.db.Exec(query, keep)
	if err != nil {
		slog.Error("database_prune_failed", "keep", keep, "error", err)
		return 0, errors.Wrap(err, "failed to prune sessions")
	}
	n, _ := result.RowsAffected()
	slog.Info("database_pruned", "removed", n, "kept", keep)
	return n, nil
}
