package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type SessionRepo struct {
	db *sql.DB
}

func NewSessionRepo(db *sql.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

// Upsert inserts the record or replaces the mutable fields of an existing one.
func (r *SessionRepo) Upsert(ctx context.Context, s *Session) error {
	if s.ID == "" {
		return fmt.Errorf("session id is required")
	}
	now := nowUTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	if s.Status == "" {
		s.Status = SessionRunning
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO sessions (id, backend, backend_session, persistent, cwd, shell, status, exit_code, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	backend = excluded.backend,
	backend_session = excluded.backend_session,
	persistent = excluded.persistent,
	cwd = excluded.cwd,
	shell = excluded.shell,
	status = excluded.status,
	exit_code = excluded.exit_code,
	updated_at = excluded.updated_at
`, s.ID, s.Backend, s.BackendSession, boolToInt(s.Persistent), s.Cwd, s.Shell, s.Status, nullableInt(s.ExitCode), formatTimestamp(s.CreatedAt), formatTimestamp(s.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert session %q: %w", s.ID, err)
	}
	return nil
}

// Get returns nil, nil when the session does not exist.
func (r *SessionRepo) Get(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, backend, backend_session, persistent, cwd, shell, status, exit_code, created_at, updated_at
FROM sessions
WHERE id = ?
`, id)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session %q: %w", id, err)
	}
	return s, nil
}

// List returns sessions oldest first, optionally restricted to one status.
func (r *SessionRepo) List(ctx context.Context, status string) ([]*Session, error) {
	query := `SELECT id, backend, backend_session, persistent, cwd, shell, status, exit_code, created_at, updated_at FROM sessions`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return out, nil
}

// SetStatus updates status and exit code. Missing rows are not an error.
func (r *SessionRepo) SetStatus(ctx context.Context, id, status string, exitCode *int) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE sessions SET status = ?, exit_code = ?, updated_at = ? WHERE id = ?
`, status, nullableInt(exitCode), formatTimestamp(nowUTC()), id)
	if err != nil {
		return fmt.Errorf("failed to update session %q: %w", id, err)
	}
	return nil
}

func (r *SessionRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session %q: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var persistent int
	var exitCode sql.NullInt64
	var createdAtRaw, updatedAtRaw string
	if err := row.Scan(&s.ID, &s.Backend, &s.BackendSession, &persistent, &s.Cwd, &s.Shell, &s.Status, &exitCode, &createdAtRaw, &updatedAtRaw); err != nil {
		return nil, err
	}
	s.Persistent = persistent != 0
	if exitCode.Valid {
		code := int(exitCode.Int64)
		s.ExitCode = &code
	}

	var err error
	if s.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = parseTimestamp(updatedAtRaw); err != nil {
		return nil, err
	}
	return &s, nil
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
