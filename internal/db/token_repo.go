package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type TokenRepo struct {
	db *sql.DB
}

func NewTokenRepo(db *sql.DB) *TokenRepo {
	return &TokenRepo{db: db}
}

func (r *TokenRepo) Create(ctx context.Context, t *Token) error {
	if t.Value == "" {
		return fmt.Errorf("token value is required")
	}
	if t.IssuedAt.IsZero() {
		t.IssuedAt = nowUTC()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO tokens (token, label, issued_at, expires_at, revoked_at, last_used_at)
VALUES (?, ?, ?, ?, ?, ?)
`, t.Value, t.Label, formatTimestamp(t.IssuedAt), formatTimestamp(t.ExpiresAt), formatTimestampOrEmpty(t.RevokedAt), formatTimestampOrEmpty(t.LastUsedAt))
	if err != nil {
		return fmt.Errorf("failed to create token: %w", err)
	}
	return nil
}

// Get returns nil, nil for unknown tokens.
func (r *TokenRepo) Get(ctx context.Context, value string) (*Token, error) {
	var t Token
	var issuedRaw, expiresRaw, revokedRaw, lastUsedRaw string
	err := r.db.QueryRowContext(ctx, `
SELECT token, label, issued_at, expires_at, revoked_at, last_used_at
FROM tokens
WHERE token = ?
`, value).Scan(&t.Value, &t.Label, &issuedRaw, &expiresRaw, &revokedRaw, &lastUsedRaw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	if t.IssuedAt, err = parseTimestamp(issuedRaw); err != nil {
		return nil, err
	}
	if t.ExpiresAt, err = parseTimestamp(expiresRaw); err != nil {
		return nil, err
	}
	if t.RevokedAt, err = parseOptionalTimestamp(revokedRaw); err != nil {
		return nil, err
	}
	if t.LastUsedAt, err = parseOptionalTimestamp(lastUsedRaw); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TokenRepo) Revoke(ctx context.Context, value string, at time.Time) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE tokens SET revoked_at = ? WHERE token = ? AND revoked_at = ''`, formatTimestamp(at), value); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

func (r *TokenRepo) Touch(ctx context.Context, value string, at time.Time) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE tokens SET last_used_at = ? WHERE token = ?`, formatTimestamp(at), value); err != nil {
		return fmt.Errorf("failed to touch token: %w", err)
	}
	return nil
}

// DeleteExpired removes tokens that expired or were revoked before cutoff.
func (r *TokenRepo) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	ts := formatTimestamp(cutoff)
	res, err := r.db.ExecContext(ctx, `
DELETE FROM tokens WHERE expires_at < ? OR (revoked_at != '' AND revoked_at < ?)
`, ts, ts)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
