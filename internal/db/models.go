package db

import (
	"fmt"
	"time"
)

// Session status values.
const (
	SessionRunning = "running"
	SessionExited  = "exited"
	SessionKilled  = "killed"
)

// Session is the durable record of a host session.
type Session struct {
	ID             string
	Backend        string
	BackendSession string
	Persistent     bool
	Cwd            string
	Shell          string
	Status         string
	ExitCode       *int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Token is a bearer credential issued to a paired client.
type Token struct {
	Value      string
	Label      string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	RevokedAt  time.Time
	LastUsedAt time.Time
}

// Valid reports whether the token can authenticate at now.
func (t *Token) Valid(now time.Time) bool {
	if t == nil || !t.RevokedAt.IsZero() {
		return false
	}
	return now.Before(t.ExpiresAt)
}

// timestampLayout is fixed width so stored values sort chronologically.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func nowUTC() time.Time {
	return time.Now().UTC()
}

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		ts = nowUTC()
	}
	return ts.UTC().Format(timestampLayout)
}

func formatTimestampOrEmpty(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return formatTimestamp(ts)
}

func parseTimestamp(v string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", v, err)
	}
	return ts, nil
}

func parseOptionalTimestamp(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return parseTimestamp(raw)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
