package pty

import (
	"errors"
	"fmt"
	"time"
)

// EventType distinguishes the kind of event produced by a Session.
type EventType int

const (
	// EventData carries bytes read from the PTY.
	EventData EventType = iota
	// EventExit is emitted exactly once when the session's reader stops.
	EventExit
)

func (t EventType) String() string {
	switch t {
	case EventData:
		return "data"
	case EventExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Event is a single notification emitted by a Session.
type Event struct {
	Type      EventType
	SessionID string
	Data      []byte
	// ExitCode is set on EventExit when the process had been reaped.
	ExitCode *int
}

// ShellSpec describes the shell to run when the backend does not supply a
// launch command of its own.
type ShellSpec struct {
	// Command is a shell-quoted command line, e.g. "/bin/bash -l".
	Command string
	// Env entries are appended to the inherited environment.
	Env []string
}

// Info is a read-only snapshot of session metadata.
type Info struct {
	ID             string
	Backend        string
	BackendSession string
	Persistent     bool
	Cwd            string
	Cols           uint16
	Rows           uint16
	CreatedAt      time.Time
}

var (
	ErrSessionNotFound = errors.New("pty: session not found")
	ErrSessionClosed   = errors.New("pty: session is closed")
)

// SpawnError reports that a PTY or its child process could not be started.
type SpawnError struct {
	SessionID string
	Err       error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("pty: spawn session %q: %v", e.SessionID, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }
