// Package client is the client half of the terminal transport. A Manager
// owns one Connection per remote host; each Connection is driven by exactly
// one event goroutine that owns its status, token, cached state, stream id
// table and presentation handles.
package client

import (
	"errors"
	"fmt"
	"strings"
)

// Status is a connection's lifecycle state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusPaired       Status = "paired"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

var (
	ErrUnknownConnection = errors.New("client: unknown connection")
	ErrUnauthenticated   = errors.New("client: not authenticated")
	ErrNotConnected      = errors.New("client: not connected")
	ErrClosed            = errors.New("client: connection closed")
	errSendQueueFull     = errors.New("client: send queue full")
)

// ActionError is returned by ExecuteAction for non-2xx responses.
type ActionError struct {
	Status int
	Body   []byte
}

func (e *ActionError) Error() string {
	body := strings.TrimSpace(string(e.Body))
	if body == "" {
		return fmt.Sprintf("action failed with status %d", e.Status)
	}
	return fmt.Sprintf("action failed with status %d: %s", e.Status, body)
}

// UpdateKind says what changed in an Update.
type UpdateKind int

const (
	UpdateStatus UpdateKind = iota
	UpdateState
	UpdateOutput
	UpdatePredictions
)

// Update tells the presentation layer that something is worth repainting.
// SessionID is empty for connection-wide updates.
type Update struct {
	ConnID    string
	SessionID string
	Kind      UpdateKind
}
