// Package session is the host-side session service. It sits between the PTY
// manager and everything that observes sessions: it publishes output to the
// broadcaster, records lifecycle changes in the database and maintains the
// global state version clients poll against.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/user/termlink/internal/db"
	"github.com/user/termlink/internal/pty"
)

var (
	ErrNotFound           = errors.New("session not found")
	ErrCaptureUnavailable = errors.New("scrollback capture unavailable for session")
)

// PTY is the subset of *pty.Manager the service drives.
type PTY interface {
	Events() <-chan pty.Event
	CreateOrReconnect(id, cwd string, shell pty.ShellSpec) (string, error)
	Submit(id string, data []byte) (<-chan error, error)
	SendKey(id, key string) (<-chan error, error)
	Resize(id string, cols, rows int)
	Kill(id string) error
	DetachAll()
	CaptureBuffer(id string) (string, bool)
	BackendAlive(id string) (bool, error)
	Get(id string) (pty.Info, bool)
	Sessions() []pty.Info
}

// Publisher receives every session event in order.
type Publisher interface {
	Publish(ev pty.Event)
}

type Options struct {
	DefaultShell string
	Logger       *slog.Logger
}

// Info describes a live session as reported to clients.
type Info struct {
	ID         string    `json:"id"`
	Backend    string    `json:"backend"`
	Persistent bool      `json:"persistent"`
	Cwd        string    `json:"cwd"`
	Cols       int       `json:"cols"`
	Rows       int       `json:"rows"`
	CreatedAt  time.Time `json:"created_at"`
}

// State is a full snapshot tagged with the version it was taken at.
type State struct {
	StateVersion uint64 `json:"state_version"`
	Sessions     []Info `json:"sessions"`
}

type CreateRequest struct {
	// ID re-attaches to a known session when set.
	ID    string
	Cwd   string
	Shell string
}

type Service struct {
	ptys    PTY
	store   *db.SessionRepo
	pub     Publisher
	shell   string
	logger  *slog.Logger
	version atomic.Uint64

	// detaching suppresses exit bookkeeping while Shutdown closes local
	// handles of sessions that must stay resumable.
	detaching atomic.Bool
}

func NewService(ptys PTY, store *db.SessionRepo, pub Publisher, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		ptys:   ptys,
		store:  store,
		pub:    pub,
		shell:  opts.DefaultShell,
		logger: logger,
	}
}

// StateVersion returns the current global state version.
func (s *Service) StateVersion() uint64 { return s.version.Load() }

func (s *Service) bump() uint64 { return s.version.Add(1) }

// Run forwards PTY events until the event stream closes or ctx ends.
func (s *Service) Run(ctx context.Context) error {
	events := s.ptys.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if s.pub != nil {
				s.pub.Publish(ev)
			}
			if ev.Type == pty.EventExit {
				s.recordExit(ctx, ev)
			}
		}
	}
}

func (s *Service) recordExit(ctx context.Context, ev pty.Event) {
	attrs := []any{"session_id", ev.SessionID}
	if ev.ExitCode != nil {
		attrs = append(attrs, "exit_code", *ev.ExitCode)
	}
	s.logger.Info("session exited", attrs...)

	if !s.detaching.Load() && s.store != nil {
		rec, err := s.store.Get(ctx, ev.SessionID)
		if err != nil {
			s.logger.Warn("failed to load session record", "session_id", ev.SessionID, "error", err)
		} else if rec != nil && rec.Status == db.SessionRunning {
			if err := s.store.SetStatus(ctx, ev.SessionID, db.SessionExited, ev.ExitCode); err != nil {
				s.logger.Warn("failed to record session exit", "session_id", ev.SessionID, "error", err)
			}
		}
	}
	s.bump()
}

// Create starts a session, or re-attaches when req.ID is already known.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Info, error) {
	shell := strings.TrimSpace(req.Shell)
	if shell == "" {
		shell = s.shell
	}
	id, err := s.ptys.CreateOrReconnect(req.ID, req.Cwd, pty.ShellSpec{Command: shell})
	if err != nil {
		return Info{}, err
	}
	info, ok := s.ptys.Get(id)
	if !ok {
		// Exited before we could look at it.
		return Info{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}

	if s.store != nil {
		rec := &db.Session{
			ID:             info.ID,
			Backend:        info.Backend,
			BackendSession: info.BackendSession,
			Persistent:     info.Persistent,
			Cwd:            info.Cwd,
			Shell:          shell,
			Status:         db.SessionRunning,
		}
		if existing, err := s.store.Get(ctx, id); err == nil && existing != nil {
			rec.CreatedAt = existing.CreatedAt
		}
		if err := s.store.Upsert(ctx, rec); err != nil {
			s.logger.Warn("failed to persist session", "session_id", id, "error", err)
		}
	}
	s.bump()
	return toInfo(info), nil
}

// Kill terminates a session permanently.
func (s *Service) Kill(ctx context.Context, id string) error {
	err := s.ptys.Kill(id)
	if errors.Is(err, pty.ErrSessionNotFound) {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if s.store != nil {
		if serr := s.store.SetStatus(ctx, id, db.SessionKilled, nil); serr != nil {
			s.logger.Warn("failed to record session kill", "session_id", id, "error", serr)
		}
	}
	s.bump()
	if err != nil {
		return fmt.Errorf("kill session %q: %w", id, err)
	}
	return nil
}

func (s *Service) Resize(id string, cols, rows int) {
	before, ok := s.ptys.Get(id)
	s.ptys.Resize(id, cols, rows)
	if after, found := s.ptys.Get(id); ok && found && (before.Cols != after.Cols || before.Rows != after.Rows) {
		s.bump()
	}
}

func (s *Service) Submit(id string, data []byte) (<-chan error, error) {
	return s.ptys.Submit(id, data)
}

func (s *Service) SendKey(id, key string) (<-chan error, error) {
	return s.ptys.SendKey(id, key)
}

// Capture dumps the session's scrollback and returns the file path.
func (s *Service) Capture(id string) (string, error) {
	if _, ok := s.ptys.Get(id); !ok {
		return "", fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	path, ok := s.ptys.CaptureBuffer(id)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrCaptureUnavailable, id)
	}
	return path, nil
}

func (s *Service) List() []Info {
	ptys := s.ptys.Sessions()
	out := make([]Info, 0, len(ptys))
	for _, info := range ptys {
		out = append(out, toInfo(info))
	}
	return out
}

// Snapshot returns the session list with the version read before listing,
// so a client that sees a newer version later always refetches.
func (s *Service) Snapshot() State {
	v := s.version.Load()
	return State{StateVersion: v, Sessions: s.List()}
}

// Restore re-attaches persistent sessions recorded as running by a previous
// host process. Sessions that cannot come back are marked exited.
func (s *Service) Restore(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	records, err := s.store.List(ctx, db.SessionRunning)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, rec := range records {
		if _, ok := s.ptys.Get(rec.ID); ok {
			continue
		}
		if !rec.Persistent {
			s.markExited(ctx, rec.ID)
			continue
		}
		// Attaching to a vanished backend session would start an empty shell.
		if alive, err := s.ptys.BackendAlive(rec.ID); err != nil || !alive {
			s.logger.Info("backend session gone", "session_id", rec.ID, "backend_session", rec.BackendSession, "error", err)
			s.markExited(ctx, rec.ID)
			continue
		}
		if _, err := s.ptys.CreateOrReconnect(rec.ID, rec.Cwd, pty.ShellSpec{Command: rec.Shell}); err != nil {
			s.logger.Warn("failed to restore session", "session_id", rec.ID, "error", err)
			s.markExited(ctx, rec.ID)
			continue
		}
		s.logger.Info("session restored", "session_id", rec.ID, "backend_session", rec.BackendSession)
		restored++
	}
	if len(records) > 0 {
		s.bump()
	}
	return restored, nil
}

func (s *Service) markExited(ctx context.Context, id string) {
	if err := s.store.SetStatus(ctx, id, db.SessionExited, nil); err != nil {
		s.logger.Warn("failed to mark session exited", "session_id", id, "error", err)
	}
}

// Shutdown closes every local handle. Persistent sessions stay recorded as
// running so the next Restore can pick them up; the rest are marked exited.
func (s *Service) Shutdown(ctx context.Context) {
	s.detaching.Store(true)
	if s.store != nil {
		for _, info := range s.ptys.Sessions() {
			if !info.Persistent {
				s.markExited(ctx, info.ID)
			}
		}
	}
	s.ptys.DetachAll()
	s.bump()
}

func toInfo(info pty.Info) Info {
	return Info{
		ID:         info.ID,
		Backend:    info.Backend,
		Persistent: info.Persistent,
		Cwd:        info.Cwd,
		Cols:       int(info.Cols),
		Rows:       int(info.Rows),
		CreatedAt:  info.CreatedAt,
	}
}
