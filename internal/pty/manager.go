package pty

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"sync"

	creackpty "github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/user/termlink/internal/backend"
)

const (
	defaultCols uint16 = 120
	defaultRows uint16 = 30
)

// Options configures a Manager.
type Options struct {
	// Backend decides whether shells run inside a persistent multiplexer.
	// Nil means a plain backend.
	Backend backend.Backend
	// DefaultShell is used when a ShellSpec has no command.
	DefaultShell string
	// CaptureDir receives scrollback dumps.
	CaptureDir string
	Cols       uint16
	Rows       uint16
	Logger     *slog.Logger
}

// Manager tracks all active PTY sessions and merges their events into one
// stream.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	// spawnMu serializes process creation so two reconnects for the same id
	// cannot both spawn. It is never taken while mu is held.
	spawnMu sync.Mutex

	backend      backend.Backend
	defaultShell string
	captureDir   string
	cols, rows   uint16
	queue        *eventQueue
	logger       *slog.Logger
}

// NewManager creates a new, empty Manager.
func NewManager(opts Options) *Manager {
	b := opts.Backend
	if b == nil {
		b = backend.Resolve(backend.Config{Kind: backend.KindPlain})
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = defaultCols
	}
	if rows == 0 {
		rows = defaultRows
	}
	return &Manager{
		sessions:     make(map[string]*Session),
		backend:      b,
		defaultShell: opts.DefaultShell,
		captureDir:   opts.CaptureDir,
		cols:         cols,
		rows:         rows,
		queue:        newEventQueue(),
		logger:       logger,
	}
}

// Backend returns the backend sessions are launched through.
func (m *Manager) Backend() backend.Backend { return m.backend }

// Events returns the merged event stream of every session. It is closed by
// Close.
func (m *Manager) Events() <-chan Event { return m.queue.out }

// Create spawns a shell under a fresh session id.
func (m *Manager) Create(cwd string, shell ShellSpec) (string, error) {
	id := uuid.NewString()
	m.spawnMu.Lock()
	defer m.spawnMu.Unlock()
	if err := m.spawn(id, cwd, shell); err != nil {
		return "", err
	}
	return id, nil
}

// CreateOrReconnect returns id unchanged when it is already tracked.
// Otherwise it spawns a session under id; with a persistent backend that
// attaches to the backend session derived from id, replaying its history.
// An empty id behaves like Create.
func (m *Manager) CreateOrReconnect(id, cwd string, shell ShellSpec) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return m.Create(cwd, shell)
	}

	m.spawnMu.Lock()
	defer m.spawnMu.Unlock()

	if _, ok := m.lookup(id); ok {
		return id, nil
	}
	if err := m.spawn(id, cwd, shell); err != nil {
		return "", err
	}
	return id, nil
}

func (m *Manager) spawn(id, cwd string, shell ShellSpec) error {
	argv, err := shellArgv(shell, m.defaultShell)
	if err != nil {
		return &SpawnError{SessionID: id, Err: err}
	}

	program, args := argv[0], argv[1:]
	backendSession := ""
	persistent := false
	if m.backend.SupportsPersistence() {
		name := m.backend.SessionName(id)
		if p, a, ok := m.backend.BuildCommand(name, cwd, argv); ok {
			program, args = p, a
			backendSession = name
			persistent = true
		}
	}

	cmd := exec.Command(program, args...)
	cmd.Dir = cwd
	cmd.Env = sessionEnv(shell.Env)

	ptmx, err := creackpty.StartWithSize(cmd, &creackpty.Winsize{Cols: m.cols, Rows: m.rows})
	if err != nil {
		return &SpawnError{SessionID: id, Err: err}
	}

	s := newSession(id, cmd, ptmx, m.cols, m.rows)
	s.backendName = m.backend.Name()
	s.backendSession = backendSession
	s.persistent = persistent
	s.cwd = cwd

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	go s.waitProcess()
	go s.writeLoop()
	go s.readLoop(m.queue, m.forget)

	m.logger.Info("pty session started",
		"session_id", id,
		"backend", s.backendName,
		"backend_session", backendSession,
		"program", program,
	)
	return nil
}

// forget drops s from the registry unless the id was taken over by a newer
// session.
func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	if cur, ok := m.sessions[s.id]; ok && cur == s {
		delete(m.sessions, s.id)
	}
	m.mu.Unlock()
	_ = s.Close()
}

func (m *Manager) lookup(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// SendInput queues data for the session without waiting. Unknown ids are
// ignored.
func (m *Manager) SendInput(id string, data []byte) {
	s, ok := m.lookup(id)
	if !ok {
		m.logger.Debug("input for unknown session dropped", "session_id", id)
		return
	}
	s.enqueue(data, nil)
}

// Submit queues data and returns a channel that receives the result of the
// write carrying it.
func (m *Manager) Submit(id string, data []byte) (<-chan error, error) {
	s, ok := m.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	done := make(chan error, 1)
	s.enqueue(data, done)
	return done, nil
}

// SendKey submits the byte sequence for a named key such as "enter" or "c-c".
func (m *Manager) SendKey(id, key string) (<-chan error, error) {
	return m.Submit(id, []byte(MapNamedKey(key)))
}

// Resize changes the session's window size. Failures are logged only.
func (m *Manager) Resize(id string, cols, rows int) {
	s, ok := m.lookup(id)
	if !ok {
		m.logger.Debug("resize for unknown session ignored", "session_id", id)
		return
	}
	if cols <= 0 || rows <= 0 || cols > 0xffff || rows > 0xffff {
		m.logger.Warn("invalid terminal size", "session_id", id, "cols", cols, "rows", rows)
		return
	}
	if err := s.Resize(uint16(cols), uint16(rows)); err != nil {
		m.logger.Warn("pty resize failed", "session_id", id, "error", err)
	}
}

// Kill terminates the session and, for persistent backends, destroys the
// backend session as well.
func (m *Manager) Kill(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}

	var errs []error
	if err := s.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.persistent {
		if err := m.backend.KillSession(s.backendSession); err != nil {
			errs = append(errs, err)
		}
	}
	m.logger.Info("pty session killed", "session_id", id)
	return errors.Join(errs...)
}

// DetachAll closes every local handle without touching backend sessions.
func (m *Manager) DetachAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		if err := s.Close(); err != nil {
			m.logger.Warn("detach session", "session_id", s.id, "error", err)
		}
	}
}

// BackendAlive reports whether the backend session behind id still exists.
// Backends without persistence have nothing to look up and report true.
func (m *Manager) BackendAlive(id string) (bool, error) {
	if !m.backend.SupportsPersistence() {
		return true, nil
	}
	return m.backend.HasSession(m.backend.SessionName(id))
}

// CaptureBuffer dumps the session's backend scrollback to a file. ok is false
// when the session is unknown, not persistent, or the capture failed.
func (m *Manager) CaptureBuffer(id string) (path string, ok bool) {
	s, found := m.lookup(id)
	if !found || !s.persistent {
		return "", false
	}
	path, err := m.backend.CaptureScrollback(s.backendSession, m.captureDir)
	if err != nil {
		if !errors.Is(err, backend.ErrCaptureUnsupported) {
			m.logger.Warn("capture buffer failed", "session_id", id, "error", err)
		}
		return "", false
	}
	return path, true
}

// Get returns metadata for one session.
func (m *Manager) Get(id string) (Info, bool) {
	s, ok := m.lookup(id)
	if !ok {
		return Info{}, false
	}
	return s.info(), true
}

// Sessions returns metadata for every tracked session, oldest first.
func (m *Manager) Sessions() []Info {
	m.mu.RLock()
	infos := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.info())
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Close detaches every session and closes the event stream.
func (m *Manager) Close() {
	m.DetachAll()
	m.queue.close()
}
