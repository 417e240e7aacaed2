// Package backend decides how a session's shell is launched: directly as a
// plain process, or inside a tmux session that outlives the host daemon.
package backend

import (
	"errors"
	"os/exec"
	"strings"
)

// DefaultPrefix is prepended to session ids to form backend session names.
const DefaultPrefix = "termlink_"

// ErrCaptureUnsupported is returned by backends without scrollback capture.
var ErrCaptureUnsupported = errors.New("backend: scrollback capture not supported")

// Backend is the capability surface the PTY manager needs from a session
// runtime.
type Backend interface {
	Name() string
	SupportsPersistence() bool
	// SessionName derives the backend session name from a session id. The
	// result is deterministic so a restarted host can find the same session.
	SessionName(sessionID string) string
	// BuildCommand returns the program and arguments that attach to (or
	// create) the named backend session. ok is false when the caller should
	// spawn a plain shell instead.
	BuildCommand(sessionName, cwd string, shell []string) (program string, args []string, ok bool)
	KillSession(sessionName string) error
	HasSession(sessionName string) (bool, error)
	// CaptureScrollback dumps the session's scrollback into a file under dir
	// and returns its path.
	CaptureScrollback(sessionName, dir string) (string, error)
}

// Kind selects a backend implementation.
type Kind string

const (
	KindAuto  Kind = "auto"
	KindPlain Kind = "plain"
	KindTmux  Kind = "tmux"
)

// Config is read once at startup.
type Config struct {
	Kind   Kind
	Prefix string
	// TmuxBinary defaults to "tmux" resolved through PATH.
	TmuxBinary string
}

var lookPath = exec.LookPath

// Resolve returns the backend described by cfg. KindAuto picks tmux when the
// binary can be found and falls back to a plain backend otherwise.
func Resolve(cfg Config) Backend {
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	binary := strings.TrimSpace(cfg.TmuxBinary)
	if binary == "" {
		binary = "tmux"
	}

	switch cfg.Kind {
	case KindTmux:
		return &Tmux{prefix: prefix, binary: binary}
	case KindPlain:
		return &Plain{prefix: prefix}
	default:
		if path, err := lookPath(binary); err == nil {
			return &Tmux{prefix: prefix, binary: path}
		}
		return &Plain{prefix: prefix}
	}
}

// ParseKind maps a configuration string onto a Kind.
func ParseKind(s string) (Kind, bool) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case "", KindAuto:
		return KindAuto, true
	case KindPlain:
		return KindPlain, true
	case KindTmux:
		return KindTmux, true
	default:
		return "", false
	}
}

// Plain runs shells directly; sessions die with the host process.
type Plain struct {
	prefix string
}

func (p *Plain) Name() string { return string(KindPlain) }

func (p *Plain) SupportsPersistence() bool { return false }

func (p *Plain) SessionName(sessionID string) string { return p.prefix + sessionID }

func (p *Plain) BuildCommand(string, string, []string) (string, []string, bool) {
	return "", nil, false
}

func (p *Plain) KillSession(string) error { return nil }

// HasSession is always false: plain sessions do not outlive the host.
func (p *Plain) HasSession(string) (bool, error) { return false, nil }

func (p *Plain) CaptureScrollback(string, string) (string, error) {
	return "", ErrCaptureUnsupported
}
