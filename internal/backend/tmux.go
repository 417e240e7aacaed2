package backend

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
)

// Tmux keeps every session inside a tmux session named prefix+id. The PTY
// process is a tmux client; killing it detaches without ending the shell.
type Tmux struct {
	prefix string
	binary string
}

func (t *Tmux) Name() string { return string(KindTmux) }

func (t *Tmux) SupportsPersistence() bool { return true }

func (t *Tmux) SessionName(sessionID string) string { return t.prefix + sessionID }

// BuildCommand uses new-session -A so the same invocation attaches to an
// existing session or creates it.
func (t *Tmux) BuildCommand(sessionName, cwd string, shell []string) (string, []string, bool) {
	args := []string{"new-session", "-A", "-s", sessionName}
	if dir := strings.TrimSpace(cwd); dir != "" {
		args = append(args, "-c", dir)
	}
	if len(shell) > 0 {
		// tmux hands a single trailing argument to sh -c.
		args = append(args, shellquote.Join(shell...))
	}
	return t.binary, args, true
}

func (t *Tmux) KillSession(sessionName string) error {
	out, err := exec.Command(t.binary, "kill-session", "-t", sessionName).CombinedOutput()
	if err != nil {
		if isNoSessionError(err) {
			return nil
		}
		return fmt.Errorf("kill tmux session %q: %s", sessionName, strings.TrimSpace(string(out)))
	}
	return nil
}

// HasSession reports whether the named tmux session exists.
func (t *Tmux) HasSession(sessionName string) (bool, error) {
	err := exec.Command(t.binary, "has-session", "-t", sessionName).Run()
	if err == nil {
		return true, nil
	}

	var execErr *exec.Error
	if errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound) {
		return false, fmt.Errorf("tmux binary not found. Please install tmux")
	}
	if isNoSessionError(err) {
		return false, nil
	}
	return false, fmt.Errorf("check tmux session %q: %w", sessionName, err)
}

func (t *Tmux) CaptureScrollback(sessionName, dir string) (string, error) {
	out, err := exec.Command(t.binary, "capture-pane", "-p", "-J", "-S", "-", "-t", sessionName).Output()
	if err != nil {
		if isNoSessionError(err) {
			return "", fmt.Errorf("tmux session %q not found", sessionName)
		}
		return "", fmt.Errorf("capture tmux session %q: %w", sessionName, err)
	}

	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create capture dir: %w", err)
	}
	name := fmt.Sprintf("%s-%s.log", sessionName, time.Now().UTC().Format("20060102T150405.000"))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return "", fmt.Errorf("write capture file: %w", err)
	}
	return path, nil
}

func isNoSessionError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr) && exitErr.ExitCode() == 1
}
