package pty

import (
	"fmt"
	"os"
	"strings"

	"github.com/kballard/go-shellquote"
)

// MapNamedKey translates a human-readable key name to its terminal byte
// sequence. Unknown names are returned as-is.
func MapNamedKey(key string) string {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "enter", "return":
		return "\r"
	case "c-c":
		return "\x03"
	case "c-d":
		return "\x04"
	case "c-z":
		return "\x1a"
	case "c-l":
		return "\x0c"
	case "c-a":
		return "\x01"
	case "c-e":
		return "\x05"
	case "c-u":
		return "\x15"
	case "c-w":
		return "\x17"
	case "escape", "esc":
		return "\x1b"
	case "tab":
		return "\t"
	case "backspace":
		return "\x7f"
	case "up":
		return "\x1b[A"
	case "down":
		return "\x1b[B"
	case "right":
		return "\x1b[C"
	case "left":
		return "\x1b[D"
	case "home":
		return "\x1b[H"
	case "end":
		return "\x1b[F"
	case "pageup":
		return "\x1b[5~"
	case "pagedown":
		return "\x1b[6~"
	case "delete":
		return "\x1b[3~"
	default:
		return key
	}
}

// shellArgv picks the first usable command line from spec, then the manager
// default and $SHELL, falling back to /bin/sh.
func shellArgv(spec ShellSpec, fallback string) ([]string, error) {
	for _, line := range []string{spec.Command, fallback, os.Getenv("SHELL")} {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		argv, err := shellquote.Split(line)
		if err != nil {
			return nil, fmt.Errorf("pty: parse shell command %q: %w", line, err)
		}
		if len(argv) > 0 {
			return argv, nil
		}
	}
	return []string{"/bin/sh"}, nil
}

// sessionEnv returns the inherited environment without variables that would
// make tmux think it is nested, plus TERM and the extra entries.
func sessionEnv(extra []string) []string {
	base := os.Environ()
	env := make([]string, 0, len(base)+len(extra)+1)
	for _, kv := range base {
		if strings.HasPrefix(kv, "TMUX=") || strings.HasPrefix(kv, "TMUX_PANE=") || strings.HasPrefix(kv, "TERM=") {
			continue
		}
		env = append(env, kv)
	}
	env = append(env, "TERM=xterm-256color")
	return append(env, extra...)
}
