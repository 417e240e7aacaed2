package pty

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(Options{DefaultShell: "/bin/sh", Cols: 80, Rows: 24})
	t.Cleanup(m.Close)
	return m
}

// submit writes data to the session and waits for the write to finish.
func submit(t *testing.T, m *Manager, id, data string) {
	t.Helper()
	done, err := m.Submit(id, []byte(data))
	if err != nil {
		t.Fatalf("Submit(%q): %v", data, err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("write %q: %v", data, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("write %q did not complete", data)
	}
}

// collect reads events for id until an Exit arrives or the timeout elapses.
func collect(t *testing.T, m *Manager, id string, timeout time.Duration) (string, int) {
	t.Helper()
	var output strings.Builder
	exits := 0
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-m.Events():
			if !ok {
				return output.String(), exits
			}
			if ev.SessionID != id {
				continue
			}
			switch ev.Type {
			case EventData:
				output.Write(ev.Data)
			case EventExit:
				exits++
				return output.String(), exits
			}
		case <-deadline:
			t.Fatalf("timed out waiting for exit; output so far %q", output.String())
		}
	}
}

func waitGone(t *testing.T, m *Manager, id string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, ok := m.Get(id); !ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("session %q still registered", id)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestManagerShellLifecycle runs ls in a fresh shell, checks the listing, and
// expects exactly one Exit after the shell quits.
func TestManagerShellLifecycle(t *testing.T) {
	m := newTestManager(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "marker-file.txt"), nil, 0o600); err != nil {
		t.Fatal(err)
	}

	id, err := m.Create(dir, ShellSpec{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, ok := m.Get(id); !ok {
		t.Fatal("session not registered after Create")
	}

	m.SendInput(id, []byte("ls\n"))
	m.SendInput(id, []byte("exit 3\n"))

	output, exits := collect(t, m, id, 10*time.Second)
	if !strings.Contains(output, "marker-file.txt") {
		t.Errorf("expected listing to contain marker-file.txt, got %q", output)
	}
	if exits != 1 {
		t.Fatalf("exit events = %d, want 1", exits)
	}

	select {
	case ev := <-m.Events():
		if ev.SessionID == id && ev.Type == EventExit {
			t.Fatal("second exit event")
		}
	case <-time.After(300 * time.Millisecond):
	}

	waitGone(t, m, id)
}

func TestManagerExitCode(t *testing.T) {
	m := newTestManager(t)
	id, err := m.Create("", ShellSpec{Command: "sh -c 'exit 7'"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-m.Events():
			if ev.SessionID != id || ev.Type != EventExit {
				continue
			}
			if ev.ExitCode == nil {
				t.Fatal("expected exit code")
			}
			if *ev.ExitCode != 7 {
				t.Fatalf("exit code = %d, want 7", *ev.ExitCode)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for exit")
		}
	}
}

func TestManagerKillThenSendInputIsNoop(t *testing.T) {
	m := newTestManager(t)
	id, err := m.Create("", ShellSpec{Command: "cat"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := m.Kill(id); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if _, ok := m.Get(id); ok {
		t.Fatal("session still registered after Kill")
	}

	m.SendInput(id, []byte("after kill\n"))
	if _, err := m.Submit(id, []byte("x")); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Submit err = %v, want ErrSessionNotFound", err)
	}
	if err := m.Kill(id); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("second Kill err = %v, want ErrSessionNotFound", err)
	}
}

func TestManagerCreateOrReconnectIsIdempotent(t *testing.T) {
	m := newTestManager(t)

	id, err := m.CreateOrReconnect("fixed-id", "", ShellSpec{Command: "cat"})
	if err != nil {
		t.Fatalf("CreateOrReconnect: %v", err)
	}
	if id != "fixed-id" {
		t.Fatalf("id = %q, want fixed-id", id)
	}

	again, err := m.CreateOrReconnect("fixed-id", "", ShellSpec{Command: "cat"})
	if err != nil {
		t.Fatalf("second CreateOrReconnect: %v", err)
	}
	if again != id {
		t.Fatalf("second id = %q, want %q", again, id)
	}
	if n := len(m.Sessions()); n != 1 {
		t.Fatalf("sessions = %d, want 1", n)
	}

	fresh, err := m.CreateOrReconnect("", "", ShellSpec{Command: "cat"})
	if err != nil {
		t.Fatalf("CreateOrReconnect without id: %v", err)
	}
	if fresh == "" || fresh == id {
		t.Fatalf("unexpected fresh id %q", fresh)
	}
}

func TestManagerSubmitAcknowledgesAfterWrite(t *testing.T) {
	m := newTestManager(t)
	id, err := m.Create("", ShellSpec{Command: "cat"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	submit(t, m, id, "hello-pty\n")

	var output strings.Builder
	deadline := time.After(5 * time.Second)
	for !strings.Contains(output.String(), "hello-pty") {
		select {
		case ev := <-m.Events():
			if ev.Type == EventData && ev.SessionID == id {
				output.Write(ev.Data)
			}
		case <-deadline:
			t.Fatalf("timed out; output %q", output.String())
		}
	}
}

func TestManagerSpawnError(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create("", ShellSpec{Command: "/nonexistent/termlink-shell"})
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("err = %v, want *SpawnError", err)
	}
	if n := len(m.Sessions()); n != 0 {
		t.Fatalf("sessions = %d after failed spawn", n)
	}
}

func TestManagerResize(t *testing.T) {
	m := newTestManager(t)
	id, err := m.Create("", ShellSpec{Command: "sleep 10"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	m.Resize(id, 200, 50)
	info, ok := m.Get(id)
	if !ok {
		t.Fatal("session missing")
	}
	if info.Cols != 200 || info.Rows != 50 {
		t.Fatalf("size = %dx%d, want 200x50", info.Cols, info.Rows)
	}

	// Bad sizes and unknown ids are logged, not fatal.
	m.Resize(id, 0, 10)
	m.Resize("missing", 80, 24)
}

func TestManagerCaptureBufferPlainBackend(t *testing.T) {
	m := newTestManager(t)
	id, err := m.Create("", ShellSpec{Command: "cat"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if path, ok := m.CaptureBuffer(id); ok {
		t.Fatalf("capture on plain backend returned %q", path)
	}
	if _, ok := m.CaptureBuffer("missing"); ok {
		t.Fatal("capture on unknown session succeeded")
	}
}

func TestManagerDetachAll(t *testing.T) {
	m := newTestManager(t)
	for i := 0; i < 3; i++ {
		if _, err := m.Create("", ShellSpec{Command: "cat"}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	m.DetachAll()
	if n := len(m.Sessions()); n != 0 {
		t.Fatalf("sessions = %d after DetachAll", n)
	}
}

func TestMapNamedKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"Enter", "\r"},
		{"C-c", "\x03"},
		{"c-d", "\x04"},
		{"Escape", "\x1b"},
		{"esc", "\x1b"},
		{"Tab", "\t"},
		{"Backspace", "\x7f"},
		{"Up", "\x1b[A"},
		{"Down", "\x1b[B"},
		{"Right", "\x1b[C"},
		{"Left", "\x1b[D"},
		{"PageUp", "\x1b[5~"},
		{"x", "x"},
	}
	for _, tt := range tests {
		if got := MapNamedKey(tt.key); got != tt.want {
			t.Errorf("MapNamedKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestShellArgv(t *testing.T) {
	t.Setenv("SHELL", "/bin/zsh")

	tests := []struct {
		name     string
		spec     ShellSpec
		fallback string
		want     []string
	}{
		{"spec wins", ShellSpec{Command: "/bin/bash -l"}, "/bin/sh", []string{"/bin/bash", "-l"}},
		{"quoted args", ShellSpec{Command: `sh -c 'echo "hi there"'`}, "", []string{"sh", "-c", `echo "hi there"`}},
		{"fallback", ShellSpec{}, "/bin/dash", []string{"/bin/dash"}},
		{"SHELL env", ShellSpec{}, "", []string{"/bin/zsh"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := shellArgv(tt.spec, tt.fallback)
			if err != nil {
				t.Fatalf("shellArgv: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("argv = %q, want %q", got, tt.want)
			}
		})
	}

	t.Setenv("SHELL", "")
	got, err := shellArgv(ShellSpec{}, "")
	if err != nil || !reflect.DeepEqual(got, []string{"/bin/sh"}) {
		t.Fatalf("default argv = %q, %v", got, err)
	}

	if _, err := shellArgv(ShellSpec{Command: `sh -c 'unterminated`}, ""); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestManagerBackendAliveWithoutPersistence(t *testing.T) {
	m := newTestManager(t)
	if alive, err := m.BackendAlive("anything"); !alive || err != nil {
		t.Fatalf("BackendAlive = %v, %v, want true for a plain backend", alive, err)
	}
}
