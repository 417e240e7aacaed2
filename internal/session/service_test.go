package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/user/termlink/internal/backend"
	"github.com/user/termlink/internal/db"
	"github.com/user/termlink/internal/pty"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []pty.Event
}

func (p *recordingPublisher) Publish(ev pty.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) exits(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.SessionID == id && ev.Type == pty.EventExit {
			n++
		}
	}
	return n
}

type fixture struct {
	svc   *Service
	ptys  *pty.Manager
	store *db.SessionRepo
	pub   *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithBackend(t, nil)
}

func newFixtureWithBackend(t *testing.T, be backend.Backend) *fixture {
	t.Helper()
	database, err := db.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	ptys := pty.NewManager(pty.Options{Backend: be, DefaultShell: "/bin/sh", Cols: 80, Rows: 24})
	pub := &recordingPublisher{}
	svc := NewService(ptys, database.Sessions(), pub, Options{DefaultShell: "/bin/sh"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Run(ctx)
	}()
	t.Cleanup(func() {
		ptys.Close()
		cancel()
		<-done
	})
	return &fixture{svc: svc, ptys: ptys, store: database.Sessions(), pub: pub}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (f *fixture) status(t *testing.T, id string) *db.Session {
	t.Helper()
	rec, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%q) error = %v", id, err)
	}
	return rec
}

func TestCreateRecordsSessionAndBumpsVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v0 := f.svc.StateVersion()
	info, err := f.svc.Create(ctx, CreateRequest{Cwd: t.TempDir()})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if f.svc.StateVersion() <= v0 {
		t.Fatalf("state version did not advance: %d", f.svc.StateVersion())
	}
	if info.Cols != 80 || info.Rows != 24 {
		t.Fatalf("size = %dx%d", info.Cols, info.Rows)
	}

	rec := f.status(t, info.ID)
	if rec == nil || rec.Status != db.SessionRunning || rec.Shell != "/bin/sh" {
		t.Fatalf("record = %+v", rec)
	}

	state := f.svc.Snapshot()
	if len(state.Sessions) != 1 || state.Sessions[0].ID != info.ID {
		t.Fatalf("snapshot sessions = %+v", state.Sessions)
	}
	if state.StateVersion != f.svc.StateVersion() {
		t.Fatalf("snapshot version = %d, current = %d", state.StateVersion, f.svc.StateVersion())
	}
}

func TestCreateWithKnownIDIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Create(ctx, CreateRequest{Cwd: t.TempDir()})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	again, err := f.svc.Create(ctx, CreateRequest{ID: first.ID})
	if err != nil {
		t.Fatalf("Create(again) error = %v", err)
	}
	if again.ID != first.ID || len(f.svc.List()) != 1 {
		t.Fatalf("re-create spawned a duplicate: %+v", f.svc.List())
	}
}

func TestExitIsPublishedAndRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	info, err := f.svc.Create(ctx, CreateRequest{Cwd: t.TempDir()})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	v := f.svc.StateVersion()

	if _, err := f.svc.Submit(info.ID, []byte("exit 3\n")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	waitFor(t, "exit event", func() bool { return f.pub.exits(info.ID) == 1 })
	waitFor(t, "exit record", func() bool {
		rec := f.status(t, info.ID)
		return rec != nil && rec.Status == db.SessionExited
	})

	rec := f.status(t, info.ID)
	if rec.ExitCode == nil || *rec.ExitCode != 3 {
		t.Fatalf("exit code = %v, want 3", rec.ExitCode)
	}
	if f.svc.StateVersion() <= v {
		t.Fatal("exit did not bump state version")
	}
}

func TestKillMarksSessionKilled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	info, err := f.svc.Create(ctx, CreateRequest{Cwd: t.TempDir()})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := f.svc.Kill(ctx, info.ID); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}

	// The exit that follows the kill must not overwrite the status.
	waitFor(t, "exit event", func() bool { return f.pub.exits(info.ID) == 1 })
	if rec := f.status(t, info.ID); rec.Status != db.SessionKilled {
		t.Fatalf("status = %q, want killed", rec.Status)
	}

	if err := f.svc.Kill(ctx, info.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Kill() error = %v, want ErrNotFound", err)
	}
}

func TestCaptureUnavailableForPlainSessions(t *testing.T) {
	f := newFixture(t)

	if _, err := f.svc.Capture("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Capture(missing) error = %v", err)
	}

	info, err := f.svc.Create(context.Background(), CreateRequest{Cwd: t.TempDir()})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := f.svc.Capture(info.ID); !errors.Is(err, ErrCaptureUnavailable) {
		t.Fatalf("Capture() error = %v, want ErrCaptureUnavailable", err)
	}
}

func TestResizeBumpsVersionOnChange(t *testing.T) {
	f := newFixture(t)

	info, err := f.svc.Create(context.Background(), CreateRequest{Cwd: t.TempDir()})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	v := f.svc.StateVersion()

	f.svc.Resize(info.ID, 80, 24)
	if f.svc.StateVersion() != v {
		t.Fatal("no-op resize bumped the version")
	}
	f.svc.Resize(info.ID, 132, 43)
	if f.svc.StateVersion() != v+1 {
		t.Fatalf("version = %d, want %d", f.svc.StateVersion(), v+1)
	}
	got := f.svc.List()[0]
	if got.Cols != 132 || got.Rows != 43 {
		t.Fatalf("size = %dx%d", got.Cols, got.Rows)
	}
}

func TestRestore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cwd := t.TempDir()

	for _, rec := range []*db.Session{
		{ID: "plain-gone", Backend: "plain", Cwd: cwd, Shell: "/bin/sh"},
		{ID: "tmux-kept", Backend: "tmux", Persistent: true, Cwd: cwd, Shell: "/bin/sh"},
	} {
		if err := f.store.Upsert(ctx, rec); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
	}

	restored, err := f.svc.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if restored != 1 {
		t.Fatalf("restored = %d, want 1", restored)
	}
	if rec := f.status(t, "plain-gone"); rec.Status != db.SessionExited {
		t.Fatalf("plain session status = %q", rec.Status)
	}
	if _, ok := f.ptys.Get("tmux-kept"); !ok {
		t.Fatal("persistent session was not re-attached")
	}
}

// liveSessions is a persistent backend that runs the shell directly and
// reports only the listed backend sessions as existing.
type liveSessions struct {
	names map[string]bool
}

func (b *liveSessions) Name() string { return "fake" }
func (b *liveSessions) SupportsPersistence() bool { return true }
func (b *liveSessions) SessionName(id string) string { return "fake_" + id }
func (b *liveSessions) KillSession(string) error { return nil }
func (b *liveSessions) HasSession(name string) (bool, error) {
	return b.names[name], nil
}

func (b *liveSessions) BuildCommand(_, _ string, shell []string) (string, []string, bool) {
	return shell[0], shell[1:], true
}

func (b *liveSessions) CaptureScrollback(string, string) (string, error) {
	return "", backend.ErrCaptureUnsupported
}

func TestRestoreMarksVanishedBackendSessionsExited(t *testing.T) {
	f := newFixtureWithBackend(t, &liveSessions{names: map[string]bool{"fake_alive": true}})
	ctx := context.Background()
	cwd := t.TempDir()

	for _, rec := range []*db.Session{
		{ID: "alive", Backend: "fake", BackendSession: "fake_alive", Persistent: true, Cwd: cwd, Shell: "/bin/sh"},
		{ID: "vanished", Backend: "fake", BackendSession: "fake_vanished", Persistent: true, Cwd: cwd, Shell: "/bin/sh"},
	} {
		if err := f.store.Upsert(ctx, rec); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
	}

	restored, err := f.svc.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if restored != 1 {
		t.Fatalf("restored = %d, want 1", restored)
	}
	if _, ok := f.ptys.Get("alive"); !ok {
		t.Fatal("live backend session was not re-attached")
	}
	if _, ok := f.ptys.Get("vanished"); ok {
		t.Fatal("vanished backend session was re-created")
	}
	if rec := f.status(t, "vanished"); rec.Status != db.SessionExited {
		t.Fatalf("vanished session status = %q, want exited", rec.Status)
	}
}

func TestShutdownKeepsPersistentRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	info, err := f.svc.Create(ctx, CreateRequest{Cwd: t.TempDir()})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := f.store.Upsert(ctx, &db.Session{ID: "elsewhere", Persistent: true, Cwd: "/"}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	f.svc.Shutdown(ctx)

	if len(f.ptys.Sessions()) != 0 {
		t.Fatalf("sessions after shutdown = %d", len(f.ptys.Sessions()))
	}
	if rec := f.status(t, info.ID); rec.Status != db.SessionExited {
		t.Fatalf("plain session status = %q, want exited", rec.Status)
	}
	if rec := f.status(t, "elsewhere"); rec.Status != db.SessionRunning {
		t.Fatalf("persistent session status = %q, want running", rec.Status)
	}
}
