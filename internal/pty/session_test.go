package pty

import (
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

type recordingWriter struct {
	mu     sync.Mutex
	writes [][]byte
	err    error
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return 0, w.err
	}
	w.writes = append(w.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (w *recordingWriter) snapshot() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.writes))
	for i, b := range w.writes {
		out[i] = string(b)
	}
	return out
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write completion")
		return nil
	}
}

// TestWriterCoalescesQueuedInput queues three messages before the writer
// starts and expects exactly one underlying write.
func TestWriterCoalescesQueuedInput(t *testing.T) {
	s := newSession("coalesce", nil, nil, 80, 24)
	rw := &recordingWriter{}
	s.w = rw

	first := make(chan error, 1)
	last := make(chan error, 1)
	s.enqueue([]byte("ab"), first)
	s.enqueue([]byte("c"), nil)
	s.enqueue([]byte("de"), last)

	go s.writeLoop()
	defer s.Close()

	if err := waitDone(t, first); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := waitDone(t, last); err != nil {
		t.Fatalf("last write: %v", err)
	}

	if got, want := rw.snapshot(), []string{"abcde"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("writes = %q, want %q", got, want)
	}
}

func TestWriterStopsOnError(t *testing.T) {
	s := newSession("broken", nil, nil, 80, 24)
	s.w = &recordingWriter{err: errors.New("boom")}
	go s.writeLoop()
	defer s.Close()

	done := make(chan error, 1)
	s.enqueue([]byte("x"), done)
	if err := waitDone(t, done); err == nil {
		t.Fatal("expected write error")
	}

	// Once stopped, later input fails immediately instead of hanging.
	again := make(chan error, 1)
	s.enqueue([]byte("y"), again)
	if err := waitDone(t, again); err == nil {
		t.Fatal("expected error after writer stopped")
	}
}

func TestWriterFailsPendingOnClose(t *testing.T) {
	s := newSession("closing", nil, nil, 80, 24)
	s.w = &recordingWriter{}
	go s.writeLoop()

	s.markClosed()
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.inMu.Lock()
		stopped := s.writerDone
		s.inMu.Unlock()
		if stopped {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("writer did not stop after close")
		}
		time.Sleep(5 * time.Millisecond)
	}

	done := make(chan error, 1)
	s.enqueue([]byte("late"), done)
	if err := waitDone(t, done); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("err = %v, want ErrSessionClosed", err)
	}
}

func TestEventQueueIsUnbounded(t *testing.T) {
	q := newEventQueue()
	defer q.close()

	const n = 10000
	for i := 0; i < n; i++ {
		q.push(Event{Type: EventData, SessionID: "s", Data: []byte{byte(i)}})
	}

	timeout := time.After(5 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case ev := <-q.out:
			if ev.Data[0] != byte(i) {
				t.Fatalf("event %d out of order: got %d", i, ev.Data[0])
			}
		case <-timeout:
			t.Fatalf("timed out after %d events", i)
		}
	}
}

func TestEventQueueCloseIgnoresLatePush(t *testing.T) {
	q := newEventQueue()
	q.close()
	q.push(Event{Type: EventExit, SessionID: "late"})

	select {
	case _, ok := <-q.out:
		if ok {
			t.Fatal("received event after close")
		}
	case <-time.After(time.Second):
		t.Fatal("output channel not closed")
	}
}
