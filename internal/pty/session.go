package pty

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	creackpty "github.com/creack/pty"
)

const (
	readBufferSize = 64 * 1024

	// exitCodeWait bounds how long the reader waits for the process to be
	// reaped before reporting Exit without a code.
	exitCodeWait = 2 * time.Second
)

type pendingWrite struct {
	data []byte
	done chan error
}

// Session wraps a child process running inside a PTY. Exactly one goroutine
// reads the PTY and exactly one writes to it.
type Session struct {
	id             string
	backendName    string
	backendSession string
	persistent     bool
	cwd            string
	createdAt      time.Time

	cmd  *exec.Cmd
	ptmx *os.File
	w    io.Writer

	mu   sync.Mutex
	cols uint16
	rows uint16

	inMu       sync.Mutex
	pending    []pendingWrite
	writerDone bool
	writeErr   error
	wake       chan struct{}

	closed    chan struct{}
	closeOnce sync.Once

	exited   chan struct{}
	exitCode *int
}

func newSession(id string, cmd *exec.Cmd, ptmx *os.File, cols, rows uint16) *Session {
	s := &Session{
		id:        id,
		createdAt: time.Now(),
		cmd:       cmd,
		ptmx:      ptmx,
		cols:      cols,
		rows:      rows,
		wake:      make(chan struct{}, 1),
		closed:    make(chan struct{}),
		exited:    make(chan struct{}),
	}
	if ptmx != nil {
		s.w = ptmx
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

func (s *Session) info() Info {
	s.mu.Lock()
	cols, rows := s.cols, s.rows
	s.mu.Unlock()
	return Info{
		ID:             s.id,
		Backend:        s.backendName,
		BackendSession: s.backendSession,
		Persistent:     s.persistent,
		Cwd:            s.cwd,
		Cols:           cols,
		Rows:           rows,
		CreatedAt:      s.createdAt,
	}
}

// enqueue hands data to the writer goroutine. done, when non-nil, must be
// buffered; it receives the result of the write that carried data.
func (s *Session) enqueue(data []byte, done chan error) {
	s.inMu.Lock()
	if s.writerDone {
		err := s.writeErr
		s.inMu.Unlock()
		if done != nil {
			done <- err
		}
		return
	}
	s.pending = append(s.pending, pendingWrite{data: data, done: done})
	s.inMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// writeLoop coalesces everything queued since the last wake-up into a single
// write.
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.wake:
		case <-s.closed:
			s.stopWriter(ErrSessionClosed)
			return
		}

		s.inMu.Lock()
		batch := s.pending
		s.pending = nil
		s.inMu.Unlock()
		if len(batch) == 0 {
			continue
		}

		buf := batch[0].data
		if len(batch) > 1 {
			size := 0
			for _, p := range batch {
				size += len(p.data)
			}
			buf = make([]byte, 0, size)
			for _, p := range batch {
				buf = append(buf, p.data...)
			}
		}

		_, err := s.w.Write(buf)
		if err != nil {
			err = fmt.Errorf("pty: write session %q: %w", s.id, err)
		}
		for _, p := range batch {
			if p.done != nil {
				p.done <- err
			}
		}
		if err != nil {
			s.stopWriter(err)
			return
		}
	}
}

func (s *Session) stopWriter(err error) {
	s.inMu.Lock()
	s.writerDone = true
	s.writeErr = err
	rest := s.pending
	s.pending = nil
	s.inMu.Unlock()

	for _, p := range rest {
		if p.done != nil {
			p.done <- err
		}
	}
}

// readLoop emits Data events until the PTY reports EOF or an error, then
// emits a single Exit event and calls onStop.
func (s *Session) readLoop(q *eventQueue, onStop func(*Session)) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			q.push(Event{
				Type:      EventData,
				SessionID: s.id,
				Data:      append([]byte(nil), buf[:n]...),
			})
		}
		if err != nil || n == 0 {
			break
		}
	}

	s.markClosed()

	var code *int
	select {
	case <-s.exited:
		code = s.exitCode
	case <-time.After(exitCodeWait):
	}
	q.push(Event{Type: EventExit, SessionID: s.id, ExitCode: code})

	if onStop != nil {
		onStop(s)
	}
}

// waitProcess reaps the child and records its exit code.
func (s *Session) waitProcess() {
	_ = s.cmd.Wait()
	if st := s.cmd.ProcessState; st != nil && st.ExitCode() >= 0 {
		code := st.ExitCode()
		s.exitCode = &code
	}
	close(s.exited)
}

func (s *Session) markClosed() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Resize changes the PTY window size.
func (s *Session) Resize(cols, rows uint16) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	if err := creackpty.Setsize(s.ptmx, &creackpty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return err
	}

	s.mu.Lock()
	s.cols = cols
	s.rows = rows
	s.mu.Unlock()
	return nil
}

// Close terminates the child process (SIGTERM) and closes the PTY fd, which
// unblocks the reader and writer. It is safe to call Close multiple times.
func (s *Session) Close() error {
	s.markClosed()

	if s.cmd != nil && s.cmd.Process != nil {
		select {
		case <-s.exited:
		default:
			_ = s.cmd.Process.Signal(syscall.SIGTERM)
		}
	}

	if s.ptmx == nil {
		return nil
	}
	if err := s.ptmx.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}
