package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/term"

	"github.com/user/termlink/internal/client"
)

const (
	detachKey      = 0x1d // Ctrl-]
	renderInterval = 30 * time.Millisecond
)

func attach(ctx context.Context, mgr *client.Manager, connID, sessionID string) error {
	if err := mgr.Connect(ctx, connID); err != nil {
		return err
	}
	if err := mgr.Subscribe(ctx, connID, sessionID); err != nil {
		return err
	}
	handle, ok := mgr.Handle(connID, sessionID)
	if !ok {
		return fmt.Errorf("session %q not subscribed", sessionID)
	}
	conn, err := mgr.Get(connID)
	if err != nil {
		return err
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return errors.New("attach needs a terminal")
	}
	resize := func() {
		if cols, rows, err := term.GetSize(fd); err == nil {
			_ = mgr.Resize(ctx, connID, sessionID, cols, rows)
		}
	}
	resize()

	state, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("raw mode: %w", err)
	}
	defer func() {
		_ = term.Restore(fd, state)
		fmt.Print("\x1b[0m\r\n")
	}()

	input := make(chan []byte)
	go readInput(os.Stdin, input)

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)

	ticker := time.NewTicker(renderInterval)
	defer ticker.Stop()

	dirty := true
	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-input:
			if !ok {
				return nil
			}
			detach, err := forwardInput(ctx, mgr, connID, sessionID, data)
			if err != nil {
				return err
			}
			if detach {
				return nil
			}
		case <-winch:
			resize()
			dirty = true
		case u := <-mgr.Updates():
			if u.ConnID != connID {
				continue
			}
			if u.Kind == client.UpdateStatus {
				if s := conn.Status(); s != client.StatusConnected {
					return fmt.Errorf("connection %s: %v", s, conn.Err())
				}
			}
			if u.SessionID == "" || u.SessionID == sessionID {
				dirty = true
			}
		case <-ticker.C:
			if dirty {
				render(os.Stdout, handle)
				dirty = false
			}
		}
	}
}

func readInput(r io.Reader, out chan<- []byte) {
	defer close(out)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			out <- append([]byte(nil), buf[:n]...)
		}
		if err != nil {
			return
		}
	}
}

// forwardInput sends one read from the keyboard. A lone printable character
// goes through the prediction path; anything else, including pastes, is sent
// as text.
func forwardInput(ctx context.Context, mgr *client.Manager, connID, sessionID string, data []byte) (bool, error) {
	if i := strings.IndexByte(string(data), detachKey); i >= 0 {
		if i > 0 {
			if err := mgr.Send(ctx, connID, sessionID, string(data[:i])); err != nil {
				return true, err
			}
		}
		return true, nil
	}
	if r, size := utf8.DecodeRune(data); size == len(data) && r != utf8.RuneError && unicode.IsPrint(r) {
		return false, mgr.Type(ctx, connID, sessionID, r)
	}
	return false, mgr.Send(ctx, connID, sessionID, string(data))
}

// render repaints the whole screen with predictions underlined.
func render(w io.Writer, h *client.Handle) {
	cols, rows := h.Size()
	overlay := make(map[[2]int]rune)
	preds := h.Predictions()
	for _, p := range preds {
		overlay[[2]int{p.Col, p.Row}] = p.Char
	}

	var b strings.Builder
	b.WriteString("\x1b[?25l")
	for y := 0; y < rows; y++ {
		fmt.Fprintf(&b, "\x1b[%d;1H\x1b[2K", y+1)
		for x := 0; x < cols; x++ {
			if ch, ok := overlay[[2]int{x, y}]; ok {
				b.WriteString("\x1b[4m")
				b.WriteRune(ch)
				b.WriteString("\x1b[24m")
				continue
			}
			ch := h.Cell(x, y)
			if ch == 0 {
				ch = ' '
			}
			b.WriteRune(ch)
		}
	}

	cursor := h.Cursor()
	if n := len(preds); n > 0 {
		last := preds[n-1]
		cursor.Col, cursor.Row = last.Col+last.Width, last.Row
	}
	fmt.Fprintf(&b, "\x1b[%d;%dH\x1b[?25h", cursor.Row+1, cursor.Col+1)
	_, _ = io.WriteString(w, b.String())
}
