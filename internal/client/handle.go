package client

import (
	"strings"
	"sync"

	"github.com/hinshun/vt10x"

	"github.com/user/termlink/internal/predict"
)

const (
	defaultCols = 80
	defaultRows = 24
)

// Handle is the presentation object for one remote session. Its screen is
// fed only by the owning connection's event goroutine; the exported methods
// are safe to call from anywhere.
type Handle struct {
	sessionID string

	mu     sync.RWMutex
	term   vt10x.Terminal
	cols   int
	rows   int
	engine *predict.Engine
	acked  uint64
	remote bool
}

func newHandle(sessionID string, cols, rows int, disabled bool, opts ...predict.Option) *Handle {
	if cols <= 0 {
		cols = defaultCols
	}
	if rows <= 0 {
		rows = defaultRows
	}
	engine := predict.New(opts...)
	if disabled {
		engine.Disable()
	}
	return &Handle{
		sessionID: sessionID,
		term:      vt10x.New(vt10x.WithSize(cols, rows)),
		cols:      cols,
		rows:      rows,
		engine:    engine,
		remote:    true,
	}
}

func (h *Handle) SessionID() string { return h.sessionID }

func (h *Handle) Size() (cols, rows int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cols, h.rows
}

// Cursor returns the server-confirmed cursor position.
func (h *Handle) Cursor() predict.Cursor {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cursorLocked()
}

func (h *Handle) cursorLocked() predict.Cursor {
	h.term.Lock()
	defer h.term.Unlock()
	c := h.term.Cursor()
	return predict.Cursor{Col: c.X, Row: c.Y}
}

// Cell returns the confirmed character at col, row.
func (h *Handle) Cell(col, row int) rune {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.term.Lock()
	defer h.term.Unlock()
	if col < 0 || row < 0 || col >= h.cols || row >= h.rows {
		return 0
	}
	return h.term.Cell(col, row).Char
}

// Text returns the visible screen with trailing blanks trimmed per line.
func (h *Handle) Text() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.term.Lock()
	defer h.term.Unlock()

	lines := make([]string, 0, h.rows)
	for y := 0; y < h.rows; y++ {
		var b strings.Builder
		for x := 0; x < h.cols; x++ {
			ch := h.term.Cell(x, y).Char
			if ch == 0 {
				ch = ' '
			}
			b.WriteRune(ch)
		}
		lines = append(lines, strings.TrimRight(b.String(), " "))
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}

// Predictions returns the glyphs to overlay on top of the confirmed screen.
func (h *Handle) Predictions() []predict.Cell {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.engine.Predictions()
}

func (h *Handle) PredictionState() predict.State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.engine.State()
}

// PredictionEpoch changes whenever all predictions were discarded at once.
func (h *Handle) PredictionEpoch() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.engine.Epoch()
}

// observe feeds server output into the screen and reconciles predictions.
func (h *Handle) observe(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, _ = h.term.Write(data)
	h.engine.OnServerFrame(h.acked, h.cursorLocked())
}

func (h *Handle) ack(seq uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if seq > h.acked {
		h.acked = seq
	}
}

// predict returns the sequence covering ch, and whether ch was echoed
// locally.
func (h *Handle) predict(ch rune) (uint64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.engine.ShouldPredict(ch, h.remote) {
		return h.engine.LastSequence(), false
	}
	seq, ok := h.engine.Predict(ch, h.cursorLocked(), h.cols)
	if !ok {
		return h.engine.LastSequence(), false
	}
	return seq, true
}

func (h *Handle) lastSequence() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.engine.LastSequence()
}

// gc drops stale predictions and reports whether any were removed.
func (h *Handle) gc() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	before := len(h.engine.Predictions())
	if before == 0 {
		return false
	}
	h.engine.GCExpired()
	return len(h.engine.Predictions()) != before
}

func (h *Handle) discardPredictions() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.engine.DiscardAll()
}

func (h *Handle) resize(cols, rows int) bool {
	if cols <= 0 || rows <= 0 {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if cols == h.cols && rows == h.rows {
		return false
	}
	h.term.Resize(cols, rows)
	h.cols, h.rows = cols, rows
	h.engine.DiscardAll()
	return true
}
