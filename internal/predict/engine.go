// Package predict implements optimistic local echo for remote terminals.
//
// An Engine guesses where typed printable characters will appear before the
// server echoes them, and retracts guesses that the server frames contradict.
// An Engine is not safe for concurrent use: it must be driven from the single
// goroutine that also delivers key events and server frames for its terminal.
package predict

import (
	"time"
	"unicode"

	"github.com/mattn/go-runewidth"
)

const (
	// StableFrameThreshold is the number of consecutive server frames with an
	// unchanged cursor row required before predictions are displayed.
	StableFrameThreshold = 3

	// TentativeHold is how long the engine stays Tentative after a
	// misprediction before it may return to Active.
	TentativeHold = 500 * time.Millisecond

	// PredictionTimeout is the age after which an unconfirmed prediction is
	// garbage collected.
	PredictionTimeout = 150 * time.Millisecond
)

// State is the engine's confidence mode.
type State int

const (
	StateActive State = iota
	StateTentative
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateTentative:
		return "tentative"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Cursor is a zero-based screen position.
type Cursor struct {
	Col int
	Row int
}

// Cell is one predicted glyph awaiting confirmation.
type Cell struct {
	Col       int
	Row       int
	Char      rune
	Width     int
	Seq       uint64
	CreatedAt time.Time
}

// Engine holds the prediction queue and the confidence state machine.
type Engine struct {
	state State
	cells []Cell

	lastSeq   uint64
	predicted Cursor

	stableFrames int
	lastRow      int
	seenFrame    bool

	tentativeSince time.Time
	epoch          uint64

	now func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New returns an Active engine with an empty queue.
func New(opts ...Option) *Engine {
	e := &Engine{
		state: StateActive,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DisplayWidth returns the number of columns ch occupies: 2 for East Asian
// wide characters, 1 otherwise.
func DisplayWidth(ch rune) int {
	if runewidth.RuneWidth(ch) == 2 {
		return 2
	}
	return 1
}

// ShouldPredict reports whether a keystroke should be echoed locally.
func (e *Engine) ShouldPredict(ch rune, remote bool) bool {
	if !remote || e.state != StateActive {
		return false
	}
	if e.stableFrames < StableFrameThreshold {
		return false
	}
	return unicode.IsPrint(ch)
}

// Predict queues ch at the predicted cursor position. The position is the
// server cursor when the queue is empty, otherwise the cursor after the last
// queued prediction. It refuses characters that would not fit in cols.
func (e *Engine) Predict(ch rune, server Cursor, cols int) (uint64, bool) {
	width := DisplayWidth(ch)

	at := server
	if len(e.cells) > 0 {
		at = e.predicted
	}
	if at.Col >= cols || at.Col+width > cols {
		return 0, false
	}

	e.lastSeq++
	e.cells = append(e.cells, Cell{
		Col:       at.Col,
		Row:       at.Row,
		Char:      ch,
		Width:     width,
		Seq:       e.lastSeq,
		CreatedAt: e.now(),
	})
	e.predicted = Cursor{Col: min(at.Col+width, cols), Row: at.Row}
	return e.lastSeq, true
}

// OnServerFrame reconciles the queue against a rendered server frame.
// acked is the highest input sequence the server has acknowledged.
func (e *Engine) OnServerFrame(acked uint64, server Cursor) {
	if e.seenFrame && server.Row == e.lastRow {
		e.stableFrames++
	} else {
		e.stableFrames = 0
	}
	e.lastRow = server.Row
	e.seenFrame = true

	confirmed := 0
	for confirmed < len(e.cells) && e.cells[confirmed].Seq <= acked {
		confirmed++
	}
	e.dropFront(confirmed)

	if len(e.cells) > 0 && server.Row != e.predicted.Row {
		e.DiscardAll()
		if e.state != StateDisabled {
			e.state = StateTentative
			e.tentativeSince = e.now()
		}
	}

	if e.state == StateTentative &&
		e.now().Sub(e.tentativeSince) >= TentativeHold &&
		e.stableFrames >= StableFrameThreshold {
		e.state = StateActive
	}
}

// GCExpired drops predictions older than PredictionTimeout from the front of
// the queue.
func (e *Engine) GCExpired() {
	now := e.now()
	expired := 0
	for expired < len(e.cells) && now.Sub(e.cells[expired].CreatedAt) > PredictionTimeout {
		expired++
	}
	e.dropFront(expired)
}

// DiscardAll clears the queue and starts a new epoch. Sequence numbers keep
// increasing across epochs.
func (e *Engine) DiscardAll() {
	e.cells = nil
	e.epoch++
}

// Disable stops all predictions until Enable is called.
func (e *Engine) Disable() {
	e.DiscardAll()
	e.state = StateDisabled
}

// Enable leaves the Disabled state. The engine re-enters Active but still
// needs stable frames before ShouldPredict returns true.
func (e *Engine) Enable() {
	if e.state == StateDisabled {
		e.state = StateActive
		e.stableFrames = 0
		e.seenFrame = false
	}
}

// State returns the current confidence mode.
func (e *Engine) State() State { return e.state }

// Epoch increments every time the queue is discarded wholesale.
func (e *Engine) Epoch() uint64 { return e.epoch }

// LastSequence is the sequence number of the most recently issued prediction.
func (e *Engine) LastSequence() uint64 { return e.lastSeq }

// StableFrames is the current count of consecutive same-row frames.
func (e *Engine) StableFrames() int { return e.stableFrames }

// Predictions returns a copy of the outstanding queue in FIFO order.
func (e *Engine) Predictions() []Cell {
	out := make([]Cell, len(e.cells))
	copy(out, e.cells)
	return out
}

func (e *Engine) dropFront(n int) {
	if n == 0 {
		return
	}
	if n >= len(e.cells) {
		e.cells = nil
		return
	}
	e.cells = append([]Cell(nil), e.cells[n:]...)
}
