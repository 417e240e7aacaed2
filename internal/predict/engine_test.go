package predict

import (
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestEngine() (*Engine, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(WithClock(clock.now)), clock
}

// stabilize feeds enough same-row frames to satisfy the stability threshold.
func stabilize(e *Engine, row int) {
	for i := 0; i <= StableFrameThreshold; i++ {
		e.OnServerFrame(0, Cursor{Col: 0, Row: row})
	}
}

func TestDisplayWidth(t *testing.T) {
	tests := []struct {
		ch   rune
		want int
	}{
		{'a', 1},
		{' ', 1},
		{'é', 1},
		{'世', 2},
		{'가', 2},
		{'ｱ', 1},
	}
	for _, tt := range tests {
		if got := DisplayWidth(tt.ch); got != tt.want {
			t.Errorf("DisplayWidth(%q) = %d, want %d", tt.ch, got, tt.want)
		}
	}
}

func TestShouldPredict(t *testing.T) {
	e, _ := newTestEngine()

	if e.ShouldPredict('a', true) {
		t.Fatal("should not predict before stable frames")
	}
	stabilize(e, 0)

	if !e.ShouldPredict('a', true) {
		t.Fatal("expected prediction once stable")
	}
	if e.ShouldPredict('a', false) {
		t.Fatal("local terminals never predict")
	}
	if e.ShouldPredict('\r', true) {
		t.Fatal("control characters are not predicted")
	}

	e.Disable()
	if e.ShouldPredict('a', true) {
		t.Fatal("disabled engine predicted")
	}
}

func TestPredictCursorAdvancesByWidth(t *testing.T) {
	e, _ := newTestEngine()
	stabilize(e, 3)

	input := []rune("ab世c가d")
	cols := 12
	lastCol := -1
	var lastSeq uint64
	for _, ch := range input {
		seq, ok := e.Predict(ch, Cursor{Col: 0, Row: 3}, cols)
		if !ok {
			t.Fatalf("Predict(%q) rejected", ch)
		}
		if seq <= lastSeq {
			t.Fatalf("sequence %d not greater than %d", seq, lastSeq)
		}
		lastSeq = seq

		cells := e.Predictions()
		cell := cells[len(cells)-1]
		if cell.Col <= lastCol {
			t.Fatalf("column %d did not advance past %d", cell.Col, lastCol)
		}
		if cell.Col+cell.Width > cols {
			t.Fatalf("cell at %d width %d exceeds %d cols", cell.Col, cell.Width, cols)
		}
		lastCol = cell.Col
	}

	cells := e.Predictions()
	wantCols := []int{0, 1, 2, 4, 5, 7}
	for i, c := range cells {
		if c.Col != wantCols[i] {
			t.Errorf("cell %d col = %d, want %d", i, c.Col, wantCols[i])
		}
	}
}

func TestPredictRejectsWideAtLineEnd(t *testing.T) {
	e, _ := newTestEngine()
	stabilize(e, 0)

	if _, ok := e.Predict('a', Cursor{Col: 78, Row: 0}, 80); !ok {
		t.Fatal("'a' at column 78 should be accepted")
	}
	cells := e.Predictions()
	if cells[0].Col != 78 || cells[0].Width != 1 {
		t.Fatalf("unexpected cell %+v", cells[0])
	}

	if seq, ok := e.Predict('世', Cursor{Col: 78, Row: 0}, 80); ok {
		t.Fatalf("wide char at column 79 accepted with seq %d", seq)
	}
	if got := len(e.Predictions()); got != 1 {
		t.Fatalf("queue length = %d, want 1", got)
	}
}

func TestPredictSaturatesAtCols(t *testing.T) {
	e, _ := newTestEngine()

	if _, ok := e.Predict('x', Cursor{Col: 79, Row: 0}, 80); !ok {
		t.Fatal("last column should be predictable")
	}
	if _, ok := e.Predict('y', Cursor{Col: 79, Row: 0}, 80); ok {
		t.Fatal("prediction past the line width accepted")
	}
	if _, ok := e.Predict('z', Cursor{Col: 80, Row: 0}, 80); ok {
		t.Fatal("prediction at cols accepted")
	}
}

func TestOnServerFrameAcksPrefix(t *testing.T) {
	e, _ := newTestEngine()
	stabilize(e, 0)

	var seqs []uint64
	for _, ch := range "abcd" {
		seq, _ := e.Predict(ch, Cursor{Col: 0, Row: 0}, 80)
		seqs = append(seqs, seq)
	}

	e.OnServerFrame(seqs[1], Cursor{Col: 2, Row: 0})
	cells := e.Predictions()
	if len(cells) != 2 || cells[0].Char != 'c' {
		t.Fatalf("after ack of %d got %+v", seqs[1], cells)
	}

	e.OnServerFrame(seqs[1], Cursor{Col: 2, Row: 0})
	if got := e.Predictions(); len(got) != 2 {
		t.Fatalf("repeated frame changed queue: %+v", got)
	}

	// Stale acks are harmless.
	e.OnServerFrame(seqs[0], Cursor{Col: 2, Row: 0})
	if got := e.Predictions(); len(got) != 2 {
		t.Fatalf("stale ack changed queue: %+v", got)
	}
	if e.State() != StateActive {
		t.Fatalf("state = %v, want active", e.State())
	}
}

func TestOnServerFrameIdempotent(t *testing.T) {
	e, _ := newTestEngine()
	stabilize(e, 1)
	for _, ch := range "hello" {
		e.Predict(ch, Cursor{Col: 4, Row: 1}, 80)
	}

	e.OnServerFrame(2, Cursor{Col: 6, Row: 1})
	first := e.Predictions()
	e.OnServerFrame(2, Cursor{Col: 6, Row: 1})
	second := e.Predictions()

	if len(first) != len(second) {
		t.Fatalf("queue changed from %d to %d cells", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("cell %d changed: %+v -> %+v", i, first[i], second[i])
		}
	}
}

func TestRowMismatchDiscardsEverything(t *testing.T) {
	for _, n := range []int{1, 2, 7} {
		e, _ := newTestEngine()
		stabilize(e, 5)
		for i := 0; i < n; i++ {
			e.Predict('x', Cursor{Col: 0, Row: 5}, 80)
		}
		epoch := e.Epoch()

		e.OnServerFrame(0, Cursor{Col: 0, Row: 6})

		if got := len(e.Predictions()); got != 0 {
			t.Errorf("n=%d: %d predictions left", n, got)
		}
		if e.State() != StateTentative {
			t.Errorf("n=%d: state = %v, want tentative", n, e.State())
		}
		if e.Epoch() != epoch+1 {
			t.Errorf("n=%d: epoch = %d, want %d", n, e.Epoch(), epoch+1)
		}
	}
}

func TestRowChangeWithoutPredictionsStaysActive(t *testing.T) {
	e, _ := newTestEngine()
	stabilize(e, 0)
	e.OnServerFrame(0, Cursor{Col: 0, Row: 1})

	if e.State() != StateActive {
		t.Fatalf("state = %v, want active", e.State())
	}
	if e.StableFrames() != 0 {
		t.Fatalf("stable frames = %d after row change", e.StableFrames())
	}
}

func TestTentativeNeedsTimeAndStability(t *testing.T) {
	e, clock := newTestEngine()
	stabilize(e, 0)
	e.Predict('a', Cursor{Col: 0, Row: 0}, 80)
	e.OnServerFrame(0, Cursor{Col: 0, Row: 1})
	if e.State() != StateTentative {
		t.Fatalf("state = %v, want tentative", e.State())
	}

	// Stable frames alone are not enough.
	for i := 0; i < 5; i++ {
		e.OnServerFrame(0, Cursor{Col: 0, Row: 1})
	}
	if e.State() != StateTentative {
		t.Fatal("left tentative before hold elapsed")
	}

	// Time alone is not enough either: a row change resets stability.
	clock.advance(TentativeHold)
	e.OnServerFrame(0, Cursor{Col: 0, Row: 2})
	if e.State() != StateTentative {
		t.Fatal("left tentative without stable frames")
	}

	for i := 0; i < StableFrameThreshold-1; i++ {
		e.OnServerFrame(0, Cursor{Col: 0, Row: 2})
	}
	if e.State() != StateTentative {
		t.Fatal("left tentative one frame early")
	}
	e.OnServerFrame(0, Cursor{Col: 0, Row: 2})
	if e.State() != StateActive {
		t.Fatalf("state = %v, want active", e.State())
	}
}

func TestGCExpired(t *testing.T) {
	e, clock := newTestEngine()
	e.Predict('a', Cursor{}, 80)
	clock.advance(100 * time.Millisecond)
	e.Predict('b', Cursor{}, 80)

	clock.advance(60 * time.Millisecond)
	e.GCExpired()
	cells := e.Predictions()
	if len(cells) != 1 || cells[0].Char != 'b' {
		t.Fatalf("after first gc got %+v", cells)
	}

	clock.advance(100 * time.Millisecond)
	e.GCExpired()
	if got := len(e.Predictions()); got != 0 {
		t.Fatalf("after second gc %d predictions left", got)
	}
}

func TestSequenceMonotonicAcrossDiscards(t *testing.T) {
	e, _ := newTestEngine()
	s1, _ := e.Predict('a', Cursor{}, 80)
	e.DiscardAll()
	s2, _ := e.Predict('b', Cursor{}, 80)
	e.Disable()
	e.Enable()
	s3, _ := e.Predict('c', Cursor{}, 80)

	if !(s1 < s2 && s2 < s3) {
		t.Fatalf("sequences not increasing: %d %d %d", s1, s2, s3)
	}
	if e.LastSequence() != s3 {
		t.Fatalf("LastSequence = %d, want %d", e.LastSequence(), s3)
	}
	if e.Epoch() != 2 {
		t.Fatalf("epoch = %d, want 2", e.Epoch())
	}
}

func TestPredictionStartsFromServerCursorWhenQueueEmpty(t *testing.T) {
	e, _ := newTestEngine()
	e.Predict('a', Cursor{Col: 3, Row: 0}, 80)
	e.OnServerFrame(1, Cursor{Col: 10, Row: 0})

	e.Predict('b', Cursor{Col: 10, Row: 0}, 80)
	cells := e.Predictions()
	if len(cells) != 1 || cells[0].Col != 10 {
		t.Fatalf("got %+v, want one cell at col 10", cells)
	}
}
