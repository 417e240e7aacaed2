package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/termlink/internal/registry"
	"github.com/user/termlink/internal/session"
	"github.com/user/termlink/internal/transport"
)

const (
	predictionGCInterval = 50 * time.Millisecond
	stateFetchTimeout    = 10 * time.Second
)

// Events consumed by the connection's event goroutine.
type (
	event interface{}

	statusChanged struct {
		status Status
		err    error
	}
	tokenObtained struct {
		token     string
		issuedAt  time.Time
		expiresAt time.Time
		refreshed bool
	}
	stateReceived struct {
		epoch uint64
		state session.State
	}
	subscriptionMappings struct {
		epoch    uint64
		mappings map[string]uint32
	}
	serverWarning struct {
		message string
	}
	streamOpened struct {
		stream *stream
	}
	streamClosed struct {
		epoch uint64
		err   error
	}
	frameReceived struct {
		epoch    uint64
		streamID uint32
		payload  []byte
	}
	ackReceived struct {
		epoch     uint64
		sessionID string
		seq       uint64
	}
	stateChanged struct {
		epoch   uint64
		version uint64
	}
	stateFetchFailed struct {
		epoch uint64
		err   error
	}
	subscribeRequest struct {
		sessionIDs  []string
		unsubscribe bool
		reply       chan error
	}
	inputRequest struct {
		sessionID string
		text      string
		key       string
		typed     rune
		reply     chan error
	}
	resizeRequest struct {
		sessionID  string
		cols, rows int
		reply      chan error
	}
	disconnectRequest struct {
		reply chan struct{}
	}
	barrier struct {
		reply chan struct{}
	}
)

// Connection is the client-side state for one remote host. Exported getters
// read a copy published by the event goroutine.
type Connection struct {
	id      string
	mgr     *Manager
	events  chan event
	done    chan struct{}
	stopped chan struct{}
	logger  *slog.Logger

	// connectMu serializes Connect, Pair and Reconnect.
	connectMu sync.Mutex
	nextEpoch atomic.Uint64

	mu       sync.RWMutex
	status   Status
	lastErr  error
	profile  registry.Profile
	snapshot *session.State
	handles  map[string]*Handle

	// Owned by the event goroutine.
	epoch        uint64
	stream       *stream
	byStream     map[uint32]string
	interest     map[string]struct{}
	fetching     bool
	refetch      bool
	knownVersion uint64
}

func newConnection(mgr *Manager, profile registry.Profile) *Connection {
	return &Connection{
		id:       profile.ID,
		mgr:      mgr,
		events:   make(chan event, mgr.opts.EventBuffer),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		logger:   mgr.logger.With("conn", profile.ID),
		status:   StatusDisconnected,
		profile:  profile,
		handles:  make(map[string]*Handle),
		byStream: make(map[uint32]string),
		interest: make(map[string]struct{}),
	}
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Err returns the error behind the last StatusError transition.
func (c *Connection) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

func (c *Connection) Profile() registry.Profile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.profile
}

// Snapshot returns the cached state, or nil when none has been fetched since
// the last connect.
func (c *Connection) Snapshot() *session.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snapshot == nil {
		return nil
	}
	cp := *c.snapshot
	cp.Sessions = append([]session.Info(nil), c.snapshot.Sessions...)
	return &cp
}

func (c *Connection) handle(sessionID string) (*Handle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handles[sessionID]
	return h, ok
}

// post hands ev to the event goroutine, blocking while the queue is full.
func (c *Connection) post(ctx context.Context, ev event) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.events <- ev:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// request posts ev and waits for its reply.
func (c *Connection) request(ctx context.Context, ev event, reply chan error) error {
	if err := c.post(ctx, ev); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sync returns once every event posted before it has been handled.
func (c *Connection) sync(ctx context.Context) error {
	reply := make(chan struct{})
	if err := c.post(ctx, barrier{reply: reply}); err != nil {
		return err
	}
	select {
	case <-reply:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fail moves to StatusError and returns once the change is visible.
func (c *Connection) fail(err error) {
	ctx := context.Background()
	if c.post(ctx, statusChanged{status: StatusError, err: err}) == nil {
		_ = c.sync(ctx)
	}
}

func (c *Connection) stop() {
	close(c.done)
	<-c.stopped
}

func (c *Connection) run() {
	defer close(c.stopped)
	ticker := time.NewTicker(predictionGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			c.closeStream()
			return
		case <-ticker.C:
			c.gcPredictions()
		case ev := <-c.events:
			c.dispatch(ev)
		}
	}
}

func (c *Connection) dispatch(ev event) {
	switch ev := ev.(type) {
	case statusChanged:
		c.setStatus(ev.status, ev.err)

	case tokenObtained:
		c.mu.Lock()
		c.profile.Token = ev.token
		c.profile.TokenAcquiredAt = ev.issuedAt
		c.profile.TokenExpiresAt = ev.expiresAt
		c.mu.Unlock()
		if err := c.mgr.store.SaveToken(c.id, ev.token, ev.issuedAt, ev.expiresAt); err != nil {
			c.logger.Warn("failed to persist token", "error", err)
		}
		c.logger.Info("token stored", "refreshed", ev.refreshed, "expires_at", ev.expiresAt)

	case stateReceived:
		if ev.epoch != c.epoch {
			return
		}
		c.fetching = false
		if c.stream == nil {
			return
		}
		c.applyState(ev.state)
		c.fetchPending()

	case stateFetchFailed:
		if ev.epoch != c.epoch {
			return
		}
		c.fetching = false
		c.logger.Warn("state fetch failed", "error", ev.err)
		if c.stream != nil {
			c.fetchPending()
		}

	case subscriptionMappings:
		if ev.epoch != c.epoch || c.stream == nil {
			return
		}
		table := make(map[uint32]string, len(ev.mappings))
		for sessionID, streamID := range ev.mappings {
			table[streamID] = sessionID
		}
		c.byStream = table

	case serverWarning:
		c.logger.Warn("server warning", "message", ev.message)

	case streamOpened:
		c.openStream(ev.stream)

	case streamClosed:
		if ev.epoch != c.epoch || c.stream == nil {
			return
		}
		c.stream = nil
		c.byStream = make(map[uint32]string)
		if ev.err != nil {
			c.setStatus(StatusError, ev.err)
		} else {
			c.setStatus(StatusDisconnected, nil)
		}

	case frameReceived:
		if ev.epoch != c.epoch || c.stream == nil {
			return
		}
		sessionID, ok := c.byStream[ev.streamID]
		if !ok {
			return
		}
		if h, ok := c.handle(sessionID); ok {
			h.observe(ev.payload)
			c.mgr.notify(Update{ConnID: c.id, SessionID: sessionID, Kind: UpdateOutput})
		}

	case ackReceived:
		if ev.epoch != c.epoch {
			return
		}
		if h, ok := c.handle(ev.sessionID); ok {
			h.ack(ev.seq)
		}

	case stateChanged:
		if ev.epoch != c.epoch || c.stream == nil || ev.version == c.knownVersion {
			return
		}
		c.fetchState()

	case subscribeRequest:
		ev.reply <- c.subscribe(ev.sessionIDs, ev.unsubscribe)

	case inputRequest:
		ev.reply <- c.input(ev)

	case resizeRequest:
		ev.reply <- c.resize(ev.sessionID, ev.cols, ev.rows)

	case disconnectRequest:
		c.closeStream()
		c.setStatus(StatusDisconnected, nil)
		close(ev.reply)

	case barrier:
		close(ev.reply)
	}
}

func (c *Connection) setStatus(status Status, err error) {
	c.mu.Lock()
	changed := c.status != status
	c.status = status
	c.lastErr = err
	c.mu.Unlock()
	if changed {
		c.logger.Info("connection status changed", "status", status)
		c.mgr.notify(Update{ConnID: c.id, Kind: UpdateStatus})
	}
}

// openStream makes s the current stream. Everything tied to the previous
// epoch is dropped and the interest set is resubscribed.
func (c *Connection) openStream(s *stream) {
	c.closeStream()
	c.epoch = s.epoch
	c.stream = s
	s.start(c.events)
	c.setStatus(StatusConnected, nil)

	if len(c.interest) > 0 {
		ids := make([]string, 0, len(c.interest))
		for id := range c.interest {
			ids = append(ids, id)
		}
		if err := s.send(transport.ClientMessage{Type: transport.TypeSubscribe, TerminalIDs: ids}); err != nil {
			c.logger.Warn("resubscribe failed", "error", err)
		}
	}
	c.fetchState()
}

// closeStream tears down the current stream and everything derived from it.
func (c *Connection) closeStream() {
	if c.stream != nil {
		c.stream.close()
		c.stream = nil
	}
	c.byStream = make(map[uint32]string)
	c.knownVersion = 0
	// A fetch still in flight belongs to the old epoch; its result is dropped.
	c.fetching = false
	c.refetch = false

	c.mu.Lock()
	c.snapshot = nil
	handles := make([]*Handle, 0, len(c.handles))
	for _, h := range c.handles {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	for _, h := range handles {
		h.discardPredictions()
	}
}

func (c *Connection) fetchState() {
	if c.fetching {
		c.refetch = true
		return
	}
	c.fetching = true

	epoch := c.epoch
	profile := c.Profile()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), stateFetchTimeout)
		defer cancel()
		state, err := c.mgr.side.state(ctx, endpointFor(&profile), profile.Token)
		var ev event = stateReceived{epoch: epoch, state: state}
		if err != nil {
			ev = stateFetchFailed{epoch: epoch, err: err}
		}
		select {
		case c.events <- ev:
		case <-c.done:
		}
	}()
}

// fetchPending runs a fetch that was requested while another was in flight.
func (c *Connection) fetchPending() {
	if c.refetch {
		c.refetch = false
		c.fetchState()
	}
}

func (c *Connection) applyState(state session.State) {
	if state.StateVersion < c.knownVersion {
		return
	}
	c.knownVersion = state.StateVersion

	c.mu.Lock()
	c.snapshot = &state
	handles := make(map[string]*Handle, len(c.handles))
	for id, h := range c.handles {
		handles[id] = h
	}
	c.mu.Unlock()

	for _, info := range state.Sessions {
		if h, ok := handles[info.ID]; ok {
			h.resize(info.Cols, info.Rows)
		}
	}
	c.mgr.notify(Update{ConnID: c.id, Kind: UpdateState})
}

func (c *Connection) subscribe(ids []string, unsubscribe bool) error {
	var changed []string
	if unsubscribe {
		c.mu.Lock()
		for _, id := range ids {
			if _, ok := c.interest[id]; ok {
				delete(c.interest, id)
				delete(c.handles, id)
				changed = append(changed, id)
			}
		}
		c.mu.Unlock()
		if c.stream == nil || len(changed) == 0 {
			return nil
		}
		return c.stream.send(transport.ClientMessage{Type: transport.TypeUnsubscribe, TerminalIDs: changed})
	}

	sizes := make(map[string][2]int)
	c.mu.Lock()
	if c.snapshot != nil {
		for _, info := range c.snapshot.Sessions {
			sizes[info.ID] = [2]int{info.Cols, info.Rows}
		}
	}
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := c.handles[id]; !ok {
			size := sizes[id]
			c.handles[id] = newHandle(id, size[0], size[1], c.mgr.opts.DisablePrediction, c.mgr.opts.PredictOptions...)
		}
		c.interest[id] = struct{}{}
		changed = append(changed, id)
	}
	c.mu.Unlock()

	if c.stream == nil || len(changed) == 0 {
		return nil
	}
	return c.stream.send(transport.ClientMessage{Type: transport.TypeSubscribe, TerminalIDs: changed})
}

func (c *Connection) input(req inputRequest) error {
	if c.stream == nil {
		return ErrNotConnected
	}
	msg := transport.ClientMessage{TerminalID: req.sessionID}
	h, hasHandle := c.handle(req.sessionID)

	switch {
	case req.key != "":
		msg.Type = transport.TypeSendSpecialKey
		msg.Key = req.key
		if hasHandle {
			msg.Seq = h.lastSequence()
		}
	case req.typed != 0:
		msg.Type = transport.TypeSendText
		msg.Text = string(req.typed)
		if hasHandle {
			seq, predicted := h.predict(req.typed)
			msg.Seq = seq
			if predicted {
				c.mgr.notify(Update{ConnID: c.id, SessionID: req.sessionID, Kind: UpdatePredictions})
			}
		}
	default:
		msg.Type = transport.TypeSendText
		msg.Text = req.text
		if hasHandle {
			msg.Seq = h.lastSequence()
		}
	}
	return c.stream.send(msg)
}

func (c *Connection) resize(sessionID string, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return errors.New("client: cols and rows must be positive")
	}
	if h, ok := c.handle(sessionID); ok {
		h.resize(cols, rows)
	}
	if c.stream == nil {
		return ErrNotConnected
	}
	return c.stream.send(transport.ClientMessage{Type: transport.TypeResize, TerminalID: sessionID, Cols: cols, Rows: rows})
}

func (c *Connection) gcPredictions() {
	c.mu.RLock()
	handles := make([]*Handle, 0, len(c.handles))
	for _, h := range c.handles {
		handles = append(handles, h)
	}
	c.mu.RUnlock()

	for _, h := range handles {
		if h.gc() {
			c.mgr.notify(Update{ConnID: c.id, SessionID: h.SessionID(), Kind: UpdatePredictions})
		}
	}
}
