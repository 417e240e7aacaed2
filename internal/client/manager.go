package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/user/termlink/internal/predict"
	"github.com/user/termlink/internal/registry"
)

const (
	defaultDialTimeout     = 10 * time.Second
	defaultMinBackoff      = 500 * time.Millisecond
	defaultMaxBackoff      = 30 * time.Second
	defaultMaxDialAttempts = 5
	defaultActionTimeout   = 10 * time.Second
	defaultRefreshAfter    = 7 * 24 * time.Hour
	defaultEventBuffer     = 256
	defaultUpdateBuffer    = 256
)

// ProfileStore persists connection profiles and their tokens.
type ProfileStore interface {
	List() []*registry.Profile
	Save(p *registry.Profile) error
	SaveToken(id, token string, acquiredAt, expiresAt time.Time) error
}

type Options struct {
	DialTimeout time.Duration
	// MinBackoff doubles after every failed dial attempt up to MaxBackoff.
	MinBackoff      time.Duration
	MaxBackoff      time.Duration
	MaxDialAttempts int
	ActionTimeout   time.Duration
	// RefreshAfter is the token age after which Connect refreshes it first.
	RefreshAfter time.Duration
	EventBuffer  int
	// DisablePrediction starts every handle with local echo turned off.
	DisablePrediction bool
	PredictOptions    []predict.Option
	HTTPClient        *http.Client
	Now               func() time.Time
	Logger            *slog.Logger
}

// Manager owns every Connection.
type Manager struct {
	store  ProfileStore
	opts   Options
	logger *slog.Logger
	side   sideChannel

	mu      sync.RWMutex
	conns   map[string]*Connection
	closed  bool
	updates chan Update
}

func NewManager(store ProfileStore, opts Options) *Manager {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = defaultMinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = max(defaultMaxBackoff, opts.MinBackoff)
	}
	if opts.MaxDialAttempts <= 0 {
		opts.MaxDialAttempts = defaultMaxDialAttempts
	}
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = defaultActionTimeout
	}
	if opts.RefreshAfter <= 0 {
		opts.RefreshAfter = defaultRefreshAfter
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   store,
		opts:    opts,
		logger:  logger,
		side:    sideChannel{http: httpClient},
		conns:   make(map[string]*Connection),
		updates: make(chan Update, defaultUpdateBuffer),
	}
}

// Updates delivers repaint hints. Updates are dropped when nobody keeps up;
// the handles always hold the current state.
func (m *Manager) Updates() <-chan Update { return m.updates }

func (m *Manager) notify(u Update) {
	select {
	case m.updates <- u:
	default:
	}
}

// Add registers a new remote host and starts its event goroutine.
func (m *Manager) Add(host string, port int, label string) (string, error) {
	p := &registry.Profile{Host: strings.TrimSpace(host), Port: port, Label: label}
	if err := m.store.Save(p); err != nil {
		return "", err
	}
	if err := m.start(*p); err != nil {
		return "", err
	}
	return p.ID, nil
}

// Restore starts a connection for every stored profile not yet known.
func (m *Manager) Restore() int {
	n := 0
	for _, p := range m.store.List() {
		if err := m.start(*p); err == nil {
			n++
		}
	}
	return n
}

func (m *Manager) start(p registry.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.conns[p.ID]; ok {
		return fmt.Errorf("connection %q already started", p.ID)
	}
	c := newConnection(m, p)
	m.conns[p.ID] = c
	go c.run()
	return nil
}

func (m *Manager) Get(id string) (*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownConnection, id)
	}
	return c, nil
}

// Connections returns every connection ordered by id.
func (m *Manager) Connections() []*Connection {
	m.mu.RLock()
	out := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Pair exchanges a pairing code for a token and stores it.
func (m *Manager) Pair(ctx context.Context, id, code, label string) error {
	c, err := m.Get(id)
	if err != nil {
		return err
	}
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	profile := c.Profile()
	tok, err := m.side.pair(ctx, endpointFor(&profile), code, label)
	if err != nil {
		if isUnauthorized(err) {
			err = fmt.Errorf("%w: pairing code rejected", ErrUnauthenticated)
		}
		c.fail(err)
		return err
	}
	if err := c.post(ctx, tokenObtained{token: tok.Token, issuedAt: tok.IssuedAt, expiresAt: tok.ExpiresAt}); err != nil {
		return err
	}
	if c.Status() != StatusConnected {
		if err := c.post(ctx, statusChanged{status: StatusPaired}); err != nil {
			return err
		}
	}
	return c.sync(ctx)
}

// Connect authenticates with the stored token, refreshing it first when it
// is old. Dial failures are retried with doubling backoff inside this call
// only; nothing retries in the background.
func (m *Manager) Connect(ctx context.Context, id string) error {
	c, err := m.Get(id)
	if err != nil {
		return err
	}
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	return m.connect(ctx, c)
}

func (m *Manager) connect(ctx context.Context, c *Connection) error {
	profile := c.Profile()
	if profile.Token == "" {
		c.fail(ErrUnauthenticated)
		return ErrUnauthenticated
	}
	if err := c.post(ctx, statusChanged{status: StatusConnecting}); err != nil {
		return err
	}
	ep := endpointFor(&profile)

	if m.refreshDue(profile) {
		tok, err := m.side.refresh(ctx, ep, profile.Token)
		switch {
		case err == nil:
			profile.Token = tok.Token
			if err := c.post(ctx, tokenObtained{token: tok.Token, issuedAt: tok.IssuedAt, expiresAt: tok.ExpiresAt, refreshed: true}); err != nil {
				return err
			}
		case isUnauthorized(err):
			c.fail(ErrUnauthenticated)
			return fmt.Errorf("%w: token refresh rejected", ErrUnauthenticated)
		default:
			c.logger.Warn("token refresh failed, using existing token", "error", err)
		}
	}

	epoch := c.nextEpoch.Add(1)
	s, err := m.dialWithBackoff(ctx, ep, profile.Token, epoch, c.logger)
	if err != nil {
		c.fail(err)
		return err
	}
	if err := c.post(ctx, streamOpened{stream: s}); err != nil {
		s.close()
		return err
	}
	return c.sync(ctx)
}

func (m *Manager) refreshDue(p registry.Profile) bool {
	now := m.opts.Now()
	if !p.TokenExpiresAt.IsZero() && !now.Before(p.TokenExpiresAt) {
		return true
	}
	return !p.TokenAcquiredAt.IsZero() && now.Sub(p.TokenAcquiredAt) >= m.opts.RefreshAfter
}

func (m *Manager) dialWithBackoff(ctx context.Context, ep endpoint, token string, epoch uint64, logger *slog.Logger) (*stream, error) {
	backoff := m.opts.MinBackoff
	target := ep.streamURL()
	for attempt := 1; ; attempt++ {
		s, err := dialStream(ctx, target, token, epoch, m.opts.DialTimeout, logger)
		if err == nil {
			return s, nil
		}
		if errors.Is(err, ErrUnauthenticated) || attempt >= m.opts.MaxDialAttempts {
			return nil, err
		}
		logger.Warn("dial failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff = min(backoff*2, m.opts.MaxBackoff)
	}
}

// Disconnect closes the stream and clears the cached state.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	c, err := m.Get(id)
	if err != nil {
		return err
	}
	reply := make(chan struct{})
	if err := c.post(ctx, disconnectRequest{reply: reply}); err != nil {
		return err
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconnect is Disconnect followed by Connect. Subscriptions are renegotiated
// because stream ids do not survive a connection.
func (m *Manager) Reconnect(ctx context.Context, id string) error {
	c, err := m.Get(id)
	if err != nil {
		return err
	}
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	if err := m.Disconnect(ctx, id); err != nil {
		return err
	}
	return m.connect(ctx, c)
}

func (m *Manager) Subscribe(ctx context.Context, id string, sessionIDs ...string) error {
	return m.subscription(ctx, id, sessionIDs, false)
}

func (m *Manager) Unsubscribe(ctx context.Context, id string, sessionIDs ...string) error {
	return m.subscription(ctx, id, sessionIDs, true)
}

func (m *Manager) subscription(ctx context.Context, id string, sessionIDs []string, unsubscribe bool) error {
	c, err := m.Get(id)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	return c.request(ctx, subscribeRequest{sessionIDs: sessionIDs, unsubscribe: unsubscribe, reply: reply}, reply)
}

// Send writes text to a remote session.
func (m *Manager) Send(ctx context.Context, id, sessionID, text string) error {
	return m.input(ctx, id, inputRequest{sessionID: sessionID, text: text})
}

// SendKey sends a named key such as "enter" or "c-c".
func (m *Manager) SendKey(ctx context.Context, id, sessionID, key string) error {
	return m.input(ctx, id, inputRequest{sessionID: sessionID, key: key})
}

// Type sends one typed character, echoing it locally when the session's
// prediction engine is confident.
func (m *Manager) Type(ctx context.Context, id, sessionID string, ch rune) error {
	return m.input(ctx, id, inputRequest{sessionID: sessionID, typed: ch})
}

func (m *Manager) input(ctx context.Context, id string, req inputRequest) error {
	c, err := m.Get(id)
	if err != nil {
		return err
	}
	req.reply = make(chan error, 1)
	return c.request(ctx, req, req.reply)
}

// Resize updates the handle and asks the host to resize the PTY.
func (m *Manager) Resize(ctx context.Context, id, sessionID string, cols, rows int) error {
	c, err := m.Get(id)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	return c.request(ctx, resizeRequest{sessionID: sessionID, cols: cols, rows: rows, reply: reply}, reply)
}

// Handle returns the presentation handle of a subscribed session.
func (m *Manager) Handle(id, sessionID string) (*Handle, bool) {
	c, err := m.Get(id)
	if err != nil {
		return nil, false
	}
	return c.handle(sessionID)
}

// ExecuteAction posts an opaque action to the host's side-channel API and
// returns the raw response body.
func (m *Manager) ExecuteAction(ctx context.Context, id string, action any) ([]byte, error) {
	c, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	profile := c.Profile()
	if profile.Token == "" {
		return nil, ErrUnauthenticated
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.ActionTimeout)
	defer cancel()
	return m.side.action(ctx, endpointFor(&profile), profile.Token, action)
}

// Close stops every connection.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.stop()
	}
}

func isUnauthorized(err error) bool {
	var actionErr *ActionError
	return errors.As(err, &actionErr) && actionErr.Status == http.StatusUnauthorized
}
