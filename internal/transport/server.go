package transport

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

const (
	DefaultAuthTimeout   = 2 * time.Second
	DefaultStateInterval = 500 * time.Millisecond

	defaultWriteTimeout = 10 * time.Second
	defaultReadLimit    = 1 << 20
	defaultInputRate    = 200
	defaultInputBurst   = 400
)

// Sessions is the slice of the session layer a connection drives.
type Sessions interface {
	// Submit queues input and returns a channel signalled after the write.
	Submit(sessionID string, data []byte) (<-chan error, error)
	SendKey(sessionID, key string) (<-chan error, error)
	Resize(sessionID string, cols, rows int)
	// StateVersion is a global counter bumped on every structural change.
	StateVersion() uint64
}

// Authenticator validates bearer tokens.
type Authenticator interface {
	Validate(ctx context.Context, token string) bool
}

type Options struct {
	AuthTimeout   time.Duration
	StateInterval time.Duration
	WriteTimeout  time.Duration
	ReadLimit     int64
	// InputRate limits inbound messages per second per connection.
	InputRate  rate.Limit
	InputBurst int
	// OriginPatterns are passed to websocket.Accept. Nil allows any origin.
	OriginPatterns []string
	Logger         *slog.Logger
}

// Server accepts streaming connections and runs one loop per connection.
type Server struct {
	sessions    Sessions
	auth        Authenticator
	broadcaster *Broadcaster
	opts        Options
	logger      *slog.Logger

	baseCtx  context.Context
	shutdown context.CancelFunc

	wg     sync.WaitGroup
	active atomic.Int64
	nextID atomic.Uint64
}

func NewServer(sessions Sessions, auth Authenticator, broadcaster *Broadcaster, opts Options) *Server {
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = DefaultAuthTimeout
	}
	if opts.StateInterval <= 0 {
		opts.StateInterval = DefaultStateInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.InputRate <= 0 {
		opts.InputRate = defaultInputRate
	}
	if opts.InputBurst <= 0 {
		opts.InputBurst = defaultInputBurst
	}
	if opts.OriginPatterns == nil {
		opts.OriginPatterns = []string{"*"}
	}
	if broadcaster == nil {
		broadcaster = NewBroadcaster(0)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		sessions:    sessions,
		auth:        auth,
		broadcaster: broadcaster,
		opts:        opts,
		logger:      logger,
		baseCtx:     ctx,
		shutdown:    cancel,
	}
}

// Broadcaster returns the fan-out every connection subscribes to.
func (s *Server) Broadcaster() *Broadcaster { return s.broadcaster }

// ConnectionCount returns the number of live connections.
func (s *Server) ConnectionCount() int { return int(s.active.Load()) }

// HandleWebSocket upgrades the request and serves the connection until it
// ends. A token may be supplied as ?token= or an Authorization bearer header;
// otherwise the first message must be an auth message.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.opts.OriginPatterns,
	})
	if err != nil {
		s.logger.Warn("websocket accept error", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.baseCtx, cancel)
	defer stop()

	s.wg.Add(1)
	defer s.wg.Done()
	s.active.Add(1)
	defer s.active.Add(-1)

	c := newConn(s, ws, s.nextID.Add(1))
	c.serve(ctx, token)
}

// Close ends every connection and waits for their loops to return.
func (s *Server) Close() {
	s.shutdown()
	s.wg.Wait()
}

func bearerToken(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
