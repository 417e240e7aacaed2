package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/user/termlink/internal/pty"
)

// conn is one client's duplex loop. Everything except the socket reader and
// the ack waiters runs on the serve goroutine, so the stream table needs no
// lock.
type conn struct {
	srv    *Server
	ws     *websocket.Conn
	logger *slog.Logger

	streams    map[string]uint32
	nextStream uint32
	interest   map[string]struct{}

	lastVersion uint64
	limiter     *rate.Limiter
	outbox      chan any
}

type readResult struct {
	data []byte
	err  error
}

func newConn(srv *Server, ws *websocket.Conn, id uint64) *conn {
	ws.SetReadLimit(srv.opts.ReadLimit)
	return &conn{
		srv:      srv,
		ws:       ws,
		logger:   srv.logger.With("conn", id),
		streams:  make(map[string]uint32),
		interest: make(map[string]struct{}),
		limiter:  rate.NewLimiter(srv.opts.InputRate, srv.opts.InputBurst),
		outbox:   make(chan any, 64),
	}
}

func (c *conn) serve(ctx context.Context, token string) {
	defer c.ws.CloseNow()

	reads := make(chan readResult)
	go c.readLoop(ctx, reads)

	if !c.authenticate(ctx, token, reads) {
		return
	}
	c.logger.Info("client connected")
	defer c.logger.Info("client disconnected")

	sub := c.srv.broadcaster.Subscribe()
	defer sub.Close()

	ticker := time.NewTicker(c.srv.opts.StateInterval)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-ctx.Done():
			return

		case r := <-reads:
			if r.err != nil {
				if status := websocket.CloseStatus(r.err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
					c.logger.Debug("read ended", "error", r.err)
				}
				return
			}
			var keepOpen bool
			keepOpen, err = c.handle(ctx, r.data)
			if err == nil && !keepOpen {
				c.ws.Close(websocket.StatusNormalClosure, "")
				return
			}

		case ev := <-sub.C():
			err = c.forward(ctx, ev)

		case <-sub.Lagged():
			if n := sub.TakeDropped(); n > 0 {
				c.logger.Warn("connection lagging, output dropped", "count", n)
				err = c.write(ctx, DroppedMessage{Type: TypeDropped, Count: n})
			}

		case msg := <-c.outbox:
			err = c.write(ctx, msg)

		case <-ticker.C:
			if v := c.srv.sessions.StateVersion(); v != c.lastVersion {
				c.lastVersion = v
				err = c.write(ctx, StateChangedMessage{Type: TypeStateChanged, StateVersion: v})
			}
		}
		if err != nil {
			c.logger.Debug("send failed", "error", err)
			return
		}
	}
}

// readLoop owns the socket's read side for the whole connection.
func (c *conn) readLoop(ctx context.Context, out chan<- readResult) {
	for {
		_, data, err := c.ws.Read(ctx)
		select {
		case out <- readResult{data: data, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *conn) authenticate(ctx context.Context, token string, reads <-chan readResult) bool {
	if token == "" {
		timer := time.NewTimer(c.srv.opts.AuthTimeout)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			c.rejectAuth(ctx, "authentication timeout")
			return false
		case r := <-reads:
			if r.err != nil {
				return false
			}
			var msg ClientMessage
			if err := json.Unmarshal(r.data, &msg); err != nil || msg.Type != TypeAuth {
				c.rejectAuth(ctx, "expected auth message")
				return false
			}
			token = msg.Token
		}
	}

	if !c.srv.auth.Validate(ctx, token) {
		c.rejectAuth(ctx, "invalid token")
		return false
	}
	return c.write(ctx, AuthOKMessage{Type: TypeAuthOK}) == nil
}

func (c *conn) rejectAuth(ctx context.Context, reason string) {
	c.logger.Warn("authentication failed", "reason", reason)
	_ = c.write(ctx, AuthFailedMessage{Type: TypeAuthFailed, Error: reason})
	c.ws.Close(websocket.StatusPolicyViolation, "authentication failed")
}

// handle processes one inbound message. It returns false when the client
// asked to close.
func (c *conn) handle(ctx context.Context, data []byte) (bool, error) {
	if !c.limiter.Allow() {
		return true, c.writeError(ctx, "rate limit exceeded")
	}

	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return true, c.writeError(ctx, "invalid message format")
	}

	switch msg.Type {
	case TypeSubscribe:
		for _, id := range msg.TerminalIDs {
			if id == "" {
				continue
			}
			if _, ok := c.streams[id]; !ok {
				c.nextStream++
				c.streams[id] = c.nextStream
			}
			c.interest[id] = struct{}{}
		}
		mappings := make(map[string]uint32, len(c.streams))
		for id, sid := range c.streams {
			mappings[id] = sid
		}
		return true, c.write(ctx, SubscribedMessage{Type: TypeSubscribed, Mappings: mappings})

	case TypeUnsubscribe:
		for _, id := range msg.TerminalIDs {
			delete(c.interest, id)
		}
		return true, nil

	case TypeSendText:
		done, err := c.srv.sessions.Submit(msg.TerminalID, []byte(msg.Text))
		return true, c.awaitWrite(ctx, msg, done, err)

	case TypeSendSpecialKey:
		done, err := c.srv.sessions.SendKey(msg.TerminalID, msg.Key)
		return true, c.awaitWrite(ctx, msg, done, err)

	case TypeResize:
		if msg.TerminalID == "" || msg.Cols <= 0 || msg.Rows <= 0 {
			return true, c.writeError(ctx, "resize requires terminal_id, cols and rows")
		}
		c.srv.sessions.Resize(msg.TerminalID, msg.Cols, msg.Rows)
		return true, nil

	case TypePing:
		return true, c.write(ctx, PongMessage{Type: TypePong})

	case TypeClose:
		return false, nil

	case TypeAuth:
		return true, c.writeError(ctx, "already authenticated")

	default:
		return true, c.writeError(ctx, "unknown message type: "+msg.Type)
	}
}

// awaitWrite acks msg once the session writer reports completion. Waiting
// happens off the loop; replies come back through the outbox.
func (c *conn) awaitWrite(ctx context.Context, msg ClientMessage, done <-chan error, err error) error {
	if err != nil {
		return c.writeError(ctx, err.Error())
	}
	go func() {
		var reply any
		select {
		case werr := <-done:
			if werr != nil {
				reply = ErrorMessage{Type: TypeError, Error: werr.Error()}
			} else {
				reply = AckMessage{Type: TypeAck, TerminalID: msg.TerminalID, Seq: msg.Seq}
			}
		case <-ctx.Done():
			return
		}
		select {
		case c.outbox <- reply:
		case <-ctx.Done():
		}
	}()
	return nil
}

func (c *conn) forward(ctx context.Context, ev pty.Event) error {
	if ev.Type != pty.EventData {
		return nil
	}
	if _, ok := c.interest[ev.SessionID]; !ok {
		return nil
	}
	sid := c.streams[ev.SessionID]

	wctx, cancel := context.WithTimeout(ctx, c.srv.opts.WriteTimeout)
	defer cancel()
	if err := c.ws.Write(wctx, websocket.MessageBinary, EncodeFrame(sid, ev.Data)); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *conn) write(ctx context.Context, v any) error {
	wctx, cancel := context.WithTimeout(ctx, c.srv.opts.WriteTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, c.ws, v); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (c *conn) writeError(ctx context.Context, message string) error {
	return c.write(ctx, ErrorMessage{Type: TypeError, Error: message})
}
