package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/user/termlink/internal/transport"
)

const (
	streamReadLimit  = 1 << 20
	streamSendBuffer = 256
	streamWriteWait  = 10 * time.Second
)

// stream is one authenticated transport connection. Everything it reads is
// tagged with its epoch before being handed to the event goroutine.
type stream struct {
	ws     *websocket.Conn
	epoch  uint64
	out    chan transport.ClientMessage
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// dialStream connects and authenticates. An auth rejection is reported as
// ErrUnauthenticated.
func dialStream(ctx context.Context, target, token string, epoch uint64, timeout time.Duration, logger *slog.Logger) (*stream, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ws, _, err := websocket.Dial(dialCtx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	ws.SetReadLimit(streamReadLimit)

	if err := wsjson.Write(dialCtx, ws, transport.ClientMessage{Type: transport.TypeAuth, Token: token}); err != nil {
		ws.CloseNow()
		return nil, fmt.Errorf("send auth: %w", err)
	}
	var reply transport.ServerMessage
	if err := wsjson.Read(dialCtx, ws, &reply); err != nil {
		ws.CloseNow()
		return nil, fmt.Errorf("read auth reply: %w", err)
	}
	switch reply.Type {
	case transport.TypeAuthOK:
	case transport.TypeAuthFailed:
		ws.CloseNow()
		return nil, fmt.Errorf("%w: %s", ErrUnauthenticated, reply.Error)
	default:
		ws.CloseNow()
		return nil, fmt.Errorf("unexpected auth reply %q", reply.Type)
	}

	sctx, scancel := context.WithCancel(context.Background())
	return &stream{
		ws:     ws,
		epoch:  epoch,
		out:    make(chan transport.ClientMessage, streamSendBuffer),
		ctx:    sctx,
		cancel: scancel,
		logger: logger.With("epoch", epoch),
	}, nil
}

func (s *stream) start(events chan<- event) {
	go s.readLoop(events)
	go s.writeLoop()
}

// send queues msg without blocking.
func (s *stream) send(msg transport.ClientMessage) error {
	select {
	case <-s.ctx.Done():
		return ErrNotConnected
	default:
	}
	select {
	case s.out <- msg:
		return nil
	default:
		return errSendQueueFull
	}
}

func (s *stream) close() {
	s.cancel()
	go func() {
		_ = s.ws.Close(websocket.StatusNormalClosure, "")
	}()
}

func (s *stream) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.out:
			wctx, cancel := context.WithTimeout(s.ctx, streamWriteWait)
			err := wsjson.Write(wctx, s.ws, msg)
			cancel()
			if err != nil {
				s.logger.Debug("stream write failed", "error", err)
				s.ws.CloseNow()
				return
			}
		}
	}
}

func (s *stream) readLoop(events chan<- event) {
	for {
		typ, data, err := s.ws.Read(s.ctx)
		if err != nil {
			s.post(events, streamClosed{epoch: s.epoch, err: closeCause(err)})
			return
		}

		var ev event
		if typ == websocket.MessageBinary {
			f, err := transport.DecodeFrame(data)
			if err != nil {
				s.logger.Warn("dropping malformed frame", "error", err)
				continue
			}
			ev = frameReceived{epoch: s.epoch, streamID: f.StreamID, payload: f.Payload}
		} else {
			var msg transport.ServerMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				s.logger.Warn("dropping malformed message", "error", err)
				continue
			}
			ev = s.translate(msg)
			if ev == nil {
				continue
			}
		}
		if !s.post(events, ev) {
			return
		}
	}
}

func (s *stream) translate(msg transport.ServerMessage) event {
	switch msg.Type {
	case transport.TypeSubscribed:
		return subscriptionMappings{epoch: s.epoch, mappings: msg.Mappings}
	case transport.TypeAck:
		return ackReceived{epoch: s.epoch, sessionID: msg.TerminalID, seq: msg.Seq}
	case transport.TypeStateChanged:
		return stateChanged{epoch: s.epoch, version: msg.StateVersion}
	case transport.TypeDropped:
		return serverWarning{message: fmt.Sprintf("server dropped %d output events", msg.Count)}
	case transport.TypeError:
		return serverWarning{message: msg.Error}
	case transport.TypePong:
		return nil
	default:
		return serverWarning{message: "unknown message type " + msg.Type}
	}
}

func (s *stream) post(events chan<- event, ev event) bool {
	select {
	case events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// closeCause maps a normal closure to nil.
func closeCause(err error) error {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
