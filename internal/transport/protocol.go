// Package transport implements the streaming wire protocol between a host
// and its remote clients: binary output frames tagged with per-connection
// stream ids, plus JSON control messages.
package transport

// Inbound message types (client to server).
const (
	TypeAuth           = "auth"
	TypeSubscribe      = "subscribe"
	TypeUnsubscribe    = "unsubscribe"
	TypeSendText       = "send_text"
	TypeSendSpecialKey = "send_special_key"
	TypeResize         = "resize"
	TypePing           = "ping"
	TypeClose          = "close"
)

// Outbound message types (server to client).
const (
	TypeAuthOK       = "auth_ok"
	TypeAuthFailed   = "auth_failed"
	TypeSubscribed   = "subscribed"
	TypePong         = "pong"
	TypeDropped      = "dropped"
	TypeStateChanged = "state_changed"
	TypeError        = "error"
	TypeAck          = "ack"
)

// ClientMessage is any JSON message a client may send.
type ClientMessage struct {
	Type        string   `json:"type"`
	Token       string   `json:"token,omitempty"`
	TerminalIDs []string `json:"terminal_ids,omitempty"`
	TerminalID  string   `json:"terminal_id,omitempty"`
	Text        string   `json:"text,omitempty"`
	Key         string   `json:"key,omitempty"`
	// Seq is echoed back in the ack for send_text and send_special_key.
	Seq  uint64 `json:"seq,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

type AuthOKMessage struct {
	Type string `json:"type"`
}

type AuthFailedMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type SubscribedMessage struct {
	Type     string            `json:"type"`
	Mappings map[string]uint32 `json:"mappings"`
}

type PongMessage struct {
	Type string `json:"type"`
}

type DroppedMessage struct {
	Type  string `json:"type"`
	Count uint64 `json:"count"`
}

type StateChangedMessage struct {
	Type         string `json:"type"`
	StateVersion uint64 `json:"state_version"`
}

type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type AckMessage struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminal_id"`
	Seq        uint64 `json:"seq"`
}

// ServerMessage is the union of every outbound JSON message, used by clients
// to decode whatever arrives.
type ServerMessage struct {
	Type         string            `json:"type"`
	Error        string            `json:"error,omitempty"`
	Mappings     map[string]uint32 `json:"mappings,omitempty"`
	Count        uint64            `json:"count,omitempty"`
	StateVersion uint64            `json:"state_version,omitempty"`
	TerminalID   string            `json:"terminal_id,omitempty"`
	Seq          uint64            `json:"seq,omitempty"`
}
