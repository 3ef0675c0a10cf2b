// Package v1 defines the tidechat realtime protocol v1 contract.
//
// It depends on nothing outside the standard library.
// The server and its clients both import it.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol negotiated for v1.
const Subprotocol = "tidechat.v1"

// Type constants (wire-stable).
const (
	// TypeHello opens a session (client -> server). Must be the first envelope.
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeMessageSend submits a message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck settles a submission (server -> client).
	TypeMessageAck = "message_ack"
	// TypeMessageNew delivers one log record (server -> client), live or replayed.
	TypeMessageNew = "message_new"

	// TypeResyncDone ends the catch-up phase (server -> client).
	TypeResyncDone = "resync_done"

	// TypeHistoryFetch requests a page of the log (client -> server).
	TypeHistoryFetch = "history_fetch"
	// TypeHistoryChunk returns a page of the log (server -> client).
	TypeHistoryChunk = "history_chunk"

	// TypeNotice carries a system announcement (server -> client).
	TypeNotice = "notice"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Ack statuses.
const (
	AckAcknowledged = "acknowledged"
	AckRejected     = "rejected"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageNew,
		TypeResyncDone,
		TypeHistoryFetch,
		TypeHistoryChunk,
		TypeNotice,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload opens a session.
//
// LastSeq is the highest seq the client has observed (absent means nothing).
// SessionID names a previous session the client wants to resume.
type HelloPayload struct {
	LastSeq   *int64 `json:"last_seq,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// HelloAckPayload carries the session id and whether the previous session was resumed.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	Recovered bool   `json:"recovered"`
}

// MessageSendPayload submits one message. ClientOffset is the idempotency key.
type MessageSendPayload struct {
	Content      string `json:"content"`
	ClientOffset string `json:"client_offset,omitempty"`
}

// MessageAckPayload settles a submission.
//
// Status "acknowledged" means the message is stored (Duplicate reports a retry of an
// already stored offset, in which case Seq is omitted). Status "rejected" means nothing
// was stored and the client should retry with the same offset, unless Terminal is set:
// the content itself was refused and no retry can succeed.
type MessageAckPayload struct {
	ClientOffset string `json:"client_offset,omitempty"`
	Status       string `json:"status"`
	Seq          int64  `json:"seq,omitempty"`
	Duplicate    bool   `json:"duplicate,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Terminal     bool   `json:"terminal,omitempty"`
}

// MessageNewPayload is one log record.
type MessageNewPayload struct {
	Seq     int64  `json:"seq"`
	Content string `json:"content"`
	Replay  bool   `json:"replay,omitempty"`
}

// ResyncDonePayload ends the catch-up phase. Complete is false when the log could not be
// read to the end and the client has a gap.
type ResyncDonePayload struct {
	Replayed int   `json:"replayed"`
	LastSeq  int64 `json:"last_seq"`
	Complete bool  `json:"complete"`
}

// HistoryFetchPayload requests records with seq > AfterSeq.
type HistoryFetchPayload struct {
	AfterSeq int64 `json:"after_seq,omitempty"`
	Limit    int   `json:"limit,omitempty"`
}

// HistoryChunkPayload returns a page of history.
type HistoryChunkPayload struct {
	Messages []MessageNewPayload `json:"messages"`
	HasMore  bool                `json:"has_more"`
}

// NoticePayload is a best-effort system announcement.
type NoticePayload struct {
	Text string `json:"text"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
