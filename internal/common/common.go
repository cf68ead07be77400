package common

import (
	"encoding/json"
)

// Kind names a room-scoped event type on the wire.
type Kind string

const (
	Presence  Kind = "presence"
	Cursor    Kind = "cursor"
	Selection Kind = "selection"
	Typing    Kind = "typing"
	Edit      Kind = "edit"

	// control kinds exchanged with the backbone
	Ack     Kind = "ack"
	Reject  Kind = "reject"
	Version Kind = "version"
	Lock    Kind = "lock"
)

// frame ops
const (
	OpJoin  = "join"
	OpLeave = "leave"
	OpEmit  = "emit"
	OpEvent = "event"
)

// Frame is the unit exchanged between a session and the backbone.
type Frame struct {
	Op      string          `json:"op"`
	Room    string          `json:"room"`
	Kind    Kind            `json:"kind,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Status string

const (
	Online  Status = "online"
	Away    Status = "away"
	Offline Status = "offline"
)

type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Less reports whether p sorts before q in document order.
func (p Position) Less(q Position) bool {
	if p.Line != q.Line {
		return p.Line < q.Line
	}
	return p.Column < q.Column
}

type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

type PresenceEvent struct {
	UserID          string `json:"userId"`
	DisplayName     string `json:"displayName"`
	Status          Status `json:"status"`
	CurrentPage     string `json:"currentPage,omitempty"`
	CurrentDocument string `json:"currentDocument,omitempty"`
	Timestamp       int64  `json:"timestamp"`
}

type CursorEvent struct {
	UserID      string   `json:"userId"`
	DisplayName string   `json:"displayName"`
	DocumentID  string   `json:"documentId"`
	Position    Position `json:"position"`
	Color       Color    `json:"color"`
	Timestamp   int64    `json:"timestamp"`
}

type SelectionEvent struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	DocumentID  string `json:"documentId"`
	Selection   Range  `json:"selection"`
	Color       Color  `json:"color"`
	Timestamp   int64  `json:"timestamp"`
}

type TypingEvent struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	DocumentID  string `json:"documentId"`
	IsTyping    bool   `json:"isTyping"`
	Timestamp   int64  `json:"timestamp"`
}

// OperationBody is the operation part of an edit event.
type OperationBody struct {
	Type     OpKind   `json:"type"`
	Position Position `json:"position"`
	Text     string   `json:"text,omitempty"`
	Length   int      `json:"length,omitempty"`
}

type EditEvent struct {
	UserID        string        `json:"userId"`
	DisplayName   string        `json:"displayName"`
	DocumentID    string        `json:"documentId"`
	OperationID   string        `json:"operationId"`
	Operation     OperationBody `json:"operation"`
	Version       int64         `json:"version"`
	Timestamp     int64         `json:"timestamp"`
	ParentVersion int64         `json:"parentVersion"`
}

// AckEvent is sent by the backbone to the author of an accepted edit (Ack)
// or of a stale one (Reject). Version is the authoritative version after
// the decision.
type AckEvent struct {
	DocumentID  string `json:"documentId"`
	OperationID string `json:"operationId"`
	Version     int64  `json:"version"`
}

// VersionEvent is a request when Version is nil and a response otherwise.
type VersionEvent struct {
	DocumentID string `json:"documentId"`
	Version    *int64 `json:"version,omitempty"`
}

type LockEvent struct {
	DocumentID string `json:"documentId"`
	HolderID   string `json:"holderId,omitempty"`
	HolderName string `json:"holderName,omitempty"`
	Locked     bool   `json:"locked"`
}

// Encode builds an event frame carrying v as payload.
func Encode(op, room string, kind Kind, v interface{}) (Frame, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Op: op, Room: room, Kind: kind, Payload: buf}, nil
}
