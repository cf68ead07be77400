package common

import (
	"fmt"
	"time"
)

type OpKind string

const (
	Insert  OpKind = "insert"
	Delete  OpKind = "delete"
	Replace OpKind = "replace"
)

func (k OpKind) Valid() bool {
	return k == Insert || k == Delete || k == Replace
}

// EditOperation is one accepted (or proposed) change to a document.
// Immutable once accepted.
type EditOperation struct {
	OperationID   string
	DocumentID    string
	AuthorID      string
	AuthorName    string
	Kind          OpKind
	Position      Position
	Text          string // inserted text for insert/replace
	Length        int    // removed bytes for delete/replace
	Version       int64
	ParentVersion int64
	Timestamp     time.Time
}

// OperationID derives the id of an operation from its author, the client
// timestamp and a per-session counter that disambiguates equal timestamps.
func OperationID(userID string, ts time.Time, seq uint64) string {
	return fmt.Sprintf("%s-%d-%d", userID, ts.UnixNano(), seq)
}

// Validate checks the operation is well formed.
func (op EditOperation) Validate() error {
	if op.DocumentID == "" {
		return fmt.Errorf("edit %s: missing document id", op.OperationID)
	}
	if op.OperationID == "" {
		return fmt.Errorf("edit on %s: missing operation id", op.DocumentID)
	}
	if !op.Kind.Valid() {
		return fmt.Errorf("edit %s: unknown kind %q", op.OperationID, op.Kind)
	}
	if op.Version != op.ParentVersion+1 {
		return fmt.Errorf("edit %s: version %d does not follow parent %d", op.OperationID, op.Version, op.ParentVersion)
	}
	if op.Length < 0 || op.Position.Line < 0 || op.Position.Column < 0 {
		return fmt.Errorf("edit %s: negative position or length", op.OperationID)
	}
	return nil
}

func (op EditOperation) Event() EditEvent {
	return EditEvent{
		UserID:      op.AuthorID,
		DisplayName: op.AuthorName,
		DocumentID:  op.DocumentID,
		OperationID: op.OperationID,
		Operation: OperationBody{
			Type:     op.Kind,
			Position: op.Position,
			Text:     op.Text,
			Length:   op.Length,
		},
		Version:       op.Version,
		Timestamp:     op.Timestamp.UnixMilli(),
		ParentVersion: op.ParentVersion,
	}
}

func (e EditEvent) Op() EditOperation {
	return EditOperation{
		OperationID:   e.OperationID,
		DocumentID:    e.DocumentID,
		AuthorID:      e.UserID,
		AuthorName:    e.DisplayName,
		Kind:          e.Operation.Type,
		Position:      e.Operation.Position,
		Text:          e.Operation.Text,
		Length:        e.Operation.Length,
		Version:       e.Version,
		ParentVersion: e.ParentVersion,
		Timestamp:     time.UnixMilli(e.Timestamp),
	}
}
