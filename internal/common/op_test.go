package common

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestEditEventRoundTrip(t *testing.T) {
	ts := time.UnixMilli(1700000000123)
	op := EditOperation{
		OperationID:   OperationID("alice", ts, 1),
		DocumentID:    "doc",
		AuthorID:      "alice",
		AuthorName:    "Alice",
		Kind:          Insert,
		Position:      Position{Line: 0, Column: 0},
		Text:          "hi",
		Version:       4,
		ParentVersion: 3,
		Timestamp:     ts,
	}
	got := op.Event().Op()
	if got != op {
		t.Fatalf("round trip changed operation:\n%+v\n%+v", op, got)
	}
}

func TestValidate(t *testing.T) {
	good := EditOperation{OperationID: "x", DocumentID: "d", Kind: Delete, Length: 1, Version: 2, ParentVersion: 1}
	if err := good.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	gap := good
	gap.Version = 3
	if err := gap.Validate(); err == nil || !strings.Contains(err.Error(), "does not follow") {
		t.Fatalf("expected version gap error, got %v", err)
	}

	bad := good
	bad.Kind = "move"
	if err := bad.Validate(); err == nil {
		t.Fatal("expected unknown kind error")
	}
}

func TestConflictErrorAs(t *testing.T) {
	var err error = &ConflictError{DocumentID: "d", LocalVersion: 4, Incoming: EditOperation{OperationID: "bob-1", ParentVersion: 3}}
	wrapped := errors.Join(errors.New("ctx"), err)

	var conflict *ConflictError
	if !errors.As(wrapped, &conflict) {
		t.Fatalf("expected ConflictError in %v", wrapped)
	}
	if conflict.LocalVersion != 4 || conflict.Incoming.OperationID != "bob-1" {
		t.Fatalf("unexpected conflict %+v", conflict)
	}
}

func TestLockDeniedMessageNamesHolder(t *testing.T) {
	err := &LockDeniedError{DocumentID: "d", HolderID: "alice", HolderName: "Alice"}
	if !strings.Contains(err.Error(), "Alice (alice)") {
		t.Fatalf("holder missing from %q", err.Error())
	}
}
