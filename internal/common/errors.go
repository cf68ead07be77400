package common

import (
	"errors"
	"fmt"
)

var (
	ErrNotHolder       = errors.New("padsync: lock not held by caller")
	ErrUnknownDocument = errors.New("padsync: document not open")
	ErrClosed          = errors.New("padsync: session closed")
)

// TransportError reports a failure of the underlying channel. It is logged
// and reflected in the session status, never returned from Emit.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("padsync: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ConflictError is returned when an operation's parent version does not
// match the local version of its document.
type ConflictError struct {
	DocumentID   string
	LocalVersion int64
	Incoming     EditOperation
}

func (e *ConflictError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("padsync: conflict on %s: local version %d, operation %s has parent %d",
		e.DocumentID, e.LocalVersion, describeOperation(e.Incoming.OperationID), e.Incoming.ParentVersion)
}

func describeOperation(id string) string {
	if id == "" {
		return "<none>"
	}
	return id
}

// LockDeniedError is returned when a document is already locked by someone
// else.
type LockDeniedError struct {
	DocumentID string
	HolderID   string
	HolderName string
}

func (e *LockDeniedError) Error() string {
	if e == nil {
		return "<nil>"
	}
	holder := e.HolderID
	if e.HolderName != "" && e.HolderName != e.HolderID {
		holder = fmt.Sprintf("%s (%s)", e.HolderName, e.HolderID)
	}
	return fmt.Sprintf("padsync: document %s locked by %s", e.DocumentID, holder)
}
