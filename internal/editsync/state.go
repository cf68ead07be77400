package editsync

import (
	"fmt"

	"github.com/ilnaes/padsync/internal/common"
)

// State is the synchronization state of one document: Synced or
// Conflicted.
type State interface {
	isState()
	String() string
}

// Synced means every local change so far sits on an accepted base.
type Synced struct {
	Version int64
}

// Conflicted means an operation's parent did not match the local version.
// Nothing is applied until the caller resolves it.
type Conflicted struct {
	LocalVersion int64
	// Incoming is the operation that failed the check: a remote edit, or
	// a local one the backbone rejected. Zero when a reconnect version
	// check failed.
	Incoming common.EditOperation
	// Pending are the unconfirmed local operations at the time.
	Pending []common.EditOperation
}

func (Synced) isState()     {}
func (Conflicted) isState() {}

func (s Synced) String() string { return fmt.Sprintf("Synced(%d)", s.Version) }

func (c Conflicted) String() string {
	id := c.Incoming.OperationID
	if id == "" {
		id = "-"
	}
	return fmt.Sprintf("Conflicted(%d, %s)", c.LocalVersion, id)
}

type UpdateType string

const (
	Local     UpdateType = "local"     // optimistic local operation
	Accepted  UpdateType = "accepted"  // remote operation applied
	Confirmed UpdateType = "confirmed" // own operation acknowledged
	Conflict  UpdateType = "conflict"
	Resolved  UpdateType = "resolved"
)

// Update is delivered to subscribers after every state transition.
type Update struct {
	DocumentID string
	Type       UpdateType
	Version    int64
	Operation  common.EditOperation
	State      State
}

// View is a read-only snapshot of one document.
type View struct {
	DocumentID string
	Room       string
	Version    int64 // local, including pending operations
	Confirmed  int64 // last version known accepted
	State      State
	Text       string
	Pending    int
	// Stale is set when the accepted version moved past operations this
	// client never received, so Text lags behind. Reset reseeds it.
	Stale bool
}
