package lock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ilnaes/padsync/internal/common"
)

// Lock is a live advisory lock on one document.
type Lock struct {
	DocumentID string    `json:"documentId"`
	HolderID   string    `json:"holderId"`
	HolderName string    `json:"holderName,omitempty"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// Service grants and releases document locks.
type Service interface {
	Acquire(ctx context.Context, documentID string, holder common.Identity) (Lock, error)
	// Release frees the lock held by holderID. force releases regardless
	// of the holder.
	Release(ctx context.Context, documentID, holderID string, force bool) error
}

// Registry is a Service that can also enumerate its live locks.
type Registry interface {
	Service
	List(ctx context.Context) ([]Lock, error)
}

// Table is the in-process lock authority. At most one lock exists per
// document, and Acquire on a locked document fails even for its holder.
type Table struct {
	now func() time.Time

	mu    sync.Mutex
	locks map[string]Lock
}

func NewTable() *Table {
	return &Table{now: time.Now, locks: make(map[string]Lock)}
}

func (t *Table) Acquire(_ context.Context, documentID string, holder common.Identity) (Lock, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if l, ok := t.locks[documentID]; ok {
		return Lock{}, &common.LockDeniedError{DocumentID: documentID, HolderID: l.HolderID, HolderName: l.HolderName}
	}
	l := Lock{
		DocumentID: documentID,
		HolderID:   holder.UserID,
		HolderName: holder.DisplayName,
		AcquiredAt: t.now(),
	}
	t.locks[documentID] = l
	return l, nil
}

func (t *Table) Release(_ context.Context, documentID, holderID string, force bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.locks[documentID]
	if !ok {
		return nil
	}
	if l.HolderID != holderID && !force {
		return common.ErrNotHolder
	}
	delete(t.locks, documentID)
	return nil
}

// Get returns the live lock on documentID.
func (t *Table) Get(documentID string) (Lock, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[documentID]
	return l, ok
}

// List returns every live lock ordered by document id.
func (t *Table) List(_ context.Context) ([]Lock, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	res := make([]Lock, 0, len(t.locks))
	for _, l := range t.locks {
		res = append(res, l)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].DocumentID < res[j].DocumentID })
	return res, nil
}
