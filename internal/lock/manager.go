package lock

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/ilnaes/padsync/internal/common"
	"github.com/ilnaes/padsync/internal/transport"
)

// Manager acquires and releases document locks for the local identity and
// tracks who holds which lock from the lock events of other clients.
//
// Locks are advisory: nothing here stops an edit. Callers check CanEdit
// before applying local edits.
type Manager struct {
	session *transport.Session
	self    common.Identity
	service Service
	logger  *log.Logger
	unsub   func()

	mu      sync.Mutex
	holders map[string]Lock
}

func NewManager(session *transport.Session, self common.Identity, service Service, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stderr, "[lock] ", log.LstdFlags)
	}
	m := &Manager{
		session: session,
		self:    self,
		service: service,
		logger:  logger,
		holders: make(map[string]Lock),
	}
	m.unsub = session.On(common.Lock, m.receive)
	return m
}

func (m *Manager) Close() {
	m.unsub()
}

// Lock acquires documentID for the local identity. If someone else holds
// it a *common.LockDeniedError names the holder.
func (m *Manager) Lock(ctx context.Context, room, documentID string) (Lock, error) {
	l, err := m.service.Acquire(ctx, documentID, m.self)
	if err != nil {
		var denied *common.LockDeniedError
		if errors.As(err, &denied) {
			m.set(Lock{DocumentID: documentID, HolderID: denied.HolderID, HolderName: denied.HolderName})
		}
		return Lock{}, err
	}
	m.set(l)
	m.announce(room, l, true)
	return l, nil
}

// Unlock releases a lock held by the local identity.
func (m *Manager) Unlock(ctx context.Context, room, documentID string) error {
	return m.release(ctx, room, documentID, false)
}

// ForceUnlock releases documentID whoever holds it.
func (m *Manager) ForceUnlock(ctx context.Context, room, documentID string) error {
	return m.release(ctx, room, documentID, true)
}

func (m *Manager) release(ctx context.Context, room, documentID string, force bool) error {
	if err := m.service.Release(ctx, documentID, m.self.UserID, force); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.holders, documentID)
	m.mu.Unlock()
	m.announce(room, Lock{DocumentID: documentID}, false)
	return nil
}

// Holder returns the last known lock on documentID.
func (m *Manager) Holder(documentID string) (Lock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.holders[documentID]
	return l, ok
}

// CanEdit reports whether the local identity may edit documentID: nobody
// else is known to hold its lock.
func (m *Manager) CanEdit(documentID string) bool {
	l, ok := m.Holder(documentID)
	return !ok || l.HolderID == m.self.UserID
}

func (m *Manager) set(l Lock) {
	m.mu.Lock()
	m.holders[l.DocumentID] = l
	m.mu.Unlock()
}

func (m *Manager) announce(room string, l Lock, locked bool) {
	err := m.session.Emit(room, common.Lock, common.LockEvent{
		DocumentID: l.DocumentID,
		HolderID:   l.HolderID,
		HolderName: l.HolderName,
		Locked:     locked,
	})
	if err != nil {
		m.logger.Printf("announce lock on %s: %v", l.DocumentID, err)
	}
}

func (m *Manager) receive(ev transport.Event) {
	var le common.LockEvent
	if err := ev.Decode(&le); err != nil {
		m.logger.Printf("bad lock payload in %s: %v", ev.Room, err)
		return
	}
	if le.DocumentID == "" {
		return
	}
	if le.Locked {
		m.set(Lock{DocumentID: le.DocumentID, HolderID: le.HolderID, HolderName: le.HolderName, AcquiredAt: time.Now()})
		return
	}
	m.mu.Lock()
	delete(m.holders, le.DocumentID)
	m.mu.Unlock()
}
