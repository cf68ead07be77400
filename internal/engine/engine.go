package engine

import (
	"context"
	"errors"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/ilnaes/padsync/internal/common"
	"github.com/ilnaes/padsync/internal/cursor"
	"github.com/ilnaes/padsync/internal/editsync"
	"github.com/ilnaes/padsync/internal/lock"
	"github.com/ilnaes/padsync/internal/presence"
	"github.com/ilnaes/padsync/internal/transport"
	"github.com/ilnaes/padsync/internal/typing"
)

type Options struct {
	// Locks is the lock authority, usually a lock.HTTPService pointing at
	// the backbone.
	Locks    lock.Service
	Liveness time.Duration
	Logger   *log.Logger
}

// DocumentView is the live state of one open document.
type DocumentView struct {
	editsync.View
	Cursors    map[string]cursor.Cursor
	Selections map[string]cursor.Selection
	Typing     []string
	Lock       lock.Lock
	Locked     bool
}

type announcement struct {
	status   common.Status
	page     string
	document string
}

// Engine wires the collaboration components of one client to a single
// session.
type Engine struct {
	self     common.Identity
	session  *transport.Session
	logger   *log.Logger
	liveness time.Duration

	Presence *presence.Registry
	Cursors  *cursor.Tracker
	Typing   *typing.Indicator
	Edits    *editsync.Synchronizer
	Locks    *lock.Manager

	mu        sync.Mutex
	docs      map[string]string // document -> room
	announced map[string]announcement
	cancel    context.CancelFunc
}

func New(session *transport.Session, self common.Identity, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	liveness := opts.Liveness
	if liveness <= 0 {
		liveness = presence.DefaultLiveness
	}

	service := opts.Locks
	if service == nil {
		// locks only bind clients of this process
		service = lock.NewTable()
	}

	reg := presence.NewRegistry(session, self, presence.Options{Liveness: liveness, Logger: opts.Logger})
	return &Engine{
		self:      self,
		session:   session,
		logger:    logger,
		liveness:  liveness,
		Presence:  reg,
		Cursors:   cursor.NewTracker(session, self, reg, opts.Logger),
		Typing:    typing.NewIndicator(session, self, reg, opts.Logger),
		Edits:     editsync.New(session, self, editsync.Options{Logger: opts.Logger}),
		Locks:     lock.NewManager(session, self, service, opts.Logger),
		docs:      make(map[string]string),
		announced: make(map[string]announcement),
	}
}

func (e *Engine) Identity() common.Identity { return e.self }

func (e *Engine) Session() *transport.Session { return e.session }

// Start connects the session and runs presence expiry and the presence
// heartbeat until Close.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.session.Connect(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return nil
	}
	run, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go e.Presence.Run(run)
	go e.heartbeat(run)
	return nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Unlock()

	e.Locks.Close()
	e.Edits.Close()
	e.Typing.Close()
	e.Cursors.Close()
	e.Presence.Close()
	return e.session.Close()
}

// heartbeat repeats the last announcement in every room well within the
// liveness window so peers do not expire this client.
func (e *Engine) heartbeat(ctx context.Context) {
	t := time.NewTicker(e.liveness / 3)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			e.mu.Lock()
			rooms := make(map[string]announcement, len(e.announced))
			for room, a := range e.announced {
				rooms[room] = a
			}
			e.mu.Unlock()
			for room, a := range rooms {
				if err := e.Presence.Announce(room, a.status, a.page, a.document); err != nil {
					e.logger.Printf("heartbeat in %s: %v", room, err)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// JoinRoom subscribes to room and announces this client as online.
func (e *Engine) JoinRoom(room string) error {
	e.session.JoinRoom(room)
	return e.AnnouncePresence(room, common.Online, "", "")
}

// LeaveRoom announces this client offline, closes the documents opened
// in room and leaves it.
func (e *Engine) LeaveRoom(room string) error {
	err := e.Presence.Announce(room, common.Offline, "", "")

	e.mu.Lock()
	delete(e.announced, room)
	var docs []string
	for doc, r := range e.docs {
		if r == room {
			docs = append(docs, doc)
			delete(e.docs, doc)
		}
	}
	e.mu.Unlock()

	for _, doc := range docs {
		e.Edits.CloseDocument(doc)
	}
	e.session.LeaveRoom(room)
	return err
}

func (e *Engine) AnnouncePresence(room string, status common.Status, page, documentID string) error {
	e.mu.Lock()
	if status == common.Offline {
		delete(e.announced, room)
	} else {
		e.announced[room] = announcement{status: status, page: page, document: documentID}
	}
	e.mu.Unlock()
	return e.Presence.Announce(room, status, page, documentID)
}

// Members returns the identities present in room.
func (e *Engine) Members(room string) []presence.Record {
	recs := e.Presence.Observe(room)
	res := make([]presence.Record, 0, len(recs))
	for _, r := range recs {
		res = append(res, r)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UserID < res[j].UserID })
	return res
}

// OpenDocument starts synchronizing documentID in room from version and
// text, joining the room if needed.
func (e *Engine) OpenDocument(room, documentID string, version int64, text []byte) error {
	if !e.session.Joined(room) {
		e.session.JoinRoom(room)
	}
	if err := e.Edits.Open(room, documentID, version, text); err != nil {
		return err
	}
	e.mu.Lock()
	e.docs[documentID] = room
	e.mu.Unlock()
	return e.AnnouncePresence(room, common.Online, "", documentID)
}

func (e *Engine) CloseDocument(documentID string) {
	e.mu.Lock()
	delete(e.docs, documentID)
	e.mu.Unlock()
	e.Edits.CloseDocument(documentID)
}

func (e *Engine) room(documentID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	room, ok := e.docs[documentID]
	if !ok {
		return "", common.ErrUnknownDocument
	}
	return room, nil
}

// Document returns the current view of documentID.
func (e *Engine) Document(documentID string) (DocumentView, error) {
	v, err := e.Edits.Snapshot(documentID)
	if err != nil {
		return DocumentView{}, err
	}
	l, locked := e.Locks.Holder(documentID)
	return DocumentView{
		View:       v,
		Cursors:    e.Cursors.ObserveCursors(documentID),
		Selections: e.Cursors.ObserveSelections(documentID),
		Typing:     e.Typing.ObserveTyping(documentID),
		Lock:       l,
		Locked:     locked,
	}, nil
}

// OnDocumentChange registers fn for any change to a document's view.
func (e *Engine) OnDocumentChange(fn func(documentID string)) func() {
	unsub := []func(){
		e.Cursors.OnChange(fn),
		e.Typing.OnChange(fn),
		e.Edits.OnUpdate(func(u editsync.Update) { fn(u.DocumentID) }),
	}
	return func() {
		for _, u := range unsub {
			u()
		}
	}
}

func (e *Engine) checkLock(documentID string) error {
	if e.Locks.CanEdit(documentID) {
		return nil
	}
	l, _ := e.Locks.Holder(documentID)
	return &common.LockDeniedError{DocumentID: documentID, HolderID: l.HolderID, HolderName: l.HolderName}
}

// ApplyLocalEdit publishes one local operation. Edits are refused while
// another identity holds the document's lock.
func (e *Engine) ApplyLocalEdit(documentID string, kind common.OpKind, pos common.Position, text string, length int) (common.EditOperation, error) {
	if err := e.checkLock(documentID); err != nil {
		return common.EditOperation{}, err
	}
	return e.Edits.ApplyLocalEdit(documentID, kind, pos, text, length)
}

// ApplyTextChange diffs the document's local content against updated and
// publishes the resulting operations. On error the operations applied so
// far are returned with it.
func (e *Engine) ApplyTextChange(documentID string, updated []byte) ([]common.EditOperation, error) {
	if err := e.checkLock(documentID); err != nil {
		return nil, err
	}
	v, err := e.Edits.Snapshot(documentID)
	if err != nil {
		return nil, err
	}

	var applied []common.EditOperation
	for _, op := range common.Diff([]byte(v.Text), updated) {
		res, err := e.Edits.ApplyLocalEdit(documentID, op.Kind, op.Position, op.Text, op.Length)
		if err != nil {
			return applied, err
		}
		applied = append(applied, res)
	}
	return applied, nil
}

func (e *Engine) MoveCursor(documentID string, pos common.Position) error {
	room, err := e.room(documentID)
	if err != nil {
		return err
	}
	return e.Cursors.PublishCursor(room, documentID, pos)
}

func (e *Engine) Select(documentID string, rng common.Range) error {
	room, err := e.room(documentID)
	if err != nil {
		return err
	}
	return e.Cursors.PublishSelection(room, documentID, rng)
}

func (e *Engine) SetTyping(documentID string, isTyping bool) error {
	room, err := e.room(documentID)
	if err != nil {
		return err
	}
	return e.Typing.SetTyping(room, documentID, isTyping)
}

func (e *Engine) LockDocument(ctx context.Context, documentID string) (lock.Lock, error) {
	room, err := e.room(documentID)
	if err != nil {
		return lock.Lock{}, err
	}
	return e.Locks.Lock(ctx, room, documentID)
}

func (e *Engine) UnlockDocument(ctx context.Context, documentID string) error {
	room, err := e.room(documentID)
	if err != nil {
		return err
	}
	return e.Locks.Unlock(ctx, room, documentID)
}

// ForceUnlockDocument releases a lock held by anyone.
func (e *Engine) ForceUnlockDocument(ctx context.Context, documentID string) error {
	room, err := e.room(documentID)
	if err != nil {
		return err
	}
	return e.Locks.ForceUnlock(ctx, room, documentID)
}

func (e *Engine) ResolveKeepLocal(documentID string) ([]common.EditOperation, error) {
	return e.Edits.ResolveKeepLocal(documentID)
}

func (e *Engine) ResolveRebase(documentID string) ([]common.EditOperation, error) {
	return e.Edits.ResolveRebase(documentID)
}

// ResolveWithLock takes the document's lock and then keeps the local
// operations, so no other cooperating editor can race the republished
// edits. A lock this identity already holds is kept. The lock stays held
// until UnlockDocument.
func (e *Engine) ResolveWithLock(ctx context.Context, documentID string) ([]common.EditOperation, error) {
	if _, err := e.LockDocument(ctx, documentID); err != nil {
		var denied *common.LockDeniedError
		if !errors.As(err, &denied) || denied.HolderID != e.self.UserID {
			return nil, err
		}
	}
	ops, err := e.Edits.ResolveKeepLocal(documentID)
	if errors.Is(err, editsync.ErrNotConflicted) {
		return nil, nil
	}
	return ops, err
}
