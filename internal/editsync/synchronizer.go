package editsync

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/ilnaes/padsync/internal/common"
	"github.com/ilnaes/padsync/internal/transport"
)

var ErrNotConflicted = errors.New("padsync: document is not conflicted")

type document struct {
	id   string
	room string

	confirmed int64  // last accepted version
	base      []byte // text at confirmed
	pending   []common.EditOperation
	version   int64 // confirmed + len(pending)
	text      []byte

	state         State
	authoritative int64                  // highest version reported by the backbone
	backlog       []common.EditOperation // remote operations seen while conflicted
	stale         bool

	log  []common.EditOperation // accepted operations, in version order
	seen map[string]bool
}

// Synchronizer versions the edits of every open document and detects
// conflicting ones.
type Synchronizer struct {
	session *transport.Session
	self    common.Identity
	logger  *log.Logger
	now     func() time.Time
	unsub   []func()

	mu      sync.Mutex // protects the fields below
	seq     uint64
	docs    map[string]*document
	wasDown bool
	nextSub int
	subs    map[int]func(Update)
}

type Options struct {
	Logger *log.Logger
	Now    func() time.Time
}

func New(session *transport.Session, self common.Identity, opts Options) *Synchronizer {
	s := &Synchronizer{
		session: session,
		self:    self,
		logger:  opts.Logger,
		now:     opts.Now,
		docs:    make(map[string]*document),
		subs:    make(map[int]func(Update)),
	}
	if s.logger == nil {
		s.logger = log.New(os.Stderr, "[editsync] ", log.LstdFlags)
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.unsub = append(s.unsub,
		session.On(common.Edit, s.receiveEdit),
		session.On(common.Ack, s.receiveAck),
		session.On(common.Reject, s.receiveReject),
		session.On(common.Version, s.receiveVersion),
		session.OnStatus(s.statusChanged),
	)
	return s
}

func (s *Synchronizer) Close() {
	for _, fn := range s.unsub {
		fn()
	}
}

// Open starts managing documentID in room at version with the given
// content, and asks the backbone for its authoritative version.
func (s *Synchronizer) Open(room, documentID string, version int64, text []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[documentID]; ok {
		return fmt.Errorf("padsync: document %s already open", documentID)
	}
	s.docs[documentID] = &document{
		id:            documentID,
		room:          room,
		confirmed:     version,
		base:          append([]byte{}, text...),
		version:       version,
		text:          append([]byte{}, text...),
		state:         Synced{Version: version},
		authoritative: version,
		seen:          make(map[string]bool),
	}
	return s.session.Emit(room, common.Version, common.VersionEvent{DocumentID: documentID})
}

// CloseDocument stops managing documentID.
func (s *Synchronizer) CloseDocument(documentID string) {
	s.mu.Lock()
	delete(s.docs, documentID)
	s.mu.Unlock()
}

// Reset reseeds a document from authoritative content, dropping pending
// operations and any conflict.
func (s *Synchronizer) Reset(documentID string, version int64, text []byte) error {
	s.mu.Lock()
	d, ok := s.docs[documentID]
	if !ok {
		s.mu.Unlock()
		return common.ErrUnknownDocument
	}
	d.confirmed, d.version, d.authoritative = version, version, version
	d.base = append([]byte{}, text...)
	d.text = append([]byte{}, text...)
	d.pending, d.backlog = nil, nil
	d.stale = false
	d.state = Synced{Version: version}
	u := Update{DocumentID: documentID, Type: Resolved, Version: version, State: d.state}
	subs := s.handlers()
	s.mu.Unlock()

	notify(subs, u)
	return nil
}

// ApplyLocalEdit builds an operation on top of the current local version,
// applies it optimistically and publishes it. While the document is
// conflicted it returns a *common.ConflictError and changes nothing.
func (s *Synchronizer) ApplyLocalEdit(documentID string, kind common.OpKind, pos common.Position, text string, length int) (common.EditOperation, error) {
	s.mu.Lock()
	d, ok := s.docs[documentID]
	if !ok {
		s.mu.Unlock()
		return common.EditOperation{}, common.ErrUnknownDocument
	}
	if c, ok := d.state.(Conflicted); ok {
		s.mu.Unlock()
		return common.EditOperation{}, &common.ConflictError{DocumentID: documentID, LocalVersion: c.LocalVersion, Incoming: c.Incoming}
	}

	now := s.now()
	s.seq++
	op := common.EditOperation{
		OperationID:   common.OperationID(s.self.UserID, now, s.seq),
		DocumentID:    documentID,
		AuthorID:      s.self.UserID,
		AuthorName:    s.self.DisplayName,
		Kind:          kind,
		Position:      pos,
		Text:          text,
		Length:        length,
		Version:       d.version + 1,
		ParentVersion: d.version,
		Timestamp:     now,
	}
	if err := op.Validate(); err != nil {
		s.mu.Unlock()
		return common.EditOperation{}, err
	}
	next, err := common.Apply(d.text, op)
	if err != nil {
		s.mu.Unlock()
		return common.EditOperation{}, err
	}

	d.text = next
	d.version = op.Version
	d.pending = append(d.pending, op)
	d.state = Synced{Version: d.version}
	if err := s.session.Emit(d.room, common.Edit, op.Event()); err != nil {
		s.logger.Printf("emit %s: %v", op.OperationID, err)
	}
	u := Update{DocumentID: documentID, Type: Local, Version: d.version, Operation: op, State: d.state}
	subs := s.handlers()
	s.mu.Unlock()

	notify(subs, u)
	return op, nil
}

// ReceiveRemoteEdit applies a remote operation whose parent is the local
// version. Otherwise the document becomes Conflicted, nothing is applied,
// and a *common.ConflictError is returned. An operation already accepted
// or still pending is ignored; a different operation on an already
// accepted parent is a conflict.
func (s *Synchronizer) ReceiveRemoteEdit(op common.EditOperation) error {
	if err := op.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	d, ok := s.docs[op.DocumentID]
	if !ok {
		s.mu.Unlock()
		return common.ErrUnknownDocument
	}
	if d.seen[op.OperationID] || d.isPending(op.OperationID) {
		s.mu.Unlock()
		return nil
	}

	if c, ok := d.state.(Conflicted); ok {
		if op.Version > d.authoritative {
			d.authoritative = op.Version
		}
		d.backlog = append(d.backlog, op)
		s.mu.Unlock()
		return &common.ConflictError{DocumentID: d.id, LocalVersion: c.LocalVersion, Incoming: op}
	}

	if len(d.pending) == 0 && op.ParentVersion == d.version {
		next, err := common.Apply(d.base, op)
		if err == nil {
			d.accept(op, next)
			d.text = d.base
			u := Update{DocumentID: d.id, Type: Accepted, Version: d.version, Operation: op, State: d.state}
			subs := s.handlers()
			s.mu.Unlock()

			notify(subs, u)
			return nil
		}
		s.logger.Printf("document %s: %s does not apply to local content: %v", d.id, op.OperationID, err)
	}

	if op.Version > d.authoritative {
		d.authoritative = op.Version
	}
	err := s.conflict(d, op)
	u := Update{DocumentID: d.id, Type: Conflict, Version: d.version, Operation: op, State: d.state}
	subs := s.handlers()
	s.mu.Unlock()

	notify(subs, u)
	return err
}

// must hold s.mu
func (s *Synchronizer) conflict(d *document, incoming common.EditOperation) error {
	c := Conflicted{
		LocalVersion: d.version,
		Incoming:     incoming,
		Pending:      append([]common.EditOperation{}, d.pending...),
	}
	d.state = c
	s.logger.Printf("document %s: %s", d.id, c)
	return &common.ConflictError{DocumentID: d.id, LocalVersion: c.LocalVersion, Incoming: incoming}
}

// ResolveKeepLocal discards the conflicting remote operations. Pending
// local operations are restamped on top of the highest version the
// backbone reported and published again.
func (s *Synchronizer) ResolveKeepLocal(documentID string) ([]common.EditOperation, error) {
	s.mu.Lock()
	d, ok := s.docs[documentID]
	if !ok {
		s.mu.Unlock()
		return nil, common.ErrUnknownDocument
	}
	if _, ok := d.state.(Conflicted); !ok {
		s.mu.Unlock()
		return nil, ErrNotConflicted
	}

	d.backlog = nil
	if d.authoritative > d.confirmed {
		d.confirmed = d.authoritative
		d.stale = true
	}
	restamped := make([]common.EditOperation, 0, len(d.pending))
	parent := d.confirmed
	for _, op := range d.pending {
		s.seq++
		op.OperationID = common.OperationID(s.self.UserID, s.now(), s.seq)
		op.ParentVersion = parent
		op.Version = parent + 1
		parent = op.Version
		restamped = append(restamped, op)
		if err := s.session.Emit(d.room, common.Edit, op.Event()); err != nil {
			s.logger.Printf("emit %s: %v", op.OperationID, err)
		}
	}
	d.pending = restamped
	d.version = parent
	d.state = Synced{Version: d.version}
	u := Update{DocumentID: documentID, Type: Resolved, Version: d.version, State: d.state}
	subs := s.handlers()
	s.mu.Unlock()

	notify(subs, u)
	return restamped, nil
}

// ResolveRebase drops pending local operations, applies the conflicting
// remote operations on the last accepted content, and returns the dropped
// operations so the caller can retry them against the new version.
func (s *Synchronizer) ResolveRebase(documentID string) ([]common.EditOperation, error) {
	s.mu.Lock()
	d, ok := s.docs[documentID]
	if !ok {
		s.mu.Unlock()
		return nil, common.ErrUnknownDocument
	}
	c, ok := d.state.(Conflicted)
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotConflicted
	}

	dropped := d.pending
	d.pending = nil

	remote := append([]common.EditOperation{}, d.backlog...)
	if c.Incoming.OperationID != "" && c.Incoming.AuthorID != s.self.UserID {
		remote = append([]common.EditOperation{c.Incoming}, remote...)
	}
	sort.Slice(remote, func(i, j int) bool { return remote[i].Version < remote[j].Version })

	var applied []common.EditOperation
	for _, op := range remote {
		if op.ParentVersion != d.confirmed || d.seen[op.OperationID] {
			continue
		}
		next, err := common.Apply(d.base, op)
		if err != nil {
			s.logger.Printf("document %s: rebase cannot apply %s: %v", d.id, op.OperationID, err)
			break
		}
		d.accept(op, next)
		applied = append(applied, op)
	}
	d.text = append([]byte{}, d.base...)
	d.version = d.confirmed
	d.backlog = nil
	if d.authoritative > d.confirmed {
		// the backbone is ahead of anything we can replay
		d.confirmed, d.version = d.authoritative, d.authoritative
		d.stale = true
	}
	d.state = Synced{Version: d.version}

	updates := make([]Update, 0, len(applied)+1)
	for _, op := range applied {
		updates = append(updates, Update{DocumentID: d.id, Type: Accepted, Version: op.Version, Operation: op, State: d.state})
	}
	updates = append(updates, Update{DocumentID: d.id, Type: Resolved, Version: d.version, State: d.state})
	subs := s.handlers()
	s.mu.Unlock()

	notify(subs, updates...)
	return dropped, nil
}

// must hold s.mu; next is base with op applied
func (d *document) accept(op common.EditOperation, next []byte) {
	d.base = next
	d.confirmed = op.Version
	d.version = op.Version + int64(len(d.pending))
	if op.Version > d.authoritative {
		d.authoritative = op.Version
	}
	d.log = append(d.log, op)
	d.seen[op.OperationID] = true
	if _, ok := d.state.(Conflicted); !ok {
		d.state = Synced{Version: d.version}
	}
}

func (d *document) isPending(id string) bool {
	for _, op := range d.pending {
		if op.OperationID == id {
			return true
		}
	}
	return false
}

func (s *Synchronizer) receiveEdit(ev transport.Event) {
	var ee common.EditEvent
	if err := ev.Decode(&ee); err != nil {
		s.logger.Printf("bad edit payload in %s: %v", ev.Room, err)
		return
	}
	err := s.ReceiveRemoteEdit(ee.Op())
	var conflict *common.ConflictError
	if err != nil && !errors.As(err, &conflict) && !errors.Is(err, common.ErrUnknownDocument) {
		s.logger.Printf("edit %s in %s: %v", ee.OperationID, ev.Room, err)
	}
}

func (s *Synchronizer) receiveAck(ev transport.Event) {
	var ae common.AckEvent
	if err := ev.Decode(&ae); err != nil {
		s.logger.Printf("bad ack payload in %s: %v", ev.Room, err)
		return
	}

	s.mu.Lock()
	d, ok := s.docs[ae.DocumentID]
	if !ok || d.seen[ae.OperationID] {
		s.mu.Unlock()
		return
	}
	if len(d.pending) == 0 || d.pending[0].OperationID != ae.OperationID {
		s.mu.Unlock()
		s.logger.Printf("document %s: ack for unknown or out of order operation %s", ae.DocumentID, ae.OperationID)
		return
	}

	op := d.pending[0]
	next, err := common.Apply(d.base, op)
	if err != nil {
		// cannot happen: op already applied cleanly on top of base
		next = d.base
	}
	d.pending = d.pending[1:]
	d.accept(op, next)
	u := Update{DocumentID: d.id, Type: Confirmed, Version: op.Version, Operation: op, State: d.state}
	subs := s.handlers()
	s.mu.Unlock()

	notify(subs, u)
}

func (s *Synchronizer) receiveReject(ev transport.Event) {
	var ae common.AckEvent
	if err := ev.Decode(&ae); err != nil {
		s.logger.Printf("bad reject payload in %s: %v", ev.Room, err)
		return
	}

	s.mu.Lock()
	d, ok := s.docs[ae.DocumentID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if ae.Version > d.authoritative {
		d.authoritative = ae.Version
	}
	var own common.EditOperation
	for _, op := range d.pending {
		if op.OperationID == ae.OperationID {
			own = op
			break
		}
	}
	if _, already := d.state.(Conflicted); already || own.OperationID == "" {
		s.mu.Unlock()
		return
	}

	s.conflict(d, own)
	c := d.state.(Conflicted)
	c.LocalVersion = d.authoritative
	d.state = c
	u := Update{DocumentID: d.id, Type: Conflict, Version: d.version, Operation: own, State: d.state}
	subs := s.handlers()
	s.mu.Unlock()

	notify(subs, u)
}

func (s *Synchronizer) receiveVersion(ev transport.Event) {
	var ve common.VersionEvent
	if err := ev.Decode(&ve); err != nil {
		s.logger.Printf("bad version payload in %s: %v", ev.Room, err)
		return
	}
	if ve.Version == nil {
		return
	}

	s.mu.Lock()
	d, ok := s.docs[ve.DocumentID]
	if !ok {
		s.mu.Unlock()
		return
	}
	v := *ve.Version
	if v > d.authoritative {
		d.authoritative = v
	}
	if _, already := d.state.(Conflicted); already || v == d.confirmed {
		s.mu.Unlock()
		return
	}

	s.logger.Printf("document %s: authoritative version %d, confirmed %d", d.id, v, d.confirmed)
	s.conflict(d, common.EditOperation{})
	u := Update{DocumentID: d.id, Type: Conflict, Version: d.version, State: d.state}
	subs := s.handlers()
	s.mu.Unlock()

	notify(subs, u)
}

// on reconnect every open document is checked against the backbone
func (s *Synchronizer) statusChanged(st transport.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch st {
	case transport.Reconnecting, transport.Disconnected:
		s.wasDown = true
	case transport.Connected:
		if !s.wasDown {
			return
		}
		s.wasDown = false
		for _, id := range sortedDocs(s.docs) {
			d := s.docs[id]
			if err := s.session.Emit(d.room, common.Version, common.VersionEvent{DocumentID: id}); err != nil {
				s.logger.Printf("version request for %s: %v", id, err)
			}
		}
	}
}

// Snapshot returns the current view of documentID.
func (s *Synchronizer) Snapshot(documentID string) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[documentID]
	if !ok {
		return View{}, common.ErrUnknownDocument
	}
	return View{
		DocumentID: d.id,
		Room:       d.room,
		Version:    d.version,
		Confirmed:  d.confirmed,
		State:      d.state,
		Text:       string(d.text),
		Pending:    len(d.pending),
		Stale:      d.stale,
	}, nil
}

// History returns the accepted operations of documentID in version order.
func (s *Synchronizer) History(documentID string) []common.EditOperation {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[documentID]
	if !ok {
		return nil
	}
	return append([]common.EditOperation{}, d.log...)
}

// Documents lists the open documents.
func (s *Synchronizer) Documents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedDocs(s.docs)
}

func (s *Synchronizer) OnUpdate(fn func(Update)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// must hold s.mu
func (s *Synchronizer) handlers() []func(Update) {
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	res := make([]func(Update), 0, len(ids))
	for _, id := range ids {
		res = append(res, s.subs[id])
	}
	return res
}

func notify(subs []func(Update), updates ...Update) {
	for _, u := range updates {
		for _, fn := range subs {
			fn(u)
		}
	}
}

func sortedDocs(m map[string]*document) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
