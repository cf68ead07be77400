package cursor

import (
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/ilnaes/padsync/internal/common"
	"github.com/ilnaes/padsync/internal/presence"
	"github.com/ilnaes/padsync/internal/transport"
)

// Roster answers who is currently present in a room.
type Roster interface {
	Present(room, userID string) bool
	OnChange(fn func(presence.Change)) func()
}

type Cursor struct {
	UserID      string
	DisplayName string
	DocumentID  string
	Position    common.Position
	Color       common.Color
	Timestamp   time.Time
}

type Selection struct {
	UserID      string
	DisplayName string
	DocumentID  string
	Range       common.Range
	Color       common.Color
	Timestamp   time.Time
}

// Tracker publishes the local cursor and selection and keeps the latest
// remote ones per document. Markers of identities that leave presence are
// pruned on every presence change, and markers from identities that are
// not present are never stored.
type Tracker struct {
	session    *transport.Session
	self       common.Identity
	roster     Roster
	logger     *log.Logger
	cursors    *markers[Cursor]
	selections *markers[Selection]
	unsub      []func()

	mu      sync.Mutex
	nextSub int
	subs    map[int]func(documentID string)
}

func NewTracker(session *transport.Session, self common.Identity, roster Roster, logger *log.Logger) *Tracker {
	if logger == nil {
		logger = log.New(os.Stderr, "[cursor] ", log.LstdFlags)
	}
	t := &Tracker{
		session:    session,
		self:       self,
		roster:     roster,
		logger:     logger,
		cursors:    newMarkers[Cursor](),
		selections: newMarkers[Selection](),
		subs:       make(map[int]func(string)),
	}
	t.unsub = append(t.unsub,
		session.On(common.Cursor, t.receiveCursor),
		session.On(common.Selection, t.receiveSelection),
		roster.OnChange(func(presence.Change) { t.Prune() }),
		session.OnLeave(func(string) { t.Prune() }),
	)
	return t
}

func (t *Tracker) Close() {
	for _, fn := range t.unsub {
		fn()
	}
}

func (t *Tracker) PublishCursor(room, documentID string, pos common.Position) error {
	return t.session.Emit(room, common.Cursor, common.CursorEvent{
		UserID:      t.self.UserID,
		DisplayName: t.self.DisplayName,
		DocumentID:  documentID,
		Position:    pos,
		Color:       t.self.Color,
		Timestamp:   time.Now().UnixMilli(),
	})
}

func (t *Tracker) PublishSelection(room, documentID string, rng common.Range) error {
	if rng.End.Less(rng.Start) {
		rng.Start, rng.End = rng.End, rng.Start
	}
	return t.session.Emit(room, common.Selection, common.SelectionEvent{
		UserID:      t.self.UserID,
		DisplayName: t.self.DisplayName,
		DocumentID:  documentID,
		Selection:   rng,
		Color:       t.self.Color,
		Timestamp:   time.Now().UnixMilli(),
	})
}

// ObserveCursors returns the latest remote cursor per user in documentID.
func (t *Tracker) ObserveCursors(documentID string) map[string]Cursor {
	return t.cursors.snapshot(documentID)
}

// ObserveSelections returns the latest remote selection per user in
// documentID.
func (t *Tracker) ObserveSelections(documentID string) map[string]Selection {
	return t.selections.snapshot(documentID)
}

// OnChange registers fn to be told which document's markers changed.
func (t *Tracker) OnChange(fn func(documentID string)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

// Prune drops markers of identities no longer present in their room.
func (t *Tracker) Prune() {
	keep := func(room, user string) bool {
		return t.session.Joined(room) && t.roster.Present(room, user)
	}
	docs := append(t.cursors.prune(keep), t.selections.prune(keep)...)
	sort.Strings(docs)
	for i, doc := range docs {
		if i > 0 && docs[i-1] == doc {
			continue
		}
		t.notify(doc)
	}
}

func (t *Tracker) receiveCursor(ev transport.Event) {
	var ce common.CursorEvent
	if err := ev.Decode(&ce); err != nil {
		t.logger.Printf("bad cursor payload in %s: %v", ev.Room, err)
		return
	}
	if ce.UserID == "" || ce.UserID == t.self.UserID {
		return
	}
	if !t.roster.Present(ev.Room, ce.UserID) {
		// overtaken by its owner's departure
		return
	}
	color := ce.Color
	if color == "" {
		color = common.ColorFor(ce.UserID)
	}
	t.cursors.put(ev.Room, ce.DocumentID, ce.UserID, Cursor{
		UserID:      ce.UserID,
		DisplayName: ce.DisplayName,
		DocumentID:  ce.DocumentID,
		Position:    ce.Position,
		Color:       color,
		Timestamp:   time.UnixMilli(ce.Timestamp),
	})
	t.notify(ce.DocumentID)
}

func (t *Tracker) receiveSelection(ev transport.Event) {
	var se common.SelectionEvent
	if err := ev.Decode(&se); err != nil {
		t.logger.Printf("bad selection payload in %s: %v", ev.Room, err)
		return
	}
	if se.UserID == "" || se.UserID == t.self.UserID {
		return
	}
	if !t.roster.Present(ev.Room, se.UserID) {
		// overtaken by its owner's departure
		return
	}
	color := se.Color
	if color == "" {
		color = common.ColorFor(se.UserID)
	}
	t.selections.put(ev.Room, se.DocumentID, se.UserID, Selection{
		UserID:      se.UserID,
		DisplayName: se.DisplayName,
		DocumentID:  se.DocumentID,
		Range:       se.Selection,
		Color:       color,
		Timestamp:   time.UnixMilli(se.Timestamp),
	})
	t.notify(se.DocumentID)
}

func (t *Tracker) notify(doc string) {
	t.mu.Lock()
	ids := make([]int, 0, len(t.subs))
	for id := range t.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(string), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, t.subs[id])
	}
	t.mu.Unlock()

	for _, fn := range subs {
		fn(doc)
	}
}
