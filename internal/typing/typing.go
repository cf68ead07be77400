package typing

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

type Roster interface {
	Present(room, userID string) bool
	OnChange(fn func(presence.Change)) func()
}

type State struct {
	UserID     string
	DocumentID string
	IsTyping   bool
	Timestamp  time.Time
}

type entry struct {
	room  string
	state State
}

// Indicator tracks which identities are editing each document. There is no
// timer: a true must be followed by a false from the same identity, or the
// identity leaving presence.
type Indicator struct {
	session *transport.Session
	self    common.Identity
	roster  Roster
	logger  *log.Logger
	unsub   []func()

	mu      sync.Mutex
	docs    map[string]map[string]entry
	nextSub int
	subs    map[int]func(documentID string)
}

func NewIndicator(session *transport.Session, self common.Identity, roster Roster, logger *log.Logger) *Indicator {
	if logger == nil {
		logger = log.New(os.Stderr, "[typing] ", log.LstdFlags)
	}
	ind := &Indicator{
		session: session,
		self:    self,
		roster:  roster,
		logger:  logger,
		docs:    make(map[string]map[string]entry),
		subs:    make(map[int]func(string)),
	}
	ind.unsub = append(ind.unsub,
		session.On(common.Typing, ind.receive),
		roster.OnChange(func(presence.Change) { ind.Prune() }),
		session.OnLeave(func(string) { ind.Prune() }),
	)
	return ind
}

func (ind *Indicator) Close() {
	for _, fn := range ind.unsub {
		fn()
	}
}

func (ind *Indicator) SetTyping(room, documentID string, isTyping bool) error {
	return ind.session.Emit(room, common.Typing, common.TypingEvent{
		UserID:      ind.self.UserID,
		DisplayName: ind.self.DisplayName,
		DocumentID:  documentID,
		IsTyping:    isTyping,
		Timestamp:   time.Now().UnixMilli(),
	})
}

// ObserveTyping returns the sorted ids of identities typing in documentID.
func (ind *Indicator) ObserveTyping(documentID string) []string {
	ind.mu.Lock()
	defer ind.mu.Unlock()
	res := make([]string, 0, len(ind.docs[documentID]))
	for user, e := range ind.docs[documentID] {
		if e.state.IsTyping {
			res = append(res, user)
		}
	}
	sort.Strings(res)
	return res
}

func (ind *Indicator) OnChange(fn func(documentID string)) func() {
	ind.mu.Lock()
	defer ind.mu.Unlock()
	id := ind.nextSub
	ind.nextSub++
	ind.subs[id] = fn
	return func() {
		ind.mu.Lock()
		delete(ind.subs, id)
		ind.mu.Unlock()
	}
}

// Prune clears typing state of identities no longer present in their room.
func (ind *Indicator) Prune() {
	ind.mu.Lock()
	var touched []string
	for doc, users := range ind.docs {
		n := len(users)
		for user, e := range users {
			if !ind.session.Joined(e.room) || !ind.roster.Present(e.room, user) {
				delete(users, user)
			}
		}
		if len(users) != n {
			touched = append(touched, doc)
		}
		if len(users) == 0 {
			delete(ind.docs, doc)
		}
	}
	ind.mu.Unlock()

	sort.Strings(touched)
	for _, doc := range touched {
		ind.notify(doc)
	}
}

func (ind *Indicator) receive(ev transport.Event) {
	var te common.TypingEvent
	if err := ev.Decode(&te); err != nil {
		ind.logger.Printf("bad typing payload in %s: %v", ev.Room, err)
		return
	}
	if te.UserID == "" || te.UserID == ind.self.UserID {
		return
	}
	if te.IsTyping && !ind.roster.Present(ev.Room, te.UserID) {
		return
	}

	ind.mu.Lock()
	users := ind.docs[te.DocumentID]
	if te.IsTyping {
		if users == nil {
			users = make(map[string]entry)
			ind.docs[te.DocumentID] = users
		}
		users[te.UserID] = entry{room: ev.Room, state: State{
			UserID:     te.UserID,
			DocumentID: te.DocumentID,
			IsTyping:   true,
			Timestamp:  time.UnixMilli(te.Timestamp),
		}}
	} else {
		delete(users, te.UserID)
		if len(users) == 0 {
			delete(ind.docs, te.DocumentID)
		}
	}
	ind.mu.Unlock()

	ind.notify(te.DocumentID)
}

func (ind *Indicator) notify(doc string) {
	ind.mu.Lock()
	ids := make([]int, 0, len(ind.subs))
	for id := range ind.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(string), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, ind.subs[id])
	}
	ind.mu.Unlock()

	for _, fn := range subs {
		fn(doc)
	}
}
