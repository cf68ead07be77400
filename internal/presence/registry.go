package presence

import (
	"context"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/ilnaes/padsync/internal/common"
	"github.com/ilnaes/padsync/internal/transport"
)

const DefaultLiveness = 30 * time.Second

// Record is the latest announcement of one identity in a room. Each
// announcement is a full snapshot.
type Record struct {
	UserID          string
	DisplayName     string
	Status          common.Status
	CurrentPage     string
	CurrentDocument string
	LastSeen        time.Time
}

type ChangeType string

const (
	Added   ChangeType = "added"
	Updated ChangeType = "updated"
	Removed ChangeType = "removed"
)

type Change struct {
	Room   string
	Type   ChangeType
	Record Record
}

type entry struct {
	rec      Record
	received time.Time // local receipt time, drives liveness
}

type Options struct {
	// Liveness is how long a record survives without a new announcement.
	Liveness time.Duration
	Logger   *log.Logger
	Now      func() time.Time
}

// Registry tracks who is present in each joined room.
type Registry struct {
	session  *transport.Session
	self     common.Identity
	liveness time.Duration
	logger   *log.Logger
	now      func() time.Time
	unsub    []func()

	mu      sync.Mutex // protects the fields below
	rooms   map[string]map[string]entry
	nextSub int
	subs    map[int]func(Change)
}

func NewRegistry(session *transport.Session, self common.Identity, opts Options) *Registry {
	r := &Registry{
		session:  session,
		self:     self,
		liveness: opts.Liveness,
		logger:   opts.Logger,
		now:      opts.Now,
		rooms:    make(map[string]map[string]entry),
		subs:     make(map[int]func(Change)),
	}
	if r.liveness <= 0 {
		r.liveness = DefaultLiveness
	}
	if r.logger == nil {
		r.logger = log.New(os.Stderr, "[presence] ", log.LstdFlags)
	}
	if r.now == nil {
		r.now = time.Now
	}

	r.unsub = append(r.unsub,
		session.On(common.Presence, r.receive),
		session.OnLeave(r.dropRoom),
	)
	return r
}

// Close detaches the registry from the session.
func (r *Registry) Close() {
	for _, fn := range r.unsub {
		fn()
	}
}

// Announce publishes the local identity's presence in room and records it
// locally.
func (r *Registry) Announce(room string, status common.Status, page, document string) error {
	ev := common.PresenceEvent{
		UserID:          r.self.UserID,
		DisplayName:     r.self.DisplayName,
		Status:          status,
		CurrentPage:     page,
		CurrentDocument: document,
		Timestamp:       r.now().UnixMilli(),
	}
	r.apply(room, ev)
	return r.session.Emit(room, common.Presence, ev)
}

// Observe returns a copy of the records currently present in room.
func (r *Registry) Observe(room string) map[string]Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make(map[string]Record, len(r.rooms[room]))
	for id, e := range r.rooms[room] {
		res[id] = e.rec
	}
	return res
}

// Present reports whether userID has a live record in room.
func (r *Registry) Present(room, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[room][userID]
	return ok
}

// OnChange registers fn for every add, update and removal.
func (r *Registry) OnChange(fn func(Change)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

func (r *Registry) receive(ev transport.Event) {
	var pe common.PresenceEvent
	if err := ev.Decode(&pe); err != nil {
		r.logger.Printf("bad presence payload in %s: %v", ev.Room, err)
		return
	}
	if pe.UserID == "" {
		return
	}
	r.apply(ev.Room, pe)
}

func (r *Registry) apply(room string, pe common.PresenceEvent) {
	rec := Record{
		UserID:          pe.UserID,
		DisplayName:     pe.DisplayName,
		Status:          pe.Status,
		CurrentPage:     pe.CurrentPage,
		CurrentDocument: pe.CurrentDocument,
		LastSeen:        time.UnixMilli(pe.Timestamp),
	}

	r.mu.Lock()
	members := r.rooms[room]
	old, existed := members[pe.UserID]

	var ch *Change
	if pe.Status == common.Offline {
		if existed {
			delete(members, pe.UserID)
			ch = &Change{Room: room, Type: Removed, Record: old.rec}
		}
	} else {
		if members == nil {
			members = make(map[string]entry)
			r.rooms[room] = members
		}
		members[pe.UserID] = entry{rec: rec, received: r.now()}
		if !existed {
			ch = &Change{Room: room, Type: Added, Record: rec}
		} else if old.rec != rec {
			ch = &Change{Room: room, Type: Updated, Record: rec}
		}
	}
	subs := r.handlers()
	r.mu.Unlock()

	if ch != nil {
		notify(subs, []Change{*ch})
	}
}

// Sweep removes records that have not been refreshed within the liveness
// window as of now. The local identity never expires.
func (r *Registry) Sweep(now time.Time) []Change {
	r.mu.Lock()
	var changes []Change
	for _, room := range sortedRooms(r.rooms) {
		members := r.rooms[room]
		for id, e := range members {
			if id == r.self.UserID {
				continue
			}
			if now.Sub(e.received) > r.liveness {
				delete(members, id)
				changes = append(changes, Change{Room: room, Type: Removed, Record: e.rec})
			}
		}
	}
	subs := r.handlers()
	r.mu.Unlock()

	if len(changes) > 0 {
		r.logger.Printf("expired %d presence records", len(changes))
		notify(subs, changes)
	}
	return changes
}

// Run sweeps expired records until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	t := time.NewTicker(r.liveness / 2)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			r.Sweep(r.now())
		case <-ctx.Done():
			return
		}
	}
}

func (r *Registry) dropRoom(room string) {
	r.mu.Lock()
	members := r.rooms[room]
	delete(r.rooms, room)
	changes := make([]Change, 0, len(members))
	for _, e := range members {
		changes = append(changes, Change{Room: room, Type: Removed, Record: e.rec})
	}
	subs := r.handlers()
	r.mu.Unlock()

	notify(subs, changes)
}

// must hold r.mu
func (r *Registry) handlers() []func(Change) {
	ids := make([]int, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	res := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		res = append(res, r.subs[id])
	}
	return res
}

func notify(subs []func(Change), changes []Change) {
	for _, c := range changes {
		for _, fn := range subs {
			fn(c)
		}
	}
}

func sortedRooms(m map[string]map[string]entry) []string {
	rooms := make([]string, 0, len(m))
	for room := range m {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}
