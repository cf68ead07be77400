package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/ilnaes/padsync/internal/common"
	"github.com/ilnaes/padsync/internal/lock"
	"github.com/ilnaes/padsync/internal/store"
	"github.com/ilnaes/padsync/internal/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Options struct {
	Store    store.Store   // defaults to an in-memory log
	Versions Versions      // defaults to in-memory versions seeded from Store
	Locks    lock.Registry // defaults to an in-process table
	Bridge   Bridge
	Secret   []byte // empty runs in development mode
	// Liveness bounds how old a presence announcement replayed to a late
	// joiner may be.
	Liveness time.Duration
	Logger   *log.Logger
}

type stickyEvent struct {
	frame common.Frame
	at    time.Time
}

// Server is the relay backbone: it tracks room membership, fans events
// out to the other members of a room, and decides which edit wins each
// version of a document.
type Server struct {
	store    store.Store
	versions Versions
	locks    lock.Registry
	bridge   Bridge
	secret   []byte
	logger   *log.Logger
	liveness time.Duration
	instance string

	mu      sync.RWMutex
	clients map[*Client]bool
	rooms   map[string]map[*Client]bool
	sticky  map[string]map[string]stickyEvent // room -> key -> last presence or lock event
	docs    map[string]*sync.Mutex            // serializes edits of one document
}

func New(opts Options) *Server {
	s := &Server{
		store:    opts.Store,
		versions: opts.Versions,
		locks:    opts.Locks,
		bridge:   opts.Bridge,
		secret:   opts.Secret,
		logger:   opts.Logger,
		liveness: opts.Liveness,
		instance: uuid.NewString(),
		clients:  make(map[*Client]bool),
		rooms:    make(map[string]map[*Client]bool),
		sticky:   make(map[string]map[string]stickyEvent),
		docs:     make(map[string]*sync.Mutex),
	}
	if s.store == nil {
		s.store = store.NewMemory()
	}
	if s.versions == nil {
		s.versions = NewMemoryVersions(s.store.Latest)
	}
	if s.locks == nil {
		s.locks = lock.NewTable()
	}
	if s.logger == nil {
		s.logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}
	if s.liveness <= 0 {
		s.liveness = 30 * time.Second
	}
	return s
}

func (s *Server) Instance() string { return s.instance }

// Start runs the cross-instance bridge, if any, until ctx ends.
func (s *Server) Start(ctx context.Context) {
	if s.bridge == nil {
		return
	}
	go func() {
		err := s.bridge.Run(ctx, s.deliverRemote)
		if err != nil && ctx.Err() == nil {
			s.logger.Printf("bridge stopped: %v", err)
		}
	}()
}

// Close disconnects every client.
func (s *Server) Close() {
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()
	for _, c := range clients {
		c.close()
	}
}

// serve runs one connection until it ends.
func (s *Server) serve(conn transport.Conn, id common.Identity) {
	c := s.newClient(conn, id)
	s.mu.Lock()
	s.clients[c] = true
	s.mu.Unlock()

	go c.writer()
	c.interact()
	c.close()
	s.drop(c)
}

// Dialer connects an in-process session as id without a network hop.
func (s *Server) Dialer(id common.Identity) transport.Dialer {
	return transport.DialerFunc(func(ctx context.Context) (transport.Conn, error) {
		client, server := transport.Pipe()
		go s.serve(server, id)
		return client, nil
	})
}

func (s *Server) join(c *Client, room string) {
	s.mu.Lock()
	members, ok := s.rooms[room]
	if !ok {
		members = make(map[*Client]bool)
		s.rooms[room] = members
	}
	members[c] = true
	c.rooms[room] = true

	// late joiners see who is here and what is locked
	now := time.Now()
	events := s.sticky[room]
	keys := make([]string, 0, len(events))
	for key, ev := range events {
		if strings.HasPrefix(key, "presence:") && now.Sub(ev.at) > s.liveness {
			delete(events, key)
			continue
		}
		if key != presenceKey(c.identity.UserID) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	snapshot := make([]common.Frame, 0, len(keys))
	for _, key := range keys {
		snapshot = append(snapshot, events[key].frame)
	}
	s.mu.Unlock()

	for _, f := range snapshot {
		c.write(f)
	}
}

func presenceKey(userID string) string { return "presence:" + userID }

func lockKey(documentID string) string { return "lock:" + documentID }

func (s *Server) leave(c *Client, room string) {
	s.mu.Lock()
	gone := s.removeLocked(c, room)
	s.mu.Unlock()
	if gone {
		s.announceOffline(room, c.identity)
	}
}

// drop removes a closed client from all of its rooms.
func (s *Server) drop(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	var gone []string
	for room := range c.rooms {
		if s.removeLocked(c, room) {
			gone = append(gone, room)
		}
	}
	s.mu.Unlock()
	sort.Strings(gone)
	for _, room := range gone {
		s.announceOffline(room, c.identity)
	}
}

// removeLocked reports whether c's user has no connection left in room.
func (s *Server) removeLocked(c *Client, room string) bool {
	if !c.rooms[room] {
		return false
	}
	delete(c.rooms, room)
	members := s.rooms[room]
	delete(members, c)
	if len(members) == 0 {
		delete(s.rooms, room)
	}
	for other := range members {
		if other.identity.UserID == c.identity.UserID {
			return false
		}
	}
	if events := s.sticky[room]; events != nil {
		delete(events, presenceKey(c.identity.UserID))
		if len(events) == 0 {
			delete(s.sticky, room)
		}
	}
	return true
}

func (s *Server) announceOffline(room string, id common.Identity) {
	f, err := common.Encode(common.OpEvent, room, common.Presence, common.PresenceEvent{
		UserID:      id.UserID,
		DisplayName: id.DisplayName,
		Status:      common.Offline,
		Timestamp:   time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	s.fanout(nil, f)
	s.publish(f)
}

func (s *Server) member(c *Client, room string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return c.rooms[room]
}

func (s *Server) handle(c *Client, f common.Frame) {
	if !s.member(c, f.Room) {
		s.logger.Printf("%s emitted %s to %s without joining", c.identity.UserID, f.Kind, f.Room)
		return
	}

	switch f.Kind {
	case common.Edit:
		s.edit(c, f)
	case common.Version:
		s.version(c, f)
	case common.Ack, common.Reject:
		// only the backbone sends these
	case common.Presence, common.Lock:
		s.remember(f)
		s.relay(c, f)
	default:
		s.relay(c, f)
	}
}

// remember keeps the latest presence of each user and the current lock
// of each document for late joiners.
func (s *Server) remember(f common.Frame) {
	var key string
	var keep bool
	switch f.Kind {
	case common.Presence:
		var pe common.PresenceEvent
		if err := json.Unmarshal(f.Payload, &pe); err != nil || pe.UserID == "" {
			return
		}
		key, keep = presenceKey(pe.UserID), pe.Status != common.Offline
	case common.Lock:
		var le common.LockEvent
		if err := json.Unmarshal(f.Payload, &le); err != nil || le.DocumentID == "" {
			return
		}
		key, keep = lockKey(le.DocumentID), le.Locked
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.sticky[f.Room]
	if !keep {
		delete(events, key)
		return
	}
	if events == nil {
		events = make(map[string]stickyEvent)
		s.sticky[f.Room] = events
	}
	events[key] = stickyEvent{
		frame: common.Frame{Op: common.OpEvent, Room: f.Room, Kind: f.Kind, Payload: f.Payload},
		at:    time.Now(),
	}
}

// deliverRemote hands a frame relayed by another instance to local members.
func (s *Server) deliverRemote(f common.Frame) {
	if f.Kind == common.Presence || f.Kind == common.Lock {
		s.remember(f)
	}
	s.fanout(nil, f)
}

// relay forwards an emitted frame to the other members of its room, here
// and on other instances.
func (s *Server) relay(from *Client, f common.Frame) {
	out := common.Frame{Op: common.OpEvent, Room: f.Room, Kind: f.Kind, Payload: f.Payload}
	s.fanout(from, out)
	s.publish(out)
}

func (s *Server) fanout(from *Client, f common.Frame) {
	s.mu.RLock()
	members := make([]*Client, 0, len(s.rooms[f.Room]))
	for c := range s.rooms[f.Room] {
		if c != from {
			members = append(members, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range members {
		c.write(f)
	}
}

func (s *Server) publish(f common.Frame) {
	if s.bridge == nil {
		return
	}
	if err := s.bridge.Publish(context.Background(), f); err != nil {
		s.logger.Printf("bridge publish to %s: %v", f.Room, err)
	}
}

func (s *Server) docLock(documentID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.docs[documentID]
	if !ok {
		mu = new(sync.Mutex)
		s.docs[documentID] = mu
	}
	return mu
}

// edit accepts an operation only if its parent is the authoritative
// version. The document stays locked until the operation is relayed so
// every member receives accepted operations in version order.
func (s *Server) edit(c *Client, f common.Frame) {
	var ev common.EditEvent
	if err := json.Unmarshal(f.Payload, &ev); err != nil {
		s.logger.Printf("bad edit from %s: %v", c.identity.UserID, err)
		return
	}
	op := ev.Op()
	if err := op.Validate(); err != nil {
		s.logger.Printf("invalid edit from %s: %v", c.identity.UserID, err)
		return
	}
	if op.AuthorID != c.identity.UserID {
		s.logger.Printf("%s sent an edit authored by %s", c.identity.UserID, op.AuthorID)
		return
	}

	mu := s.docLock(op.DocumentID)
	mu.Lock()
	defer mu.Unlock()

	ctx := context.Background()
	cur, ok, err := s.versions.Advance(ctx, op.DocumentID, op.ParentVersion)
	if err != nil {
		// the author stays pending and re-checks its version on reconnect
		s.logger.Printf("advance %s: %v", op.DocumentID, err)
		return
	}

	res := common.AckEvent{DocumentID: op.DocumentID, OperationID: op.OperationID, Version: cur}
	if !ok {
		s.reply(c, f.Room, common.Reject, res)
		return
	}
	if err := s.store.Append(ctx, op); err != nil {
		// an operation missing from the log is never accepted
		s.logger.Printf("persist %s v%d: %v", op.DocumentID, op.Version, err)
		if _, err := s.versions.Revert(ctx, op.DocumentID, cur); err != nil {
			s.logger.Printf("revert %s to v%d: %v", op.DocumentID, op.ParentVersion, err)
		}
		res.Version = op.ParentVersion
		s.reply(c, f.Room, common.Reject, res)
		return
	}
	s.relay(c, f)
	s.reply(c, f.Room, common.Ack, res)
}

func (s *Server) version(c *Client, f common.Frame) {
	var ve common.VersionEvent
	if err := json.Unmarshal(f.Payload, &ve); err != nil || ve.DocumentID == "" {
		return
	}
	// after any accepted operation has been relayed
	mu := s.docLock(ve.DocumentID)
	mu.Lock()
	defer mu.Unlock()
	cur, err := s.versions.Current(context.Background(), ve.DocumentID)
	if err != nil {
		s.logger.Printf("version of %s: %v", ve.DocumentID, err)
		return
	}
	s.reply(c, f.Room, common.Version, common.VersionEvent{DocumentID: ve.DocumentID, Version: &cur})
}

func (s *Server) reply(c *Client, room string, kind common.Kind, v interface{}) {
	f, err := common.Encode(common.OpEvent, room, kind, v)
	if err != nil {
		s.logger.Printf("encode %s: %v", kind, err)
		return
	}
	c.write(f)
}

// set up websocket
func (s *Server) ws(w http.ResponseWriter, r *http.Request) {
	id, ok := identityFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthenticated", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Println(err)
		return
	}
	s.serve(transport.NewWebsocketConn(conn), id)
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	var req lock.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DocumentID == "" {
		writeJSON(w, http.StatusBadRequest, lock.Response{Error: "bad format"})
		return
	}

	switch req.Action {
	case lock.ActionLock:
		l, err := s.locks.Acquire(r.Context(), req.DocumentID, id)
		var denied *common.LockDeniedError
		if errors.As(err, &denied) {
			writeJSON(w, http.StatusConflict, lock.Response{
				HolderID:   denied.HolderID,
				HolderName: denied.HolderName,
				Error:      denied.Error(),
			})
			return
		}
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, lock.Response{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, lock.Response{
			Success:    true,
			HolderID:   l.HolderID,
			HolderName: l.HolderName,
			AcquiredAt: l.AcquiredAt,
		})
	case lock.ActionUnlock:
		err := s.locks.Release(r.Context(), req.DocumentID, id.UserID, req.Force)
		if errors.Is(err, common.ErrNotHolder) {
			writeJSON(w, http.StatusForbidden, lock.Response{Error: err.Error()})
			return
		}
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, lock.Response{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, lock.Response{Success: true})
	default:
		writeJSON(w, http.StatusBadRequest, lock.Response{Error: "unknown action " + req.Action})
	}
}

func (s *Server) listLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := s.locks.List(r.Context())
	if err != nil {
		s.logger.Printf("list locks: %v", err)
		http.Error(w, "Locks unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, locks)
}

// history returns the accepted operations after ?since= in wire form.
func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	doc := mux.Vars(r)["docid"]
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		var err error
		if since, err = strconv.ParseInt(v, 10, 64); err != nil || since < 0 {
			http.Error(w, "Malformed since", http.StatusBadRequest)
			return
		}
	}

	ops, err := s.store.Since(r.Context(), doc, since)
	if err != nil {
		s.logger.Printf("history of %s: %v", doc, err)
		http.Error(w, "Store unavailable", http.StatusServiceUnavailable)
		return
	}
	events := make([]common.EditEvent, 0, len(ops))
	for _, op := range ops {
		events = append(events, op.Event())
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) currentVersion(w http.ResponseWriter, r *http.Request) {
	doc := mux.Vars(r)["docid"]
	mu := s.docLock(doc)
	mu.Lock()
	cur, err := s.versions.Current(r.Context(), doc)
	mu.Unlock()
	if err != nil {
		s.logger.Printf("version of %s: %v", doc, err)
		http.Error(w, "Versions unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, common.VersionEvent{DocumentID: doc, Version: &cur})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	rooms := len(s.rooms)
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"instance": s.instance,
		"rooms":    rooms,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
