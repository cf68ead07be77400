package transport

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"github.com/ilnaes/padsync/internal/common"
)

type Status string

const (
	Disconnected Status = "disconnected"
	Connecting   Status = "connecting"
	Connected    Status = "connected"
	Reconnecting Status = "reconnecting"
	Closed       Status = "closed"
)

const (
	MaxQueue      = 1024
	DispatchQueue = 1024
)

// Event is one received room-scoped message.
type Event struct {
	Room    string
	Kind    common.Kind
	Payload json.RawMessage
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

type Handler func(Event)

// Options tunes a Session. Zero values fall back to defaults.
type Options struct {
	Logger *log.Logger

	// NewBackOff builds the reconnect policy. Defaults to an exponential
	// backoff that never gives up.
	NewBackOff func() backoff.BackOff
}

// Session owns one logical connection to the backbone. Inbound events are
// delivered to subscribers on a single dispatch goroutine, one at a time.
type Session struct {
	id         string
	dialer     Dialer
	logger     *log.Logger
	newBackOff func() backoff.BackOff

	events chan func()
	wake   chan struct{}
	done   chan struct{}

	mu         sync.Mutex // protects the fields below
	started    bool
	closed     bool
	status     Status
	rooms      map[string]bool
	queue      []common.Frame
	nextSub    int
	subs       map[common.Kind]map[int]Handler
	roomSubs   map[string]map[common.Kind]map[int]Handler
	statusSubs map[int]func(Status)
	leaveSubs  map[int]func(string)
}

func NewSession(dialer Dialer, opts Options) *Session {
	s := &Session{
		id:         uuid.NewString(),
		dialer:     dialer,
		logger:     opts.Logger,
		newBackOff: opts.NewBackOff,
		events:     make(chan func(), DispatchQueue),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		status:     Disconnected,
		rooms:      make(map[string]bool),
		subs:       make(map[common.Kind]map[int]Handler),
		roomSubs:   make(map[string]map[common.Kind]map[int]Handler),
		statusSubs: make(map[int]func(Status)),
		leaveSubs:  make(map[int]func(string)),
	}
	if s.logger == nil {
		s.logger = log.New(os.Stderr, "[transport] ", log.LstdFlags)
	}
	if s.newBackOff == nil {
		s.newBackOff = defaultBackOff
	}
	return s
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// ID identifies this session on the wire for logging.
func (s *Session) ID() string { return s.id }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Connect establishes the channel. Calling it again while connected or
// reconnecting is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return common.ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.setStatus(Connecting)
	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		s.setStatus(Disconnected)
		return &common.TransportError{Op: "connect", Err: err}
	}

	go s.dispatch()
	go s.loop(conn)
	return nil
}

// Close tears the session down. Subscribers receive a final Closed status.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.status = Closed
	subs := s.statusHandlers()
	s.mu.Unlock()

	for _, fn := range subs {
		fn(Closed)
	}
	if started {
		close(s.done)
	}
	return nil
}

// JoinRoom scopes subsequent broadcasts to room. Joined rooms survive
// reconnects.
func (s *Session) JoinRoom(room string) {
	s.mu.Lock()
	if s.rooms[room] {
		s.mu.Unlock()
		return
	}
	s.rooms[room] = true
	s.enqueue(common.Frame{Op: common.OpJoin, Room: room})
	s.mu.Unlock()
	s.signal()
}

// LeaveRoom stops listening to room: room-scoped subscriptions are dropped
// and leave hooks run before it returns. Already sent messages stay sent.
func (s *Session) LeaveRoom(room string) {
	s.mu.Lock()
	if !s.rooms[room] {
		s.mu.Unlock()
		return
	}
	delete(s.rooms, room)
	delete(s.roomSubs, room)
	s.enqueue(common.Frame{Op: common.OpLeave, Room: room})
	hooks := make([]func(string), 0, len(s.leaveSubs))
	for _, id := range sortedKeys(s.leaveSubs) {
		hooks = append(hooks, s.leaveSubs[id])
	}
	s.mu.Unlock()
	s.signal()

	for _, fn := range hooks {
		fn(room)
	}
}

// Rooms lists the joined rooms.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	return rooms
}

// rejoin lists the rooms a fresh connection joins up front. The first
// queued join of each of them is dropped unless a leave of that room
// is queued before it.
func (s *Session) rejoin() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)

	left := make(map[string]bool)
	covered := make(map[string]bool)
	queue := s.queue[:0]
	for _, f := range s.queue {
		switch f.Op {
		case common.OpLeave:
			left[f.Room] = true
		case common.OpJoin:
			if s.rooms[f.Room] && !left[f.Room] && !covered[f.Room] {
				covered[f.Room] = true
				continue
			}
		}
		queue = append(queue, f)
	}
	s.queue = queue
	return rooms
}

func (s *Session) Joined(room string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[room]
}

// Emit publishes an event to room. It never blocks: while the channel is
// down frames are queued and flushed after reconnecting. Only encoding
// failures and a closed session are reported.
func (s *Session) Emit(room string, kind common.Kind, payload interface{}) error {
	f, err := common.Encode(common.OpEmit, room, kind, payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return common.ErrClosed
	}
	s.enqueue(f)
	s.mu.Unlock()
	s.signal()
	return nil
}

// On registers fn for every received event of kind, in any room.
func (s *Session) On(kind common.Kind, fn Handler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	if s.subs[kind] == nil {
		s.subs[kind] = make(map[int]Handler)
	}
	s.subs[kind][id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs[kind], id)
		s.mu.Unlock()
	}
}

// OnRoom registers fn for events of kind in room. The subscription is
// dropped when the room is left.
func (s *Session) OnRoom(room string, kind common.Kind, fn Handler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	if s.roomSubs[room] == nil {
		s.roomSubs[room] = make(map[common.Kind]map[int]Handler)
	}
	if s.roomSubs[room][kind] == nil {
		s.roomSubs[room][kind] = make(map[int]Handler)
	}
	s.roomSubs[room][kind][id] = fn
	return func() {
		s.mu.Lock()
		if m := s.roomSubs[room]; m != nil {
			delete(m[kind], id)
		}
		s.mu.Unlock()
	}
}

// OnStatus registers fn for connection status changes.
func (s *Session) OnStatus(fn func(Status)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.statusSubs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.statusSubs, id)
		s.mu.Unlock()
	}
}

// OnLeave registers fn to run whenever a room is left.
func (s *Session) OnLeave(fn func(room string)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.leaveSubs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.leaveSubs, id)
		s.mu.Unlock()
	}
}

// must hold s.mu
func (s *Session) enqueue(f common.Frame) {
	if len(s.queue) >= MaxQueue {
		dropped := s.queue[0]
		s.queue = s.queue[1:]
		s.logger.Printf("session %s: outbound queue full, dropping %s %s frame for %s", s.id, dropped.Op, dropped.Kind, dropped.Room)
	}
	s.queue = append(s.queue, f)
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) pop() (common.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return common.Frame{}, false
	}
	f := s.queue[0]
	s.queue = s.queue[1:]
	return f, true
}

// puts a frame that failed to send back at the head of the queue
func (s *Session) requeue(f common.Frame) {
	s.mu.Lock()
	s.queue = append([]common.Frame{f}, s.queue...)
	s.mu.Unlock()
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	if s.status == st || s.status == Closed {
		s.mu.Unlock()
		return
	}
	s.status = st
	s.mu.Unlock()

	s.post(func() {
		s.mu.Lock()
		subs := s.statusHandlers()
		s.mu.Unlock()
		for _, fn := range subs {
			fn(st)
		}
	})
}

// must hold s.mu
func (s *Session) statusHandlers() []func(Status) {
	subs := make([]func(Status), 0, len(s.statusSubs))
	for _, id := range sortedKeys(s.statusSubs) {
		subs = append(subs, s.statusSubs[id])
	}
	return subs
}

// queues fn on the dispatch goroutine
func (s *Session) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.done:
	}
}

func (s *Session) dispatch() {
	for {
		select {
		case fn := <-s.events:
			fn()
		case <-s.done:
			return
		}
	}
}

func (s *Session) deliver(f common.Frame) {
	if f.Op != common.OpEvent {
		s.logger.Printf("session %s: ignoring %q frame", s.id, f.Op)
		return
	}
	ev := Event{Room: f.Room, Kind: f.Kind, Payload: f.Payload}

	s.post(func() {
		s.mu.Lock()
		if !s.rooms[ev.Room] {
			s.mu.Unlock()
			return
		}
		var hs []Handler
		for _, id := range sortedKeys(s.subs[ev.Kind]) {
			hs = append(hs, s.subs[ev.Kind][id])
		}
		if m := s.roomSubs[ev.Room]; m != nil {
			for _, id := range sortedKeys(m[ev.Kind]) {
				hs = append(hs, m[ev.Kind][id])
			}
		}
		s.mu.Unlock()

		for _, h := range hs {
			h(ev)
		}
	})
}

// keeps the session connected until Close
func (s *Session) loop(conn Conn) {
	for {
		err := s.serve(conn)
		select {
		case <-s.done:
			return
		default:
		}
		s.logger.Printf("session %s: %v", s.id, &common.TransportError{Op: "read", Err: err})
		s.setStatus(Reconnecting)

		conn = s.redial()
		if conn == nil {
			return
		}
	}
}

func (s *Session) redial() Conn {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	var conn Conn
	op := func() error {
		c, err := s.dialer.Dial(ctx)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, d time.Duration) {
		s.logger.Printf("session %s: reconnect failed: %v, retrying in %s", s.id, err, d)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(s.newBackOff(), ctx), notify); err != nil {
		s.logger.Printf("session %s: giving up reconnecting: %v", s.id, err)
		return nil
	}
	return conn
}

// runs one connection until it fails or the session closes
func (s *Session) serve(conn Conn) error {
	defer conn.Close()

	for _, room := range s.rejoin() {
		if err := conn.WriteFrame(common.Frame{Op: common.OpJoin, Room: room}); err != nil {
			return err
		}
	}
	s.setStatus(Connected)

	readErr := make(chan error, 1)
	go func() {
		for {
			var f common.Frame
			if err := conn.ReadFrame(&f); err != nil {
				readErr <- err
				return
			}
			s.deliver(f)
		}
	}()

	s.signal()
	for {
		select {
		case <-s.wake:
			for {
				f, ok := s.pop()
				if !ok {
					break
				}
				if err := conn.WriteFrame(f); err != nil {
					s.requeue(f)
					conn.Close()
					<-readErr
					return err
				}
			}
		case err := <-readErr:
			return err
		case <-s.done:
			conn.Close()
			<-readErr
			return nil
		}
	}
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
