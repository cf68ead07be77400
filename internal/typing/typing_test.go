package typing

import (
	"context"
	"errors"
	"io/ioutil"
	"log"
	"reflect"
	"testing"

	"github.com/ilnaes/padsync/internal/common"
	"github.com/ilnaes/padsync/internal/presence"
	"github.com/ilnaes/padsync/internal/transport"
)

var quiet = log.New(ioutil.Discard, "", 0)

type fakeRoster struct {
	present map[string]bool
	subs    []func(presence.Change)
}

func (r *fakeRoster) Present(room, user string) bool { return r.present[room+"/"+user] }

func (r *fakeRoster) OnChange(fn func(presence.Change)) func() {
	r.subs = append(r.subs, fn)
	return func() {}
}

func (r *fakeRoster) set(room, user string, present bool) {
	r.present[room+"/"+user] = present
	for _, fn := range r.subs {
		fn(presence.Change{Room: room, Type: presence.Updated})
	}
}

func newTestIndicator() (*Indicator, *fakeRoster) {
	s := transport.NewSession(transport.DialerFunc(func(context.Context) (transport.Conn, error) {
		return nil, errors.New("offline")
	}), transport.Options{Logger: quiet})
	s.JoinRoom("room")
	roster := &fakeRoster{present: map[string]bool{}}
	return NewIndicator(s, common.NewIdentity("alice", ""), roster, quiet), roster
}

func typingEvent(t *testing.T, user, doc string, on bool) transport.Event {
	t.Helper()
	f, err := common.Encode(common.OpEvent, "room", common.Typing, common.TypingEvent{UserID: user, DocumentID: doc, IsTyping: on, Timestamp: 1})
	if err != nil {
		t.Fatal(err)
	}
	return transport.Event{Room: "room", Kind: common.Typing, Payload: f.Payload}
}

func TestTypingSetAndClear(t *testing.T) {
	ind, roster := newTestIndicator()
	roster.set("room", "bob", true)
	roster.set("room", "carol", true)

	ind.receive(typingEvent(t, "carol", "d", true))
	ind.receive(typingEvent(t, "bob", "d", true))
	if got := ind.ObserveTyping("d"); !reflect.DeepEqual(got, []string{"bob", "carol"}) {
		t.Fatalf("unexpected typing set %v", got)
	}

	ind.receive(typingEvent(t, "bob", "d", false))
	if got := ind.ObserveTyping("d"); !reflect.DeepEqual(got, []string{"carol"}) {
		t.Fatalf("bob not cleared: %v", got)
	}
}

func TestTypingDuplicateIdempotent(t *testing.T) {
	ind, roster := newTestIndicator()
	roster.set("room", "bob", true)

	ev := typingEvent(t, "bob", "d", true)
	ind.receive(ev)
	once := ind.ObserveTyping("d")
	ind.receive(ev)
	if twice := ind.ObserveTyping("d"); !reflect.DeepEqual(once, twice) {
		t.Fatalf("duplicate changed state: %v vs %v", once, twice)
	}
}

func TestTypingNeverExpiresWhilePresent(t *testing.T) {
	ind, roster := newTestIndicator()
	roster.set("room", "bob", true)
	ind.receive(typingEvent(t, "bob", "d", true))

	ind.Prune()
	ind.Prune()
	if got := ind.ObserveTyping("d"); len(got) != 1 {
		t.Fatalf("typing cleared without signal: %v", got)
	}
}

func TestGhostTypingPrunedWithPresence(t *testing.T) {
	ind, roster := newTestIndicator()
	roster.set("room", "bob", true)
	ind.receive(typingEvent(t, "bob", "d", true))

	var changed []string
	ind.OnChange(func(doc string) { changed = append(changed, doc) })

	roster.set("room", "bob", false)
	if got := ind.ObserveTyping("d"); len(got) != 0 {
		t.Fatalf("ghost typing indicator: %v", got)
	}
	if len(changed) != 1 {
		t.Fatalf("expected change notification, got %v", changed)
	}
}

func TestTypingAfterDepartureIgnored(t *testing.T) {
	ind, roster := newTestIndicator()
	roster.set("room", "bob", true)
	roster.set("room", "bob", false)

	// delivered after bob's offline presence
	ind.receive(typingEvent(t, "bob", "d", true))
	if got := ind.ObserveTyping("d"); len(got) != 0 {
		t.Fatalf("absent user shown typing: %v", got)
	}
}
