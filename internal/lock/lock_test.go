package lock

import (
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"log"
	"sync"
	"testing"

	"github.com/ilnaes/padsync/internal/common"
	"github.com/ilnaes/padsync/internal/transport"
)

var quiet = log.New(ioutil.Discard, "", 0)

func offlineSession() *transport.Session {
	return transport.NewSession(transport.DialerFunc(func(context.Context) (transport.Conn, error) {
		return nil, errors.New("offline")
	}), transport.Options{Logger: quiet})
}

func TestTableExclusive(t *testing.T) {
	table := NewTable()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := table.Acquire(ctx, "doc", common.NewIdentity(fmt.Sprintf("user-%d", i), ""))
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
				return
			}
			var denied *common.LockDeniedError
			if !errors.As(err, &denied) || denied.HolderID == "" {
				t.Errorf("unexpected error %v", err)
			}
		}(i)
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly one holder, got %d", winners)
	}
}

func TestTableReleaseOnlyByHolder(t *testing.T) {
	table := NewTable()
	ctx := context.Background()
	alice := common.NewIdentity("alice", "Alice")
	bob := common.NewIdentity("bob", "Bob")

	if _, err := table.Acquire(ctx, "doc", alice); err != nil {
		t.Fatal(err)
	}
	if err := table.Release(ctx, "doc", "bob", false); !errors.Is(err, common.ErrNotHolder) {
		t.Fatalf("expected ErrNotHolder, got %v", err)
	}
	if _, err := table.Acquire(ctx, "doc", bob); err == nil {
		t.Fatal("bob acquired a held lock")
	}
	if err := table.Release(ctx, "doc", "alice", false); err != nil {
		t.Fatal(err)
	}
	if _, err := table.Acquire(ctx, "doc", bob); err != nil {
		t.Fatalf("bob could not acquire released lock: %v", err)
	}
}

func TestTableForceRelease(t *testing.T) {
	table := NewTable()
	ctx := context.Background()
	table.Acquire(ctx, "doc", common.NewIdentity("alice", ""))

	if err := table.Release(ctx, "doc", "admin", true); err != nil {
		t.Fatal(err)
	}
	if _, ok := table.Get("doc"); ok {
		t.Fatal("lock survived forced release")
	}
}

func TestTableRefusesSecondAcquireBySameHolder(t *testing.T) {
	table := NewTable()
	ctx := context.Background()
	alice := common.NewIdentity("alice", "Alice")
	if _, err := table.Acquire(ctx, "doc", alice); err != nil {
		t.Fatal(err)
	}
	_, err := table.Acquire(ctx, "doc", alice)
	var denied *common.LockDeniedError
	if !errors.As(err, &denied) || denied.HolderID != "alice" {
		t.Fatalf("expected denial naming alice, got %v", err)
	}

	if err := table.Release(ctx, "doc", "alice", false); err != nil {
		t.Fatal(err)
	}
	if _, err := table.Acquire(ctx, "doc", alice); err != nil {
		t.Fatalf("acquire after unlock: %v", err)
	}
}

func TestManagerTracksHolders(t *testing.T) {
	table := NewTable()
	ctx := context.Background()
	s := offlineSession()
	s.JoinRoom("room")

	alice := NewManager(s, common.NewIdentity("alice", "Alice"), table, quiet)
	bob := NewManager(offlineSession(), common.NewIdentity("bob", "Bob"), table, quiet)

	if _, err := alice.Lock(ctx, "room", "doc"); err != nil {
		t.Fatal(err)
	}
	if !alice.CanEdit("doc") {
		t.Fatal("holder cannot edit")
	}

	_, err := bob.Lock(ctx, "room", "doc")
	var denied *common.LockDeniedError
	if !errors.As(err, &denied) || denied.HolderID != "alice" || denied.HolderName != "Alice" {
		t.Fatalf("expected denial naming alice, got %v", err)
	}
	if bob.CanEdit("doc") {
		t.Fatal("bob may edit a document alice holds")
	}

	if err := bob.Unlock(ctx, "room", "doc"); !errors.Is(err, common.ErrNotHolder) {
		t.Fatalf("expected ErrNotHolder, got %v", err)
	}
	if err := alice.Unlock(ctx, "room", "doc"); err != nil {
		t.Fatal(err)
	}
	if _, ok := alice.Holder("doc"); ok {
		t.Fatal("released lock still cached")
	}
}

func TestManagerReceivesLockEvents(t *testing.T) {
	s := offlineSession()
	m := NewManager(s, common.NewIdentity("bob", ""), NewTable(), quiet)

	f, _ := common.Encode(common.OpEvent, "room", common.Lock, common.LockEvent{DocumentID: "doc", HolderID: "alice", Locked: true})
	m.receive(transport.Event{Room: "room", Kind: common.Lock, Payload: f.Payload})
	if m.CanEdit("doc") {
		t.Fatal("lock event not applied")
	}

	f, _ = common.Encode(common.OpEvent, "room", common.Lock, common.LockEvent{DocumentID: "doc"})
	m.receive(transport.Event{Room: "room", Kind: common.Lock, Payload: f.Payload})
	if !m.CanEdit("doc") {
		t.Fatal("unlock event not applied")
	}
}
