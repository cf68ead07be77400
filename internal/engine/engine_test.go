package engine

import (
	"context"
	"errors"
	"io/ioutil"
	"log"
	"testing"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/ilnaes/padsync/internal/common"
	"github.com/ilnaes/padsync/internal/editsync"
	"github.com/ilnaes/padsync/internal/lock"
	"github.com/ilnaes/padsync/internal/server"
	"github.com/ilnaes/padsync/internal/transport"
)

var quiet = log.New(ioutil.Discard, "", 0)

type backbone struct {
	srv   *server.Server
	locks *lock.Table
}

func newBackbone(t *testing.T) *backbone {
	locks := lock.NewTable()
	srv := server.New(server.Options{Locks: locks, Logger: quiet})
	t.Cleanup(srv.Close)
	return &backbone{srv: srv, locks: locks}
}

func (b *backbone) client(t *testing.T, uid, name string) *Engine {
	t.Helper()
	id := common.NewIdentity(uid, name)
	session := transport.NewSession(b.srv.Dialer(id), transport.Options{
		Logger:     quiet,
		NewBackOff: func() backoff.BackOff { return backoff.NewConstantBackOff(5 * time.Millisecond) },
	})
	e := New(session, id, Options{Locks: b.locks, Logger: quiet})
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func document(t *testing.T, e *Engine, doc string) DocumentView {
	t.Helper()
	v, err := e.Document(doc)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

// open opens doc on every engine and waits until each sees the others
// viewing it, which also means the backbone answered their version checks.
func open(t *testing.T, doc string, engines ...*Engine) {
	t.Helper()
	for _, e := range engines {
		if err := e.OpenDocument("room", doc, 0, nil); err != nil {
			t.Fatal(err)
		}
	}
	for _, e := range engines {
		for _, other := range engines {
			if other == e {
				continue
			}
			waitFor(t, e.Identity().UserID+" seeing "+other.Identity().UserID, func() bool {
				rec, ok := e.Presence.Observe("room")[other.Identity().UserID]
				return ok && rec.CurrentDocument == doc
			})
		}
	}
}

func TestCollaboratorsSeeEachOther(t *testing.T) {
	b := newBackbone(t)
	alice := b.client(t, "alice", "Alice")
	bob := b.client(t, "bob", "Bob")
	open(t, "doc", alice, bob)

	if err := bob.MoveCursor("doc", common.Position{Line: 0, Column: 3}); err != nil {
		t.Fatal(err)
	}
	if err := bob.SetTyping("doc", true); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "bob's cursor and typing", func() bool {
		v := document(t, alice, "doc")
		c, ok := v.Cursors["bob"]
		return ok && c.Position.Column == 3 && len(v.Typing) == 1
	})
	v := document(t, alice, "doc")
	if v.Cursors["bob"].Color != common.ColorFor("bob") || v.Typing[0] != "bob" {
		t.Fatalf("unexpected view %+v", v)
	}

	if _, err := bob.ApplyTextChange("doc", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "alice to receive the edit", func() bool {
		return document(t, alice, "doc").Text == "hello"
	})
	waitFor(t, "bob's edit to be confirmed", func() bool {
		v := document(t, bob, "doc")
		return v.Pending == 0 && v.Confirmed == 1
	})
	if st := document(t, alice, "doc").State; st != (editsync.Synced{Version: 1}) {
		t.Fatalf("alice state %s", st)
	}
}

func TestLeavingClearsMarkers(t *testing.T) {
	b := newBackbone(t)
	alice := b.client(t, "alice", "Alice")
	bob := b.client(t, "bob", "Bob")
	open(t, "doc", alice, bob)

	bob.MoveCursor("doc", common.Position{Line: 0, Column: 0})
	bob.SetTyping("doc", true)
	waitFor(t, "bob's markers", func() bool {
		v := document(t, alice, "doc")
		return len(v.Cursors) == 1 && len(v.Typing) == 1
	})

	// bob drops without clearing his typing state
	bob.Close()
	waitFor(t, "bob's markers to be pruned", func() bool {
		v := document(t, alice, "doc")
		return len(v.Cursors) == 0 && len(v.Typing) == 0
	})
	if alice.Presence.Present("room", "bob") {
		t.Fatal("bob still present")
	}
}

func TestLockedDocumentRefusesOtherEditors(t *testing.T) {
	b := newBackbone(t)
	alice := b.client(t, "alice", "Alice")
	bob := b.client(t, "bob", "Bob")
	open(t, "doc", alice, bob)
	ctx := context.Background()

	if _, err := alice.LockDocument(ctx, "doc"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "bob to learn of the lock", func() bool {
		return document(t, bob, "doc").Locked
	})

	_, err := bob.ApplyLocalEdit("doc", common.Insert, common.Position{}, "x", 0)
	var denied *common.LockDeniedError
	if !errors.As(err, &denied) || denied.HolderID != "alice" || denied.HolderName != "Alice" {
		t.Fatalf("expected lock denial naming alice, got %v", err)
	}
	if _, err := bob.LockDocument(ctx, "doc"); !errors.As(err, &denied) {
		t.Fatalf("expected second lock to be denied, got %v", err)
	}
	if _, err := alice.LockDocument(ctx, "doc"); !errors.As(err, &denied) || denied.HolderID != "alice" {
		t.Fatalf("holder locked twice: %v", err)
	}
	if _, err := alice.ResolveWithLock(ctx, "doc"); err != nil {
		t.Fatalf("resolve while holding the lock: %v", err)
	}

	// the holder keeps editing
	if _, err := alice.ApplyLocalEdit("doc", common.Insert, common.Position{}, "a", 0); err != nil {
		t.Fatal(err)
	}

	if err := alice.UnlockDocument(ctx, "doc"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "bob to see the unlock and the edit", func() bool {
		v := document(t, bob, "doc")
		return !v.Locked && v.Version == 1
	})
	if _, err := bob.ApplyLocalEdit("doc", common.Insert, common.Position{Column: 1}, "b", 0); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "alice to see bob's edit", func() bool {
		return document(t, alice, "doc").Text == "ab"
	})
}

func TestLateJoinerSeesExistingLock(t *testing.T) {
	b := newBackbone(t)
	alice := b.client(t, "alice", "Alice")
	if err := alice.OpenDocument("room", "doc", 0, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := alice.LockDocument(context.Background(), "doc"); err != nil {
		t.Fatal(err)
	}

	bob := b.client(t, "bob", "Bob")
	if err := bob.OpenDocument("room", "doc", 0, nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "bob to learn of the lock", func() bool {
		v := document(t, bob, "doc")
		return v.Locked && v.Lock.HolderID == "alice"
	})
}

func TestStaleClientResolvesWithLock(t *testing.T) {
	b := newBackbone(t)
	alice := b.client(t, "alice", "Alice")
	if err := alice.OpenDocument("room", "doc", 0, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := alice.ApplyTextChange("doc", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "alice's edit to be confirmed", func() bool {
		return document(t, alice, "doc").Confirmed == 1
	})

	// bob opens an outdated copy; the version check flags it
	bob := b.client(t, "bob", "Bob")
	if err := bob.OpenDocument("room", "doc", 0, nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "bob to be conflicted", func() bool {
		_, ok := document(t, bob, "doc").State.(editsync.Conflicted)
		return ok
	})
	_, err := bob.ApplyLocalEdit("doc", common.Insert, common.Position{}, "B", 0)
	var conflict *common.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}

	if _, err := bob.ResolveWithLock(context.Background(), "doc"); err != nil {
		t.Fatal(err)
	}
	v := document(t, bob, "doc")
	if v.State != (editsync.Synced{Version: 1}) || !v.Stale || !v.Locked {
		t.Fatalf("unexpected view after resolve %+v", v)
	}

	if _, err := bob.ApplyLocalEdit("doc", common.Insert, common.Position{}, "B", 0); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "alice to accept bob's edit", func() bool {
		v := document(t, alice, "doc")
		return v.Version == 2 && v.Text == "Bhello" && v.Locked
	})
	if _, err := alice.ApplyLocalEdit("doc", common.Insert, common.Position{}, "a", 0); err == nil {
		t.Fatal("alice edited a document bob holds")
	}
}

func TestActionsOnUnknownDocument(t *testing.T) {
	b := newBackbone(t)
	alice := b.client(t, "alice", "Alice")

	if err := alice.MoveCursor("nope", common.Position{}); !errors.Is(err, common.ErrUnknownDocument) {
		t.Fatalf("cursor: %v", err)
	}
	if _, err := alice.LockDocument(context.Background(), "nope"); !errors.Is(err, common.ErrUnknownDocument) {
		t.Fatalf("lock: %v", err)
	}
	if _, err := alice.Document("nope"); !errors.Is(err, common.ErrUnknownDocument) {
		t.Fatalf("view: %v", err)
	}
}

func TestLeaveRoomClosesDocuments(t *testing.T) {
	b := newBackbone(t)
	alice := b.client(t, "alice", "Alice")
	if err := alice.OpenDocument("room", "doc", 0, nil); err != nil {
		t.Fatal(err)
	}
	if err := alice.LeaveRoom("room"); err != nil {
		t.Fatal(err)
	}
	if alice.Session().Joined("room") {
		t.Fatal("still joined")
	}
	if docs := alice.Edits.Documents(); len(docs) != 0 {
		t.Fatalf("documents still open: %v", docs)
	}
}
