package cursor

import (
	"sort"
	"sync"
)

// markers keeps the latest marker per user per document. Entries are
// overwritten in place so memory is bounded by distinct identities.
type markers[M any] struct {
	mu   sync.Mutex
	docs map[string]map[string]slot[M] // documentID -> userID -> marker
}

type slot[M any] struct {
	room string
	m    M
}

func newMarkers[M any]() *markers[M] {
	return &markers[M]{docs: make(map[string]map[string]slot[M])}
}

func (ms *markers[M]) put(room, doc, user string, m M) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	users := ms.docs[doc]
	if users == nil {
		users = make(map[string]slot[M])
		ms.docs[doc] = users
	}
	users[user] = slot[M]{room: room, m: m}
}

func (ms *markers[M]) remove(doc, user string) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	users := ms.docs[doc]
	if _, ok := users[user]; !ok {
		return false
	}
	delete(users, user)
	if len(users) == 0 {
		delete(ms.docs, doc)
	}
	return true
}

func (ms *markers[M]) snapshot(doc string) map[string]M {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	res := make(map[string]M, len(ms.docs[doc]))
	for user, s := range ms.docs[doc] {
		res[user] = s.m
	}
	return res
}

// prune drops every marker whose owner keep rejects and returns the
// affected documents.
func (ms *markers[M]) prune(keep func(room, user string) bool) []string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var touched []string
	for doc, users := range ms.docs {
		n := len(users)
		for user, s := range users {
			if !keep(s.room, user) {
				delete(users, user)
			}
		}
		if len(users) != n {
			touched = append(touched, doc)
		}
		if len(users) == 0 {
			delete(ms.docs, doc)
		}
	}
	sort.Strings(touched)
	return touched
}
