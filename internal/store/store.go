package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ilnaes/padsync/internal/common"
)

// Store is the append-only log of accepted edit operations.
type Store interface {
	Append(ctx context.Context, op common.EditOperation) error
	// Latest returns the highest accepted version of documentID, 0 when
	// the document has no history.
	Latest(ctx context.Context, documentID string) (int64, error)
	// Since returns the operations with version > version in order.
	Since(ctx context.Context, documentID string, version int64) ([]common.EditOperation, error)
	Close(ctx context.Context) error
}

// Memory keeps the log in process.
type Memory struct {
	mu   sync.RWMutex
	docs map[string][]common.EditOperation
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[string][]common.EditOperation)}
}

func (m *Memory) Append(_ context.Context, op common.EditOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := m.docs[op.DocumentID]
	if n := len(ops); n > 0 && ops[n-1].Version != op.ParentVersion {
		return fmt.Errorf("store: %s version %d does not follow %d", op.DocumentID, op.Version, ops[n-1].Version)
	}
	m.docs[op.DocumentID] = append(ops, op)
	return nil
}

func (m *Memory) Latest(_ context.Context, documentID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ops := m.docs[documentID]
	if len(ops) == 0 {
		return 0, nil
	}
	return ops[len(ops)-1].Version, nil
}

func (m *Memory) Since(_ context.Context, documentID string, version int64) ([]common.EditOperation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ops := m.docs[documentID]
	i := sort.Search(len(ops), func(i int) bool { return ops[i].Version > version })
	return append([]common.EditOperation{}, ops[i:]...), nil
}

func (m *Memory) Close(context.Context) error { return nil }
