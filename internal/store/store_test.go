package store

import (
	"context"
	"testing"
	"time"

	"github.com/ilnaes/padsync/internal/common"
)

func op(doc string, parent int64) common.EditOperation {
	return common.EditOperation{
		OperationID:   common.OperationID("u", time.Unix(parent, 0), 1),
		DocumentID:    doc,
		AuthorID:      "u",
		Kind:          common.Insert,
		Text:          "x",
		Version:       parent + 1,
		ParentVersion: parent,
	}
}

func TestMemoryAppendAndSince(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if v, _ := m.Latest(ctx, "d"); v != 0 {
		t.Fatalf("empty latest %d", v)
	}
	for p := int64(0); p < 5; p++ {
		if err := m.Append(ctx, op("d", p)); err != nil {
			t.Fatal(err)
		}
	}
	if v, _ := m.Latest(ctx, "d"); v != 5 {
		t.Fatalf("latest %d", v)
	}

	ops, _ := m.Since(ctx, "d", 2)
	if len(ops) != 3 || ops[0].Version != 3 || ops[2].Version != 5 {
		t.Fatalf("unexpected since result %+v", ops)
	}
}

func TestMemoryRejectsGap(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Append(ctx, op("d", 0))
	if err := m.Append(ctx, op("d", 3)); err == nil {
		t.Fatal("expected gap to be rejected")
	}
}

func TestRecordRoundTrip(t *testing.T) {
	in := op("d", 7)
	in.Position = common.Position{Line: 2, Column: 3}
	in.Timestamp = time.Unix(100, 0).UTC()
	if out := toRecord(in).operation(); out != in {
		t.Fatalf("record changed operation:\n%+v\n%+v", in, out)
	}
}
