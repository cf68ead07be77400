package common

import (
	"testing"
)

func applyAll(t *testing.T, text []byte, ops []EditOperation) []byte {
	t.Helper()
	for _, op := range ops {
		var err error
		text, err = Apply(text, op)
		if err != nil {
			t.Fatalf("apply %+v: %v", op, err)
		}
	}
	return text
}

func TestDiffApply(t *testing.T) {
	cases := [][2]string{
		{"caeqwhdoqi", "scqoid"},
		{"sad", "esad"},
		{"sad", "ade"},
		{"", "hello"},
		{"hello", ""},
		{"line one\nline two\n", "line one\nline 2\nline three\n"},
		{"same", "same"},
	}

	for _, c := range cases {
		ops := Diff([]byte(c[0]), []byte(c[1]))
		got := applyAll(t, []byte(c[0]), ops)
		if string(got) != c[1] {
			t.Errorf("diff(%q, %q) applied gives %q", c[0], c[1], got)
		}
	}
}

func TestDiffCoalescesRuns(t *testing.T) {
	ops := Diff([]byte("hello world"), []byte("hello brave new world"))
	if len(ops) != 1 {
		t.Fatalf("expected a single insert, got %+v", ops)
	}
	if ops[0].Kind != Insert || ops[0].Text == "" {
		t.Fatalf("expected insert run, got %+v", ops[0])
	}
}

func TestApplyKinds(t *testing.T) {
	text := []byte("ab\ncd")

	ins, err := Apply(text, EditOperation{Kind: Insert, Position: Position{Line: 1, Column: 1}, Text: "X"})
	if err != nil || string(ins) != "ab\ncXd" {
		t.Fatalf("insert: %q %v", ins, err)
	}

	del, err := Apply(text, EditOperation{Kind: Delete, Position: Position{Line: 0, Column: 1}, Length: 2})
	if err != nil || string(del) != "acd" {
		t.Fatalf("delete: %q %v", del, err)
	}

	rep, err := Apply(text, EditOperation{Kind: Replace, Position: Position{Line: 1, Column: 0}, Length: 2, Text: "zz"})
	if err != nil || string(rep) != "ab\nzz" {
		t.Fatalf("replace: %q %v", rep, err)
	}

	if string(text) != "ab\ncd" {
		t.Fatalf("input modified: %q", text)
	}
}

func TestApplyOutOfRange(t *testing.T) {
	text := []byte("ab\ncd")
	if _, err := Apply(text, EditOperation{Kind: Insert, Position: Position{Line: 2}}); err == nil {
		t.Fatal("expected error for missing line")
	}
	if _, err := Apply(text, EditOperation{Kind: Insert, Position: Position{Column: 3}}); err == nil {
		t.Fatal("expected error for column past end of line")
	}
	if _, err := Apply(text, EditOperation{Kind: Delete, Position: Position{Line: 1, Column: 1}, Length: 5}); err == nil {
		t.Fatal("expected error for overrun")
	}
}

func TestPositionRoundTrip(t *testing.T) {
	text := []byte("one\ntwo\n\nfour")
	for off := 0; off <= len(text); off++ {
		pos := PositionAt(text, off)
		got, err := OffsetOf(text, pos)
		if err != nil {
			t.Fatalf("offset %d -> %+v: %v", off, pos, err)
		}
		if got != off {
			t.Fatalf("offset %d -> %+v -> %d", off, pos, got)
		}
	}
}
