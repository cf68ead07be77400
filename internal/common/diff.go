package common

import (
	"bytes"
	"fmt"
)

// rawOp is a single byte change against the original text: an insertion
// before src[loc] or the removal of src[loc].
type rawOp struct {
	loc int
	add bool
	ch  byte
}

// diff computes the byte-level edit script that turns s1 into s2, in
// increasing location order relative to s1
func diff(s1, s2 []byte) []rawOp {
	dp := make([][]int, len(s1)+1)
	dp[0] = make([]int, len(s2)+1)

	for j := 0; j < len(s2)+1; j++ {
		dp[0][j] = j
	}

	for i := 1; i < len(s1)+1; i++ {
		dp[i] = make([]int, len(s2)+1)
		dp[i][0] = i

		for j := 1; j < len(s2)+1; j++ {
			dp[i][j] = min(dp[i][j-1], dp[i-1][j]) + 1

			if s1[i-1] == s2[j-1] && dp[i-1][j-1] < dp[i][j] {
				dp[i][j] = dp[i-1][j-1]
			}
		}
	}

	i := len(s1)
	j := len(s2)

	res := []rawOp{}

	// walk back from the corner
	for i > 0 || j > 0 {
		if i == 0 {
			res = append(res, rawOp{add: true, loc: i, ch: s2[j-1]})
			j--
		} else if j == 0 {
			res = append(res, rawOp{loc: i - 1, ch: s1[i-1]})
			i--
		} else if s1[i-1] == s2[j-1] && dp[i][j] == dp[i-1][j-1] {
			i--
			j--
		} else if dp[i][j] == dp[i][j-1]+1 {
			res = append(res, rawOp{add: true, loc: i, ch: s2[j-1]})
			j--
		} else {
			res = append(res, rawOp{loc: i - 1, ch: s1[i-1]})
			i--
		}
	}

	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}

	return res
}

type run struct {
	start  int
	length int
	text   []byte
}

// Diff returns the operations that turn old into updated. Operations come in
// decreasing position order so each one is valid against the text produced
// by applying the ones before it. Only Kind, Position, Text and Length are
// set.
func Diff(old, updated []byte) []EditOperation {
	var runs []run
	for _, op := range diff(old, updated) {
		n := len(runs)
		if n > 0 && runs[n-1].start+runs[n-1].length == op.loc {
			if op.add {
				runs[n-1].text = append(runs[n-1].text, op.ch)
			} else {
				runs[n-1].length++
			}
			continue
		}
		r := run{start: op.loc}
		if op.add {
			r.text = []byte{op.ch}
		} else {
			r.length = 1
		}
		runs = append(runs, r)
	}

	ops := make([]EditOperation, 0, len(runs))
	for k := len(runs) - 1; k >= 0; k-- {
		r := runs[k]
		op := EditOperation{
			Position: PositionAt(old, r.start),
			Text:     string(r.text),
			Length:   r.length,
		}
		switch {
		case r.length == 0:
			op.Kind = Insert
		case len(r.text) == 0:
			op.Kind = Delete
		default:
			op.Kind = Replace
		}
		ops = append(ops, op)
	}
	return ops
}

// OffsetOf converts a line/column position into a byte offset. Lines are
// separated by '\n'; columns count bytes.
func OffsetOf(text []byte, pos Position) (int, error) {
	if pos.Line < 0 || pos.Column < 0 {
		return 0, fmt.Errorf("position %d:%d out of range", pos.Line, pos.Column)
	}
	off, line := 0, 0
	for line < pos.Line {
		k := bytes.IndexByte(text[off:], '\n')
		if k < 0 {
			return 0, fmt.Errorf("position %d:%d out of range: text has %d lines", pos.Line, pos.Column, line+1)
		}
		off += k + 1
		line++
	}
	end := bytes.IndexByte(text[off:], '\n')
	if end < 0 {
		end = len(text) - off
	}
	if pos.Column > end {
		return 0, fmt.Errorf("position %d:%d out of range: line has %d columns", pos.Line, pos.Column, end)
	}
	return off + pos.Column, nil
}

// PositionAt converts a byte offset into a line/column position.
func PositionAt(text []byte, off int) Position {
	if off > len(text) {
		off = len(text)
	}
	var p Position
	for _, c := range text[:off] {
		if c == '\n' {
			p.Line++
			p.Column = 0
		} else {
			p.Column++
		}
	}
	return p
}

// Apply returns text with op applied. text is not modified.
func Apply(text []byte, op EditOperation) ([]byte, error) {
	off, err := OffsetOf(text, op.Position)
	if err != nil {
		return nil, fmt.Errorf("apply %s: %w", op.OperationID, err)
	}

	remove := 0
	if op.Kind == Delete || op.Kind == Replace {
		remove = op.Length
	}
	if off+remove > len(text) {
		return nil, fmt.Errorf("apply %s: removing %d bytes at %d overruns text of %d", op.OperationID, remove, off, len(text))
	}

	res := make([]byte, 0, len(text)-remove+len(op.Text))
	res = append(res, text[:off]...)
	if op.Kind != Delete {
		res = append(res, op.Text...)
	}
	res = append(res, text[off+remove:]...)
	return res, nil
}
