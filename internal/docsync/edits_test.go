package docsync

import (
	"testing"

	"github.com/dshills/loom/internal/protocol"
)

func rng(startLine, startChar, endLine, endChar int) *protocol.Range {
	return &protocol.Range{
		Start: protocol.Position{Line: startLine, Character: startChar},
		End:   protocol.Position{Line: endLine, Character: endChar},
	}
}

func TestApplyIncrementalEdits_SingleRange(t *testing.T) {
	text, version, ok := ApplyIncrementalEdits("hello\nworld", 1, 2, []protocol.TextDocumentContentChangeEvent{
		{Range: rng(1, 0, 1, 5), Text: "there"},
	})
	if !ok {
		t.Fatal("edit rejected")
	}
	if text != "hello\nthere" {
		t.Errorf("text = %q, want %q", text, "hello\nthere")
	}
	if version != 2 {
		t.Errorf("version = %d, want 2", version)
	}
}

func TestApplyIncrementalEdits_FullReplace(t *testing.T) {
	text, version, ok := ApplyIncrementalEdits("anything at all", 4, 5, []protocol.TextDocumentContentChangeEvent{
		{Text: "replaced"},
	})
	if !ok {
		t.Fatal("edit rejected")
	}
	if text != "replaced" {
		t.Errorf("text = %q, want %q", text, "replaced")
	}
	if version != 5 {
		t.Errorf("version = %d, want 5", version)
	}
}

func TestApplyIncrementalEdits_SequentialAgainstUpdatedText(t *testing.T) {
	// The second edit's range addresses the text produced by the first.
	text, _, ok := ApplyIncrementalEdits("abc\ndef", 1, 2, []protocol.TextDocumentContentChangeEvent{
		{Range: rng(0, 1, 0, 2), Text: "X"},
		{Range: rng(1, 0, 1, 3), Text: "XYZ"},
	})
	if !ok {
		t.Fatal("edits rejected")
	}
	if text != "aXc\nXYZ" {
		t.Errorf("text = %q, want %q", text, "aXc\nXYZ")
	}
}

func TestApplyIncrementalEdits_Insertion(t *testing.T) {
	text, _, ok := ApplyIncrementalEdits("ab", 1, 2, []protocol.TextDocumentContentChangeEvent{
		{Range: rng(0, 1, 0, 1), Text: "---"},
	})
	if !ok {
		t.Fatal("edit rejected")
	}
	if text != "a---b" {
		t.Errorf("text = %q, want %q", text, "a---b")
	}
}

func TestApplyIncrementalEdits_Deletion(t *testing.T) {
	text, _, ok := ApplyIncrementalEdits("one\ntwo\nthree", 1, 2, []protocol.TextDocumentContentChangeEvent{
		{Range: rng(0, 3, 1, 3), Text: ""},
	})
	if !ok {
		t.Fatal("edit rejected")
	}
	if text != "one\nthree" {
		t.Errorf("text = %q, want %q", text, "one\nthree")
	}
}

func TestApplyIncrementalEdits_RejectsOutOfBounds(t *testing.T) {
	cases := []struct {
		name string
		text string
		r    *protocol.Range
	}{
		{"line past end", "hello", rng(3, 0, 3, 1)},
		{"character past line end", "hi\nyo", rng(0, 9, 0, 10)},
		{"negative line", "hello", rng(-1, 0, 0, 1)},
		{"negative character", "hello", rng(0, -2, 0, 1)},
		{"end before start", "hello", rng(0, 3, 0, 1)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			text, version, ok := ApplyIncrementalEdits(tc.text, 7, 8, []protocol.TextDocumentContentChangeEvent{
				{Range: tc.r, Text: "x"},
			})
			if ok {
				t.Fatal("invalid edit accepted")
			}
			if text != tc.text || version != 7 {
				t.Errorf("rejected edit mutated state: text=%q version=%d", text, version)
			}
		})
	}
}

func TestApplyIncrementalEdits_RejectionIsAtomic(t *testing.T) {
	// First edit is valid, second is not; the document must come back
	// untouched, not half-edited.
	text, version, ok := ApplyIncrementalEdits("abc", 1, 2, []protocol.TextDocumentContentChangeEvent{
		{Range: rng(0, 0, 0, 1), Text: "Z"},
		{Range: rng(5, 0, 5, 1), Text: "?"},
	})
	if ok {
		t.Fatal("invalid edit batch accepted")
	}
	if text != "abc" || version != 1 {
		t.Errorf("state after rejection: text=%q version=%d", text, version)
	}
}

func TestApplyIncrementalEdits_UTF16Offsets(t *testing.T) {
	// U+10348 occupies two UTF-16 code units, so "x" sits at character 2.
	text, _, ok := ApplyIncrementalEdits("\U00010348x", 1, 2, []protocol.TextDocumentContentChangeEvent{
		{Range: rng(0, 2, 0, 3), Text: "y"},
	})
	if !ok {
		t.Fatal("edit rejected")
	}
	if text != "\U00010348y" {
		t.Errorf("text = %q", text)
	}
}

func TestApplyIncrementalEdits_RejectsMidSurrogate(t *testing.T) {
	_, _, ok := ApplyIncrementalEdits("\U00010348x", 1, 2, []protocol.TextDocumentContentChangeEvent{
		{Range: rng(0, 1, 0, 2), Text: "y"},
	})
	if ok {
		t.Fatal("position inside a surrogate pair accepted")
	}
}

func TestApplyIncrementalEdits_BMPCharactersCountOne(t *testing.T) {
	// U+00E9 is one UTF-16 unit even though it is two UTF-8 bytes.
	text, _, ok := ApplyIncrementalEdits("café!", 1, 2, []protocol.TextDocumentContentChangeEvent{
		{Range: rng(0, 4, 0, 5), Text: "?"},
	})
	if !ok {
		t.Fatal("edit rejected")
	}
	if text != "café?" {
		t.Errorf("text = %q", text)
	}
}

func TestApplyIncrementalEdits_CRLFLines(t *testing.T) {
	text, _, ok := ApplyIncrementalEdits("first\r\nsecond", 1, 2, []protocol.TextDocumentContentChangeEvent{
		{Range: rng(1, 0, 1, 6), Text: "2nd"},
	})
	if !ok {
		t.Fatal("edit rejected")
	}
	if text != "first\r\n2nd" {
		t.Errorf("text = %q, want %q", text, "first\r\n2nd")
	}
}

func TestApplyIncrementalEdits_CRLFLineEndExcludesCR(t *testing.T) {
	// Character 5 is the end of "first"; the \r is not addressable content,
	// so character 6 on line 0 is out of bounds.
	_, _, ok := ApplyIncrementalEdits("first\r\nsecond", 1, 2, []protocol.TextDocumentContentChangeEvent{
		{Range: rng(0, 6, 0, 6), Text: "x"},
	})
	if ok {
		t.Fatal("position past CRLF line end accepted")
	}

	text, _, ok := ApplyIncrementalEdits("first\r\nsecond", 1, 2, []protocol.TextDocumentContentChangeEvent{
		{Range: rng(0, 5, 0, 5), Text: "!"},
	})
	if !ok {
		t.Fatal("end-of-line insertion rejected")
	}
	if text != "first!\r\nsecond" {
		t.Errorf("text = %q, want %q", text, "first!\r\nsecond")
	}
}

func TestApplyIncrementalEdits_EmptyChangeList(t *testing.T) {
	text, version, ok := ApplyIncrementalEdits("keep", 3, 4, nil)
	if !ok {
		t.Fatal("empty change list rejected")
	}
	if text != "keep" {
		t.Errorf("text = %q", text)
	}
	if version != 4 {
		t.Errorf("version = %d, want 4", version)
	}
}
