package docsync

import "github.com/dshills/loom/internal/protocol"

// ApplyIncrementalEdits applies a didChange notification's content changes
// to a pending document's text. Edits are applied strictly in array order
// against the progressively-updated text; an edit without a range replaces
// the whole text. The returned version is newVersion on success. On any
// invalid range the input text and version are returned unchanged with
// ok=false.
//
// Character offsets are UTF-16 code units. Line boundaries recognize both
// LF and CRLF; character n on a line is n code units past the line start,
// regardless of the preceding terminator's width.
func ApplyIncrementalEdits(text string, version, newVersion int, changes []protocol.TextDocumentContentChangeEvent) (string, int, bool) {
	updated := text
	for _, change := range changes {
		if change.Range == nil {
			updated = change.Text
			continue
		}
		start, ok := offsetForPosition(updated, change.Range.Start)
		if !ok {
			return text, version, false
		}
		end, ok := offsetForPosition(updated, change.Range.End)
		if !ok || end < start {
			return text, version, false
		}
		updated = updated[:start] + change.Text + updated[end:]
	}
	return updated, newVersion, true
}

// offsetForPosition translates a line/character position into a byte offset
// within text. It reports false when the line is out of bounds or the
// character offset exceeds the line's length in UTF-16 code units (a
// position landing inside a surrogate pair is likewise rejected).
func offsetForPosition(text string, pos protocol.Position) (int, bool) {
	if pos.Line < 0 || pos.Character < 0 {
		return 0, false
	}
	start, ok := lineStartOffset(text, pos.Line)
	if !ok {
		return 0, false
	}

	// Line content ends just before its terminator (LF or CRLF) or at EOF.
	end := len(text)
	for i := start; i < len(text); i++ {
		if text[i] == '\n' {
			end = i
			if i > start && text[i-1] == '\r' {
				end = i - 1
			}
			break
		}
	}

	units := 0
	for i, r := range text[start:end] {
		if units == pos.Character {
			return start + i, true
		}
		if r >= 0x10000 {
			units += 2
		} else {
			units++
		}
	}
	if units == pos.Character {
		return end, true
	}
	return 0, false
}

// lineStartOffset returns the byte offset of the first character of the
// given zero-based line, or false when the text has fewer lines.
func lineStartOffset(text string, line int) (int, bool) {
	if line == 0 {
		return 0, true
	}
	seen := 0
	for i := 0; i < len(text); i++ {
		if text[i] != '\n' {
			continue
		}
		seen++
		if seen == line {
			return i + 1, true
		}
	}
	return 0, false
}
