package review

import (
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DefaultPreviewWindow is the context, in runes, shown on each side of a
// located selection.
const DefaultPreviewWindow = 240

// Hunk operations.
const (
	HunkEqual  = "equal"
	HunkInsert = "insert"
	HunkDelete = "delete"
)

// Hunk is one span of a character-level diff.
type Hunk struct {
	Op   string `json:"op"`
	Text string `json:"text"`
}

// PreviewInput is what a content-write preview is computed from.
type PreviewInput struct {
	Content   string
	Selection string
	Proposed  string
	// Excerpt is the document context recorded with the proposal, shown when
	// the selection can no longer be found.
	Excerpt string
	Append  bool
	Window  int
}

// EditorPreview shows a content-write proposal against the live document.
// Start and End are rune offsets of the located selection.
type EditorPreview struct {
	SuggestionID    string `json:"suggestion_id,omitempty"`
	DocumentID      string `json:"document_id,omitempty"`
	DocumentVersion int64  `json:"document_version,omitempty"`

	Found     bool `json:"found"`
	Ambiguous bool `json:"ambiguous"`
	Matches   int  `json:"matches"`
	Start     int  `json:"start"`
	End       int  `json:"end"`

	Before    string `json:"before"`
	Selection string `json:"selection"`
	After     string `json:"after"`
	Proposed  string `json:"proposed"`
	Hunks     []Hunk `json:"hunks"`
}

// BuildPreview locates the first occurrence of the selection in the live
// content and diffs a window around it. When the selection is gone the
// preview falls back to the recorded excerpt, or to the document tail.
func BuildPreview(in PreviewInput) EditorPreview {
	window := in.Window
	if window <= 0 {
		window = DefaultPreviewWindow
	}
	content := []rune(in.Content)
	p := EditorPreview{Proposed: in.Proposed}

	switch {
	case in.Append || in.Selection == "":
		p.Found = true
		p.Start, p.End = len(content), len(content)
		p.Before = string(content[max(0, len(content)-window):])
	default:
		p.Matches = countMatches(in.Content, in.Selection)
		if p.Matches == 0 {
			p.Before = tail(in.Content, window)
			if in.Excerpt != "" {
				p.Before = in.Excerpt
			}
			p.Hunks = diffHunks(p.Before, p.Before)
			return p
		}
		p.Found = true
		p.Ambiguous = p.Matches > 1
		byteStart := strings.Index(in.Content, in.Selection)
		p.Start = len([]rune(in.Content[:byteStart]))
		p.End = p.Start + len([]rune(in.Selection))
		p.Selection = string(content[p.Start:p.End])
		p.Before = string(content[max(0, p.Start-window):p.Start])
		p.After = string(content[p.End:min(len(content), p.End+window)])
	}

	p.Hunks = diffHunks(p.Before+p.Selection+p.After, p.Before+in.Proposed+p.After)
	return p
}

// countMatches counts occurrences of sub in s, overlapping ones included.
func countMatches(s, sub string) int {
	n := 0
	for {
		i := strings.Index(s, sub)
		if i < 0 {
			return n
		}
		n++
		_, size := utf8.DecodeRuneInString(s[i:])
		s = s[i+size:]
	}
}

func tail(s string, n int) string {
	r := []rune(s)
	return string(r[max(0, len(r)-n):])
}

func diffHunks(before, after string) []Hunk {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(before, after, false))

	hunks := make([]Hunk, 0, len(diffs))
	for _, d := range diffs {
		if d.Text == "" {
			continue
		}
		op := HunkEqual
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			op = HunkInsert
		case diffmatchpatch.DiffDelete:
			op = HunkDelete
		}
		hunks = append(hunks, Hunk{Op: op, Text: d.Text})
	}
	return hunks
}
