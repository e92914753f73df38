package annotation

import (
	"cmp"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/FocuswithJustin/hypomnema/core/errors"
)

// Footnote is a note attached to a commentary entry. Original is the
// marker used by the source edition; Number is the sequential number
// shown to readers.
type Footnote struct {
	Number   int    `json:"number"`
	Original string `json:"original,omitempty"`
	Content  string `json:"content"`
}

// AddFootnotes attaches notes to the commentary entry with the given ID.
// Notes without a Number are numbered after the highest number already
// present for the entry, in the order given.
func (b *Builder) AddFootnotes(entryID string, notes []Footnote) error {
	entryID = strings.TrimSpace(entryID)
	if entryID == "" {
		return errors.NewValidation("footnote", "entry id must not be empty")
	}
	existing := b.set.notes[entryID]
	next := 1
	for _, n := range existing {
		next = max(next, n.Number+1)
	}
	for _, n := range notes {
		n.Content = strings.TrimSpace(n.Content)
		n.Original = strings.TrimSpace(n.Original)
		if n.Content == "" {
			return errors.NewValidation("footnote", fmt.Sprintf("entry %s: empty footnote", entryID))
		}
		if n.Number < 0 {
			return errors.NewValidation("footnote", fmt.Sprintf("entry %s: negative number %d", entryID, n.Number))
		}
		if n.Number == 0 {
			n.Number = next
		}
		if slices.ContainsFunc(existing, func(o Footnote) bool { return o.Number == n.Number }) {
			return errors.NewValidation("footnote", fmt.Sprintf("entry %s: duplicate footnote %d", entryID, n.Number))
		}
		next = max(next, n.Number+1)
		existing = append(existing, n)
	}
	slices.SortFunc(existing, func(a, b Footnote) int { return cmp.Compare(a.Number, b.Number) })
	b.set.notes[entryID] = existing
	return nil
}

// Footnotes returns the notes of a commentary entry in display order. The
// result is nil when the entry has none.
func (s *Set) Footnotes(entryID string) []Footnote {
	return slices.Clone(s.notes[entryID])
}

// markerPattern matches the bracketed note markers source editions leave in
// the text, e.g. "[3]" or "[12a]".
var markerPattern = regexp.MustCompile(`\[([0-9]+[a-z]?)\]`)

// Renumber rewrites the original note markers in text to display numbers.
// Markers with no matching note are removed. Text of entries without notes
// is returned unchanged.
func (s *Set) Renumber(entryID, text string) string {
	notes := s.notes[entryID]
	if len(notes) == 0 {
		return text
	}
	return markerPattern.ReplaceAllStringFunc(text, func(m string) string {
		orig := m[1 : len(m)-1]
		for _, n := range notes {
			if n.Original == orig {
				return "[" + strconv.Itoa(n.Number) + "]"
			}
		}
		return ""
	})
}
