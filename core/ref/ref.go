// Package ref defines verse references and their canonical string form.
package ref

import (
	"cmp"
	"strconv"
	"strings"
)

// Reference addresses a single verse. References are plain values and compare
// with ==.
type Reference struct {
	// Book is the book name exactly as it appears in the canon table.
	Book string `json:"book" yaml:"book"`

	// Chapter is the 1-indexed chapter number.
	Chapter int `json:"chapter" yaml:"chapter"`

	// Verse is the 1-indexed verse number.
	Verse int `json:"verse" yaml:"verse"`
}

// New returns a Reference.
func New(book string, chapter, verse int) Reference {
	return Reference{Book: book, Chapter: chapter, Verse: verse}
}

// Format renders r as "<book> <chapter>:<verse>". The book name is written
// verbatim.
func Format(r Reference) string {
	var sb strings.Builder
	sb.Grow(len(r.Book) + 8)
	sb.WriteString(r.Book)
	sb.WriteByte(' ')
	sb.WriteString(strconv.Itoa(r.Chapter))
	sb.WriteByte(':')
	sb.WriteString(strconv.Itoa(r.Verse))
	return sb.String()
}

// String implements fmt.Stringer.
func (r Reference) String() string {
	return Format(r)
}

// Coordinate returns "<chapter>:<verse>" without the book name.
func (r Reference) Coordinate() string {
	return strconv.Itoa(r.Chapter) + ":" + strconv.Itoa(r.Verse)
}

// IsZero reports whether r is the zero Reference.
func (r Reference) IsZero() bool {
	return r == Reference{}
}

// Valid reports whether r names a book and positive chapter and verse numbers.
// It does not check the numbers against a versification table.
func (r Reference) Valid() bool {
	return r.Book != "" && r.Chapter >= 1 && r.Verse >= 1
}

// Compare orders references by book name, then chapter, then verse.
// Within one book this is reading order.
func Compare(a, b Reference) int {
	if c := cmp.Compare(a.Book, b.Book); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Chapter, b.Chapter); c != 0 {
		return c
	}
	return cmp.Compare(a.Verse, b.Verse)
}

// Range is an inclusive span of verses within one book.
type Range struct {
	Start Reference `json:"start" yaml:"start"`
	End   Reference `json:"end" yaml:"end"`
}

// Single returns the range covering only r.
func Single(r Reference) Range {
	return Range{Start: r, End: r}
}

// IsSingle reports whether the range covers exactly one verse.
func (rr Range) IsSingle() bool {
	return rr.Start == rr.End
}

// Valid reports whether both ends are valid, share a book and are in order.
func (rr Range) Valid() bool {
	return rr.Start.Valid() && rr.End.Valid() &&
		rr.Start.Book == rr.End.Book &&
		Compare(rr.Start, rr.End) <= 0
}

// Contains reports whether r falls within the range.
func (rr Range) Contains(r Reference) bool {
	if r.Book != rr.Start.Book {
		return false
	}
	return Compare(rr.Start, r) <= 0 && Compare(r, rr.End) <= 0
}

// String renders the range as "<book> <c>:<v>", "<book> <c>:<v>-<v2>" or
// "<book> <c>:<v>-<c2>:<v2>".
func (rr Range) String() string {
	if rr.IsSingle() {
		return Format(rr.Start)
	}
	if rr.Start.Chapter == rr.End.Chapter {
		return Format(rr.Start) + "-" + strconv.Itoa(rr.End.Verse)
	}
	return Format(rr.Start) + "-" + rr.End.Coordinate()
}
