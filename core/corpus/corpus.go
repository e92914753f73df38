// Package corpus stores verse records and answers read-only queries over them.
//
// A Builder accepts records for one book and is frozen into a Corpus. A Corpus
// is never mutated afterwards, so it may be shared between goroutines without
// locking. Re-ingestion produces a new Corpus rather than editing an old one.
package corpus

import (
	"fmt"
	"slices"

	"github.com/FocuswithJustin/hypomnema/core/canon"
	"github.com/FocuswithJustin/hypomnema/core/errors"
	"github.com/FocuswithJustin/hypomnema/core/ref"
)

// Record is the text of one verse.
type Record struct {
	Ref  ref.Reference `json:"ref"`
	Text string        `json:"text"`
}

// Builder accumulates the records of one book.
type Builder struct {
	book     canon.Book
	records  []Record
	index    map[ref.Reference]int
	hash     string
	warnings []error
	frozen   *Corpus
}

// NewBuilder returns an empty Builder for book.
func NewBuilder(book canon.Book) *Builder {
	return &Builder{
		book:  book,
		index: make(map[ref.Reference]int, book.TotalVerses()),
	}
}

// Put stores rec. A reference that is already present is rejected with a
// DuplicateError and the stored text is left as it was. After Freeze any
// other Put fails with ErrFrozen.
func (b *Builder) Put(rec Record) error {
	if _, dup := b.index[rec.Ref]; dup {
		return errors.NewDuplicate(ref.Format(rec.Ref))
	}
	if b.frozen != nil {
		return errors.Wrapf(errors.ErrFrozen, "put %s", ref.Format(rec.Ref))
	}
	if !rec.Ref.Valid() {
		return errors.NewValidation("ref", fmt.Sprintf("invalid reference %+v", rec.Ref))
	}
	if rec.Ref.Book != b.book.Name {
		return errors.NewValidation("ref", fmt.Sprintf("%s does not belong to %s", ref.Format(rec.Ref), b.book.Name))
	}

	b.index[rec.Ref] = len(b.records)
	b.records = append(b.records, rec)
	return nil
}

// Len returns the number of records stored so far.
func (b *Builder) Len() int {
	return len(b.records)
}

// SetSourceHash records the digest of the markup the records came from.
func (b *Builder) SetSourceHash(h string) {
	if b.frozen == nil {
		b.hash = h
	}
}

// Warn attaches a non-fatal ingestion warning to the corpus.
func (b *Builder) Warn(err error) {
	if b.frozen == nil && err != nil {
		b.warnings = append(b.warnings, err)
	}
}

// Frozen reports whether Freeze has been called.
func (b *Builder) Frozen() bool {
	return b.frozen != nil
}

// Freeze ends the build and returns the read-only Corpus. Calling Freeze
// again returns the same Corpus.
func (b *Builder) Freeze() *Corpus {
	if b.frozen != nil {
		return b.frozen
	}

	c := &Corpus{
		book:      b.book,
		records:   b.records,
		index:     b.index,
		byChapter: make(map[int][]Record),
		hash:      b.hash,
		warnings:  b.warnings,
	}
	for _, rec := range b.records {
		c.byChapter[rec.Ref.Chapter] = append(c.byChapter[rec.Ref.Chapter], rec)
	}
	for ch, recs := range c.byChapter {
		slices.SortFunc(recs, func(a, b Record) int { return ref.Compare(a.Ref, b.Ref) })
		c.chapters = append(c.chapters, ch)
		c.byChapter[ch] = recs
	}
	slices.Sort(c.chapters)

	b.frozen = c
	return c
}

// Corpus is the frozen record set of one book.
type Corpus struct {
	book      canon.Book
	records   []Record
	index     map[ref.Reference]int
	byChapter map[int][]Record
	chapters  []int
	hash      string
	warnings  []error
}

// Book returns the book metadata the corpus was built for.
func (c *Corpus) Book() canon.Book {
	return c.book
}

// Get returns the record for r. The boolean is false when no such verse was
// ingested.
func (c *Corpus) Get(r ref.Reference) (Record, bool) {
	i, ok := c.index[r]
	if !ok {
		return Record{}, false
	}
	return c.records[i], true
}

// Lookup is Get with a NotFoundError for a missing verse.
func (c *Corpus) Lookup(r ref.Reference) (Record, error) {
	rec, ok := c.Get(r)
	if !ok {
		return Record{}, errors.NewNotFound("verse", ref.Format(r))
	}
	return rec, nil
}

// VersesInChapter returns the records of a chapter in ascending verse order.
// An unknown chapter yields an empty slice.
func (c *Corpus) VersesInChapter(chapter int) []Record {
	return slices.Clone(c.byChapter[chapter])
}

// ChapterCount returns the chapter count from the book metadata.
func (c *Corpus) ChapterCount() int {
	return c.book.ChapterCount()
}

// Chapters returns the chapter numbers that hold at least one record.
func (c *Corpus) Chapters() []int {
	return slices.Clone(c.chapters)
}

// Records returns all records in ingestion order.
func (c *Corpus) Records() []Record {
	return slices.Clone(c.records)
}

// Len returns the number of records.
func (c *Corpus) Len() int {
	return len(c.records)
}

// SourceHash returns the digest of the source markup, or "" if none was set.
func (c *Corpus) SourceHash() string {
	return c.hash
}

// Warnings returns the non-fatal problems recorded during ingestion.
func (c *Corpus) Warnings() []error {
	return slices.Clone(c.warnings)
}
