// Package assign turns an ordered fragment sequence into verse records.
//
// A counter pair (chapter, verse) starts at 1:1 and advances by one verse per
// fragment. The book's verse-count table supplies chapter boundaries: once a
// chapter's verses are used up the counter rolls to the next chapter.
// Verse and chapter numbers carried in the markup override the counter.
package assign

import (
	"fmt"
	"iter"
	"strconv"

	"github.com/FocuswithJustin/hypomnema/core/canon"
	"github.com/FocuswithJustin/hypomnema/core/corpus"
	"github.com/FocuswithJustin/hypomnema/core/errors"
	"github.com/FocuswithJustin/hypomnema/core/extract"
	"github.com/FocuswithJustin/hypomnema/core/ref"
)

// Outcome summarizes one book's assignment.
type Outcome struct {
	Book string `json:"book"`

	// Fragments is the number of fragments consumed.
	Fragments int `json:"fragments"`

	// Expected is the verse total from the book's table, 0 when unknown.
	Expected int `json:"expected"`

	// Overflow is set when fragments ran past the last chapter's verse count.
	Overflow bool `json:"overflow,omitempty"`

	// Warnings holds soft failures: ErrEmptyExtraction or
	// ErrIncompleteIngestion.
	Warnings []error `json:"-"`
}

// Incomplete reports whether the fragment count missed the expected total.
func (o *Outcome) Incomplete() bool {
	for _, w := range o.Warnings {
		if errors.Is(w, errors.ErrIncompleteIngestion) {
			return true
		}
	}
	return false
}

// Empty reports whether no fragments were found.
func (o *Outcome) Empty() bool {
	return o.Fragments == 0
}

// Assign builds and freezes the corpus for book.
func Assign(book canon.Book, frags iter.Seq[extract.Fragment]) (*corpus.Corpus, *Outcome, error) {
	b := corpus.NewBuilder(book)
	out, err := Into(b, book, frags)
	if err != nil {
		return nil, out, err
	}
	return b.Freeze(), out, nil
}

// Into assigns references to frags and puts the records into b. The builder
// is not frozen, so callers can attach more metadata first. Warnings are also
// recorded on the builder.
//
// A book with several chapters and no verse table fails with a
// ValidationError. A chapter or verse that moves backwards fails with an
// OrderError, and any builder error aborts the book.
func Into(b *corpus.Builder, book canon.Book, frags iter.Seq[extract.Fragment]) (*Outcome, error) {
	out := &Outcome{Book: book.Name, Expected: book.TotalVerses()}

	last := book.ChapterCount()
	if last > 1 && !book.HasChapterIndex() {
		return out, errors.NewValidation("verses", fmt.Sprintf("%s has %d chapters but no verse table", book.Name, last))
	}
	if last < 1 {
		last = 1
	}

	var (
		ch, v          = 1, 1
		prevCh, prevV  = 0, 0
		hintedChapters bool
		labelCh        int
	)

	for f := range frags {
		out.Fragments++

		if f.Chapter > 0 && f.Chapter != labelCh {
			hintedChapters = true
			labelCh = f.Chapter
			ch, v = f.Chapter, 1
		}
		if f.Verse > 0 {
			v = f.Verse
		} else if !hintedChapters && book.HasChapterIndex() {
			for ch < last && v > book.VerseCount(ch) {
				ch++
				v = 1
			}
			if ch == last && v > book.VerseCount(ch) {
				out.Overflow = true
			}
		}

		if ch < prevCh || (ch == prevCh && v <= prevV) {
			return out, &errors.OrderError{
				Book:    book.Name,
				Prev:    coord(prevCh, prevV),
				Next:    coord(ch, v),
				Message: "references must increase in document order",
			}
		}

		rec := corpus.Record{Ref: ref.New(book.Name, ch, v), Text: f.Text}
		if err := b.Put(rec); err != nil {
			return out, errors.Wrapf(err, "assign %s", book.Name)
		}
		prevCh, prevV = ch, v
		v++
	}

	switch {
	case out.Fragments == 0:
		out.Warnings = append(out.Warnings, errors.Wrapf(errors.ErrEmptyExtraction, "%s", book.Name))
	case out.Expected > 0 && out.Fragments != out.Expected:
		out.Warnings = append(out.Warnings, errors.Wrapf(errors.ErrIncompleteIngestion,
			"%s: %d fragments, expected %d", book.Name, out.Fragments, out.Expected))
	}
	for _, w := range out.Warnings {
		b.Warn(w)
	}
	return out, nil
}

func coord(ch, v int) string {
	return strconv.Itoa(ch) + ":" + strconv.Itoa(v)
}
