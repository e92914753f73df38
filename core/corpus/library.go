package corpus

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/FocuswithJustin/hypomnema/core/errors"
	"github.com/FocuswithJustin/hypomnema/core/ref"
)

// Library is an immutable set of corpora keyed by book name.
type Library struct {
	order  []string
	byBook map[string]*Corpus
}

// NewLibrary builds a Library. Corpora keep the order given; two corpora for
// the same book are rejected.
func NewLibrary(corpora ...*Corpus) (*Library, error) {
	l := &Library{byBook: make(map[string]*Corpus, len(corpora))}
	for _, c := range corpora {
		if c == nil {
			continue
		}
		name := c.Book().Name
		if _, dup := l.byBook[name]; dup {
			return nil, errors.NewValidation("book", fmt.Sprintf("duplicate corpus for %q", name))
		}
		l.order = append(l.order, name)
		l.byBook[name] = c
	}
	return l, nil
}

// Books returns the book names in library order.
func (l *Library) Books() []string {
	return append([]string(nil), l.order...)
}

// Len returns the number of books.
func (l *Library) Len() int {
	return len(l.order)
}

// Corpus returns the corpus for a book.
func (l *Library) Corpus(book string) (*Corpus, bool) {
	c, ok := l.byBook[book]
	return c, ok
}

func (l *Library) corpus(book string) (*Corpus, error) {
	c, ok := l.byBook[book]
	if !ok {
		return nil, errors.NewNotFound("book", book)
	}
	return c, nil
}

// Get returns the record for r.
func (l *Library) Get(r ref.Reference) (Record, bool) {
	c, ok := l.byBook[r.Book]
	if !ok {
		return Record{}, false
	}
	return c.Get(r)
}

// Lookup is Get with a NotFoundError for a missing book or verse.
func (l *Library) Lookup(r ref.Reference) (Record, error) {
	c, err := l.corpus(r.Book)
	if err != nil {
		return Record{}, err
	}
	return c.Lookup(r)
}

// VersesInChapter returns a chapter's records in ascending verse order.
func (l *Library) VersesInChapter(book string, chapter int) ([]Record, error) {
	c, err := l.corpus(book)
	if err != nil {
		return nil, err
	}
	return c.VersesInChapter(chapter), nil
}

// ChapterCount returns the chapter count of a book.
func (l *Library) ChapterCount(book string) (int, error) {
	c, err := l.corpus(book)
	if err != nil {
		return 0, err
	}
	return c.ChapterCount(), nil
}

// Search returns records whose text contains query, compared
// case-insensitively, in library then reading order. A limit of 0 or less
// returns every match.
func (l *Library) Search(query string, limit int) []Record {
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return []Record{}
	}

	out := []Record{}
	for _, name := range l.order {
		for _, rec := range l.byBook[name].records {
			if !strings.Contains(strings.ToLower(rec.Text), needle) {
				continue
			}
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				return out
			}
		}
	}
	return out
}

// Holder publishes the current Library. Readers always see a complete
// Library; a rebuild is made visible with a single Store or Swap.
type Holder struct {
	p atomic.Pointer[Library]
}

var emptyLibrary = &Library{byBook: map[string]*Corpus{}}

// NewHolder returns a Holder publishing l.
func NewHolder(l *Library) *Holder {
	h := &Holder{}
	h.Store(l)
	return h
}

// Load returns the current Library, or an empty one before the first Store.
func (h *Holder) Load() *Library {
	if l := h.p.Load(); l != nil {
		return l
	}
	return emptyLibrary
}

// Store publishes l.
func (h *Holder) Store(l *Library) {
	h.p.Store(l)
}

// Swap publishes l and returns the Library it replaced.
func (h *Holder) Swap(l *Library) *Library {
	return h.p.Swap(l)
}
