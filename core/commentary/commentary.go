// Package commentary resolves which commentary entries apply to a verse.
//
// A Resolver is built once from an entry set and is read-only afterwards, so
// it is safe for concurrent use. Entries refer to verses by value; a
// reference with no matching verse in any corpus is not an error.
package commentary

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/FocuswithJustin/hypomnema/core/errors"
	"github.com/FocuswithJustin/hypomnema/core/ref"
)

// Entry is one commentary passage attached to a verse or a verse range.
type Entry struct {
	ID  string        `json:"id" yaml:"id"`
	Ref ref.Reference `json:"ref" yaml:"ref"`

	// Through is the inclusive end of the covered range. Nil means the entry
	// covers Ref only.
	Through *ref.Reference `json:"through,omitempty" yaml:"through,omitempty"`

	// Author is free text; only emptiness is rejected.
	Author string `json:"author" yaml:"author"`
	Text   string `json:"text" yaml:"text"`
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
}

// Range returns the verses the entry covers.
func (e Entry) Range() ref.Range {
	if e.Through == nil {
		return ref.Single(e.Ref)
	}
	return ref.Range{Start: e.Ref, End: *e.Through}
}

// Covers reports whether the entry applies to r.
func (e Entry) Covers(r ref.Reference) bool {
	if e.Through == nil {
		return e.Ref == r
	}
	return e.Range().Contains(r)
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithDeterministicOrder orders results by author, then ID, instead of by
// insertion order.
func WithDeterministicOrder() Option {
	return func(r *Resolver) { r.deterministic = true }
}

// WithParser sets the parser used by EntriesForString. The default parser
// uses the default canon.
func WithParser(p *ref.Parser) Option {
	return func(r *Resolver) { r.parser = p }
}

// Resolver answers commentary lookups.
type Resolver struct {
	entries       []Entry
	byRef         map[ref.Reference][]int
	ranged        []int
	deterministic bool
	parser        *ref.Parser
}

// NewResolver validates entries and indexes them. Entries without an ID are
// given a random UUID. The input slice is not retained.
func NewResolver(entries []Entry, opts ...Option) (*Resolver, error) {
	r := &Resolver{
		entries: make([]Entry, 0, len(entries)),
		byRef:   make(map[ref.Reference][]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.parser == nil {
		r.parser = ref.NewParser(nil)
	}

	seen := make(map[string]bool, len(entries))
	for i, e := range entries {
		e.Ref = r.canonical(e.Ref)
		if e.Through != nil {
			end := r.canonical(*e.Through)
			e.Through = &end
		}
		if err := validate(&e); err != nil {
			return nil, errors.Wrapf(err, "entry %d", i+1)
		}
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if seen[e.ID] {
			return nil, errors.Wrapf(errors.NewValidation("id", fmt.Sprintf("duplicate entry id %q", e.ID)), "entry %d", i+1)
		}
		seen[e.ID] = true

		idx := len(r.entries)
		r.entries = append(r.entries, e)
		if e.Through == nil {
			r.byRef[e.Ref] = append(r.byRef[e.Ref], idx)
		} else {
			r.ranged = append(r.ranged, idx)
		}
	}
	return r, nil
}

func validate(e *Entry) error {
	e.Author = strings.TrimSpace(e.Author)
	if e.Author == "" {
		return errors.NewValidation("author", "must not be empty")
	}
	if !e.Ref.Valid() {
		return errors.NewValidation("ref", fmt.Sprintf("invalid reference %+v", e.Ref))
	}
	if e.Through != nil {
		if *e.Through == e.Ref {
			e.Through = nil
			return nil
		}
		if !e.Range().Valid() {
			return errors.NewValidation("through", fmt.Sprintf("%s is not a valid range", e.Range()))
		}
	}
	return nil
}

// Len returns the number of entries.
func (r *Resolver) Len() int {
	return len(r.entries)
}

// Entries returns every entry in insertion order.
func (r *Resolver) Entries() []Entry {
	return slices.Clone(r.entries)
}

// Authors returns the distinct authors, sorted.
func (r *Resolver) Authors() []string {
	var out []string
	for _, e := range r.entries {
		out = append(out, e.Author)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// canonical rewrites the book of rf to its table spelling, so that lookups
// do not miss on case or stray whitespace. Unknown books are left as given.
func (r *Resolver) canonical(rf ref.Reference) ref.Reference {
	rf.Book, _ = r.parser.CanonicalBook(rf.Book)
	return rf
}

// EntriesFor returns the entries that apply to rf. The book is matched as
// the reference parser matches it; chapter and verse compare exactly. The
// result is never nil; no match yields an empty slice.
func (r *Resolver) EntriesFor(rf ref.Reference) []Entry {
	rf = r.canonical(rf)
	idx := slices.Clone(r.byRef[rf])
	for _, i := range r.ranged {
		if r.entries[i].Covers(rf) {
			idx = append(idx, i)
		}
	}
	return r.collect(idx)
}

// EntriesForString normalizes s through the reference parser, then looks it
// up. A string that does not parse is returned as a ReferenceError.
func (r *Resolver) EntriesForString(s string) ([]Entry, error) {
	rf, err := r.parser.Normalize(s)
	if err != nil {
		return nil, err
	}
	return r.EntriesFor(rf), nil
}

// EntriesForRange returns the entries whose coverage overlaps rr.
func (r *Resolver) EntriesForRange(rr ref.Range) []Entry {
	rr.Start, rr.End = r.canonical(rr.Start), r.canonical(rr.End)
	var idx []int
	for i, e := range r.entries {
		er := e.Range()
		if er.Start.Book != rr.Start.Book {
			continue
		}
		if ref.Compare(er.Start, rr.End) <= 0 && ref.Compare(er.End, rr.Start) >= 0 {
			idx = append(idx, i)
		}
	}
	return r.collect(idx)
}

func (r *Resolver) collect(idx []int) []Entry {
	slices.Sort(idx)
	out := make([]Entry, 0, len(idx))
	for _, i := range idx {
		out = append(out, r.entries[i])
	}
	if r.deterministic {
		slices.SortStableFunc(out, func(a, b Entry) int {
			if c := cmp.Compare(a.Author, b.Author); c != 0 {
				return c
			}
			return cmp.Compare(a.ID, b.ID)
		})
	}
	return out
}
