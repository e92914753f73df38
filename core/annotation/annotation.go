// Package annotation holds the reading aids served next to the text:
// paragraph breaks, Eusebian canon sections and commentary footnotes.
//
// A Set is assembled by a Builder and is read-only afterwards, so it is safe
// for concurrent use. Book names are stored in their canon table spelling;
// lookups accept any spelling the reference parser accepts.
package annotation

import (
	"fmt"
	"slices"

	"github.com/FocuswithJustin/hypomnema/core/canon"
	"github.com/FocuswithJustin/hypomnema/core/errors"
	"github.com/FocuswithJustin/hypomnema/core/ref"
)

// Set is an immutable collection of annotations.
type Set struct {
	parser     *ref.Parser
	paragraphs map[string]map[int][]int
	sections   map[string]*Section
	keys       []string
	byVerse    map[ref.Reference]string
	notes      map[string][]Footnote
}

// Empty returns a Set with no annotations.
func Empty() *Set {
	return NewBuilder(nil).Build()
}

// Builder collects annotations. It is not safe for concurrent use.
type Builder struct {
	table *canon.Canon
	set   *Set
	built bool
}

// NewBuilder returns a Builder resolving book names against table, or the
// default table when table is nil.
func NewBuilder(table *canon.Canon) *Builder {
	if table == nil {
		table = canon.Default()
	}
	return &Builder{
		table: table,
		set: &Set{
			parser:     ref.NewParser(table),
			paragraphs: make(map[string]map[int][]int),
			sections:   make(map[string]*Section),
			byVerse:    make(map[ref.Reference]string),
			notes:      make(map[string][]Footnote),
		},
	}
}

func (b *Builder) book(name string) (string, error) {
	book, ok := b.set.parser.CanonicalBook(name)
	if !ok {
		return "", errors.NewNotFound("book", name)
	}
	return book, nil
}

// AddParagraph records that a paragraph opens at the given verse.
func (b *Builder) AddParagraph(book string, chapter, verse int) error {
	name, err := b.book(book)
	if err != nil {
		return err
	}
	if chapter < 1 || verse < 1 {
		return errors.NewValidation("paragraph", fmt.Sprintf("%s %d:%d is not a verse", name, chapter, verse))
	}
	chapters := b.set.paragraphs[name]
	if chapters == nil {
		chapters = make(map[int][]int)
		b.set.paragraphs[name] = chapters
	}
	if !slices.Contains(chapters[chapter], verse) {
		chapters[chapter] = append(chapters[chapter], verse)
	}
	return nil
}

// Build finalizes the set. The Builder must not be used afterwards.
func (b *Builder) Build() *Set {
	s := b.set
	if !b.built {
		for _, chapters := range s.paragraphs {
			for _, verses := range chapters {
				slices.Sort(verses)
			}
		}
		order := make(map[string]int, b.table.Len())
		for i, name := range b.table.Names() {
			order[name] = i
		}
		for key, sec := range s.sections {
			slices.SortFunc(sec.Passages, func(x, y Passage) int {
				return order[x.Book] - order[y.Book]
			})
			s.keys = append(s.keys, key)
		}
		slices.SortFunc(s.keys, func(x, y string) int {
			return compareSections(s.sections[x], s.sections[y])
		})
		b.built = true
	}
	return s
}

// ParagraphStarts returns the verses of the chapter that open a paragraph,
// in ascending order. Unknown books and chapters yield nil.
func (s *Set) ParagraphStarts(book string, chapter int) []int {
	name, ok := s.parser.CanonicalBook(book)
	if !ok {
		return nil
	}
	return slices.Clone(s.paragraphs[name][chapter])
}

// StartsParagraph reports whether a paragraph opens at rf.
func (s *Set) StartsParagraph(rf ref.Reference) bool {
	name, _ := s.parser.CanonicalBook(rf.Book)
	_, found := slices.BinarySearch(s.paragraphs[name][rf.Chapter], rf.Verse)
	return found
}

// Counts reports how many paragraph breaks, canon sections and annotated
// commentary entries the set holds.
func (s *Set) Counts() (paragraphs, sections, footnoted int) {
	for _, chapters := range s.paragraphs {
		for _, verses := range chapters {
			paragraphs += len(verses)
		}
	}
	return paragraphs, len(s.sections), len(s.notes)
}
