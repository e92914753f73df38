package annotation

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/FocuswithJustin/hypomnema/core/errors"
	"github.com/FocuswithJustin/hypomnema/core/ref"
)

// Section is one numbered section of the Eusebian canon tables: a set of
// parallel passages in different gospels. Key has the form "<canon>.<n>"
// where canon is a Roman numeral from I to X, e.g. "I.1" or "X.214".
type Section struct {
	Key      string    `json:"key"`
	Canon    int       `json:"canon"`
	Number   int       `json:"number"`
	Passages []Passage `json:"passages"`
}

// Passage is the span a section covers in one book.
type Passage struct {
	Book  string    `json:"book"`
	Range ref.Range `json:"range"`
}

func (p Passage) String() string {
	return p.Range.String()
}

var romanCanons = map[string]int{
	"I": 1, "II": 2, "III": 3, "IV": 4, "V": 5,
	"VI": 6, "VII": 7, "VIII": 8, "IX": 9, "X": 10,
}

// ParseSectionKey splits a key such as "IV.12" into its canon and section
// numbers.
func ParseSectionKey(key string) (canonNum, number int, err error) {
	numeral, n, ok := strings.Cut(key, ".")
	if !ok {
		return 0, 0, errors.NewValidation("section", fmt.Sprintf("key %q has no section number", key))
	}
	canonNum, ok = romanCanons[numeral]
	if !ok {
		return 0, 0, errors.NewValidation("section", fmt.Sprintf("key %q does not name canon I to X", key))
	}
	number, err = strconv.Atoi(n)
	if err != nil || number < 1 || n[0] == '0' || n[0] == '+' {
		return 0, 0, errors.NewValidation("section", fmt.Sprintf("key %q has an invalid section number", key))
	}
	return canonNum, number, nil
}

func compareSections(a, b *Section) int {
	if c := cmp.Compare(a.Canon, b.Canon); c != 0 {
		return c
	}
	return cmp.Compare(a.Number, b.Number)
}

// ParsePassage reads a span written "3.3", "3.3-6" or "3.3-4.2" in book. A
// colon may stand for the dot. Part-verse letters, as in "1.23B", are dropped.
func ParsePassage(book, s string) (ref.Range, error) {
	in := strings.TrimSpace(s)
	first, last, hasEnd := strings.Cut(in, "-")

	ch, v, err := coordinate(first)
	if err != nil {
		return ref.Range{}, errors.NewReference(s, err.Error())
	}
	rr := ref.Single(ref.New(book, ch, v))
	if hasEnd {
		if strings.ContainsAny(last, ".:") {
			ech, ev, err := coordinate(last)
			if err != nil {
				return ref.Range{}, errors.NewReference(s, err.Error())
			}
			rr.End = ref.New(book, ech, ev)
		} else {
			ev, err := number(last)
			if err != nil {
				return ref.Range{}, errors.NewReference(s, err.Error())
			}
			rr.End = ref.New(book, ch, ev)
		}
	}
	if !rr.Valid() {
		return ref.Range{}, errors.NewReference(s, "range ends before it starts")
	}
	return rr, nil
}

func coordinate(s string) (chapter, verse int, err error) {
	i := strings.IndexAny(s, ".:")
	if i < 0 {
		return 0, 0, fmt.Errorf("missing chapter separator in %q", s)
	}
	if chapter, err = number(s[:i]); err != nil {
		return 0, 0, err
	}
	if verse, err = number(s[i+1:]); err != nil {
		return 0, 0, err
	}
	return chapter, verse, nil
}

func number(s string) (int, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz")
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || s[0] == '+' {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return n, nil
}

// AddSection records a canon section. passages maps book names to spans in
// the form ParsePassage reads.
func (b *Builder) AddSection(key string, passages map[string]string) error {
	canonNum, n, err := ParseSectionKey(key)
	if err != nil {
		return err
	}
	if _, dup := b.set.sections[key]; dup {
		return errors.NewValidation("section", fmt.Sprintf("duplicate section %s", key))
	}
	if len(passages) == 0 {
		return errors.NewValidation("section", fmt.Sprintf("section %s has no passages", key))
	}

	sec := &Section{Key: key, Canon: canonNum, Number: n}
	for raw, span := range passages {
		name, err := b.book(raw)
		if err != nil {
			return errors.Wrapf(err, "section %s", key)
		}
		if slices.ContainsFunc(sec.Passages, func(p Passage) bool { return p.Book == name }) {
			return errors.NewValidation("section", fmt.Sprintf("section %s lists %s twice", key, name))
		}
		rr, err := ParsePassage(name, span)
		if err != nil {
			return errors.Wrapf(err, "section %s", key)
		}
		sec.Passages = append(sec.Passages, Passage{Book: name, Range: rr})
	}
	b.set.sections[key] = sec
	return nil
}

// MapVerse assigns a verse to a section added earlier. coord is
// "<chapter>:<verse>" or "<chapter>.<verse>". Verses not mapped explicitly
// fall back to the first section whose passage contains them.
func (b *Builder) MapVerse(book, coord, key string) error {
	name, err := b.book(book)
	if err != nil {
		return err
	}
	if _, ok := b.set.sections[key]; !ok {
		return errors.NewNotFound("section", key)
	}
	ch, v, err := coordinate(strings.TrimSpace(coord))
	if err != nil {
		return errors.NewReference(coord, err.Error())
	}
	b.set.byVerse[ref.New(name, ch, v)] = key
	return nil
}

// Sections returns every section key in canon order.
func (s *Set) Sections() []string {
	return slices.Clone(s.keys)
}

// Section returns the section with the given key.
func (s *Set) Section(key string) (Section, bool) {
	sec, ok := s.sections[key]
	if !ok {
		return Section{}, false
	}
	out := *sec
	out.Passages = slices.Clone(sec.Passages)
	return out, true
}

// SectionFor returns the key of the section rf belongs to.
func (s *Set) SectionFor(rf ref.Reference) (string, bool) {
	rf.Book, _ = s.parser.CanonicalBook(rf.Book)
	if key, ok := s.byVerse[rf]; ok {
		return key, true
	}
	for _, key := range s.keys {
		for _, p := range s.sections[key].Passages {
			if p.Range.Contains(rf) {
				return key, true
			}
		}
	}
	return "", false
}

// Parallels returns the passages of a section with book's own passage first
// and the rest in table order. An empty book keeps table order.
func (s *Set) Parallels(key, book string) []Passage {
	sec, ok := s.sections[key]
	if !ok {
		return nil
	}
	name, _ := s.parser.CanonicalBook(book)
	out := make([]Passage, 0, len(sec.Passages))
	for _, p := range sec.Passages {
		if p.Book == name {
			out = append(out, p)
		}
	}
	for _, p := range sec.Passages {
		if p.Book != name {
			out = append(out, p)
		}
	}
	return out
}

// Summary renders a section's passages on one line, book first, as in
// "Luke 3:4-6; Matthew 3:3; Mark 1:3". Unknown keys render as "Canon <key>".
func (s *Set) Summary(key, book string) string {
	parallels := s.Parallels(key, book)
	if len(parallels) == 0 {
		return "Canon " + key
	}
	parts := make([]string, len(parallels))
	for i, p := range parallels {
		parts[i] = p.String()
	}
	return strings.Join(parts, "; ")
}
