package ref

import (
	"fmt"
	"strings"
	"sync"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"github.com/FocuswithJustin/hypomnema/core/canon"
	"github.com/FocuswithJustin/hypomnema/core/errors"
)

// coordGrammar accepts "<chapter>:<verse>" with an optional range tail:
// "-<verse>" or "-<chapter>:<verse>". The book name is split off before
// parsing, so names are not constrained by the lexer.
//
//nolint:govet // participle grammar tags are not standard struct tags
type coordGrammar struct {
	Chapter int       `parser:"@Int \":\""`
	Verse   int       `parser:"@Int"`
	Through *tailPart `parser:"( \"-\" @@ )?"`
}

//nolint:govet // participle grammar tags are not standard struct tags
type tailPart struct {
	First  int  `parser:"@Int"`
	Second *int `parser:"( \":\" @Int )?"`
}

// strictLexer only admits numbers as Format writes them: no sign, no
// leading zero, no whitespace.
var strictLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Int", Pattern: `[1-9][0-9]*`},
	{Name: "Punct", Pattern: `[:\-]`},
})

var lenientLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Int", Pattern: `[0-9]+`},
	{Name: "Punct", Pattern: `[:\-]`},
})

var (
	strictCoords  = participle.MustBuild[coordGrammar](participle.Lexer(strictLexer))
	lenientCoords = participle.MustBuild[coordGrammar](participle.Lexer(lenientLexer))
)

// Parser parses reference strings against a canon's book names.
type Parser struct {
	canon *canon.Canon
}

// NewParser returns a Parser for c. A nil canon selects canon.Default().
func NewParser(c *canon.Canon) *Parser {
	if c == nil {
		c = canon.Default()
	}
	return &Parser{canon: c}
}

var defaultParser = sync.OnceValue(func() *Parser { return NewParser(nil) })

// Parse parses s with the default canon.
func Parse(s string) (Reference, error) {
	return defaultParser().Parse(s)
}

// Parse accepts exactly "<book> <chapter>:<verse>" where book is a name from
// the canon, spelled as in the table, followed by a single space. Chapter and
// verse must be positive and written without leading zeros.
func (p *Parser) Parse(s string) (Reference, error) {
	book, g, err := p.parse(s, false)
	if err != nil {
		return Reference{}, err
	}
	if g.Through != nil {
		return Reference{}, errors.NewReference(s, "unexpected range; use ParseRange")
	}
	return p.build(s, book, g.Chapter, g.Verse, false)
}

// ParseRange accepts a single reference or a range in one of the forms
// "<book> <c>:<v>-<v2>" and "<book> <c>:<v>-<c2>:<v2>", with the same
// strictness as Parse.
func (p *Parser) ParseRange(s string) (Range, error) {
	book, g, err := p.parse(s, false)
	if err != nil {
		return Range{}, err
	}
	start, err := p.build(s, book, g.Chapter, g.Verse, false)
	if err != nil {
		return Range{}, err
	}
	if g.Through == nil {
		return Single(start), nil
	}

	end := Reference{Book: start.Book, Chapter: start.Chapter, Verse: g.Through.First}
	if g.Through.Second != nil {
		end.Chapter = g.Through.First
		end.Verse = *g.Through.Second
	}
	if end.Chapter < 1 || end.Verse < 1 {
		return Range{}, errors.NewReference(s, "range end must be positive")
	}

	rr := Range{Start: start, End: end}
	if !rr.Valid() {
		return Range{}, errors.NewReference(s, "range end precedes start")
	}
	return rr, nil
}

// Normalize is a lenient Parse: surrounding and repeated whitespace is
// collapsed, leading zeros are accepted and the book is resolved
// case-insensitively by name, slug or abbreviation. The returned Reference
// carries the canonical book name.
func (p *Parser) Normalize(s string) (Reference, error) {
	clean := strings.Join(strings.Fields(s), " ")
	book, g, err := p.parse(clean, true)
	if err != nil {
		var refErr *errors.ReferenceError
		if errors.As(err, &refErr) {
			refErr.Input = s
		}
		return Reference{}, err
	}
	if g.Through != nil {
		return Reference{}, errors.NewReference(s, "unexpected range")
	}
	return p.build(s, book, g.Chapter, g.Verse, true)
}

// CanonicalBook returns the table spelling of name, matched as Normalize
// matches books. The boolean is false when the canon has no such book.
func (p *Parser) CanonicalBook(name string) (string, bool) {
	b, ok := p.canon.Lookup(strings.Join(strings.Fields(name), " "))
	if !ok {
		return name, false
	}
	return b.Name, true
}

// parse splits s at its last space into the book name and the coordinate.
// Format writes exactly one space before the coordinate and the coordinate
// holds none, so every formatted reference splits back into its parts
// whatever characters the book name contains.
func (p *Parser) parse(s string, lenient bool) (string, *coordGrammar, error) {
	if strings.TrimSpace(s) == "" {
		return "", nil, errors.NewReference(s, "empty reference")
	}
	i := strings.LastIndexByte(s, ' ')
	if i < 0 {
		return "", nil, errors.NewReference(s, "missing space between book and chapter")
	}
	book, coords := s[:i], s[i+1:]
	if book == "" || strings.HasSuffix(book, " ") {
		return "", nil, errors.NewReference(s, "book and chapter must be separated by a single space")
	}
	if coords == "" {
		return "", nil, errors.NewReference(s, "missing chapter and verse")
	}

	grammar := strictCoords
	if lenient {
		grammar = lenientCoords
	}
	g, err := grammar.ParseString("", coords)
	if err != nil {
		return "", nil, errors.NewReference(s, reasonOf(err))
	}
	return book, g, nil
}

func (p *Parser) build(input, book string, chapter, verse int, lenient bool) (Reference, error) {
	var (
		b  canon.Book
		ok bool
	)
	if lenient {
		b, ok = p.canon.Lookup(book)
	} else {
		b, ok = p.canon.Book(book)
	}
	if !ok {
		return Reference{}, errors.NewReference(input, fmt.Sprintf("unknown book %q", book))
	}
	if chapter < 1 {
		return Reference{}, errors.NewReference(input, "chapter must be positive")
	}
	if verse < 1 {
		return Reference{}, errors.NewReference(input, "verse must be positive")
	}
	return Reference{Book: b.Name, Chapter: chapter, Verse: verse}, nil
}

// reasonOf turns a participle error into a short reason. Positions are
// dropped since references are single-line.
func reasonOf(err error) string {
	var perr participle.Error
	if errors.As(err, &perr) {
		return perr.Message()
	}
	return err.Error()
}
