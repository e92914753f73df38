// Package canon holds the static book metadata table: book names, testament,
// deuterocanonical status and the verse count of every chapter.
//
// The verse-count table is the chapter-break index used during ingestion:
// source markup carries no chapter delimiters, so chapter boundaries are
// derived from it. A default table (KJV versification plus the deuterocanonical
// books of the Vulgate) is embedded; a replacement may be loaded from YAML.
package canon

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/gosimple/slug"
	"gopkg.in/yaml.v3"

	"github.com/FocuswithJustin/hypomnema/core/errors"
)

//go:embed books.yaml
var defaultTable []byte

// Testament identifies the half of the canon a book belongs to.
type Testament string

// Testament constants.
const (
	OldTestament Testament = "OT"
	NewTestament Testament = "NT"
)

// IsValid returns true if the testament is OT or NT.
func (t Testament) IsValid() bool {
	return t == OldTestament || t == NewTestament
}

// Book is the metadata of one book. Values are shared and must be treated as
// read-only once a Canon has been built.
type Book struct {
	// Name is the display and reference name (e.g., "1 John").
	Name string `yaml:"name" json:"name"`

	// Abbrev is an optional OSIS-style abbreviation (e.g., "1John").
	Abbrev string `yaml:"abbrev,omitempty" json:"abbrev,omitempty"`

	// Slug is the file-system friendly identifier; derived from Name when empty.
	Slug string `yaml:"slug,omitempty" json:"slug"`

	// Testament is OT or NT.
	Testament Testament `yaml:"testament" json:"testament"`

	// Deuterocanonical marks books outside the Protestant canon.
	Deuterocanonical bool `yaml:"deuterocanonical,omitempty" json:"deuterocanonical,omitempty"`

	// Chapters is the chapter count for books configured without a verse table.
	Chapters int `yaml:"chapters,omitempty" json:"-"`

	// Verses holds the verse count of each chapter, index 0 being chapter 1.
	Verses []int `yaml:"verses,omitempty" json:"verses,omitempty"`
}

// ChapterCount returns the number of chapters in the book.
func (b Book) ChapterCount() int {
	if len(b.Verses) > 0 {
		return len(b.Verses)
	}
	return b.Chapters
}

// VerseCount returns the number of verses in a chapter, or 0 if the chapter
// is out of range or the book has no verse table.
func (b Book) VerseCount(chapter int) int {
	if chapter < 1 || chapter > len(b.Verses) {
		return 0
	}
	return b.Verses[chapter-1]
}

// TotalVerses returns the expected number of verses in the book, or 0 when
// no verse table is configured.
func (b Book) TotalVerses() int {
	total := 0
	for _, n := range b.Verses {
		total += n
	}
	return total
}

// HasChapterIndex reports whether the book carries a per-chapter verse table.
func (b Book) HasChapterIndex() bool {
	return len(b.Verses) > 0
}

// Canon is an immutable, ordered table of books.
type Canon struct {
	books  []Book
	byName map[string]int
	byKey  map[string]int // lower-cased name, slug and abbreviation
}

type tableFile struct {
	Books []Book `yaml:"books"`
}

// Default returns the embedded book table. The table is parsed once.
var Default = sync.OnceValue(func() *Canon {
	c, err := Load(bytes.NewReader(defaultTable))
	if err != nil {
		panic(fmt.Sprintf("canon: embedded table is invalid: %v", err))
	}
	return c
})

// Load reads a YAML book table.
func Load(r io.Reader) (*Canon, error) {
	var tf tableFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&tf); err != nil {
		return nil, errors.NewParse("YAML", "", "book table: "+err.Error())
	}
	return New(tf.Books)
}

// LoadFile reads a YAML book table from disk.
func LoadFile(path string) (*Canon, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.NewIO("open", path, err)
	}
	defer f.Close()

	c, err := Load(f)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	return c, nil
}

// New validates books and builds a Canon. Book order is preserved.
func New(books []Book) (*Canon, error) {
	c := &Canon{
		books:  make([]Book, 0, len(books)),
		byName: make(map[string]int, len(books)),
		byKey:  make(map[string]int, len(books)*3),
	}

	for i, b := range books {
		b.Name = strings.TrimSpace(b.Name)
		if err := validateBook(b); err != nil {
			return nil, errors.Wrapf(err, "book %d", i+1)
		}
		if b.Slug == "" {
			b.Slug = slug.Make(b.Name)
		}
		if _, dup := c.byName[b.Name]; dup {
			return nil, errors.NewValidation("name", fmt.Sprintf("duplicate book %q", b.Name))
		}

		idx := len(c.books)
		c.books = append(c.books, b)
		c.byName[b.Name] = idx
		for _, key := range []string{b.Name, b.Slug, b.Abbrev} {
			if key == "" {
				continue
			}
			k := strings.ToLower(key)
			if _, taken := c.byKey[k]; !taken {
				c.byKey[k] = idx
			}
		}
	}

	return c, nil
}

func validateBook(b Book) error {
	if b.Name == "" {
		return errors.NewValidation("name", "must not be empty")
	}
	if !b.Testament.IsValid() {
		return errors.NewValidation("testament", fmt.Sprintf("%s: must be OT or NT, got %q", b.Name, b.Testament))
	}
	for i, n := range b.Verses {
		if n < 1 {
			return errors.NewValidation("verses", fmt.Sprintf("%s chapter %d: verse count must be positive", b.Name, i+1))
		}
	}
	if len(b.Verses) > 0 && b.Chapters != 0 && b.Chapters != len(b.Verses) {
		return errors.NewValidation("chapters", fmt.Sprintf("%s: chapters=%d but verse table has %d entries", b.Name, b.Chapters, len(b.Verses)))
	}
	if b.ChapterCount() < 1 {
		return errors.NewValidation("chapters", fmt.Sprintf("%s: needs a chapter count or a verse table", b.Name))
	}
	return nil
}

// Books returns the books in table order.
func (c *Canon) Books() []Book {
	out := make([]Book, len(c.books))
	copy(out, c.books)
	return out
}

// Len returns the number of books.
func (c *Canon) Len() int {
	return len(c.books)
}

// Names returns book names in table order.
func (c *Canon) Names() []string {
	names := make([]string, len(c.books))
	for i, b := range c.books {
		names[i] = b.Name
	}
	return names
}

// Book returns the book whose Name matches exactly.
func (c *Canon) Book(name string) (Book, bool) {
	idx, ok := c.byName[name]
	if !ok {
		return Book{}, false
	}
	return c.books[idx], true
}

// Lookup resolves a book by exact name first, then case-insensitively by
// name, slug or abbreviation.
func (c *Canon) Lookup(name string) (Book, bool) {
	if b, ok := c.Book(name); ok {
		return b, true
	}
	idx, ok := c.byKey[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Book{}, false
	}
	return c.books[idx], true
}

// Filter returns the books matching the testament and deuterocanonical flag.
// An empty testament matches both.
func (c *Canon) Filter(t Testament, deuterocanonical bool) []Book {
	var out []Book
	for _, b := range c.books {
		if t != "" && b.Testament != t {
			continue
		}
		if b.Deuterocanonical != deuterocanonical {
			continue
		}
		out = append(out, b)
	}
	return out
}
