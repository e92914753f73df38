// Package extract pulls verse text fragments out of HTML markup.
//
// Extraction is a pure function of an in-memory buffer. A wrapper element
// (by default <span class="verse">) delimits one fragment. Footnote markers and
// popups are removed, whitespace is collapsed and text is NFC-normalized.
// Optional in-band hints (a verse number in the wrapper's id or data-verse
// attribute, a chapter label element) are reported alongside the text.
package extract

import (
	"bytes"
	"iter"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"
)

// Wrapper selects elements by tag name and class.
type Wrapper struct {
	// Tag is the element name, e.g. "span".
	Tag string `yaml:"tag"`

	// Class must appear in the element's class list. Empty matches any element
	// with the tag.
	Class string `yaml:"class"`

	// Marker switches the wrapper from enclosing the verse text to marking
	// where it starts: the fragment is the text that follows the marker up to
	// the next marker or chapter label, and the marker's own text is read only
	// as a verse number.
	Marker bool `yaml:"marker,omitempty"`
}

// Matches reports whether a start tag selects this wrapper.
func (w Wrapper) Matches(tag string, class string) bool {
	if tag != w.Tag {
		return false
	}
	if w.Class == "" {
		return true
	}
	return slices.Contains(strings.Fields(class), w.Class)
}

// Fragment is the cleaned text of one verse slot.
type Fragment struct {
	Text string `json:"text"`

	// Chapter is the number of the most recent chapter label, or 0.
	Chapter int `json:"chapter,omitempty"`

	// Verse is the number carried by the wrapper itself, or 0.
	Verse int `json:"verse,omitempty"`
}

// Extractor holds the markup conventions of a source.
type Extractor struct {
	Wrapper Wrapper

	// ChapterLabelClass names the class of elements whose text carries a
	// chapter number. Empty disables chapter hints.
	ChapterLabelClass string

	// Strip lists elements removed together with their content.
	Strip []Wrapper
}

// DefaultStrip removes footnote markers and popup notes.
var DefaultStrip = []Wrapper{
	{Tag: "a", Class: "notemark"},
	{Tag: "span", Class: "popup"},
}

// New returns an Extractor for <span class="verse"> wrappers with
// "chapterlabel" chapter hints and the default strip list.
func New() *Extractor {
	return &Extractor{
		Wrapper:           Wrapper{Tag: "span", Class: "verse"},
		ChapterLabelClass: "chapterlabel",
		Strip:             slices.Clone(DefaultStrip),
	}
}

// Fragments returns the fragments of buf in document order. The sequence is
// lazy and may be ranged over more than once; each pass re-reads buf.
// Wrappers without text are skipped.
func (e *Extractor) Fragments(buf []byte) iter.Seq[Fragment] {
	return func(yield func(Fragment) bool) {
		s := &scanner{e: e, z: html.NewTokenizer(bytes.NewReader(buf))}
		s.run(yield)
	}
}

// Extract collects Fragments into a slice. The result is empty, not nil,
// when nothing matched.
func (e *Extractor) Extract(buf []byte) []Fragment {
	out := []Fragment{}
	for f := range e.Fragments(buf) {
		out = append(out, f)
	}
	return out
}

// Clean collapses runs of whitespace to single spaces, trims the ends and
// applies NFC normalization.
func Clean(s string) string {
	return norm.NFC.String(strings.Join(strings.Fields(s), " "))
}

var voidElements = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true,
	"hr": true, "img": true, "input": true, "link": true, "meta": true,
	"source": true, "track": true, "wbr": true,
}

type scanner struct {
	e *Extractor
	z *html.Tokenizer

	chapter int
	stopped bool

	stripTag   string
	stripDepth int

	wrapDepth int
	hint      int
	marker    strings.Builder // marker text, read for a verse number
	text      strings.Builder
	open      bool // marker mode: text after a marker is accumulating

	labelTag   string
	labelDepth int
	label      strings.Builder
}

func (s *scanner) run(yield func(Fragment) bool) {
	wrapTag := s.e.Wrapper.Tag
	markerMode := s.e.Wrapper.Marker

	for !s.stopped {
		tt := s.z.Next()
		switch tt {
		case html.ErrorToken:
			// io.EOF or a tokenizer error; either way the buffer is done.
			if s.wrapDepth > 0 && !markerMode {
				s.emit(yield)
			}
			if s.open {
				s.emit(yield)
			}
			return

		case html.TextToken:
			if s.stripDepth > 0 {
				continue
			}
			txt := s.z.Text()
			switch {
			case s.labelDepth > 0:
				s.label.Write(txt)
			case s.wrapDepth > 0 && markerMode:
				s.marker.Write(txt)
			case s.wrapDepth > 0 || s.open:
				s.text.Write(txt)
			}

		case html.StartTagToken, html.SelfClosingTagToken:
			name, class, id, dataVerse := s.readTag()
			void := tt == html.SelfClosingTagToken || voidElements[name]

			if s.stripDepth > 0 {
				if name == s.stripTag && !void {
					s.stripDepth++
				}
				continue
			}
			if s.stripped(name, class) {
				if !void {
					s.stripTag = name
					s.stripDepth = 1
				}
				continue
			}
			if s.labelDepth > 0 {
				if name == s.labelTag && !void {
					s.labelDepth++
				}
				continue
			}
			if s.wrapDepth > 0 {
				if name == wrapTag && !void {
					s.wrapDepth++
				}
				if name == "br" {
					s.text.WriteByte(' ')
				}
				continue
			}

			if s.e.Wrapper.Matches(name, class) {
				if markerMode && s.open {
					s.emit(yield)
				}
				s.hint = verseHint(id, dataVerse)
				s.text.Reset()
				s.marker.Reset()
				s.open = markerMode
				if void {
					continue
				}
				s.wrapDepth = 1
				continue
			}

			if s.e.ChapterLabelClass != "" && (Wrapper{Tag: name, Class: s.e.ChapterLabelClass}).Matches(name, class) {
				if s.open {
					s.emit(yield)
				}
				s.label.Reset()
				if void {
					continue
				}
				s.labelTag = name
				s.labelDepth = 1
				continue
			}

			if s.open && (name == "br" || name == "p" || name == "div") {
				s.text.WriteByte(' ')
			}

		case html.EndTagToken:
			raw, _ := s.z.TagName()
			name := string(raw)

			switch {
			case s.stripDepth > 0:
				if name == s.stripTag {
					s.stripDepth--
				}
			case s.labelDepth > 0:
				if name == s.labelTag {
					s.labelDepth--
					if s.labelDepth == 0 {
						if n := firstNumber(s.label.String()); n > 0 {
							s.chapter = n
						}
					}
				}
			case s.wrapDepth > 0:
				if name == wrapTag {
					s.wrapDepth--
					if s.wrapDepth == 0 {
						if markerMode {
							if s.hint == 0 {
								s.hint = firstNumber(s.marker.String())
							}
						} else {
							s.emit(yield)
						}
					}
				}
			}
		}
	}
}

// readTag returns the lower-cased tag name and the attributes the scanner
// cares about.
func (s *scanner) readTag() (name, class, id, dataVerse string) {
	raw, hasAttr := s.z.TagName()
	name = string(raw)
	for hasAttr {
		var key, val []byte
		key, val, hasAttr = s.z.TagAttr()
		switch string(key) {
		case "class":
			class = string(val)
		case "id":
			id = string(val)
		case "data-verse":
			dataVerse = string(val)
		}
	}
	return name, class, id, dataVerse
}

func (s *scanner) stripped(name, class string) bool {
	for _, w := range s.e.Strip {
		if w.Matches(name, class) {
			return true
		}
	}
	return false
}

func (s *scanner) emit(yield func(Fragment) bool) {
	s.open = false
	s.wrapDepth = 0
	text := Clean(s.text.String())
	s.text.Reset()
	hint := s.hint
	s.hint = 0
	if text == "" {
		return
	}
	if !yield(Fragment{Text: text, Chapter: s.chapter, Verse: hint}) {
		s.stopped = true
	}
}

// verseHint reads a verse number from id="V<n>" or data-verse="<n>".
func verseHint(id, dataVerse string) int {
	if dataVerse != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(dataVerse)); err == nil && n > 0 {
			return n
		}
	}
	if len(id) > 1 && (id[0] == 'V' || id[0] == 'v') {
		if n, err := strconv.Atoi(id[1:]); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

// firstNumber returns the first run of ASCII digits in s, or 0.
func firstNumber(s string) int {
	start := strings.IndexFunc(s, func(r rune) bool { return r >= '0' && r <= '9' })
	if start < 0 {
		return 0
	}
	end := start
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(s[start:end])
	if err != nil {
		return 0
	}
	return n
}
