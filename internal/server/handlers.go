package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/FocuswithJustin/hypomnema/core/annotation"
	"github.com/FocuswithJustin/hypomnema/core/canon"
	"github.com/FocuswithJustin/hypomnema/core/commentary"
	"github.com/FocuswithJustin/hypomnema/core/corpus"
	"github.com/FocuswithJustin/hypomnema/core/errors"
	"github.com/FocuswithJustin/hypomnema/core/ref"
	"github.com/FocuswithJustin/hypomnema/internal/logging"
)

// Response is the envelope of every API response.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   *Error `json:"error,omitempty"`
	Meta    *Meta  `json:"meta,omitempty"`
}

// Error describes a failed request.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Meta carries response metadata.
type Meta struct {
	Total     int    `json:"total,omitempty"`
	Timestamp string `json:"timestamp"`
}

// BookInfo summarises one book of the library.
type BookInfo struct {
	Name             string          `json:"name"`
	Slug             string          `json:"slug"`
	Testament        canon.Testament `json:"testament"`
	Deuterocanonical bool            `json:"deuterocanonical,omitempty"`
	Chapters         int             `json:"chapters"`
	Verses           int             `json:"verses"`
	Expected         int             `json:"expected,omitempty"`
	Present          []int           `json:"present_chapters,omitempty"`
	SourceHash       string          `json:"source_hash,omitempty"`
}

// Verse is a record in API form.
type Verse struct {
	Ref       string `json:"ref"`
	Book      string `json:"book"`
	Chapter   int    `json:"chapter"`
	Verse     int    `json:"verse"`
	Text      string `json:"text"`
	Commented bool   `json:"commented,omitempty"`

	// Paragraph marks a verse that opens a paragraph.
	Paragraph bool `json:"paragraph,omitempty"`

	// Section is the canon section key, set on the first verse of each
	// section run.
	Section string `json:"section,omitempty"`
}

// ChapterView is the payload of the chapter endpoint.
type ChapterView struct {
	Book    string  `json:"book"`
	Chapter int     `json:"chapter"`
	Of      int     `json:"of"`
	Verses  []Verse `json:"verses"`

	// Sections summarises each canon section marked in Verses.
	Sections map[string]string `json:"sections,omitempty"`
}

// EntryView is a commentary entry with its footnotes. Note markers in Text
// carry display numbers.
type EntryView struct {
	commentary.Entry
	Footnotes []annotation.Footnote `json:"footnotes,omitempty"`
}

// VerseView is the payload of the verse endpoint.
type VerseView struct {
	Verse      Verse       `json:"verse"`
	Commentary []EntryView `json:"commentary"`
}

// SectionSummary lists a canon section.
type SectionSummary struct {
	Key     string `json:"key"`
	Summary string `json:"summary"`
}

// PassageView is one parallel passage of a canon section.
type PassageView struct {
	Ref    string  `json:"ref"`
	Book   string  `json:"book"`
	Verses []Verse `json:"verses"`
}

// SectionView is the payload of the section endpoint.
type SectionView struct {
	Key      string        `json:"key"`
	Canon    int           `json:"canon"`
	Number   int           `json:"number"`
	Passages []PassageView `json:"passages"`
}

// ParseView is the payload of the parse endpoint.
type ParseView struct {
	Input     string `json:"input"`
	Canonical string `json:"canonical"`
	Book      string `json:"book"`
	Chapter   int    `json:"chapter"`
	Verse     int    `json:"verse"`
	EndChap   int    `json:"end_chapter,omitempty"`
	EndVerse  int    `json:"end_verse,omitempty"`
}

func toVerse(rec corpus.Record) Verse {
	return Verse{
		Ref:     ref.Format(rec.Ref),
		Book:    rec.Ref.Book,
		Chapter: rec.Ref.Chapter,
		Verse:   rec.Ref.Verse,
		Text:    rec.Text,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"version":    Version,
		"uptime":     time.Since(s.started).Round(time.Second).String(),
		"books":      s.Library().Len(),
		"commentary": s.resolver.Load().Len(),
		"clients":    s.hub.Clients(),
	})
}

func (s *Server) bookInfo(c *corpus.Corpus) BookInfo {
	b := c.Book()
	return BookInfo{
		Name:             b.Name,
		Slug:             b.Slug,
		Testament:        b.Testament,
		Deuterocanonical: b.Deuterocanonical,
		Chapters:         c.ChapterCount(),
		Verses:           c.Len(),
		Expected:         b.TotalVerses(),
		SourceHash:       c.SourceHash(),
	}
}

func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request) {
	lib := s.Library()
	testament := canon.Testament(strings.ToUpper(r.URL.Query().Get("testament")))

	out := make([]BookInfo, 0, lib.Len())
	for _, name := range lib.Books() {
		c, _ := lib.Corpus(name)
		if testament != "" && c.Book().Testament != testament {
			continue
		}
		out = append(out, s.bookInfo(c))
	}
	respondList(w, out, len(out))
}

// corpusFor resolves the {book} path value by name, slug or abbreviation.
func (s *Server) corpusFor(w http.ResponseWriter, r *http.Request) (*corpus.Corpus, bool) {
	raw := r.PathValue("book")
	b, ok := s.canon.Lookup(raw)
	if !ok {
		respondError(w, http.StatusNotFound, "UNKNOWN_BOOK", fmt.Sprintf("unknown book %q", raw))
		return nil, false
	}
	c, ok := s.Library().Corpus(b.Name)
	if !ok {
		respondError(w, http.StatusNotFound, "NOT_INGESTED", fmt.Sprintf("%s has not been ingested", b.Name))
		return nil, false
	}
	return c, true
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	c, ok := s.corpusFor(w, r)
	if !ok {
		return
	}
	info := s.bookInfo(c)
	info.Present = c.Chapters()
	respond(w, http.StatusOK, info)
}

// chapterKey names a cached chapter body. gen must be read before the
// library and resolver the body is built from.
func chapterKey(gen uint64, book string, chapter int) string {
	return fmt.Sprintf("chapter|%d|%s|%d", gen, book, chapter)
}

func (s *Server) handleChapter(w http.ResponseWriter, r *http.Request) {
	gen := s.gen.Load()
	c, ok := s.corpusFor(w, r)
	if !ok {
		return
	}
	ch, err := strconv.Atoi(r.PathValue("chapter"))
	if err != nil || ch < 1 {
		respondError(w, http.StatusBadRequest, "INVALID_CHAPTER", fmt.Sprintf("invalid chapter %q", r.PathValue("chapter")))
		return
	}
	if ch > c.ChapterCount() {
		respondError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("%s has %d chapters", c.Book().Name, c.ChapterCount()))
		return
	}

	key := chapterKey(gen, c.Book().Name, ch)
	if body, ok := s.cache.Get(key); ok {
		writeJSON(w, http.StatusOK, body)
		return
	}

	res := s.resolver.Load()
	notes := s.notes.Load()
	recs := c.VersesInChapter(ch)
	view := ChapterView{Book: c.Book().Name, Chapter: ch, Of: c.ChapterCount(), Verses: make([]Verse, 0, len(recs))}
	last := ""
	for i, rec := range recs {
		v := toVerse(rec)
		v.Commented = len(res.EntriesFor(rec.Ref)) > 0
		v.Paragraph = i == 0 || notes.StartsParagraph(rec.Ref)
		if key, ok := notes.SectionFor(rec.Ref); ok {
			if key != last {
				v.Section = key
				if view.Sections == nil {
					view.Sections = make(map[string]string)
				}
				view.Sections[key] = notes.Summary(key, rec.Ref.Book)
			}
			last = key
		}
		view.Verses = append(view.Verses, v)
	}

	body, err := encode(Response{Success: true, Data: view, Meta: newMeta(len(view.Verses))})
	if err != nil {
		logging.ErrorContext(r.Context(), "encode chapter", "error", err)
		respondError(w, http.StatusInternalServerError, "INTERNAL", "encoding failed")
		return
	}
	s.cache.Set(key, body)
	writeJSON(w, http.StatusOK, body)
}

// parseRef reads the "ref" query parameter leniently.
func (s *Server) parseRef(w http.ResponseWriter, r *http.Request) (ref.Reference, bool) {
	raw := r.URL.Query().Get("ref")
	if raw == "" {
		respondError(w, http.StatusBadRequest, "MISSING_REF", "query parameter ref is required")
		return ref.Reference{}, false
	}
	rf, err := s.parser.Normalize(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, "MALFORMED_REFERENCE", err.Error())
		return ref.Reference{}, false
	}
	return rf, true
}

func (s *Server) handleVerse(w http.ResponseWriter, r *http.Request) {
	rf, ok := s.parseRef(w, r)
	if !ok {
		return
	}
	rec, err := s.Library().Lookup(rf)
	if err != nil {
		status, code := statusOf(err)
		respondError(w, status, code, err.Error())
		return
	}
	entries := filterAuthor(s.resolver.Load().EntriesFor(rf), r.URL.Query().Get("author"))
	notes := s.notes.Load()
	v := toVerse(rec)
	v.Commented = len(entries) > 0
	v.Section, _ = notes.SectionFor(rf)
	v.Paragraph = notes.StartsParagraph(rf)
	respond(w, http.StatusOK, VerseView{Verse: v, Commentary: withFootnotes(notes, entries)})
}

func (s *Server) handleCommentary(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("ref"))
	if raw == "" {
		respondError(w, http.StatusBadRequest, "MISSING_REF", "query parameter ref is required")
		return
	}
	rr, err := s.parser.ParseRange(raw)
	if err != nil {
		// Fall back to lenient single-verse parsing ("john 1:1").
		rf, nerr := s.parser.Normalize(raw)
		if nerr != nil {
			respondError(w, http.StatusBadRequest, "MALFORMED_REFERENCE", err.Error())
			return
		}
		rr = ref.Single(rf)
	}

	res := s.resolver.Load()
	var entries []commentary.Entry
	if rr.IsSingle() {
		entries = res.EntriesFor(rr.Start)
	} else {
		entries = res.EntriesForRange(rr)
	}
	entries = filterAuthor(entries, r.URL.Query().Get("author"))
	respondList(w, withFootnotes(s.notes.Load(), entries), len(entries))
}

func withFootnotes(notes *annotation.Set, entries []commentary.Entry) []EntryView {
	out := make([]EntryView, len(entries))
	for i, e := range entries {
		e.Text = notes.Renumber(e.ID, e.Text)
		out[i] = EntryView{Entry: e, Footnotes: notes.Footnotes(e.ID)}
	}
	return out
}

func (s *Server) handleFootnotes(w http.ResponseWriter, r *http.Request) {
	notes := s.notes.Load().Footnotes(r.PathValue("id"))
	if notes == nil {
		notes = []annotation.Footnote{}
	}
	respondList(w, notes, len(notes))
}

// handleSections lists canon sections, optionally only those with a passage
// in the book named by the "book" query parameter.
func (s *Server) handleSections(w http.ResponseWriter, r *http.Request) {
	notes := s.notes.Load()
	raw := r.URL.Query().Get("book")
	book := ""
	if raw != "" {
		b, ok := s.canon.Lookup(raw)
		if !ok {
			respondError(w, http.StatusNotFound, "UNKNOWN_BOOK", fmt.Sprintf("unknown book %q", raw))
			return
		}
		book = b.Name
	}

	out := []SectionSummary{}
	for _, key := range notes.Sections() {
		sec, _ := notes.Section(key)
		if book != "" && !slices.ContainsFunc(sec.Passages, func(p annotation.Passage) bool { return p.Book == book }) {
			continue
		}
		out = append(out, SectionSummary{Key: key, Summary: notes.Summary(key, book)})
	}
	respondList(w, out, len(out))
}

// handleSection returns the parallel passages of one canon section with
// their text. The "book" query parameter puts that book's passage first.
func (s *Server) handleSection(w http.ResponseWriter, r *http.Request) {
	notes := s.notes.Load()
	key := r.PathValue("key")
	sec, ok := notes.Section(key)
	if !ok {
		respondError(w, http.StatusNotFound, "UNKNOWN_SECTION", fmt.Sprintf("unknown canon section %q", key))
		return
	}

	lib := s.Library()
	view := SectionView{Key: sec.Key, Canon: sec.Canon, Number: sec.Number}
	for _, p := range notes.Parallels(key, r.URL.Query().Get("book")) {
		view.Passages = append(view.Passages, PassageView{
			Ref:    p.String(),
			Book:   p.Book,
			Verses: passageVerses(lib, p.Range),
		})
	}
	respond(w, http.StatusOK, view)
}

// passageVerses returns the ingested verses of rr. A book that has not been
// ingested yields an empty slice.
func passageVerses(lib *corpus.Library, rr ref.Range) []Verse {
	out := []Verse{}
	c, ok := lib.Corpus(rr.Start.Book)
	if !ok {
		return out
	}
	for ch := rr.Start.Chapter; ch <= rr.End.Chapter; ch++ {
		for _, rec := range c.VersesInChapter(ch) {
			if rr.Contains(rec.Ref) {
				out = append(out, toVerse(rec))
			}
		}
	}
	return out
}

func filterAuthor(entries []commentary.Entry, author string) []commentary.Entry {
	if author == "" {
		return entries
	}
	return slices.DeleteFunc(entries, func(e commentary.Entry) bool {
		return !strings.EqualFold(e.Author, author)
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		respondError(w, http.StatusBadRequest, "MISSING_QUERY", "query parameter q is required")
		return
	}
	limit := s.cfg.SearchLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "INVALID_LIMIT", fmt.Sprintf("invalid limit %q", raw))
			return
		}
		limit = n
	}
	recs := s.Library().Search(q, limit)
	out := make([]Verse, len(recs))
	for i, rec := range recs {
		out[i] = toVerse(rec)
	}
	respondList(w, out, len(out))
}

func (s *Server) handleParse(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("ref")
	rr, err := s.parser.ParseRange(raw)
	if err != nil {
		rf, nerr := s.parser.Normalize(raw)
		if nerr != nil {
			respondError(w, http.StatusBadRequest, "MALFORMED_REFERENCE", err.Error())
			return
		}
		rr = ref.Single(rf)
	}
	view := ParseView{
		Input:     raw,
		Canonical: rr.String(),
		Book:      rr.Start.Book,
		Chapter:   rr.Start.Chapter,
		Verse:     rr.Start.Verse,
	}
	if !rr.IsSingle() {
		view.EndChap, view.EndVerse = rr.End.Chapter, rr.End.Verse
	}
	respond(w, http.StatusOK, view)
}

func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, errors.ErrMalformedReference), errors.Is(err, errors.ErrInvalidInput):
		return http.StatusBadRequest, "BAD_REQUEST"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func newMeta(total int) *Meta {
	return &Meta{Total: total, Timestamp: time.Now().UTC().Format(time.RFC3339)}
}

func encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
	w.Write([]byte{'\n'})
}

func respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Response{Success: true, Data: data, Meta: newMeta(0)})
}

func respondList(w http.ResponseWriter, data any, total int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(Response{Success: true, Data: data, Meta: newMeta(total)})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Response{
		Success: false,
		Error:   &Error{Code: code, Message: message},
		Meta:    newMeta(0),
	})
}
