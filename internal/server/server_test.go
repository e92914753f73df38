package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/FocuswithJustin/hypomnema/core/annotation"
	"github.com/FocuswithJustin/hypomnema/core/canon"
	"github.com/FocuswithJustin/hypomnema/core/commentary"
	"github.com/FocuswithJustin/hypomnema/core/corpus"
	"github.com/FocuswithJustin/hypomnema/core/ref"
)

func testCorpus(t *testing.T, name string, texts ...string) *corpus.Corpus {
	t.Helper()
	book, _ := canon.Default().Book(name)
	b := corpus.NewBuilder(book)
	for i, text := range texts {
		if err := b.Put(corpus.Record{Ref: ref.New(name, 1, i+1), Text: text}); err != nil {
			t.Fatal(err)
		}
	}
	return b.Freeze()
}

func testServer(t *testing.T) *Server {
	t.Helper()
	lib, err := corpus.NewLibrary(
		testCorpus(t, "John", "In the beginning was the Word", "The same was in the beginning with God.", "All things were made by him"),
		testCorpus(t, "Jude", "Jude, the servant of Jesus Christ"),
	)
	if err != nil {
		t.Fatal(err)
	}
	through := ref.New("John", 1, 3)
	res, err := commentary.NewResolver([]commentary.Entry{
		{ID: "a", Ref: ref.New("John", 1, 1), Author: "Chrysostom", Text: "Homily 2"},
		{ID: "b", Ref: ref.New("John", 1, 1), Author: "Augustine", Text: "Tractate 1"},
		{ID: "c", Ref: ref.New("John", 1, 2), Through: &through, Author: "Chrysostom", Text: "Homily 5"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return New(Config{CacheTTL: time.Minute}, canon.Default(), corpus.NewHolder(lib), res)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *Error          `json:"error"`
	Meta    *Meta           `json:"meta"`
}

func get(t *testing.T, h http.Handler, target string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var env envelope
	if err := json.NewDecoder(w.Body).Decode(&env); err != nil {
		t.Fatalf("GET %s: decode: %v", target, err)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("GET %s: Content-Type = %q", target, ct)
	}
	return w.Code, env
}

func TestHealth(t *testing.T) {
	code, env := get(t, testServer(t).Handler(), "/health")
	if code != http.StatusOK || !env.Success {
		t.Fatalf("status = %d, env = %+v", code, env)
	}
	var data map[string]any
	json.Unmarshal(env.Data, &data)
	if data["books"] != float64(2) || data["commentary"] != float64(3) {
		t.Errorf("health = %v", data)
	}
}

func TestBooks(t *testing.T) {
	h := testServer(t).Handler()

	code, env := get(t, h, "/api/books")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	var books []BookInfo
	json.Unmarshal(env.Data, &books)
	if len(books) != 2 || books[0].Name != "John" || books[0].Verses != 3 || books[0].Expected != 879 {
		t.Errorf("books = %+v", books)
	}

	_, env = get(t, h, "/api/books?testament=ot")
	json.Unmarshal(env.Data, &books)
	if len(books) != 0 {
		t.Errorf("OT books = %+v, want none", books)
	}
}

func TestBook(t *testing.T) {
	h := testServer(t).Handler()

	tests := []struct {
		path     string
		wantCode int
		wantErr  string
	}{
		{"/api/books/john", http.StatusOK, ""},
		{"/api/books/Jude", http.StatusOK, ""},
		{"/api/books/mark", http.StatusNotFound, "NOT_INGESTED"},
		{"/api/books/hezekiah", http.StatusNotFound, "UNKNOWN_BOOK"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			code, env := get(t, h, tt.path)
			if code != tt.wantCode {
				t.Errorf("status = %d, want %d", code, tt.wantCode)
			}
			if tt.wantErr != "" && (env.Error == nil || env.Error.Code != tt.wantErr) {
				t.Errorf("error = %+v, want %s", env.Error, tt.wantErr)
			}
		})
	}
}

func TestChapter(t *testing.T) {
	s := testServer(t)
	h := s.Handler()

	code, env := get(t, h, "/api/books/john/chapters/1")
	if code != http.StatusOK {
		t.Fatalf("status = %d, error = %+v", code, env.Error)
	}
	var view ChapterView
	json.Unmarshal(env.Data, &view)
	if view.Book != "John" || view.Of != 21 || len(view.Verses) != 3 {
		t.Fatalf("view = %+v", view)
	}
	if view.Verses[0].Ref != "John 1:1" || !view.Verses[0].Commented || !view.Verses[2].Commented {
		t.Errorf("verses = %+v", view.Verses)
	}
	if s.cache.Len() != 1 {
		t.Errorf("cache.Len() = %d, want 1", s.cache.Len())
	}

	// Present in the table but not ingested: empty, not an error.
	code, env = get(t, h, "/api/books/john/chapters/5")
	json.Unmarshal(env.Data, &view)
	if code != http.StatusOK || len(view.Verses) != 0 {
		t.Errorf("chapter 5 = %d, %+v", code, view)
	}

	for _, p := range []string{"/api/books/john/chapters/0", "/api/books/john/chapters/x"} {
		if code, _ := get(t, h, p); code != http.StatusBadRequest {
			t.Errorf("GET %s status = %d, want 400", p, code)
		}
	}
	if code, _ := get(t, h, "/api/books/john/chapters/22"); code != http.StatusNotFound {
		t.Errorf("chapter 22 status = %d, want 404", code)
	}
}

func TestVerse(t *testing.T) {
	h := testServer(t).Handler()

	code, env := get(t, h, "/api/verse?ref="+url.QueryEscape("john 1:1"))
	if code != http.StatusOK {
		t.Fatalf("status = %d, error = %+v", code, env.Error)
	}
	var view VerseView
	json.Unmarshal(env.Data, &view)
	if view.Verse.Text != "In the beginning was the Word" || len(view.Commentary) != 2 {
		t.Errorf("view = %+v", view)
	}
	if view.Commentary[0].ID != "a" || view.Commentary[1].ID != "b" {
		t.Errorf("commentary order = %s, %s; want insertion order", view.Commentary[0].ID, view.Commentary[1].ID)
	}

	_, env = get(t, h, "/api/verse?author=augustine&ref="+url.QueryEscape("John 1:1"))
	json.Unmarshal(env.Data, &view)
	if len(view.Commentary) != 1 || view.Commentary[0].Author != "Augustine" {
		t.Errorf("author filter = %+v", view.Commentary)
	}

	tests := []struct {
		target   string
		wantCode int
	}{
		{"/api/verse", http.StatusBadRequest},
		{"/api/verse?ref=John1:1", http.StatusBadRequest},
		{"/api/verse?ref=" + url.QueryEscape("John 1:40"), http.StatusNotFound},
		{"/api/verse?ref=" + url.QueryEscape("Mark 1:1"), http.StatusNotFound},
	}
	for _, tt := range tests {
		if code, _ := get(t, h, tt.target); code != tt.wantCode {
			t.Errorf("GET %s status = %d, want %d", tt.target, code, tt.wantCode)
		}
	}
}

func TestCommentary(t *testing.T) {
	h := testServer(t).Handler()

	tests := []struct {
		ref     string
		wantIDs string
	}{
		{"John 1:1", "a,b"},
		{"John 1:3", "c"},
		{"John 1:1-2", "a,b,c"},
		{"jude 1:1", ""},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			code, env := get(t, h, "/api/commentary?ref="+url.QueryEscape(tt.ref))
			if code != http.StatusOK {
				t.Fatalf("status = %d, error = %+v", code, env.Error)
			}
			var entries []commentary.Entry
			json.Unmarshal(env.Data, &entries)
			ids := make([]string, len(entries))
			for i, e := range entries {
				ids[i] = e.ID
			}
			if got := strings.Join(ids, ","); got != tt.wantIDs {
				t.Errorf("ids = %q, want %q", got, tt.wantIDs)
			}
		})
	}

	if code, _ := get(t, h, "/api/commentary?ref=nonsense"); code != http.StatusBadRequest {
		t.Errorf("malformed ref status = %d, want 400", code)
	}
}

func TestSearch(t *testing.T) {
	h := testServer(t).Handler()

	code, env := get(t, h, "/api/search?q=BEGINNING")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	var verses []Verse
	json.Unmarshal(env.Data, &verses)
	if len(verses) != 2 || env.Meta.Total != 2 {
		t.Errorf("search = %+v", verses)
	}

	_, env = get(t, h, "/api/search?q=beginning&limit=1")
	json.Unmarshal(env.Data, &verses)
	if len(verses) != 1 {
		t.Errorf("limited search = %d results, want 1", len(verses))
	}

	for _, target := range []string{"/api/search", "/api/search?q=x&limit=0"} {
		if code, _ := get(t, h, target); code != http.StatusBadRequest {
			t.Errorf("GET %s status = %d, want 400", target, code)
		}
	}
}

func TestParse(t *testing.T) {
	h := testServer(t).Handler()

	tests := []struct {
		input string
		want  string
	}{
		{"John 3:16", "John 3:16"},
		{"  1  john 3:16", "1 John 3:16"},
		{"John 1:1-5", "John 1:1-5"},
		{"Matthew 5:3-6:2", "Matthew 5:3-6:2"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			code, env := get(t, h, "/api/parse?ref="+url.QueryEscape(tt.input))
			if code != http.StatusOK {
				t.Fatalf("status = %d, error = %+v", code, env.Error)
			}
			var view ParseView
			json.Unmarshal(env.Data, &view)
			if view.Canonical != tt.want {
				t.Errorf("Canonical = %q, want %q", view.Canonical, tt.want)
			}
		})
	}
}

func TestNotFoundRoute(t *testing.T) {
	code, env := get(t, testServer(t).Handler(), "/nope")
	if code != http.StatusNotFound || env.Error == nil || env.Error.Code != "NOT_FOUND" {
		t.Errorf("status = %d, env = %+v", code, env)
	}
}

func TestCORS(t *testing.T) {
	s := testServer(t)
	s.cfg.AllowedOrigins = []string{"https://reader.example"}
	h := s.Handler()

	req := httptest.NewRequest(http.MethodOptions, "/api/books", nil)
	req.Header.Set("Origin", "https://evil.example")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("preflight from unknown origin = %d, want 403", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/books", nil)
	req.Header.Set("Origin", "https://reader.example")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://reader.example" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
}

func TestReloadPurgesCacheAndNotifies(t *testing.T) {
	s := testServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.Run(ctx)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.hub.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	get(t, s.Handler(), "/api/books/john/chapters/1")
	if s.cache.Len() != 1 {
		t.Fatalf("cache.Len() = %d, want 1", s.cache.Len())
	}

	lib, _ := corpus.NewLibrary(testCorpus(t, "Jude", "Jude, a servant"))
	s.Reload(lib, "test", time.Millisecond)

	if s.cache.Len() != 0 {
		t.Errorf("cache.Len() after reload = %d, want 0", s.cache.Len())
	}
	if s.Library().Len() != 1 {
		t.Errorf("Library().Len() = %d, want 1", s.Library().Len())
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if ev.Type != "reload" || len(ev.Books) != 1 || ev.Books[0] != "Jude" {
		t.Errorf("event = %+v", ev)
	}
}

func TestLateCacheWriteNotServedAfterReload(t *testing.T) {
	s := testServer(t)
	h := s.Handler()

	// A request that loaded the old library before the swap finishes after
	// it and stores its body under the generation it started with.
	before := s.gen.Load()
	lib, _ := corpus.NewLibrary(testCorpus(t, "John", "Reloaded text"))
	s.Reload(lib, "test", time.Millisecond)
	stale, err := encode(Response{Success: true, Data: ChapterView{Book: "John", Chapter: 1, Verses: []Verse{{Text: "stale"}}}})
	if err != nil {
		t.Fatal(err)
	}
	s.cache.Set(chapterKey(before, "John", 1), stale)

	code, env := get(t, h, "/api/books/john/chapters/1")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	var view ChapterView
	if err := json.Unmarshal(env.Data, &view); err != nil {
		t.Fatal(err)
	}
	if len(view.Verses) != 1 || view.Verses[0].Text != "Reloaded text" {
		t.Errorf("verses = %+v, want the reloaded text", view.Verses)
	}

	s.SetResolver(nil)
	if s.gen.Load() != before+2 {
		t.Errorf("gen = %d, want %d", s.gen.Load(), before+2)
	}
}

func TestHubOriginCheck(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no origin header", nil, "", true},
		{"same origin by default", nil, "http://bible.example", true},
		{"cross origin denied by default", nil, "http://evil.example", false},
		{"listed origin", []string{"http://app.example"}, "http://app.example", true},
		{"unlisted origin", []string{"http://app.example"}, "http://evil.example", false},
		{"wildcard", []string{"*"}, "http://evil.example", true},
		{"unparsable origin", nil, "http://%zz", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHub(tt.allowed)
			req := httptest.NewRequest(http.MethodGet, "http://bible.example/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := h.upgrader.CheckOrigin(req); got != tt.want {
				t.Errorf("CheckOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	s := testServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}

func testAnnotations(t *testing.T) *annotation.Set {
	t.Helper()
	b := annotation.NewBuilder(canon.Default())
	for _, v := range []int{1, 3} {
		if err := b.AddParagraph("John", 1, v); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.AddSection("I.1", map[string]string{"John": "1.1-2", "Jude": "1.1"}); err != nil {
		t.Fatal(err)
	}
	if err := b.AddSection("X.3", map[string]string{"john": "1.3"}); err != nil {
		t.Fatal(err)
	}
	if err := b.AddFootnotes("c", []annotation.Footnote{{Original: "8", Content: "Or, the Word."}}); err != nil {
		t.Fatal(err)
	}
	return b.Build()
}

func TestChapterAnnotations(t *testing.T) {
	s := testServer(t)
	h := s.Handler()
	get(t, h, "/api/books/john/chapters/1")
	s.SetAnnotations(testAnnotations(t))
	if s.cache.Len() != 0 {
		t.Errorf("cache.Len() after SetAnnotations = %d, want 0", s.cache.Len())
	}

	_, env := get(t, h, "/api/books/john/chapters/1")
	var view ChapterView
	if err := json.Unmarshal(env.Data, &view); err != nil {
		t.Fatal(err)
	}
	if len(view.Verses) != 3 {
		t.Fatalf("verses = %+v", view.Verses)
	}

	tests := []struct {
		paragraph bool
		section   string
	}{
		{true, "I.1"},
		{false, ""},
		{true, "X.3"},
	}
	for i, tt := range tests {
		v := view.Verses[i]
		if v.Paragraph != tt.paragraph || v.Section != tt.section {
			t.Errorf("verse %d: paragraph = %v, section = %q; want %v, %q", i+1, v.Paragraph, v.Section, tt.paragraph, tt.section)
		}
	}
	if got := view.Sections["I.1"]; got != "John 1:1-2; Jude 1:1" {
		t.Errorf("Sections[I.1] = %q", got)
	}
	if got := view.Sections["X.3"]; got != "John 1:3" {
		t.Errorf("Sections[X.3] = %q", got)
	}

	// Without annotations only the first verse opens a paragraph.
	s.SetAnnotations(nil)
	_, env = get(t, h, "/api/books/john/chapters/1")
	view = ChapterView{}
	json.Unmarshal(env.Data, &view)
	if !view.Verses[0].Paragraph || view.Verses[2].Paragraph || view.Sections != nil {
		t.Errorf("unannotated view = %+v", view)
	}
}

func TestSectionEndpoints(t *testing.T) {
	s := testServer(t)
	s.SetAnnotations(testAnnotations(t))
	h := s.Handler()

	code, env := get(t, h, "/api/sections/I.1?book=jude")
	if code != http.StatusOK {
		t.Fatalf("status = %d, error = %+v", code, env.Error)
	}
	var view SectionView
	if err := json.Unmarshal(env.Data, &view); err != nil {
		t.Fatal(err)
	}
	if view.Canon != 1 || view.Number != 1 || len(view.Passages) != 2 {
		t.Fatalf("view = %+v", view)
	}
	if view.Passages[0].Ref != "Jude 1:1" || len(view.Passages[0].Verses) != 1 {
		t.Errorf("first passage = %+v, want Jude first", view.Passages[0])
	}
	if p := view.Passages[1]; p.Ref != "John 1:1-2" || len(p.Verses) != 2 || p.Verses[1].Text != "The same was in the beginning with God." {
		t.Errorf("second passage = %+v", p)
	}

	code, env = get(t, h, "/api/sections/IX.1")
	if code != http.StatusNotFound || env.Error == nil || env.Error.Code != "UNKNOWN_SECTION" {
		t.Errorf("unknown section = %d, %+v", code, env.Error)
	}

	tests := []struct {
		target string
		want   string
	}{
		{"/api/sections", "I.1,X.3"},
		{"/api/sections?book=Jude", "I.1"},
		{"/api/sections?book=Philemon", ""},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			code, env := get(t, h, tt.target)
			if code != http.StatusOK {
				t.Fatalf("status = %d", code)
			}
			var list []SectionSummary
			json.Unmarshal(env.Data, &list)
			keys := make([]string, len(list))
			for i, sec := range list {
				keys[i] = sec.Key
			}
			if got := strings.Join(keys, ","); got != tt.want {
				t.Errorf("keys = %q, want %q", got, tt.want)
			}
		})
	}
	if code, _ := get(t, h, "/api/sections?book=Hezekiah"); code != http.StatusNotFound {
		t.Errorf("unknown book status = %d, want 404", code)
	}
}

func TestCommentaryFootnotes(t *testing.T) {
	s := testServer(t)
	s.SetAnnotations(testAnnotations(t))
	res, err := commentary.NewResolver([]commentary.Entry{
		{ID: "c", Ref: ref.New("John", 1, 3), Author: "Chrysostom", Text: "All things[8] were made[9]."},
	})
	if err != nil {
		t.Fatal(err)
	}
	s.SetResolver(res)
	h := s.Handler()

	_, env := get(t, h, "/api/commentary?ref="+url.QueryEscape("John 1:3"))
	var entries []EntryView
	if err := json.Unmarshal(env.Data, &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].Text != "All things[1] were made." {
		t.Errorf("text = %q", entries[0].Text)
	}
	if len(entries[0].Footnotes) != 1 || entries[0].Footnotes[0].Content != "Or, the Word." {
		t.Errorf("footnotes = %+v", entries[0].Footnotes)
	}

	_, env = get(t, h, "/api/verse?ref="+url.QueryEscape("John 1:3"))
	var view VerseView
	json.Unmarshal(env.Data, &view)
	if view.Verse.Section != "X.3" || !view.Verse.Paragraph || len(view.Commentary[0].Footnotes) != 1 {
		t.Errorf("verse view = %+v", view)
	}

	_, env = get(t, h, "/api/footnotes/c")
	var notes []annotation.Footnote
	json.Unmarshal(env.Data, &notes)
	if len(notes) != 1 || notes[0].Number != 1 || notes[0].Original != "8" {
		t.Errorf("footnotes endpoint = %+v", notes)
	}
	code, env := get(t, h, "/api/footnotes/none")
	if code != http.StatusOK || string(env.Data) != "[]" {
		t.Errorf("no footnotes = %d, %s", code, env.Data)
	}
}
