package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FocuswithJustin/hypomnema/core/canon"
	herrors "github.com/FocuswithJustin/hypomnema/core/errors"
)

var john = canon.Book{Name: "John", Slug: "john", Abbrev: "John", Testament: canon.NewTestament, Verses: []int{51}}
var firstJohn = canon.Book{Name: "1 John", Slug: "1-john", Abbrev: "1John", Testament: canon.NewTestament, Verses: []int{10}}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestStatic(t *testing.T) {
	s := Static{"John": []byte("<span>")}
	if got, err := s.Fetch(context.Background(), john); err != nil || string(got) != "<span>" {
		t.Errorf("Fetch(John) = %q, %v", got, err)
	}
	if _, err := s.Fetch(context.Background(), firstJohn); !errors.Is(err, herrors.ErrNotFound) {
		t.Errorf("Fetch(1 John) error = %v", err)
	}
}

func TestDirFetcherSingleFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "john.html"), []byte(`<span class="verse">In the beginning</span>`))

	got, err := NewDirFetcher(root).Fetch(context.Background(), john)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if !strings.Contains(string(got), "In the beginning") {
		t.Errorf("Fetch() = %q", got)
	}
}

func TestDirFetcherChapterFiles(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"10.html", "2.html", "1.html", "notes.txt"} {
		writeFile(t, filepath.Join(root, "1-john", name), []byte("<p>"+strings.TrimSuffix(name, filepath.Ext(name))+"</p>"))
	}

	d := NewDirFetcher(root)
	paths, err := d.Paths(firstJohn)
	if err != nil {
		t.Fatalf("Paths() error = %v", err)
	}
	var names []string
	for _, p := range paths {
		names = append(names, filepath.Base(p))
	}
	if strings.Join(names, ",") != "1.html,2.html,10.html" {
		t.Errorf("Paths() order = %v, want natural order", names)
	}

	got, err := d.Fetch(context.Background(), firstJohn)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if want := "<p>1</p>\n<p>2</p>\n<p>10</p>\n"; string(got) != want {
		t.Errorf("Fetch() = %q, want %q", got, want)
	}
}

func TestDirFetcherMissing(t *testing.T) {
	_, err := NewDirFetcher(t.TempDir()).Fetch(context.Background(), john)
	if !errors.Is(err, herrors.ErrNotFound) {
		t.Errorf("Fetch() error = %v, want ErrNotFound", err)
	}
}

func TestCharsetDecoding(t *testing.T) {
	// "Λόγος" in ISO-8859-7.
	greek := []byte{0xcb, 0xfc, 0xe3, 0xef, 0xf2}
	want := "Λόγος"

	t.Run("meta declaration", func(t *testing.T) {
		root := t.TempDir()
		page := append([]byte(`<html><head><meta charset="iso-8859-7"></head><body><span class="verse">`), greek...)
		page = append(page, []byte(`</span></body></html>`)...)
		writeFile(t, filepath.Join(root, "john.html"), page)

		got, err := NewDirFetcher(root).Fetch(context.Background(), john)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(got), want) {
			t.Errorf("Fetch() = %q, want it to contain %q", got, want)
		}
	})

	t.Run("forced label", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, filepath.Join(root, "john.html"), greek)
		d := NewDirFetcher(root)
		d.Charset = "iso-8859-7"

		got, err := d.Fetch(context.Background(), john)
		if err != nil {
			t.Fatal(err)
		}
		if strings.TrimSpace(string(got)) != want {
			t.Errorf("Fetch() = %q, want %q", got, want)
		}
	})

	t.Run("undeclared utf-8", func(t *testing.T) {
		data := []byte(strings.Repeat("a", 2000) + want)
		got, err := toUTF8(data, "", "")
		if err != nil || string(got) != string(data) {
			t.Errorf("toUTF8() altered valid UTF-8: %v", err)
		}
	})

	t.Run("unknown label", func(t *testing.T) {
		if _, err := toUTF8([]byte("x"), "klingon", ""); !errors.Is(err, herrors.ErrInvalidInput) {
			t.Errorf("toUTF8() error = %v", err)
		}
	})
}

func newTestFetcher(t *testing.T, url string, opts HTTPOptions) *HTTPFetcher {
	t.Helper()
	opts.URLTemplate = url
	h, err := NewHTTPFetcher(opts, nil)
	if err != nil {
		t.Fatal(err)
	}
	h.sleep = noSleep
	return h
}

func TestHTTPFetcherSuccess(t *testing.T) {
	var gotPath, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotUA = r.URL.Path, r.UserAgent()
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<span class="verse">Word</span>`))
	}))
	defer srv.Close()

	h := newTestFetcher(t, srv.URL+"/bible/{slug}.html", HTTPOptions{UserAgent: "test-agent"})
	got, err := h.Fetch(context.Background(), firstJohn)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if string(got) != `<span class="verse">Word</span>` {
		t.Errorf("Fetch() = %q", got)
	}
	if gotPath != "/bible/1-john.html" || gotUA != "test-agent" {
		t.Errorf("path = %q, user agent = %q", gotPath, gotUA)
	}
}

func TestHTTPFetcherRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusBadGateway)
		default:
			_, _ = w.Write([]byte("ok"))
		}
	}))
	defer srv.Close()

	h := newTestFetcher(t, srv.URL+"/{slug}", HTTPOptions{Retries: 3, Backoff: time.Millisecond})
	var waits []time.Duration
	h.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	got, err := h.Fetch(context.Background(), john)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if string(got) != "ok" || calls.Load() != 3 {
		t.Errorf("Fetch() = %q after %d calls", got, calls.Load())
	}
	if len(waits) != 2 || waits[0] != time.Second || waits[1] != 2*time.Millisecond {
		t.Errorf("waits = %v, want [1s 2ms]", waits)
	}
}

func TestHTTPFetcherCapsRetryWait(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "86400")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	h := newTestFetcher(t, srv.URL+"/{slug}", HTTPOptions{Retries: 2, Backoff: time.Second, MaxBackoff: 10 * time.Second})
	var waits []time.Duration
	h.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	if _, err := h.Fetch(context.Background(), john); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(waits) != 1 || waits[0] != 10*time.Second {
		t.Errorf("waits = %v, want [10s]", waits)
	}
}

func TestBackoffSchedule(t *testing.T) {
	h := newTestFetcher(t, "http://example.invalid/{slug}", HTTPOptions{Backoff: time.Second, MaxBackoff: 5 * time.Second})
	tests := []struct {
		attempt int
		err     error
		want    time.Duration
	}{
		{1, nil, time.Second},
		{2, nil, 2 * time.Second},
		{3, nil, 4 * time.Second},
		{4, nil, 5 * time.Second},
		{60, nil, 5 * time.Second},
		{1, &retryableError{err: context.DeadlineExceeded, after: 3 * time.Second}, 3 * time.Second},
		{1, &retryableError{err: context.DeadlineExceeded, after: time.Hour}, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := h.backoff(tt.attempt, tt.err); got != tt.want {
			t.Errorf("backoff(%d, %v) = %v, want %v", tt.attempt, tt.err, got, tt.want)
		}
	}
}

func TestHTTPFetcherGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := newTestFetcher(t, srv.URL+"/{slug}", HTTPOptions{Retries: 2})
	if _, err := h.Fetch(context.Background(), john); err == nil {
		t.Fatal("Fetch() expected error")
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestHTTPFetcherNoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	h := newTestFetcher(t, srv.URL+"/{slug}", HTTPOptions{Retries: 3})
	if _, err := h.Fetch(context.Background(), john); !errors.Is(err, herrors.ErrNotFound) {
		t.Errorf("Fetch() error = %v, want ErrNotFound", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestHTTPFetcherSizeLimitAndCache(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if strings.HasSuffix(r.URL.Path, "big") {
			_, _ = w.Write([]byte(strings.Repeat("x", 100)))
			return
		}
		_, _ = w.Write([]byte("small"))
	}))
	defer srv.Close()

	h := newTestFetcher(t, srv.URL+"/{abbrev}", HTTPOptions{MaxBytes: 50, CacheTTL: time.Minute})
	if _, err := h.Fetch(context.Background(), canon.Book{Name: "Big", Abbrev: "big"}); err == nil {
		t.Error("Fetch() expected size error")
	}

	for i := 0; i < 3; i++ {
		if _, err := h.Fetch(context.Background(), john); err != nil {
			t.Fatal(err)
		}
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2 (one cached book)", calls.Load())
	}
}

func TestHTTPFetcherContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := newTestFetcher(t, srv.URL+"/{slug}", HTTPOptions{Retries: 5})
	if _, err := h.Fetch(ctx, john); !errors.Is(err, context.Canceled) {
		t.Errorf("Fetch() error = %v, want context.Canceled", err)
	}
}

func TestNewHTTPFetcherValidation(t *testing.T) {
	for _, tmpl := range []string{"", "http://example.com/static.html"} {
		if _, err := NewHTTPFetcher(HTTPOptions{URLTemplate: tmpl}, nil); !errors.Is(err, herrors.ErrInvalidInput) {
			t.Errorf("NewHTTPFetcher(%q) error = %v", tmpl, err)
		}
	}
}

func TestURLExpansion(t *testing.T) {
	h, err := NewHTTPFetcher(HTTPOptions{URLTemplate: "https://example.com/{name}/{abbrev}/{slug}"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := h.URL(firstJohn); got != "https://example.com/1%20John/1John/1-john" {
		t.Errorf("URL() = %q", got)
	}
}
