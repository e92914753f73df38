package watch

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/FocuswithJustin/hypomnema/core/canon"
	"github.com/FocuswithJustin/hypomnema/core/corpus"
	"github.com/FocuswithJustin/hypomnema/core/ref"
	"github.com/FocuswithJustin/hypomnema/internal/fetch"
)

type fakeTarget struct {
	mu       sync.Mutex
	lib      *corpus.Library
	triggers []string
}

func (f *fakeTarget) Library() *corpus.Library {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lib == nil {
		lib, _ := corpus.NewLibrary()
		return lib
	}
	return f.lib
}

func (f *fakeTarget) Reload(lib *corpus.Library, trigger string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lib = lib
	f.triggers = append(f.triggers, trigger)
}

func books(t *testing.T, names ...string) []canon.Book {
	t.Helper()
	var out []canon.Book
	for _, n := range names {
		b, ok := canon.Default().Book(n)
		if !ok {
			t.Fatalf("unknown book %s", n)
		}
		out = append(out, b)
	}
	return out
}

func TestReload(t *testing.T) {
	src := fetch.Static{
		"Jude":     []byte(`<span class="verse">Jude, the servant</span><span class="verse">To them that are sanctified</span>`),
		"Philemon": []byte(`<span class="verse">Paul, a prisoner</span>`),
	}
	target := &fakeTarget{}
	r := &Reloader{Fetcher: src, Books: books(t, "Jude", "Philemon"), Target: target}

	rep, err := r.Reload(context.Background(), "startup")
	if err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if rep.Err() != nil {
		t.Fatalf("report error = %v", rep.Err())
	}
	first := target.Library()
	if first.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", first.Len())
	}
	jude1, _ := first.Corpus("Jude")

	// Philemon changes; Jude is untouched and must be reused as is.
	src["Philemon"] = []byte(`<span class="verse">Paul, a prisoner of Jesus Christ</span>`)
	rep, err = r.Reload(context.Background(), "watch")
	if err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	second := target.Library()
	jude2, _ := second.Corpus("Jude")
	if jude1 != jude2 {
		t.Error("unchanged book was rebuilt")
	}
	rec, _ := second.Get(ref.New("Philemon", 1, 1))
	if rec.Text != "Paul, a prisoner of Jesus Christ" {
		t.Errorf("Philemon 1:1 = %q", rec.Text)
	}
	if !rep.Results[0].Reused || rep.Results[1].Reused {
		t.Errorf("Reused = %v, %v; want true, false", rep.Results[0].Reused, rep.Results[1].Reused)
	}

	// A failing fetch keeps the previous corpus online.
	delete(src, "Philemon")
	rep, err = r.Reload(context.Background(), "watch")
	if err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if len(rep.Failures()) != 1 {
		t.Errorf("Failures() = %d, want 1", len(rep.Failures()))
	}
	if _, ok := target.Library().Corpus("Philemon"); !ok {
		t.Error("failed book was dropped from the library")
	}
	if !slices.Equal(target.triggers, []string{"startup", "watch", "watch"}) {
		t.Errorf("triggers = %v", target.triggers)
	}
}

func TestReloadCancelled(t *testing.T) {
	target := &fakeTarget{}
	r := &Reloader{Fetcher: fetch.Static{}, Books: books(t, "Jude"), Target: target}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Reload(ctx, "watch"); err == nil {
		t.Error("Reload() with cancelled context expected error")
	}
	if len(target.triggers) != 0 {
		t.Error("cancelled reload must not publish")
	}
}

func TestWatcherBatchesChanges(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, []string{"html"}, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	batches := make(chan []string, 4)
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(_ context.Context, paths []string) { batches <- paths })
	}()

	for _, name := range []string{"jude.html", "notes.txt", "philemon.html"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("<p>x</p>"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	jude, philemon := filepath.Join(dir, "jude.html"), filepath.Join(dir, "philemon.html")
	seen := make(map[string]bool)
	deadline := time.After(5 * time.Second)
	for !seen[jude] || !seen[philemon] {
		select {
		case paths := <-batches:
			if !slices.IsSorted(paths) {
				t.Errorf("paths not sorted: %v", paths)
			}
			for _, p := range paths {
				seen[p] = true
			}
		case <-deadline:
			t.Fatalf("changes not delivered, seen %v", seen)
		}
	}
	if seen[filepath.Join(dir, "notes.txt")] {
		t.Error("file with unwatched extension was reported")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestWatcherFollowsNewDirectories(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, []string{".html"}, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	batches := make(chan []string, 8)
	go w.Run(ctx, func(_ context.Context, paths []string) { batches <- paths })

	sub := filepath.Join(dir, "john")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	select {
	case <-batches:
	case <-deadline:
		t.Fatal("directory creation not reported")
	}

	chapter := filepath.Join(sub, "1.html")
	if err := os.WriteFile(chapter, []byte("<p>x</p>"), 0o644); err != nil {
		t.Fatal(err)
	}
	for {
		select {
		case paths := <-batches:
			if slices.Contains(paths, chapter) {
				return
			}
		case <-deadline:
			t.Fatal("change inside new directory not reported")
		}
	}
}

func TestNewMissingRoot(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "missing"), nil, 0); err == nil {
		t.Error("New() expected error for missing root")
	}
}
