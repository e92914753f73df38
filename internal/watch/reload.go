package watch

import (
	"context"
	"time"

	"github.com/FocuswithJustin/hypomnema/core/canon"
	"github.com/FocuswithJustin/hypomnema/core/corpus"
	"github.com/FocuswithJustin/hypomnema/core/ingest"
	"github.com/FocuswithJustin/hypomnema/internal/logging"
)

// Publisher holds the library being served.
type Publisher interface {
	Library() *corpus.Library
	Reload(lib *corpus.Library, trigger string, took time.Duration)
}

// Reloader rebuilds the library from its sources.
type Reloader struct {
	Fetcher ingest.Fetcher
	Books   []canon.Book
	Options []ingest.Option
	Target  Publisher
}

// Reload ingests every book again and publishes the result. Books with an
// unchanged source keep their corpus. A book that fails keeps the corpus it
// had before, so a bad edit never takes a book offline.
func (r *Reloader) Reload(ctx context.Context, trigger string) (*ingest.Report, error) {
	prev := r.Target.Library()
	opts := append(append([]ingest.Option(nil), r.Options...), ingest.WithPrevious(prev))
	rep := ingest.New(r.Fetcher, opts...).Run(ctx, r.Books)
	if err := ctx.Err(); err != nil {
		return rep, err
	}

	corpora := make([]*corpus.Corpus, 0, len(rep.Results))
	for _, res := range rep.Results {
		switch {
		case res.Corpus != nil:
			corpora = append(corpora, res.Corpus)
		case res.Failed():
			if old, ok := prev.Corpus(res.Book.Name); ok {
				logging.Warn("keeping previous corpus", "book", res.Book.Name, "error", res.Err)
				corpora = append(corpora, old)
			}
		}
	}
	lib, err := corpus.NewLibrary(corpora...)
	if err != nil {
		return rep, err
	}
	r.Target.Reload(lib, trigger, rep.Duration)
	return rep, nil
}

// OnChange adapts Reload to Watcher.Run.
func (r *Reloader) OnChange(ctx context.Context, paths []string) {
	if _, err := r.Reload(ctx, "watch"); err != nil {
		logging.Error("reload failed", "changed", len(paths), "error", err)
	}
}
