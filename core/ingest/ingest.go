// Package ingest runs the fetch, extract and assign steps for a batch of
// books.
//
// Books are independent: each one is fetched and assigned on its own worker,
// and a failure is recorded in that book's Result without affecting the
// others. The batch always completes and returns a Report.
package ingest

import (
	"context"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/multierr"

	"github.com/FocuswithJustin/hypomnema/core/assign"
	"github.com/FocuswithJustin/hypomnema/core/canon"
	"github.com/FocuswithJustin/hypomnema/core/corpus"
	"github.com/FocuswithJustin/hypomnema/core/errors"
	"github.com/FocuswithJustin/hypomnema/core/extract"
	"github.com/FocuswithJustin/hypomnema/internal/logging"
)

// Fetcher supplies the raw markup of a book.
type Fetcher interface {
	Fetch(ctx context.Context, book canon.Book) ([]byte, error)
}

// Stage names the step at which a book stopped.
type Stage string

// Stages of a book's ingestion.
const (
	StageFetch  Stage = "fetch"
	StageAssign Stage = "assign"
	StageDone   Stage = "done"
)

// Result is the outcome of one book.
type Result struct {
	Book canon.Book

	// Corpus is nil when the book failed or no fragments were found.
	Corpus *corpus.Corpus

	Outcome *assign.Outcome
	Stage   Stage
	Err     error

	// Reused is set when the source hash matched the previous corpus and it
	// was kept instead of rebuilt.
	Reused bool

	Duration time.Duration
}

// Failed reports whether the book produced no corpus because of an error.
func (r Result) Failed() bool {
	return r.Err != nil
}

// Warnings returns the soft problems recorded for the book.
func (r Result) Warnings() []error {
	if r.Outcome == nil {
		return nil
	}
	return r.Outcome.Warnings
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithExtractor sets the markup conventions.
func WithExtractor(e *extract.Extractor) Option {
	return func(p *Pipeline) { p.extractor = e }
}

// WithWorkers bounds the number of books processed at once.
func WithWorkers(n int) Option {
	return func(p *Pipeline) { p.workers = n }
}

// WithPrevious lets books whose source is unchanged keep their corpus from
// lib.
func WithPrevious(lib *corpus.Library) Option {
	return func(p *Pipeline) { p.previous = lib }
}

// Pipeline ingests books.
type Pipeline struct {
	fetcher   Fetcher
	extractor *extract.Extractor
	workers   int
	previous  *corpus.Library
}

// New returns a Pipeline reading markup from f.
func New(f Fetcher, opts ...Option) *Pipeline {
	p := &Pipeline{fetcher: f, extractor: extract.New()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type job struct {
	index int
	book  canon.Book
}

type indexed struct {
	index  int
	result Result
}

// Run ingests books and returns a Report in the order given. Cancelling ctx
// makes books that have not been fetched yet fail at the fetch stage.
func (p *Pipeline) Run(ctx context.Context, books []canon.Book) *Report {
	start := time.Now()
	pool := newWorkerPool[job, indexed](p.workers, len(books))
	pool.start(func(j job) indexed {
		return indexed{index: j.index, result: p.Book(ctx, j.book)}
	})
	for i, b := range books {
		pool.submit(job{index: i, book: b})
	}
	pool.close()

	results := make([]Result, len(books))
	for r := range pool.resultsChan() {
		results[r.index] = r.result
	}

	rep := &Report{Results: results, Duration: time.Since(start)}
	logging.Info("ingest_complete",
		"books", len(books),
		"ingested", len(rep.Corpora()),
		"failed", len(rep.Failures()),
		"warnings", len(rep.Warnings()),
		"duration_ms", rep.Duration.Milliseconds(),
	)
	return rep
}

// Book ingests a single book.
func (p *Pipeline) Book(ctx context.Context, book canon.Book) (res Result) {
	start := time.Now()
	res = Result{Book: book, Stage: StageFetch}
	defer func() { res.Duration = time.Since(start) }()
	ctx = logging.WithBook(ctx, book.Name)

	raw, err := p.fetch(ctx, book)
	if err != nil {
		res.Err = errors.NewFetch(book.Name, err)
		logging.IngestFailure(book.Name, string(StageFetch), res.Err)
		return res
	}

	hash := SourceHash(raw)
	if prev := p.unchanged(book, hash); prev != nil {
		logging.DebugContext(ctx, "source unchanged, keeping corpus", "hash", hash)
		res.Corpus, res.Reused, res.Stage = prev, true, StageDone
		res.Outcome = &assign.Outcome{Book: book.Name, Fragments: prev.Len(), Expected: book.TotalVerses(), Warnings: prev.Warnings()}
		return res
	}

	res.Stage = StageAssign
	b := corpus.NewBuilder(book)
	b.SetSourceHash(hash)
	out, err := assign.Into(b, book, p.extractor.Fragments(raw))
	res.Outcome = out
	if err != nil {
		res.Err = err
		if errors.Is(err, errors.ErrDuplicateReference) {
			logging.InvariantBreach(book.Name, err)
		} else {
			logging.IngestFailure(book.Name, string(StageAssign), err)
		}
		return res
	}

	for _, w := range out.Warnings {
		logging.IngestWarning(book.Name, w)
	}
	res.Stage = StageDone
	if out.Empty() {
		return res
	}
	res.Corpus = b.Freeze()
	logging.BookIngested(book.Name, res.Corpus.Len(), out.Expected, time.Since(start))
	return res
}

func (p *Pipeline) fetch(ctx context.Context, book canon.Book) (data []byte, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetcher panicked: %v", r)
		}
	}()
	return p.fetcher.Fetch(ctx, book)
}

func (p *Pipeline) unchanged(book canon.Book, hash string) *corpus.Corpus {
	if p.previous == nil {
		return nil
	}
	c, ok := p.previous.Corpus(book.Name)
	if !ok || c.SourceHash() != hash {
		return nil
	}
	return c
}

// SourceHash returns the hex BLAKE3 digest of markup.
func SourceHash(markup []byte) string {
	sum := blake3.Sum256(markup)
	return hex.EncodeToString(sum[:])
}

// Report collects the per-book results of a batch.
type Report struct {
	Results  []Result
	Duration time.Duration
}

// Corpora returns the corpora that were built, in batch order.
func (r *Report) Corpora() []*corpus.Corpus {
	var out []*corpus.Corpus
	for _, res := range r.Results {
		if res.Corpus != nil {
			out = append(out, res.Corpus)
		}
	}
	return out
}

// Library builds a Library from the report's corpora.
func (r *Report) Library() (*corpus.Library, error) {
	return corpus.NewLibrary(r.Corpora()...)
}

// Failures returns the results of books that failed.
func (r *Report) Failures() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Failed() {
			out = append(out, res)
		}
	}
	return out
}

// Warnings returns every soft problem across the batch.
func (r *Report) Warnings() []error {
	var out []error
	for _, res := range r.Results {
		out = append(out, res.Warnings()...)
	}
	return out
}

// Err combines the errors of all failed books, or returns nil.
func (r *Report) Err() error {
	var err error
	for _, res := range r.Failures() {
		err = multierr.Append(err, errors.Wrapf(res.Err, "%s", res.Book.Name))
	}
	return err
}

// InvariantBreach reports whether any book hit a duplicate reference. That
// means reference assignment itself is broken, not the source.
func (r *Report) InvariantBreach() bool {
	return slices.ContainsFunc(r.Results, func(res Result) bool {
		return errors.Is(res.Err, errors.ErrDuplicateReference)
	})
}

// Summary renders a one-line-per-book description of the batch.
func (r *Report) Summary() string {
	var sb strings.Builder
	for _, res := range r.Results {
		switch {
		case res.Failed():
			fmt.Fprintf(&sb, "FAIL  %-20s %s: %v\n", res.Book.Name, res.Stage, res.Err)
		case res.Corpus == nil:
			fmt.Fprintf(&sb, "EMPTY %-20s no verse fragments found\n", res.Book.Name)
		default:
			status := "OK"
			if len(res.Warnings()) > 0 {
				status = "WARN"
			}
			fmt.Fprintf(&sb, "%-5s %-20s %d verses", status, res.Book.Name, res.Corpus.Len())
			if res.Outcome != nil && res.Outcome.Expected > 0 {
				fmt.Fprintf(&sb, " of %d", res.Outcome.Expected)
			}
			if res.Reused {
				sb.WriteString(" (unchanged)")
			}
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}
