package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/FocuswithJustin/hypomnema/core/commentary"
	"github.com/FocuswithJustin/hypomnema/core/corpus"
	"github.com/FocuswithJustin/hypomnema/core/errors"
	"github.com/FocuswithJustin/hypomnema/core/export"
	"github.com/FocuswithJustin/hypomnema/core/ingest"
	"github.com/FocuswithJustin/hypomnema/core/ref"
	"github.com/FocuswithJustin/hypomnema/internal/logging"
	"github.com/FocuswithJustin/hypomnema/internal/server"
	"github.com/FocuswithJustin/hypomnema/internal/watch"
)

// SourceFlags override the source section of the configuration.
type SourceFlags struct {
	SourceDir string   `name:"source-dir" help:"Directory of <slug>.html files or <slug>/ chapter directories" type:"path"`
	SourceURL string   `name:"source-url" help:"URL template with {slug}, {name} or {abbrev}"`
	Charset   string   `help:"Force the source encoding (e.g. iso-8859-7)"`
	Book      []string `short:"b" help:"Books to ingest (repeatable); default is every book in the table"`
	Workers   int      `help:"Books ingested in parallel (0 = GOMAXPROCS)"`
}

func (f *SourceFlags) apply(a *app) error {
	if f.SourceDir != "" {
		a.cfg.Source.Dir, a.cfg.Source.URL = f.SourceDir, ""
	}
	if f.SourceURL != "" {
		a.cfg.Source.URL, a.cfg.Source.Dir = f.SourceURL, ""
	}
	if f.Charset != "" {
		a.cfg.Source.Charset = f.Charset
	}
	if len(f.Book) > 0 {
		a.cfg.Books.Include = f.Book
	}
	if f.Workers > 0 {
		a.cfg.Ingest.Workers = f.Workers
	}
	return a.cfg.Validate()
}

// ingestReport runs the pipeline over the configured books.
// The returned Reloader repeats the same ingestion; its Target is unset.
func ingestReport(ctx context.Context, a *app) (*ingest.Report, *watch.Reloader, error) {
	books, err := a.cfg.SelectBooks(a.canon)
	if err != nil {
		return nil, nil, err
	}
	f, err := a.cfg.Fetcher()
	if err != nil {
		return nil, nil, err
	}
	opts := []ingest.Option{ingest.WithExtractor(a.cfg.Extractor()), ingest.WithWorkers(a.cfg.Ingest.Workers)}
	r := &watch.Reloader{Fetcher: f, Books: books, Options: opts}
	return ingest.New(f, opts...).Run(ctx, books), r, nil
}

// IngestCmd ingests books and writes one line file per book.
type IngestCmd struct {
	SourceFlags `embed:""`

	Out    string `short:"o" help:"Output directory for line files (default from config)" type:"path"`
	SQLite string `help:"Also write a SQLite database" type:"path"`
	Bundle string `help:"Also write a tar.xz bundle" type:"path"`
	Strict bool   `help:"Exit non-zero when any book fails"`
}

// Run executes the command.
func (c *IngestCmd) Run(a *app) error {
	if err := c.apply(a); err != nil {
		return err
	}
	if c.Out != "" {
		a.cfg.Output.Dir = c.Out
	}

	rep, _, err := ingestReport(a.ctx, a)
	if err != nil {
		return err
	}
	fmt.Fprint(a.stdout, rep.Summary())

	lib, err := rep.Library()
	if err != nil {
		return err
	}
	if _, err := export.WriteLineFiles(a.cfg.Output.Dir, lib); err != nil {
		return err
	}
	if err := writeExtras(a, lib, firstNonEmpty(c.SQLite, a.cfg.Output.SQLite), firstNonEmpty(c.Bundle, a.cfg.Output.Bundle)); err != nil {
		return err
	}

	if rep.InvariantBreach() {
		return &exitCodeError{code: exitBreach, err: errors.Wrap(rep.Err(), "duplicate reference during assignment")}
	}
	if c.Strict && rep.Err() != nil {
		return rep.Err()
	}
	return nil
}

func writeExtras(a *app, lib *corpus.Library, sqlitePath, bundlePath string) error {
	if sqlitePath == "" && bundlePath == "" {
		return nil
	}
	res, err := a.cfg.Resolver(a.canon)
	if err != nil {
		return err
	}
	if sqlitePath != "" {
		if err := export.WriteSQLite(a.ctx, sqlitePath, lib, res); err != nil {
			return err
		}
		logging.Info("wrote sqlite", "path", sqlitePath, "books", lib.Len(), "driver", export.DriverType())
	}
	if bundlePath != "" {
		m, err := export.WriteBundleFile(bundlePath, lib, res)
		if err != nil {
			return err
		}
		logging.Info("wrote bundle", "path", bundlePath, "books", len(m.Books))
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// StoreFlags select where stored corpora are read from.
type StoreFlags struct {
	From string `short:"f" help:"Line-file directory, .db/.sqlite file or .tar.xz bundle (default: output dir from config)" type:"path"`
}

// load reads the library and the commentary set. Commentary files from the
// configuration win over entries stored in a database or bundle.
func (f *StoreFlags) load(a *app) (*corpus.Library, *commentary.Resolver, error) {
	from := firstNonEmpty(f.From, a.cfg.Output.Dir)

	var lib *corpus.Library
	var stored []commentary.Entry
	var err error
	switch {
	case strings.HasSuffix(from, ".tar.xz"):
		var b *export.Bundle
		b, err = export.ReadBundleFile(from, a.canon)
		if b != nil {
			lib, stored = b.Library, b.Commentary
		}
	case strings.HasSuffix(from, ".db"), strings.HasSuffix(from, ".sqlite"):
		lib, stored, err = export.ReadSQLite(a.ctx, from, a.canon)
	default:
		lib, err = export.ReadLineFiles(from, a.canon)
	}
	if err != nil {
		return nil, nil, err
	}

	if len(a.cfg.Commentary.Files) > 0 || len(stored) == 0 {
		res, err := a.cfg.Resolver(a.canon)
		return lib, res, err
	}
	opts := []commentary.Option{commentary.WithParser(a.parser)}
	if a.cfg.Commentary.Deterministic {
		opts = append(opts, commentary.WithDeterministicOrder())
	}
	res, err := commentary.NewResolver(stored, opts...)
	return lib, res, err
}

// ExportCmd converts stored corpora.
type ExportCmd struct {
	StoreFlags `embed:""`

	SQLite string `help:"Write a SQLite database" type:"path"`
	Bundle string `help:"Write a tar.xz bundle" type:"path"`
	Lines  string `help:"Write line files to this directory" type:"path"`
}

// Run executes the command.
func (c *ExportCmd) Run(a *app) error {
	if c.SQLite == "" && c.Bundle == "" && c.Lines == "" {
		return errors.NewValidation("export", "one of --sqlite, --bundle or --lines is required")
	}
	lib, res, err := c.load(a)
	if err != nil {
		return err
	}
	if c.Lines != "" {
		if _, err := export.WriteLineFiles(c.Lines, lib); err != nil {
			return err
		}
	}
	if c.SQLite != "" {
		if err := export.WriteSQLite(a.ctx, c.SQLite, lib, res); err != nil {
			return err
		}
	}
	if c.Bundle != "" {
		if _, err := export.WriteBundleFile(c.Bundle, lib, res); err != nil {
			return err
		}
	}
	fmt.Fprintf(a.stdout, "exported %d books, %d commentary entries\n", lib.Len(), res.Len())
	return nil
}

// BooksCmd lists the book table.
type BooksCmd struct {
	Testament string `help:"Only OT or NT books"`
}

// Run executes the command.
func (c *BooksCmd) Run(a *app) error {
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSLUG\tTESTAMENT\tCHAPTERS\tVERSES")
	for _, b := range a.canon.Books() {
		if c.Testament != "" && !strings.EqualFold(string(b.Testament), c.Testament) {
			continue
		}
		name := b.Name
		if b.Deuterocanonical {
			name += " *"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n", name, b.Slug, b.Testament, b.ChapterCount(), b.TotalVerses())
	}
	return tw.Flush()
}

// VersesCmd prints a chapter as line-file text.
type VersesCmd struct {
	StoreFlags `embed:""`

	Book    string `arg:"" help:"Book name, slug or abbreviation"`
	Chapter int    `arg:"" help:"Chapter number"`
}

// Run executes the command.
func (c *VersesCmd) Run(a *app) error {
	b, ok := a.canon.Lookup(c.Book)
	if !ok {
		return errors.NewNotFound("book", c.Book)
	}
	lib, _, err := c.load(a)
	if err != nil {
		return err
	}
	recs, err := lib.VersesInChapter(b.Name, c.Chapter)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		fmt.Fprintf(a.stdout, "%s %s\n", rec.Ref.Coordinate(), rec.Text)
	}
	return nil
}

// VerseCmd prints one verse and its commentary.
type VerseCmd struct {
	StoreFlags `embed:""`

	Ref string `arg:"" help:"Reference, e.g. \"John 1:1\""`
}

// Run executes the command.
func (c *VerseCmd) Run(a *app) error {
	rf, err := a.parser.Normalize(c.Ref)
	if err != nil {
		return &exitCodeError{code: exitMalformed, err: err}
	}
	lib, res, err := c.load(a)
	if err != nil {
		return err
	}
	rec, err := lib.Lookup(rf)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "%s  %s\n", ref.Format(rec.Ref), rec.Text)
	printEntries(a, res.EntriesFor(rf))
	return nil
}

func printEntries(a *app, entries []commentary.Entry) {
	for _, e := range entries {
		fmt.Fprintf(a.stdout, "\n[%s] %s", e.Range(), e.Author)
		if e.Source != "" {
			fmt.Fprintf(a.stdout, " (%s)", e.Source)
		}
		fmt.Fprintf(a.stdout, "\n%s\n", e.Text)
	}
}

// CommentaryCmd prints the commentary for a reference or range.
type CommentaryCmd struct {
	StoreFlags `embed:""`

	Ref    string `arg:"" help:"Reference or range, e.g. \"John 1:1-5\""`
	Author string `help:"Only entries by this author"`
}

// Run executes the command.
func (c *CommentaryCmd) Run(a *app) error {
	rr, err := a.parser.ParseRange(c.Ref)
	if err != nil {
		rf, nerr := a.parser.Normalize(c.Ref)
		if nerr != nil {
			return &exitCodeError{code: exitMalformed, err: err}
		}
		rr = ref.Single(rf)
	}
	_, res, err := c.load(a)
	if err != nil {
		return err
	}
	var entries []commentary.Entry
	if rr.IsSingle() {
		entries = res.EntriesFor(rr.Start)
	} else {
		entries = res.EntriesForRange(rr)
	}
	n := 0
	for _, e := range entries {
		if c.Author != "" && !strings.EqualFold(e.Author, c.Author) {
			continue
		}
		printEntries(a, []commentary.Entry{e})
		n++
	}
	if n == 0 {
		fmt.Fprintf(a.stdout, "no commentary for %s\n", rr)
	}
	return nil
}

// SearchCmd searches verse text.
type SearchCmd struct {
	StoreFlags `embed:""`

	Query string `arg:"" help:"Text to look for (case-insensitive)"`
	Limit int    `short:"n" help:"Maximum results" default:"20"`
}

// Run executes the command.
func (c *SearchCmd) Run(a *app) error {
	lib, _, err := c.load(a)
	if err != nil {
		return err
	}
	for _, rec := range lib.Search(c.Query, c.Limit) {
		fmt.Fprintf(a.stdout, "%s  %s\n", ref.Format(rec.Ref), rec.Text)
	}
	return nil
}

// ParseCmd parses references.
type ParseCmd struct {
	Refs   []string `arg:"" help:"References to parse"`
	Strict bool     `help:"Require the exact \"<book> <chapter>:<verse>\" form"`
}

// Run executes the command. Every reference is attempted; the command fails
// if any of them is malformed.
func (c *ParseCmd) Run(a *app) error {
	var bad error
	for _, s := range c.Refs {
		var out string
		var err error
		if c.Strict {
			var rf ref.Reference
			rf, err = a.parser.Parse(s)
			out = ref.Format(rf)
		} else {
			var rr ref.Range
			rr, err = a.parser.ParseRange(s)
			if err != nil {
				var rf ref.Reference
				if rf, err = a.parser.Normalize(s); err == nil {
					rr = ref.Single(rf)
				}
			}
			out = rr.String()
		}
		if err != nil {
			fmt.Fprintf(a.stderr, "%v\n", err)
			bad = err
			continue
		}
		fmt.Fprintln(a.stdout, out)
	}
	if bad != nil {
		return &exitCodeError{code: exitMalformed, err: errors.Wrap(bad, "malformed reference")}
	}
	return nil
}

// ServeCmd serves the query API.
type ServeCmd struct {
	StoreFlags  `embed:""`
	SourceFlags `embed:""`

	Addr   string   `help:"Listen address (default from config)"`
	Ingest bool     `help:"Ingest from the source at startup instead of reading stored corpora"`
	Watch  bool     `help:"Re-ingest when files under --source-dir change (implies --ingest)"`
	Origin []string `help:"Allowed CORS and websocket origins (repeatable; * allows any; default same-origin websockets)"`
}

// Run executes the command.
func (c *ServeCmd) Run(a *app) error {
	if err := c.SourceFlags.apply(a); err != nil {
		return err
	}
	if c.Addr != "" {
		a.cfg.Server.Addr = c.Addr
	}
	if c.Watch {
		a.cfg.Server.Watch = true
	}
	if err := a.cfg.Validate(); err != nil {
		return err
	}

	srv := server.New(server.Config{
		Addr:           a.cfg.Server.Addr,
		CacheTTL:       a.cfg.Server.CacheTTL,
		AllowedOrigins: c.Origin,
	}, a.canon, corpus.NewHolder(nil), nil)

	notes, err := a.cfg.Annotations(a.canon)
	if err != nil {
		return err
	}
	srv.SetAnnotations(notes)
	paragraphs, sections, footnoted := notes.Counts()
	logging.Info("annotations loaded", "paragraphs", paragraphs, "sections", sections, "footnoted_entries", footnoted)

	var reloader *watch.Reloader
	if c.Ingest || a.cfg.Server.Watch {
		res, err := a.cfg.Resolver(a.canon)
		if err != nil {
			return err
		}
		srv.SetResolver(res)

		rep, r, err := ingestReport(a.ctx, a)
		if err != nil {
			return err
		}
		if rep.InvariantBreach() {
			return &exitCodeError{code: exitBreach, err: errors.Wrap(rep.Err(), "duplicate reference during assignment")}
		}
		lib, err := rep.Library()
		if err != nil {
			return err
		}
		srv.Reload(lib, "startup", rep.Duration)
		r.Target = srv
		reloader = r
	} else {
		lib, res, err := c.StoreFlags.load(a)
		if err != nil {
			return err
		}
		srv.SetResolver(res)
		srv.Reload(lib, "startup", 0)
	}

	if a.cfg.Server.Watch {
		w, err := watch.New(a.cfg.Source.Dir, []string{a.cfg.Source.Ext}, 0)
		if err != nil {
			return errors.Wrapf(err, "watch %s", a.cfg.Source.Dir)
		}
		go func() {
			if err := w.Run(a.ctx, reloader.OnChange); err != nil && a.ctx.Err() == nil {
				logging.Error("watcher stopped", "error", err)
			}
		}()
		logging.Info("watching sources", "dir", absPath(a.cfg.Source.Dir))
	}

	return srv.ListenAndServe(a.ctx)
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// VersionCmd prints the version.
type VersionCmd struct{}

// Run executes the command.
func (c *VersionCmd) Run(a *app) error {
	fmt.Fprintf(a.stdout, "hypomnema version %s (sqlite driver: %s)\n", version, export.DriverType())
	return nil
}
