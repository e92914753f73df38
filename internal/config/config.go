// Package config loads the hypomnema configuration file and turns it into the
// collaborators the ingestion pipeline and the server need.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/FocuswithJustin/hypomnema/core/annotation"
	"github.com/FocuswithJustin/hypomnema/core/canon"
	"github.com/FocuswithJustin/hypomnema/core/commentary"
	"github.com/FocuswithJustin/hypomnema/core/errors"
	"github.com/FocuswithJustin/hypomnema/core/extract"
	"github.com/FocuswithJustin/hypomnema/core/ref"
	"github.com/FocuswithJustin/hypomnema/internal/fetch"
	"github.com/FocuswithJustin/hypomnema/internal/logging"
)

// Config is the complete configuration.
type Config struct {
	Books      BooksConfig      `yaml:"books"`
	Source     SourceConfig     `yaml:"source"`
	Extract    ExtractConfig    `yaml:"extract"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Output     OutputConfig     `yaml:"output"`
	Commentary CommentaryConfig `yaml:"commentary"`
	Annotation AnnotationConfig `yaml:"annotation"`
	Log        LogConfig        `yaml:"log"`
	Server     ServerConfig     `yaml:"server"`
}

// BooksConfig selects the book table and the books to ingest.
type BooksConfig struct {
	// Table is a YAML book table replacing the embedded one.
	Table string `yaml:"table"`
	// Include lists the books to ingest; empty means every book of the table.
	Include []string `yaml:"include"`
}

// SourceConfig says where markup comes from. Exactly one of Dir and URL is set.
type SourceConfig struct {
	// Dir is a local tree of <slug>.html files or <slug>/ chapter directories.
	Dir string `yaml:"dir"`
	// URL is a template with {slug}, {name} or {abbrev} placeholders.
	URL        string        `yaml:"url"`
	Ext        string        `yaml:"ext"`
	Charset    string        `yaml:"charset"`
	Timeout    time.Duration `yaml:"timeout"`
	Retries    int           `yaml:"retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
	Delay      time.Duration `yaml:"delay"`
	UserAgent  string        `yaml:"user_agent"`
	MaxBytes   int64         `yaml:"max_bytes"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
}

// ExtractConfig describes the verse markup of the source.
type ExtractConfig struct {
	Wrapper           extract.Wrapper   `yaml:"wrapper"`
	ChapterLabelClass string            `yaml:"chapter_label_class"`
	Strip             []extract.Wrapper `yaml:"strip"`
}

// IngestConfig tunes the batch pipeline.
type IngestConfig struct {
	// Workers is the number of books ingested in parallel; 0 means GOMAXPROCS.
	Workers int `yaml:"workers"`
}

// OutputConfig controls where ingested corpora are written.
type OutputConfig struct {
	Dir    string `yaml:"dir"`
	SQLite string `yaml:"sqlite"`
	Bundle string `yaml:"bundle"`
}

// CommentaryConfig lists the commentary files to load (.json, .yaml, .xml).
type CommentaryConfig struct {
	Files []string `yaml:"files"`
	// Deterministic orders results by author and ID instead of file order.
	Deterministic bool `yaml:"deterministic"`
}

// AnnotationConfig names the paragraph, canon section and footnote tables
// (.json or .yaml). Every file is optional.
type AnnotationConfig struct {
	Paragraphs  string   `yaml:"paragraphs"`
	Canons      string   `yaml:"canons"`
	CanonVerses string   `yaml:"canon_verses"`
	Footnotes   []string `yaml:"footnotes"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ServerConfig configures the query server.
type ServerConfig struct {
	Addr     string        `yaml:"addr"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
	// Watch rebuilds the library when source files change (dir sources only).
	Watch bool `yaml:"watch"`
}

// Default returns a Config with every field at its default.
func Default() *Config {
	hopts := fetch.DefaultHTTPOptions()
	e := extract.New()
	return &Config{
		Source: SourceConfig{
			Ext:        ".html",
			Timeout:    hopts.Timeout,
			Retries:    hopts.Retries,
			Backoff:    hopts.Backoff,
			MaxBackoff: hopts.MaxBackoff,
			Delay:      hopts.Delay,
			UserAgent:  hopts.UserAgent,
			MaxBytes:   hopts.MaxBytes,
		},
		Extract: ExtractConfig{
			Wrapper:           e.Wrapper,
			ChapterLabelClass: e.ChapterLabelClass,
			Strip:             e.Strip,
		},
		Output: OutputConfig{Dir: "texts"},
		Log:    LogConfig{Level: "info", Format: "text"},
		Server: ServerConfig{Addr: "127.0.0.1:8080", CacheTTL: time.Minute},
	}
}

// Load reads a YAML configuration on top of the defaults. Unknown keys are
// rejected.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, errors.NewParse("YAML", "", "config: "+err.Error())
	}
	return cfg, nil
}

// LoadFile reads a configuration file. Relative paths inside the file are
// resolved against the file's directory.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewIO("read", path, err)
	}
	cfg, err := Load(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

func (c *Config) resolvePaths(base string) {
	abs := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	abs(&c.Books.Table)
	abs(&c.Source.Dir)
	abs(&c.Output.Dir)
	abs(&c.Output.SQLite)
	abs(&c.Output.Bundle)
	for i := range c.Commentary.Files {
		abs(&c.Commentary.Files[i])
	}
	abs(&c.Annotation.Paragraphs)
	abs(&c.Annotation.Canons)
	abs(&c.Annotation.CanonVerses)
	for i := range c.Annotation.Footnotes {
		abs(&c.Annotation.Footnotes[i])
	}
}

// Validate checks field values and cross-field constraints.
func (c *Config) Validate() error {
	if c.Source.Dir != "" && c.Source.URL != "" {
		return errors.NewValidation("source", "dir and url are mutually exclusive")
	}
	if c.Source.URL != "" && !strings.Contains(c.Source.URL, "{") {
		return errors.NewValidation("source.url", "template has no book placeholder")
	}
	if c.Source.Retries < 0 {
		return errors.NewValidation("source.retries", "must not be negative")
	}
	if c.Source.MaxBackoff < 0 || (c.Source.MaxBackoff > 0 && c.Source.MaxBackoff < c.Source.Backoff) {
		return errors.NewValidation("source.max_backoff", "must not be below source.backoff")
	}
	if c.Extract.Wrapper.Tag == "" {
		return errors.NewValidation("extract.wrapper.tag", "must not be empty")
	}
	if c.Ingest.Workers < 0 {
		return errors.NewValidation("ingest.workers", "must not be negative")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return errors.NewValidation("log.level", err.Error())
	}
	if _, err := logging.ParseFormat(c.Log.Format); err != nil {
		return errors.NewValidation("log.format", err.Error())
	}
	if c.Annotation.CanonVerses != "" && c.Annotation.Canons == "" {
		return errors.NewValidation("annotation.canon_verses", "requires annotation.canons")
	}
	if c.Server.Watch && c.Source.Dir == "" {
		return errors.NewValidation("server.watch", "requires source.dir")
	}
	return nil
}

// Canon returns the book table: the configured override or the embedded one.
func (c *Config) Canon() (*canon.Canon, error) {
	if c.Books.Table == "" {
		return canon.Default(), nil
	}
	return canon.LoadFile(c.Books.Table)
}

// SelectBooks returns the books to ingest in table order. Names are matched
// leniently (case, slug or abbreviation).
func (c *Config) SelectBooks(table *canon.Canon) ([]canon.Book, error) {
	if len(c.Books.Include) == 0 {
		return table.Books(), nil
	}
	want := make(map[string]bool, len(c.Books.Include))
	for _, name := range c.Books.Include {
		b, ok := table.Lookup(name)
		if !ok {
			return nil, errors.NewNotFound("book", name)
		}
		want[b.Name] = true
	}
	var out []canon.Book
	for _, b := range table.Books() {
		if want[b.Name] {
			out = append(out, b)
		}
	}
	return out, nil
}

// Extractor builds the markup extractor.
func (c *Config) Extractor() *extract.Extractor {
	return &extract.Extractor{
		Wrapper:           c.Extract.Wrapper,
		ChapterLabelClass: c.Extract.ChapterLabelClass,
		Strip:             c.Extract.Strip,
	}
}

// Fetcher builds the fetch collaborator for the configured source.
func (c *Config) Fetcher() (fetch.Fetcher, error) {
	switch {
	case c.Source.Dir != "":
		return &fetch.DirFetcher{Root: c.Source.Dir, Ext: c.Source.Ext, Charset: c.Source.Charset}, nil
	case c.Source.URL != "":
		h, err := fetch.NewHTTPFetcher(fetch.HTTPOptions{
			URLTemplate: c.Source.URL,
			Timeout:     c.Source.Timeout,
			Retries:     c.Source.Retries,
			Backoff:     c.Source.Backoff,
			MaxBackoff:  c.Source.MaxBackoff,
			Delay:       c.Source.Delay,
			UserAgent:   c.Source.UserAgent,
			MaxBytes:    c.Source.MaxBytes,
			Charset:     c.Source.Charset,
			CacheTTL:    c.Source.CacheTTL,
		}, nil)
		if err != nil {
			return nil, err
		}
		return h, nil
	default:
		return nil, errors.NewValidation("source", "one of dir or url is required")
	}
}

// Resolver loads the configured commentary files. No files yields an empty
// resolver.
func (c *Config) Resolver(table *canon.Canon) (*commentary.Resolver, error) {
	p := ref.NewParser(table)
	entries, err := commentary.LoadFiles(c.Commentary.Files, p)
	if err != nil {
		return nil, err
	}
	opts := []commentary.Option{commentary.WithParser(p)}
	if c.Commentary.Deterministic {
		opts = append(opts, commentary.WithDeterministicOrder())
	}
	return commentary.NewResolver(entries, opts...)
}

// Annotations loads the configured annotation tables. No files yields an
// empty set.
func (c *Config) Annotations(table *canon.Canon) (*annotation.Set, error) {
	return annotation.LoadFiles(annotation.Files{
		Paragraphs:  c.Annotation.Paragraphs,
		Canons:      c.Annotation.Canons,
		CanonVerses: c.Annotation.CanonVerses,
		Footnotes:   c.Annotation.Footnotes,
	}, table)
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.NewIO("mkdir", filepath.Dir(path), err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.NewIO("write", path, err)
	}
	return nil
}
