// Command hypomnema ingests scripture markup into verse corpora and answers
// reference and commentary queries against them.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/FocuswithJustin/hypomnema/core/canon"
	"github.com/FocuswithJustin/hypomnema/core/ref"
	"github.com/FocuswithJustin/hypomnema/internal/config"
	"github.com/FocuswithJustin/hypomnema/internal/logging"
)

const version = "1.0.0"

// Exit codes.
const (
	exitOK        = 0
	exitError     = 1
	exitBreach    = 2
	exitUsage     = 64
	exitMalformed = 65
)

// cli defines the command line.
type cli struct {
	Config    string `short:"c" help:"Configuration file (YAML)" type:"path" env:"HYPOMNEMA_CONFIG"`
	LogLevel  string `name:"log-level" help:"Log level: debug, info, warn, error"`
	LogFormat string `name:"log-format" help:"Log format: text or json"`

	Ingest     IngestCmd     `cmd:"" help:"Fetch, extract and assign books, then write line files"`
	Export     ExportCmd     `cmd:"" help:"Convert stored corpora to SQLite or a tar.xz bundle"`
	Books      BooksCmd      `cmd:"" help:"List the book table"`
	Verses     VersesCmd     `cmd:"" help:"Print the verses of a chapter"`
	Verse      VerseCmd      `cmd:"" help:"Print one verse with its commentary"`
	Commentary CommentaryCmd `cmd:"" help:"Print the commentary for a verse or range"`
	Search     SearchCmd     `cmd:"" help:"Search verse text"`
	Parse      ParseCmd      `cmd:"" help:"Parse references and print their canonical form"`
	Serve      ServeCmd      `cmd:"" help:"Serve the query API"`
	Version    VersionCmd    `cmd:"" help:"Print version information"`
}

// app carries what every command needs after flags and config are merged.
type app struct {
	ctx    context.Context
	cfg    *config.Config
	canon  *canon.Canon
	parser *ref.Parser
	stdout io.Writer
	stderr io.Writer
}

// exitCodeError makes run exit with a specific status.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var c cli
	exited := -1
	parser, err := kong.New(&c,
		kong.Name("hypomnema"),
		kong.Description("Scripture ingestion and commentary lookup"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
		kong.Writers(stdout, stderr),
		kong.Exit(func(code int) { exited = code }),
	)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	kctx, err := parser.Parse(args)
	if exited >= 0 {
		return exited
	}
	if err != nil {
		parser.Errorf("%s", err)
		return exitUsage
	}

	a, err := newApp(ctx, &c, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "hypomnema: %v\n", err)
		return exitError
	}

	if err := kctx.Run(a); err != nil {
		fmt.Fprintf(stderr, "hypomnema: %v\n", err)
		var ec *exitCodeError
		if errors.As(err, &ec) {
			return ec.code
		}
		return exitError
	}
	return exitOK
}

func newApp(ctx context.Context, c *cli, stdout, stderr io.Writer) (*app, error) {
	cfg := config.Default()
	if c.Config != "" {
		loaded, err := config.LoadFile(c.Config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if c.LogLevel != "" {
		cfg.Log.Level = c.LogLevel
	}
	if c.LogFormat != "" {
		cfg.Log.Format = c.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level, _ := logging.ParseLevel(cfg.Log.Level)
	format, _ := logging.ParseFormat(cfg.Log.Format)
	logging.InitLoggerTo(stderr, level, format)

	table, err := cfg.Canon()
	if err != nil {
		return nil, err
	}
	return &app{
		ctx:    ctx,
		cfg:    cfg,
		canon:  table,
		parser: ref.NewParser(table),
		stdout: stdout,
		stderr: stderr,
	}, nil
}
