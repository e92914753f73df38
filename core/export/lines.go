// Package export persists corpora and reads them back.
//
// Three formats are supported: plain line files ("<chapter>:<verse> <text>",
// one file per book), a SQLite database, and a tar.xz bundle of line files
// with a JSON manifest.
package export

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/FocuswithJustin/hypomnema/core/canon"
	"github.com/FocuswithJustin/hypomnema/core/corpus"
	"github.com/FocuswithJustin/hypomnema/core/errors"
	"github.com/FocuswithJustin/hypomnema/core/ref"
)

// LineFileExt is the extension of per-book line files.
const LineFileExt = ".txt"

// LineFileName returns the file name for a book: "<slug>.txt".
func LineFileName(book canon.Book) string {
	return book.Slug + LineFileExt
}

// WriteLines writes one "<chapter>:<verse> <text>" line per record in
// reading order.
func WriteLines(w io.Writer, c *corpus.Corpus) error {
	bw := bufio.NewWriter(w)
	for _, ch := range c.Chapters() {
		for _, rec := range c.VersesInChapter(ch) {
			text := strings.ReplaceAll(rec.Text, "\n", " ")
			if _, err := fmt.Fprintf(bw, "%s %s\n", rec.Ref.Coordinate(), text); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// WriteLineFile writes c to dir/<slug>.txt and returns the path.
func WriteLineFile(dir string, c *corpus.Corpus) (string, error) {
	path := filepath.Join(dir, LineFileName(c.Book()))
	f, err := os.Create(path)
	if err != nil {
		return "", errors.NewIO("create", path, err)
	}
	if err := WriteLines(f, c); err != nil {
		f.Close()
		return "", errors.NewIO("write", path, err)
	}
	if err := f.Close(); err != nil {
		return "", errors.NewIO("close", path, err)
	}
	return path, nil
}

// WriteLineFiles writes every corpus in lib to dir, creating dir if needed.
func WriteLineFiles(dir string, lib *corpus.Library) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.NewIO("mkdir", dir, err)
	}
	var paths []string
	for _, name := range lib.Books() {
		c, _ := lib.Corpus(name)
		p, err := WriteLineFile(dir, c)
		if err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// ReadLines parses line-file content for book. Blank lines are skipped.
// A malformed line fails with a ParseError naming the line number and a
// repeated coordinate with a DuplicateError.
func ReadLines(r io.Reader, book canon.Book) (*corpus.Corpus, error) {
	return readLines(r, book, "")
}

func readLines(r io.Reader, book canon.Book, sourceHash string) (*corpus.Corpus, error) {
	b := corpus.NewBuilder(book)
	b.SetSourceHash(sourceHash)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		ch, v, text, err := parseLine(line)
		if err != nil {
			return nil, errors.NewParse("lines", book.Slug+LineFileExt, fmt.Sprintf("line %d: %v", n, err))
		}
		if err := b.Put(corpus.Record{Ref: ref.New(book.Name, ch, v), Text: text}); err != nil {
			return nil, errors.Wrapf(err, "line %d", n)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.NewIO("read", book.Slug+LineFileExt, err)
	}
	return b.Freeze(), nil
}

func parseLine(line string) (chapter, verse int, text string, err error) {
	coord, text, ok := strings.Cut(line, " ")
	if !ok {
		return 0, 0, "", fmt.Errorf("missing text after %q", coord)
	}
	cs, vs, ok := strings.Cut(coord, ":")
	if !ok {
		return 0, 0, "", fmt.Errorf("coordinate %q has no colon", coord)
	}
	chapter, err = strconv.Atoi(cs)
	if err != nil || chapter < 1 {
		return 0, 0, "", fmt.Errorf("bad chapter %q", cs)
	}
	verse, err = strconv.Atoi(vs)
	if err != nil || verse < 1 {
		return 0, 0, "", fmt.Errorf("bad verse %q", vs)
	}
	return chapter, verse, text, nil
}

// ReadLineFile reads dir/<slug>.txt for book.
func ReadLineFile(dir string, book canon.Book) (*corpus.Corpus, error) {
	path := filepath.Join(dir, LineFileName(book))
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFound("line file", path)
		}
		return nil, errors.NewIO("open", path, err)
	}
	defer f.Close()
	return ReadLines(f, book)
}

// ReadLineFiles loads every book of c that has a line file in dir. Books
// without a file are skipped.
func ReadLineFiles(dir string, c *canon.Canon) (*corpus.Library, error) {
	var corpora []*corpus.Corpus
	for _, book := range c.Books() {
		cp, err := ReadLineFile(dir, book)
		if errors.Is(err, errors.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		corpora = append(corpora, cp)
	}
	return corpus.NewLibrary(corpora...)
}
