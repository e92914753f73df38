package fetch

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/maruel/natural"

	"github.com/FocuswithJustin/hypomnema/core/canon"
	"github.com/FocuswithJustin/hypomnema/core/errors"
)

// DirFetcher reads markup from a directory tree. A book is either a single
// file <root>/<slug><ext>, or a directory <root>/<slug>/ of per-chapter files
// that are concatenated in natural order (2.html before 10.html).
type DirFetcher struct {
	Root string

	// Ext is the file extension to read, ".html" when empty.
	Ext string

	// Charset forces a source encoding; empty means detect.
	Charset string
}

// NewDirFetcher returns a DirFetcher for root.
func NewDirFetcher(root string) *DirFetcher {
	return &DirFetcher{Root: root, Ext: ".html"}
}

func (d *DirFetcher) ext() string {
	if d.Ext == "" {
		return ".html"
	}
	return d.Ext
}

// Paths returns the files that make up a book, in reading order.
func (d *DirFetcher) Paths(book canon.Book) ([]string, error) {
	single := filepath.Join(d.Root, book.Slug+d.ext())
	if fi, err := os.Stat(single); err == nil && !fi.IsDir() {
		return []string{single}, nil
	}

	dir := filepath.Join(d.Root, book.Slug)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFound("markup", book.Name)
		}
		return nil, errors.NewIO("read", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.EqualFold(filepath.Ext(e.Name()), d.ext()) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, errors.NewNotFound("markup", book.Name)
	}
	slices.SortFunc(names, func(a, b string) int {
		switch {
		case natural.Less(a, b):
			return -1
		case natural.Less(b, a):
			return 1
		}
		return 0
	})

	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(dir, n)
	}
	return paths, nil
}

// Fetch implements Fetcher. Each file is decoded separately, so chapter
// files may declare different encodings.
func (d *DirFetcher) Fetch(ctx context.Context, book canon.Book) ([]byte, error) {
	paths, err := d.Paths(book)
	if err != nil {
		return nil, err
	}

	var out []byte
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil, errors.NewIO("read", p, err)
		}
		text, err := toUTF8(raw, d.Charset, "")
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", p)
		}
		out = append(out, text...)
		out = append(out, '\n')
	}
	return out, nil
}
