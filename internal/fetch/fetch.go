// Package fetch supplies raw book markup to the ingestion pipeline.
//
// A Fetcher returns the complete markup of one book as UTF-8. Fetching is the
// only operation in ingestion that blocks on I/O, so it takes a context.
package fetch

import (
	"context"
	"fmt"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"

	"github.com/FocuswithJustin/hypomnema/core/canon"
	"github.com/FocuswithJustin/hypomnema/core/errors"
)

// Fetcher returns the markup of a book.
type Fetcher interface {
	Fetch(ctx context.Context, book canon.Book) ([]byte, error)
}

// Func adapts a function to the Fetcher interface.
type Func func(ctx context.Context, book canon.Book) ([]byte, error)

// Fetch calls f.
func (f Func) Fetch(ctx context.Context, book canon.Book) ([]byte, error) {
	return f(ctx, book)
}

// Static serves markup from memory, keyed by book name. Unknown books fail
// with a NotFoundError.
type Static map[string][]byte

// Fetch implements Fetcher.
func (s Static) Fetch(ctx context.Context, book canon.Book) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, ok := s[book.Name]
	if !ok {
		return nil, errors.NewNotFound("markup", book.Name)
	}
	return data, nil
}

// toUTF8 decodes markup into UTF-8. An explicit label ("iso-8859-7",
// "windows-1253", ...) wins; otherwise the encoding is taken from a BOM, the
// Content-Type header or a <meta> declaration. Undeclared input that is
// valid UTF-8 is returned unchanged.
func toUTF8(data []byte, label, contentType string) ([]byte, error) {
	var enc encoding.Encoding
	if label != "" {
		enc, _ = charset.Lookup(label)
		if enc == nil {
			return nil, errors.NewValidation("charset", fmt.Sprintf("unknown encoding %q", label))
		}
	} else {
		var (
			name    string
			certain bool
		)
		enc, name, certain = charset.DetermineEncoding(data, contentType)
		if !certain && name == "windows-1252" && utf8.Valid(data) {
			return data, nil
		}
	}

	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return nil, errors.Wrap(err, "decode markup")
	}
	return out, nil
}
