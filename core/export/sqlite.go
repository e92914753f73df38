package export

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/FocuswithJustin/hypomnema/core/canon"
	"github.com/FocuswithJustin/hypomnema/core/commentary"
	"github.com/FocuswithJustin/hypomnema/core/corpus"
	"github.com/FocuswithJustin/hypomnema/core/errors"
	"github.com/FocuswithJustin/hypomnema/core/ref"
)

// SchemaVersion is stored in the meta table of every database written.
const SchemaVersion = "1"

const schema = `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT
	);
	CREATE TABLE IF NOT EXISTS books (
		name TEXT PRIMARY KEY,
		slug TEXT NOT NULL,
		testament TEXT NOT NULL,
		book_order INTEGER NOT NULL,
		source_hash TEXT
	);
	CREATE TABLE IF NOT EXISTS verses (
		book TEXT NOT NULL,
		chapter INTEGER NOT NULL,
		verse INTEGER NOT NULL,
		text TEXT NOT NULL,
		PRIMARY KEY (book, chapter, verse),
		FOREIGN KEY (book) REFERENCES books(name)
	);
	CREATE INDEX IF NOT EXISTS idx_verses_ref ON verses(book, chapter, verse);
	CREATE TABLE IF NOT EXISTS commentary (
		id TEXT PRIMARY KEY,
		book TEXT NOT NULL,
		chapter INTEGER NOT NULL,
		verse INTEGER NOT NULL,
		end_chapter INTEGER,
		end_verse INTEGER,
		author TEXT NOT NULL,
		text TEXT NOT NULL,
		source TEXT,
		seq INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_commentary_ref ON commentary(book, chapter, verse);
`

// DriverType reports which SQLite implementation the binary was built with:
// "purego" or "cgo".
func DriverType() string {
	return driverType
}

func openDB(path string) (*sql.DB, error) {
	return sql.Open(driverName, path)
}

// WriteSQLite writes lib, and the entries of res when non-nil, to a fresh
// database at path. An existing file is replaced.
func WriteSQLite(ctx context.Context, path string, lib *corpus.Library, res *commentary.Resolver) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.NewIO("remove", path, err)
	}

	db, err := openDB(path)
	if err != nil {
		return errors.NewIO("open", path, err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "create schema")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	if err := writeTx(ctx, tx, lib, res); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit")
	}
	return nil
}

func writeTx(ctx context.Context, tx *sql.Tx, lib *corpus.Library, res *commentary.Resolver) error {
	meta := map[string]string{
		"schema_version": SchemaVersion,
		"created":        time.Now().UTC().Format(time.RFC3339),
		"books":          fmt.Sprint(lib.Len()),
		"driver":         driverType,
	}
	for k, v := range meta {
		if _, err := tx.ExecContext(ctx, "INSERT INTO meta (key, value) VALUES (?, ?)", k, v); err != nil {
			return errors.Wrap(err, "insert meta")
		}
	}

	verseStmt, err := tx.PrepareContext(ctx, "INSERT INTO verses (book, chapter, verse, text) VALUES (?, ?, ?, ?)")
	if err != nil {
		return errors.Wrap(err, "prepare verses")
	}
	defer verseStmt.Close()

	for i, name := range lib.Books() {
		c, _ := lib.Corpus(name)
		b := c.Book()
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO books (name, slug, testament, book_order, source_hash) VALUES (?, ?, ?, ?, ?)",
			b.Name, b.Slug, string(b.Testament), i+1, c.SourceHash()); err != nil {
			return errors.Wrapf(err, "insert book %s", b.Name)
		}
		for _, rec := range c.Records() {
			if _, err := verseStmt.ExecContext(ctx, b.Name, rec.Ref.Chapter, rec.Ref.Verse, rec.Text); err != nil {
				return errors.Wrapf(err, "insert %s", rec.Ref)
			}
		}
	}

	if res == nil {
		return nil
	}
	for i, e := range res.Entries() {
		var endCh, endV sql.NullInt64
		if e.Through != nil {
			endCh = sql.NullInt64{Int64: int64(e.Through.Chapter), Valid: true}
			endV = sql.NullInt64{Int64: int64(e.Through.Verse), Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO commentary (id, book, chapter, verse, end_chapter, end_verse, author, text, source, seq)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.Ref.Book, e.Ref.Chapter, e.Ref.Verse, endCh, endV, e.Author, e.Text, e.Source, i); err != nil {
			return errors.Wrapf(err, "insert commentary %s", e.ID)
		}
	}
	return nil
}

// ReadSQLite loads a database written by WriteSQLite. Book names are resolved
// against c; the commentary entries are returned in their original order.
func ReadSQLite(ctx context.Context, path string, c *canon.Canon) (*corpus.Library, []commentary.Entry, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, nil, errors.NewIO("stat", path, err)
	}
	db, err := openDB(path)
	if err != nil {
		return nil, nil, errors.NewIO("open", path, err)
	}
	defer db.Close()

	lib, err := readVerses(ctx, db, c)
	if err != nil {
		return nil, nil, err
	}
	entries, err := readCommentary(ctx, db)
	if err != nil {
		return nil, nil, err
	}
	return lib, entries, nil
}

func readVerses(ctx context.Context, db *sql.DB, c *canon.Canon) (*corpus.Library, error) {
	rows, err := db.QueryContext(ctx, "SELECT name, source_hash FROM books ORDER BY book_order")
	if err != nil {
		return nil, errors.Wrap(err, "query books")
	}
	type bookRow struct {
		book canon.Book
		hash string
	}
	var books []bookRow
	for rows.Next() {
		var name string
		var hash sql.NullString
		if err := rows.Scan(&name, &hash); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan book")
		}
		b, ok := c.Book(name)
		if !ok {
			rows.Close()
			return nil, errors.NewNotFound("book", name)
		}
		books = append(books, bookRow{book: b, hash: hash.String})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "read books")
	}

	corpora := make([]*corpus.Corpus, 0, len(books))
	for _, br := range books {
		cp, err := readBook(ctx, db, br.book, br.hash)
		if err != nil {
			return nil, err
		}
		corpora = append(corpora, cp)
	}
	return corpus.NewLibrary(corpora...)
}

func readBook(ctx context.Context, db *sql.DB, book canon.Book, hash string) (*corpus.Corpus, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT chapter, verse, text FROM verses WHERE book = ? ORDER BY chapter, verse", book.Name)
	if err != nil {
		return nil, errors.Wrapf(err, "query verses of %s", book.Name)
	}
	defer rows.Close()

	b := corpus.NewBuilder(book)
	b.SetSourceHash(hash)
	for rows.Next() {
		var ch, v int
		var text string
		if err := rows.Scan(&ch, &v, &text); err != nil {
			return nil, errors.Wrap(err, "scan verse")
		}
		if err := b.Put(corpus.Record{Ref: ref.New(book.Name, ch, v), Text: text}); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "read verses of %s", book.Name)
	}
	return b.Freeze(), nil
}

func readCommentary(ctx context.Context, db *sql.DB) ([]commentary.Entry, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, book, chapter, verse, end_chapter, end_verse, author, text, source
		 FROM commentary ORDER BY seq`)
	if err != nil {
		return nil, errors.Wrap(err, "query commentary")
	}
	defer rows.Close()

	var out []commentary.Entry
	for rows.Next() {
		var e commentary.Entry
		var endCh, endV sql.NullInt64
		var source sql.NullString
		if err := rows.Scan(&e.ID, &e.Ref.Book, &e.Ref.Chapter, &e.Ref.Verse, &endCh, &endV, &e.Author, &e.Text, &source); err != nil {
			return nil, errors.Wrap(err, "scan commentary")
		}
		e.Source = source.String
		if endCh.Valid && endV.Valid {
			through := ref.New(e.Ref.Book, int(endCh.Int64), int(endV.Int64))
			e.Through = &through
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
