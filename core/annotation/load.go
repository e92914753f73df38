package annotation

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/FocuswithJustin/hypomnema/core/canon"
	"github.com/FocuswithJustin/hypomnema/core/errors"
)

// Files names the annotation tables to load. Every field is optional.
//
// Tables are JSON or YAML, chosen by extension:
//
//	paragraphs:   {"John": [{"chapter": 1, "verse": 1}, ...]}
//	canons:       {"I.1": {"Matthew": "3.3", "Mark": "1.3", ...}}
//	canon verses: {"Matthew": {"3:3": "I.1"}}
//	footnotes:    {"<entry id>": [{"original_number": "3", "content": "...", "display_number": 1}]}
type Files struct {
	Paragraphs  string
	Canons      string
	CanonVerses string
	Footnotes   []string
}

type paragraphRecord struct {
	Chapter int `json:"chapter" yaml:"chapter"`
	Verse   int `json:"verse" yaml:"verse"`
}

type footnoteRecord struct {
	Original string `json:"original_number" yaml:"original_number"`
	Content  string `json:"content" yaml:"content"`
	Number   int    `json:"display_number" yaml:"display_number"`
}

// LoadFiles builds a Set from the named tables.
func LoadFiles(files Files, table *canon.Canon) (*Set, error) {
	b := NewBuilder(table)

	if files.Paragraphs != "" {
		var data map[string][]paragraphRecord
		if err := decodeFile(files.Paragraphs, &data); err != nil {
			return nil, err
		}
		if err := b.loadParagraphs(data); err != nil {
			return nil, errors.Wrapf(err, "load %s", files.Paragraphs)
		}
	}

	if files.Canons != "" {
		var data map[string]map[string]string
		if err := decodeFile(files.Canons, &data); err != nil {
			return nil, err
		}
		for _, key := range sortedKeys(data) {
			if err := b.AddSection(key, data[key]); err != nil {
				return nil, errors.Wrapf(err, "load %s", files.Canons)
			}
		}
	}

	if files.CanonVerses != "" {
		var data map[string]map[string]string
		if err := decodeFile(files.CanonVerses, &data); err != nil {
			return nil, err
		}
		for _, book := range sortedKeys(data) {
			for _, coord := range sortedKeys(data[book]) {
				if err := b.MapVerse(book, coord, data[book][coord]); err != nil {
					return nil, errors.Wrapf(err, "load %s", files.CanonVerses)
				}
			}
		}
	}

	for _, path := range files.Footnotes {
		var data map[string][]footnoteRecord
		if err := decodeFile(path, &data); err != nil {
			return nil, err
		}
		for _, id := range sortedKeys(data) {
			notes := make([]Footnote, len(data[id]))
			for i, rec := range data[id] {
				notes[i] = Footnote{Number: rec.Number, Original: rec.Original, Content: rec.Content}
			}
			if err := b.AddFootnotes(id, notes); err != nil {
				return nil, errors.Wrapf(err, "load %s", path)
			}
		}
	}

	return b.Build(), nil
}

func (b *Builder) loadParagraphs(data map[string][]paragraphRecord) error {
	for _, book := range sortedKeys(data) {
		for _, p := range data[book] {
			if err := b.AddParagraph(book, p.Chapter, p.Verse); err != nil {
				return err
			}
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func decodeFile(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.NewIO("open", path, err)
	}
	defer f.Close()
	return decode(f, path, v)
}

func decode(r io.Reader, path string, v any) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.NewDecoder(r).Decode(v); err != nil {
			return errors.NewParse("JSON", path, err.Error())
		}
	case ".yaml", ".yml":
		if err := yaml.NewDecoder(r).Decode(v); err != nil && err != io.EOF {
			return errors.NewParse("YAML", path, err.Error())
		}
	default:
		return errors.NewValidation("path", "unsupported annotation format: "+path)
	}
	return nil
}
