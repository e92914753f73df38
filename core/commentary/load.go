package commentary

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"
	"gopkg.in/yaml.v3"

	"github.com/FocuswithJustin/hypomnema/core/errors"
	"github.com/FocuswithJustin/hypomnema/core/ref"
)

// record is the interchange shape of an entry: the reference is a string such
// as "John 1:1" or "John 1:1-5".
type record struct {
	ID       string `json:"id" yaml:"id"`
	VerseRef string `json:"verseRef" yaml:"verseRef"`
	Author   string `json:"author" yaml:"author"`
	Text     string `json:"text" yaml:"text"`
	Source   string `json:"source,omitempty" yaml:"source,omitempty"`
}

func (rec record) entry(p *ref.Parser) (Entry, error) {
	rr, err := p.ParseRange(rec.VerseRef)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{
		ID:     rec.ID,
		Ref:    rr.Start,
		Author: rec.Author,
		Text:   strings.TrimSpace(rec.Text),
		Source: rec.Source,
	}
	if !rr.IsSingle() {
		end := rr.End
		e.Through = &end
	}
	return e, nil
}

func convert(recs []record, p *ref.Parser, format string) ([]Entry, error) {
	if p == nil {
		p = ref.NewParser(nil)
	}
	out := make([]Entry, 0, len(recs))
	for i, rec := range recs {
		e, err := rec.entry(p)
		if err != nil {
			return nil, errors.Wrapf(err, "%s entry %d", format, i+1)
		}
		out = append(out, e)
	}
	return out, nil
}

// LoadJSON reads a JSON array of {id, verseRef, author, text, source}
// objects. References are parsed with p, or the default parser when p is nil.
func LoadJSON(r io.Reader, p *ref.Parser) ([]Entry, error) {
	var recs []record
	if err := json.NewDecoder(r).Decode(&recs); err != nil {
		return nil, errors.NewParse("JSON", "", err.Error())
	}
	return convert(recs, p, "JSON")
}

// LoadYAML reads a YAML list with the same fields as LoadJSON.
func LoadYAML(r io.Reader, p *ref.Parser) ([]Entry, error) {
	var recs []record
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&recs); err != nil && err != io.EOF {
		return nil, errors.NewParse("YAML", "", err.Error())
	}
	return convert(recs, p, "YAML")
}

var entryExpr = xpath.MustCompile("//entry")

// LoadXML reads entries from XML of the form
//
//	<commentary author="Chrysostom" source="Homilies on John">
//	  <entry id="h1" ref="John 1:1">text</entry>
//	  <entry ref="John 1:1-5" author="Cyril of Alexandria">text</entry>
//	</commentary>
//
// author and source are inherited from the nearest ancestor that sets them.
func LoadXML(r io.Reader, p *ref.Parser) ([]Entry, error) {
	doc, err := xmlquery.Parse(r)
	if err != nil {
		return nil, errors.NewParse("XML", "", err.Error())
	}

	var recs []record
	for _, n := range xmlquery.QuerySelectorAll(doc, entryExpr) {
		recs = append(recs, record{
			ID:       n.SelectAttr("id"),
			VerseRef: n.SelectAttr("ref"),
			Author:   inherited(n, "author"),
			Text:     n.InnerText(),
			Source:   inherited(n, "source"),
		})
	}
	return convert(recs, p, "XML")
}

func inherited(n *xmlquery.Node, attr string) string {
	for ; n != nil; n = n.Parent {
		if v := n.SelectAttr(attr); v != "" {
			return v
		}
	}
	return ""
}

// LoadFile reads a commentary file, choosing the format from its extension:
// .json, .yaml, .yml or .xml.
func LoadFile(path string, p *ref.Parser) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.NewIO("open", path, err)
	}
	defer f.Close()

	var entries []Entry
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		entries, err = LoadJSON(f, p)
	case ".yaml", ".yml":
		entries, err = LoadYAML(f, p)
	case ".xml":
		entries, err = LoadXML(f, p)
	default:
		return nil, errors.NewValidation("path", "unsupported commentary format: "+path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	return entries, nil
}

// LoadFiles reads several files and concatenates their entries in order, so
// insertion order follows the file list.
func LoadFiles(paths []string, p *ref.Parser) ([]Entry, error) {
	var all []Entry
	for _, path := range paths {
		entries, err := LoadFile(path, p)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}
	return all, nil
}
