package export

import (
	"archive/tar"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/ulikunitz/xz"
	"github.com/zeebo/blake3"

	"github.com/FocuswithJustin/hypomnema/core/canon"
	"github.com/FocuswithJustin/hypomnema/core/commentary"
	"github.com/FocuswithJustin/hypomnema/core/corpus"
	"github.com/FocuswithJustin/hypomnema/core/errors"
)

const (
	manifestName   = "manifest.json"
	commentaryName = "commentary.json"
	bookDir        = "books"
)

// Manifest describes the content of a bundle.
type Manifest struct {
	Version    string         `json:"version"`
	Created    time.Time      `json:"created"`
	Books      []BundledBook  `json:"books"`
	Commentary *BundledExtras `json:"commentary,omitempty"`
}

// BundledBook is the manifest entry of one line file.
type BundledBook struct {
	Name       string `json:"name"`
	File       string `json:"file"`
	Records    int    `json:"records"`
	SourceHash string `json:"source_hash,omitempty"`
	Blake3     string `json:"blake3"`
}

// BundledExtras is the manifest entry of the commentary file.
type BundledExtras struct {
	File    string `json:"file"`
	Entries int    `json:"entries"`
	Blake3  string `json:"blake3"`
}

func digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// WriteBundle writes lib (and res when non-nil) as a tar.xz stream.
func WriteBundle(w io.Writer, lib *corpus.Library, res *commentary.Resolver) (*Manifest, error) {
	xw, err := xz.NewWriter(w)
	if err != nil {
		return nil, errors.Wrap(err, "create xz writer")
	}
	tw := tar.NewWriter(xw)

	m := &Manifest{Version: SchemaVersion, Created: time.Now().UTC()}
	for _, name := range lib.Books() {
		c, _ := lib.Corpus(name)
		var buf bytes.Buffer
		if err := WriteLines(&buf, c); err != nil {
			return nil, err
		}
		file := path.Join(bookDir, LineFileName(c.Book()))
		if err := writeTarFile(tw, file, buf.Bytes()); err != nil {
			return nil, errors.Wrapf(err, "add %s", file)
		}
		m.Books = append(m.Books, BundledBook{
			Name:       c.Book().Name,
			File:       file,
			Records:    c.Len(),
			SourceHash: c.SourceHash(),
			Blake3:     digest(buf.Bytes()),
		})
	}

	if res != nil {
		data, err := json.MarshalIndent(res.Entries(), "", "  ")
		if err != nil {
			return nil, errors.Wrap(err, "encode commentary")
		}
		if err := writeTarFile(tw, commentaryName, data); err != nil {
			return nil, errors.Wrapf(err, "add %s", commentaryName)
		}
		m.Commentary = &BundledExtras{File: commentaryName, Entries: res.Len(), Blake3: digest(data)}
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "encode manifest")
	}
	if err := writeTarFile(tw, manifestName, data); err != nil {
		return nil, errors.Wrapf(err, "add %s", manifestName)
	}

	if err := tw.Close(); err != nil {
		return nil, errors.Wrap(err, "close tar")
	}
	if err := xw.Close(); err != nil {
		return nil, errors.Wrap(err, "close xz")
	}
	return m, nil
}

// WriteBundleFile writes a bundle to path.
func WriteBundleFile(path string, lib *corpus.Library, res *commentary.Resolver) (*Manifest, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.NewIO("create", path, err)
	}
	m, err := WriteBundle(f, lib, res)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = errors.NewIO("close", path, cerr)
	}
	return m, err
}

func writeTarFile(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0644,
		Size:    int64(len(data)),
		ModTime: time.Now().UTC(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}

// Bundle is the decoded content of a bundle.
type Bundle struct {
	Manifest   Manifest
	Library    *corpus.Library
	Commentary []commentary.Entry
}

// ReadBundle decodes a tar.xz bundle. Every file listed in the manifest must
// be present and match its recorded digest.
func ReadBundle(r io.Reader, c *canon.Canon) (*Bundle, error) {
	xr, err := xz.NewReader(r)
	if err != nil {
		return nil, errors.NewParse("bundle", "", "xz: "+err.Error())
	}
	tr := tar.NewReader(xr)

	files := make(map[string][]byte)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.NewParse("bundle", "", "tar: "+err.Error())
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, errors.NewIO("read", hdr.Name, err)
		}
		files[hdr.Name] = data
	}

	raw, ok := files[manifestName]
	if !ok {
		return nil, errors.NewParse("bundle", "", "missing "+manifestName)
	}
	var b Bundle
	if err := json.Unmarshal(raw, &b.Manifest); err != nil {
		return nil, errors.NewParse("bundle", manifestName, err.Error())
	}

	corpora := make([]*corpus.Corpus, 0, len(b.Manifest.Books))
	for _, mb := range b.Manifest.Books {
		data, err := member(files, mb.File, mb.Blake3)
		if err != nil {
			return nil, err
		}
		book, ok := c.Book(mb.Name)
		if !ok {
			return nil, errors.NewNotFound("book", mb.Name)
		}
		cp, err := readLines(bytes.NewReader(data), book, mb.SourceHash)
		if err != nil {
			return nil, errors.Wrapf(err, "bundle %s", mb.File)
		}
		if cp.Len() != mb.Records {
			return nil, errors.NewParse("bundle", mb.File, fmt.Sprintf("%d records, manifest says %d", cp.Len(), mb.Records))
		}
		corpora = append(corpora, cp)
	}
	lib, err := corpus.NewLibrary(corpora...)
	if err != nil {
		return nil, err
	}
	b.Library = lib

	if mc := b.Manifest.Commentary; mc != nil {
		data, err := member(files, mc.File, mc.Blake3)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &b.Commentary); err != nil {
			return nil, errors.NewParse("bundle", mc.File, err.Error())
		}
	}
	return &b, nil
}

// ReadBundleFile reads a bundle from path.
func ReadBundleFile(path string, c *canon.Canon) (*Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.NewIO("open", path, err)
	}
	defer f.Close()
	return ReadBundle(f, c)
}

func member(files map[string][]byte, name, want string) ([]byte, error) {
	data, ok := files[name]
	if !ok {
		return nil, errors.NewParse("bundle", "", "missing "+name)
	}
	if got := digest(data); got != want {
		return nil, errors.NewParse("bundle", name, fmt.Sprintf("blake3 mismatch: got %s, want %s", got, want))
	}
	return data, nil
}
