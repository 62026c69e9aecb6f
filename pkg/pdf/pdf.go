// Package pdf turns rendered report HTML into a stored document.
package pdf

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"regexp"

	"github.com/rotisserie/eris"
)

// Document is one report ready for rendering. Name becomes the file stem and
// must be an opaque reference, never patient identity.
type Document struct {
	Name string
	HTML string
}

// Result describes a written file.
type Result struct {
	Path      string
	SHA256    string
	SizeBytes int64
}

// Renderer converts a Document into a file.
type Renderer interface {
	Render(ctx context.Context, doc Document) (*Result, error)
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// writeFile stores data under dir atomically and returns its digest.
func writeFile(dir, name, ext string, data []byte) (*Result, error) {
	stem := unsafeName.ReplaceAllString(name, "_")
	if stem == "" {
		return nil, eris.New("pdf: empty document name")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "pdf: create output dir %s", dir)
	}

	path := filepath.Join(dir, stem+ext)
	tmp, err := os.CreateTemp(dir, stem+".*.tmp")
	if err != nil {
		return nil, eris.Wrap(err, "pdf: create temp file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "pdf: write temp file")
	}
	if err := tmp.Close(); err != nil {
		return nil, eris.Wrap(err, "pdf: close temp file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, eris.Wrapf(err, "pdf: move into place %s", path)
	}

	sum := sha256.Sum256(data)
	return &Result{
		Path:      path,
		SHA256:    hex.EncodeToString(sum[:]),
		SizeBytes: int64(len(data)),
	}, nil
}
