// Package fingerprint derives the content hashes that key every pipeline
// artifact. A fingerprint is the SHA-256 of the canonical JSON encoding of
// its parts: object keys sorted, strings NFC-normalized and trimmed, no HTML
// escaping. Equal inputs always produce equal fingerprints regardless of map
// iteration order or Unicode composition.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"
)

// Hash returns the hex fingerprint of parts. Order of parts matters.
func Hash(parts ...any) (string, error) {
	b, err := Canonical(parts)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Bytes returns the hex SHA-256 of raw bytes.
func Bytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Canonical encodes v as canonical JSON.
func Canonical(v any) ([]byte, error) {
	raw, err := encode(v)
	if err != nil {
		return nil, eris.Wrap(err, "fingerprint: encode")
	}

	// Round-trip through a generic tree so struct tags, maps and nested
	// values all normalize the same way.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, eris.Wrap(err, "fingerprint: decode")
	}

	out, err := encode(normalize(tree))
	if err != nil {
		return nil, eris.Wrap(err, "fingerprint: re-encode")
	}
	return out, nil
}

// NormalizeString applies the string normalization used in fingerprints.
func NormalizeString(s string) string {
	return strings.TrimSpace(norm.NFC.String(s))
}

// Short returns the first 12 characters of a fingerprint for log fields.
func Short(h string) string {
	if len(h) <= 12 {
		return h
	}
	return h[:12]
}

func normalize(v any) any {
	switch t := v.(type) {
	case string:
		return NormalizeString(t)
	case []any:
		for i := range t {
			t[i] = normalize(t[i])
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[NormalizeString(k)] = normalize(val)
		}
		return out
	default:
		return v
	}
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
