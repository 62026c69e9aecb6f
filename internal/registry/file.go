package registry

import (
	"bytes"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Parse decodes a registry document. Unknown fields are rejected so a typo
// in a rule set never silently drops a rule.
func Parse(data []byte) (Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return Document{}, eris.Wrap(err, "registry: decode document")
	}
	return doc, nil
}

// LoadFile reads a YAML registry document from path.
func LoadFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, eris.Wrap(err, "registry: read file")
	}
	doc, err := Parse(data)
	if err != nil {
		return Document{}, eris.Wrapf(err, "registry: parse %s", path)
	}
	return doc, nil
}
