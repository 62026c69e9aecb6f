// Package registry holds the versioned lookup tables the pipeline reads:
// prompts (id@version), validation rule sets and report templates. Tables
// are built once at startup and never mutated; a new version is a new entry.
package registry

import (
	_ "embed"
	"slices"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/carepath/report-pipeline/internal/fingerprint"
)

// ErrUnknownVersion is returned when a lookup names a version that was never
// registered.
var ErrUnknownVersion = eris.New("registry: unknown version")

//go:embed defaults.yaml
var defaultsYAML []byte

// Prompt is one immutable prompt entry.
type Prompt struct {
	ID       string `yaml:"id" json:"id"`
	Version  string `yaml:"version" json:"version"`
	System   string `yaml:"system" json:"system"`
	Template string `yaml:"template" json:"template"`
}

// Ref returns the "id@version" identifier.
func (p Prompt) Ref() string {
	return Ref(p.ID, p.Version)
}

// Digest fingerprints the prompt text.
func (p Prompt) Digest() string {
	return fingerprint.Bytes([]byte(p.System + "\x00" + p.Template))
}

// Ref joins an id and version into "id@version".
func Ref(id, version string) string {
	return id + "@" + version
}

// RuleSpec configures one rule inside a rule set.
type RuleSpec struct {
	Key      string         `yaml:"key" json:"key"`
	Severity string         `yaml:"severity" json:"severity"`
	Params   map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// RuleSet is a versioned list of rules.
type RuleSet struct {
	Version string     `yaml:"version" json:"version"`
	Rules   []RuleSpec `yaml:"rules" json:"rules"`
}

// Template is a versioned report layout.
type Template struct {
	Version string `yaml:"version" json:"version"`
	Body    string `yaml:"body" json:"body"`
}

// Document is the on-disk shape of a registry file.
type Document struct {
	Prompts   []Prompt   `yaml:"prompts"`
	RuleSets  []RuleSet  `yaml:"rule_sets"`
	Templates []Template `yaml:"templates"`
}

// Registry is an immutable set of versioned entries.
type Registry struct {
	prompts   map[string]Prompt
	ruleSets  map[string]RuleSet
	templates map[string]Template
}

// New builds a registry from documents. Registering the same version twice
// is allowed only when the content is identical.
func New(docs ...Document) (*Registry, error) {
	r := &Registry{
		prompts:   make(map[string]Prompt),
		ruleSets:  make(map[string]RuleSet),
		templates: make(map[string]Template),
	}
	for _, d := range docs {
		if err := r.add(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Default returns the registry built from the embedded defaults.
func Default() (*Registry, error) {
	doc, err := Parse(defaultsYAML)
	if err != nil {
		return nil, eris.Wrap(err, "registry: parse embedded defaults")
	}
	return New(doc)
}

// With returns a new registry holding r's entries plus docs. r is unchanged.
func (r *Registry) With(docs ...Document) (*Registry, error) {
	base := Document{}
	for _, p := range r.prompts {
		base.Prompts = append(base.Prompts, p)
	}
	for _, rs := range r.ruleSets {
		base.RuleSets = append(base.RuleSets, rs)
	}
	for _, t := range r.templates {
		base.Templates = append(base.Templates, t)
	}
	return New(append([]Document{base}, docs...)...)
}

func (r *Registry) add(d Document) error {
	for _, p := range d.Prompts {
		if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.Version) == "" {
			return eris.Errorf("registry: prompt %q has no id or version", p.Ref())
		}
		if strings.ContainsRune(p.ID, '@') {
			return eris.Errorf("registry: prompt id %q must not contain '@'", p.ID)
		}
		if existing, ok := r.prompts[p.Ref()]; ok {
			if existing.Digest() != p.Digest() {
				return eris.Errorf("registry: prompt %s already registered with different text", p.Ref())
			}
			continue
		}
		r.prompts[p.Ref()] = p
	}

	for _, rs := range d.RuleSets {
		if strings.TrimSpace(rs.Version) == "" {
			return eris.New("registry: rule set has no version")
		}
		if existing, ok := r.ruleSets[rs.Version]; ok {
			if !sameRuleSet(existing, rs) {
				return eris.Errorf("registry: rule set %s already registered with different rules", rs.Version)
			}
			continue
		}
		r.ruleSets[rs.Version] = rs
	}

	for _, t := range d.Templates {
		if strings.TrimSpace(t.Version) == "" {
			return eris.New("registry: template has no version")
		}
		if existing, ok := r.templates[t.Version]; ok {
			if existing.Body != t.Body {
				return eris.Errorf("registry: template %s already registered with a different body", t.Version)
			}
			continue
		}
		r.templates[t.Version] = t
	}
	return nil
}

func sameRuleSet(a, b RuleSet) bool {
	ha, errA := fingerprint.Hash(a)
	hb, errB := fingerprint.Hash(b)
	return errA == nil && errB == nil && ha == hb
}

// Prompt looks up id@version.
func (r *Registry) Prompt(id, version string) (Prompt, error) {
	p, ok := r.prompts[Ref(id, version)]
	if !ok {
		return Prompt{}, eris.Wrapf(ErrUnknownVersion, "prompt %s", Ref(id, version))
	}
	return p, nil
}

// RuleSet looks up a rule set by version.
func (r *Registry) RuleSet(version string) (RuleSet, error) {
	if version == "" {
		return RuleSet{}, eris.Wrap(ErrUnknownVersion, "rule set version is empty")
	}
	rs, ok := r.ruleSets[version]
	if !ok {
		return RuleSet{}, eris.Wrapf(ErrUnknownVersion, "rule set %s", version)
	}
	return rs, nil
}

// Template looks up a report template by version.
func (r *Registry) Template(version string) (Template, error) {
	t, ok := r.templates[version]
	if !ok {
		return Template{}, eris.Wrapf(ErrUnknownVersion, "template %s", version)
	}
	return t, nil
}

// PromptRefs lists every registered prompt ref, sorted.
func (r *Registry) PromptRefs() []string {
	refs := make([]string, 0, len(r.prompts))
	for ref := range r.prompts {
		refs = append(refs, ref)
	}
	slices.Sort(refs)
	return refs
}

// RuleSetVersions lists every registered rule set version, sorted.
func (r *Registry) RuleSetVersions() []string {
	out := make([]string, 0, len(r.ruleSets))
	for v := range r.ruleSets {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}
