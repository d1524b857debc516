// Package projector reshapes canonical meta-envelopes into the field names a
// target platform uses natively.
package projector

import (
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"syncbridge/internal/envelope"
)

// Rename copies the first present attribute in From to To.
type Rename struct {
	From []string `yaml:"from"`
	To   string   `yaml:"to"`
}

// Table lists the renames projected for one ontology type and platform.
type Table struct {
	OntologyType string   `yaml:"ontologyType"`
	Platform     string   `yaml:"platform"`
	Renames      []Rename `yaml:"renames"`
}

type key struct {
	ontology string
	platform string
}

// Projector is immutable once built and safe for concurrent use.
type Projector struct {
	tables map[key][]Rename
}

// Defaults are the built-in projection tables.
var Defaults = []Table{
	{
		OntologyType: "SocialMediaPost",
		Platform:     "twitter",
		Renames: []Rename{
			{From: []string{"text", "content"}, To: "post"},
			{From: []string{"userLikes"}, To: "reactions"},
			{From: []string{"interactions"}, To: "comments"},
		},
	},
	{
		OntologyType: "SocialMediaPost",
		Platform:     "instagram",
		Renames: []Rename{
			{From: []string{"text", "post"}, To: "content"},
			{From: []string{"userLikes"}, To: "likes"},
			{From: []string{"image", "media"}, To: "attachment"},
		},
	},
}

// New builds a projector. Later tables replace earlier ones for the same
// ontology type and platform.
func New(tables ...Table) (*Projector, error) {
	p := &Projector{tables: make(map[key][]Rename, len(tables))}
	for _, t := range tables {
		if t.OntologyType == "" || t.Platform == "" {
			return nil, fmt.Errorf("projection table requires ontologyType and platform")
		}
		for _, r := range t.Renames {
			if r.To == "" || len(r.From) == 0 {
				return nil, fmt.Errorf("projection %s/%s: rename requires from and to", t.OntologyType, t.Platform)
			}
		}
		p.tables[key{t.OntologyType, normalizePlatform(t.Platform)}] = append([]Rename(nil), t.Renames...)
	}
	return p, nil
}

// Default returns a projector holding only the built-in tables.
func Default() *Projector {
	p, err := New(Defaults...)
	if err != nil {
		panic(err)
	}
	return p
}

// Load reads extra tables from a YAML file in fsys and layers them over the
// built-in tables.
func Load(fsys fs.FS, name string) (*Projector, error) {
	raw, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("read projections: %w", err)
	}
	var doc struct {
		Projections []Table `yaml:"projections"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse projections: %w", err)
	}
	return New(append(append([]Table(nil), Defaults...), doc.Projections...)...)
}

// Project returns meta's attributes renamed for platform. Attributes without
// a rename are dropped. An unknown platform or ontology type yields a copy of
// the canonical attribute map.
func (p *Projector) Project(meta *envelope.MetaEnvelope, platform string) map[string]any {
	if meta == nil {
		return map[string]any{}
	}
	canonical := meta.Data()
	if p == nil {
		return canonical
	}
	renames, ok := p.tables[key{meta.Ontology, normalizePlatform(platform)}]
	if !ok {
		return canonical
	}
	out := make(map[string]any, len(renames))
	for _, r := range renames {
		for _, from := range r.From {
			if v, present := canonical[from]; present {
				out[r.To] = v
				break
			}
		}
	}
	return out
}

// Platforms lists the platforms with a table for ontologyType.
func (p *Projector) Platforms(ontologyType string) []string {
	var out []string
	for k := range p.tables {
		if k.ontology == ontologyType {
			out = append(out, k.platform)
		}
	}
	sort.Strings(out)
	return out
}

func normalizePlatform(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
