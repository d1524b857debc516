package ontology

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"gopkg.in/yaml.v3"
)

// Registry resolves mappings by schema id or table name. It is immutable
// once built and safe for concurrent use.
type Registry struct {
	bySchema  map[string]*Mapping
	byTable   map[string]*Mapping
	junctions map[string]Junction
}

// document is the on-disk shape of one mapping file.
type document struct {
	Mappings  []Mapping  `yaml:"mappings"`
	Junctions []Junction `yaml:"junctions"`
}

// New builds a registry. Duplicate schema ids or table names are errors.
func New(mappings []Mapping, junctions []Junction) (*Registry, error) {
	r := &Registry{
		bySchema:  make(map[string]*Mapping, len(mappings)),
		byTable:   make(map[string]*Mapping, len(mappings)),
		junctions: make(map[string]Junction, len(junctions)),
	}
	for i := range mappings {
		m := mappings[i]
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.bySchema[m.SchemaID]; dup {
			return nil, fmt.Errorf("duplicate schemaId %s", m.SchemaID)
		}
		key := fold(m.TableName)
		if _, dup := r.byTable[key]; dup {
			return nil, fmt.Errorf("duplicate tableName %s", m.TableName)
		}
		r.bySchema[m.SchemaID] = &m
		r.byTable[key] = &m
	}
	for _, j := range junctions {
		if err := j.Validate(); err != nil {
			return nil, err
		}
		key := fold(j.Table)
		if _, dup := r.junctions[key]; dup {
			return nil, fmt.Errorf("duplicate junction %s", j.Table)
		}
		if _, mapped := r.byTable[key]; mapped {
			return nil, fmt.Errorf("junction %s is also a mapped table", j.Table)
		}
		if _, ok := r.byTable[fold(j.ParentTable)]; !ok {
			return nil, fmt.Errorf("junction %s: parent table %s has no mapping", j.Table, j.ParentTable)
		}
		r.junctions[key] = j
	}
	return r, nil
}

// LoadDir loads every .yaml, .yml and .json file in dir.
func LoadDir(dir string) (*Registry, error) {
	return Load(os.DirFS(dir))
}

// Load reads mapping documents from the root of fsys.
func Load(fsys fs.FS) (*Registry, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read mappings dir: %w", err)
	}
	var (
		mappings  []Mapping
		junctions []Junction
	)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(path.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		raw, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", entry.Name(), err)
		}
		var doc document
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", entry.Name(), err)
		}
		mappings = append(mappings, doc.Mappings...)
		junctions = append(junctions, doc.Junctions...)
	}
	r, err := New(mappings, junctions)
	if err != nil {
		return nil, fmt.Errorf("load mappings: %w", err)
	}
	return r, nil
}

// ResolveBySchema returns the mapping for a schema id.
func (r *Registry) ResolveBySchema(schemaID string) (*Mapping, bool) {
	m, ok := r.bySchema[schemaID]
	return m, ok
}

// ResolveByTable returns the mapping for a local table, ignoring case.
func (r *Registry) ResolveByTable(table string) (*Mapping, bool) {
	m, ok := r.byTable[fold(table)]
	return m, ok
}

// Junction returns the junction declaration for a relation table.
func (r *Registry) Junction(table string) (Junction, bool) {
	j, ok := r.junctions[fold(table)]
	return j, ok
}

// Mappings lists all mappings ordered by table name.
func (r *Registry) Mappings() []*Mapping {
	out := make([]*Mapping, 0, len(r.bySchema))
	for _, m := range r.bySchema {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TableName < out[j].TableName })
	return out
}

// Junctions lists all junctions ordered by table name.
func (r *Registry) Junctions() []Junction {
	out := make([]Junction, 0, len(r.junctions))
	for _, j := range r.junctions {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Table < out[j].Table })
	return out
}

func fold(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}
