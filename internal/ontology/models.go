// Package ontology holds the static registry of local table ↔ ontology
// schema correspondences used by both sync directions.
package ontology

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind is the value shape of a mapped field.
type Kind string

const (
	KindAny     Kind = ""
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindBoolean Kind = "boolean"
	KindArray   Kind = "array"
	KindObject  Kind = "object"
)

// IsValid reports whether k is a known kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindAny, KindString, KindNumber, KindBoolean, KindArray, KindObject:
		return true
	}
	return false
}

// Field maps one local column to one ontology attribute.
type Field struct {
	Local    string `yaml:"local" json:"local"`
	Ontology string `yaml:"ontology" json:"ontology"`
	Kind     Kind   `yaml:"kind,omitempty" json:"kind,omitempty"`
	// Ref names the table a foreign-key field points to. Ref values travel
	// as "table(id)" strings.
	Ref string `yaml:"ref,omitempty" json:"ref,omitempty"`
}

// IsRef reports whether the field carries foreign references.
func (f Field) IsRef() bool {
	return f.Ref != ""
}

// Accepts reports whether a value of kind k may be stored in the field.
func (f Field) Accepts(k Kind) bool {
	return f.Kind == KindAny || f.Kind == k
}

// Mapping describes how one local table maps to one ontology schema.
type Mapping struct {
	SchemaID     string `yaml:"schemaId" json:"schemaId"`
	TableName    string `yaml:"tableName" json:"tableName"`
	OntologyType string `yaml:"ontologyType" json:"ontologyType"`
	OwnerField   string `yaml:"ownerField,omitempty" json:"ownerField,omitempty"`
	// OwnerPath names the column of the row OwnerField references that
	// holds the owning ename. Empty means the referenced table's own
	// ownerField.
	OwnerPath string  `yaml:"ownerPath,omitempty" json:"ownerPath,omitempty"`
	Fields    []Field `yaml:"fields" json:"fields"`
}

// FieldByLocal returns the field mapped from a local column.
func (m *Mapping) FieldByLocal(local string) (Field, bool) {
	for _, f := range m.Fields {
		if f.Local == local {
			return f, true
		}
	}
	return Field{}, false
}

// FieldByOntology returns the field mapped to an ontology attribute.
func (m *Mapping) FieldByOntology(attr string) (Field, bool) {
	for _, f := range m.Fields {
		if f.Ontology == attr {
			return f, true
		}
	}
	return Field{}, false
}

// LocalFields lists the mapped local column names in declaration order.
func (m *Mapping) LocalFields() []string {
	out := make([]string, len(m.Fields))
	for i, f := range m.Fields {
		out[i] = f.Local
	}
	return out
}

// Validate checks the mapping is structurally sound.
func (m *Mapping) Validate() error {
	if m.SchemaID == "" {
		return fmt.Errorf("mapping for table %q: schemaId is required", m.TableName)
	}
	if m.TableName == "" {
		return fmt.Errorf("mapping %s: tableName is required", m.SchemaID)
	}
	if m.OntologyType == "" {
		return fmt.Errorf("mapping %s: ontologyType is required", m.SchemaID)
	}
	if len(m.Fields) == 0 {
		return fmt.Errorf("mapping %s: at least one field is required", m.SchemaID)
	}
	locals := make(map[string]struct{}, len(m.Fields))
	attrs := make(map[string]struct{}, len(m.Fields))
	for _, f := range m.Fields {
		if f.Local == "" || f.Ontology == "" {
			return fmt.Errorf("mapping %s: field needs both local and ontology names", m.SchemaID)
		}
		if _, dup := locals[f.Local]; dup {
			return fmt.Errorf("mapping %s: local field %q mapped twice", m.SchemaID, f.Local)
		}
		if _, dup := attrs[f.Ontology]; dup {
			return fmt.Errorf("mapping %s: ontology attribute %q mapped twice", m.SchemaID, f.Ontology)
		}
		if !f.Kind.IsValid() {
			return fmt.Errorf("mapping %s: field %q has unknown kind %q", m.SchemaID, f.Local, f.Kind)
		}
		if f.IsRef() && f.Kind != KindAny && f.Kind != KindString && f.Kind != KindArray {
			return fmt.Errorf("mapping %s: reference field %q must be string or array", m.SchemaID, f.Local)
		}
		locals[f.Local] = struct{}{}
		attrs[f.Ontology] = struct{}{}
	}
	if m.OwnerField != "" {
		if _, ok := locals[m.OwnerField]; !ok {
			return fmt.Errorf("mapping %s: ownerField %q is not a mapped field", m.SchemaID, m.OwnerField)
		}
	}
	if m.OwnerPath != "" {
		if f, ok := m.FieldByLocal(m.OwnerField); !ok || !f.IsRef() {
			return fmt.Errorf("mapping %s: ownerPath requires ownerField to be a reference", m.SchemaID)
		}
	}
	return nil
}

// Check validates the kinds of the mapped values present in record.
// Nil and unmapped values are ignored.
func (m *Mapping) Check(record map[string]any) error {
	for _, f := range m.Fields {
		v, ok := record[f.Local]
		if !ok || v == nil {
			continue
		}
		k, known := KindOf(v)
		if !known {
			return fmt.Errorf("field %q: unsupported value type %T", f.Local, v)
		}
		if !f.Accepts(k) {
			return fmt.Errorf("field %q: expected %s, got %s", f.Local, f.Kind, k)
		}
	}
	return nil
}

// Junction declares a relation table whose changes belong to a parent entity.
type Junction struct {
	Table         string `yaml:"table" json:"table"`
	ParentTable   string `yaml:"parentTable" json:"parentTable"`
	ParentIDField string `yaml:"parentIdField" json:"parentIdField"`
}

// Validate checks the junction declaration.
func (j Junction) Validate() error {
	if j.Table == "" || j.ParentTable == "" || j.ParentIDField == "" {
		return fmt.Errorf("junction %q: table, parentTable and parentIdField are required", j.Table)
	}
	return nil
}

// KindOf classifies a value by its runtime shape. The second result is false
// for values that have no ontology representation.
func KindOf(v any) (Kind, bool) {
	switch v.(type) {
	case json.Number:
		return KindNumber, true
	case string, time.Time, *time.Time, fmt.Stringer:
		return KindString, true
	case bool:
		return KindBoolean, true
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return KindNumber, true
	case []any, []string, []int, []int64, []float64, []bool, []map[string]any:
		return KindArray, true
	case map[string]any, map[string]string:
		return KindObject, true
	}
	return KindAny, false
}
