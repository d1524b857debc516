package envelope

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"syncbridge/internal/ontology"
	dErrors "syncbridge/pkg/domain-errors"
)

// Encode builds the meta-envelope for record under mapping m. Only mapped,
// non-nil fields produce envelopes, in mapping declaration order. The result
// carries no ids; see WithID.
func Encode(record Record, m *ontology.Mapping) (*MetaEnvelope, error) {
	if m == nil {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "mapping is required")
	}
	meta := &MetaEnvelope{
		Ontology:  m.OntologyType,
		ACL:       readACL(record),
		Envelopes: make([]Envelope, 0, len(m.Fields)),
	}
	for _, f := range m.Fields {
		raw, ok := record[f.Local]
		if !ok || raw == nil {
			continue
		}
		value, kind, err := normalize(raw)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeValidation, fmt.Sprintf("field %s", f.Local))
		}
		if value == nil {
			continue
		}
		if !f.Accepts(kind) {
			return nil, dErrors.Newf(dErrors.CodeValidation, "field %s: expected %s, got %s", f.Local, f.Kind, kind)
		}
		meta.Envelopes = append(meta.Envelopes, Envelope{
			Ontology:  f.Ontology,
			Value:     value,
			ValueType: kind,
		})
	}
	return meta, nil
}

// Decode maps meta back to local field names. It reports every "table(id)"
// string it finds so the caller can resolve them; values in declared
// reference fields are reported even when bare. Both ACL fields are set to
// meta.ACL.
func Decode(meta *MetaEnvelope, m *ontology.Mapping) (Record, []Reference, error) {
	if meta == nil || m == nil {
		return nil, nil, dErrors.New(dErrors.CodeInvariantViolation, "meta-envelope and mapping are required")
	}
	if meta.Ontology != "" && meta.Ontology != m.SchemaID && meta.Ontology != m.OntologyType {
		return nil, nil, dErrors.Newf(dErrors.CodeDecode, "meta-envelope ontology %s does not match mapping %s", meta.Ontology, m.OntologyType)
	}

	record := make(Record, len(meta.Envelopes)+2)
	var refs []Reference
	for _, env := range meta.Envelopes {
		f, ok := m.FieldByOntology(env.Ontology)
		if !ok {
			continue
		}
		if env.Value == nil {
			continue
		}
		value, kind, err := normalize(env.Value)
		if err != nil {
			return nil, nil, dErrors.Wrap(err, dErrors.CodeDecode, fmt.Sprintf("attribute %s", env.Ontology))
		}
		if !f.Accepts(kind) {
			return nil, nil, dErrors.Newf(dErrors.CodeDecode, "attribute %s: expected %s, got %s", env.Ontology, f.Kind, kind)
		}
		record[f.Local] = value
		forEachString(value, func(idx int, s string) {
			if table, id, ok := ParseRef(s); ok {
				refs = append(refs, Reference{Field: f.Local, Table: table, ID: id, Index: idx, Required: f.IsRef()})
				return
			}
			if f.IsRef() && s != "" {
				refs = append(refs, Reference{Field: f.Local, Table: f.Ref, ID: s, Index: idx, Required: true})
			}
		})
	}

	record[ACLRead] = append([]string{}, meta.ACL...)
	record[ACLWrite] = append([]string{}, meta.ACL...)
	return record, refs, nil
}

// FromData builds a meta-envelope from the flat attribute map delivered by
// the remote registry. Envelopes are ordered by attribute name.
func FromData(globalID, ontologyType string, acl []string, data map[string]any) (*MetaEnvelope, error) {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if len(acl) == 0 {
		acl = []string{Wildcard}
	}
	meta := &MetaEnvelope{
		Ontology:  ontologyType,
		ACL:       append([]string(nil), acl...),
		Envelopes: make([]Envelope, 0, len(keys)),
	}
	for _, k := range keys {
		value, kind, err := normalize(data[k])
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeDecode, fmt.Sprintf("attribute %s", k))
		}
		if value == nil {
			continue
		}
		meta.Envelopes = append(meta.Envelopes, Envelope{Ontology: k, Value: value, ValueType: kind})
	}
	return meta.WithID(globalID), nil
}

// Owner extracts the owning identity from the mapping's owner field. A
// "table(id)" value yields the id; a sequence yields its first element.
func Owner(record Record, m *ontology.Mapping) string {
	owners := Owners(record, m)
	if len(owners) == 0 {
		return ""
	}
	return owners[0]
}

// Owners lists every distinct value of the owner field in order, with
// "table(id)" values unwrapped to the id.
func Owners(record Record, m *ontology.Mapping) []string {
	if m == nil || m.OwnerField == "" {
		return nil
	}
	var owners []string
	seen := map[string]bool{}
	forEachString(record[m.OwnerField], func(_ int, s string) {
		if _, id, ok := ParseRef(s); ok {
			s = id
		}
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		owners = append(owners, s)
	})
	return owners
}

// readACL returns _acl_read when it holds at least one principal, else
// the wildcard.
func readACL(record Record) []string {
	var acl []string
	switch t := record[ACLRead].(type) {
	case []string:
		acl = append(acl, t...)
	case []any:
		for _, e := range t {
			if s, ok := e.(string); ok {
				acl = append(acl, s)
			}
		}
	}
	if len(acl) == 0 {
		return []string{Wildcard}
	}
	return acl
}

// normalize converts a value into its canonical JSON-compatible form and
// classifies it. A nil result means the value is absent.
func normalize(v any) (any, ValueType, error) {
	switch t := v.(type) {
	case nil:
		return nil, "", nil
	case string:
		return t, ValueString, nil
	case bool:
		return t, ValueBoolean, nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, "", fmt.Errorf("invalid number %q: %w", t, err)
		}
		return f, ValueNumber, nil
	case float64:
		return t, ValueNumber, nil
	case float32:
		return float64(t), ValueNumber, nil
	case int:
		return float64(t), ValueNumber, nil
	case int8:
		return float64(t), ValueNumber, nil
	case int16:
		return float64(t), ValueNumber, nil
	case int32:
		return float64(t), ValueNumber, nil
	case int64:
		return float64(t), ValueNumber, nil
	case uint:
		return float64(t), ValueNumber, nil
	case uint8:
		return float64(t), ValueNumber, nil
	case uint16:
		return float64(t), ValueNumber, nil
	case uint32:
		return float64(t), ValueNumber, nil
	case uint64:
		return float64(t), ValueNumber, nil
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano), ValueString, nil
	case *time.Time:
		if t == nil {
			return nil, "", nil
		}
		return t.UTC().Format(time.RFC3339Nano), ValueString, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			nv, _, err := normalize(e)
			if err != nil {
				return nil, "", fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = nv
		}
		return out, ValueArray, nil
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, ValueArray, nil
	case []int:
		out := make([]any, len(t))
		for i, n := range t {
			out[i] = float64(n)
		}
		return out, ValueArray, nil
	case []int64:
		out := make([]any, len(t))
		for i, n := range t {
			out[i] = float64(n)
		}
		return out, ValueArray, nil
	case []float64:
		out := make([]any, len(t))
		for i, n := range t {
			out[i] = n
		}
		return out, ValueArray, nil
	case []bool:
		out := make([]any, len(t))
		for i, b := range t {
			out[i] = b
		}
		return out, ValueArray, nil
	case []map[string]any:
		out := make([]any, len(t))
		for i, e := range t {
			nv, _, err := normalize(e)
			if err != nil {
				return nil, "", fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = nv
		}
		return out, ValueArray, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			nv, _, err := normalize(e)
			if err != nil {
				return nil, "", fmt.Errorf("key %s: %w", k, err)
			}
			out[k] = nv
		}
		return out, ValueObject, nil
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out, ValueObject, nil
	case fmt.Stringer:
		return t.String(), ValueString, nil
	}
	return nil, "", fmt.Errorf("unsupported value type %T", v)
}
