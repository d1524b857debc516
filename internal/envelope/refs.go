package envelope

import (
	"fmt"
	"regexp"

	"syncbridge/internal/ontology"
)

var refPattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\((.+)\)$`)

// FormatRef renders a reference as "table(id)".
func FormatRef(table, id string) string {
	return fmt.Sprintf("%s(%s)", table, id)
}

// ParseRef splits a "table(id)" string.
func ParseRef(s string) (table, id string, ok bool) {
	match := refPattern.FindStringSubmatch(s)
	if match == nil {
		return "", "", false
	}
	return match[1], match[2], true
}

// OutboundRefs lists the local ids held in the mapping's reference fields.
// Values may be bare ids or already in "table(id)" form.
func OutboundRefs(record Record, m *ontology.Mapping) []Reference {
	var refs []Reference
	for _, f := range m.Fields {
		if !f.IsRef() {
			continue
		}
		forEachString(record[f.Local], func(idx int, s string) {
			table, id := f.Ref, s
			if t, parsed, ok := ParseRef(s); ok {
				table, id = t, parsed
			}
			if id == "" {
				return
			}
			refs = append(refs, Reference{Field: f.Local, Table: table, ID: id, Index: idx, Required: true})
		})
	}
	return refs
}

// ApplyRefs returns a copy of record with every reference that has a
// Replacement written into its position. Dropped scalar references delete
// the field; dropped sequence elements are removed. Sequence fields are
// copied before modification.
func ApplyRefs(record Record, refs []Reference) Record {
	out := make(Record, len(record))
	for k, v := range record {
		out[k] = v
	}
	copied := map[string][]any{}
	dropped := map[string]map[int]bool{}
	for _, ref := range refs {
		if ref.Replacement == "" && !ref.Drop {
			continue
		}
		if ref.Index < 0 {
			if ref.Drop {
				delete(out, ref.Field)
			} else {
				out[ref.Field] = ref.Replacement
			}
			continue
		}
		seq, ok := copied[ref.Field]
		if !ok {
			seq = toAnySlice(out[ref.Field])
			copied[ref.Field] = seq
			out[ref.Field] = seq
		}
		if ref.Index >= len(seq) {
			continue
		}
		if ref.Drop {
			if dropped[ref.Field] == nil {
				dropped[ref.Field] = map[int]bool{}
			}
			dropped[ref.Field][ref.Index] = true
			continue
		}
		seq[ref.Index] = ref.Replacement
	}
	for field, idx := range dropped {
		seq := copied[field]
		kept := make([]any, 0, len(seq)-len(idx))
		for i, v := range seq {
			if !idx[i] {
				kept = append(kept, v)
			}
		}
		out[field] = kept
	}
	return out
}

// forEachString visits strings held directly or in a sequence.
func forEachString(v any, fn func(idx int, s string)) {
	switch t := v.(type) {
	case string:
		fn(-1, t)
	case []string:
		for i, s := range t {
			fn(i, s)
		}
	case []any:
		for i, e := range t {
			if s, ok := e.(string); ok {
				fn(i, s)
			}
		}
	}
}

func toAnySlice(v any) []any {
	switch t := v.(type) {
	case []any:
		return append([]any(nil), t...)
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	}
	return nil
}
