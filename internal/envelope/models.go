// Package envelope translates between local records and the portable,
// ACL-tagged meta-envelope form. Every function here is pure.
package envelope

import (
	"github.com/google/uuid"

	"syncbridge/internal/ontology"
)

// ValueType tags the runtime shape of an envelope value.
type ValueType = ontology.Kind

const (
	ValueString  = ontology.KindString
	ValueNumber  = ontology.KindNumber
	ValueBoolean = ontology.KindBoolean
	ValueArray   = ontology.KindArray
	ValueObject  = ontology.KindObject
)

// Record field names carrying access control lists.
const (
	ACLRead  = "_acl_read"
	ACLWrite = "_acl_write"
	Wildcard = "*"
)

// Record is one entity in platform-native field names.
type Record map[string]any

// Envelope is one ontology attribute and its value.
type Envelope struct {
	ID        string    `json:"id"`
	Ontology  string    `json:"ontology"`
	Value     any       `json:"value"`
	ValueType ValueType `json:"valueType"`
}

// MetaEnvelope is the portable form of one entity.
type MetaEnvelope struct {
	ID        string     `json:"id"`
	Ontology  string     `json:"ontology"`
	ACL       []string   `json:"acl"`
	Envelopes []Envelope `json:"envelopes"`
}

var envelopeNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("syncbridge:envelope"))

// WithID returns a copy carrying globalID and deterministic envelope ids
// derived from it.
func (m *MetaEnvelope) WithID(globalID string) *MetaEnvelope {
	out := &MetaEnvelope{
		ID:        globalID,
		Ontology:  m.Ontology,
		ACL:       append([]string(nil), m.ACL...),
		Envelopes: make([]Envelope, len(m.Envelopes)),
	}
	for i, env := range m.Envelopes {
		env.ID = uuid.NewSHA1(envelopeNamespace, []byte(globalID+"/"+env.Ontology)).String()
		out.Envelopes[i] = env
	}
	return out
}

// Data flattens the envelopes into an attribute → value map, the shape the
// remote registry stores.
func (m *MetaEnvelope) Data() map[string]any {
	out := make(map[string]any, len(m.Envelopes))
	for _, env := range m.Envelopes {
		out[env.Ontology] = env.Value
	}
	return out
}

// Reference is a foreign reference found in, or destined for, a record field.
// Index is the element position for sequence fields and -1 for scalars.
type Reference struct {
	Field    string
	Table    string
	ID       string
	Index    int
	Required bool
	// Replacement is written back by ApplyRefs when non-empty.
	Replacement string
	// Drop removes the reference from the record instead.
	Drop bool
}
