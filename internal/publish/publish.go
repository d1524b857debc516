// Package publish defines the outbound publication handed to sinks.
package publish

import (
	"context"

	"syncbridge/internal/envelope"
)

// Operation says whether the remote side should create or update.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
)

// Publication is one outbound sync of a local entity.
type Publication struct {
	Meta      *envelope.MetaEnvelope `json:"metaEnvelope"`
	SchemaID  string                 `json:"schemaId"`
	TableName string                 `json:"tableName"`
	LocalID   string                 `json:"localId"`
	Owner     string                 `json:"owner,omitempty"`
	// Participants are the other enames that share the entity. Vault sinks
	// leave a reference in each of their vaults on create.
	Participants []string  `json:"participants,omitempty"`
	Operation    Operation `json:"operation"`
}

// Publisher sends publications to the remote registry and returns the id
// the remote side holds the meta-envelope under. Sinks that do not assign
// ids return pub.Meta.ID. Callers do not retry.
type Publisher interface {
	Publish(ctx context.Context, pub *Publication) (string, error)
}
