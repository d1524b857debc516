package models

import "time"

// Mapping is the durable correspondence between a local id and a global id.
// The global side changes only when the remote vault assigns a different id
// on first store.
type Mapping struct {
	LocalID   string
	GlobalID  string
	TableName string
	CreatedAt time.Time
}
