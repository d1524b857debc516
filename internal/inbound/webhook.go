package inbound

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Payload is the remote registry's change notification.
type Payload struct {
	ID        string         `json:"id"`
	SchemaID  string         `json:"schemaId"`
	Data      map[string]any `json:"data"`
	W3ID      string         `json:"w3id,omitempty"`
	ACL       []string       `json:"acl,omitempty"`
	Timestamp any            `json:"timestamp,omitempty"`
}

// webhookIDLength is the number of hex characters kept from the digest.
const webhookIDLength = 32

// WebhookID derives the deduplication key of p: the truncated SHA-256 of the
// canonical JSON of its id, schema id, data and timestamp. An absent
// timestamp is left out rather than defaulted, so redeliveries of the same
// notification always collide.
func WebhookID(p *Payload) (string, error) {
	subject := map[string]any{
		"id":       p.ID,
		"schemaId": p.SchemaID,
		"data":     p.Data,
	}
	if p.Timestamp != nil {
		subject["timestamp"] = p.Timestamp
	}
	raw, err := json.Marshal(subject)
	if err != nil {
		return "", fmt.Errorf("marshal webhook subject: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize webhook subject: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:webhookIDLength], nil
}
