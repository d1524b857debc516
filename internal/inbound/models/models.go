package models

import "time"

// Status is the lifecycle state of a processing record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Record tracks one distinct inbound payload, keyed by its webhook id.
type Record struct {
	WebhookID    string    `json:"webhookId"`
	GlobalID     string    `json:"globalId"`
	SchemaID     string    `json:"schemaId"`
	TableName    string    `json:"tableName"`
	Status       Status    `json:"status"`
	LocalID      string    `json:"localId,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Retriable    bool      `json:"retriable"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Reclaimable reports whether a redelivery may process the payload again.
func (r *Record) Reclaimable() bool {
	return r.Status == StatusFailed && r.Retriable
}

// Stats counts records per status.
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Add counts n records in status s.
func (st *Stats) Add(s Status, n int) {
	st.Total += n
	switch s {
	case StatusPending:
		st.Pending += n
	case StatusProcessing:
		st.Processing += n
	case StatusCompleted:
		st.Completed += n
	case StatusFailed:
		st.Failed += n
	}
}
