package models

import (
	"encoding/json"
	"time"
)

// ItemKind tags the shape of a queued payload
type ItemKind string

const (
	KindResponse ItemKind = "response"
	KindAnswer   ItemKind = "answer"
)

// Valid reports whether the kind is one of the known variants
func (k ItemKind) Valid() bool {
	return k == KindResponse || k == KindAnswer
}

// SyncItem is a single pending entry in the local sync queue.
// ID is assigned at enqueue time and doubles as the idempotency key
// for retried submissions.
type SyncItem struct {
	ID         string          `json:"id"`
	Kind       ItemKind        `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Attempts   int             `json:"attempts"`
}
