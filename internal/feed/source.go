// Package feed defines the push-based notification feed the subscription
// core consumes, and Hub, the in-process implementation backed by Postgres.
package feed

import (
	"context"

	"ops-notification-service/internal/models"
)

// Query scopes a subscription. Results are always ordered by created_at desc.
type Query struct {
	TenantID    string
	RecipientID string
	Credential  string
}

// Patch is a partial update of a notification. Only Read is writable.
type Patch struct {
	Read bool `json:"read"`
}

type (
	BatchFunc  func(batch []models.Notification)
	ErrorFunc  func(err error)
	CancelFunc func()
)

// Source is a remote, filterable, ordered notification collection with push
// semantics. Callbacks run on the source's own goroutine, never inside
// Subscribe, and a CancelFunc must not wait for an in-flight callback.
type Source interface {
	Subscribe(q Query, onBatch BatchFunc, onError ErrorFunc) CancelFunc
	Mutate(ctx context.Context, id string, patch Patch) error
}
