package models

import (
	"fmt"
	"time"
)

// Kind is the category of a Notification. It only drives alert formatting.
type Kind string

const (
	KindFault        Kind = "fault"
	KindComment      Kind = "comment"
	KindStatusChange Kind = "status_change"
	KindSystem       Kind = "system"
)

// Valid reports whether k is one of the known categories.
func (k Kind) Valid() bool {
	switch k {
	case KindFault, KindComment, KindStatusChange, KindSystem:
		return true
	default:
		return false
	}
}

// Payload holds display fields the subscription core never interprets.
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
	Link  string `json:"link,omitempty"`
}

// Notification is a single record of a recipient's notification feed.
type Notification struct {
	ID          string    `json:"id"`
	RecipientID string    `json:"recipient_id"`
	TenantID    string    `json:"tenant_id"`
	CreatedAt   time.Time `json:"created_at"`
	Read        bool      `json:"read"`
	Kind        Kind      `json:"kind"`
	Payload     Payload   `json:"payload"`
}

// Validate checks the fields every stored Notification must carry.
func (n Notification) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("notification id is required")
	}
	if n.RecipientID == "" || n.TenantID == "" {
		return fmt.Errorf("notification %s: recipient_id and tenant_id are required", n.ID)
	}
	if !n.Kind.Valid() {
		return fmt.Errorf("notification %s: unknown kind %q", n.ID, n.Kind)
	}
	if n.CreatedAt.IsZero() {
		return fmt.Errorf("notification %s: created_at is required", n.ID)
	}
	return nil
}
