package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FeedEvent is an inbound plant event that becomes a Notification for one recipient.
type FeedEvent struct {
	RequestID   string    `json:"request_id"`
	TenantID    string    `json:"tenant_id"`
	RecipientID string    `json:"recipient_id"`
	Kind        Kind      `json:"kind"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	Link        string    `json:"link"`
	Timestamp   time.Time `json:"timestamp"`
}

// eventNamespace derives stable notification ids from request ids, so a
// redelivered event maps to the same record.
var eventNamespace = uuid.MustParse("0b5c3e52-8f0e-4e0b-9a57-6f4d1c2a7e11")

// Notification validates ev and converts it. Missing kind means system, a
// missing timestamp means now.
func (ev FeedEvent) Notification() (Notification, error) {
	if ev.TenantID == "" || ev.RecipientID == "" {
		return Notification{}, errors.New("missing tenant_id or recipient_id")
	}
	kind := ev.Kind
	if kind == "" {
		kind = KindSystem
	}
	if !kind.Valid() {
		return Notification{}, fmt.Errorf("unknown kind %q", ev.Kind)
	}
	id := uuid.New()
	if ev.RequestID != "" {
		id = uuid.NewSHA1(eventNamespace, []byte(ev.TenantID+"/"+ev.RecipientID+"/"+ev.RequestID))
	}
	createdAt := ev.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return Notification{
		ID:          id.String(),
		TenantID:    ev.TenantID,
		RecipientID: ev.RecipientID,
		CreatedAt:   createdAt.UTC(),
		Kind:        kind,
		Payload:     Payload{Title: ev.Title, Body: ev.Body, Link: ev.Link},
	}, nil
}
