package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WebhookEvent names an event type a webhook can receive.
type WebhookEvent string

const (
	EventSourceIngested WebhookEvent = "source.ingested"
	EventSourceFailed   WebhookEvent = "source.failed"
	EventChatMessage    WebhookEvent = "chat.message"
	EventTestPing       WebhookEvent = "test.ping"
)

// KnownWebhookEvents are the event types a webhook may subscribe to.
// test.ping is sent by the test endpoint only and cannot be subscribed.
var KnownWebhookEvents = []WebhookEvent{
	EventSourceIngested,
	EventSourceFailed,
	EventChatMessage,
}

// Webhook is a tenant-registered HTTP endpoint for event delivery.
// Events holds the subscribed event names as a JSON array.
type Webhook struct {
	ID          uuid.UUID `db:"id" json:"id"`
	TenantID    uuid.UUID `db:"tenant_id" json:"tenant_id"`
	URL         string    `db:"url" json:"url"`
	Secret      string    `db:"secret" json:"-"`
	Events      string    `db:"events" json:"-"`
	Description string    `db:"description" json:"description"`
	IsActive    bool      `db:"is_active" json:"is_active"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// EventList decodes the subscribed event names.
func (w *Webhook) EventList() []string {
	var events []string
	if err := json.Unmarshal([]byte(w.Events), &events); err != nil {
		return nil
	}
	return events
}

// SubscribedTo reports whether the webhook subscribes to the given event.
func (w *Webhook) SubscribedTo(event WebhookEvent) bool {
	for _, e := range w.EventList() {
		if e == string(event) {
			return true
		}
	}
	return false
}
