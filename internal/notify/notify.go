// ABOUTME: Domain event envelopes and the Publisher contract for inbox notifications
// ABOUTME: Message appends are announced on a topic exchange keyed by tenant and direction

package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	TypeMessageAppended = "inbox.message.appended.v1"
)

// Producer identifies this service in envelope metadata.
const Producer = "coven-inbox"

// Meta describes an envelope.
type Meta struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Producer      string    `json:"producer,omitempty"`
	Time          time.Time `json:"time"`
	Type          string    `json:"type"`
}

// Envelope wraps an event payload with its metadata.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// MessageAppended is published after a message is recorded in a conversation.
type MessageAppended struct {
	TenantID        string    `json:"tenant_id"`
	RemoteContactID string    `json:"remote_contact_id"`
	MessageID       string    `json:"message_id"`
	Direction       string    `json:"direction"`
	Text            string    `json:"text"`
	SentAt          time.Time `json:"sent_at"`
}

// Publisher delivers envelopes under a routing key.
type Publisher interface {
	Publish(ctx context.Context, key string, env Envelope) error
	Close() error
}

// NewEnvelope wraps data with fresh metadata.
func NewEnvelope(eventType string, data any) Envelope {
	return Envelope{
		Meta: Meta{
			ID:       uuid.NewString(),
			Producer: Producer,
			Time:     time.Now().UTC(),
			Type:     eventType,
		},
		Data: data,
	}
}

// MessageRoutingKey returns inbox.<tenant>.message.<direction>.
func MessageRoutingKey(tenantID, direction string) string {
	return fmt.Sprintf("inbox.%s.message.%s", tenantID, direction)
}

// PublishMessageAppended wraps evt in an envelope and publishes it.
func PublishMessageAppended(ctx context.Context, p Publisher, evt MessageAppended) error {
	key := MessageRoutingKey(evt.TenantID, evt.Direction)
	if err := p.Publish(ctx, key, NewEnvelope(TypeMessageAppended, evt)); err != nil {
		return fmt.Errorf("publishing %s: %w", key, err)
	}
	return nil
}

// NopPublisher discards everything.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, Envelope) error { return nil }
func (NopPublisher) Close() error                                     { return nil }
