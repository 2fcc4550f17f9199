// ABOUTME: Conversation and Message views decoded from store documents
// ABOUTME: Field names here are the persisted document schema

package conversation

import (
	"time"

	"github.com/2389/coven-inbox/internal/docstore"
)

// Direction of a message relative to the tenant.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Conversation document fields.
const (
	FieldContactName     = "contactName"
	FieldLastMessageText = "lastMessageText"
	FieldLastMessageAt   = "lastMessageAt"
)

// Message document fields.
const (
	FieldDirection = "direction"
	FieldText      = "text"
	FieldSentAt    = "sentAt"
)

// Conversation summarizes the exchange with one remote contact.
type Conversation struct {
	TenantID        string    `json:"tenant_id"`
	RemoteContactID string    `json:"remote_contact_id"`
	ContactName     string    `json:"contact_name"`
	LastMessageText string    `json:"last_message_text"`
	LastMessageAt   time.Time `json:"last_message_at"`
}

// Message is one text record in a conversation.
type Message struct {
	ID        string    `json:"id"`
	Direction Direction `json:"direction"`
	Text      string    `json:"text"`
	SentAt    time.Time `json:"sent_at"`
}

func conversationFromDoc(tenantID string, doc *docstore.Document) Conversation {
	at, _ := doc.Time(FieldLastMessageAt)
	return Conversation{
		TenantID:        tenantID,
		RemoteContactID: doc.ID,
		ContactName:     doc.String(FieldContactName),
		LastMessageText: doc.String(FieldLastMessageText),
		LastMessageAt:   at,
	}
}

func messageFromDoc(doc *docstore.Document) Message {
	at, _ := doc.Time(FieldSentAt)
	return Message{
		ID:        doc.ID,
		Direction: Direction(doc.String(FieldDirection)),
		Text:      doc.String(FieldText),
		SentAt:    at,
	}
}
