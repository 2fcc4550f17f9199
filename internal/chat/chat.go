// ABOUTME: Contract for a per-tenant connection to an external chat network
// ABOUTME: Defines lifecycle/message events, the Client capability and client factories

package chat

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("chat client closed")

// EventType identifies a client event.
type EventType string

const (
	EventPairingCode   EventType = "pairing_code"
	EventAuthenticated EventType = "authenticated"
	EventReady         EventType = "ready"
	EventDisconnected  EventType = "disconnected"
	EventFailure       EventType = "failure"
	EventMessage       EventType = "message"
)

// InboundMessage is a message observed on the network.
type InboundMessage struct {
	ID              string // network message id, empty when the backend has none
	RemoteContactID string
	Text            string
	AuthorID        string // empty when the backend does not report one
	FromSelf        bool   // echo of a message this tenant sent
	Timestamp       time.Time
}

// Event is emitted by a Client on its Events channel.
type Event struct {
	Type    EventType
	Code    string          // EventPairingCode
	Reason  string          // EventDisconnected
	Err     error           // EventFailure
	Message *InboundMessage // EventMessage
}

func (e Event) String() string {
	switch e.Type {
	case EventPairingCode:
		return fmt.Sprintf("%s(len=%d)", e.Type, len(e.Code))
	case EventFailure:
		return fmt.Sprintf("%s(%v)", e.Type, e.Err)
	case EventMessage:
		if e.Message != nil {
			return fmt.Sprintf("%s(from=%s)", e.Type, e.Message.RemoteContactID)
		}
	}
	return string(e.Type)
}

// ContactDirectory resolves display names for message authors.
type ContactDirectory interface {
	LookupContactName(ctx context.Context, authorID string) (string, error)
}

// Client is one tenant's handle on the external network. A Client is owned
// by exactly one session and is never shared.
type Client interface {
	// Initialize connects and starts emitting events. It may block until the
	// network handshake completes.
	Initialize(ctx context.Context) error

	// Events delivers lifecycle and message events in network order. The
	// channel is closed by Close.
	Events() <-chan Event

	// Send transmits a text message to the remote contact.
	Send(ctx context.Context, remoteContactID, text string) error

	// NormalizeContactID returns the form of remoteContactID that this
	// network reports as InboundMessage.RemoteContactID, so a contact
	// addressed by hand and the same contact writing in share one
	// conversation. It fails for ids the network cannot address.
	NormalizeContactID(remoteContactID string) (string, error)

	ContactDirectory

	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// Factory constructs clients for tenants.
type Factory interface {
	NewClient(ctx context.Context, tenantID string) (Client, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, tenantID string) (Client, error)

// NewClient calls f.
func (f FactoryFunc) NewClient(ctx context.Context, tenantID string) (Client, error) {
	return f(ctx, tenantID)
}
