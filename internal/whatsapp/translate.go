// ABOUTME: Pure mapping from whatsmeow events and types onto the chat contract
// ABOUTME: Covers lifecycle events, inbound text, recipient parsing and contact names

package whatsapp

import (
	"errors"
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/2389/coven-inbox/internal/chat"
)

var (
	ErrStreamReplaced   = errors.New("whatsapp: stream replaced by another connection")
	ErrClientOutdated   = errors.New("whatsapp: client version outdated")
	ErrTemporaryBan     = errors.New("whatsapp: account temporarily banned")
	ErrConnectFailure   = errors.New("whatsapp: connect failure")
	ErrPairingTimeout   = errors.New("whatsapp: pairing timed out")
	ErrInvalidRecipient = errors.New("whatsapp: invalid recipient")
	ErrContactNotFound  = errors.New("whatsapp: contact not found")
)

// translate maps a whatsmeow event onto a chat event. Events with no chat
// counterpart report false.
func translate(raw interface{}) (chat.Event, bool) {
	switch evt := raw.(type) {
	case *events.PairSuccess:
		return chat.Event{Type: chat.EventAuthenticated}, true
	case *events.Connected:
		return chat.Event{Type: chat.EventReady}, true
	case *events.LoggedOut:
		return chat.Event{Type: chat.EventDisconnected, Reason: "logged out: " + evt.Reason.String()}, true
	case *events.Disconnected:
		return chat.Event{Type: chat.EventDisconnected, Reason: "connection lost"}, true
	case *events.StreamReplaced:
		return chat.Event{Type: chat.EventFailure, Err: ErrStreamReplaced}, true
	case *events.ClientOutdated:
		return chat.Event{Type: chat.EventFailure, Err: ErrClientOutdated}, true
	case *events.TemporaryBan:
		return chat.Event{Type: chat.EventFailure, Err: fmt.Errorf("%w: %s", ErrTemporaryBan, evt.String())}, true
	case *events.ConnectFailure:
		return chat.Event{Type: chat.EventFailure, Err: fmt.Errorf("%w: %s %s", ErrConnectFailure, evt.Reason.String(), evt.Message)}, true
	case *events.Message:
		msg, ok := inboundMessage(evt)
		if !ok {
			return chat.Event{}, false
		}
		return chat.Event{Type: chat.EventMessage, Message: &msg}, true
	}
	return chat.Event{}, false
}

// inboundMessage converts a one-to-one text message. Group, broadcast and
// non-text messages are skipped.
func inboundMessage(evt *events.Message) (chat.InboundMessage, bool) {
	if evt == nil || evt.Info.IsGroup || evt.Info.Chat.Server == types.BroadcastServer {
		return chat.InboundMessage{}, false
	}
	text := messageText(evt.Message)
	if text == "" || evt.Info.Chat.User == "" {
		return chat.InboundMessage{}, false
	}
	return chat.InboundMessage{
		ID:              string(evt.Info.ID),
		RemoteContactID: evt.Info.Chat.User,
		Text:            text,
		AuthorID:        evt.Info.Sender.ToNonAD().String(),
		FromSelf:        evt.Info.IsFromMe,
		Timestamp:       evt.Info.Timestamp,
	}, true
}

func messageText(m *waE2E.Message) string {
	if m == nil {
		return ""
	}
	if text := m.GetConversation(); text != "" {
		return text
	}
	return m.GetExtendedTextMessage().GetText()
}

// recipientJID accepts a full JID or a phone number in any common notation.
func recipientJID(remoteContactID string) (types.JID, error) {
	if strings.Contains(remoteContactID, "@") {
		jid, err := types.ParseJID(remoteContactID)
		if err != nil {
			return types.JID{}, fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
		}
		return jid, nil
	}

	var digits strings.Builder
	for _, r := range remoteContactID {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return types.JID{}, fmt.Errorf("%w: %q", ErrInvalidRecipient, remoteContactID)
		}
	}
	if digits.Len() == 0 {
		return types.JID{}, fmt.Errorf("%w: %q", ErrInvalidRecipient, remoteContactID)
	}
	return types.NewJID(digits.String(), types.DefaultUserServer), nil
}

// canonicalContactID reduces a phone number or JID to the user part that
// inbound messages report as their remote contact.
func canonicalContactID(remoteContactID string) (string, error) {
	jid, err := recipientJID(remoteContactID)
	if err != nil {
		return "", err
	}
	if jid.User == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidRecipient, remoteContactID)
	}
	return jid.User, nil
}

// contactName prefers the saved name, then the self-chosen push name, then
// the business name.
func contactName(info types.ContactInfo) string {
	for _, name := range []string{info.FullName, info.PushName, info.BusinessName} {
		if name = strings.TrimSpace(name); name != "" {
			return name
		}
	}
	return ""
}
