// ABOUTME: Outbound send path: transmit through the tenant's session, then record
// ABOUTME: A message is persisted only after the network accepted it

package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/coven-inbox/internal/chat"
	"github.com/2389/coven-inbox/internal/conversation"
	"github.com/2389/coven-inbox/internal/session"
)

var (
	// ErrInvalidMessage indicates a missing or unaddressable contact or empty text.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrSendFailed indicates the network rejected the message. Nothing was recorded.
	ErrSendFailed = errors.New("send failed")

	// ErrRecordFailed indicates the message was sent but could not be recorded.
	ErrRecordFailed = errors.New("message sent but not recorded")

	// ErrOutcomeUnknown indicates the caller's context ended after the send
	// was handed to the session. The send still completes in the background
	// and, if the network accepts it, is recorded; the caller cannot tell
	// which happened.
	ErrOutcomeUnknown = errors.New("send outcome unknown")
)

// Sessions looks up live sessions.
type Sessions interface {
	Get(tenantID string) (*session.Session, error)
}

// Recorder persists sent messages.
type Recorder interface {
	RecordOutbound(ctx context.Context, tenantID, remoteContactID, text string) (*conversation.Message, error)
}

// Sender sends tenant messages to remote contacts.
type Sender struct {
	sessions Sessions
	recorder Recorder
	logger   *slog.Logger
}

// New creates a Sender.
func New(sessions Sessions, recorder Recorder, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		sessions: sessions,
		recorder: recorder,
		logger:   logger.With("component", "outbound"),
	}
}

// SendMessage sends text to the remote contact through the tenant's READY
// session and records it as an outbound message under the contact id the
// network reports for inbound messages. Errors matching session.ErrNotFound
// mean no ready session exists for the tenant.
//
// If ctx ends before the send finishes, SendMessage returns ErrOutcomeUnknown.
// A send already handed to the session is not cancelled by the caller giving
// up, and a message the network accepted is always recorded.
func (s *Sender) SendMessage(ctx context.Context, tenantID, remoteContactID, text string) (*conversation.Message, error) {
	if remoteContactID == "" || text == "" {
		return nil, fmt.Errorf("%w: remote contact and text are required", ErrInvalidMessage)
	}

	sess, err := s.sessions.Get(tenantID)
	if err != nil {
		return nil, err
	}
	if sess.State() != session.StateReady {
		return nil, notReady(sess)
	}

	var msg *conversation.Message
	err = sess.Do(ctx, func(ctx context.Context, client chat.Client) error {
		// The state may have changed while the work was queued.
		if sess.State() != session.StateReady {
			return notReady(sess)
		}
		contactID, err := client.NormalizeContactID(remoteContactID)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
		}
		if err := client.Send(ctx, remoteContactID, text); err != nil {
			return fmt.Errorf("%w: %w", ErrSendFailed, err)
		}

		// The message is on the wire; record it even if the caller gave up.
		recorded, err := s.recorder.RecordOutbound(context.WithoutCancel(ctx), tenantID, contactID, text)
		if err != nil {
			s.logger.Error("sent message could not be recorded",
				"tenant_id", tenantID,
				"remote_contact_id", remoteContactID,
				"error", err,
			)
			return fmt.Errorf("%w: %w", ErrRecordFailed, err)
		}
		msg = recorded
		return nil
	})
	if errors.Is(err, session.ErrStopped) {
		return nil, fmt.Errorf("%w: %w", session.ErrNotFound, err)
	}
	if errors.Is(err, session.ErrAbandoned) {
		s.logger.Warn("caller stopped waiting for send",
			"tenant_id", tenantID,
			"remote_contact_id", remoteContactID,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %w", ErrOutcomeUnknown, err)
	}
	if err != nil {
		s.logger.Warn("send message failed",
			"tenant_id", tenantID,
			"remote_contact_id", remoteContactID,
			"error", err,
		)
		return nil, err
	}

	s.logger.Debug("message sent", "tenant_id", tenantID, "remote_contact_id", remoteContactID)
	return msg, nil
}

func notReady(sess *session.Session) error {
	return fmt.Errorf("%w: %w (state %s)", session.ErrNotFound, session.ErrNotReady, sess.State())
}
