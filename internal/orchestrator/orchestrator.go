// ABOUTME: Operator-facing control surface: start, stop and send for a tenant
// ABOUTME: Translates internal failures into stable user-visible messages

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/coven-inbox/internal/conversation"
	"github.com/2389/coven-inbox/internal/outbound"
	"github.com/2389/coven-inbox/internal/session"
)

// User-visible messages.
const (
	MsgSessionStarted        = "session started"
	MsgSessionAlreadyRunning = "session already running"
	MsgSessionStopped        = "session stopped"
	MsgMessageSent           = "message sent"

	MsgStartFailed     = "failed to start session"
	MsgStopFailed      = "failed to stop session"
	MsgSendFailed      = "failed to send message"
	MsgSendUnconfirmed = "message may have been sent"
	MsgSessionNotFound = "session not found"
)

// Result is returned by successful operations.
type Result struct {
	Message string                `json:"message"`
	Session *session.Snapshot     `json:"session,omitempty"`
	Sent    *conversation.Message `json:"sent,omitempty"`
}

// Error carries a user-visible message and the underlying cause.
type Error struct {
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Orchestrator is the entry point the rest of the application calls.
type Orchestrator struct {
	registry *session.Registry
	sender   *outbound.Sender
	logger   *slog.Logger
}

// New creates an Orchestrator.
func New(registry *session.Registry, sender *outbound.Sender, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		registry: registry,
		sender:   sender,
		logger:   logger.With("component", "orchestrator"),
	}
}

// StartSession starts the tenant's session. It succeeds when a session was
// already running.
func (o *Orchestrator) StartSession(ctx context.Context, tenantID string) (*Result, error) {
	res, err := o.registry.Start(ctx, tenantID)
	if err != nil {
		o.logger.Error("start session failed", "tenant_id", tenantID, "error", err)
		return nil, &Error{Message: MsgStartFailed, Err: err}
	}

	msg := MsgSessionStarted
	if res == session.AlreadyRunning {
		msg = MsgSessionAlreadyRunning
	}
	return &Result{Message: msg, Session: o.snapshot(tenantID)}, nil
}

// StopSession stops the tenant's session.
func (o *Orchestrator) StopSession(ctx context.Context, tenantID string) (*Result, error) {
	if err := o.registry.Stop(ctx, tenantID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, &Error{Message: MsgSessionNotFound, Err: err}
		}
		o.logger.Error("stop session failed", "tenant_id", tenantID, "error", err)
		return nil, &Error{Message: MsgStopFailed, Err: err}
	}
	return &Result{Message: MsgSessionStopped}, nil
}

// SendMessage sends text to a remote contact on behalf of the tenant.
func (o *Orchestrator) SendMessage(ctx context.Context, tenantID, remoteContactID, text string) (*Result, error) {
	msg, err := o.sender.SendMessage(ctx, tenantID, remoteContactID, text)
	if errors.Is(err, outbound.ErrOutcomeUnknown) {
		return nil, &Error{Message: MsgSendUnconfirmed, Err: err}
	}
	if err != nil {
		return nil, &Error{Message: MsgSendFailed, Err: err}
	}
	return &Result{Message: MsgMessageSent, Sent: msg}, nil
}

// Session returns the tenant's live session state.
func (o *Orchestrator) Session(tenantID string) (*session.Snapshot, error) {
	sess, err := o.registry.Get(tenantID)
	if err != nil {
		return nil, &Error{Message: MsgSessionNotFound, Err: err}
	}
	snap := sess.Snapshot()
	return &snap, nil
}

// Sessions lists every live session.
func (o *Orchestrator) Sessions() []session.Snapshot {
	return o.registry.List()
}

// Autostart starts sessions for the given tenants, logging failures.
func (o *Orchestrator) Autostart(ctx context.Context, tenants []string) {
	for _, tenantID := range tenants {
		res, err := o.StartSession(ctx, tenantID)
		if err != nil {
			o.logger.Warn("autostart failed", "tenant_id", tenantID, "error", err)
			continue
		}
		o.logger.Info("autostarted session", "tenant_id", tenantID, "result", res.Message)
	}
}

func (o *Orchestrator) snapshot(tenantID string) *session.Snapshot {
	sess, err := o.registry.Get(tenantID)
	if err != nil {
		return nil
	}
	snap := sess.Snapshot()
	return &snap
}
