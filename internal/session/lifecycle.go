// ABOUTME: Session worker that reconciles client events into state and store writes
// ABOUTME: The worker owns shutdown: it closes the client and writes the final state

package session

import (
	"context"
	"errors"

	"github.com/2389/coven-inbox/internal/chat"
)

// run is the session worker. It initializes the client, then handles
// events and submitted work one at a time until the session terminates or
// a stop is requested. Done is closed only after finish has run.
func (r *Registry) run(sess *Session) {
	defer r.wg.Done()
	defer sess.markDone()
	defer r.finish(sess)

	logger := r.logger.With("tenant_id", sess.TenantID)

	r.commit(sess, StateInit, "", false)

	if err := sess.client.Initialize(sess.ctx); err != nil {
		if sess.stopRequested() {
			return
		}
		logger.Error("chat client initialization failed", "error", err)
		r.terminate(sess, StateFailed, err.Error())
		return
	}
	logger.Debug("chat client initialized")

	events := sess.client.Events()
	for {
		// Stop takes priority over queued events, and queued events over
		// submitted work.
		if sess.stopRequested() {
			return
		}
		select {
		case evt, ok := <-events:
			if r.dispatch(sess, evt, ok) {
				return
			}
			continue
		default:
		}

		select {
		case <-sess.stop:
			return

		case evt, ok := <-events:
			if r.dispatch(sess, evt, ok) {
				return
			}

		case j := <-sess.work:
			j.result <- j.fn(j.ctx, sess.client)
		}
	}
}

// dispatch handles one receive from the event channel and reports whether
// the worker should exit.
func (r *Registry) dispatch(sess *Session, evt chat.Event, ok bool) bool {
	if !ok {
		if sess.stopRequested() {
			return true
		}
		r.terminate(sess, StateDisconnected, "event stream closed")
		return true
	}
	return r.handleEvent(sess, evt)
}

// handleEvent applies one client event. It reports whether the session
// reached a terminal state.
func (r *Registry) handleEvent(sess *Session, evt chat.Event) bool {
	logger := r.logger.With("tenant_id", sess.TenantID)
	current := sess.State()

	switch evt.Type {
	case chat.EventPairingCode:
		if evt.Code == "" {
			logger.Warn("ignoring empty pairing code")
			return false
		}
		r.transition(sess, current, StateAwaitingPairing, evt.Code)

	case chat.EventAuthenticated:
		r.transition(sess, current, StateAuthenticated, "")

	case chat.EventReady:
		r.transition(sess, current, StateReady, "")

	case chat.EventDisconnected:
		r.terminate(sess, StateDisconnected, evt.Reason)
		return true

	case chat.EventFailure:
		reason := "unknown failure"
		if evt.Err != nil {
			reason = evt.Err.Error()
		}
		r.terminate(sess, StateFailed, reason)
		return true

	case chat.EventMessage:
		r.handleMessage(sess, current, evt.Message)

	default:
		logger.Debug("ignoring unknown client event", "event", evt.String())
	}
	return false
}

// transition moves sess from current to next if the lifecycle allows it.
// Disallowed transitions are logged and dropped.
func (r *Registry) transition(sess *Session, current, next State, artifact string) {
	if !current.accepts(next) {
		r.logger.Warn("ignoring invalid session transition",
			"tenant_id", sess.TenantID,
			"from", current,
			"to", next,
		)
		return
	}

	if !r.commit(sess, next, artifact, false) {
		return
	}

	r.logger.Info("session state changed",
		"tenant_id", sess.TenantID,
		"from", current,
		"to", next,
	)
}

// terminate ends the session on its own initiative. The worker exits right
// after and finish records state.
func (r *Registry) terminate(sess *Session, state State, reason string) {
	sess.setExit(state, reason)
	r.removeIfCurrent(sess)
}

// finish runs on the worker as it exits, whether the session terminated or
// was stopped. It releases the tenant slot if sess still holds it, closes
// the client and records the final state unless a newer session for the
// tenant has taken over.
func (r *Registry) finish(sess *Session) {
	r.removeIfCurrent(sess)
	r.closeClient(sess)
	written := r.commit(sess, sess.exit, "", true)

	r.logger.Info("=== SESSION ENDED ===",
		"tenant_id", sess.TenantID,
		"state", sess.exit,
		"reason", sess.exitReason,
		"recorded", written,
	)
}

func (r *Registry) handleMessage(sess *Session, current State, msg *chat.InboundMessage) {
	logger := r.logger.With("tenant_id", sess.TenantID)
	if msg == nil {
		logger.Warn("ignoring message event without payload")
		return
	}
	if current != StateReady {
		logger.Warn("ignoring message on session that is not ready", "state", current)
		return
	}
	if msg.FromSelf {
		logger.Debug("discarding echo of own message", "remote_contact_id", msg.RemoteContactID)
		return
	}
	if r.inbound == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.handlerTimeout)
	defer cancel()
	if err := r.inbound.HandleInbound(ctx, sess.TenantID, *msg, sess.client); err != nil {
		// Inbound delivery is at-most-once; a failed message is not retried.
		level := logger.Error
		if errors.Is(err, context.DeadlineExceeded) {
			level = logger.Warn
		}
		level("failed to handle inbound message",
			"remote_contact_id", msg.RemoteContactID,
			"error", err,
		)
	}
}
