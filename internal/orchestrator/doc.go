// Package orchestrator exposes the three tenant operations callers use:
// StartSession, StopSession and SendMessage.
//
// Failures come back as *Error whose Message is safe to show to users
// ("failed to start session", "failed to send message") while Unwrap
// exposes the cause for errors.Is checks.
package orchestrator
