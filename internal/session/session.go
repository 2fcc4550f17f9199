// ABOUTME: Session is one tenant's live connection plus its lifecycle state
// ABOUTME: All client access is serialized through the session worker via Do

package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/2389/coven-inbox/internal/chat"
)

// Snapshot is a point-in-time copy of a session's observable state.
type Snapshot struct {
	TenantID        string    `json:"tenant_id"`
	State           State     `json:"state"`
	Status          string    `json:"status"`
	PairingArtifact string    `json:"pairing_artifact,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// job is a unit of work run on the session worker.
type job struct {
	ctx    context.Context
	fn     func(ctx context.Context, client chat.Client) error
	result chan error
}

// Session owns one chat client for one tenant. Events from the client and
// work submitted through Do are handled one at a time by a single worker
// goroutine, so state updates and store writes for a tenant never race.
type Session struct {
	TenantID string

	client chat.Client // set once before the worker starts

	mu              sync.RWMutex
	state           State
	pairingArtifact string
	startedAt       time.Time
	updatedAt       time.Time

	// exit and exitReason are written only by the worker and read by it
	// when it finalizes the session.
	exit       State
	exitReason string

	// ctx is cancelled when a stop is requested. It only bounds blocking
	// client calls such as Initialize; handlers run with their own contexts.
	ctx    context.Context
	cancel context.CancelFunc

	work     chan job
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
}

func newSession(tenantID string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	return &Session{
		TenantID:   tenantID,
		state:      StateInit,
		exit:       StateDisconnected,
		exitReason: "stopped",
		startedAt:  now,
		updatedAt:  now,
		ctx:        ctx,
		cancel:     cancel,
		work:       make(chan job),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// PairingArtifact returns the current pairing code, or "" when the session
// is not awaiting pairing.
func (s *Session) PairingArtifact() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pairingArtifact
}

// Snapshot returns a copy of the session's observable state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		TenantID:        s.TenantID,
		State:           s.state,
		Status:          s.state.Status(),
		PairingArtifact: s.pairingArtifact,
		StartedAt:       s.startedAt,
		UpdatedAt:       s.updatedAt,
	}
}

// Done is closed when the session worker has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Do runs fn on the session worker with exclusive access to the client.
// It returns ErrStopped if the session ends before fn is accepted and
// ctx.Err() if ctx ends first. Once accepted, fn runs to completion even if
// the caller stops waiting; in that case Do returns an error wrapping both
// ErrAbandoned and ctx.Err(), and the effect of fn is unknown to the caller.
func (s *Session) Do(ctx context.Context, fn func(ctx context.Context, client chat.Client) error) error {
	j := job{ctx: ctx, fn: fn, result: make(chan error, 1)}

	select {
	case s.work <- j:
	case <-s.done:
		return ErrStopped
	case <-s.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-j.result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrAbandoned, ctx.Err())
	}
}

func (s *Session) setState(state State, artifact string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.pairingArtifact = artifact
	s.updatedAt = time.Now()
}

// setExit records the state the worker finalizes the session with.
func (s *Session) setExit(state State, reason string) {
	s.exit = state
	s.exitReason = reason
}

func (s *Session) requestStop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.cancel()
	})
}

func (s *Session) stopRequested() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Session) markDone() {
	s.doneOnce.Do(func() {
		close(s.done)
		s.cancel()
	})
}
