// ABOUTME: Registry maps tenant ids to live sessions and owns their lifecycle
// ABOUTME: Start reserves the tenant slot atomically so concurrent starts create one session

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-inbox/internal/chat"
	"github.com/2389/coven-inbox/internal/docstore"
)

var (
	// ErrNotFound indicates no session is registered for the tenant.
	ErrNotFound = errors.New("session not found")

	// ErrStartFailed indicates the chat client could not be constructed.
	ErrStartFailed = errors.New("session start failed")

	// ErrNotReady indicates the session exists but cannot send yet.
	ErrNotReady = errors.New("session not ready")

	// ErrStopped indicates the session ended before the work was accepted.
	ErrStopped = errors.New("session stopped")

	// ErrAbandoned indicates the caller stopped waiting after the work was
	// accepted. The work still runs; its outcome is not reported.
	ErrAbandoned = errors.New("session work abandoned")

	// ErrClosed indicates the registry has been shut down.
	ErrClosed = errors.New("session registry closed")

	// ErrInvalidTenant indicates an empty or malformed tenant id.
	ErrInvalidTenant = errors.New("invalid tenant id")
)

// StartResult reports what Start did. The zero value NotStarted accompanies
// every error.
type StartResult int

const (
	NotStarted StartResult = iota
	Started
	AlreadyRunning
)

func (r StartResult) String() string {
	switch r {
	case Started:
		return "started"
	case AlreadyRunning:
		return "already running"
	default:
		return "not started"
	}
}

// InboundHandler consumes messages observed on READY sessions.
type InboundHandler interface {
	HandleInbound(ctx context.Context, tenantID string, msg chat.InboundMessage, contacts chat.ContactDirectory) error
}

// Observer is notified after every state change of any session.
type Observer interface {
	SessionStateChanged(tenantID string, state State)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(tenantID string, state State)

// SessionStateChanged calls f.
func (f ObserverFunc) SessionStateChanged(tenantID string, state State) { f(tenantID, state) }

// Config holds Registry dependencies.
type Config struct {
	Factory chat.Factory
	Store   docstore.Store
	Inbound InboundHandler
	Logger  *slog.Logger

	// StoreTimeout bounds each session document write. Zero means 10s.
	StoreTimeout time.Duration

	// HandlerTimeout bounds handling of one inbound message. Zero means 30s.
	HandlerTimeout time.Duration
}

// Registry is the process-wide map of tenant id to live session.
type Registry struct {
	factory        chat.Factory
	store          docstore.Store
	inbound        InboundHandler
	logger         *slog.Logger
	storeTimeout   time.Duration
	handlerTimeout time.Duration

	mu        sync.RWMutex
	sessions  map[string]*Session
	running   map[*Session]bool // sessions whose worker has been launched
	writes    map[string]*sync.Mutex
	observers []Observer
	closed    bool

	wg sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	storeTimeout := cfg.StoreTimeout
	if storeTimeout <= 0 {
		storeTimeout = 10 * time.Second
	}
	handlerTimeout := cfg.HandlerTimeout
	if handlerTimeout <= 0 {
		handlerTimeout = 30 * time.Second
	}
	return &Registry{
		factory:        cfg.Factory,
		store:          cfg.Store,
		inbound:        cfg.Inbound,
		logger:         logger.With("component", "sessions"),
		storeTimeout:   storeTimeout,
		handlerTimeout: handlerTimeout,
		sessions:       make(map[string]*Session),
		running:        make(map[*Session]bool),
		writes:         make(map[string]*sync.Mutex),
	}
}

// AddObserver registers o for state change notifications.
func (r *Registry) AddObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Start creates a session for the tenant unless one is already live. The
// tenant slot is reserved before the client is built, so of any number of
// concurrent calls exactly one returns Started.
func (r *Registry) Start(ctx context.Context, tenantID string) (StartResult, error) {
	if _, err := docstore.SessionPath(tenantID); err != nil {
		return NotStarted, fmt.Errorf("%w: %q", ErrInvalidTenant, tenantID)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return NotStarted, ErrClosed
	}
	if _, exists := r.sessions[tenantID]; exists {
		r.mu.Unlock()
		r.logger.Debug("session already running", "tenant_id", tenantID)
		return AlreadyRunning, nil
	}
	sess := newSession(tenantID)
	r.sessions[tenantID] = sess
	r.mu.Unlock()

	client, err := r.factory.NewClient(ctx, tenantID)
	if err != nil {
		r.removeIfCurrent(sess)
		sess.markDone()
		r.logger.Error("failed to construct chat client", "tenant_id", tenantID, "error", err)
		return NotStarted, fmt.Errorf("%w: %w", ErrStartFailed, err)
	}

	r.mu.Lock()
	if r.sessions[tenantID] != sess {
		// Stopped while the client was being built.
		r.mu.Unlock()
		if cerr := client.Close(); cerr != nil {
			r.logger.Warn("closing abandoned client", "tenant_id", tenantID, "error", cerr)
		}
		r.commit(sess, StateDisconnected, "", true)
		sess.markDone()
		return NotStarted, fmt.Errorf("%w: stopped during start", ErrStartFailed)
	}
	sess.client = client
	r.running[sess] = true
	r.wg.Add(1)
	total := len(r.sessions)
	r.mu.Unlock()

	r.logger.Info("=== SESSION STARTED ===",
		"tenant_id", tenantID,
		"total_sessions", total,
	)

	go r.run(sess)
	return Started, nil
}

// Get returns the live session for the tenant.
func (r *Registry) Get(tenantID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// List returns snapshots of all live sessions ordered by tenant id.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess.Snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Stop removes the tenant's session and waits for its worker to finish
// in-flight work, close the client and record the session as disconnected.
// If ctx ends first Stop returns its error; the worker still completes the
// shutdown in the background.
func (r *Registry) Stop(ctx context.Context, tenantID string) error {
	r.mu.Lock()
	sess, ok := r.sessions[tenantID]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.sessions, tenantID)
	running := r.running[sess]
	total := len(r.sessions)
	r.mu.Unlock()

	sess.requestStop()
	if running {
		select {
		case <-sess.done:
		case <-ctx.Done():
			r.logger.Warn("stop timed out waiting for session worker", "tenant_id", tenantID)
			return fmt.Errorf("waiting for session worker: %w", ctx.Err())
		}
	}

	r.logger.Info("=== SESSION STOPPED ===",
		"tenant_id", tenantID,
		"total_sessions", total,
	)
	return nil
}

// Close stops every live session and rejects further starts.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	tenants := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		tenants = append(tenants, id)
	}
	r.mu.Unlock()

	var errs []error
	for _, id := range tenants {
		if err := r.Stop(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, fmt.Errorf("stopping %s: %w", id, err))
		}
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

// removeIfCurrent deletes the map entry only if it still refers to sess, so
// a terminating session never evicts a newer session for the same tenant.
func (r *Registry) removeIfCurrent(sess *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, sess)
	if r.sessions[sess.TenantID] != sess {
		return false
	}
	delete(r.sessions, sess.TenantID)
	return true
}

// commit persists and publishes a state change for sess. Writes for one
// tenant are serialized, and a write is dropped once sess no longer owns the
// tenant, so a draining session never overwrites a newer one. A final write
// is still made while the tenant has no session at all. The local state of
// sess is updated on a final write either way.
func (r *Registry) commit(sess *Session, next State, artifact string, final bool) bool {
	lock := r.writeLock(sess.TenantID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.RLock()
	owner, live := r.sessions[sess.TenantID]
	r.mu.RUnlock()
	if owner != sess && (!final || live) {
		if final {
			sess.setState(next, "")
		}
		r.logger.Debug("skipping write from superseded session",
			"tenant_id", sess.TenantID,
			"state", next,
		)
		return false
	}

	fields := docstore.Fields{FieldStatus: next.Status(), FieldPairingArtifact: nil}
	if next == StateAwaitingPairing {
		fields[FieldPairingArtifact] = artifact
	}
	r.persist(sess.TenantID, fields)
	sess.setState(next, artifact)
	r.notify(sess.TenantID, next)
	return true
}

func (r *Registry) writeLock(tenantID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.writes[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		r.writes[tenantID] = lock
	}
	return lock
}

func (r *Registry) closeClient(sess *Session) {
	r.mu.Lock()
	delete(r.running, sess)
	r.mu.Unlock()
	if sess.client == nil {
		return
	}
	if err := sess.client.Close(); err != nil {
		r.logger.Warn("closing chat client", "tenant_id", sess.TenantID, "error", err)
	}
}

// persist merges fields plus lastUpdated into the tenant's session document.
func (r *Registry) persist(tenantID string, fields docstore.Fields) {
	path, err := docstore.SessionPath(tenantID)
	if err != nil {
		r.logger.Error("invalid session path", "tenant_id", tenantID, "error", err)
		return
	}
	fields[FieldLastUpdated] = docstore.FormatTime(time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), r.storeTimeout)
	defer cancel()
	if err := r.store.SetMerge(ctx, path, fields); err != nil {
		r.logger.Error("failed to persist session state",
			"tenant_id", tenantID,
			"status", fields[FieldStatus],
			"error", err,
		)
	}
}

func (r *Registry) notify(tenantID string, state State) {
	r.mu.RLock()
	observers := append([]Observer(nil), r.observers...)
	r.mu.RUnlock()
	for _, o := range observers {
		o.SessionStateChanged(tenantID, state)
	}
}
