// ABOUTME: Scriptable in-memory Client and Factory for tests and local runs
// ABOUTME: Tests push events with Emit and inspect sent messages

package chat

import (
	"context"
	"errors"
	"sync"
	"time"
)

// SentMessage records one successful FakeClient.Send.
type SentMessage struct {
	RemoteContactID string
	Text            string
	At              time.Time
}

// FakeClient is a Client driven by the test that owns it.
type FakeClient struct {
	TenantID string

	stream *EventStream

	mu          sync.Mutex
	initialized bool
	initErr     error
	sendErr     error
	lookupErr   error
	names       map[string]string
	normalize   func(string) (string, error)
	sendHook    func(ctx context.Context) error
	sent        []SentMessage
	lookups     int
}

// NewFakeClient creates a FakeClient whose event channel holds buffer events.
func NewFakeClient(tenantID string, buffer int) *FakeClient {
	return &FakeClient{
		TenantID: tenantID,
		stream:   NewEventStream(buffer),
		names:    make(map[string]string),
	}
}

// Initialize marks the client initialized or returns the configured error.
func (f *FakeClient) Initialize(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return f.initErr
	}
	f.initialized = true
	return nil
}

// Events returns the event channel.
func (f *FakeClient) Events() <-chan Event {
	return f.stream.Events()
}

// Send records the message unless a send error is configured. A hook set
// with OnSend runs first, outside the client lock.
func (f *FakeClient) Send(ctx context.Context, remoteContactID, text string) error {
	if f.isClosed() {
		return ErrClosed
	}
	f.mu.Lock()
	hook := f.sendHook
	f.mu.Unlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, SentMessage{RemoteContactID: remoteContactID, Text: text, At: time.Now()})
	return nil
}

// NormalizeContactID returns remoteContactID unchanged unless a normalizer
// is configured with SetNormalizer.
func (f *FakeClient) NormalizeContactID(remoteContactID string) (string, error) {
	f.mu.Lock()
	normalize := f.normalize
	f.mu.Unlock()
	if normalize == nil {
		return remoteContactID, nil
	}
	return normalize(remoteContactID)
}

// LookupContactName returns the configured name for authorID.
func (f *FakeClient) LookupContactName(ctx context.Context, authorID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.lookupErr != nil {
		return "", f.lookupErr
	}
	name, ok := f.names[authorID]
	if !ok {
		return "", errors.New("contact not found")
	}
	return name, nil
}

// Close stops event delivery and closes the Events channel.
func (f *FakeClient) Close() error {
	f.stream.Close()
	return nil
}

// Emit delivers an event. It returns false once the client is closed.
func (f *FakeClient) Emit(evt Event) bool {
	return f.stream.Emit(evt)
}

// EmitPairingCode emits a pairing code event.
func (f *FakeClient) EmitPairingCode(code string) bool {
	return f.Emit(Event{Type: EventPairingCode, Code: code})
}

// EmitAuthenticated emits an authenticated event.
func (f *FakeClient) EmitAuthenticated() bool {
	return f.Emit(Event{Type: EventAuthenticated})
}

// EmitReady emits a ready event.
func (f *FakeClient) EmitReady() bool {
	return f.Emit(Event{Type: EventReady})
}

// EmitDisconnected emits a disconnected event.
func (f *FakeClient) EmitDisconnected(reason string) bool {
	return f.Emit(Event{Type: EventDisconnected, Reason: reason})
}

// EmitFailure emits an unrecoverable client error.
func (f *FakeClient) EmitFailure(err error) bool {
	return f.Emit(Event{Type: EventFailure, Err: err})
}

// EmitMessage emits an inbound message event.
func (f *FakeClient) EmitMessage(msg InboundMessage) bool {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return f.Emit(Event{Type: EventMessage, Message: &msg})
}

// SetNormalizer replaces the identity contact id normalization.
func (f *FakeClient) SetNormalizer(fn func(string) (string, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.normalize = fn
}

// OnSend runs fn at the start of every Send; a non-nil error fails the send.
func (f *FakeClient) OnSend(fn func(ctx context.Context) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendHook = fn
}

// SetInitError makes Initialize fail.
func (f *FakeClient) SetInitError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initErr = err
}

// SetSendError makes Send fail; nil restores success.
func (f *FakeClient) SetSendError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// SetLookupError makes every lookup fail; nil restores the name table.
func (f *FakeClient) SetLookupError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookupErr = err
}

// SetContactName registers a display name for an author id.
func (f *FakeClient) SetContactName(authorID, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names[authorID] = name
}

// Sent returns a copy of the successfully sent messages.
func (f *FakeClient) Sent() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

// Lookups returns how many name lookups were attempted.
func (f *FakeClient) Lookups() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups
}

// Initialized reports whether Initialize succeeded.
func (f *FakeClient) Initialized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initialized
}

// Closed reports whether Close was called.
func (f *FakeClient) Closed() bool {
	return f.isClosed()
}

func (f *FakeClient) isClosed() bool {
	return f.stream.Closed()
}

// FakeFactory builds FakeClients and remembers the latest one per tenant.
type FakeFactory struct {
	mu      sync.Mutex
	clients map[string]*FakeClient
	created int
	buffer  int
	err     error
	delay   time.Duration
	prepare func(*FakeClient)
}

// NewFakeFactory creates a factory whose clients buffer 64 events.
func NewFakeFactory() *FakeFactory {
	return &FakeFactory{clients: make(map[string]*FakeClient), buffer: 64}
}

// NewClient creates a FakeClient unless an error is configured.
func (f *FakeFactory) NewClient(ctx context.Context, tenantID string) (Client, error) {
	f.mu.Lock()
	delay, err, prepare := f.delay, f.err, f.prepare
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	c := NewFakeClient(tenantID, f.buffer)
	if prepare != nil {
		prepare(c)
	}

	f.mu.Lock()
	f.clients[tenantID] = c
	f.created++
	f.mu.Unlock()
	return c, nil
}

// SetError makes NewClient fail; nil restores success.
func (f *FakeFactory) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// SetDelay slows construction down, widening race windows in tests.
func (f *FakeFactory) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// OnCreate runs fn on every new client before it is returned.
func (f *FakeFactory) OnCreate(fn func(*FakeClient)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepare = fn
}

// Client returns the latest client built for tenantID.
func (f *FakeFactory) Client(tenantID string) (*FakeClient, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[tenantID]
	return c, ok
}

// Created returns the number of clients built.
func (f *FakeFactory) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}
