// ABOUTME: Tests for the session registry: start/stop, concurrency and persistence
// ABOUTME: Uses the fake chat factory and the in-memory document store

package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-inbox/internal/chat"
	"github.com/2389/coven-inbox/internal/docstore"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type recordingHandler struct {
	mu       sync.Mutex
	messages []chat.InboundMessage
	err      error
	hold     chan struct{} // when set, each call blocks until it is closed
}

func (h *recordingHandler) HandleInbound(ctx context.Context, tenantID string, msg chat.InboundMessage, contacts chat.ContactDirectory) error {
	h.mu.Lock()
	h.messages = append(h.messages, msg)
	hold, err := h.hold, h.err
	h.mu.Unlock()
	if hold != nil {
		<-hold
	}
	return err
}

// holdCalls makes HandleInbound block until the returned func is called.
func (h *recordingHandler) holdCalls() func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hold = make(chan struct{})
	var once sync.Once
	hold := h.hold
	return func() { once.Do(func() { close(hold) }) }
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

type fixture struct {
	registry *Registry
	factory  *chat.FakeFactory
	store    *docstore.MemoryStore
	inbound  *recordingHandler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		factory: chat.NewFakeFactory(),
		store:   docstore.NewMemoryStore(),
		inbound: &recordingHandler{},
	}
	f.registry = NewRegistry(Config{
		Factory:      f.factory,
		Store:        f.store,
		Inbound:      f.inbound,
		StoreTimeout: time.Second,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.registry.Close(ctx)
		_ = f.store.Close()
	})
	return f
}

// client waits for the fake client of a started tenant.
func (f *fixture) client(t *testing.T, tenantID string) *chat.FakeClient {
	t.Helper()
	var c *chat.FakeClient
	require.Eventually(t, func() bool {
		var ok bool
		c, ok = f.factory.Client(tenantID)
		return ok && c.Initialized()
	}, waitFor, tick)
	return c
}

func (f *fixture) sessionDoc(t *testing.T, tenantID string) *docstore.Document {
	t.Helper()
	path, err := docstore.SessionPath(tenantID)
	require.NoError(t, err)
	doc, err := f.store.Get(context.Background(), path)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil
	}
	require.NoError(t, err)
	return doc
}

func (f *fixture) waitStatus(t *testing.T, tenantID, status string) *docstore.Document {
	t.Helper()
	var doc *docstore.Document
	require.Eventually(t, func() bool {
		doc = f.sessionDoc(t, tenantID)
		return doc != nil && doc.String(FieldStatus) == status
	}, waitFor, tick, "session %s never reached status %s", tenantID, status)
	return doc
}

func (f *fixture) waitState(t *testing.T, tenantID string, state State) {
	t.Helper()
	require.Eventually(t, func() bool {
		sess, err := f.registry.Get(tenantID)
		return err == nil && sess.State() == state
	}, waitFor, tick, "session %s never reached state %s", tenantID, state)
}

func (f *fixture) startReady(t *testing.T, tenantID string) *chat.FakeClient {
	t.Helper()
	result, err := f.registry.Start(context.Background(), tenantID)
	require.NoError(t, err)
	require.Equal(t, Started, result)
	c := f.client(t, tenantID)
	require.True(t, c.EmitReady())
	f.waitState(t, tenantID, StateReady)
	return c
}

func TestStartRegistersSession(t *testing.T) {
	f := newFixture(t)

	result, err := f.registry.Start(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, Started, result)

	sess, err := f.registry.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", sess.TenantID)

	doc := f.waitStatus(t, "t1", StatusLoading)
	assert.True(t, doc.IsNull(FieldPairingArtifact))
	_, ok := doc.Time(FieldLastUpdated)
	assert.True(t, ok)

	assert.Equal(t, 1, f.registry.Count())
}

func TestStartTwiceReportsAlreadyRunning(t *testing.T) {
	f := newFixture(t)

	_, err := f.registry.Start(context.Background(), "t1")
	require.NoError(t, err)

	result, err := f.registry.Start(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, AlreadyRunning, result)
	assert.Equal(t, 1, f.factory.Created())
}

func TestConcurrentStartCreatesOneSession(t *testing.T) {
	f := newFixture(t)
	f.factory.SetDelay(20 * time.Millisecond)

	const callers = 16
	var started, running atomic.Int32
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.registry.Start(context.Background(), "t1")
			if !assert.NoError(t, err) {
				return
			}
			switch result {
			case Started:
				started.Add(1)
			case AlreadyRunning:
				running.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), started.Load())
	assert.Equal(t, int32(callers-1), running.Load())
	assert.Equal(t, 1, f.factory.Created())
	assert.Equal(t, 1, f.registry.Count())
}

func TestStartFailureRegistersNothing(t *testing.T) {
	f := newFixture(t)
	f.factory.SetError(errors.New("device store unavailable"))

	_, err := f.registry.Start(context.Background(), "t1")
	require.ErrorIs(t, err, ErrStartFailed)

	_, err = f.registry.Get("t1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Nil(t, f.sessionDoc(t, "t1"))

	// The slot is free again once construction succeeds.
	f.factory.SetError(nil)
	result, err := f.registry.Start(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, Started, result)
}

func TestStartRejectsInvalidTenant(t *testing.T) {
	f := newFixture(t)

	for _, tenant := range []string{"", "a/b"} {
		_, err := f.registry.Start(context.Background(), tenant)
		assert.ErrorIs(t, err, ErrInvalidTenant, "tenant %q", tenant)
	}
	assert.Zero(t, f.factory.Created())
}

func TestGetUnknownTenant(t *testing.T) {
	f := newFixture(t)

	_, err := f.registry.Get("nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStopPersistsDisconnected(t *testing.T) {
	f := newFixture(t)
	c := f.startReady(t, "t1")

	require.NoError(t, f.registry.Stop(context.Background(), "t1"))

	_, err := f.registry.Get("t1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, c.Closed())

	doc := f.sessionDoc(t, "t1")
	require.NotNil(t, doc)
	assert.Equal(t, StatusDisconnected, doc.String(FieldStatus))
	assert.True(t, doc.IsNull(FieldPairingArtifact))
}

func TestStopUnknownTenant(t *testing.T) {
	f := newFixture(t)

	err := f.registry.Stop(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStopWaitsForInFlightWork(t *testing.T) {
	f := newFixture(t)
	f.startReady(t, "t1")

	sess, err := f.registry.Get("t1")
	require.NoError(t, err)

	entered := make(chan struct{})
	var finished atomic.Bool
	go func() {
		_ = sess.Do(context.Background(), func(ctx context.Context, client chat.Client) error {
			close(entered)
			time.Sleep(50 * time.Millisecond)
			finished.Store(true)
			return nil
		})
	}()
	<-entered

	require.NoError(t, f.registry.Stop(context.Background(), "t1"))
	assert.True(t, finished.Load(), "stop returned before in-flight work completed")
}

func TestDoAfterStopReturnsStopped(t *testing.T) {
	f := newFixture(t)
	f.startReady(t, "t1")

	sess, err := f.registry.Get("t1")
	require.NoError(t, err)
	require.NoError(t, f.registry.Stop(context.Background(), "t1"))

	err = sess.Do(context.Background(), func(ctx context.Context, client chat.Client) error {
		t.Error("work ran on a stopped session")
		return nil
	})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestRestartAfterStop(t *testing.T) {
	f := newFixture(t)
	f.startReady(t, "t1")
	require.NoError(t, f.registry.Stop(context.Background(), "t1"))

	result, err := f.registry.Start(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, Started, result)
	f.waitStatus(t, "t1", StatusLoading)
	assert.Equal(t, 2, f.factory.Created())
}

func TestStopDuringConstruction(t *testing.T) {
	f := newFixture(t)
	f.factory.SetDelay(100 * time.Millisecond)

	errCh := make(chan error, 1)
	go func() {
		_, err := f.registry.Start(context.Background(), "t1")
		errCh <- err
	}()

	require.Eventually(t, func() bool { return f.registry.Count() == 1 }, waitFor, tick)
	require.NoError(t, f.registry.Stop(context.Background(), "t1"))

	err := <-errCh
	assert.ErrorIs(t, err, ErrStartFailed)
	assert.Zero(t, f.registry.Count())

	c, ok := f.factory.Client("t1")
	require.True(t, ok)
	assert.True(t, c.Closed())
}

func TestListOrdersByTenant(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"charlie", "alpha", "bravo"} {
		_, err := f.registry.Start(context.Background(), id)
		require.NoError(t, err)
	}

	list := f.registry.List()
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].TenantID)
	assert.Equal(t, "bravo", list[1].TenantID)
	assert.Equal(t, "charlie", list[2].TenantID)
}

func TestCloseStopsAllAndRejectsStart(t *testing.T) {
	f := newFixture(t)
	a := f.startReady(t, "a")
	b := f.startReady(t, "b")

	require.NoError(t, f.registry.Close(context.Background()))

	assert.Zero(t, f.registry.Count())
	assert.True(t, a.Closed())
	assert.True(t, b.Closed())

	_, err := f.registry.Start(context.Background(), "c")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStartResultString(t *testing.T) {
	assert.Equal(t, "not started", NotStarted.String())
	assert.Equal(t, "started", Started.String())
	assert.Equal(t, "already running", AlreadyRunning.String())
}

func TestStartErrorsReportNotStarted(t *testing.T) {
	f := newFixture(t)

	result, err := f.registry.Start(context.Background(), "bad/tenant")
	require.ErrorIs(t, err, ErrInvalidTenant)
	assert.Equal(t, NotStarted, result)

	f.factory.SetError(errors.New("boom"))
	result, err = f.registry.Start(context.Background(), "t1")
	require.ErrorIs(t, err, ErrStartFailed)
	assert.Equal(t, NotStarted, result)

	var zero StartResult
	assert.Equal(t, NotStarted, zero)
}

func TestStopTimeoutStillFinalizesSession(t *testing.T) {
	f := newFixture(t)
	c := f.startReady(t, "t1")
	f.waitStatus(t, "t1", StatusConnected)

	release := f.inbound.holdCalls()
	defer release()
	require.True(t, c.EmitMessage(chat.InboundMessage{ID: "m1", RemoteContactID: "5511999999999", Text: "hi"}))
	require.Eventually(t, func() bool { return f.inbound.count() == 1 }, waitFor, tick)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := f.registry.Stop(ctx, "t1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = f.registry.Get("t1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, c.Closed(), "client closed while the worker was still busy")

	release()
	require.Eventually(t, c.Closed, waitFor, tick, "client never closed after stop timed out")
	doc := f.waitStatus(t, "t1", StatusDisconnected)
	assert.True(t, doc.IsNull(FieldPairingArtifact))
}

func TestRestartDuringDrainKeepsNewSessionState(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	var seen []State
	f.registry.AddObserver(ObserverFunc(func(tenantID string, state State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, state)
	}))

	old := f.startReady(t, "t1")
	f.waitStatus(t, "t1", StatusConnected)
	oldSess, err := f.registry.Get("t1")
	require.NoError(t, err)

	release := f.inbound.holdCalls()
	defer release()
	require.True(t, old.EmitMessage(chat.InboundMessage{ID: "m1", RemoteContactID: "5511999999999", Text: "hi"}))
	require.Eventually(t, func() bool { return f.inbound.count() == 1 }, waitFor, tick)

	stopped := make(chan error, 1)
	go func() { stopped <- f.registry.Stop(context.Background(), "t1") }()
	require.Eventually(t, func() bool {
		_, err := f.registry.Get("t1")
		return errors.Is(err, ErrNotFound)
	}, waitFor, tick)

	result, err := f.registry.Start(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, Started, result)
	require.Eventually(t, func() bool { return f.factory.Created() == 2 }, waitFor, tick)
	fresh := f.client(t, "t1")
	require.NotSame(t, old, fresh)
	require.True(t, fresh.EmitPairingCode("ABC123"))
	f.waitState(t, "t1", StateAwaitingPairing)

	release()
	require.NoError(t, <-stopped)
	<-oldSess.Done()
	assert.True(t, old.Closed())

	doc := f.sessionDoc(t, "t1")
	require.NotNil(t, doc)
	assert.Equal(t, StatusQRCode, doc.String(FieldStatus))
	assert.Equal(t, "ABC123", doc.String(FieldPairingArtifact))

	sess, err := f.registry.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingPairing, sess.State())
	assert.Equal(t, StateDisconnected, oldSess.State())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, StateAwaitingPairing, seen[len(seen)-1])
}
