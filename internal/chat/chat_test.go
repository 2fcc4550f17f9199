// ABOUTME: Tests for the fake client, factory and multi-backend routing
// ABOUTME: The fakes back most higher-level tests, so their semantics are pinned here

package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeClient_EmitAndClose(t *testing.T) {
	c := NewFakeClient("acme", 4)

	require.True(t, c.EmitPairingCode("ABC123"))
	require.True(t, c.EmitReady())

	evt := <-c.Events()
	assert.Equal(t, EventPairingCode, evt.Type)
	assert.Equal(t, "ABC123", evt.Code)
	evt = <-c.Events()
	assert.Equal(t, EventReady, evt.Type)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, c.Closed())
	assert.False(t, c.EmitReady())

	_, ok := <-c.Events()
	assert.False(t, ok)
}

func TestFakeClient_CloseUnblocksPendingEmit(t *testing.T) {
	c := NewFakeClient("acme", 0)

	result := make(chan bool, 1)
	go func() { result <- c.EmitReady() }()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case ok := <-result:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Emit stayed blocked after Close")
	}
}

func TestFakeClient_SendAndLookup(t *testing.T) {
	c := NewFakeClient("acme", 1)
	ctx := context.Background()

	require.NoError(t, c.Send(ctx, "5511999999999", "Oi"))
	c.SetSendError(errors.New("network down"))
	assert.Error(t, c.Send(ctx, "5511999999999", "again"))
	require.Len(t, c.Sent(), 1)
	assert.Equal(t, "Oi", c.Sent()[0].Text)

	c.SetContactName("5511999999999@s.whatsapp.net", "Maria")
	name, err := c.LookupContactName(ctx, "5511999999999@s.whatsapp.net")
	require.NoError(t, err)
	assert.Equal(t, "Maria", name)

	_, err = c.LookupContactName(ctx, "unknown")
	assert.Error(t, err)
	assert.Equal(t, 2, c.Lookups())

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Send(ctx, "x", "y"), ErrClosed)
}

func TestFakeFactory(t *testing.T) {
	f := NewFakeFactory()
	ctx := context.Background()

	f.OnCreate(func(c *FakeClient) { c.SetContactName("a", "Ana") })
	c, err := f.NewClient(ctx, "acme")
	require.NoError(t, err)

	fake, ok := f.Client("acme")
	require.True(t, ok)
	assert.Same(t, c, Client(fake))
	name, err := fake.LookupContactName(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "Ana", name)

	f.SetError(errors.New("resource exhausted"))
	_, err = f.NewClient(ctx, "other")
	assert.Error(t, err)
	assert.Equal(t, 1, f.Created())
}

func TestFakeFactory_ConcurrentCreation(t *testing.T) {
	f := NewFakeFactory()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.NewClient(context.Background(), "acme")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, f.Created())
}

func TestMultiFactory_RoutesByAssignment(t *testing.T) {
	wa := NewFakeFactory()
	mx := NewFakeFactory()

	m := NewMultiFactory("whatsapp")
	m.Register("whatsapp", wa)
	m.Register("matrix", mx)
	m.Assign("lab", "matrix")
	assert.ElementsMatch(t, []string{"whatsapp", "matrix"}, m.Backends())

	ctx := context.Background()
	_, err := m.NewClient(ctx, "acme")
	require.NoError(t, err)
	_, err = m.NewClient(ctx, "lab")
	require.NoError(t, err)

	assert.Equal(t, 1, wa.Created())
	assert.Equal(t, 1, mx.Created())

	m.Assign("ghost", "telegram")
	_, err = m.NewClient(ctx, "ghost")
	assert.Error(t, err)
}

func TestEventString(t *testing.T) {
	assert.Equal(t, "ready", Event{Type: EventReady}.String())
	assert.Equal(t, "pairing_code(len=6)", Event{Type: EventPairingCode, Code: "ABC123"}.String())
	assert.Equal(t, "message(from=c1)", Event{Type: EventMessage, Message: &InboundMessage{RemoteContactID: "c1"}}.String())
}

func TestEventStream_ConcurrentEmitAndClose(t *testing.T) {
	s := NewEventStream(1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if !s.Emit(Event{Type: EventReady}) {
					return
				}
			}
		}()
	}

	go func() {
		for range s.Events() {
		}
	}()

	time.Sleep(5 * time.Millisecond)
	s.Close()
	wg.Wait()

	assert.True(t, s.Closed())
	assert.False(t, s.Emit(Event{Type: EventReady}))
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed")
	}
}
