// ABOUTME: Tests for the whatsmeow-backed client against a real on-disk device store
// ABOUTME: Exercises event handling, device persistence and close semantics without network

package whatsapp

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/2389/coven-inbox/internal/chat"
	"github.com/2389/coven-inbox/internal/docstore"
)

func newTestFactory(t *testing.T) (*Factory, *docstore.MemoryStore) {
	t.Helper()
	store := docstore.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	f, err := NewFactory(context.Background(), Config{
		DeviceStore: filepath.Join(t.TempDir(), "whatsmeow.db"),
		Store:       store,
		EventBuffer: 8,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f, store
}

func newTestClient(t *testing.T, tenantID string) (*Client, *docstore.MemoryStore) {
	t.Helper()
	f, store := newTestFactory(t)
	c, err := f.NewClient(context.Background(), tenantID)
	require.NoError(t, err)
	client := c.(*Client)
	t.Cleanup(func() { _ = client.Close() })
	return client, store
}

func TestNewFactory_Validation(t *testing.T) {
	_, err := NewFactory(context.Background(), Config{DeviceStore: "x.db"})
	assert.Error(t, err)

	_, err = NewFactory(context.Background(), Config{Store: docstore.NewMemoryStore()})
	assert.Error(t, err)
}

func TestFactory_NewClientForUnpairedTenant(t *testing.T) {
	c, _ := newTestClient(t, "acme")
	assert.Nil(t, c.wa.Store.ID)
	assert.False(t, c.wa.EnableAutoReconnect)
}

func TestFactory_MalformedDeviceJIDFallsBackToNewDevice(t *testing.T) {
	f, store := newTestFactory(t)
	ctx := context.Background()

	path, err := docstore.SessionPath("acme")
	require.NoError(t, err)
	require.NoError(t, store.SetMerge(ctx, path, docstore.Fields{FieldDeviceJID: "@@@"}))

	c, err := f.NewClient(ctx, "acme")
	require.NoError(t, err)
	defer c.Close()
	assert.Nil(t, c.(*Client).wa.Store.ID)
}

func TestFactory_RejectsInvalidTenant(t *testing.T) {
	f, _ := newTestFactory(t)
	_, err := f.NewClient(context.Background(), "bad/tenant")
	assert.ErrorIs(t, err, docstore.ErrInvalidPath)
}

func TestClient_PairSuccessRemembersDevice(t *testing.T) {
	c, store := newTestClient(t, "acme")
	jid := types.NewJID("5511988887777", types.DefaultUserServer)
	jid.Device = 12

	c.handleEvent(&events.PairSuccess{ID: jid})

	evt := <-c.Events()
	assert.Equal(t, chat.EventAuthenticated, evt.Type)

	path, _ := docstore.SessionPath("acme")
	doc, err := store.Get(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, jid.String(), doc.String(FieldDeviceJID))
}

func TestClient_LoggedOutForgetsDevice(t *testing.T) {
	c, store := newTestClient(t, "acme")
	ctx := context.Background()
	path, _ := docstore.SessionPath("acme")
	require.NoError(t, store.SetMerge(ctx, path, docstore.Fields{FieldDeviceJID: "5511988887777.0:12@s.whatsapp.net", "status": "conectado"}))

	c.handleEvent(&events.LoggedOut{})

	evt := <-c.Events()
	assert.Equal(t, chat.EventDisconnected, evt.Type)

	doc, err := store.Get(ctx, path)
	require.NoError(t, err)
	assert.True(t, doc.IsNull(FieldDeviceJID))
	assert.Equal(t, "conectado", doc.String("status"))
}

func TestClient_MessageEvent(t *testing.T) {
	c, _ := newTestClient(t, "acme")

	c.handleEvent(textMessage("5511999999999", "Olá"))

	select {
	case evt := <-c.Events():
		require.Equal(t, chat.EventMessage, evt.Type)
		assert.Equal(t, "Olá", evt.Message.Text)
	case <-time.After(time.Second):
		t.Fatal("no message event")
	}
}

func TestClient_CloseSemantics(t *testing.T) {
	c, _ := newTestClient(t, "acme")

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, ok := <-c.Events()
	assert.False(t, ok)

	assert.ErrorIs(t, c.Send(context.Background(), "5511999999999", "hi"), chat.ErrClosed)
	assert.ErrorIs(t, c.Initialize(context.Background()), chat.ErrClosed)

	// handler calls after close are dropped rather than panicking
	c.handleEvent(&events.Connected{})
}

func TestClient_LookupUnknownContact(t *testing.T) {
	c, _ := newTestClient(t, "acme")
	_, err := c.LookupContactName(context.Background(), "5511999999999@s.whatsapp.net")
	assert.Error(t, err)
}

func TestSlogAdapter_SubModules(t *testing.T) {
	l := newLogger(slog.Default(), "store").Sub("upgrade")
	adapter, ok := l.(slogAdapter)
	require.True(t, ok)
	assert.Equal(t, "store/upgrade", adapter.module)
	l.Debugf("upgrading to version %d", 3)
}
