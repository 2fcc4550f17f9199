// ABOUTME: Tests for the mautrix-backed client against an httptest homeserver
// ABOUTME: Covers whoami, readiness, backlog skipping, inbound text, send and display names

package matrix

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-inbox/internal/chat"
)

const (
	testUser = "@inbox:example.org"
	testRoom = "!room:example.org"
)

// fakeHomeserver serves the handful of client-server endpoints the client uses.
type fakeHomeserver struct {
	t        *testing.T
	whoami   string
	syncs    atomic.Int32
	failSync bool

	mu   sync.Mutex
	sent []string
}

func messageSync(batch, eventID, sender, body string) map[string]any {
	return map[string]any{
		"next_batch": batch,
		"rooms": map[string]any{
			"join": map[string]any{
				testRoom: map[string]any{
					"timeline": map[string]any{
						"events": []any{map[string]any{
							"type":             "m.room.message",
							"event_id":         eventID,
							"sender":           sender,
							"origin_server_ts": 1714564800000,
							"content":          map[string]any{"msgtype": "m.text", "body": body},
						}},
					},
				},
			},
		},
	}
}

func (h *fakeHomeserver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	path := r.URL.Path
	switch {
	case strings.HasSuffix(path, "/account/whoami"):
		_ = json.NewEncoder(w).Encode(map[string]string{"user_id": h.whoami})
	case strings.HasSuffix(path, "/filter"):
		_ = json.NewEncoder(w).Encode(map[string]string{"filter_id": "1"})
	case strings.HasSuffix(path, "/sync"):
		if h.failSync {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"errcode":"M_FORBIDDEN","error":"nope"}`))
			return
		}
		switch h.syncs.Add(1) {
		case 1:
			_ = json.NewEncoder(w).Encode(messageSync("s1", "$old", "@maria:example.org", "history"))
		case 2:
			_ = json.NewEncoder(w).Encode(messageSync("s2", "$new", "@maria:example.org", "Olá"))
		default:
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"next_batch": "s3"})
		}
	case strings.Contains(path, "/send/m.room.message/"):
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		h.mu.Lock()
		h.sent = append(h.sent, body["body"].(string))
		h.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"event_id": "$sent"})
	case strings.HasSuffix(path, "/displayname"):
		if strings.Contains(path, "unknown") {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errcode":"M_NOT_FOUND","error":"no profile"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"displayname": "Maria Silva"})
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errcode":"M_UNRECOGNIZED","error":"unknown endpoint"}`))
	}
}

func (h *fakeHomeserver) Sent() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.sent...)
}

func newTestClient(t *testing.T, hs *fakeHomeserver) *Client {
	t.Helper()
	srv := httptest.NewServer(hs)
	t.Cleanup(srv.Close)

	f, err := NewFactory(Config{Homeserver: srv.URL, UserID: testUser, AccessToken: "token", Tenant: "acme", EventBuffer: 8})
	require.NoError(t, err)
	c, err := f.NewClient(context.Background(), "acme")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c.(*Client)
}

func nextEvent(t *testing.T, c *Client) chat.Event {
	t.Helper()
	select {
	case evt, ok := <-c.Events():
		require.True(t, ok, "events closed")
		return evt
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return chat.Event{}
}

func TestNewFactory_RequiresCredentials(t *testing.T) {
	_, err := NewFactory(Config{Homeserver: "https://h"})
	assert.Error(t, err)

	_, err = NewFactory(Config{Homeserver: "https://h", UserID: testUser, AccessToken: "token"})
	assert.Error(t, err, "an account must be bound to a tenant")
}

func TestFactory_RefusesOtherTenants(t *testing.T) {
	f, err := NewFactory(Config{Homeserver: "https://h", UserID: testUser, AccessToken: "token", Tenant: "acme"})
	require.NoError(t, err)

	_, err = f.NewClient(context.Background(), "globex")
	assert.ErrorIs(t, err, ErrTenantNotBound)

	c, err := f.NewClient(context.Background(), "acme")
	require.NoError(t, err)
	require.NoError(t, c.Close())
}

func TestClient_LifecycleAndInbound(t *testing.T) {
	hs := &fakeHomeserver{t: t, whoami: testUser}
	c := newTestClient(t, hs)

	require.NoError(t, c.Initialize(context.Background()))

	assert.Equal(t, chat.EventAuthenticated, nextEvent(t, c).Type)
	assert.Equal(t, chat.EventReady, nextEvent(t, c).Type)

	evt := nextEvent(t, c)
	require.Equal(t, chat.EventMessage, evt.Type, "backlog from the first sync must be skipped")
	assert.Equal(t, "$new", evt.Message.ID)
	assert.Equal(t, testRoom, evt.Message.RemoteContactID)
	assert.Equal(t, "Olá", evt.Message.Text)
	assert.Equal(t, "@maria:example.org", evt.Message.AuthorID)
	assert.False(t, evt.Message.FromSelf)
}

func TestClient_WrongAccount(t *testing.T) {
	c := newTestClient(t, &fakeHomeserver{t: t, whoami: "@someone:example.org"})
	assert.ErrorIs(t, c.Initialize(context.Background()), ErrWrongAccount)
}

func TestClient_SyncErrorIsFailure(t *testing.T) {
	c := newTestClient(t, &fakeHomeserver{t: t, whoami: testUser, failSync: true})
	require.NoError(t, c.Initialize(context.Background()))

	assert.Equal(t, chat.EventAuthenticated, nextEvent(t, c).Type)
	evt := nextEvent(t, c)
	assert.Equal(t, chat.EventFailure, evt.Type)
	assert.Error(t, evt.Err)
}

func TestClient_SendAndLookup(t *testing.T) {
	hs := &fakeHomeserver{t: t, whoami: testUser}
	c := newTestClient(t, hs)
	ctx := context.Background()

	require.NoError(t, c.Send(ctx, testRoom, "Oi, tudo bem?"))
	assert.Equal(t, []string{"Oi, tudo bem?"}, hs.Sent())

	name, err := c.LookupContactName(ctx, "@maria:example.org")
	require.NoError(t, err)
	assert.Equal(t, "Maria Silva", name)

	_, err = c.LookupContactName(ctx, "@unknown:example.org")
	assert.Error(t, err)
}

func TestCanonicalRoomID(t *testing.T) {
	evt := &event.Event{
		ID:      "$e",
		RoomID:  testRoom,
		Sender:  "@maria:example.org",
		Content: event.Content{Parsed: &event.MessageEventContent{MsgType: event.MsgText, Body: "hi"}},
	}
	msg, ok := inboundMessage(evt, id.UserID(testUser))
	require.True(t, ok)

	got, err := canonicalRoomID("  " + testRoom + " ")
	require.NoError(t, err)
	assert.Equal(t, msg.RemoteContactID, got)

	for _, bad := range []string{"", "#alias:example.org", "room", "!noserver"} {
		_, err := canonicalRoomID(bad)
		assert.ErrorIs(t, err, ErrInvalidRoom, bad)
	}
}

func TestClient_CloseSemantics(t *testing.T) {
	c := newTestClient(t, &fakeHomeserver{t: t, whoami: testUser})

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	_, ok := <-c.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, c.Send(context.Background(), testRoom, "hi"), chat.ErrClosed)
	assert.ErrorIs(t, c.Initialize(context.Background()), chat.ErrClosed)
}

func TestInboundMessage_Filters(t *testing.T) {
	self := id.UserID(testUser)
	mk := func(msgType event.MessageType, body string, sender id.UserID) *event.Event {
		return &event.Event{
			ID:        "$e",
			RoomID:    testRoom,
			Sender:    sender,
			Timestamp: 1714564800000,
			Content:   event.Content{Parsed: &event.MessageEventContent{MsgType: msgType, Body: body}},
		}
	}

	msg, ok := inboundMessage(mk(event.MsgText, "hello", "@maria:example.org"), self)
	require.True(t, ok)
	assert.Equal(t, time.UnixMilli(1714564800000), msg.Timestamp)

	msg, ok = inboundMessage(mk(event.MsgText, "echo", self), self)
	require.True(t, ok)
	assert.True(t, msg.FromSelf)

	_, ok = inboundMessage(mk(event.MsgImage, "cat.png", "@maria:example.org"), self)
	assert.False(t, ok)
	_, ok = inboundMessage(mk(event.MsgText, "", "@maria:example.org"), self)
	assert.False(t, ok)
	_, ok = inboundMessage(nil, self)
	assert.False(t, ok)
}
