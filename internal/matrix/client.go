// ABOUTME: chat.Client implementation backed by a mautrix homeserver connection
// ABOUTME: Rooms are remote contacts; the first completed sync marks the client ready

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-inbox/internal/chat"
)

var (
	ErrWrongAccount  = errors.New("matrix: access token belongs to a different user")
	ErrNoDisplayName = errors.New("matrix: no display name")
	ErrInvalidRoom   = errors.New("matrix: invalid room id")
)

// failFastSyncer ends the sync loop on the first error so the session can
// report a failure instead of retrying silently.
type failFastSyncer struct {
	*mautrix.DefaultSyncer
}

func (s failFastSyncer) OnFailedSync(_ *mautrix.RespSync, err error) (time.Duration, error) {
	return 0, err
}

// Client is one tenant's Matrix connection.
type Client struct {
	mx     *mautrix.Client
	stream *chat.EventStream
	logger *slog.Logger

	readyOnce  sync.Once
	closeOnce  sync.Once
	syncCtx    context.Context
	cancelSync context.CancelFunc
	syncDone   chan struct{}
}

func newClient(mx *mautrix.Client, buffer int, logger *slog.Logger) *Client {
	syncCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		mx:         mx,
		stream:     chat.NewEventStream(buffer),
		logger:     logger,
		syncCtx:    syncCtx,
		cancelSync: cancel,
		syncDone:   make(chan struct{}),
	}

	syncer := mautrix.NewDefaultSyncer()
	syncer.OnSync(c.onSync)
	syncer.OnEventType(event.EventMessage, c.onMessage)
	mx.Syncer = failFastSyncer{syncer}
	return c
}

// Initialize verifies the access token and starts the sync loop.
func (c *Client) Initialize(ctx context.Context) error {
	if c.stream.Closed() {
		return chat.ErrClosed
	}

	resp, err := c.mx.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("matrix whoami: %w", err)
	}
	if resp.UserID != c.mx.UserID {
		return fmt.Errorf("%w: %s", ErrWrongAccount, resp.UserID)
	}
	c.logger.Info("matrix token verified", "user_id", resp.UserID.String())
	c.stream.Emit(chat.Event{Type: chat.EventAuthenticated})

	go c.sync()
	return nil
}

func (c *Client) sync() {
	defer close(c.syncDone)
	err := c.mx.SyncWithContext(c.syncCtx)
	if c.syncCtx.Err() != nil {
		return
	}
	if err == nil {
		c.stream.Emit(chat.Event{Type: chat.EventDisconnected, Reason: "sync stopped"})
		return
	}
	c.logger.Error("matrix sync failed", "error", err)
	c.stream.Emit(chat.Event{Type: chat.EventFailure, Err: fmt.Errorf("matrix sync: %w", err)})
}

// onSync reports readiness on the first response and skips the initial
// backlog so history is not replayed as new messages.
func (c *Client) onSync(_ context.Context, _ *mautrix.RespSync, since string) bool {
	c.readyOnce.Do(func() {
		c.stream.Emit(chat.Event{Type: chat.EventReady})
	})
	return since != ""
}

func (c *Client) onMessage(_ context.Context, evt *event.Event) {
	msg, ok := inboundMessage(evt, c.mx.UserID)
	if !ok {
		return
	}
	c.stream.Emit(chat.Event{Type: chat.EventMessage, Message: &msg})
}

// inboundMessage converts a room text message. Other message types are skipped.
func inboundMessage(evt *event.Event, self id.UserID) (chat.InboundMessage, bool) {
	if evt == nil {
		return chat.InboundMessage{}, false
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.Body == "" {
		return chat.InboundMessage{}, false
	}
	if content.MsgType != event.MsgText && content.MsgType != event.MsgNotice {
		return chat.InboundMessage{}, false
	}
	return chat.InboundMessage{
		ID:              evt.ID.String(),
		RemoteContactID: evt.RoomID.String(),
		Text:            content.Body,
		AuthorID:        evt.Sender.String(),
		FromSelf:        evt.Sender == self,
		Timestamp:       time.UnixMilli(evt.Timestamp),
	}, true
}

// Events returns the translated event stream.
func (c *Client) Events() <-chan chat.Event {
	return c.stream.Events()
}

// Send posts a plain text message to the room.
func (c *Client) Send(ctx context.Context, remoteContactID, text string) error {
	if c.stream.Closed() {
		return chat.ErrClosed
	}
	if _, err := c.mx.SendText(ctx, id.RoomID(remoteContactID), text); err != nil {
		return fmt.Errorf("sending matrix message: %w", err)
	}
	return nil
}

// NormalizeContactID accepts a room id such as "!abc:example.org". Aliases
// are rejected since inbound messages always carry the room id.
func (c *Client) NormalizeContactID(remoteContactID string) (string, error) {
	return canonicalRoomID(remoteContactID)
}

func canonicalRoomID(remoteContactID string) (string, error) {
	room := strings.TrimSpace(remoteContactID)
	if !strings.HasPrefix(room, "!") || !strings.Contains(room, ":") {
		return "", fmt.Errorf("%w: %q", ErrInvalidRoom, remoteContactID)
	}
	return room, nil
}

// LookupContactName returns the author's profile display name.
func (c *Client) LookupContactName(ctx context.Context, authorID string) (string, error) {
	resp, err := c.mx.GetDisplayName(ctx, id.UserID(authorID))
	if err != nil {
		return "", fmt.Errorf("matrix display name: %w", err)
	}
	if resp == nil || resp.DisplayName == "" {
		return "", ErrNoDisplayName
	}
	return resp.DisplayName, nil
}

// Close stops syncing and closes the event stream.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.stream.Close()
		c.cancelSync()
		c.mx.StopSync()
	})
	return nil
}
