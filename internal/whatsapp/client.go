// ABOUTME: chat.Client implementation backed by a whatsmeow connection
// ABOUTME: Bridges whatsmeow events, QR pairing codes and sends onto the chat contract

package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/2389/coven-inbox/internal/chat"
	"github.com/2389/coven-inbox/internal/docstore"
)

// FieldDeviceJID is the session document field holding the paired device.
const FieldDeviceJID = "deviceJid"

// Client is one tenant's WhatsApp connection.
type Client struct {
	tenantID     string
	wa           *whatsmeow.Client
	store        docstore.Store
	storeTimeout time.Duration
	stream       *chat.EventStream
	logger       *slog.Logger

	mu        sync.Mutex
	handlerID uint32
	cancelQR  context.CancelFunc
	closeOnce sync.Once
}

func newClient(tenantID string, wa *whatsmeow.Client, store docstore.Store, buffer int, storeTimeout time.Duration, logger *slog.Logger) *Client {
	wa.EnableAutoReconnect = false
	return &Client{
		tenantID:     tenantID,
		wa:           wa,
		store:        store,
		storeTimeout: storeTimeout,
		stream:       chat.NewEventStream(buffer),
		logger:       logger,
	}
}

// Initialize registers the event handler, opens the QR channel for unpaired
// devices and connects.
func (c *Client) Initialize(ctx context.Context) error {
	if c.stream.Closed() {
		return chat.ErrClosed
	}

	c.mu.Lock()
	c.handlerID = c.wa.AddEventHandler(c.handleEvent)
	c.mu.Unlock()

	if c.wa.Store.ID == nil {
		qrCtx, cancel := context.WithCancel(context.Background())
		qrChan, err := c.wa.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("opening QR channel: %w", err)
		}
		c.mu.Lock()
		c.cancelQR = cancel
		c.mu.Unlock()
		go c.pumpQR(qrChan)
		c.logger.Info("device not paired, waiting for QR scan")
	} else {
		c.logger.Info("restoring paired device", "device_jid", c.wa.Store.ID.String())
	}

	if err := c.wa.Connect(); err != nil {
		return fmt.Errorf("connecting to whatsapp: %w", err)
	}
	return nil
}

func (c *Client) pumpQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			c.stream.Emit(chat.Event{Type: chat.EventPairingCode, Code: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
			return
		case whatsmeow.QRChannelTimeout.Event:
			c.stream.Emit(chat.Event{Type: chat.EventFailure, Err: ErrPairingTimeout})
			return
		case whatsmeow.QRChannelEventError:
			c.stream.Emit(chat.Event{Type: chat.EventFailure, Err: fmt.Errorf("pairing: %w", item.Error)})
			return
		default:
			c.logger.Debug("ignoring QR channel event", "event", item.Event)
		}
	}
}

func (c *Client) handleEvent(raw interface{}) {
	switch evt := raw.(type) {
	case *events.PairSuccess:
		c.rememberDevice(evt.ID)
	case *events.LoggedOut:
		c.forgetDevice()
	}

	if evt, ok := translate(raw); ok {
		c.stream.Emit(evt)
	}
}

func (c *Client) rememberDevice(jid types.JID) {
	ctx, cancel := context.WithTimeout(context.Background(), c.storeTimeout)
	defer cancel()
	if err := c.writeDevice(ctx, jid.String()); err != nil {
		c.logger.Error("failed to remember paired device", "device_jid", jid.String(), "error", err)
		return
	}
	c.logger.Info("device paired", "device_jid", jid.String())
}

func (c *Client) forgetDevice() {
	ctx, cancel := context.WithTimeout(context.Background(), c.storeTimeout)
	defer cancel()
	if err := c.writeDevice(ctx, nil); err != nil {
		c.logger.Error("failed to forget device", "error", err)
	}
	if c.wa.Store != nil && c.wa.Store.ID != nil {
		if err := c.wa.Store.Delete(ctx); err != nil {
			c.logger.Error("failed to delete device keys", "error", err)
		}
	}
}

func (c *Client) writeDevice(ctx context.Context, value any) error {
	path, err := docstore.SessionPath(c.tenantID)
	if err != nil {
		return err
	}
	return c.store.SetMerge(ctx, path, docstore.Fields{FieldDeviceJID: value})
}

// Events returns the translated event stream.
func (c *Client) Events() <-chan chat.Event {
	return c.stream.Events()
}

// Send delivers a plain text message to a phone number or JID.
func (c *Client) Send(ctx context.Context, remoteContactID, text string) error {
	if c.stream.Closed() {
		return chat.ErrClosed
	}
	jid, err := recipientJID(remoteContactID)
	if err != nil {
		return err
	}
	if _, err := c.wa.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)}); err != nil {
		return fmt.Errorf("sending whatsapp message: %w", err)
	}
	return nil
}

// NormalizeContactID maps a phone number in any common notation, or a JID,
// to the bare user id carried by inbound messages.
func (c *Client) NormalizeContactID(remoteContactID string) (string, error) {
	return canonicalContactID(remoteContactID)
}

// LookupContactName reads the device contact store.
func (c *Client) LookupContactName(ctx context.Context, authorID string) (string, error) {
	jid, err := types.ParseJID(authorID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrContactNotFound, err)
	}
	if c.wa.Store == nil || c.wa.Store.Contacts == nil {
		return "", ErrContactNotFound
	}
	info, err := c.wa.Store.Contacts.GetContact(ctx, jid)
	if err != nil {
		return "", fmt.Errorf("reading contact: %w", err)
	}
	name := contactName(info)
	if !info.Found || name == "" {
		return "", ErrContactNotFound
	}
	return name, nil
}

// Close disconnects and closes the event stream.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.stream.Close()

		c.mu.Lock()
		cancelQR, handlerID := c.cancelQR, c.handlerID
		c.mu.Unlock()

		if cancelQR != nil {
			cancelQR()
		}
		if handlerID != 0 {
			c.wa.RemoveEventHandler(handlerID)
		}
		c.wa.Disconnect()
	})
	return nil
}
