// ABOUTME: Builds per-tenant WhatsApp clients over one shared device-key container
// ABOUTME: The tenant's paired device JID is read back from its session document

package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"

	"github.com/2389/coven-inbox/internal/chat"
	"github.com/2389/coven-inbox/internal/docstore"
)

// Config configures a Factory.
type Config struct {
	DeviceStore  string // sqlite file holding device keys for every tenant
	Store        docstore.Store
	EventBuffer  int
	StoreTimeout time.Duration
	Logger       *slog.Logger
}

// Factory creates whatsmeow-backed clients.
type Factory struct {
	container    *sqlstore.Container
	store        docstore.Store
	buffer       int
	storeTimeout time.Duration
	logger       *slog.Logger
}

var _ chat.Factory = (*Factory)(nil)

// NewFactory opens the device store and upgrades its schema.
func NewFactory(ctx context.Context, cfg Config) (*Factory, error) {
	if cfg.Store == nil {
		return nil, errors.New("whatsapp: document store required")
	}
	if cfg.DeviceStore == "" {
		return nil, errors.New("whatsapp: device store path required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "whatsapp")
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 10 * time.Second
	}

	dsn := "file:" + cfg.DeviceStore + "?_foreign_keys=on"
	container, err := sqlstore.New(ctx, "sqlite3", dsn, newLogger(logger, "store"))
	if err != nil {
		return nil, fmt.Errorf("opening whatsapp device store: %w", err)
	}

	return &Factory{
		container:    container,
		store:        cfg.Store,
		buffer:       cfg.EventBuffer,
		storeTimeout: cfg.StoreTimeout,
		logger:       logger,
	}, nil
}

// NewClient restores the tenant's paired device or prepares a new one.
func (f *Factory) NewClient(ctx context.Context, tenantID string) (chat.Client, error) {
	device, err := f.device(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	logger := f.logger.With("tenant_id", tenantID)
	wa := whatsmeow.NewClient(device, newLogger(logger, "client"))
	return newClient(tenantID, wa, f.store, f.buffer, f.storeTimeout, logger), nil
}

func (f *Factory) device(ctx context.Context, tenantID string) (*store.Device, error) {
	path, err := docstore.SessionPath(tenantID)
	if err != nil {
		return nil, err
	}

	doc, err := f.store.Get(ctx, path)
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return nil, fmt.Errorf("reading session document: %w", err)
	}

	if raw := doc.String(FieldDeviceJID); raw != "" {
		jid, err := types.ParseJID(raw)
		if err != nil {
			f.logger.Warn("ignoring malformed device jid", "tenant_id", tenantID, "device_jid", raw, "error", err)
		} else {
			device, err := f.container.GetDevice(ctx, jid)
			if err != nil {
				return nil, fmt.Errorf("loading device: %w", err)
			}
			if device != nil {
				return device, nil
			}
			f.logger.Warn("paired device missing from device store", "tenant_id", tenantID, "device_jid", raw)
		}
	}
	return f.container.NewDevice(), nil
}

// Close closes the device store.
func (f *Factory) Close() error {
	return f.container.Close()
}
