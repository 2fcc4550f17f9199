// ABOUTME: Builds the Matrix client for the one tenant bound to the configured account
// ABOUTME: Requests for any other tenant are refused so accounts are never shared

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-inbox/internal/chat"
)

// ErrTenantNotBound indicates a client was requested for a tenant other
// than the one that owns the account.
var ErrTenantNotBound = errors.New("matrix: account is bound to another tenant")

// Config configures a Factory.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	Tenant      string // the only tenant allowed to use this account
	EventBuffer int
	Logger      *slog.Logger
}

// Factory creates mautrix-backed clients.
type Factory struct {
	cfg    Config
	logger *slog.Logger
}

var _ chat.Factory = (*Factory)(nil)

// NewFactory validates cfg.
func NewFactory(cfg Config) (*Factory, error) {
	if cfg.Homeserver == "" || cfg.UserID == "" || cfg.AccessToken == "" || cfg.Tenant == "" {
		return nil, errors.New("matrix: homeserver, user_id, access_token and tenant are required")
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{cfg: cfg, logger: logger.With("component", "matrix")}, nil
}

// NewClient creates an unconnected client for the bound tenant.
func (f *Factory) NewClient(ctx context.Context, tenantID string) (chat.Client, error) {
	if tenantID != f.cfg.Tenant {
		return nil, fmt.Errorf("%w: %s is bound, not %s", ErrTenantNotBound, f.cfg.Tenant, tenantID)
	}
	mx, err := mautrix.NewClient(f.cfg.Homeserver, id.UserID(f.cfg.UserID), f.cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	return newClient(mx, f.cfg.EventBuffer, f.logger.With("tenant_id", tenantID)), nil
}
