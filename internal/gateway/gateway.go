// ABOUTME: Gateway assembles the inbox: store, chat backends, sessions and servers
// ABOUTME: Owns the HTTP API and gRPC health servers and their graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/coven-inbox/internal/auth"
	"github.com/2389/coven-inbox/internal/chat"
	"github.com/2389/coven-inbox/internal/config"
	"github.com/2389/coven-inbox/internal/conversation"
	"github.com/2389/coven-inbox/internal/dedupe"
	"github.com/2389/coven-inbox/internal/docstore"
	"github.com/2389/coven-inbox/internal/matrix"
	"github.com/2389/coven-inbox/internal/notify"
	"github.com/2389/coven-inbox/internal/orchestrator"
	"github.com/2389/coven-inbox/internal/outbound"
	"github.com/2389/coven-inbox/internal/session"
	"github.com/2389/coven-inbox/internal/whatsapp"
)

// Backend names for chat.MultiFactory.
const (
	BackendWhatsApp = "whatsapp"
	BackendMatrix   = "matrix"
)

// Gateway orchestrates the coven-inbox server components.
type Gateway struct {
	config       *config.Config
	store        docstore.Store
	registry     *session.Registry
	conversation *conversation.Service
	orchestrator *orchestrator.Orchestrator
	publisher    notify.Publisher
	verifier     *auth.JWTVerifier
	health       *sessionHealth
	grpcServer   *grpc.Server
	httpServer   *http.Server
	logger       *slog.Logger

	// closers release chat backends after sessions have stopped
	closers []namedCloser

	// streamCtx is cancelled on shutdown to end hijacked websocket streams
	streamCtx    context.Context
	cancelStream context.CancelFunc
}

type namedCloser struct {
	label  string
	closer io.Closer
}

// Components are the pluggable dependencies of a Gateway.
type Components struct {
	Store     docstore.Store
	Factory   chat.Factory
	Publisher notify.Publisher // nil disables notifications
}

// New builds the store, chat backends and publisher from cfg and assembles a Gateway.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := docstore.Open(cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening document store: %w", err)
	}

	factory, closers, err := buildChatFactory(ctx, cfg, store, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	publisher, err := buildPublisher(ctx, cfg, logger)
	if err != nil {
		closeAll(closers, logger)
		_ = store.Close()
		return nil, err
	}

	gw, err := NewWithComponents(cfg, Components{Store: store, Factory: factory, Publisher: publisher}, logger)
	if err != nil {
		_ = publisher.Close()
		closeAll(closers, logger)
		_ = store.Close()
		return nil, err
	}
	gw.closers = closers
	return gw, nil
}

// buildChatFactory registers every enabled backend. The tenant bound to the
// Matrix account uses Matrix; the rest use WhatsApp when it is enabled.
// With Matrix alone, every other tenant fails to start.
func buildChatFactory(ctx context.Context, cfg *config.Config, store docstore.Store, logger *slog.Logger) (chat.Factory, []namedCloser, error) {
	if !cfg.WhatsApp.Enabled && !cfg.Matrix.Enabled {
		return nil, nil, errors.New("no chat backend enabled: enable whatsapp or matrix")
	}

	fallback := BackendMatrix
	if cfg.WhatsApp.Enabled {
		fallback = BackendWhatsApp
	}
	multi := chat.NewMultiFactory(fallback)
	var closers []namedCloser

	if cfg.WhatsApp.Enabled {
		wa, err := whatsapp.NewFactory(ctx, whatsapp.Config{
			DeviceStore:  cfg.WhatsApp.DeviceStore,
			Store:        store,
			EventBuffer:  cfg.Sessions.EventBuffer,
			StoreTimeout: cfg.Sessions.StoreTimeout,
			Logger:       logger,
		})
		if err != nil {
			return nil, nil, err
		}
		multi.Register(BackendWhatsApp, wa)
		closers = append(closers, namedCloser{"whatsapp device store", wa})
		logger.Info("whatsapp backend enabled", "device_store", cfg.WhatsApp.DeviceStore)
	}

	if cfg.Matrix.Enabled {
		mx, err := matrix.NewFactory(matrix.Config{
			Homeserver:  cfg.Matrix.Homeserver,
			UserID:      cfg.Matrix.UserID,
			AccessToken: cfg.Matrix.AccessToken,
			Tenant:      cfg.Matrix.Tenant,
			EventBuffer: cfg.Sessions.EventBuffer,
			Logger:      logger,
		})
		if err != nil {
			closeAll(closers, logger)
			return nil, nil, err
		}
		multi.Register(BackendMatrix, mx)
		multi.Assign(cfg.Matrix.Tenant, BackendMatrix)
		logger.Info("matrix backend enabled", "homeserver", cfg.Matrix.Homeserver, "tenant_id", cfg.Matrix.Tenant)
	}

	return multi, closers, nil
}

// buildPublisher connects to the broker when notify.amqp_url is set.
func buildPublisher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (notify.Publisher, error) {
	if cfg.Notify.AMQPURL == "" {
		logger.Info("message notifications disabled - no notify.amqp_url configured")
		return notify.NopPublisher{}, nil
	}

	conn, err := notify.DialWithRetry(ctx, notify.DialOptions{
		URL:           cfg.Notify.AMQPURL,
		RetryAttempts: 5,
		Delay:         time.Second,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	pub, err := notify.NewAMQPPublisher(conn, cfg.Notify.Exchange, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	logger.Info("message notifications enabled", "exchange", cfg.Notify.Exchange)
	return pub, nil
}

// NewWithComponents assembles a Gateway around existing dependencies.
func NewWithComponents(cfg *config.Config, c Components, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if c.Store == nil || c.Factory == nil {
		return nil, errors.New("gateway: store and chat factory are required")
	}
	if c.Publisher == nil {
		c.Publisher = notify.NopPublisher{}
	}

	convService := conversation.New(c.Store, logger)
	convService.SetPublisher(c.Publisher)
	if cfg.Sessions.DedupeTTL > 0 && cfg.Sessions.DedupeSize > 0 {
		convService.SetDedupe(dedupe.New(cfg.Sessions.DedupeTTL, cfg.Sessions.DedupeSize))
	}

	registry := session.NewRegistry(session.Config{
		Factory:      c.Factory,
		Store:        c.Store,
		Inbound:      convService,
		Logger:       logger,
		StoreTimeout: cfg.Sessions.StoreTimeout,
	})
	sender := outbound.New(registry, convService, logger)

	streamCtx, cancelStream := context.WithCancel(context.Background())
	gw := &Gateway{
		config:       cfg,
		store:        c.Store,
		registry:     registry,
		conversation: convService,
		orchestrator: orchestrator.New(registry, sender, logger),
		publisher:    c.Publisher,
		health:       newSessionHealth(),
		logger:       logger.With("component", "gateway"),
		streamCtx:    streamCtx,
		cancelStream: cancelStream,
	}
	registry.AddObserver(gw.health)

	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			cancelStream()
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		gw.verifier = verifier
	}

	gw.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(gw.grpcServer, gw.health.server)

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)

	gw.registerAPIRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP handler, for embedding and tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListeners creates TCP listeners for HTTP and, when configured, gRPC.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	if g.config.Server.GRPCAddr != "" {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the servers, autostarts configured tenants and blocks until the
// context is canceled or a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupTCPListeners()
	if err != nil {
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)

	if len(g.config.Sessions.Autostart) > 0 {
		g.orchestrator.Autostart(ctx, g.config.Sessions.Autostart)
	}

	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

func closeAll(closers []namedCloser, logger *slog.Logger) {
	for _, c := range closers {
		if err := c.closer.Close(); err != nil {
			logger.Warn("close failed", "component", c.label, "error", err)
		}
	}
}

// Shutdown stops the servers, then every session, then releases backends
// and the store. Sessions stop before the store closes so their final
// status write lands.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway", "sessions", g.registry.Count())

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.cancelStream()

	errs = appendCloseError(errs, "session shutdown", g.registry.Close(ctx))

	g.health.server.Shutdown()
	g.shutdownGRPCServer(ctx)

	errs = appendCloseError(errs, "publisher close", g.publisher.Close())
	for _, c := range g.closers {
		errs = appendCloseError(errs, c.label+" close", c.closer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the document store answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	probe, _ := docstore.Join("health", "probe")
	if _, err := g.store.Get(ctx, probe); err != nil && !errors.Is(err, docstore.ErrNotFound) {
		g.logger.Warn("readiness probe failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}

	sessions := g.registry.List()
	connected := 0
	for _, s := range sessions {
		if s.State == session.StateReady {
			connected++
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions, %d connected)", len(sessions), connected)
}
