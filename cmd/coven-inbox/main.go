// ABOUTME: Entry point for the coven-inbox server and its operator commands
// ABOUTME: serve runs the gateway; token mints tenant or admin JWTs; health probes a running server

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/2389/coven-inbox/internal/auth"
	"github.com/2389/coven-inbox/internal/config"
	"github.com/2389/coven-inbox/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                    _       _
  ___ _____   _____ _ __       (_)_ __ | |__   _____  __
 / __/ _ \ \ / / _ \ '_ \ _____| | '_ \| '_ \ / _ \ \/ /
| (_| (_) \ V /  __/ | | |_____| | | | | |_) | (_) >  <
 \___\___/ \_/ \___|_| |_|     |_|_| |_|_.__/ \___/_/\_\
`

var configPath string

// getConfigPath returns the path to the inbox config file.
// Priority: --config flag > COVEN_INBOX_CONFIG env var > XDG_CONFIG_HOME/coven/inbox.yaml > ~/.config/coven/inbox.yaml
func getConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if envPath := os.Getenv("COVEN_INBOX_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "inbox.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "inbox.yaml")
}

func main() {
	// A .env next to the binary feeds ${VAR} expansion in the config file.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: loading .env: %v\n", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	root := &cobra.Command{
		Use:           "coven-inbox",
		Short:         "Multi-tenant chat inbox gateway",
		Long:          "coven-inbox keeps one chat network session per tenant and records every conversation in a document store.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ~/.config/coven/inbox.yaml)")

	root.AddCommand(serveCmd())
	root.AddCommand(tokenCmd())
	root.AddCommand(healthCmd())
	root.AddCommand(versionCmd())

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the inbox server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	path := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", path)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	if cfg.Server.GRPCAddr != "" {
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	} else {
		fmt.Print("gRPC:      ")
		gray.Println("disabled")
	}
	green.Print("    ▶ ")
	fmt.Printf("Store:     %s\n", redactDSN(cfg.Database.DSN))
	if cfg.WhatsApp.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("WhatsApp:  %s\n", cfg.WhatsApp.DeviceStore)
	}
	if cfg.Matrix.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Matrix:    ")
		cyan.Print(cfg.Matrix.UserID)
		gray.Printf(" (tenant %s)\n", cfg.Matrix.Tenant)
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! auth disabled: every tenant route is open")
	}
	fmt.Println()

	logger.Info("starting coven-inbox",
		"config", path,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// redactDSN hides the password in a connection string for display.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return dsn
	}
	return u.Redacted()
}

func tokenCmd() *cobra.Command {
	var (
		tenant string
		admin  bool
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Generate an API token for a tenant or an operator",
		Long: `Signs a JWT with auth.jwt_secret from the config file. A tenant token
only reaches /api/tenants/<tenant>/...; an admin token reaches every tenant
and /api/sessions.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenant == "" && !admin {
				return fmt.Errorf("--tenant or --admin is required")
			}

			cfg, err := config.Load(getConfigPath())
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not configured")
			}

			verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
			if err != nil {
				return fmt.Errorf("creating JWT verifier: %w", err)
			}

			subject := tenant
			if subject == "" {
				subject = auth.RoleAdmin
			}
			token, err := verifier.Generate(subject, admin, ttl)
			if err != nil {
				return fmt.Errorf("generating token: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVarP(&tenant, "tenant", "t", "", "tenant the token is scoped to")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant the admin role")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	return cmd
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check readiness of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(getConfigPath())
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			endpoint := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, endpoint, nil)
			if err != nil {
				return fmt.Errorf("creating request: %w", err)
			}

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, body)
			}

			fmt.Fprintln(cmd.OutOrStdout(), string(body))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
