package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// shutdownTimeout bounds graceful shutdown of in-flight requests.
const shutdownTimeout = 30 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the federation HTTP server",
		Long: `Serve the federation API: PDU fetch for backfill, inbound transactions,
room state, /healthz and /metrics. Stops gracefully on SIGINT or SIGTERM.

Examples:
  roomstate serve --config roomstate.yaml
  roomstate serve --db ./a.db --listen 127.0.0.1:8448`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides config)")
	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return out.Fail(ExitCommandError, CodeConfig, "load config", err)
	}
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}
	logger := opts.newLogger(cfg.Log, cmd.ErrOrStderr())

	n, err := openNode(cfg, logger)
	if err != nil {
		return out.Fail(ExitCommandError, CodeStore, "start server", err)
	}
	defer n.Close()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return out.Fail(ExitCommandError, CodeConfig, "listen", err)
	}

	srv := &http.Server{
		Handler:      n.server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info("starting server",
		"server_name", cfg.ServerName,
		"address", ln.Addr().String(),
		"database", cfg.Database,
		"metrics", cfg.Metrics.Enabled,
	)
	return serveHTTP(ctx, srv, ln, logger)
}

// serveHTTP serves on ln until ctx is done, then shuts down gracefully.
func serveHTTP(ctx context.Context, srv *http.Server, ln net.Listener, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
