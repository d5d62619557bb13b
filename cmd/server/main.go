package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"drawsync/internal/auth"
	"drawsync/internal/config"
	"drawsync/internal/httpapi"
	"drawsync/internal/logging"
	"drawsync/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	cfg := config.DefaultServer()
	v := config.NewViper()
	var configFile string

	cmd := &cobra.Command{
		Use:          "drawsync-server",
		Short:        "serve document operation logs and live operation streams",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Load(v, configFile, &cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.JSON)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cfg, logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "load configuration from file")
	flags.String("addr", cfg.Addr, "address to listen on")
	flags.String("db-path", cfg.DBPath, "path of the SQLite database")
	flags.String("dev-user", cfg.DevUser, "user every request runs as when OIDC is not configured")
	flags.Int("stream-queue-size", cfg.StreamQueueSize, "frames a live subscriber may lag behind before it is dropped")
	flags.Duration("ping-interval", cfg.PingInterval, "interval between websocket pings")
	flags.String("oidc.issuer-url", cfg.OIDC.IssuerURL, "OIDC issuer; enables login when set")
	flags.String("oidc.client-id", cfg.OIDC.ClientID, "OIDC client id")
	flags.String("oidc.client-secret", cfg.OIDC.ClientSecret, "OIDC client secret")
	flags.String("oidc.redirect-url", cfg.OIDC.RedirectURL, "OIDC redirect url, ending in "+auth.CallbackPath)
	flags.String("oidc.session-key", cfg.OIDC.SessionKey, "session cookie key, base64 or at least 32 characters")
	flags.Duration("oidc.session-ttl", cfg.OIDC.SessionTTL, "session lifetime")
	flags.Bool("oidc.cookie-secure", cfg.OIDC.CookieSecure, "mark session cookies secure")
	flags.String("log.level", cfg.Log.Level, "logging level")
	flags.Bool("log.json", cfg.Log.JSON, "log as JSON instead of plain text")
	if err := v.BindPFlags(flags); err != nil {
		fmt.Fprintln(os.Stderr, "an error has occurred while binding flags:", err)
	}
	return cmd
}

func run(ctx context.Context, cfg config.Server, logger *zap.Logger) error {
	store, err := storage.OpenSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return err
	}

	api := httpapi.NewServer(store,
		httpapi.WithLogger(logger.Named("httpapi")),
		httpapi.WithStreamQueueSize(cfg.StreamQueueSize),
		httpapi.WithPingInterval(cfg.PingInterval),
	)
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	var handler http.Handler
	if cfg.OIDC.Enabled() {
		manager, err := auth.NewManager(cfg.OIDC,
			auth.WithLogger(logger.Named("auth")),
			auth.WithPublicPaths("/healthz", "/metrics"),
		)
		if err != nil {
			return fmt.Errorf("create auth manager: %w", err)
		}
		handler = manager.Handler(mux)
	} else {
		logger.Warn("OIDC not configured, running every request as the dev user", zap.String("user", cfg.DevUser))
		handler = auth.DevUserMiddleware(cfg.DevUser)(mux)
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", cfg.Addr), zap.String("db", cfg.DBPath))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
