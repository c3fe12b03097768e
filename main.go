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

	"github.com/herdlock/herdlock/internal/audit"
	"github.com/herdlock/herdlock/internal/authclient"
	"github.com/herdlock/herdlock/internal/config"
	"github.com/herdlock/herdlock/internal/identity"
	"github.com/herdlock/herdlock/internal/observe"
	"github.com/herdlock/herdlock/internal/server"
	"github.com/herdlock/herdlock/internal/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/justinas/alice"
)

func configureServerRoutes(tokens *authclient.Client, backend storage.Backend) http.Handler {
	// wrap a mux such that HTTP telemetry is configured by default
	muxWithoutTelemetry := http.NewServeMux()
	mux := observe.NewMux(muxWithoutTelemetry)

	// The request body size is tightly limited: the only body this API
	// accepts is a small scope list.
	requestLimiter := maxRequestSize(int64(4 << 10)) // 4 KB

	tokenRouteMiddleware := alice.New(requestLimiter, audit.Middleware())
	standardRouteMiddleware := alice.New(requestLimiter)

	mux.Handle("POST /token", tokenRouteMiddleware.Then(handlePostToken(tokens)))
	mux.Handle("POST /cache/clear", tokenRouteMiddleware.Then(handleClearCache(tokens)))

	// healthchecks are not included in telemetry
	muxWithoutTelemetry.Handle("GET /healthcheck", standardRouteMiddleware.Then(handleHealthCheck(backend)))

	return mux
}

func main() {
	configureLogging()

	if err := launchServer(); err != nil {
		log.Fatal().Err(err).Msg("server failed to start")
	}
}

func launchServer() error {
	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	backend, err := storage.NewFromConfig(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("storage configuration failed: %w", err)
	}

	var hooks server.ShutdownHooks
	hooks.AddCloser("storage", backend)

	requester := identity.NewClient(http.DefaultClient, cfg.Auth.TokenURL, cfg.Auth.ClientID, cfg.Auth.ClientSecret)
	tokens := authclient.New(cfg, backend, requester)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           configureServerRoutes(tokens, backend),
		MaxHeaderBytes:    20 << 10,
		ReadHeaderTimeout: 20 * time.Second, // Prevent Slowloris attacks
	}

	return serveHTTP(ctx, cfg.Server, httpServer, &hooks)
}

func serveHTTP(ctx context.Context, cfg config.ServerConfig, httpServer *http.Server, hooks *server.ShutdownHooks) error {
	notifyCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("server starting")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-notifyCtx.Done():
	}

	log.Info().Msg("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	err := httpServer.Shutdown(shutdownCtx)
	hooks.Execute(shutdownCtx)

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

func configureLogging() {
	log.Logger = log.Level(zerolog.InfoLevel)

	if os.Getenv("ENV") == "development" {
		log.Logger = log.
			Output(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(zerolog.DebugLevel)
	}

	zerolog.DefaultContextLogger = &log.Logger
}
