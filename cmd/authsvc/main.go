// The auth service binary. Serves the HTTP auth API, answers
// rpc.get_users_info on the bus, and announces registrations as
// user.created events.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/buildflow/platform"
	"github.com/buildflow/platform/internal/authsvc"
	"github.com/buildflow/platform/internal/config"
	"github.com/buildflow/platform/internal/identity"
	"github.com/buildflow/platform/internal/tokenstore"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "auth_service")

	if err := run(*configPath, logger); err != nil {
		logger.Error("auth service failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Keycloak.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	idClient := identity.NewClient(
		cfg.Keycloak.BaseURL,
		cfg.Keycloak.Realm,
		cfg.Keycloak.ClientID,
		cfg.Keycloak.ClientSecret,
		identity.WithClientLogger(logger),
	)

	tokens := tokenstore.New(cfg.Tokens.TTL, tokenstore.WithStoreLogger(logger))
	defer tokens.Close()

	registry, err := authsvc.Registry(idClient, logger)
	if err != nil {
		return err
	}

	bus, err := platform.NewBus(cfg.AMQP.URL,
		platform.WithBusLogger(logger),
		platform.WithTopology(authsvc.Topology()),
		platform.WithConsumer(authsvc.QueueName, registry),
		platform.WithPrefetch(cfg.AMQP.Prefetch),
		platform.WithReconnectDelay(cfg.AMQP.ReconnectDelay),
		platform.WithConnectTimeout(cfg.AMQP.ConnectTimeout),
	)
	if err != nil {
		return err
	}
	if err := bus.Connect(ctx); err != nil {
		return err
	}
	defer bus.Close()

	service := authsvc.NewService(idClient, bus.Events(), tokens,
		authsvc.WithServiceLogger(logger))

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      authsvc.NewHandler(service, logger).Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("auth service listening", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
