// The user service binary. Mirrors user.created announcements into its
// local store and serves the enriched user listing over HTTP, resolving
// profile data over the bus.
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
	"github.com/buildflow/platform/internal/config"
	"github.com/buildflow/platform/internal/userstore"
	"github.com/buildflow/platform/internal/usersvc"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "user_service")

	if err := run(*configPath, logger); err != nil {
		logger.Error("user service failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := userstore.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}

	// service is built in two steps: the registry needs the service, the
	// RPC caller needs the bus
	service := usersvc.NewService(store, nil,
		usersvc.WithServiceLogger(logger),
		usersvc.WithRPCTimeout(cfg.RPC.Timeout),
	)

	registry, err := service.Registry()
	if err != nil {
		return err
	}

	bus, err := platform.NewBus(cfg.AMQP.URL,
		platform.WithBusLogger(logger),
		platform.WithTopology(usersvc.Topology()),
		platform.WithConsumer(usersvc.QueueName, registry),
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

	service.SetRPCCaller(bus.RPC())

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      usersvc.NewHandler(service, logger).Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("user service listening",
			"addr", cfg.HTTP.Addr, "queue", usersvc.QueueName)
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
