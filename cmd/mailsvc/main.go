// The mail service binary. Consumes mail.send_verification events and
// delivers verification emails over SMTP.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/buildflow/platform"
	"github.com/buildflow/platform/internal/config"
	"github.com/buildflow/platform/internal/mailsvc"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "mail_service")

	if err := run(*configPath, logger); err != nil {
		logger.Error("mail service failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.SMTP.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sender := mailsvc.NewSMTPSender(
		cfg.SMTP.Host,
		cfg.SMTP.Port,
		cfg.SMTP.From,
		cfg.SMTP.Username,
		cfg.SMTP.Password,
	)

	service := mailsvc.NewService(sender, cfg.SMTP.BaseURL,
		mailsvc.WithServiceLogger(logger))

	registry, err := service.Registry()
	if err != nil {
		return err
	}

	bus, err := platform.NewBus(cfg.AMQP.URL,
		platform.WithBusLogger(logger),
		platform.WithTopology(mailsvc.Topology()),
		platform.WithConsumer(mailsvc.QueueName, registry),
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

	logger.Info("mail service consuming", "queue", mailsvc.QueueName)
	<-ctx.Done()

	logger.Info("shutting down")
	return nil
}
