// Package sender собирает приложение отправителя писем: потребителей
// очередей уведомлений и SMTP-транспорт.
package sender

import (
	"context"
	"log/slog"

	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/membership-keeper/internal/config"
	"github.com/magabrotheeeer/membership-keeper/internal/lib/rabbitmq"
	"github.com/magabrotheeeer/membership-keeper/internal/lib/smtp"
	senderservice "github.com/magabrotheeeer/membership-keeper/internal/services/sender"
)

// App представляет приложение отправителя писем.
type App struct {
	conn          *amqp.Connection
	ch            *amqp.Channel
	senderService *senderservice.Service
	logger        *slog.Logger
}

// New создает новый экземпляр приложения отправителя.
func New(_ context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	conn, err := rabbitmq.Connect(cfg.RabbitMQURL, cfg.RabbitMQMaxRetries, cfg.RabbitMQRetryDelay)
	if err != nil {
		return nil, err
	}

	ch, err := rabbitmq.SetupChannel(conn, rabbitmq.GetNotificationQueues())
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	transport := smtp.NewTransport(cfg.SMTP, logger)
	senderService := senderservice.New(transport, logger)

	return &App{
		conn:          conn,
		ch:            ch,
		senderService: senderService,
		logger:        logger,
	}, nil
}

// Run запускает потребителей очередей и ждет отмены контекста.
func (a *App) Run(ctx context.Context) error {
	if err := rabbitmq.ConsumerMessage(ctx, a.ch, "notifications.claim", a.senderService.SendClaimReminder); err != nil {
		a.logger.Error("failed to start notifications.claim consumer", slog.Any("err", err))
		return err
	}
	if err := rabbitmq.ConsumerMessage(ctx, a.ch, "notifications.recovery", a.senderService.SendRecoveryFollowup); err != nil {
		a.logger.Error("failed to start notifications.recovery consumer", slog.Any("err", err))
		return err
	}
	if err := rabbitmq.ConsumerMessage(ctx, a.ch, "notifications.reconcile", a.senderService.SendReconcileSummary); err != nil {
		a.logger.Error("failed to start notifications.reconcile consumer", slog.Any("err", err))
		return err
	}

	<-ctx.Done()
	a.logger.Info("sender service shutting down gracefully")

	if err := a.ch.Close(); err != nil {
		a.logger.Error("failed to close channel", slog.Any("err", err))
	}
	if err := a.conn.Close(); err != nil {
		a.logger.Error("failed to close connection", slog.Any("err", err))
	}
	return nil
}
