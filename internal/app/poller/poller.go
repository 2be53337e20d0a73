// Package poller собирает приложение поллера: машину состояний, планировщик
// напоминаний, интервальные драйверы и их зависимости.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/membership-keeper/internal/config"
	"github.com/magabrotheeeer/membership-keeper/internal/lib/rabbitmq"
	"github.com/magabrotheeeer/membership-keeper/internal/paymentprovider"
	"github.com/magabrotheeeer/membership-keeper/internal/rolegateway"
	"github.com/magabrotheeeer/membership-keeper/internal/services/lifecycle"
	"github.com/magabrotheeeer/membership-keeper/internal/services/notifier"
	pollerservice "github.com/magabrotheeeer/membership-keeper/internal/services/poller"
	"github.com/magabrotheeeer/membership-keeper/internal/services/reconcile"
	"github.com/magabrotheeeer/membership-keeper/internal/storage/repository"
)

// App представляет приложение поллера.
type App struct {
	poller *pollerservice.Poller
	runner *reconcile.Runner
	cfg    *config.Config
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *slog.Logger
}

func waitForDB(db *repository.Storage) error {
	for range 10 {
		err := repository.CheckDatabaseReady(db)
		if err == nil {
			return nil
		}
		time.Sleep(3 * time.Second)
	}
	return fmt.Errorf("database not ready after retries")
}

// New создает новый экземпляр приложения поллера.
func New(_ context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	conn, err := rabbitmq.Connect(cfg.RabbitMQURL, cfg.RabbitMQMaxRetries, cfg.RabbitMQRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("failed to connect RabbitMQ: %w", err)
	}

	ch, err := rabbitmq.SetupChannel(conn, rabbitmq.GetNotificationQueues())
	if err != nil {
		closeResources(nil, conn, logger)
		return nil, fmt.Errorf("failed to setup RabbitMQ channel: %w", err)
	}
	publisher := rabbitmq.NewNotifyPublisher(ch)

	db, err := repository.New(cfg.StorageConnectionString)
	if err != nil {
		closeResources(ch, conn, logger)
		return nil, fmt.Errorf("failed to connect storage: %w", err)
	}
	if err := waitForDB(db); err != nil {
		closeResources(ch, conn, logger)
		return nil, err
	}

	gateway := rolegateway.NewClient(cfg.RoleGateway, logger)
	provider := paymentprovider.NewClient(cfg.PaymentProvider)

	engine := lifecycle.New(db, gateway, publisher, cfg.RoleGateway, cfg.Lifecycle, logger)
	scheduler := notifier.New(db, gateway, publisher, cfg.RoleGateway, logger)
	runner := reconcile.NewRunner(db, db, gateway, provider, publisher,
		cfg.RoleGateway, cfg.Reconciliation, logger)

	return &App{
		poller: pollerservice.New(db, engine, scheduler, cfg.Lifecycle, logger),
		runner: runner,
		cfg:    cfg,
		conn:   conn,
		ch:     ch,
		logger: logger,
	}, nil
}

func closeResources(ch *amqp.Channel, conn *amqp.Connection, logger *slog.Logger) {
	if ch != nil {
		if err := ch.Close(); err != nil {
			logger.Error("failed to close channel", slog.Any("err", err))
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			logger.Error("failed to close connection", slog.Any("err", err))
		}
	}
}

// Run запускает циклы поллера и сверки до отмены контекста.
func (a *App) Run(ctx context.Context) error {
	go a.poller.Run(ctx)
	go pollerservice.RunReconcileLoop(ctx, a.runner, a.cfg.ReconcileInterval, a.logger)

	<-ctx.Done()

	a.logger.Info("shutting down poller service")
	closeResources(a.ch, a.conn, a.logger)
	return nil
}
