package membershipkeeper

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/membership-keeper/internal/cache"
	"github.com/magabrotheeeer/membership-keeper/internal/config"
	"github.com/magabrotheeeer/membership-keeper/internal/lib/jwt"
	"github.com/magabrotheeeer/membership-keeper/internal/lib/rabbitmq"
	"github.com/magabrotheeeer/membership-keeper/internal/migrations"
	"github.com/magabrotheeeer/membership-keeper/internal/paymentprovider"
	"github.com/magabrotheeeer/membership-keeper/internal/rolegateway"
	"github.com/magabrotheeeer/membership-keeper/internal/services/lifecycle"
	"github.com/magabrotheeeer/membership-keeper/internal/services/reconcile"
	"github.com/magabrotheeeer/membership-keeper/internal/storage/repository"
)

// App — HTTP-приложение: сервер, зависимости и их закрытие.
type App struct {
	server *http.Server
	logger *slog.Logger
	db     *repository.Storage
	rabbit *amqp.Connection
}

// New собирает приложение: базу с миграциями, кеш, брокер, клиентов
// внешних систем и маршруты.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := repository.New(cfg.StorageConnectionString)
	if err != nil {
		return nil, err
	}
	if err = migrations.Run(db.DB, cfg.MigrationsPath); err != nil {
		return nil, err
	}

	cacheRedis, err := cache.InitServer(ctx, cfg.RedisConnection)
	if err != nil {
		return nil, err
	}

	rabbitConn, err := rabbitmq.Connect(cfg.RabbitMQURL, cfg.RabbitMQMaxRetries, cfg.RabbitMQRetryDelay)
	if err != nil {
		return nil, err
	}
	rabbitChannel, err := rabbitmq.SetupChannel(rabbitConn, rabbitmq.GetNotificationQueues())
	if err != nil {
		return nil, err
	}
	publisher := rabbitmq.NewNotifyPublisher(rabbitChannel)

	gateway := rolegateway.NewClient(cfg.RoleGateway, logger)
	provider := paymentprovider.NewClient(cfg.PaymentProvider)
	tokenMaker := jwt.NewJWTMaker(cfg.JWTSecretKey, cfg.TokenTTL)

	engine := lifecycle.New(db, gateway, publisher, cfg.RoleGateway, cfg.Lifecycle, logger)
	runner := reconcile.NewRunner(db, db, gateway, provider, publisher,
		cfg.RoleGateway, cfg.Reconciliation, logger)

	router := chi.NewRouter()
	RegisterRoutes(router, logger, cfg, db, cacheRedis, rabbitConn, engine, runner, tokenMaker)

	srv := &http.Server{
		Addr:         cfg.AddressHTTP,
		Handler:      router,
		ReadTimeout:  cfg.TimeoutHTTP,
		WriteTimeout: cfg.TimeoutHTTP,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return &App{
		server: srv,
		logger: logger,
		db:     db,
		rabbit: rabbitConn,
	}, nil
}

// Run запускает HTTP-сервер и останавливает его по отмене контекста.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server starting on", slog.String("address", a.server.Addr))
		err := a.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
		} else {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		timeoutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		a.logger.Info("shutting down HTTP server gracefully")
		err := a.server.Shutdown(timeoutCtx)
		_ = a.db.DB.Close()
		_ = a.rabbit.Close()
		return err
	}
}
