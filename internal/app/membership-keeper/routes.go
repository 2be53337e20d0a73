// Package membershipkeeper собирает HTTP-приложение: зависимости,
// маршруты и жизненный цикл сервера.
package membershipkeeper

import (
	"log/slog"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/streadway/amqp"

	httpSwagger "github.com/swaggo/http-swagger"

	appcache "github.com/magabrotheeeer/membership-keeper/internal/cache"
	"github.com/magabrotheeeer/membership-keeper/internal/config"
	"github.com/magabrotheeeer/membership-keeper/internal/http/handlers/admin/runlist"
	"github.com/magabrotheeeer/membership-keeper/internal/http/handlers/admin/runread"
	"github.com/magabrotheeeer/membership-keeper/internal/http/handlers/admin/subjectread"
	"github.com/magabrotheeeer/membership-keeper/internal/http/handlers/admin/triggerreconcile"
	"github.com/magabrotheeeer/membership-keeper/internal/http/handlers/health"
	"github.com/magabrotheeeer/membership-keeper/internal/http/handlers/webhook"
	"github.com/magabrotheeeer/membership-keeper/internal/http/middlewarectx"
	"github.com/magabrotheeeer/membership-keeper/internal/lib/jwt"
	"github.com/magabrotheeeer/membership-keeper/internal/services/lifecycle"
	"github.com/magabrotheeeer/membership-keeper/internal/services/reconcile"
	"github.com/magabrotheeeer/membership-keeper/internal/storage/repository"
)

// RegisterRoutes регистрирует все маршруты приложения.
func RegisterRoutes(r chi.Router, logger *slog.Logger, cfg *config.Config,
	storage *repository.Storage, cache *appcache.Cache, rabbit *amqp.Connection,
	engine *lifecycle.Engine, runner *reconcile.Runner, tokenMaker jwt.Maker) {

	// Глобальные middleware
	r.Use(
		middleware.RequestID,
		middleware.Logger,
		middleware.Recoverer,
		middleware.URLFormat,
	)

	r.Route("/api/v1", func(r chi.Router) {
		// Webhook платёжного провайдера (подпись вместо аутентификации)
		r.Post("/payments/webhook",
			webhook.New(logger, engine, cache, cfg.Lifecycle, cfg.WebhookSecret).ServeHTTP)

		// Админская панель, только с валидным токеном и ролью admin
		r.Group(func(r chi.Router) {
			r.Use(middlewarectx.JWTMiddleware(tokenMaker, logger))
			r.Use(middlewarectx.AdminOnlyMiddleware(logger))
			r.Use(middlewarectx.RateLimitMiddleware(logger))
			r.Post("/reconcile", triggerreconcile.New(logger, runner).ServeHTTP)
			r.Get("/reconcile/runs", runlist.New(logger, storage).ServeHTTP)
			r.Get("/reconcile/runs/{id}", runread.New(logger, storage, cache).ServeHTTP)
			r.Get("/subjects/{id}", subjectread.New(logger, storage).ServeHTTP)
		})

		r.Get("/health", health.New(logger, storage, rabbit, cache).ServeHTTP)
	})

	r.Handle("/metrics", promhttp.Handler())
	// Swagger docs endpoint
	r.Get("/docs/*", httpSwagger.WrapHandler)
}
