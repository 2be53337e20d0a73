// Package health реализует HTTP-обработчик проверки живости сервиса:
// опрашиваются база, брокер уведомлений и redis.
package health

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"github.com/magabrotheeeer/membership-keeper/internal/http/response"
	"github.com/magabrotheeeer/membership-keeper/internal/lib/sl"
)

// Database проверяет соединение с базой данных.
type Database interface {
	Ping(ctx context.Context) error
}

// Broker сообщает состояние соединения с брокером уведомлений.
type Broker interface {
	IsClosed() bool
}

// Cache проверяет доступность redis.
type Cache interface {
	Ping(ctx context.Context) error
}

// Handler отвечает на запросы проверки живости.
type Handler struct {
	log    *slog.Logger
	db     Database
	broker Broker
	cache  Cache
}

// New создает новый Handler.
func New(log *slog.Logger, db Database, broker Broker, cache Cache) *Handler {
	return &Handler{
		log:    log,
		db:     db,
		broker: broker,
		cache:  cache,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.health"

	checks := map[string]string{
		"database": "ok",
		"broker":   "ok",
		"cache":    "ok",
	}
	healthy := true

	if err := h.db.Ping(r.Context()); err != nil {
		h.log.Error("database health check failed", slog.String("op", op), sl.Err(err))
		checks["database"] = "unavailable"
		healthy = false
	}
	if h.broker.IsClosed() {
		h.log.Error("broker connection is closed", slog.String("op", op))
		checks["broker"] = "unavailable"
		healthy = false
	}
	if err := h.cache.Ping(r.Context()); err != nil {
		h.log.Error("cache health check failed", slog.String("op", op), sl.Err(err))
		checks["cache"] = "unavailable"
		healthy = false
	}

	status := "ok"
	if !healthy {
		status = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	render.JSON(w, r, response.OKWithData(map[string]any{
		"status": status,
		"checks": checks,
	}))
}
