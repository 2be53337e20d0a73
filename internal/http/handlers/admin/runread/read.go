// Package runread реализует HTTP-обработчик чтения одного запуска сверки.
package runread

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/magabrotheeeer/membership-keeper/internal/http/response"
	"github.com/magabrotheeeer/membership-keeper/internal/lib/sl"
	"github.com/magabrotheeeer/membership-keeper/internal/models"
	"github.com/magabrotheeeer/membership-keeper/internal/storage/repository"
)

// Service описывает чтение записи запуска сверки.
type Service interface {
	GetRun(ctx context.Context, id string) (*models.ReconciliationRun, error)
}

// Cache описывает методы для кэширования данных.
type Cache interface {
	// Get пытается получить значение из кеша по ключу.
	Get(key string, result any) (bool, error)
	// Set сохраняет значение в кеш с временем жизни.
	Set(key string, value any, expiration time.Duration) error
}

// Handler обрабатывает запросы чтения запуска сверки по ID.
type Handler struct {
	log     *slog.Logger
	service Service
	cache   Cache
}

// New создает новый Handler.
func New(log *slog.Logger, service Service, cache Cache) *Handler {
	return &Handler{
		log:     log,
		service: service,
		cache:   cache,
	}
}

// ServeHTTP godoc
// @Summary Прочитать запуск сверки
// @Description Возвращает запись запуска сверки со списком находок.
// @Tags Reconciliation
// @Produce json
// @Param id path string true "ID запуска"
// @Success 200 {object} response.OKResponse "Запись запуска"
// @Failure 400 {object} response.ErrorResponse "Некорректный ID"
// @Failure 404 {object} response.ErrorResponse "Запуск не найден"
// @Failure 500 {object} response.ErrorResponse "Ошибка выборки"
// @Security BearerAuth
// @Router /reconcile/runs/{id} [get]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.admin.runread"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		log.Error("invalid run id", sl.Err(err))
		w.WriteHeader(http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid run id"))
		return
	}

	cacheKey := "run:" + id
	var cached *models.ReconciliationRun
	found, err := h.cache.Get(cacheKey, &cached)
	if err != nil {
		log.Warn("failed to read run from cache", slog.String("key", cacheKey), sl.Err(err))
	}
	if found {
		render.JSON(w, r, response.OKWithData(cached))
		return
	}

	run, err := h.service.GetRun(r.Context(), id)
	if errors.Is(err, repository.ErrRunNotFound) {
		log.Error("run not found", slog.String("run_id", id))
		w.WriteHeader(http.StatusNotFound)
		render.JSON(w, r, response.Error("run not found"))
		return
	}
	if err != nil {
		log.Error("failed to read reconciliation run", sl.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		render.JSON(w, r, response.Error("failed to read run"))
		return
	}

	// Завершённый запуск неизменяем, поэтому кешируется безусловно.
	// Незавершённый ещё дописывается, его кешировать нельзя.
	if run.FinishedAt != nil {
		if err := h.cache.Set(cacheKey, run, time.Hour); err != nil {
			log.Warn("failed to cache run", slog.String("key", cacheKey), sl.Err(err))
		}
	}

	render.JSON(w, r, response.OKWithData(run))
}
