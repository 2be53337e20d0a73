// Package runlist реализует HTTP-обработчик списка запусков сверки.
package runlist

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/membership-keeper/internal/http/response"
	"github.com/magabrotheeeer/membership-keeper/internal/lib/sl"
	"github.com/magabrotheeeer/membership-keeper/internal/models"
)

// Service описывает выборку записей запусков сверки.
type Service interface {
	ListRuns(ctx context.Context, limit, offset int) ([]*models.ReconciliationRun, error)
}

// Handler обрабатывает запросы списка запусков сверки.
type Handler struct {
	log     *slog.Logger
	service Service
}

// New создает новый Handler.
func New(log *slog.Logger, service Service) *Handler {
	return &Handler{
		log:     log,
		service: service,
	}
}

// ServeHTTP godoc
// @Summary Список запусков сверки
// @Description Возвращает записи запусков сверки, свежие первыми.
// @Tags Reconciliation
// @Produce json
// @Param limit query int false "Максимум записей" default(20)
// @Param offset query int false "Смещение" default(0)
// @Success 200 {object} response.OKResponse "Список запусков"
// @Failure 500 {object} response.ErrorResponse "Ошибка выборки"
// @Security BearerAuth
// @Router /reconcile/runs [get]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.admin.runlist"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}
	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	runs, err := h.service.ListRuns(r.Context(), limit, offset)
	if err != nil {
		log.Error("failed to list reconciliation runs", sl.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		render.JSON(w, r, response.Error("failed to list runs"))
		return
	}

	render.JSON(w, r, response.OKWithData(map[string]any{
		"runs":  runs,
		"count": len(runs),
	}))
}
