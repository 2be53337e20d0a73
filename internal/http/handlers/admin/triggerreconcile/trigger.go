// Package triggerreconcile реализует HTTP-обработчик ручного запуска сверки.
package triggerreconcile

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/membership-keeper/internal/http/response"
	"github.com/magabrotheeeer/membership-keeper/internal/lib/sl"
	"github.com/magabrotheeeer/membership-keeper/internal/models"
)

// Runner запускает один проход сверки.
type Runner interface {
	Run(ctx context.Context, trigger string, isReverification bool) (*models.ReconciliationRun, error)
}

// Handler обрабатывает запросы на ручной запуск сверки.
type Handler struct {
	log    *slog.Logger
	runner Runner
}

// New создает новый Handler.
func New(log *slog.Logger, runner Runner) *Handler {
	return &Handler{
		log:    log,
		runner: runner,
	}
}

// ServeHTTP godoc
// @Summary Запустить сверку вручную
// @Description Выполняет один проход сверки платёжных статусов и ролей. Возвращает запись запуска с находками.
// @Tags Reconciliation
// @Produce json
// @Success 200 {object} response.OKResponse "Сверка выполнена"
// @Failure 500 {object} response.ErrorResponse "Ошибка при выполнении сверки"
// @Security BearerAuth
// @Router /reconcile [post]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.admin.triggerreconcile"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	run, err := h.runner.Run(r.Context(), "manual", false)
	if err != nil {
		log.Error("manual reconciliation failed", sl.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		render.JSON(w, r, response.Error("failed to run reconciliation"))
		return
	}

	log.Info("manual reconciliation finished",
		slog.String("run_id", run.ID),
		slog.Int("issues_found", run.IssuesFound))
	render.JSON(w, r, response.OKWithData(run))
}
