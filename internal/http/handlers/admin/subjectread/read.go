// Package subjectread реализует HTTP-обработчик чтения биллингового
// состояния субъекта вместе с журналом отправленных уведомлений.
package subjectread

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/membership-keeper/internal/http/response"
	"github.com/magabrotheeeer/membership-keeper/internal/lib/sl"
	"github.com/magabrotheeeer/membership-keeper/internal/models"
	"github.com/magabrotheeeer/membership-keeper/internal/storage/repository"
)

// Service описывает чтение субъекта и его журнала уведомлений.
type Service interface {
	GetSubject(ctx context.Context, id string) (*models.Subject, error)
	ListSentNotifications(ctx context.Context, subjectID string) ([]string, error)
}

// Handler обрабатывает запросы чтения состояния субъекта.
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
// @Summary Прочитать состояние субъекта
// @Description Возвращает биллинговые поля субъекта и отправленные ключи каденции текущего эпизода.
// @Tags Subjects
// @Produce json
// @Param id path string true "ID субъекта"
// @Success 200 {object} response.OKResponse "Состояние субъекта"
// @Failure 404 {object} response.ErrorResponse "Субъект не найден"
// @Failure 500 {object} response.ErrorResponse "Ошибка выборки"
// @Security BearerAuth
// @Router /subjects/{id} [get]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.admin.subjectread"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	id := chi.URLParam(r, "id")

	subject, err := h.service.GetSubject(r.Context(), id)
	if errors.Is(err, repository.ErrSubjectNotFound) {
		log.Error("subject not found", slog.String("subject_id", id))
		w.WriteHeader(http.StatusNotFound)
		render.JSON(w, r, response.Error("subject not found"))
		return
	}
	if err != nil {
		log.Error("failed to read subject", sl.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		render.JSON(w, r, response.Error("failed to read subject"))
		return
	}

	sent, err := h.service.ListSentNotifications(r.Context(), id)
	if err != nil {
		log.Error("failed to read sent notifications", sl.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		render.JSON(w, r, response.Error("failed to read sent notifications"))
		return
	}

	render.JSON(w, r, response.OKWithData(map[string]any{
		"subject":            subject,
		"sent_notifications": sent,
	}))
}
