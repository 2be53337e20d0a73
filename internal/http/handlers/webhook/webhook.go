// Package webhook реализует HTTP-обработчик вебхуков платёжного провайдера.
//
// Handler проверяет подпись тела запроса, отбрасывает повторные доставки по
// идентификатору события и передаёт типизированное событие машине состояний.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/magabrotheeeer/membership-keeper/internal/config"
	"github.com/magabrotheeeer/membership-keeper/internal/lib/sl"
	"github.com/magabrotheeeer/membership-keeper/internal/models"
)

// Engine обрабатывает типизированные события оплаты.
type Engine interface {
	HandlePaymentFailed(ctx context.Context, ev models.PaymentEvent, now time.Time) error
	HandlePaymentSucceeded(ctx context.Context, ev models.PaymentEvent, now time.Time) error
}

// EventDeduper отбрасывает повторные доставки одного события.
type EventDeduper interface {
	// MarkEventProcessed возвращает false, если событие уже обрабатывалось.
	MarkEventProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
}

// Handler обрабатывает вебхуки платёжного провайдера.
type Handler struct {
	log     *slog.Logger
	engine  Engine
	deduper EventDeduper
	cfg     config.Lifecycle
	secret  string
}

// New создает новый Handler.
func New(log *slog.Logger, engine Engine, deduper EventDeduper, cfg config.Lifecycle, secret string) *Handler {
	return &Handler{
		log:     log,
		engine:  engine,
		deduper: deduper,
		cfg:     cfg,
		secret:  secret,
	}
}

type payload struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			CustomerID    string `json:"customer"`
			BillingReason string `json:"billing_reason"`
		} `json:"object"`
	} `json:"data"`
}

// verifySignature проверяет подпись тела запроса (X-Api-Signature).
func (h *Handler) verifySignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	expectedSig := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expectedSig), []byte(signature))
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.webhook"
	log := h.log.With(slog.String("op", op))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Error("failed to read webhook body", sl.Err(err))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	signature := r.Header.Get("X-Api-Signature")
	if signature == "" || !h.verifySignature(body, signature) {
		log.Error("invalid or missing webhook signature")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		log.Error("failed to unmarshal webhook payload", sl.Err(err))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// Параллельная доставка того же события отсекается до обработки.
	fresh, err := h.deduper.MarkEventProcessed(r.Context(), p.ID, h.cfg.EventDedupTTL)
	if err != nil {
		log.Error("failed to deduplicate event", sl.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !fresh {
		log.Info("duplicate webhook event ignored", slog.String("event_id", p.ID))
		w.WriteHeader(http.StatusOK)
		return
	}

	ev := models.PaymentEvent{
		EventID:       p.ID,
		Kind:          models.EventKind(p.Type),
		CustomerID:    p.Data.Object.CustomerID,
		BillingReason: models.BillingReason(p.Data.Object.BillingReason),
	}
	now := time.Now().UTC()

	switch ev.Kind {
	case models.EventPaymentFailed, models.EventSubscriptionDeleted:
		// Отмена подписки открывает тот же эпизод неоплаты: субъект проходит
		// льготный период и состояние должника, а не исключается сразу.
		err = h.engine.HandlePaymentFailed(r.Context(), ev, now)
	case models.EventInvoicePaid:
		err = h.engine.HandlePaymentSucceeded(r.Context(), ev, now)
	default:
		log.Info("ignored webhook event", slog.String("type", p.Type))
		w.WriteHeader(http.StatusOK)
		return
	}
	if err != nil {
		log.Error("failed to process webhook event",
			slog.String("event_id", p.ID), slog.String("type", p.Type), sl.Err(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	log.Info("webhook processed successfully",
		slog.String("event_id", p.ID), slog.String("type", p.Type))
	w.WriteHeader(http.StatusOK)
}
