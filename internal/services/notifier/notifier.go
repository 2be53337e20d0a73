// Package notifier рассылает напоминания по таблицам временных смещений.
//
// Идемпотентность держится на журнале отправленных ключей: ключ каденции
// записывается в базу до доставки, поэтому каждый ключ срабатывает не более
// одного раза за эпизод независимо от исхода доставки. Сбой DM-провайдера
// не приводит к бесконечным повторам одного и того же напоминания.
package notifier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/magabrotheeeer/membership-keeper/internal/config"
	"github.com/magabrotheeeer/membership-keeper/internal/lib/sl"
	"github.com/magabrotheeeer/membership-keeper/internal/metrics"
	"github.com/magabrotheeeer/membership-keeper/internal/models"
)

// CadenceEntry — одна строка таблицы каденции: смещение от начала отсчёта
// и ключ, под которым отправка фиксируется в журнале.
type CadenceEntry struct {
	Offset time.Duration
	Key    string
}

// episodeCadence — напоминания внутри эпизода неоплаты, смещения от
// paymentFailedAt. 48h совпадает с переходом в должники, дальше — раз в
// неделю до финального предупреждения за 12 часов до исключения.
var episodeCadence = []CadenceEntry{
	{Offset: 0, Key: "payment_failed_immediate"},
	{Offset: 24 * time.Hour, Key: "grace_warning_24h"},
	{Offset: 48 * time.Hour, Key: "debtor_transition_48h"},
	{Offset: 216 * time.Hour, Key: "debtor_reminder_week1"},
	{Offset: 384 * time.Hour, Key: "debtor_reminder_week2"},
	{Offset: 552 * time.Hour, Key: "debtor_reminder_week3"},
	{Offset: 756 * time.Hour, Key: "debtor_final_warning"},
}

var episodeTexts = map[string]string{
	"payment_failed_immediate": "Не удалось списать оплату подписки. Проверьте способ оплаты — доступ пока сохраняется.",
	"grace_warning_24h":        "Оплата всё ещё не прошла. Через 24 часа доступ будет ограничен ролью Debtor.",
	"debtor_transition_48h":    "Льготный период истёк, доступ ограничен. Оплатите подписку, чтобы вернуть прежнюю роль.",
	"debtor_reminder_week1":    "Напоминаем: подписка не оплачена уже неделю. Роль вернётся сразу после оплаты.",
	"debtor_reminder_week2":    "Подписка не оплачена две недели. До исключения из сообщества осталось около двух недель.",
	"debtor_reminder_week3":    "Подписка не оплачена три недели. Через неделю доступ будет закрыт окончательно.",
	"debtor_final_warning":     "Последнее предупреждение: завтра доступ к сообществу будет закрыт. Оплатите подписку, чтобы остаться.",
}

// claimCadence — напоминания оплатившим, но не привязавшим чат-идентичность,
// смещения от момента регистрации: 48 часов, неделя, месяц, затем ежемесячно
// до полугода.
var claimCadence = []CadenceEntry{
	{Offset: 48 * time.Hour, Key: "claim_48h"},
	{Offset: 7 * 24 * time.Hour, Key: "claim_week1"},
	{Offset: 30 * 24 * time.Hour, Key: "claim_month1"},
	{Offset: 60 * 24 * time.Hour, Key: "claim_month2"},
	{Offset: 90 * 24 * time.Hour, Key: "claim_month3"},
	{Offset: 120 * 24 * time.Hour, Key: "claim_month4"},
	{Offset: 150 * 24 * time.Hour, Key: "claim_month5"},
	{Offset: 180 * 24 * time.Hour, Key: "claim_month6"},
}

// SubjectRepository определяет методы хранилища, нужные планировщику.
type SubjectRepository interface {
	ListOpenEpisodes(ctx context.Context) ([]*models.Subject, error)
	ListUnclaimed(ctx context.Context) ([]*models.Subject, error)
	ListTeamMembers(ctx context.Context, teamID string) ([]*models.Subject, error)
	GetSubject(ctx context.Context, id string) (*models.Subject, error)
	// AppendSentNotification фиксирует ключ каденции; false — ключ уже был.
	AppendSentNotification(ctx context.Context, subjectID, cadenceKey string) (bool, error)
	ListSentNotifications(ctx context.Context, subjectID string) ([]string, error)
}

// Messenger отправляет личные сообщения в чат-платформу.
type Messenger interface {
	DM(ctx context.Context, chatID, text string) bool
}

// Publisher публикует почтовые уведомления в очередь.
type Publisher interface {
	Publish(routingKey string, message any) error
}

// Scheduler — планировщик напоминаний по смещениям.
type Scheduler struct {
	repo      SubjectRepository
	messenger Messenger
	publisher Publisher
	throttle  config.RoleGateway
	log       *slog.Logger
}

// New создает новый Scheduler.
func New(repo SubjectRepository, messenger Messenger, publisher Publisher,
	throttle config.RoleGateway, log *slog.Logger) *Scheduler {
	return &Scheduler{
		repo:      repo,
		messenger: messenger,
		publisher: publisher,
		throttle:  throttle,
		log:       log,
	}
}

// RunEpisodeCadence проходит все открытые эпизоды и досылает просроченные
// ключи каденции. Рассылка идёт пачками с паузой, чтобы не упираться в
// лимиты чат-платформы.
func (s *Scheduler) RunEpisodeCadence(ctx context.Context, now time.Time) error {
	const op = "notifier.RunEpisodeCadence"

	subjects, err := s.repo.ListOpenEpisodes(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.inBatches(subjects, func(subject *models.Subject) {
		s.deliverEpisode(ctx, subject, now)
	})
	return nil
}

func (s *Scheduler) deliverEpisode(ctx context.Context, subject *models.Subject, now time.Time) {
	if subject.PaymentFailedAt == nil {
		return
	}
	elapsed := now.Sub(*subject.PaymentFailedAt)

	// Эпизод команды один, но напоминание получает каждый участник с
	// чат-идентичностью. Ключ при этом фиксируется один раз — на команде.
	recipients := []*models.Subject{subject}
	if subject.Kind == models.KindTeam {
		members, err := s.repo.ListTeamMembers(ctx, subject.ID)
		if err != nil {
			s.log.Error("failed to list team members for episode cadence",
				slog.String("subject_id", subject.ID), sl.Err(err))
			return
		}
		recipients = members
	}

	for _, entry := range episodeCadence {
		if elapsed < entry.Offset {
			break
		}

		inserted, err := s.repo.AppendSentNotification(ctx, subject.ID, entry.Key)
		if err != nil {
			s.log.Error("failed to record cadence key",
				slog.String("subject_id", subject.ID),
				slog.String("cadence_key", entry.Key),
				sl.Err(err))
			continue
		}
		if !inserted {
			continue
		}

		// Ключ уже записан: исход доставки влияет только на счётчики.
		for _, recipient := range recipients {
			if recipient.ChatID == nil {
				continue
			}
			if s.messenger.DM(ctx, *recipient.ChatID, episodeTexts[entry.Key]) {
				metrics.NotificationsSent.WithLabelValues("dm").Inc()
			} else {
				metrics.NotificationsFailed.WithLabelValues("dm").Inc()
			}
		}
		s.log.Info("episode reminder fired",
			slog.String("subject_id", subject.ID),
			slog.String("cadence_key", entry.Key))
	}
}

// RunClaimCadence напоминает оплатившим участникам привязать чат-идентичность.
// Перед каждой отправкой субъект перечитывается: параллельная привязка
// обрывает оставшуюся каденцию целиком.
func (s *Scheduler) RunClaimCadence(ctx context.Context, now time.Time) error {
	const op = "notifier.RunClaimCadence"

	subjects, err := s.repo.ListUnclaimed(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.inBatches(subjects, func(subject *models.Subject) {
		s.deliverClaim(ctx, subject, now)
	})
	return nil
}

func (s *Scheduler) deliverClaim(ctx context.Context, subject *models.Subject, now time.Time) {
	if subject.Email == nil {
		return
	}
	elapsed := now.Sub(subject.CreatedAt)

	for _, entry := range claimCadence {
		if elapsed < entry.Offset {
			break
		}

		fresh, err := s.repo.GetSubject(ctx, subject.ID)
		if err != nil {
			s.log.Error("failed to re-check subject before claim reminder",
				slog.String("subject_id", subject.ID), sl.Err(err))
			return
		}
		if fresh.ChatID != nil {
			s.log.Info("chat identity claimed, aborting claim cadence",
				slog.String("subject_id", subject.ID))
			return
		}

		inserted, err := s.repo.AppendSentNotification(ctx, subject.ID, entry.Key)
		if err != nil {
			s.log.Error("failed to record cadence key",
				slog.String("subject_id", subject.ID),
				slog.String("cadence_key", entry.Key),
				sl.Err(err))
			continue
		}
		if !inserted {
			continue
		}

		msg := models.ClaimReminderEmail{
			Email:      *subject.Email,
			SubjectID:  subject.ID,
			CadenceKey: entry.Key,
		}
		if err := s.publisher.Publish("claim", msg); err != nil {
			metrics.NotificationsFailed.WithLabelValues("email").Inc()
			s.log.Error("failed to publish claim reminder",
				slog.String("subject_id", subject.ID), sl.Err(err))
			continue
		}
		metrics.NotificationsSent.WithLabelValues("email").Inc()
		s.log.Info("claim reminder published",
			slog.String("subject_id", subject.ID),
			slog.String("cadence_key", entry.Key))
	}
}

// inBatches обрабатывает субъектов пачками с фиксированной паузой между
// пачками. Это троттлинг под лимиты внешней платформы, не механизм
// корректности.
func (s *Scheduler) inBatches(subjects []*models.Subject, fn func(*models.Subject)) {
	size := s.throttle.BatchSize
	if size <= 0 {
		size = 5
	}
	for i, subject := range subjects {
		if i > 0 && i%size == 0 {
			time.Sleep(s.throttle.BatchDelay)
		}
		fn(subject)
	}
}
