// Package lifecycle реализует машину состояний оплаты: Active → Grace →
// Debtor → Removed и восстановление обратно в Active при успешной оплате.
//
// Решения фиксируются в базе до внешних побочных эффектов, поэтому сбой
// посреди перехода восстанавливается идемпотентным повтором на следующем
// тике поллера: повторное снятие роли и досылка незаписанного уведомления
// безопасны.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/magabrotheeeer/membership-keeper/internal/config"
	"github.com/magabrotheeeer/membership-keeper/internal/lib/sl"
	"github.com/magabrotheeeer/membership-keeper/internal/metrics"
	"github.com/magabrotheeeer/membership-keeper/internal/models"
	"github.com/magabrotheeeer/membership-keeper/internal/rolegateway"
)

// SubjectRepository определяет методы хранилища биллинговых состояний.
type SubjectRepository interface {
	// GetSubjectByCustomerID возвращает субъекта по клиенту провайдера.
	GetSubjectByCustomerID(ctx context.Context, customerID string) (*models.Subject, error)
	// ListTeamMembers возвращает участников команды.
	ListTeamMembers(ctx context.Context, teamID string) ([]*models.Subject, error)
	// StartEpisode открывает эпизод неоплаты; ноль строк — эпизод уже открыт.
	StartEpisode(ctx context.Context, id string, failedAt, graceEndsAt time.Time) (int, error)
	// MarkDebtor переводит субъекта в должники, previous_role пишется один раз.
	MarkDebtor(ctx context.Context, id string, previousRole string, endsAt time.Time) (int, error)
	// ClearEpisode закрывает эпизод целиком с итоговым статусом.
	ClearEpisode(ctx context.Context, id string, finalStatus models.BillingStatus, resetIntro bool) error
	// InvalidatePendingInvites гасит непринятые приглашения команды.
	InvalidatePendingInvites(ctx context.Context, teamID string) (int, error)
}

// RoleGateway описывает возможности чат-платформы, нужные машине состояний.
type RoleGateway interface {
	CurrentRole(ctx context.Context, chatID string) (string, error)
	AddRole(ctx context.Context, chatID, roleName string) error
	RemoveRole(ctx context.Context, chatID, roleName string) error
	RemoveAllManagedRoles(ctx context.Context, chatID string) error
	Kick(ctx context.Context, chatID, reason string) error
	DM(ctx context.Context, chatID, text string) bool
	AlertAdmin(ctx context.Context, message string)
}

// Publisher публикует почтовые уведомления в очередь.
type Publisher interface {
	Publish(routingKey string, message any) error
}

// Engine — машина состояний оплаты.
type Engine struct {
	repo      SubjectRepository
	gateway   RoleGateway
	publisher Publisher
	roles     config.RoleGateway
	periods   config.Lifecycle
	log       *slog.Logger
}

// New создает новый Engine.
func New(repo SubjectRepository, gateway RoleGateway, publisher Publisher,
	roles config.RoleGateway, periods config.Lifecycle, log *slog.Logger) *Engine {
	return &Engine{
		repo:      repo,
		gateway:   gateway,
		publisher: publisher,
		roles:     roles,
		periods:   periods,
		log:       log,
	}
}

// HandlePaymentFailed открывает эпизод неоплаты по событию провайдера.
// Повторная доставка события для уже открытого эпизода ничего не меняет.
func (e *Engine) HandlePaymentFailed(ctx context.Context, ev models.PaymentEvent, now time.Time) error {
	const op = "lifecycle.HandlePaymentFailed"

	subject, err := e.repo.GetSubjectByCustomerID(ctx, ev.CustomerID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	rows, err := e.repo.StartEpisode(ctx, subject.ID, now, now.Add(e.periods.GracePeriod))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if rows == 0 {
		e.log.Info("episode already open, ignoring repeated failure event",
			slog.String("subject_id", subject.ID))
		return nil
	}

	// Эпизод команды открывается и на строках участников: дальнейшие
	// переходы (MarkDebtor, ClearEpisode) работают с каждым участником
	// по тем же охранным условиям, что и с индивидуальным субъектом.
	if subject.Kind == models.KindTeam {
		members, err := e.repo.ListTeamMembers(ctx, subject.ID)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		for _, member := range members {
			if _, err := e.repo.StartEpisode(ctx, member.ID, now, now.Add(e.periods.GracePeriod)); err != nil {
				e.log.Error("failed to open episode for team member",
					slog.String("subject_id", member.ID), sl.Err(err))
			}
		}
	}

	metrics.LifecycleTransitions.WithLabelValues("episode_start").Inc()
	e.log.Info("failure episode started",
		slog.String("subject_id", subject.ID),
		slog.Time("grace_ends_at", now.Add(e.periods.GracePeriod)))
	return nil
}

// HandlePaymentSucceeded обрабатывает успешную оплату. Восстановлением
// считается только продление цикла подписки при открытом эпизоде: первая
// оплата и checkout проходят мимо.
func (e *Engine) HandlePaymentSucceeded(ctx context.Context, ev models.PaymentEvent, now time.Time) error {
	const op = "lifecycle.HandlePaymentSucceeded"

	subject, err := e.repo.GetSubjectByCustomerID(ctx, ev.CustomerID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if !subject.InEpisode() {
		e.log.Debug("regular renewal, nothing to recover", slog.String("subject_id", subject.ID))
		return nil
	}
	if ev.BillingReason != models.ReasonSubscriptionCycle {
		e.log.Info("paid invoice is not a cycle renewal, not treating as recovery",
			slog.String("subject_id", subject.ID),
			slog.String("billing_reason", string(ev.BillingReason)))
		return nil
	}

	group, err := e.resolveGroup(ctx, subject)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	for _, member := range group {
		e.recoverMember(ctx, member)
		if err := e.repo.ClearEpisode(ctx, member.ID, models.BillingActive, false); err != nil {
			e.log.Error("failed to clear episode on recovery", slog.String("subject_id", member.ID), sl.Err(err))
			continue
		}
	}
	if subject.Kind == models.KindTeam {
		if err := e.repo.ClearEpisode(ctx, subject.ID, models.BillingActive, false); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	metrics.LifecycleTransitions.WithLabelValues("recovery").Inc()
	e.log.Info("subject recovered", slog.String("subject_id", subject.ID))
	return nil
}

// recoverMember возвращает участнику доступ. Если он был должником — роль
// Debtor снимается и возвращается роль, записанная при входе в это
// состояние; если эпизод не дошёл до должника, роли не трогались вовсе.
func (e *Engine) recoverMember(ctx context.Context, member *models.Subject) {
	if member.ChatID == nil {
		return
	}
	chatID := *member.ChatID

	if !member.IsInDebtorState {
		e.gateway.DM(ctx, chatID, "Оплата получена, вопрос закрыт — доступ не прерывался. Спасибо!")
		return
	}

	if err := e.gateway.RemoveRole(ctx, chatID, e.roles.DebtorRole); err != nil {
		e.reportRoleFailure(ctx, member.ID, "remove debtor role", err)
	}
	restored := e.roles.BaselineRole
	if member.PreviousRole != nil && *member.PreviousRole != "" {
		restored = *member.PreviousRole
	}
	if err := e.gateway.AddRole(ctx, chatID, restored); err != nil {
		e.reportRoleFailure(ctx, member.ID, "restore previous role", err)
	}

	if member.IsOwner || member.Kind == models.KindMember {
		e.gateway.DM(ctx, chatID, fmt.Sprintf(
			"Оплата получена! Полный доступ восстановлен, роль %s возвращена.", restored))
		if member.IsOwner && member.Email != nil {
			msg := models.RecoveryFollowupEmail{
				Email:        *member.Email,
				SubjectID:    member.ID,
				RestoredRole: restored,
			}
			if err := e.publisher.Publish("recovery", msg); err != nil {
				e.log.Error("failed to publish recovery followup", sl.Err(err))
			}
		}
	} else {
		e.gateway.DM(ctx, chatID, "Оплата команды получена, доступ восстановлен.")
	}
}

// ProcessGraceExpiry выполняет переход Grace → Debtor. Текущая роль
// читается до любых изменений — это единственный надёжный момент узнать,
// что возвращать при восстановлении. Запись в базу идёт до работы с ролями.
func (e *Engine) ProcessGraceExpiry(ctx context.Context, subject *models.Subject, now time.Time) error {
	const op = "lifecycle.ProcessGraceExpiry"

	debtorEndsAt := now.Add(e.periods.DebtorPeriod)

	group, err := e.resolveGroup(ctx, subject)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	for _, member := range group {
		e.enterDebtor(ctx, member, debtorEndsAt)
	}

	if subject.Kind == models.KindTeam {
		// Строка команды помечается последней: пока она не должник, команда
		// остаётся в выборке просроченных и недообработанные участники
		// дойдут на следующем тике.
		if _, err := e.repo.MarkDebtor(ctx, subject.ID, e.roles.RoleForTier(subject.Tier), debtorEndsAt); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	metrics.LifecycleTransitions.WithLabelValues("grace_to_debtor").Inc()
	e.log.Info("subject moved to debtor state",
		slog.String("subject_id", subject.ID),
		slog.Time("debtor_ends_at", debtorEndsAt))
	return nil
}

func (e *Engine) enterDebtor(ctx context.Context, member *models.Subject, endsAt time.Time) {
	previousRole := e.roles.RoleForTier(member.Tier)

	if member.ChatID != nil {
		role, err := e.gateway.CurrentRole(ctx, *member.ChatID)
		switch {
		case errors.Is(err, rolegateway.ErrNotInGuild):
			e.log.Info("member left guild, database-only debtor transition",
				slog.String("subject_id", member.ID))
		case err != nil:
			e.log.Error("failed to read current role, falling back to tier default",
				slog.String("subject_id", member.ID), sl.Err(err))
		case role != "":
			previousRole = role
		}
	}

	rows, err := e.repo.MarkDebtor(ctx, member.ID, previousRole, endsAt)
	if err != nil {
		e.log.Error("failed to mark debtor", slog.String("subject_id", member.ID), sl.Err(err))
		return
	}
	if rows == 0 {
		// Без открытого эпизода перехода в базе не случилось — роли не
		// трогаются, иначе чат разойдётся с базой.
		e.log.Warn("no open episode for member, skipping debtor transition",
			slog.String("subject_id", member.ID))
		return
	}

	if member.ChatID == nil {
		return
	}
	chatID := *member.ChatID

	if err := e.gateway.RemoveAllManagedRoles(ctx, chatID); err != nil && !errors.Is(err, rolegateway.ErrNotInGuild) {
		e.reportRoleFailure(ctx, member.ID, "remove managed roles", err)
	}
	if err := e.gateway.AddRole(ctx, chatID, e.roles.DebtorRole); err != nil && !errors.Is(err, rolegateway.ErrNotInGuild) {
		e.reportRoleFailure(ctx, member.ID, "add debtor role", err)
	}
	e.gateway.DM(ctx, chatID, "Льготный период по оплате истёк: доступ ограничен ролью Debtor. "+
		"Оплатите подписку, и прежняя роль вернётся автоматически.")
}

// ProcessDebtorExpiry выполняет переход Debtor → Removed. Прощальное
// сообщение уходит до исключения: исключённому участнику написать уже
// нельзя. Сбои kick проглатываются — субъект мог выйти сам.
func (e *Engine) ProcessDebtorExpiry(ctx context.Context, subject *models.Subject, now time.Time) error {
	const op = "lifecycle.ProcessDebtorExpiry"

	group, err := e.resolveGroup(ctx, subject)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	for _, member := range group {
		e.removeMember(ctx, member)
		if err := e.repo.ClearEpisode(ctx, member.ID, models.BillingCancelled, true); err != nil {
			e.log.Error("failed to clear episode on removal", slog.String("subject_id", member.ID), sl.Err(err))
		}
	}

	if subject.Kind == models.KindTeam {
		if _, err := e.repo.InvalidatePendingInvites(ctx, subject.ID); err != nil {
			e.log.Error("failed to invalidate pending invites", slog.String("team_id", subject.ID), sl.Err(err))
		}
		if err := e.repo.ClearEpisode(ctx, subject.ID, models.BillingCancelled, true); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	metrics.LifecycleTransitions.WithLabelValues("debtor_to_removed").Inc()
	e.log.Info("subject removed after debtor expiry", slog.String("subject_id", subject.ID))
	return nil
}

func (e *Engine) removeMember(ctx context.Context, member *models.Subject) {
	if member.ChatID == nil {
		return
	}
	chatID := *member.ChatID

	e.gateway.DM(ctx, chatID, "Срок состояния должника истёк, доступ к сообществу закрыт. "+
		"Вернуться можно, оформив подписку заново.")

	if err := e.gateway.RemoveAllManagedRoles(ctx, chatID); err != nil && !errors.Is(err, rolegateway.ErrNotInGuild) {
		e.reportRoleFailure(ctx, member.ID, "remove managed roles", err)
	}
	if err := e.gateway.Kick(ctx, chatID, "membership cancelled after debtor expiry"); err != nil {
		// Субъект мог покинуть гильдию сам, это не эскалируется.
		e.log.Info("kick failed, subject likely already left",
			slog.String("subject_id", member.ID), sl.Err(err))
	}
}

// resolveGroup разворачивает субъекта в список участников: команда — её
// участники, индивидуальный участник — он сам.
func (e *Engine) resolveGroup(ctx context.Context, subject *models.Subject) ([]*models.Subject, error) {
	if subject.Kind != models.KindTeam {
		return []*models.Subject{subject}, nil
	}
	return e.repo.ListTeamMembers(ctx, subject.ID)
}

func (e *Engine) reportRoleFailure(ctx context.Context, subjectID, action string, err error) {
	e.log.Error("role operation failed",
		slog.String("subject_id", subjectID),
		slog.String("action", action),
		sl.Err(err))
	e.gateway.AlertAdmin(ctx, fmt.Sprintf("role operation failed for subject %s: %s: %v", subjectID, action, err))
}
