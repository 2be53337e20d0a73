package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/magabrotheeeer/membership-keeper/internal/config"
	"github.com/magabrotheeeer/membership-keeper/internal/lib/sl"
	"github.com/magabrotheeeer/membership-keeper/internal/metrics"
	"github.com/magabrotheeeer/membership-keeper/internal/models"
	"github.com/magabrotheeeer/membership-keeper/internal/paymentprovider"
)

// Триггеры запуска сверки.
const (
	TriggerSchedule       = "schedule"
	TriggerManual         = "manual"
	TriggerReverification = "reverification"
)

// SubjectRepository определяет методы хранилища, нужные сверке.
type SubjectRepository interface {
	ListAllSubjects(ctx context.Context) ([]*models.Subject, error)
}

// RunStore сохраняет записи запусков сверки.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.ReconciliationRun) error
	FinishRun(ctx context.Context, run *models.ReconciliationRun, finishedAt time.Time) error
}

// RoleGateway описывает возможности чат-платформы, нужные сверке.
type RoleGateway interface {
	ListManagedRoles(ctx context.Context) (map[string][]string, error)
	AddRole(ctx context.Context, chatID, roleName string) error
	RemoveAllManagedRoles(ctx context.Context, chatID string) error
	AlertAdmin(ctx context.Context, message string)
}

// SubscriptionLister загружает подписки у платёжного провайдера.
type SubscriptionLister interface {
	ListAllSubscriptions(ctx context.Context) ([]paymentprovider.Subscription, error)
}

// Publisher публикует почтовые уведомления в очередь.
type Publisher interface {
	Publish(routingKey string, message any) error
}

// Runner оркестрирует запуск сверки: два параллельных снимка, детекция,
// авто-исправление, запись аудита и одноразовая повторная проверка.
type Runner struct {
	repo     SubjectRepository
	runs     RunStore
	gateway  RoleGateway
	provider SubscriptionLister
	pub      Publisher
	detector *Detector
	roles    config.RoleGateway
	cfg      config.Reconciliation
	log      *slog.Logger

	mu               sync.Mutex
	reverifyPending  bool
	scheduleReverify func(delay time.Duration, fn func()) // подменяется в тестах
}

// NewRunner создает новый Runner.
func NewRunner(repo SubjectRepository, runs RunStore, gateway RoleGateway,
	provider SubscriptionLister, pub Publisher,
	roles config.RoleGateway, cfg config.Reconciliation, log *slog.Logger) *Runner {
	return &Runner{
		repo:     repo,
		runs:     runs,
		gateway:  gateway,
		provider: provider,
		pub:      pub,
		detector: NewDetector(roles),
		roles:    roles,
		cfg:      cfg,
		log:      log,
		scheduleReverify: func(delay time.Duration, fn func()) {
			time.AfterFunc(delay, fn)
		},
	}
}

// Run выполняет один проход сверки. Запись запуска сохраняется в любом
// случае: даже при внутренней ошибке у неё будет отметка завершения.
func (r *Runner) Run(ctx context.Context, trigger string, isReverification bool) (*models.ReconciliationRun, error) {
	const op = "reconcile.Run"

	run := &models.ReconciliationRun{
		ID:               uuid.NewString(),
		Trigger:          trigger,
		AutoFix:          r.cfg.AutoFix,
		IsReverification: isReverification,
		StartedAt:        time.Now().UTC(),
	}
	if err := r.runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		if err := r.runs.FinishRun(ctx, run, time.Now().UTC()); err != nil {
			r.log.Error("failed to finish reconciliation run", slog.String("run_id", run.ID), sl.Err(err))
		}
	}()

	subjects, payments, roleSnapshot, err := r.buildSnapshots(ctx)
	if err != nil {
		return run, fmt.Errorf("%s: %w", op, err)
	}
	run.SubjectsChecked = len(subjects)

	issues := r.detector.Detect(subjects, payments, roleSnapshot)
	run.Issues = issues
	run.IssuesFound = len(issues)
	for _, issue := range issues {
		metrics.DriftIssuesFound.WithLabelValues(string(issue.Type)).Inc()
	}

	if r.cfg.AutoFix {
		run.IssuesFixed = r.fixIssues(ctx, subjects, issues)
	}

	if run.IssuesFound > 0 {
		r.notifyAdmins(ctx, run)
	}

	// Одноразовая повторная проверка: убедиться, что исправления прижились.
	// Сама повторная проверка новых проверок не порождает.
	if run.IssuesFixed > 0 && !isReverification {
		r.enqueueReverify()
	}

	r.log.Info("reconciliation run finished",
		slog.String("run_id", run.ID),
		slog.String("trigger", trigger),
		slog.Int("subjects_checked", run.SubjectsChecked),
		slog.Int("issues_found", run.IssuesFound),
		slog.Int("issues_fixed", run.IssuesFixed))
	return run, nil
}

// buildSnapshots собирает снимок платежей и снимок ролей параллельно:
// оба только читают и друг от друга не зависят.
func (r *Runner) buildSnapshots(ctx context.Context) ([]*models.Subject, map[string]string, map[string][]string, error) {
	var (
		subjects     []*models.Subject
		payments     map[string]string
		roleSnapshot map[string][]string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		subscriptions, err := r.provider.ListAllSubscriptions(gctx)
		if err != nil {
			return err
		}
		payments = paymentprovider.SnapshotByCustomer(subscriptions)
		return nil
	})
	g.Go(func() error {
		var err error
		roleSnapshot, err = r.gateway.ListManagedRoles(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		subjects, err = r.repo.ListAllSubjects(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, nil, err
	}
	return subjects, payments, roleSnapshot, nil
}

// fixIssues применяет исправление к каждой находке. Сбой одного исправления
// логируется и не мешает остальным.
func (r *Runner) fixIssues(ctx context.Context, subjects []*models.Subject, issues []models.DriftIssue) int {
	byID := make(map[string]*models.Subject, len(subjects))
	for _, s := range subjects {
		byID[s.ID] = s
	}

	fixed := 0
	for _, issue := range issues {
		subject := byID[issue.SubjectID]
		if subject == nil {
			r.log.Error("issue references unknown subject", slog.String("subject_id", issue.SubjectID))
			continue
		}
		if err := r.fixIssue(ctx, subject, issue); err != nil {
			r.log.Error("failed to fix drift issue",
				slog.String("subject_id", issue.SubjectID),
				slog.String("type", string(issue.Type)),
				sl.Err(err))
			continue
		}
		fixed++
		metrics.DriftIssuesFixed.Inc()
		r.log.Info("drift issue fixed",
			slog.String("subject_id", issue.SubjectID),
			slog.String("type", string(issue.Type)))
	}
	return fixed
}

func (r *Runner) fixIssue(ctx context.Context, subject *models.Subject, issue models.DriftIssue) error {
	switch issue.Type {
	case models.DriftMissingAccess:
		return r.gateway.AddRole(ctx, issue.ChatID, r.roles.RoleForTier(subject.Tier))
	case models.DriftUnauthorizedAccess:
		return r.gateway.RemoveAllManagedRoles(ctx, issue.ChatID)
	case models.DriftRoleMismatch:
		if err := r.gateway.RemoveAllManagedRoles(ctx, issue.ChatID); err != nil {
			return err
		}
		expected := r.roles.RoleForTier(subject.Tier)
		if subject.IsInDebtorState {
			expected = r.roles.DebtorRole
		}
		return r.gateway.AddRole(ctx, issue.ChatID, expected)
	case models.DriftDebtorMismatch:
		return r.gateway.AddRole(ctx, issue.ChatID, r.roles.DebtorRole)
	default:
		return fmt.Errorf("unknown drift type %q", issue.Type)
	}
}

func (r *Runner) notifyAdmins(ctx context.Context, run *models.ReconciliationRun) {
	r.gateway.AlertAdmin(ctx, fmt.Sprintf(
		"reconciliation %s: %d issues found, %d fixed (run %s)",
		run.Trigger, run.IssuesFound, run.IssuesFixed, run.ID))

	if r.cfg.AdminEmail == "" {
		return
	}
	msg := models.ReconcileSummaryEmail{
		Email:       r.cfg.AdminEmail,
		RunID:       run.ID,
		Trigger:     run.Trigger,
		IssuesFound: run.IssuesFound,
		IssuesFixed: run.IssuesFixed,
	}
	if err := r.pub.Publish("reconcile", msg); err != nil {
		r.log.Error("failed to publish reconciliation summary", sl.Err(err))
	}
}

// enqueueReverify ставит одноразовый таймер повторной проверки. Пока одна
// повторная проверка ждёт своего часа, вторая не ставится.
func (r *Runner) enqueueReverify() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reverifyPending {
		return
	}
	r.reverifyPending = true

	r.log.Info("reverification scheduled", slog.Duration("delay", r.cfg.ReverifyDelay))
	r.scheduleReverify(r.cfg.ReverifyDelay, func() {
		r.mu.Lock()
		r.reverifyPending = false
		r.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if _, err := r.Run(ctx, TriggerReverification, true); err != nil {
			r.log.Error("reverification run failed", sl.Err(err))
		}
	})
}
