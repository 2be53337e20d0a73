// Package poller приводит машину состояний в движение: тик раз в интервал
// загружает субъектов в подходящих состояниях и прогоняет их через переходы
// и планировщик напоминаний. Тики не перекрываются: затянувшийся тик просто
// дорабатывает, следующий начинается после него.
package poller

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

// SubjectRepository определяет выборки субъектов по истёкшим срокам.
type SubjectRepository interface {
	ListExpiredGrace(ctx context.Context, now time.Time) ([]*models.Subject, error)
	ListExpiredDebtor(ctx context.Context, now time.Time) ([]*models.Subject, error)
}

// LifecycleEngine выполняет переходы машины состояний.
type LifecycleEngine interface {
	ProcessGraceExpiry(ctx context.Context, subject *models.Subject, now time.Time) error
	ProcessDebtorExpiry(ctx context.Context, subject *models.Subject, now time.Time) error
}

// NotificationScheduler досылает просроченные напоминания.
type NotificationScheduler interface {
	RunEpisodeCadence(ctx context.Context, now time.Time) error
	RunClaimCadence(ctx context.Context, now time.Time) error
}

// Poller — интервальный драйвер биллингового цикла.
type Poller struct {
	repo      SubjectRepository
	engine    LifecycleEngine
	scheduler NotificationScheduler
	cfg       config.Lifecycle
	log       *slog.Logger
}

// New создает новый Poller.
func New(repo SubjectRepository, engine LifecycleEngine, scheduler NotificationScheduler,
	cfg config.Lifecycle, log *slog.Logger) *Poller {
	return &Poller{
		repo:      repo,
		engine:    engine,
		scheduler: scheduler,
		cfg:       cfg,
		log:       log,
	}
}

// Run крутит цикл тиков до отмены контекста. Тик выполняется синхронно
// внутри цикла, поэтому перекрытие тиков исключено по построению.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.log.Info("poller started", slog.Duration("interval", p.cfg.PollInterval))
	for {
		select {
		case <-ctx.Done():
			p.log.Info("poller stopped")
			return
		case <-ticker.C:
			p.safeTick(ctx, time.Now().UTC())
		}
	}
}

// safeTick выполняет тик с перехватом паники: один плохой тик не должен
// убить таймер.
func (p *Poller) safeTick(ctx context.Context, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("poll tick panicked", slog.Any("panic", r))
		}
	}()

	start := time.Now()
	if err := p.Tick(ctx, now); err != nil {
		p.log.Error("poll tick failed", sl.Err(err))
	}
	metrics.PollTickDuration.Observe(time.Since(start).Seconds())
}

// Tick выполняет один проход: сначала переходы по истёкшим срокам,
// затем напоминания. Субъекты обрабатываются последовательно, ошибка
// одного не останавливает остальных.
func (p *Poller) Tick(ctx context.Context, now time.Time) error {
	const op = "poller.Tick"

	expired, err := p.repo.ListExpiredGrace(ctx, now)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	for _, subject := range expired {
		if err := p.engine.ProcessGraceExpiry(ctx, subject, now); err != nil {
			p.log.Error("grace expiry processing failed",
				slog.String("subject_id", subject.ID), sl.Err(err))
		}
	}

	debtors, err := p.repo.ListExpiredDebtor(ctx, now)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	for _, subject := range debtors {
		if err := p.engine.ProcessDebtorExpiry(ctx, subject, now); err != nil {
			p.log.Error("debtor expiry processing failed",
				slog.String("subject_id", subject.ID), sl.Err(err))
		}
	}

	if err := p.scheduler.RunEpisodeCadence(ctx, now); err != nil {
		p.log.Error("episode cadence run failed", sl.Err(err))
	}
	if err := p.scheduler.RunClaimCadence(ctx, now); err != nil {
		p.log.Error("claim cadence run failed", sl.Err(err))
	}
	return nil
}

// ReconcileRunner запускает один проход сверки.
type ReconcileRunner interface {
	Run(ctx context.Context, trigger string, isReverification bool) (*models.ReconciliationRun, error)
}

// RunReconcileLoop крутит интервальные запуски сверки до отмены контекста.
// Запуск синхронный, перекрытие запусков исключено так же, как у тиков.
func RunReconcileLoop(ctx context.Context, runner ReconcileRunner, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("reconcile loop started", slog.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			log.Info("reconcile loop stopped")
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Error("reconciliation panicked", slog.Any("panic", r))
					}
				}()
				if _, err := runner.Run(ctx, "schedule", false); err != nil {
					log.Error("scheduled reconciliation failed", sl.Err(err))
				}
			}()
		}
	}
}
