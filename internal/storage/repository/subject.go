package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/magabrotheeeer/membership-keeper/internal/models"
)

// ErrSubjectNotFound возвращается, когда субъект не найден в базе.
var ErrSubjectNotFound = errors.New("subject not found")

const subjectColumns = `id, kind, team_id, chat_id, email, tier, is_owner, customer_id,
			billing_status, intro_completed, created_at, payment_failed_at,
			grace_period_ends_at, debtor_state_ends_at, is_in_debtor_state, previous_role`

func scanSubject(row interface{ Scan(...any) error }) (*models.Subject, error) {
	var s models.Subject
	if err := row.Scan(&s.ID, &s.Kind, &s.TeamID, &s.ChatID, &s.Email, &s.Tier, &s.IsOwner,
		&s.CustomerID, &s.Status, &s.IntroCompleted, &s.CreatedAt, &s.PaymentFailedAt,
		&s.GracePeriodEndsAt, &s.DebtorStateEndsAt, &s.IsInDebtorState, &s.PreviousRole); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSubject возвращает субъекта по его идентификатору.
func (s *Storage) GetSubject(ctx context.Context, id string) (*models.Subject, error) {
	const op = "storage.GetSubject"

	query := `SELECT ` + subjectColumns + ` FROM subjects WHERE id = $1`
	subject, err := scanSubject(s.DB.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, ErrSubjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return subject, nil
}

// GetSubjectByCustomerID возвращает субъекта по идентификатору клиента
// платёжного провайдера.
func (s *Storage) GetSubjectByCustomerID(ctx context.Context, customerID string) (*models.Subject, error) {
	const op = "storage.GetSubjectByCustomerID"

	query := `SELECT ` + subjectColumns + ` FROM subjects WHERE customer_id = $1`
	subject, err := scanSubject(s.DB.QueryRowContext(ctx, query, customerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, ErrSubjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return subject, nil
}

// ListTeamMembers возвращает участников команды.
func (s *Storage) ListTeamMembers(ctx context.Context, teamID string) ([]*models.Subject, error) {
	const op = "storage.ListTeamMembers"

	query := `SELECT ` + subjectColumns + ` FROM subjects WHERE team_id = $1 ORDER BY is_owner DESC, id`
	return s.querySubjects(ctx, op, query, teamID)
}

// StartEpisode открывает эпизод неоплаты. Повторный вызов для уже открытого
// эпизода не меняет ничего — вернётся ноль затронутых строк.
func (s *Storage) StartEpisode(ctx context.Context, id string, failedAt, graceEndsAt time.Time) (int, error) {
	const op = "storage.StartEpisode"

	query := `UPDATE subjects
			  SET payment_failed_at = $2, grace_period_ends_at = $3, billing_status = $4
			  WHERE id = $1 AND payment_failed_at IS NULL`
	result, err := s.DB.ExecContext(ctx, query, id, failedAt, graceEndsAt, models.BillingPastDue)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int(rowsAffected), nil
}

// MarkDebtor переводит субъекта в состояние должника. previous_role пишется
// только если ещё не записан в этом эпизоде, поэтому повтор после сбоя безопасен.
func (s *Storage) MarkDebtor(ctx context.Context, id string, previousRole string, endsAt time.Time) (int, error) {
	const op = "storage.MarkDebtor"

	query := `UPDATE subjects
			  SET is_in_debtor_state = TRUE,
			      debtor_state_ends_at = $3,
			      previous_role = COALESCE(previous_role, $2)
			  WHERE id = $1 AND payment_failed_at IS NOT NULL AND is_in_debtor_state = FALSE`
	result, err := s.DB.ExecContext(ctx, query, id, previousRole, endsAt)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int(rowsAffected), nil
}

// ClearEpisode закрывает эпизод неоплаты целиком: обнуляет все поля эпизода
// и журнал отправленных уведомлений в одной транзакции, выставляя итоговый
// статус оплаты.
func (s *Storage) ClearEpisode(ctx context.Context, id string, finalStatus models.BillingStatus, resetIntro bool) error {
	const op = "storage.ClearEpisode"

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := `UPDATE subjects
			  SET payment_failed_at = NULL,
			      grace_period_ends_at = NULL,
			      debtor_state_ends_at = NULL,
			      is_in_debtor_state = FALSE,
			      previous_role = NULL,
			      billing_status = $2,
			      intro_completed = CASE WHEN $3 THEN FALSE ELSE intro_completed END
			  WHERE id = $1`
	if _, err := tx.ExecContext(ctx, query, id, finalStatus, resetIntro); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sent_notifications WHERE subject_id = $1`, id); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ListExpiredGrace возвращает субъектов верхнего уровня, чей льготный период
// истёк, но перевод в должники ещё не выполнен.
func (s *Storage) ListExpiredGrace(ctx context.Context, now time.Time) ([]*models.Subject, error) {
	const op = "storage.ListExpiredGrace"

	query := `SELECT ` + subjectColumns + ` FROM subjects
			  WHERE team_id IS NULL
			    AND payment_failed_at IS NOT NULL
			    AND is_in_debtor_state = FALSE
			    AND grace_period_ends_at <= $1
			  ORDER BY grace_period_ends_at`
	return s.querySubjects(ctx, op, query, now)
}

// ListExpiredDebtor возвращает субъектов, чей срок состояния должника истёк.
func (s *Storage) ListExpiredDebtor(ctx context.Context, now time.Time) ([]*models.Subject, error) {
	const op = "storage.ListExpiredDebtor"

	query := `SELECT ` + subjectColumns + ` FROM subjects
			  WHERE team_id IS NULL
			    AND is_in_debtor_state = TRUE
			    AND debtor_state_ends_at <= $1
			  ORDER BY debtor_state_ends_at`
	return s.querySubjects(ctx, op, query, now)
}

// ListOpenEpisodes возвращает всех субъектов верхнего уровня с открытым
// эпизодом неоплаты.
func (s *Storage) ListOpenEpisodes(ctx context.Context) ([]*models.Subject, error) {
	const op = "storage.ListOpenEpisodes"

	query := `SELECT ` + subjectColumns + ` FROM subjects
			  WHERE team_id IS NULL AND payment_failed_at IS NOT NULL
			  ORDER BY payment_failed_at`
	return s.querySubjects(ctx, op, query)
}

// ListUnclaimed возвращает оплативших участников без привязанной
// чат-идентичности, которым отправляются claim-напоминания.
func (s *Storage) ListUnclaimed(ctx context.Context) ([]*models.Subject, error) {
	const op = "storage.ListUnclaimed"

	query := `SELECT ` + subjectColumns + ` FROM subjects
			  WHERE kind = 'member'
			    AND chat_id IS NULL
			    AND email IS NOT NULL
			    AND billing_status = 'active'
			  ORDER BY created_at`
	return s.querySubjects(ctx, op, query)
}

// ListAllSubjects возвращает всех субъектов для построения снимка сверки.
func (s *Storage) ListAllSubjects(ctx context.Context) ([]*models.Subject, error) {
	const op = "storage.ListAllSubjects"

	query := `SELECT ` + subjectColumns + ` FROM subjects ORDER BY id`
	return s.querySubjects(ctx, op, query)
}

func (s *Storage) querySubjects(ctx context.Context, op, query string, args ...any) ([]*models.Subject, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []*models.Subject
	for rows.Next() {
		item, err := scanSubject(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// AppendSentNotification фиксирует ключ каденции как отправленный.
// Возвращает false, если ключ уже был записан в этом эпизоде — это и есть
// весь механизм «не чаще одного раза на ключ».
func (s *Storage) AppendSentNotification(ctx context.Context, subjectID, cadenceKey string) (bool, error) {
	const op = "storage.AppendSentNotification"

	query := `INSERT INTO sent_notifications (subject_id, cadence_key, sent_at)
			  VALUES ($1, $2, NOW())
			  ON CONFLICT (subject_id, cadence_key) DO NOTHING`
	result, err := s.DB.ExecContext(ctx, query, subjectID, cadenceKey)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return rowsAffected > 0, nil
}

// ListSentNotifications возвращает ключи каденции, уже отправленные субъекту.
func (s *Storage) ListSentNotifications(ctx context.Context, subjectID string) ([]string, error) {
	const op = "storage.ListSentNotifications"

	query := `SELECT cadence_key FROM sent_notifications WHERE subject_id = $1 ORDER BY sent_at`
	rows, err := s.DB.QueryContext(ctx, query, subjectID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		result = append(result, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// SetChatID привязывает чат-идентичность к субъекту.
func (s *Storage) SetChatID(ctx context.Context, subjectID, chatID string) (int, error) {
	const op = "storage.SetChatID"

	query := `UPDATE subjects SET chat_id = $2 WHERE id = $1 AND chat_id IS NULL`
	result, err := s.DB.ExecContext(ctx, query, subjectID, chatID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int(rowsAffected), nil
}
