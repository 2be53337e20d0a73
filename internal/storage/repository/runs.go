package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/magabrotheeeer/membership-keeper/internal/models"
)

// ErrRunNotFound возвращается, когда запись запуска сверки не найдена.
var ErrRunNotFound = errors.New("reconciliation run not found")

// CreateRun сохраняет начатый запуск сверки.
func (s *Storage) CreateRun(ctx context.Context, run *models.ReconciliationRun) error {
	const op = "storage.CreateRun"

	query := `INSERT INTO reconciliation_runs
			  (id, trigger_source, auto_fix, is_reverification, subjects_checked,
			   issues_found, issues_fixed, issues, started_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	issues, err := json.Marshal(run.Issues)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	_, err = s.DB.ExecContext(ctx, query, run.ID, run.Trigger, run.AutoFix, run.IsReverification,
		run.SubjectsChecked, run.IssuesFound, run.IssuesFixed, issues, run.StartedAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// FinishRun дописывает итоги запуска. Вызывается даже после внутренней
// ошибки сверки, чтобы у каждой записи была отметка завершения.
func (s *Storage) FinishRun(ctx context.Context, run *models.ReconciliationRun, finishedAt time.Time) error {
	const op = "storage.FinishRun"

	issues, err := json.Marshal(run.Issues)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	query := `UPDATE reconciliation_runs
			  SET subjects_checked = $2, issues_found = $3, issues_fixed = $4,
			      issues = $5, finished_at = $6
			  WHERE id = $1`
	_, err = s.DB.ExecContext(ctx, query, run.ID, run.SubjectsChecked, run.IssuesFound,
		run.IssuesFixed, issues, finishedAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// GetRun возвращает запись запуска сверки по ID.
func (s *Storage) GetRun(ctx context.Context, id string) (*models.ReconciliationRun, error) {
	const op = "storage.GetRun"

	query := `SELECT id, trigger_source, auto_fix, is_reverification, subjects_checked,
			         issues_found, issues_fixed, issues, started_at, finished_at
			  FROM reconciliation_runs WHERE id = $1`
	run, err := scanRun(s.DB.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return run, nil
}

// ListRuns возвращает записи запусков сверки, свежие первыми.
func (s *Storage) ListRuns(ctx context.Context, limit, offset int) ([]*models.ReconciliationRun, error) {
	const op = "storage.ListRuns"

	query := `SELECT id, trigger_source, auto_fix, is_reverification, subjects_checked,
			         issues_found, issues_fixed, issues, started_at, finished_at
			  FROM reconciliation_runs
			  ORDER BY started_at DESC
			  LIMIT $1 OFFSET $2`
	rows, err := s.DB.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []*models.ReconciliationRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		result = append(result, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

func scanRun(row interface{ Scan(...any) error }) (*models.ReconciliationRun, error) {
	var run models.ReconciliationRun
	var issues []byte
	if err := row.Scan(&run.ID, &run.Trigger, &run.AutoFix, &run.IsReverification,
		&run.SubjectsChecked, &run.IssuesFound, &run.IssuesFixed, &issues,
		&run.StartedAt, &run.FinishedAt); err != nil {
		return nil, err
	}
	if len(issues) > 0 {
		if err := json.Unmarshal(issues, &run.Issues); err != nil {
			return nil, err
		}
	}
	return &run, nil
}
