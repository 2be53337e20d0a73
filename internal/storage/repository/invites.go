package repository

import (
	"context"
	"fmt"

	"github.com/magabrotheeeer/membership-keeper/internal/models"
)

// InvalidatePendingInvites помечает недействительными все непринятые
// приглашения команды. Принятые остаются как история.
func (s *Storage) InvalidatePendingInvites(ctx context.Context, teamID string) (int, error) {
	const op = "storage.InvalidatePendingInvites"

	query := `UPDATE pending_invites
			  SET invalidated = TRUE
			  WHERE team_id = $1 AND claimed_at IS NULL AND invalidated = FALSE`
	result, err := s.DB.ExecContext(ctx, query, teamID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int(rowsAffected), nil
}

// ListPendingInvites возвращает приглашения команды.
func (s *Storage) ListPendingInvites(ctx context.Context, teamID string) ([]*models.PendingInvite, error) {
	const op = "storage.ListPendingInvites"

	query := `SELECT id, team_id, email, created_at, claimed_at, invalidated
			  FROM pending_invites WHERE team_id = $1 ORDER BY id`
	rows, err := s.DB.QueryContext(ctx, query, teamID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []*models.PendingInvite
	for rows.Next() {
		var item models.PendingInvite
		if err := rows.Scan(&item.ID, &item.TeamID, &item.Email, &item.CreatedAt,
			&item.ClaimedAt, &item.Invalidated); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		result = append(result, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}
