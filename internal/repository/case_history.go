package repository

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/mtlprog/caseflow/internal/domain"
)

// CaseHistoryRepository handles database operations for case status history.
type CaseHistoryRepository struct {
	db DBTX
}

// NewCaseHistoryRepository creates a new CaseHistoryRepository.
func NewCaseHistoryRepository(db DBTX) *CaseHistoryRepository {
	return &CaseHistoryRepository{db: db}
}

// Create appends a history entry.
func (r *CaseHistoryRepository) Create(ctx context.Context, h *domain.CaseStatusHistory) error {
	query, args, err := psql.
		Insert("case_status_history").
		Columns("case_id", "old_status", "new_status", "changed_by", "changed_at", "correlation_id").
		Values(h.CaseID, h.OldStatus, h.NewStatus, h.ChangedBy, h.ChangedAt, h.CorrelationID).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	if err := r.db.QueryRow(ctx, query, args...).Scan(&h.ID); err != nil {
		return fmt.Errorf("create case status history: %w", err)
	}

	return nil
}

// ListByCase retrieves the history of a case, oldest first.
func (r *CaseHistoryRepository) ListByCase(ctx context.Context, caseID string) ([]*domain.CaseStatusHistory, error) {
	query, args, err := psql.
		Select("id", "case_id", "old_status", "new_status", "changed_by", "changed_at", "correlation_id").
		From("case_status_history").
		Where(sq.Eq{"case_id": caseID}).
		OrderBy("changed_at ASC", "id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query case status history: %w", err)
	}
	defer rows.Close()

	entries := []*domain.CaseStatusHistory{}
	for rows.Next() {
		var h domain.CaseStatusHistory
		err := rows.Scan(
			&h.ID,
			&h.CaseID,
			&h.OldStatus,
			&h.NewStatus,
			&h.ChangedBy,
			&h.ChangedAt,
			&h.CorrelationID,
		)
		if err != nil {
			return nil, fmt.Errorf("scan case status history: %w", err)
		}
		entries = append(entries, &h)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return entries, nil
}
