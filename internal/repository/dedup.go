package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/mtlprog/caseflow/internal/domain"
)

// DedupRepository records processed events per consumer.
type DedupRepository struct {
	db DBTX
}

// NewDedupRepository creates a new DedupRepository.
func NewDedupRepository(db DBTX) *DedupRepository {
	return &DedupRepository{db: db}
}

// Claim inserts the key unless it already exists. It returns true when this call created it.
// The primary key makes the check and the insert one atomic statement.
func (r *DedupRepository) Claim(ctx context.Context, key domain.DedupKey, at time.Time) (bool, error) {
	query, args, err := psql.
		Insert("processed_events").
		Columns("consumer", "correlation_id", "event_type", "processed_at").
		Values(key.Consumer, key.CorrelationID, key.EventType, at).
		Suffix("ON CONFLICT (consumer, correlation_id, event_type) DO NOTHING").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build Claim query: %w", err)
	}

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("claim processed event: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}
