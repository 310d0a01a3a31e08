package repository

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/mtlprog/caseflow/internal/domain"
)

var auditColumns = []string{
	"id", "event_type", "severity", "category", "source_service", "actor_id", "target_type",
	"target_id", "case_id", "old_status", "new_status", "occurred_at", "correlation_id", "recorded_at",
}

// AuditRepository handles database operations for audit records.
type AuditRepository struct {
	db DBTX
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db DBTX) *AuditRepository {
	return &AuditRepository{db: db}
}

// Create stores an audit record and fills in ID and RecordedAt.
func (r *AuditRepository) Create(ctx context.Context, rec *domain.AuditRecord) error {
	query, args, err := psql.
		Insert("audit_records").
		Columns(
			"event_type", "severity", "category", "source_service", "actor_id", "target_type",
			"target_id", "case_id", "old_status", "new_status", "occurred_at", "correlation_id",
		).
		Values(
			rec.EventType,
			rec.Severity,
			rec.Category,
			rec.SourceService,
			rec.ActorID,
			rec.TargetType,
			rec.TargetID,
			rec.CaseID,
			rec.OldStatus,
			rec.NewStatus,
			rec.OccurredAt,
			rec.CorrelationID,
		).
		Suffix("RETURNING id, recorded_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build Create query for audit record: %w", err)
	}

	if err := r.db.QueryRow(ctx, query, args...).Scan(&rec.ID, &rec.RecordedAt); err != nil {
		return fmt.Errorf("create audit record: %w", err)
	}
	return nil
}

// ListByCase retrieves the audit trail of a case in the order events occurred.
func (r *AuditRepository) ListByCase(ctx context.Context, caseID string) ([]*domain.AuditRecord, error) {
	return r.list(ctx, sq.Eq{"case_id": caseID})
}

// ListByCorrelationID retrieves every record produced by one logical action.
func (r *AuditRepository) ListByCorrelationID(ctx context.Context, correlationID string) ([]*domain.AuditRecord, error) {
	return r.list(ctx, sq.Eq{"correlation_id": correlationID})
}

// ListByActor retrieves what one actor did, optionally narrowed to one severity.
func (r *AuditRepository) ListByActor(ctx context.Context, actorID string, severity domain.Severity) ([]*domain.AuditRecord, error) {
	where := sq.Eq{"actor_id": actorID}
	if severity != "" {
		where["severity"] = severity
	}
	return r.list(ctx, where)
}

func (r *AuditRepository) list(ctx context.Context, where sq.Eq) ([]*domain.AuditRecord, error) {
	query, args, err := psql.
		Select(auditColumns...).
		From("audit_records").
		Where(where).
		OrderBy("occurred_at ASC", "recorded_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query for audit records: %w", err)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}

	return scanAuditRecords(rows)
}

func scanAuditRecords(rows pgx.Rows) ([]*domain.AuditRecord, error) {
	defer rows.Close()

	records := []*domain.AuditRecord{}
	for rows.Next() {
		var rec domain.AuditRecord
		err := rows.Scan(
			&rec.ID,
			&rec.EventType,
			&rec.Severity,
			&rec.Category,
			&rec.SourceService,
			&rec.ActorID,
			&rec.TargetType,
			&rec.TargetID,
			&rec.CaseID,
			&rec.OldStatus,
			&rec.NewStatus,
			&rec.OccurredAt,
			&rec.CorrelationID,
			&rec.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return records, nil
}

// CountByEventType counts records per event type that occurred in [from, to).
func (r *AuditRepository) CountByEventType(ctx context.Context, from, to time.Time) ([]domain.AuditEventCount, error) {
	query, args, err := psql.
		Select("event_type", "COUNT(*)").
		From("audit_records").
		Where(sq.GtOrEq{"occurred_at": from}).
		Where(sq.Lt{"occurred_at": to}).
		GroupBy("event_type").
		OrderBy("event_type ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build CountByEventType query: %w", err)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit counts: %w", err)
	}
	defer rows.Close()

	counts := []domain.AuditEventCount{}
	for rows.Next() {
		var c domain.AuditEventCount
		if err := rows.Scan(&c.EventType, &c.Count); err != nil {
			return nil, fmt.Errorf("scan audit count: %w", err)
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return counts, nil
}
