package repository

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mtlprog/caseflow/internal/domain"
)

// pgUniqueViolation is the SQLSTATE for unique constraint violations.
const pgUniqueViolation = "23505"

// caseColumns is the shared list of columns for case queries.
var caseColumns = []string{
	"id", "case_number", "applicant_id", "status", "assigned_officer_id", "assigned_at",
	"created_by", "version", "created_at", "updated_at",
}

// CaseRepository handles database operations for cases.
type CaseRepository struct {
	db DBTX
}

// NewCaseRepository creates a new CaseRepository.
func NewCaseRepository(db DBTX) *CaseRepository {
	return &CaseRepository{db: db}
}

// scanCase scans a single row into a Case struct.
func scanCase(row pgx.Row) (*domain.Case, error) {
	var c domain.Case
	err := row.Scan(
		&c.ID,
		&c.CaseNumber,
		&c.ApplicantID,
		&c.Status,
		&c.AssignedOfficerID,
		&c.AssignedAt,
		&c.CreatedBy,
		&c.Version,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrCaseNotFound
		}
		return nil, fmt.Errorf("scan case: %w", err)
	}
	return &c, nil
}

// Create inserts a case and fills in ID, Version, CreatedAt and UpdatedAt.
func (r *CaseRepository) Create(ctx context.Context, c *domain.Case) error {
	query, args, err := psql.
		Insert("cases").
		Columns("case_number", "applicant_id", "status", "assigned_officer_id", "assigned_at", "created_by").
		Values(c.CaseNumber, c.ApplicantID, c.Status, c.AssignedOfficerID, c.AssignedAt, c.CreatedBy).
		Suffix("RETURNING id, version, created_at, updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build Create query for case: %w", err)
	}

	err = r.db.QueryRow(ctx, query, args...).Scan(&c.ID, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: %s", domain.ErrCaseAlreadyExists, c.CaseNumber)
		}
		return fmt.Errorf("create case: %w", err)
	}

	return nil
}

// GetByID retrieves a case by ID.
func (r *CaseRepository) GetByID(ctx context.Context, caseID string) (*domain.Case, error) {
	query, args, err := psql.
		Select(caseColumns...).
		From("cases").
		Where(sq.Eq{"id": caseID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build GetByID query for case: %w", err)
	}

	return scanCase(r.db.QueryRow(ctx, query, args...))
}

// GetByIDForUpdate retrieves a case by ID with FOR UPDATE lock (within transaction).
func (r *CaseRepository) GetByIDForUpdate(ctx context.Context, caseID string) (*domain.Case, error) {
	query, args, err := psql.
		Select(caseColumns...).
		From("cases").
		Where(sq.Eq{"id": caseID}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build GetByIDForUpdate query for case %s: %w", caseID, err)
	}

	return scanCase(r.db.QueryRow(ctx, query, args...))
}

// ExistsByCaseNumber reports whether a case with the given number exists.
func (r *CaseRepository) ExistsByCaseNumber(ctx context.Context, caseNumber string) (bool, error) {
	query, args, err := psql.
		Select("1").
		Prefix("SELECT EXISTS (").
		From("cases").
		Where(sq.Eq{"case_number": caseNumber}).
		Suffix(")").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build ExistsByCaseNumber query: %w", err)
	}

	var exists bool
	if err := r.db.QueryRow(ctx, query, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("check case number: %w", err)
	}
	return exists, nil
}

// UpdateStatus updates the case status with optimistic locking on status and version.
// Returns ErrConcurrentUpdate if the case was modified since it was read.
func (r *CaseRepository) UpdateStatus(ctx context.Context, c *domain.Case, oldStatus domain.CaseStatus) error {
	query, args, err := psql.
		Update("cases").
		Set("status", c.Status).
		Set("updated_at", c.UpdatedAt).
		Set("version", sq.Expr("version + 1")).
		Where(sq.Eq{
			"id":      c.ID,
			"status":  oldStatus,
			"version": c.Version,
		}).
		Suffix("RETURNING version").
		ToSql()
	if err != nil {
		return fmt.Errorf("build UpdateStatus query for case %s: %w", c.ID, err)
	}

	if err := r.db.QueryRow(ctx, query, args...).Scan(&c.Version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: case %s", domain.ErrConcurrentUpdate, c.ID)
		}
		return fmt.Errorf("update case status: %w", err)
	}

	return nil
}

// Assign stores the officer assignment of a case that had none.
// Returns ErrConcurrentUpdate if the case was assigned or modified meanwhile.
func (r *CaseRepository) Assign(ctx context.Context, c *domain.Case) error {
	query, args, err := psql.
		Update("cases").
		Set("assigned_officer_id", c.AssignedOfficerID).
		Set("assigned_at", c.AssignedAt).
		Set("updated_at", c.UpdatedAt).
		Set("version", sq.Expr("version + 1")).
		Where(sq.Eq{
			"id":                  c.ID,
			"assigned_officer_id": nil,
			"version":             c.Version,
		}).
		Suffix("RETURNING version").
		ToSql()
	if err != nil {
		return fmt.Errorf("build Assign query for case %s: %w", c.ID, err)
	}

	if err := r.db.QueryRow(ctx, query, args...).Scan(&c.Version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: case %s", domain.ErrConcurrentUpdate, c.ID)
		}
		return fmt.Errorf("assign case: %w", err)
	}

	return nil
}
