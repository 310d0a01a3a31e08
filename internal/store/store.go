// Package store declares the persistence interfaces used by the services.
// internal/repository implements them on PostgreSQL and internal/memstore in memory.
package store

import (
	"context"
	"time"

	"github.com/mtlprog/caseflow/internal/domain"
)

// CaseStore persists cases.
type CaseStore interface {
	Create(ctx context.Context, c *domain.Case) error
	GetByID(ctx context.Context, caseID string) (*domain.Case, error)
	// GetByIDForUpdate reads the case and locks its row until the transaction ends.
	GetByIDForUpdate(ctx context.Context, caseID string) (*domain.Case, error)
	ExistsByCaseNumber(ctx context.Context, caseNumber string) (bool, error)
	// UpdateStatus writes c.Status guarded by the previous status and c.Version.
	// It increments c.Version and returns domain.ErrConcurrentUpdate if the guard fails.
	UpdateStatus(ctx context.Context, c *domain.Case, oldStatus domain.CaseStatus) error
	// Assign writes the assignment of an unassigned case and increments c.Version.
	Assign(ctx context.Context, c *domain.Case) error
}

// HistoryStore persists the append-only status history.
type HistoryStore interface {
	Create(ctx context.Context, h *domain.CaseStatusHistory) error
	ListByCase(ctx context.Context, caseID string) ([]*domain.CaseStatusHistory, error)
}

// OutboxStore persists messages waiting to be published.
type OutboxStore interface {
	Enqueue(ctx context.Context, msg *domain.OutboxMessage) error
	// LockPending locks up to limit unpublished messages, skipping rows locked by other
	// transactions. Messages with fewer failed attempts come first, then older ones, so
	// messages that keep failing cannot starve the rest.
	LockPending(ctx context.Context, limit uint64) ([]*domain.OutboxMessage, error)
	// LockByID locks one unpublished message. It returns domain.ErrOutboxNotPending when the
	// message is already published or locked elsewhere.
	LockByID(ctx context.Context, id string) (*domain.OutboxMessage, error)
	MarkPublished(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, reason string) error
	CountPending(ctx context.Context) (int, error)
}

// DedupStore records which events each consumer has already applied.
type DedupStore interface {
	// Claim atomically inserts key. It returns false, without error, if key already exists.
	Claim(ctx context.Context, key domain.DedupKey, at time.Time) (bool, error)
}

// AuditStore persists audit records.
type AuditStore interface {
	Create(ctx context.Context, r *domain.AuditRecord) error
	ListByCase(ctx context.Context, caseID string) ([]*domain.AuditRecord, error)
	ListByCorrelationID(ctx context.Context, correlationID string) ([]*domain.AuditRecord, error)
	// ListByActor lists the records of one actor. An empty severity matches all.
	ListByActor(ctx context.Context, actorID string, severity domain.Severity) ([]*domain.AuditRecord, error)
	CountByEventType(ctx context.Context, from, to time.Time) ([]domain.AuditEventCount, error)
}

// NotificationStore persists sent notifications.
type NotificationStore interface {
	Create(ctx context.Context, n *domain.Notification) error
	ListByRecipient(ctx context.Context, recipient string) ([]*domain.Notification, error)
}

// Stores exposes the stores bound to one connection or transaction.
type Stores interface {
	Cases() CaseStore
	History() HistoryStore
	Outbox() OutboxStore
	Dedup() DedupStore
	Audit() AuditStore
	Notifications() NotificationStore
}

// Database hands out stores and runs functions in a transaction.
type Database interface {
	// Stores returns stores that run each call in its own implicit transaction.
	Stores() Stores
	// WithTx runs fn with stores bound to one transaction. The transaction commits if fn
	// returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(s Stores) error) error
	Ping(ctx context.Context) error
}
