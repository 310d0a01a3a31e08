package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/mtlprog/caseflow/internal/database"
	"github.com/mtlprog/caseflow/internal/store"
)

// Stores binds every repository to one querier.
type Stores struct {
	db DBTX
}

// NewStores creates Stores on a pool or a transaction.
func NewStores(db DBTX) *Stores {
	return &Stores{db: db}
}

func (s *Stores) Cases() store.CaseStore {
	return NewCaseRepository(s.db)
}

func (s *Stores) History() store.HistoryStore {
	return NewCaseHistoryRepository(s.db)
}

func (s *Stores) Outbox() store.OutboxStore {
	return NewOutboxRepository(s.db)
}

func (s *Stores) Dedup() store.DedupStore {
	return NewDedupRepository(s.db)
}

func (s *Stores) Audit() store.AuditStore {
	return NewAuditRepository(s.db)
}

func (s *Stores) Notifications() store.NotificationStore {
	return NewNotificationRepository(s.db)
}

// Database implements store.Database on PostgreSQL.
type Database struct {
	db *database.DB
}

// NewDatabase creates a Database.
func NewDatabase(db *database.DB) *Database {
	return &Database{db: db}
}

func (d *Database) Stores() store.Stores {
	return NewStores(d.db.Pool())
}

func (d *Database) WithTx(ctx context.Context, fn func(s store.Stores) error) error {
	return d.db.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(NewStores(tx))
	})
}

func (d *Database) Ping(ctx context.Context) error {
	return d.db.Ping(ctx)
}
