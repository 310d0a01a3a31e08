// Package memstore implements store.Database in memory. Transactions are
// serialized by a single lock and work on a copy of the data that replaces
// the original only on commit, so a failed transaction leaves nothing behind.
//
// Calling DB.Stores() from inside a WithTx callback deadlocks; use the stores
// passed to the callback.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/mtlprog/caseflow/internal/domain"
	"github.com/mtlprog/caseflow/internal/store"
)

// DB is an in-memory store.Database.
type DB struct {
	clock clock.Clock

	mu     sync.Mutex
	state  *state
	faults map[string]*fault
}

type fault struct {
	err       error
	remaining int
}

type state struct {
	cases         map[string]domain.Case
	history       []domain.CaseStatusHistory
	outbox        []domain.OutboxMessage
	dedup         map[domain.DedupKey]time.Time
	audit         []domain.AuditRecord
	notifications []domain.Notification
}

// New creates an empty DB. A nil clock means the wall clock.
func New(clk clock.Clock) *DB {
	if clk == nil {
		clk = clock.WallClock
	}
	return &DB{
		clock: clk,
		state: &state{
			cases: make(map[string]domain.Case),
			dedup: make(map[domain.DedupKey]time.Time),
		},
		faults: make(map[string]*fault),
	}
}

// FailNext makes the next times calls of op return err. op is "<store>.<Method>",
// for example "audit.Create" or "outbox.Enqueue". times < 0 fails every call until ClearFaults.
func (db *DB) FailNext(op string, err error, times int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.faults[op] = &fault{err: err, remaining: times}
}

// ClearFaults removes every injected failure.
func (db *DB) ClearFaults() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.faults = make(map[string]*fault)
}

// checkFault must be called with db.mu held.
func (db *DB) checkFault(op string) error {
	f, ok := db.faults[op]
	if !ok || f.remaining == 0 {
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
	}
	return f.err
}

func (db *DB) Stores() store.Stores {
	return &stores{db: db}
}

func (db *DB) WithTx(ctx context.Context, fn func(s store.Stores) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	working := db.state.clone()
	if err := fn(&stores{db: db, tx: working}); err != nil {
		return err
	}

	db.state = working
	return nil
}

func (db *DB) Ping(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkFault("db.Ping"); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *state) clone() *state {
	out := &state{
		cases:         make(map[string]domain.Case, len(s.cases)),
		history:       append([]domain.CaseStatusHistory(nil), s.history...),
		outbox:        make([]domain.OutboxMessage, len(s.outbox)),
		dedup:         make(map[domain.DedupKey]time.Time, len(s.dedup)),
		audit:         append([]domain.AuditRecord(nil), s.audit...),
		notifications: append([]domain.Notification(nil), s.notifications...),
	}
	for id, c := range s.cases {
		out.cases[id] = copyCase(c)
	}
	for i, m := range s.outbox {
		out.outbox[i] = copyOutbox(m)
	}
	for k, v := range s.dedup {
		out.dedup[k] = v
	}
	return out
}

func copyCase(c domain.Case) domain.Case {
	if c.AssignedOfficerID != nil {
		id := *c.AssignedOfficerID
		c.AssignedOfficerID = &id
	}
	if c.AssignedAt != nil {
		at := *c.AssignedAt
		c.AssignedAt = &at
	}
	return c
}

func copyOutbox(m domain.OutboxMessage) domain.OutboxMessage {
	m.Payload = append([]byte(nil), m.Payload...)
	if m.LastError != nil {
		e := *m.LastError
		m.LastError = &e
	}
	if m.PublishedAt != nil {
		at := *m.PublishedAt
		m.PublishedAt = &at
	}
	return m
}

// stores is bound either to a transaction's working copy (tx != nil) or to the
// committed state, in which case every call takes the lock on its own.
type stores struct {
	db *DB
	tx *state
}

func (s *stores) run(op string, fn func(st *state) error) error {
	if s.tx != nil {
		if err := s.db.checkFault(op); err != nil {
			return err
		}
		return fn(s.tx)
	}

	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.db.checkFault(op); err != nil {
		return err
	}
	return fn(s.db.state)
}

func (s *stores) now() time.Time {
	return s.db.clock.Now().UTC()
}

func (s *stores) Cases() store.CaseStore                 { return &caseStore{s} }
func (s *stores) History() store.HistoryStore            { return &historyStore{s} }
func (s *stores) Outbox() store.OutboxStore              { return &outboxStore{s} }
func (s *stores) Dedup() store.DedupStore                { return &dedupStore{s} }
func (s *stores) Audit() store.AuditStore                { return &auditStore{s} }
func (s *stores) Notifications() store.NotificationStore { return &notificationStore{s} }

func newID() string {
	return uuid.NewString()
}

func sortedByTime[T any](items []T, at func(T) time.Time) []T {
	sort.SliceStable(items, func(i, j int) bool { return at(items[i]).Before(at(items[j])) })
	return items
}

func sortedEventTypes(m map[domain.EventType]int) []domain.EventType {
	types := make([]domain.EventType, 0, len(m))
	for t := range m {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
