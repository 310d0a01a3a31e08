package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/mtlprog/caseflow/internal/domain"
)

type caseStore struct{ s *stores }

func (c *caseStore) Create(_ context.Context, cs *domain.Case) error {
	return c.s.run("cases.Create", func(st *state) error {
		for _, existing := range st.cases {
			if existing.CaseNumber == cs.CaseNumber {
				return fmt.Errorf("%w: %s", domain.ErrCaseAlreadyExists, cs.CaseNumber)
			}
		}
		now := c.s.now()
		cs.ID = newID()
		cs.Version = 0
		cs.CreatedAt = now
		cs.UpdatedAt = now
		st.cases[cs.ID] = copyCase(*cs)
		return nil
	})
}

func (c *caseStore) get(op, caseID string) (*domain.Case, error) {
	var out *domain.Case
	err := c.s.run(op, func(st *state) error {
		cs, ok := st.cases[caseID]
		if !ok {
			return domain.ErrCaseNotFound
		}
		cp := copyCase(cs)
		out = &cp
		return nil
	})
	return out, err
}

func (c *caseStore) GetByID(_ context.Context, caseID string) (*domain.Case, error) {
	return c.get("cases.GetByID", caseID)
}

// GetByIDForUpdate needs no extra locking: transactions are already serialized.
func (c *caseStore) GetByIDForUpdate(_ context.Context, caseID string) (*domain.Case, error) {
	return c.get("cases.GetByIDForUpdate", caseID)
}

func (c *caseStore) ExistsByCaseNumber(_ context.Context, caseNumber string) (bool, error) {
	var exists bool
	err := c.s.run("cases.ExistsByCaseNumber", func(st *state) error {
		for _, cs := range st.cases {
			if cs.CaseNumber == caseNumber {
				exists = true
				break
			}
		}
		return nil
	})
	return exists, err
}

func (c *caseStore) UpdateStatus(_ context.Context, cs *domain.Case, oldStatus domain.CaseStatus) error {
	return c.s.run("cases.UpdateStatus", func(st *state) error {
		stored, ok := st.cases[cs.ID]
		if !ok || stored.Status != oldStatus || stored.Version != cs.Version {
			return fmt.Errorf("%w: case %s", domain.ErrConcurrentUpdate, cs.ID)
		}
		stored.Status = cs.Status
		stored.UpdatedAt = cs.UpdatedAt
		stored.Version++
		cs.Version = stored.Version
		st.cases[cs.ID] = stored
		return nil
	})
}

func (c *caseStore) Assign(_ context.Context, cs *domain.Case) error {
	return c.s.run("cases.Assign", func(st *state) error {
		stored, ok := st.cases[cs.ID]
		if !ok || stored.AssignedOfficerID != nil || stored.Version != cs.Version {
			return fmt.Errorf("%w: case %s", domain.ErrConcurrentUpdate, cs.ID)
		}
		updated := copyCase(*cs)
		stored.AssignedOfficerID = updated.AssignedOfficerID
		stored.AssignedAt = updated.AssignedAt
		stored.UpdatedAt = cs.UpdatedAt
		stored.Version++
		cs.Version = stored.Version
		st.cases[cs.ID] = stored
		return nil
	})
}

type historyStore struct{ s *stores }

func (h *historyStore) Create(_ context.Context, entry *domain.CaseStatusHistory) error {
	return h.s.run("history.Create", func(st *state) error {
		entry.ID = newID()
		st.history = append(st.history, *entry)
		return nil
	})
}

func (h *historyStore) ListByCase(_ context.Context, caseID string) ([]*domain.CaseStatusHistory, error) {
	entries := []*domain.CaseStatusHistory{}
	err := h.s.run("history.ListByCase", func(st *state) error {
		for _, e := range st.history {
			if e.CaseID == caseID {
				cp := e
				entries = append(entries, &cp)
			}
		}
		return nil
	})
	return entries, err
}

type outboxStore struct{ s *stores }

func (o *outboxStore) Enqueue(_ context.Context, msg *domain.OutboxMessage) error {
	return o.s.run("outbox.Enqueue", func(st *state) error {
		msg.ID = newID()
		msg.CreatedAt = o.s.now()
		st.outbox = append(st.outbox, copyOutbox(*msg))
		return nil
	})
}

func (o *outboxStore) LockPending(_ context.Context, limit uint64) ([]*domain.OutboxMessage, error) {
	var out []*domain.OutboxMessage
	err := o.s.run("outbox.LockPending", func(st *state) error {
		for _, m := range st.outbox {
			if m.PublishedAt == nil {
				cp := copyOutbox(m)
				out = append(out, &cp)
			}
		}
		// Insertion order is creation order.
		slices.SortStableFunc(out, func(a, b *domain.OutboxMessage) int {
			return cmp.Compare(a.Attempts, b.Attempts)
		})
		if uint64(len(out)) > limit {
			out = out[:limit]
		}
		return nil
	})
	return out, err
}

func (o *outboxStore) LockByID(_ context.Context, id string) (*domain.OutboxMessage, error) {
	var out *domain.OutboxMessage
	err := o.s.run("outbox.LockByID", func(st *state) error {
		for _, m := range st.outbox {
			if m.ID == id && m.PublishedAt == nil {
				cp := copyOutbox(m)
				out = &cp
				return nil
			}
		}
		return fmt.Errorf("%w: %s", domain.ErrOutboxNotPending, id)
	})
	return out, err
}

func (o *outboxStore) update(op, id string, fn func(m *domain.OutboxMessage)) error {
	return o.s.run(op, func(st *state) error {
		for i := range st.outbox {
			if st.outbox[i].ID == id {
				fn(&st.outbox[i])
				return nil
			}
		}
		return nil
	})
}

func (o *outboxStore) MarkPublished(_ context.Context, id string, at time.Time) error {
	return o.update("outbox.MarkPublished", id, func(m *domain.OutboxMessage) {
		m.PublishedAt = &at
	})
}

func (o *outboxStore) MarkFailed(_ context.Context, id string, reason string) error {
	return o.update("outbox.MarkFailed", id, func(m *domain.OutboxMessage) {
		m.Attempts++
		m.LastError = &reason
	})
}

func (o *outboxStore) CountPending(_ context.Context) (int, error) {
	n := 0
	err := o.s.run("outbox.CountPending", func(st *state) error {
		for _, m := range st.outbox {
			if m.PublishedAt == nil {
				n++
			}
		}
		return nil
	})
	return n, err
}

type dedupStore struct{ s *stores }

func (d *dedupStore) Claim(_ context.Context, key domain.DedupKey, at time.Time) (bool, error) {
	claimed := false
	err := d.s.run("dedup.Claim", func(st *state) error {
		if _, exists := st.dedup[key]; exists {
			return nil
		}
		st.dedup[key] = at
		claimed = true
		return nil
	})
	return claimed, err
}

type auditStore struct{ s *stores }

func (a *auditStore) Create(_ context.Context, rec *domain.AuditRecord) error {
	return a.s.run("audit.Create", func(st *state) error {
		rec.ID = newID()
		rec.RecordedAt = a.s.now()
		st.audit = append(st.audit, *rec)
		return nil
	})
}

func (a *auditStore) filter(op string, keep func(domain.AuditRecord) bool) ([]*domain.AuditRecord, error) {
	records := []*domain.AuditRecord{}
	err := a.s.run(op, func(st *state) error {
		for _, r := range st.audit {
			if keep(r) {
				cp := r
				records = append(records, &cp)
			}
		}
		return nil
	})
	return sortedByTime(records, func(r *domain.AuditRecord) time.Time { return r.OccurredAt }), err
}

func (a *auditStore) ListByCase(_ context.Context, caseID string) ([]*domain.AuditRecord, error) {
	return a.filter("audit.ListByCase", func(r domain.AuditRecord) bool {
		return r.CaseID != nil && *r.CaseID == caseID
	})
}

func (a *auditStore) ListByCorrelationID(_ context.Context, correlationID string) ([]*domain.AuditRecord, error) {
	return a.filter("audit.ListByCorrelationID", func(r domain.AuditRecord) bool {
		return r.CorrelationID == correlationID
	})
}

func (a *auditStore) ListByActor(_ context.Context, actorID string, severity domain.Severity) ([]*domain.AuditRecord, error) {
	return a.filter("audit.ListByActor", func(r domain.AuditRecord) bool {
		return r.ActorID == actorID && (severity == "" || r.Severity == severity)
	})
}

func (a *auditStore) CountByEventType(_ context.Context, from, to time.Time) ([]domain.AuditEventCount, error) {
	byType := make(map[domain.EventType]int)
	err := a.s.run("audit.CountByEventType", func(st *state) error {
		for _, r := range st.audit {
			if !r.OccurredAt.Before(from) && r.OccurredAt.Before(to) {
				byType[r.EventType]++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	counts := []domain.AuditEventCount{}
	for _, t := range sortedEventTypes(byType) {
		counts = append(counts, domain.AuditEventCount{EventType: t, Count: byType[t]})
	}
	return counts, nil
}

type notificationStore struct{ s *stores }

func (n *notificationStore) Create(_ context.Context, note *domain.Notification) error {
	return n.s.run("notifications.Create", func(st *state) error {
		note.ID = newID()
		note.CreatedAt = n.s.now()
		st.notifications = append(st.notifications, *note)
		return nil
	})
}

func (n *notificationStore) ListByRecipient(_ context.Context, recipient string) ([]*domain.Notification, error) {
	notes := []*domain.Notification{}
	err := n.s.run("notifications.ListByRecipient", func(st *state) error {
		for i := len(st.notifications) - 1; i >= 0; i-- {
			if st.notifications[i].Recipient == recipient {
				cp := st.notifications[i]
				notes = append(notes, &cp)
			}
		}
		return nil
	})
	return notes, err
}
