package consumer_test

import (
	"context"
	"time"

	"github.com/mtlprog/caseflow/internal/broker"
	"github.com/mtlprog/caseflow/internal/consumer"
	"github.com/mtlprog/caseflow/internal/domain"
	"github.com/mtlprog/caseflow/internal/events"
	"github.com/mtlprog/caseflow/internal/store"
	"github.com/mtlprog/caseflow/internal/tracing"
)

func (s *ConsumerTestSuite) startWorker(c *consumer.Consumer, queues []string, cfg consumer.WorkerConfig) (*consumer.Worker, chan error) {
	cfg.Subscribe.Block = 10 * time.Millisecond
	w := consumer.NewWorker(c, s.broker, queues, cfg, nil)
	done := make(chan error, 1)
	go func() { done <- w.Run(s.ctx) }()
	return w, done
}

func (s *ConsumerTestSuite) TestWorkerProcessesAllQueues() {
	w, done := s.startWorker(s.audit, events.Queues(events.ConsumerAudit), consumer.WorkerConfig{Concurrency: 2})

	for range 3 {
		s.publish(events.RoutingKeyCaseStatusChanged, statusChanged(domain.CaseStatusSubmitted, domain.CaseStatusInReview), tracing.NewID())
	}
	s.publish(events.RoutingKeyUserRegistered, events.UserRegistered{UserID: "user-1", RegisteredAt: time.Now()}, tracing.NewID())

	s.Eventually(func() bool {
		counts, err := s.db.Stores().Audit().CountByEventType(s.ctx, time.Time{}, time.Now().Add(time.Hour))
		if err != nil {
			return false
		}
		total := 0
		for _, c := range counts {
			total += c.Count
		}
		return total == 4
	}, time.Second, 10*time.Millisecond)

	w.Stop()
	s.NoError(<-done)
	for _, q := range events.Queues(events.ConsumerAudit) {
		s.Zero(s.broker.InFlight(q), q)
	}
}

func (s *ConsumerTestSuite) TestWorkerReclaimsStaleDeliveries() {
	trace := tracing.NewID()
	s.publish(events.RoutingKeyCaseStatusChanged, statusChanged(domain.CaseStatusSubmitted, domain.CaseStatusInReview), trace)

	// A crashed consumer fetched the delivery and never settled it.
	crashed := s.subscribe(events.QueueAuditCaseStatus)
	s.fetchOne(crashed)
	s.Equal(1, s.broker.InFlight(events.QueueAuditCaseStatus))

	w, done := s.startWorker(s.audit, []string{events.QueueAuditCaseStatus}, consumer.WorkerConfig{
		ReclaimInterval: 5 * time.Millisecond,
		ReclaimMinIdle:  time.Millisecond,
	})

	s.Eventually(func() bool { return len(s.auditByTrace(trace)) == 1 }, time.Second, 5*time.Millisecond)
	w.Stop()
	s.NoError(<-done)
	s.Zero(s.broker.InFlight(events.QueueAuditCaseStatus))
}

func (s *ConsumerTestSuite) TestWorkerRecoversFromPanic() {
	c := consumer.New("panicky", s.db, consumer.Config{MaxDeliveries: 1}, nil)
	c.Register(domain.EventTypeCaseStatusChanged, consumer.HandlerFunc(func(context.Context, store.Stores, consumer.Event) error {
		panic("boom")
	}))
	w, done := s.startWorker(c, []string{events.QueueAuditCaseStatus}, consumer.WorkerConfig{})

	s.publish(events.RoutingKeyCaseStatusChanged, statusChanged(domain.CaseStatusSubmitted, domain.CaseStatusInReview), tracing.NewID())

	s.Eventually(func() bool { return len(s.broker.DeadLetters(events.QueueAuditCaseStatus)) == 1 }, time.Second, 5*time.Millisecond)
	dead := s.broker.DeadLetters(events.QueueAuditCaseStatus)
	s.Contains(dead[0].Message.Header(broker.HeaderDeadLetterReason), "panic: boom")

	w.Stop()
	s.NoError(<-done)
}

func (s *ConsumerTestSuite) TestWorkerStopsWhenContextCancelled() {
	ctx, cancel := context.WithCancel(s.ctx)
	w := consumer.NewWorker(s.audit, s.broker, []string{events.QueueAuditCaseStatus}, consumer.WorkerConfig{
		Subscribe: broker.SubscribeOptions{Block: time.Second},
	}, nil)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		s.ErrorIs(err, context.Canceled)
	case <-time.After(time.Second):
		s.Fail("worker did not stop after cancellation")
	}
}

func (s *ConsumerTestSuite) TestWorkerStopWithoutRun() {
	w := consumer.NewWorker(s.audit, s.broker, []string{events.QueueAuditCaseStatus}, consumer.WorkerConfig{}, nil)

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		w.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		s.Fail("Stop blocked on a worker that never ran")
	}
}

func (s *ConsumerTestSuite) TestWorkerStopTwice() {
	w, done := s.startWorker(s.audit, []string{events.QueueAuditCaseStatus}, consumer.WorkerConfig{})
	trace := tracing.NewID()
	s.publish(events.RoutingKeyCaseStatusChanged, statusChanged(domain.CaseStatusSubmitted, domain.CaseStatusInReview), trace)
	s.Eventually(func() bool { return len(s.auditByTrace(trace)) == 1 }, time.Second, 5*time.Millisecond)

	w.Stop()
	s.NotPanics(w.Stop)
	s.NoError(<-done)
}
