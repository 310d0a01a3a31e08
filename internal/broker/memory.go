package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
)

// MemoryBroker is an in-process Broker. Queues live in memory, so it suits
// tests and single-process runs only.
type MemoryBroker struct {
	clock clock.Clock

	mu        sync.Mutex
	nextID    int64
	bindings  map[string][]Binding
	queues    map[string]*memoryQueue
	published []Message
}

type memoryQueue struct {
	ready    []Delivery
	inflight map[string]inflight
	notify   chan struct{}
}

type inflight struct {
	delivery Delivery
	since    time.Time
}

// NewMemoryBroker creates an empty broker. A nil clock means the wall clock.
func NewMemoryBroker(clk clock.Clock) *MemoryBroker {
	if clk == nil {
		clk = clock.WallClock
	}
	return &MemoryBroker{
		clock:    clk,
		bindings: make(map[string][]Binding),
		queues:   make(map[string]*memoryQueue),
	}
}

func (b *MemoryBroker) queue(name string) *memoryQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memoryQueue{
			inflight: make(map[string]inflight),
			notify:   make(chan struct{}, 1),
		}
		b.queues[name] = q
	}
	return q
}

func (b *MemoryBroker) Declare(_ context.Context, binding Binding) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.queue(binding.Queue)
	b.queue(DeadLetterQueue(binding.Queue))
	for _, existing := range b.bindings[binding.Exchange] {
		if existing == binding {
			return nil
		}
	}
	b.bindings[binding.Exchange] = append(b.bindings[binding.Exchange], binding)
	return nil
}

func (b *MemoryBroker) Publish(_ context.Context, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	routed := make(map[string]bool)
	for _, binding := range b.bindings[msg.Exchange] {
		if routed[binding.Queue] || !MatchRoutingKey(binding.Pattern, msg.RoutingKey) {
			continue
		}
		routed[binding.Queue] = true
		b.enqueue(binding.Queue, msg, 1)
	}
	if len(routed) == 0 {
		return fmt.Errorf("%w: %s/%s", ErrUnroutable, msg.Exchange, msg.RoutingKey)
	}

	b.published = append(b.published, msg)
	return nil
}

// enqueue must be called with b.mu held.
func (b *MemoryBroker) enqueue(queue string, msg Message, attempt int) {
	b.nextID++
	q := b.queue(queue)
	q.ready = append(q.ready, Delivery{
		ID:    fmt.Sprintf("mem-%d", b.nextID),
		Queue: queue,
		Message: Message{
			Exchange:   msg.Exchange,
			RoutingKey: msg.RoutingKey,
			Payload:    append([]byte(nil), msg.Payload...),
			Headers:    copyHeaders(msg.Headers),
		},
		Attempt: attempt,
	})
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (b *MemoryBroker) Subscribe(_ context.Context, queue string, opts SubscribeOptions) (Subscription, error) {
	b.mu.Lock()
	b.queue(queue)
	b.mu.Unlock()

	return &memorySubscription{broker: b, queue: queue, opts: opts.withDefaults()}, nil
}

// Published returns every message accepted by Publish, in order.
func (b *MemoryBroker) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.published...)
}

// Ready returns the number of deliveries waiting in queue.
func (b *MemoryBroker) Ready(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue(queue).ready)
}

// InFlight returns the number of fetched but unsettled deliveries of queue.
func (b *MemoryBroker) InFlight(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue(queue).inflight)
}

// DeadLetters returns the deliveries waiting in the dead-letter queue of queue.
func (b *MemoryBroker) DeadLetters(queue string) []Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Delivery(nil), b.queue(DeadLetterQueue(queue)).ready...)
}

// Redeliver appends a copy of d to its queue as a fresh delivery with the same attempt,
// the way a broker redelivers after a lost ack.
func (b *MemoryBroker) Redeliver(d Delivery) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enqueue(d.Queue, d.Message, d.Attempt)
}

type memorySubscription struct {
	broker *MemoryBroker
	queue  string
	opts   SubscribeOptions
}

func (s *memorySubscription) Queue() string { return s.queue }

func (s *memorySubscription) Fetch(ctx context.Context) ([]Delivery, error) {
	timer := s.broker.clock.NewTimer(s.opts.Block)
	defer timer.Stop()

	for {
		s.broker.mu.Lock()
		q := s.broker.queue(s.queue)
		if len(q.ready) > 0 {
			n := min(int64(len(q.ready)), s.opts.BatchSize)
			batch := append([]Delivery(nil), q.ready[:n]...)
			q.ready = q.ready[n:]
			now := s.broker.clock.Now()
			for _, d := range batch {
				q.inflight[d.ID] = inflight{delivery: d, since: now}
			}
			s.broker.mu.Unlock()
			return batch, nil
		}
		notify := q.notify
		s.broker.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.Chan():
			return nil, nil
		case <-notify:
		}
	}
}

func (s *memorySubscription) settle(d Delivery) error {
	q := s.broker.queue(s.queue)
	if _, ok := q.inflight[d.ID]; !ok {
		return fmt.Errorf("delivery %s is not in flight on %s", d.ID, s.queue)
	}
	delete(q.inflight, d.ID)
	return nil
}

func (s *memorySubscription) Ack(_ context.Context, d Delivery) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	return s.settle(d)
}

func (s *memorySubscription) Requeue(_ context.Context, d Delivery, reason string) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()

	if err := s.settle(d); err != nil {
		return err
	}
	msg := d.Message
	msg.Headers = copyHeaders(msg.Headers)
	if reason != "" {
		msg.Headers[HeaderLastError] = reason
	}
	s.broker.enqueue(s.queue, msg, d.Attempt+1)
	return nil
}

func (s *memorySubscription) DeadLetter(_ context.Context, d Delivery, reason string) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()

	if err := s.settle(d); err != nil {
		return err
	}
	msg := d.Message
	msg.Headers = copyHeaders(msg.Headers)
	msg.Headers[HeaderDeadLetterReason] = reason
	s.broker.enqueue(DeadLetterQueue(s.queue), msg, d.Attempt)
	return nil
}

func (s *memorySubscription) Reclaim(_ context.Context, minIdle time.Duration) ([]Delivery, error) {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()

	now := s.broker.clock.Now()
	q := s.broker.queue(s.queue)

	var claimed []Delivery
	for id, f := range q.inflight {
		if now.Sub(f.since) < minIdle {
			continue
		}
		q.inflight[id] = inflight{delivery: f.delivery, since: now}
		claimed = append(claimed, f.delivery)
		if int64(len(claimed)) >= s.opts.BatchSize {
			break
		}
	}
	return claimed, nil
}
