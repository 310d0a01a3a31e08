// Package broker is a small topic-exchange abstraction: publishers send to an
// exchange with a routing key, every queue whose binding pattern matches gets a
// copy, and consumers pull deliveries from a queue and settle each one by
// acking, requeueing, or dead-lettering it.
package broker

import (
	"context"
	"errors"
	"time"
)

// ErrUnroutable is returned by Publish when no queue is bound for the routing key.
var ErrUnroutable = errors.New("no queue bound for routing key")

// Header keys set by the broker itself.
const (
	HeaderDeadLetterReason = "X-Dead-Letter-Reason"
	HeaderLastError        = "X-Last-Error"
)

// HeaderMessageID carries the publisher's id for a message. It stays the same across
// redeliveries and republishes of that message.
const HeaderMessageID = "X-Message-Id"

// Message is what a publisher sends.
type Message struct {
	Exchange   string
	RoutingKey string
	Payload    []byte
	Headers    map[string]string
}

// Header returns the value of a header, or "" if it is not set.
func (m Message) Header(key string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// Delivery is one copy of a message handed to a consumer of a queue.
type Delivery struct {
	ID      string
	Queue   string
	Message Message
	// Attempt is 1 on first delivery and grows by one on every requeue.
	Attempt int
}

// Binding routes messages published to Exchange whose routing key matches Pattern into Queue.
type Binding struct {
	Queue    string
	Exchange string
	Pattern  string
}

// SubscribeOptions tunes how deliveries are pulled from a queue.
type SubscribeOptions struct {
	// Consumer identifies this process within the queue's consumer group.
	Consumer  string
	BatchSize int64
	// Block is how long Fetch waits for new deliveries before returning empty.
	Block time.Duration
}

func (o SubscribeOptions) withDefaults() SubscribeOptions {
	if o.Consumer == "" {
		o.Consumer = "default"
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.Block <= 0 {
		o.Block = 2 * time.Second
	}
	return o
}

// Publisher sends messages to an exchange.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, msg Message) error

func (f PublisherFunc) Publish(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Broker declares topology, publishes, and hands out subscriptions.
type Broker interface {
	Publisher
	// Declare creates the queue if needed and binds it. It is idempotent.
	Declare(ctx context.Context, binding Binding) error
	Subscribe(ctx context.Context, queue string, opts SubscribeOptions) (Subscription, error)
}

// Subscription pulls and settles deliveries of one queue.
type Subscription interface {
	Queue() string
	Fetch(ctx context.Context) ([]Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	// Requeue settles d and enqueues a copy with Attempt+1.
	Requeue(ctx context.Context, d Delivery, reason string) error
	// DeadLetter settles d and moves a copy to the queue's dead-letter queue.
	DeadLetter(ctx context.Context, d Delivery, reason string) error
	// Reclaim takes over deliveries that were fetched but left unsettled for longer than minIdle.
	Reclaim(ctx context.Context, minIdle time.Duration) ([]Delivery, error)
}

// DeadLetterQueue returns the name of the dead-letter queue of queue.
func DeadLetterQueue(queue string) string {
	return queue + ".dlq"
}

func copyHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h)+1)
	for k, v := range h {
		out[k] = v
	}
	return out
}
