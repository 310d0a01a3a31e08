package domain

import (
	"encoding/json"
	"time"
)

// OutboxMessage is an event waiting to be published, written in the same
// transaction as the state change that produced it.
type OutboxMessage struct {
	ID            string
	AggregateID   string
	EventType     EventType
	Exchange      string
	RoutingKey    string
	Payload       json.RawMessage
	CorrelationID string
	Attempts      int
	LastError     *string
	CreatedAt     time.Time
	PublishedAt   *time.Time
}

// IsPublished returns true once the message has reached the broker.
func (m *OutboxMessage) IsPublished() bool {
	return m.PublishedAt != nil
}

// DedupKey identifies one logical event as seen by one consumer.
type DedupKey struct {
	Consumer      string
	CorrelationID string
	EventType     EventType
}
