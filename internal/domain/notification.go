package domain

import "time"

// NotificationChannel is the delivery channel of a notification.
type NotificationChannel string

// ChannelLog writes the notification to the service log; it is the only channel so far.
const ChannelLog NotificationChannel = "LOG"

// Notification is the notification service's record of a message sent in response to an event.
type Notification struct {
	ID            string
	Recipient     string
	Channel       NotificationChannel
	Subject       string
	Body          string
	EventType     EventType
	CorrelationID string
	CreatedAt     time.Time
}
