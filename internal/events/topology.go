package events

import (
	"context"
	"fmt"

	"github.com/mtlprog/caseflow/internal/broker"
)

// Consumer service names. They prefix queue names and scope dedup keys.
const (
	ConsumerAudit        = "audit"
	ConsumerNotification = "notification"
)

// Queues.
const (
	QueueAuditCaseStatus            = "audit.case-status.queue"
	QueueAuditCaseLifecycle         = "audit.case-lifecycle.queue"
	QueueAuditUserRegistered        = "audit.user-registered.queue"
	QueueAuditUserPromoted          = "audit.user-promoted.queue"
	QueueAuditAccountLocked         = "audit.account-locked.queue"
	QueueNotificationCaseStatus     = "notification.case-status.queue"
	QueueNotificationUserRegistered = "notification.user-registered.queue"
)

// Bindings returns the queue bindings owned by a consumer service.
func Bindings(consumer string) []broker.Binding {
	switch consumer {
	case ConsumerAudit:
		return []broker.Binding{
			{Queue: QueueAuditCaseStatus, Exchange: CaseExchange, Pattern: RoutingKeyCaseStatusChanged},
			// case.* matches case.created and case.assigned but not the three-word status key.
			{Queue: QueueAuditCaseLifecycle, Exchange: CaseExchange, Pattern: "case.*"},
			{Queue: QueueAuditUserRegistered, Exchange: AuthExchange, Pattern: RoutingKeyUserRegistered},
			{Queue: QueueAuditUserPromoted, Exchange: AuthExchange, Pattern: RoutingKeyUserPromoted},
			{Queue: QueueAuditAccountLocked, Exchange: AuthExchange, Pattern: RoutingKeyAccountLocked},
		}
	case ConsumerNotification:
		return []broker.Binding{
			{Queue: QueueNotificationCaseStatus, Exchange: CaseExchange, Pattern: RoutingKeyCaseStatusChanged},
			{Queue: QueueNotificationUserRegistered, Exchange: AuthExchange, Pattern: RoutingKeyUserRegistered},
		}
	default:
		return nil
	}
}

// Queues returns the distinct queue names owned by a consumer service.
func Queues(consumer string) []string {
	var queues []string
	seen := make(map[string]bool)
	for _, b := range Bindings(consumer) {
		if !seen[b.Queue] {
			seen[b.Queue] = true
			queues = append(queues, b.Queue)
		}
	}
	return queues
}

// DeclareTopology declares every queue and binding of the given consumer services.
func DeclareTopology(ctx context.Context, b broker.Broker, consumers ...string) error {
	for _, c := range consumers {
		bindings := Bindings(c)
		if bindings == nil {
			return fmt.Errorf("unknown consumer %q", c)
		}
		for _, binding := range bindings {
			if err := b.Declare(ctx, binding); err != nil {
				return fmt.Errorf("declare %s: %w", binding.Queue, err)
			}
		}
	}
	return nil
}
