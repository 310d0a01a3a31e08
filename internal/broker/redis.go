package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// groupName is the consumer group created on every queue stream.
	groupName = "caseflow"

	bindingsKeyPrefix = "caseflow:bindings:"

	// deadLetterMaxLen bounds each dead-letter stream; the oldest entries are trimmed.
	deadLetterMaxLen = 10000
)

// RedisBroker implements Broker on Redis Streams. Each queue is a stream with
// one consumer group, and bindings are kept in a set per exchange.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker creates a RedisBroker on an existing client.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

// NewRedisClient parses a redis:// URL and verifies the server is reachable.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	slog.Info("redis connected", "addr", opts.Addr)
	return client, nil
}

func bindingsKey(exchange string) string {
	return bindingsKeyPrefix + exchange
}

func bindingMember(b Binding) string {
	return b.Queue + "|" + b.Pattern
}

func (b *RedisBroker) ensureGroup(ctx context.Context, queue string) error {
	// Start from "0" so messages added before the group existed are not skipped.
	err := b.client.XGroupCreateMkStream(ctx, queue, groupName, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group on %s: %w", queue, err)
	}
	return nil
}

func (b *RedisBroker) Declare(ctx context.Context, binding Binding) error {
	if err := b.ensureGroup(ctx, binding.Queue); err != nil {
		return err
	}
	if err := b.ensureGroup(ctx, DeadLetterQueue(binding.Queue)); err != nil {
		return err
	}
	if err := b.client.SAdd(ctx, bindingsKey(binding.Exchange), bindingMember(binding)).Err(); err != nil {
		return fmt.Errorf("sadd binding: %w", err)
	}

	slog.DebugContext(ctx, "queue declared",
		"queue", binding.Queue,
		"exchange", binding.Exchange,
		"pattern", binding.Pattern)
	return nil
}

func (b *RedisBroker) Publish(ctx context.Context, msg Message) error {
	members, err := b.client.SMembers(ctx, bindingsKey(msg.Exchange)).Result()
	if err != nil {
		return fmt.Errorf("smembers bindings: %w", err)
	}

	var queues []string
	routed := make(map[string]bool)
	for _, m := range members {
		queue, pattern, ok := strings.Cut(m, "|")
		if !ok || routed[queue] || !MatchRoutingKey(pattern, msg.RoutingKey) {
			continue
		}
		routed[queue] = true
		queues = append(queues, queue)
	}
	if len(queues) == 0 {
		return fmt.Errorf("%w: %s/%s", ErrUnroutable, msg.Exchange, msg.RoutingKey)
	}

	values, err := messageValues(msg, 1)
	if err != nil {
		return err
	}

	// All copies go out in one MULTI/EXEC so a message never reaches only some queues.
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, q := range queues {
			pipe.XAdd(ctx, &redis.XAddArgs{Stream: q, Values: values})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("xadd fan-out: %w", err)
	}

	slog.DebugContext(ctx, "message published",
		"exchange", msg.Exchange,
		"routing_key", msg.RoutingKey,
		"queues", queues)
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, queue string, opts SubscribeOptions) (Subscription, error) {
	if err := b.ensureGroup(ctx, queue); err != nil {
		return nil, err
	}
	return &redisSubscription{client: b.client, queue: queue, opts: opts.withDefaults()}, nil
}

func messageValues(msg Message, attempt int) (map[string]any, error) {
	headers, err := json.Marshal(msg.Headers)
	if err != nil {
		return nil, fmt.Errorf("marshal headers: %w", err)
	}
	return map[string]any{
		"exchange":    msg.Exchange,
		"routing_key": msg.RoutingKey,
		"payload":     string(msg.Payload),
		"headers":     string(headers),
		"attempt":     attempt,
	}, nil
}

func parseDelivery(queue string, xm redis.XMessage) (Delivery, error) {
	str := func(key string) string {
		raw, ok := xm.Values[key]
		if !ok {
			return ""
		}
		return fmt.Sprint(raw)
	}

	routingKey := str("routing_key")
	if routingKey == "" {
		return Delivery{}, fmt.Errorf("missing routing_key")
	}

	var headers map[string]string
	if raw := str("headers"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &headers); err != nil {
			return Delivery{}, fmt.Errorf("parsing headers: %w", err)
		}
	}

	attempt := 1
	if raw := str("attempt"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Delivery{}, fmt.Errorf("parsing attempt: %w", err)
		}
		attempt = max(n, 1)
	}

	return Delivery{
		ID:    xm.ID,
		Queue: queue,
		Message: Message{
			Exchange:   str("exchange"),
			RoutingKey: routingKey,
			Payload:    []byte(str("payload")),
			Headers:    headers,
		},
		Attempt: attempt,
	}, nil
}

type redisSubscription struct {
	client *redis.Client
	queue  string
	opts   SubscribeOptions
}

func (s *redisSubscription) Queue() string { return s.queue }

func (s *redisSubscription) Fetch(ctx context.Context) ([]Delivery, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    groupName,
		Consumer: s.opts.Consumer,
		// ">" reads only never-delivered entries; stale pending ones are picked up by Reclaim.
		Streams: []string{s.queue, ">"},
		Count:   s.opts.BatchSize,
		Block:   s.opts.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", s.queue, err)
	}

	var deliveries []Delivery
	for _, stream := range streams {
		deliveries = append(deliveries, s.parseAll(ctx, stream.Messages)...)
	}
	return deliveries, nil
}

// parseAll converts stream entries to deliveries. Entries that cannot be parsed are moved
// to the dead-letter stream as they are.
func (s *redisSubscription) parseAll(ctx context.Context, messages []redis.XMessage) []Delivery {
	deliveries := make([]Delivery, 0, len(messages))
	for _, xm := range messages {
		d, err := parseDelivery(s.queue, xm)
		if err != nil {
			slog.ErrorContext(ctx, "failed to parse stream entry",
				"error", err,
				"raw_message_id", xm.ID,
				"queue", s.queue)
			if dlqErr := s.deadLetterRaw(ctx, xm, err.Error()); dlqErr != nil {
				slog.ErrorContext(ctx, "failed to dead-letter unparseable entry", "error", dlqErr)
			}
			continue
		}
		deliveries = append(deliveries, d)
	}
	return deliveries
}

func (s *redisSubscription) deadLetterRaw(ctx context.Context, xm redis.XMessage, reason string) error {
	values := make(map[string]any, len(xm.Values)+1)
	for k, v := range xm.Values {
		values[k] = v
	}
	values["error"] = reason

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		settle(ctx, pipe, s.queue, xm.ID)
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: DeadLetterQueue(s.queue),
			MaxLen: deadLetterMaxLen,
			Approx: true,
			Values: values,
		})
		return nil
	})
	return err
}

// settle acks an entry and deletes it from the queue stream, which is otherwise never trimmed.
func settle(ctx context.Context, pipe redis.Pipeliner, queue, id string) {
	pipe.XAck(ctx, queue, groupName, id)
	pipe.XDel(ctx, queue, id)
}

func (s *redisSubscription) Ack(ctx context.Context, d Delivery) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		settle(ctx, pipe, s.queue, d.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("xack (queue=%s): %w", s.queue, err)
	}
	return nil
}

// settleAndAdd acks d and adds a copy of it to stream in one MULTI/EXEC. A positive
// maxLen trims stream approximately to that length.
func (s *redisSubscription) settleAndAdd(ctx context.Context, d Delivery, stream string, maxLen int64, attempt int, headers map[string]string) error {
	msg := d.Message
	msg.Headers = headers
	values, err := messageValues(msg, attempt)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		settle(ctx, pipe, s.queue, d.ID)
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: stream, MaxLen: maxLen, Approx: maxLen > 0, Values: values})
		return nil
	})
	if err != nil {
		return fmt.Errorf("xack+xadd %s: %w", stream, err)
	}
	return nil
}

func (s *redisSubscription) Requeue(ctx context.Context, d Delivery, reason string) error {
	headers := copyHeaders(d.Message.Headers)
	if reason != "" {
		headers[HeaderLastError] = reason
	}
	return s.settleAndAdd(ctx, d, s.queue, 0, d.Attempt+1, headers)
}

func (s *redisSubscription) DeadLetter(ctx context.Context, d Delivery, reason string) error {
	headers := copyHeaders(d.Message.Headers)
	headers[HeaderDeadLetterReason] = reason
	return s.settleAndAdd(ctx, d, DeadLetterQueue(s.queue), deadLetterMaxLen, d.Attempt, headers)
}

func (s *redisSubscription) Reclaim(ctx context.Context, minIdle time.Duration) ([]Delivery, error) {
	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.queue,
		Group:  groupName,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  s.opts.BatchSize,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xpending %s: %w", s.queue, err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}

	messages, err := s.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   s.queue,
		Group:    groupName,
		Consumer: s.opts.Consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xclaim %s: %w", s.queue, err)
	}

	if len(messages) > 0 {
		slog.InfoContext(ctx, "reclaimed stale deliveries", "queue", s.queue, "count", len(messages))
	}
	return s.parseAll(ctx, messages), nil
}
