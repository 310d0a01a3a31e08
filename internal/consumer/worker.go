package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"

	"github.com/mtlprog/caseflow/internal/broker"
	"github.com/mtlprog/caseflow/internal/logger"
)

// WorkerConfig tunes how a Worker pulls from its queues.
type WorkerConfig struct {
	// Concurrency is the number of fetch loops per queue.
	Concurrency     int
	Subscribe       broker.SubscribeOptions
	ReclaimInterval time.Duration
	ReclaimMinIdle  time.Duration
}

// Worker feeds deliveries from a set of queues to a Consumer.
type Worker struct {
	consumer *Consumer
	broker   broker.Broker
	queues   []string
	cfg      WorkerConfig
	clock    clock.Clock

	started   atomic.Bool
	stopOnce  sync.Once
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewWorker creates a Worker. A nil clock means the wall clock.
func NewWorker(c *Consumer, b broker.Broker, queues []string, cfg WorkerConfig, clk clock.Clock) *Worker {
	if clk == nil {
		clk = clock.WallClock
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = 30 * time.Second
	}
	if cfg.ReclaimMinIdle <= 0 {
		cfg.ReclaimMinIdle = time.Minute
	}
	if cfg.Subscribe.Consumer == "" {
		cfg.Subscribe.Consumer = c.Name()
	}
	return &Worker{
		consumer:  c,
		broker:    b,
		queues:    queues,
		cfg:       cfg,
		clock:     clk,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run pulls deliveries until Stop is called or ctx is done. After Stop, deliveries
// already fetched are processed and settled before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "caseflow.consumer." + w.consumer.Name()})
	w.started.Store(true)
	defer close(w.stoppedCh)

	subs := make([]broker.Subscription, 0, len(w.queues))
	for _, q := range w.queues {
		sub, err := w.broker.Subscribe(ctx, q, w.cfg.Subscribe)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", q, err)
		}
		subs = append(subs, sub)
	}

	slog.InfoContext(ctx, "worker started",
		"queues", w.queues,
		"concurrency", w.cfg.Concurrency)

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			slog.InfoContext(ctx, "worker stopping")
			cancel()
		case <-fetchCtx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(fetchCtx)
	for _, sub := range subs {
		for range w.cfg.Concurrency {
			g.Go(func() error {
				w.fetchLoop(gctx, sub)
				return nil
			})
		}
	}
	g.Go(func() error {
		w.reclaimLoop(gctx, subs)
		return nil
	})
	_ = g.Wait()

	return ctx.Err()
}

// Stop stops fetching and waits for in-flight deliveries to be settled. It returns at
// once if Run was never called, and is safe to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	if w.started.Load() {
		<-w.stoppedCh
	}
}

func (w *Worker) fetchLoop(ctx context.Context, sub broker.Subscription) {
	for ctx.Err() == nil {
		deliveries, err := sub.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.ErrorContext(ctx, "fetch failed", "queue", sub.Queue(), "error", err)
			select {
			case <-ctx.Done():
				return
			case <-w.clock.After(time.Second):
			}
			continue
		}

		for _, d := range deliveries {
			w.process(ctx, sub, d)
		}
	}
}

func (w *Worker) reclaimLoop(ctx context.Context, subs []broker.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.clock.After(w.cfg.ReclaimInterval):
		}

		for _, sub := range subs {
			stale, err := sub.Reclaim(ctx, w.cfg.ReclaimMinIdle)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.ErrorContext(ctx, "reclaim failed", "queue", sub.Queue(), "error", err)
				continue
			}
			for _, d := range stale {
				w.process(ctx, sub, d)
			}
		}
	}
}

// process handles d on a context that outlives the stop signal, so a delivery that
// was started is always settled.
func (w *Worker) process(ctx context.Context, sub broker.Subscription, d broker.Delivery) {
	ctx = context.WithoutCancel(ctx)
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in delivery processing",
				"panic", r,
				"message_id", d.ID,
				"queue", d.Queue)
			w.consumer.fail(ctx, sub, d, fmt.Errorf("panic: %v", r))
		}
	}()
	w.consumer.Handle(ctx, sub, d)
}
