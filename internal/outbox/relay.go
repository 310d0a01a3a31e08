package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/mtlprog/caseflow/internal/broker"
	"github.com/mtlprog/caseflow/internal/logger"
	"github.com/mtlprog/caseflow/internal/store"
)

// RelayConfig tunes the relay loop.
type RelayConfig struct {
	Interval  time.Duration
	BatchSize uint64
	// MaxBackoff caps the wait between cycles after consecutive failures.
	MaxBackoff time.Duration
}

// Relay republishes outbox messages that are still pending, for instance because the
// broker was down when their transaction committed. Messages are retried indefinitely.
type Relay struct {
	db     store.Database
	broker broker.Publisher
	cfg    RelayConfig
	clock  clock.Clock

	started   atomic.Bool
	stopOnce  sync.Once
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// ErrNoProgress is returned by RunOnce when a batch had messages but none of them
// could be published.
var ErrNoProgress = errors.New("no outbox message published")

// NewRelay creates a Relay. A nil clock means the wall clock.
func NewRelay(db store.Database, pub broker.Publisher, cfg RelayConfig, clk clock.Clock) *Relay {
	if clk == nil {
		clk = clock.WallClock
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	return &Relay{
		db:        db,
		broker:    pub,
		cfg:       cfg,
		clock:     clk,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run polls until Stop is called or ctx is done. A batch in progress always finishes.
func (r *Relay) Run(ctx context.Context) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "caseflow.outbox.relay"})
	r.started.Store(true)
	defer close(r.stoppedCh)

	slog.InfoContext(ctx, "outbox relay started",
		"interval", r.cfg.Interval,
		"batch_size", r.cfg.BatchSize,
		"max_backoff", r.cfg.MaxBackoff)

	wait := r.cfg.Interval
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stopCh:
			slog.InfoContext(ctx, "outbox relay stopping")
			return nil
		case <-r.clock.After(wait):
		}

		n, err := r.RunOnce(ctx)
		if err != nil {
			failures++
			wait = min(retry.DoubleDelay(max(wait, r.cfg.Interval), failures), r.cfg.MaxBackoff)
			slog.ErrorContext(ctx, "outbox relay cycle failed", "error", err, "next_attempt_in", wait)
			continue
		}

		failures = 0
		wait = r.cfg.Interval
		// A fully published batch suggests a backlog, so go again right away.
		if uint64(n) == r.cfg.BatchSize {
			wait = 0
		}
	}
}

// Stop signals the relay to stop and waits for the current batch to finish. It returns
// at once if Run was never called, and is safe to call more than once.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	if r.started.Load() {
		<-r.stoppedCh
	}
}

// RunOnce publishes one batch of pending messages and returns how many were published.
// Failed messages are recorded on their rows and stay pending. When the batch was not
// empty and nothing got published, the error wraps ErrNoProgress and the last broker error.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	locked, published := 0, 0
	var lastErr error
	err := r.db.WithTx(ctx, func(s store.Stores) error {
		pending, err := s.Outbox().LockPending(ctx, r.cfg.BatchSize)
		if err != nil {
			return err
		}
		locked = len(pending)

		for _, m := range pending {
			if err := publish(logCtx(ctx, m.CorrelationID), s, r.broker, m, r.clock); err != nil {
				lastErr = err
				continue
			}
			published++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("relay outbox batch: %w", err)
	}

	if locked > 0 && published == 0 {
		return 0, fmt.Errorf("relay outbox batch of %d: %w: %w", locked, ErrNoProgress, lastErr)
	}
	if locked > 0 {
		slog.DebugContext(ctx, "outbox batch relayed", "published", published, "failed", locked-published)
	}
	return published, nil
}
