package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/mtlprog/caseflow/internal/broker"
	"github.com/mtlprog/caseflow/internal/config"
	"github.com/mtlprog/caseflow/internal/consumer"
	"github.com/mtlprog/caseflow/internal/database"
	"github.com/mtlprog/caseflow/internal/events"
	"github.com/mtlprog/caseflow/internal/handler"
	"github.com/mtlprog/caseflow/internal/middleware"
	"github.com/mtlprog/caseflow/internal/outbox"
	"github.com/mtlprog/caseflow/internal/repository"
	"github.com/mtlprog/caseflow/internal/service"
)

// env holds the connections shared by every long-running command.
type env struct {
	db        *database.DB
	store     *repository.Database
	redis     *redis.Client
	broker    *broker.RedisBroker
	messaging config.Messaging
}

// connect opens the database and the broker, applies migrations, and declares the
// queues of the given consumers.
func connect(c *cli.Context, consumers ...string) (*env, error) {
	ctx := c.Context

	messaging, err := config.LoadMessaging()
	if err != nil {
		return nil, err
	}

	db, err := database.New(ctx, c.String("database-url"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := database.RunMigrations(ctx, db.Pool()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	client, err := broker.NewRedisClient(ctx, c.String("redis-url"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	b := broker.NewRedisBroker(client)
	if err := events.DeclareTopology(ctx, b, consumers...); err != nil {
		client.Close()
		db.Close()
		return nil, fmt.Errorf("failed to declare topology: %w", err)
	}

	return &env{
		db:        db,
		store:     repository.NewDatabase(db),
		redis:     client,
		broker:    b,
		messaging: messaging,
	}, nil
}

func (e *env) Close() {
	if err := e.redis.Close(); err != nil {
		slog.Error("failed to close redis client", "error", err)
	}
	e.db.Close()
}

func (e *env) relay() *outbox.Relay {
	return outbox.NewRelay(e.store, e.broker, outbox.RelayConfig{
		Interval:   e.messaging.RelayInterval,
		BatchSize:  e.messaging.RelayBatchSize,
		MaxBackoff: e.messaging.RelayMaxBackoff,
	}, nil)
}

func (e *env) worker(c *cli.Context, cons *consumer.Consumer) *consumer.Worker {
	name := c.String("consumer-name")
	if name == "" {
		name, _ = os.Hostname()
	}
	return consumer.NewWorker(cons, e.broker, events.Queues(cons.Name()), consumer.WorkerConfig{
		Concurrency: e.messaging.Concurrency,
		Subscribe: broker.SubscribeOptions{
			Consumer:  name,
			BatchSize: e.messaging.BatchSize,
			Block:     e.messaging.Block,
		},
		ReclaimInterval: e.messaging.ReclaimInterval,
		ReclaimMinIdle:  e.messaging.ReclaimMinIdle,
	}, nil)
}

func (e *env) consumerConfig() consumer.Config {
	return consumer.Config{
		MaxDeliveries:   e.messaging.MaxDeliveries,
		HandlerAttempts: e.messaging.HandlerAttempts,
		HandlerDelay:    e.messaging.HandlerDelay,
		HandlerMaxDelay: e.messaging.HandlerMaxDelay,
	}
}

func runServe(c *cli.Context) error {
	// Consumer queues are declared here too, so events published before the
	// consumers first start are kept rather than dropped as unroutable.
	e, err := connect(c, events.ConsumerAudit, events.ConsumerNotification)
	if err != nil {
		return err
	}
	defer e.Close()

	cases := service.NewCaseService(e.store, outbox.NewPublisher(e.store, e.broker, nil), nil)

	mux := http.NewServeMux()
	handler.New(e.store, cases).RegisterRoutes(mux)

	var loops []loop
	if c.Bool("relay") {
		loops = append(loops, e.relay())
	}
	return run(c.Context, newServer(c.String("port"), mux), loops...)
}

func runAudit(c *cli.Context) error {
	e, err := connect(c, events.ConsumerAudit)
	if err != nil {
		return err
	}
	defer e.Close()

	mux := http.NewServeMux()
	handler.NewAuditHandler(e.store, nil).RegisterRoutes(mux)

	w := e.worker(c, consumer.NewAuditConsumer(e.store, e.consumerConfig(), nil))
	return run(c.Context, newServer(c.String("port"), mux), w)
}

func runNotify(c *cli.Context) error {
	e, err := connect(c, events.ConsumerNotification)
	if err != nil {
		return err
	}
	defer e.Close()

	w := e.worker(c, consumer.NewNotificationConsumer(e.store, e.consumerConfig(), nil))
	return run(c.Context, nil, w)
}

func runRelay(c *cli.Context) error {
	e, err := connect(c, events.ConsumerAudit, events.ConsumerNotification)
	if err != nil {
		return err
	}
	defer e.Close()

	return run(c.Context, nil, e.relay())
}

func withPool(c *cli.Context, fn func(ctx context.Context, db *database.DB) error) error {
	db, err := database.New(c.Context, c.String("database-url"))
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	return fn(c.Context, db)
}

func runMigrateUp(c *cli.Context) error {
	return withPool(c, func(ctx context.Context, db *database.DB) error {
		return database.RunMigrations(ctx, db.Pool())
	})
}

func runMigrateDown(c *cli.Context) error {
	return withPool(c, func(ctx context.Context, db *database.DB) error {
		return database.RollbackMigration(ctx, db.Pool())
	})
}

func runMigrateStatus(c *cli.Context) error {
	return withPool(c, func(ctx context.Context, db *database.DB) error {
		return database.MigrationStatus(ctx, db.Pool())
	})
}

// loop is a background component stopped by Stop rather than by context cancellation,
// so it can finish the work in hand.
type loop interface {
	Run(ctx context.Context) error
	Stop()
}

func newServer(port string, mux *http.ServeMux) *http.Server {
	if port == "" {
		port = config.DefaultPort
	}
	return &http.Server{
		Addr:              ":" + port,
		Handler:           middleware.Trace(mux),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// run serves HTTP, if server is not nil, and runs loops until SIGINT/SIGTERM or
// until one of them fails. Then the server is shut down and every loop stopped.
func run(ctx context.Context, server *http.Server, loops ...loop) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if server != nil {
		g.Go(func() error {
			slog.Info("starting server", "server_addr", "http://localhost"+server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		})
	}

	for _, l := range loops {
		g.Go(func() error {
			return l.Run(context.WithoutCancel(gctx))
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		var err error
		if server != nil {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
				err = fmt.Errorf("server shutdown failed: %w", shutdownErr)
			}
		}
		for _, l := range loops {
			l.Stop()
		}

		slog.Info("stopped")
		return err
	})

	return g.Wait()
}
