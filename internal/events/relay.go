package events

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/models"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/store"
)

// DispatchLease is how long a freshly enqueued event is reserved for the
// committing request's own dispatch before the relay may claim it.
const DispatchLease = 30 * time.Second

// Dispatcher publishes an event right after its transaction commits and
// records the outcome in the outbox.
type Dispatcher struct {
	store     store.Store
	publisher Publisher
	logger    *zap.Logger
	timeout   time.Duration
}

func NewDispatcher(st store.Store, publisher Publisher, logger *zap.Logger, timeout time.Duration) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{store: st, publisher: publisher, logger: logger, timeout: timeout}
}

// Dispatch is best effort. A failed publish releases the outbox lease so the
// relay retries; the error is returned for logging only.
func (d *Dispatcher) Dispatch(ctx context.Context, ev models.ChangeEvent) error {
	// the caller may already be gone; delivery is owed regardless
	ctx = context.WithoutCancel(ctx)
	if err := deliver(ctx, d.store, d.publisher, d.timeout, ev); err != nil {
		d.logger.Warn("change event dispatch failed, left for relay",
			zap.String("event_id", ev.ID.String()),
			zap.String("scope", ev.Scope.Key()),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func deliver(ctx context.Context, st store.Store, pub Publisher, timeout time.Duration, ev models.ChangeEvent) error {
	pubCtx, cancel := store.Bounded(ctx, timeout)
	err := pub.Publish(pubCtx, ev)
	cancel()

	markCtx, cancel := store.Bounded(ctx, timeout)
	defer cancel()
	if err != nil {
		if markErr := st.MarkEventFailed(markCtx, ev.ID, err.Error()); markErr != nil {
			return fmt.Errorf("publish: %w (release lease: %v)", err, markErr)
		}
		return err
	}
	if err := st.MarkEventDelivered(markCtx, ev.ID, time.Now().UTC()); err != nil {
		return fmt.Errorf("mark change event %s delivered: %w", ev.ID, err)
	}
	return nil
}

type RelayConfig struct {
	BatchSize      int
	Interval       time.Duration
	MaxConcurrency int
	// Lease reserves claimed events for this relay while it publishes them.
	Lease time.Duration
	// PublishTimeout bounds one publish and one outbox update.
	PublishTimeout time.Duration
}

// Relay drains outbox events that were never delivered, either because the
// post-commit dispatch failed or because the process stopped before it ran.
type Relay struct {
	store     store.Store
	publisher Publisher
	logger    *zap.Logger
	cfg       RelayConfig
}

func NewRelay(st store.Store, publisher Publisher, logger *zap.Logger, cfg RelayConfig) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.Lease <= 0 {
		cfg.Lease = time.Minute
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{store: st, publisher: publisher, logger: logger, cfg: cfg}
}

// Run polls the outbox until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("change event relay started",
		zap.Int("batch", r.cfg.BatchSize),
		zap.Int("concurrency", r.cfg.MaxConcurrency),
		zap.Duration("interval", r.cfg.Interval),
	)
	defer r.logger.Info("change event relay stopped")

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		for {
			n, err := r.RunOnce(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Warn("relay pass failed", zap.Error(err))
				}
				break
			}
			// keep draining while batches come back full
			if n < r.cfg.BatchSize {
				break
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch and publishes it. Events of the same scope are
// published in order, one after another; different scopes go out
// concurrently. It returns how many events were delivered.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	claimCtx, cancel := store.Bounded(ctx, r.cfg.PublishTimeout)
	batch, err := r.store.ClaimPendingEvents(claimCtx, r.cfg.BatchSize, r.cfg.Lease)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("claim change events: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	var (
		order  []string
		groups = map[string][]models.ChangeEvent{}
	)
	for _, ev := range batch {
		key := PartitionKey(ev)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], ev)
	}

	var delivered atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxConcurrency)
	for _, key := range order {
		events := groups[key]
		g.Go(func() error {
			delivered.Add(int64(r.publishInOrder(gctx, events)))
			return nil
		})
	}
	_ = g.Wait()
	return int(delivered.Load()), nil
}

func (r *Relay) publishInOrder(ctx context.Context, events []models.ChangeEvent) int {
	for i, ev := range events {
		if err := deliver(ctx, r.store, r.publisher, r.cfg.PublishTimeout, ev); err != nil {
			r.logger.Warn("relay publish failed",
				zap.String("event_id", ev.ID.String()),
				zap.String("scope", ev.Scope.Key()),
				zap.Error(err),
			)
			r.release(ctx, events[i+1:])
			return i
		}
	}
	return len(events)
}

// release hands later events of a scope back to the outbox so they are not
// published ahead of an earlier failure.
func (r *Relay) release(ctx context.Context, events []models.ChangeEvent) {
	for _, ev := range events {
		markCtx, cancel := store.Bounded(ctx, r.cfg.PublishTimeout)
		if err := r.store.MarkEventFailed(markCtx, ev.ID, "earlier event for scope undelivered"); err != nil {
			r.logger.Warn("release change event failed", zap.String("event_id", ev.ID.String()), zap.Error(err))
		}
		cancel()
	}
}
