package services

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/partstream/api/internal/platform/observability"
)

const (
	schedulerEventTick  = "sync.scheduler.tick"
	schedulerEventError = "sync.scheduler.error"
)

// SyncSchedulerDeps enumerates collaborators required to construct the scheduler.
type SyncSchedulerDeps struct {
	Sync         SyncService
	BucketCount  int
	TickInterval time.Duration
	Clock        func() time.Time
	Logger       func(ctx context.Context, event string, fields map[string]any)
}

// SyncScheduler advances through the time buckets on a clock, dispatching the
// current bucket each tick. In production the tick is hourly and the bucket
// follows the wall-clock hour; a shorter testing interval rotates buckets by
// elapsed intervals instead.
type SyncScheduler struct {
	sync        SyncService
	bucketCount int
	interval    time.Duration
	clock       func() time.Time
	logger      func(context.Context, string, map[string]any)
}

// NewSyncScheduler wires dependencies into a SyncScheduler.
func NewSyncScheduler(deps SyncSchedulerDeps) (*SyncScheduler, error) {
	if deps.Sync == nil {
		return nil, errors.New("sync scheduler: sync service is required")
	}
	if deps.BucketCount <= 0 {
		return nil, errors.New("sync scheduler: bucket count must be positive")
	}
	if deps.TickInterval <= 0 {
		return nil, errors.New("sync scheduler: tick interval must be positive")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &SyncScheduler{
		sync:        deps.Sync,
		bucketCount: deps.BucketCount,
		interval:    deps.TickInterval,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CurrentBucket derives the bucket index due at the given instant. Hourly
// schedules follow the wall-clock hour so operators can predict when a
// product syncs; sub-hourly (testing) schedules rotate by elapsed intervals.
func (s *SyncScheduler) CurrentBucket(now time.Time) int {
	if s.interval >= time.Hour {
		return now.UTC().Hour() % s.bucketCount
	}
	seconds := int64(s.interval / time.Second)
	if seconds < 1 {
		// intervals under a second still rotate once per second
		seconds = 1
	}
	elapsed := now.UTC().Unix() / seconds
	return int(elapsed % int64(s.bucketCount))
}

// Tick dispatches the bucket due at the current clock reading.
func (s *SyncScheduler) Tick(ctx context.Context) error {
	now := s.clock()
	bucket := s.CurrentBucket(now)

	ctx, span := observability.StartSpan(ctx, "sync.tick", attribute.Int("sync.bucket", bucket))
	defer span.End()

	s.logger(ctx, schedulerEventTick, map[string]any{"bucket": bucket})
	return s.sync.RunBucket(ctx, bucket)
}

// Run ticks until the context is cancelled. Tick failures are logged and the
// loop continues; a systemic failure skips the remainder of that tick only.
func (s *SyncScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger(ctx, schedulerEventError, map[string]any{"error": err.Error()})
			}
		}
	}
}
