// Package scheduler implements the per-pipeline cron loop (spec section
// 4.6), grounded on the teacher's Scheduler (services/orchestrator/scheduler.go)
// but driven by the Backend's persisted next-run and scheduled-dates state
// rather than an in-process robfig/cron/v3 Cron instance holding every
// entry: each pipeline gets its own goroutine computing its own next time,
// which is what lets catchup and end_date per pipeline fall out naturally.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronparser "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/pipelinetool/internal/backend"
	"github.com/swarmguard/pipelinetool/internal/engine"
)

var parser = cronparser.NewParser(cronparser.Minute | cronparser.Hour | cronparser.Dom | cronparser.Month | cronparser.Dow)

// Scheduler spawns one goroutine per scheduled pipeline, guarded by an
// "already spawned" set so re-triggering AddPipeline for a running
// schedule is a no-op (spec section 4.6's closing line).
type Scheduler struct {
	backend backend.Backend
	engine  *engine.Engine
	log     *slog.Logger

	mu      sync.Mutex
	spawned map[string]struct{}

	scheduleRuns  metric.Int64Counter
	scheduleFails metric.Int64Counter
}

// New constructs a Scheduler driving runs through e against b.
func New(b backend.Backend, e *engine.Engine, log *slog.Logger, meter metric.Meter) *Scheduler {
	runs, _ := meter.Int64Counter("pipelinetool_schedule_runs_total")
	fails, _ := meter.Int64Counter("pipelinetool_schedule_failures_total")
	return &Scheduler{
		backend:       b,
		engine:        e,
		log:           log,
		spawned:       make(map[string]struct{}),
		scheduleRuns:  runs,
		scheduleFails: fails,
	}
}

// AddPipeline starts the cron loop for pipelineName if it has a non-empty
// Schedule and is not already running. It blocks only long enough to
// perform the catchup pass synchronously before returning; the forward
// iteration runs in its own goroutine.
func (s *Scheduler) AddPipeline(ctx context.Context, pipelineName string) error {
	p, ok, err := s.backend.GetPipeline(ctx, pipelineName)
	if err != nil {
		return fmt.Errorf("load pipeline %q: %w", pipelineName, err)
	}
	if !ok {
		return fmt.Errorf("unknown pipeline %q", pipelineName)
	}
	if p.Options.Schedule == "" {
		return nil
	}

	s.mu.Lock()
	if _, running := s.spawned[pipelineName]; running {
		s.mu.Unlock()
		return nil
	}
	s.spawned[pipelineName] = struct{}{}
	s.mu.Unlock()

	schedule, err := parser.Parse(p.Options.Schedule)
	if err != nil {
		s.mu.Lock()
		delete(s.spawned, pipelineName)
		s.mu.Unlock()
		return fmt.Errorf("parse schedule %q: %w", p.Options.Schedule, err)
	}

	loc := time.UTC
	if p.Options.Timezone != "" {
		if l, err := time.LoadLocation(p.Options.Timezone); err == nil {
			loc = l
		} else {
			s.log.Warn("invalid timezone, defaulting to UTC", "pipeline", pipelineName, "timezone", p.Options.Timezone)
		}
	}

	if p.Options.CatchupDate != nil && p.Options.ShouldCatchup {
		if err := s.catchup(ctx, pipelineName, schedule, *p.Options.CatchupDate, time.Now().UTC()); err != nil {
			return fmt.Errorf("catchup for %q: %w", pipelineName, err)
		}
	}

	go s.loop(pipelineName, schedule, p.Options.EndDate, loc)
	return nil
}

// catchup emits runs for every cron-matching instant in [from, to) not
// already recorded in the pipeline's scheduled-dates set (spec section
// 4.6 step 1). Evaluation happens in UTC: from, to and every cron instant
// are absolute times, so a DST transition inside the catchup window never
// double-fires or skips an instant — robfig/cron's internal Time arithmetic
// is UTC-consistent. The pipeline's Timezone does not shift catchup_date or
// end_date; both are used as the instants they already denote.
func (s *Scheduler) catchup(ctx context.Context, pipelineName string, schedule cronparser.Schedule, from, to time.Time) error {
	t := from.Add(-time.Nanosecond)
	for {
		next := schedule.Next(t)
		if next.IsZero() || !next.Before(to) {
			return nil
		}
		recorded, err := s.backend.IsScheduledDateRecorded(ctx, pipelineName, next)
		if err != nil {
			return fmt.Errorf("check recorded date: %w", err)
		}
		if !recorded {
			if err := s.fire(ctx, pipelineName, next); err != nil {
				return err
			}
		}
		t = next
	}
}

// loop iterates cron times forward, sleeping until each is due (spec
// section 4.6 step 2), until endDate passes (step 3).
func (s *Scheduler) loop(pipelineName string, schedule cronparser.Schedule, endDate *time.Time, loc *time.Location) {
	defer func() {
		s.mu.Lock()
		delete(s.spawned, pipelineName)
		s.mu.Unlock()
		_ = s.backend.SetNextRun(context.Background(), pipelineName, nil)
	}()

	now := time.Now().UTC()
	for {
		next := schedule.Next(now)
		if endDate != nil && next.After(endDate.In(loc)) {
			return
		}

		if err := s.backend.SetNextRun(context.Background(), pipelineName, &next); err != nil {
			s.log.Error("set next run", "pipeline", pipelineName, "error", err)
		}

		wait := time.Until(next)
		if wait > 0 {
			time.Sleep(wait)
		}
		now = time.Now().UTC()

		recorded, err := s.backend.IsScheduledDateRecorded(context.Background(), pipelineName, next)
		if err != nil {
			s.log.Error("check recorded date", "pipeline", pipelineName, "error", err)
			continue
		}
		if recorded {
			continue
		}
		if err := s.fire(context.Background(), pipelineName, next); err != nil {
			s.log.Error("fire schedule", "pipeline", pipelineName, "error", err)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, pipelineName string, scheduledDate time.Time) error {
	if err := s.backend.RecordScheduledDate(ctx, pipelineName, scheduledDate); err != nil {
		return fmt.Errorf("record scheduled date: %w", err)
	}
	if _, err := s.engine.EnqueueRun(ctx, pipelineName, scheduledDate, nil); err != nil {
		s.scheduleFails.Add(ctx, 1, metric.WithAttributes(attribute.String("pipeline", pipelineName)))
		return fmt.Errorf("enqueue run: %w", err)
	}
	s.scheduleRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("pipeline", pipelineName)))
	return nil
}
