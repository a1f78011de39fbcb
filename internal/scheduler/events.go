package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/pipelinetool/internal/corelib/natsctx"
)

// eventEnvelope is the payload expected on pipeline.events.{pipeline}:
// trigger_params becomes the run's trigger_params when every entry in
// the pipeline's EventFilter matches a same-keyed entry here.
type eventEnvelope struct {
	Event         map[string]string `json:"event"`
	TriggerParams any               `json:"trigger_params"`
}

// EventTrigger subscribes to pipelineName's NATS event subject and fires a
// run whenever a message's event fields satisfy EventFilter, mirroring the
// teacher's in-process EventHandler.schedules/matchesFilter (scheduler.go)
// but sourced from an external NATS publisher instead of an in-process
// TriggerEvent call, since this repo has no in-process event bus of its
// own (spec section 4.11 / SPEC_FULL.md).
type EventTrigger struct {
	nc            *nats.Conn
	eventTriggers metric.Int64Counter
}

// NewEventTrigger wraps nc for use with Scheduler.SubscribeEvents.
func NewEventTrigger(nc *nats.Conn, meter metric.Meter) *EventTrigger {
	triggers, _ := meter.Int64Counter("pipelinetool_event_triggers_total")
	return &EventTrigger{nc: nc, eventTriggers: triggers}
}

// SubscribeEvents starts listening on pipeline.events.{pipelineName} for
// events matching eventType/filter, enqueueing a run through the engine for
// each that matches (no scheduled date is recorded for event-driven runs).
func (s *Scheduler) SubscribeEvents(et *EventTrigger, pipelineName, eventType string, filter map[string]string) (*nats.Subscription, error) {
	subject := fmt.Sprintf("pipeline.events.%s", pipelineName)
	return natsctx.Subscribe(et.nc, subject, func(ctx context.Context, msg *nats.Msg) {
		var env eventEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			s.log.Error("decode event envelope", "pipeline", pipelineName, "error", err)
			return
		}
		if env.Event["type"] != eventType {
			return
		}
		if !matchesFilter(env.Event, filter) {
			return
		}
		et.eventTriggers.Add(ctx, 1, metric.WithAttributes(attribute.String("pipeline", pipelineName)))
		if _, err := s.engine.EnqueueRun(ctx, pipelineName, time.Now().UTC(), env.TriggerParams); err != nil {
			s.log.Error("enqueue run from event", "pipeline", pipelineName, "error", err)
		}
	})
}

// matchesFilter reports whether every key in filter has a matching value
// in event, grounded on the teacher's matchesFilter (scheduler.go).
func matchesFilter(event map[string]string, filter map[string]string) bool {
	if len(filter) == 0 {
		return true
	}
	for k, want := range filter {
		if got, ok := event[k]; !ok || got != want {
			return false
		}
	}
	return true
}
