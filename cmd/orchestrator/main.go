// Command orchestrator runs the pipeline engine as a standalone HTTP
// service, wiring logging, tracing, metrics, the store, the engine and its
// supporting loops (runner, scheduler, reaper) in the teacher's exact order
// (logging.Init -> otelinit.InitTracer -> otelinit.InitMetrics -> backend ->
// engine/runner/scheduler/reaper -> HTTP mux -> graceful shutdown).
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/swarmguard/pipelinetool/internal/api"
	"github.com/swarmguard/pipelinetool/internal/backend"
	"github.com/swarmguard/pipelinetool/internal/corelib/logging"
	"github.com/swarmguard/pipelinetool/internal/corelib/otelinit"
	"github.com/swarmguard/pipelinetool/internal/engine"
	"github.com/swarmguard/pipelinetool/internal/executor"
	"github.com/swarmguard/pipelinetool/internal/reaper"
	"github.com/swarmguard/pipelinetool/internal/runner"
	"github.com/swarmguard/pipelinetool/internal/scheduler"
)

func main() {
	const service = "orchestrator"
	log := logging.Init(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, promHandler, _ := otelinit.InitMetrics(ctx, service)
	meter := otel.GetMeterProvider().Meter("pipelinetool")
	tracer := otel.GetTracerProvider().Tracer("pipelinetool")

	b := newBackend(log)
	ex := executor.New(commandRegistry(), b)
	eng := engine.New(b, ex, meter, tracer)
	sched := scheduler.New(b, eng, log, meter)
	pool := runner.New(b, eng, log, runnerWorkers(), 200*time.Millisecond, meter)
	reap := reaper.New(b, eng, log, reaper.DefaultInterval, meter)

	go pool.Run(ctx)
	go reap.Run(ctx)
	if err := rearmSchedules(ctx, b, sched); err != nil {
		log.Error("rearm schedules", "error", err)
	}

	if nc, err := connectNATS(log); err != nil {
		log.Warn("nats unavailable, event-driven triggers disabled", "error", err)
	} else {
		defer nc.Close()
		et := scheduler.NewEventTrigger(nc, meter)
		if err := rearmEventTriggers(ctx, b, sched, et); err != nil {
			log.Error("rearm event triggers", "error", err)
		}
	}

	srv := api.New(b, eng, sched, log, meter)
	mux := srv.Mux()
	if promHandler != nil {
		mux.Handle("/metrics", promHandler)
	}

	httpSrv := &http.Server{Addr: listenAddr(), Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "error", err)
			cancel()
		}
	}()
	log.Info("orchestrator started", "addr", httpSrv.Addr)

	<-ctx.Done()
	log.Info("shutdown initiated")
	ctxSd, cancelSd := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelSd()
	_ = httpSrv.Shutdown(ctxSd)
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	log.Info("shutdown complete")
}

// newBackend picks Redis when PIPELINETOOL_REDIS_ADDR is set (wrapped with
// the resilience decorator, since Redis is a remote dependency), else
// BoltDB when PIPELINETOOL_BOLT_PATH is set (durable single-process
// storage with no external service), else the in-memory store for tests
// and local dev.
func newBackend(log *slog.Logger) backend.Backend {
	if addr := os.Getenv("PIPELINETOOL_REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		log.Info("using redis backend", "addr", addr)
		return backend.NewResilient(backend.NewRedis(client), 3, 100*time.Millisecond)
	}
	if path := os.Getenv("PIPELINETOOL_BOLT_PATH"); path != "" {
		meter := otel.GetMeterProvider().Meter("pipelinetool")
		b, err := backend.OpenBolt(path, meter)
		if err != nil {
			log.Error("open boltdb backend, falling back to in-memory", "path", path, "error", err)
			return backend.NewInMemory()
		}
		log.Info("using boltdb backend", "path", path)
		return b
	}
	log.Info("PIPELINETOOL_REDIS_ADDR/PIPELINETOOL_BOLT_PATH unset, using in-memory backend")
	return backend.NewInMemory()
}

func connectNATS(log *slog.Logger) (*nats.Conn, error) {
	url := os.Getenv("PIPELINETOOL_NATS_URL")
	if url == "" {
		url = nats.DefaultURL
	}
	return nats.Connect(url)
}

// rearmSchedules re-attaches the cron loop for every registered pipeline
// with a schedule, since the scheduler's spawned-goroutine bookkeeping
// (scheduler.go) is in-process state lost across a process restart.
func rearmSchedules(ctx context.Context, b backend.Backend, sched *scheduler.Scheduler) error {
	names, err := b.ListPipelines(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := sched.AddPipeline(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func rearmEventTriggers(ctx context.Context, b backend.Backend, sched *scheduler.Scheduler, et *scheduler.EventTrigger) error {
	names, err := b.ListPipelines(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		p, ok, err := b.GetPipeline(ctx, name)
		if err != nil {
			return err
		}
		if !ok || p.Options.EventType == "" {
			continue
		}
		if _, err := sched.SubscribeEvents(et, name, p.Options.EventType, p.Options.EventFilter); err != nil {
			return err
		}
	}
	return nil
}

func commandRegistry() executor.Registry {
	return executor.Registry{
		"noop":  `true`,
		"shell": `eval "$1"`,
	}
}

func runnerWorkers() int {
	if v := os.Getenv("PIPELINETOOL_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 4
}

func listenAddr() string {
	if addr := os.Getenv("PIPELINETOOL_ADDR"); addr != "" {
		return addr
	}
	return ":8080"
}
