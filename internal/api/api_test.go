package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	noopmetric "go.opentelemetry.io/otel/metric/noop"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/swarmguard/pipelinetool/internal/backend"
	"github.com/swarmguard/pipelinetool/internal/engine"
	"github.com/swarmguard/pipelinetool/internal/task"
)

type noopExecutor struct{}

func (noopExecutor) Execute(context.Context, int64, task.Task, int, any) (task.Result, error) {
	return task.Result{Success: true}, nil
}

func newTestServer() (*Server, backend.Backend) {
	b := backend.NewInMemory()
	meter := noopmetric.MeterProvider{}.Meter("test")
	tracer := nooptrace.NewTracerProvider().Tracer("test")
	e := engine.New(b, noopExecutor{}, meter, tracer)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(b, e, nil, log, meter), b
}

func TestCreateAndGetPipeline(t *testing.T) {
	s, _ := newTestServer()
	mux := s.Mux()

	doc := pipelineDoc{
		Name:         "nightly",
		DefaultTasks: []task.Task{{Name: "a", Function: "noop", Options: task.DefaultOptions()}},
		Options:      backend.Options{MaxAttempts: 1},
	}
	body, _ := json.Marshal(doc)
	req := httptest.NewRequest(http.MethodPost, "/v1/pipelines", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create pipeline: want 201, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/pipelines/nightly", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get pipeline: want 200, got %d", rec.Code)
	}
	var got pipelineDoc
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Name != "nightly" || len(got.DefaultTasks) != 1 {
		t.Fatalf("unexpected pipeline: %+v", got)
	}
}

func TestTriggerRunAndInspect(t *testing.T) {
	s, b := newTestServer()
	mux := s.Mux()
	ctx := context.Background()

	if err := b.PutPipeline(ctx, backend.Pipeline{
		Name:         "nightly",
		DefaultTasks: []task.Task{{Name: "a", Function: "noop", Options: task.DefaultOptions()}},
		Options:      backend.Options{MaxAttempts: 1},
	}); err != nil {
		t.Fatalf("seed pipeline: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/pipelines/nightly/runs", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("trigger run: want 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var triggered triggerResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &triggered); err != nil {
		t.Fatalf("decode trigger response: %v", err)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/runs/1", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get run: want 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var view runView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode run view: %v", err)
	}
	if len(view.Tasks) != 1 {
		t.Fatalf("want one task in run view, got %d", len(view.Tasks))
	}
}

func TestTriggerRunUnknownPipeline(t *testing.T) {
	s, _ := newTestServer()
	mux := s.Mux()

	req := httptest.NewRequest(http.MethodPost, "/v1/pipelines/missing/runs", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("want 404 for unknown pipeline, got %d", rec.Code)
	}
}

func TestTriggerRunIsRateLimitedPerPipeline(t *testing.T) {
	s, b := newTestServer()
	mux := s.Mux()
	ctx := context.Background()

	if err := b.PutPipeline(ctx, backend.Pipeline{
		Name:         "hot",
		DefaultTasks: []task.Task{{Name: "a", Function: "noop", Options: task.DefaultOptions()}},
		Options:      backend.Options{MaxAttempts: 1},
	}); err != nil {
		t.Fatalf("seed pipeline: %v", err)
	}

	var lastCode int
	for i := 0; i < 200; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/pipelines/hot/runs", nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		lastCode = rec.Code
		if lastCode == http.StatusTooManyRequests {
			break
		}
	}
	if lastCode != http.StatusTooManyRequests {
		t.Fatalf("expected a 429 once the per-pipeline trigger limit is exceeded, last code was %d", lastCode)
	}
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
}
