package backend

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// flakyBackend fails its first N calls to ListPipelines, then delegates;
// every other method goes straight to the embedded InMemory.
type flakyBackend struct {
	*InMemory
	failuresLeft int64
}

func (f *flakyBackend) ListPipelines(ctx context.Context) ([]string, error) {
	if atomic.AddInt64(&f.failuresLeft, -1) >= 0 {
		return nil, errors.New("transient store error")
	}
	return f.InMemory.ListPipelines(ctx)
}

func TestResilientRetriesTransientFailure(t *testing.T) {
	inner := &flakyBackend{InMemory: NewInMemory(), failuresLeft: 2}
	r := NewResilient(inner, 5, time.Millisecond)

	names, err := r.ListPipelines(context.Background())
	if err != nil {
		t.Fatalf("want retry to mask transient failures, got %v", err)
	}
	if names == nil {
		names = []string{}
	}
}

type alwaysFailBackend struct {
	*InMemory
}

func (alwaysFailBackend) ListPipelines(context.Context) ([]string, error) {
	return nil, errors.New("store unreachable")
}

func TestResilientCircuitOpensAfterRepeatedFailure(t *testing.T) {
	inner := &alwaysFailBackend{InMemory: NewInMemory()}
	r := NewResilient(inner, 1, time.Millisecond)

	var lastErr error
	for i := 0; i < 20; i++ {
		_, lastErr = r.ListPipelines(context.Background())
	}
	if !errors.Is(lastErr, ErrCircuitOpen) {
		t.Fatalf("want circuit to trip open after repeated failures, got %v", lastErr)
	}
}
