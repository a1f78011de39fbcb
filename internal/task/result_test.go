package task

import "testing"

func TestNeedsRetry(t *testing.T) {
	cases := []struct {
		name string
		r    Result
		want bool
	}{
		{"success never retries", Result{Success: true, Attempt: 1, MaxAttempts: 3}, false},
		{"premature failure never retries", Result{PrematureFailure: true, Attempt: 1, MaxAttempts: 3}, false},
		{"attempts remain", Result{Attempt: 1, MaxAttempts: 3}, true},
		{"attempts exhausted", Result{Attempt: 3, MaxAttempts: 3}, false},
		{"sensor always retries", Result{IsSensor: true, Attempt: 99, MaxAttempts: 1}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.r.NeedsRetry(); got != c.want {
				t.Errorf("NeedsRetry() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestUnpackBranch(t *testing.T) {
	if inner, isLeft, ok := UnpackBranch(map[string]any{"Left": 7.0}); !ok || !isLeft || inner != 7.0 {
		t.Fatalf("Left unpack = (%v,%v,%v)", inner, isLeft, ok)
	}
	if inner, isLeft, ok := UnpackBranch(map[string]any{"Right": "x"}); !ok || isLeft || inner != "x" {
		t.Fatalf("Right unpack = (%v,%v,%v)", inner, isLeft, ok)
	}
	if _, _, ok := UnpackBranch(map[string]any{"n": 1.0}); ok {
		t.Fatalf("non-branch map should not unpack")
	}
	if _, _, ok := UnpackBranch(42.0); ok {
		t.Fatalf("scalar should not unpack")
	}
}

func TestStatusIsDone(t *testing.T) {
	for _, s := range []Status{Success, Failure, Skipped} {
		if !s.IsDone() {
			t.Errorf("%s should be done", s)
		}
	}
	for _, s := range []Status{Pending, Running, RetryPending} {
		if s.IsDone() {
			t.Errorf("%s should not be done", s)
		}
	}
}

func TestStatusNeedsRunning(t *testing.T) {
	if !Pending.NeedsRunning() || !RetryPending.NeedsRunning() {
		t.Fatal("Pending and RetryPending should need running")
	}
	if Running.NeedsRunning() || Success.NeedsRunning() {
		t.Fatal("Running and Success should not need running")
	}
}
