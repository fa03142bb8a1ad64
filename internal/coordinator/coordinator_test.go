package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func intPtr(n int) *int { return &n }

func TestRunPreservesOrder(t *testing.T) {
	c := New(time.Second, 4)
	c.RegisterRunner("echo", func(ctx context.Context, runID string, spec Spec) (string, string, error) {
		// Later specs finish first.
		if spec.Prompt == "first" {
			time.Sleep(100 * time.Millisecond)
		}
		return "echo: " + spec.Prompt, "sess-" + spec.Prompt, nil
	})

	results := c.Run(context.Background(), []Spec{
		{Type: "echo", Prompt: "first"},
		{Type: "echo", Prompt: "second"},
	})

	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].Result != "echo: first" || results[1].Result != "echo: second" {
		t.Fatalf("results out of order: %+v", results)
	}
	if results[0].Status != StatusDone || results[0].SessionID != "sess-first" {
		t.Fatalf("result 0 = %+v", results[0])
	}
}

func TestRunMixedFailures(t *testing.T) {
	c := New(50*time.Millisecond, 4)
	c.RegisterRunner("worker", func(ctx context.Context, runID string, spec Spec) (string, string, error) {
		switch spec.Prompt {
		case "fail":
			return "", "", errors.New("boom")
		default:
			<-ctx.Done()
			return "", "", ctx.Err()
		}
	})

	specs := []Spec{
		{Type: "worker", Prompt: "hang"},
		{Type: "missing", Prompt: "x"},
		{Type: "worker", Prompt: "fail"},
		{Type: "also_missing", Prompt: "y"},
		{Type: "worker", Prompt: "hang"},
	}
	results := c.Run(context.Background(), specs)

	if results[1].Status != StatusError || results[1].Error != "Unknown subagent: missing" {
		t.Fatalf("result 1 = %+v", results[1])
	}
	if results[3].Status != StatusError || results[3].Error != "Unknown subagent: also_missing" {
		t.Fatalf("result 3 = %+v", results[3])
	}
	if results[0].Status != StatusTimeout || results[4].Status != StatusTimeout {
		t.Fatalf("hanging specs = %+v, %+v", results[0], results[4])
	}
	if results[2].Status != StatusError || results[2].Error != "boom" {
		t.Fatalf("result 2 = %+v", results[2])
	}

	seen := make(map[string]bool)
	for _, r := range results {
		if r.ID == "" || seen[r.ID] {
			t.Fatalf("duplicate or empty run ID in %+v", results)
		}
		seen[r.ID] = true
	}

	if active := c.ListActive(); len(active) != 0 {
		t.Fatalf("active after batch = %v", active)
	}
}

func TestZeroTimeoutIsImmediate(t *testing.T) {
	ran := false
	c := New(time.Second, 4)
	c.RegisterRunner("w", func(ctx context.Context, runID string, spec Spec) (string, string, error) {
		ran = true
		return "", "", nil
	})

	results := c.Run(context.Background(), []Spec{{Type: "w", TimeoutMS: intPtr(0)}})
	if results[0].Status != StatusTimeout {
		t.Fatalf("result = %+v", results[0])
	}
	if ran {
		t.Fatal("runner executed despite zero timeout")
	}
}

func TestPerSpecTimeoutOverridesDefault(t *testing.T) {
	c := New(time.Hour, 4)
	c.RegisterRunner("w", func(ctx context.Context, runID string, spec Spec) (string, string, error) {
		<-ctx.Done()
		return "", "", ctx.Err()
	})

	start := time.Now()
	results := c.Run(context.Background(), []Spec{{Type: "w", TimeoutMS: intPtr(50)}})
	if time.Since(start) > 5*time.Second {
		t.Fatal("per-spec timeout was not applied")
	}
	if results[0].Status != StatusTimeout {
		t.Fatalf("result = %+v", results[0])
	}
}

func TestAbortAll(t *testing.T) {
	c := New(time.Hour, 4)
	started := make(chan struct{}, 2)
	c.RegisterRunner("w", func(ctx context.Context, runID string, spec Spec) (string, string, error) {
		started <- struct{}{}
		<-ctx.Done()
		return "", "", ctx.Err()
	})

	done := make(chan []Result, 1)
	go func() {
		done <- c.Run(context.Background(), []Spec{{Type: "w"}, {Type: "w"}})
	}()

	<-started
	<-started
	if active := c.ListActive(); len(active) != 2 {
		t.Fatalf("active = %v, want 2 runs", active)
	}

	aborted := c.AbortAll()
	if len(aborted) != 2 {
		t.Fatalf("aborted = %v", aborted)
	}

	results := <-done
	for _, r := range results {
		if r.Status != StatusError {
			t.Fatalf("result after abort = %+v", r)
		}
	}
	if active := c.ListActive(); len(active) != 0 {
		t.Fatalf("active after abort = %v", active)
	}

	// Idempotent on an empty coordinator, and new batches still run.
	if again := c.AbortAll(); len(again) != 0 {
		t.Fatalf("second abort = %v", again)
	}
	c.RegisterRunner("ok", func(ctx context.Context, runID string, spec Spec) (string, string, error) {
		return "fine", "", nil
	})
	results = c.Run(context.Background(), []Spec{{Type: "ok"}})
	if results[0].Status != StatusDone {
		t.Fatalf("post-abort batch = %+v", results[0])
	}
}

func TestRunnerPanicIsolated(t *testing.T) {
	c := New(time.Second, 4)
	c.RegisterRunner("bad", func(ctx context.Context, runID string, spec Spec) (string, string, error) {
		panic("kaboom")
	})
	c.RegisterRunner("good", func(ctx context.Context, runID string, spec Spec) (string, string, error) {
		return "ok", "", nil
	})

	results := c.Run(context.Background(), []Spec{{Type: "bad"}, {Type: "good"}})
	if results[0].Status != StatusError || !strings.Contains(results[0].Error, "crashed") {
		t.Fatalf("panicking spec = %+v", results[0])
	}
	if results[1].Status != StatusDone {
		t.Fatalf("healthy spec = %+v", results[1])
	}
}

func TestUniqueIDsAcrossBatches(t *testing.T) {
	c := New(time.Second, 4)
	c.RegisterRunner("w", func(ctx context.Context, runID string, spec Spec) (string, string, error) {
		return "", "", nil
	})

	seen := make(map[string]bool)
	for batch := 0; batch < 5; batch++ {
		specs := make([]Spec, 10)
		for i := range specs {
			specs[i] = Spec{Type: "w", Prompt: fmt.Sprintf("b%d-%d", batch, i)}
		}
		for _, r := range c.Run(context.Background(), specs) {
			if seen[r.ID] {
				t.Fatalf("run ID %s reused", r.ID)
			}
			seen[r.ID] = true
		}
	}
}

func TestStrayNotifyIgnored(t *testing.T) {
	c := New(time.Second, 4)
	// Must not panic or block.
	c.Notify("never-seen", map[string]any{"kind": "DOWN"})
	c.Notify("", nil)
}
