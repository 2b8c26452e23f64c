package concurrency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestExecuteSettledReturnsAllResults(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	results := ExecuteSettled(context.Background(), items, 3, func(_ context.Context, n int) error {
		if n%2 == 0 {
			return fmt.Errorf("item %d failed", n)
		}
		return nil
	})

	if len(results) != len(items) {
		t.Fatalf("expected %d results, got %d", len(items), len(results))
	}
	for i, r := range results {
		if r.Item != items[i] {
			t.Errorf("result %d not index-aligned: got item %d", i, r.Item)
		}
	}
	failed := Failed(results)
	if len(failed) != 2 {
		t.Fatalf("expected 2 failures, got %d", len(failed))
	}
}

func TestExecuteSettledDoesNotFailFast(t *testing.T) {
	var completed int32
	items := make([]int, 20)
	results := ExecuteSettled(context.Background(), items, 4, func(_ context.Context, _ int) error {
		atomic.AddInt32(&completed, 1)
		return errors.New("always fails")
	})

	if got := atomic.LoadInt32(&completed); got != 20 {
		t.Fatalf("expected all 20 items to run despite failures, got %d", got)
	}
	if len(Failed(results)) != 20 {
		t.Fatalf("expected 20 failed results")
	}
}

func TestExecuteSettledBoundsParallelism(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0

	items := make([]int, 30)
	ExecuteSettled(context.Background(), items, 5, func(_ context.Context, _ int) error {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		return nil
	})

	if peak > 5 {
		t.Fatalf("parallelism bound violated: peak %d workers", peak)
	}
}

func TestExecuteSettledCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	items := []int{1, 2, 3}
	results := ExecuteSettled(ctx, items, 1, func(_ context.Context, _ int) error {
		return nil
	})

	// Already-cancelled context settles remaining items with ctx.Err().
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
}

func TestExecuteSettledEmptyInput(t *testing.T) {
	results := ExecuteSettled(context.Background(), []string{}, 5, func(_ context.Context, _ string) error {
		t.Fatal("fn must not be called for empty input")
		return nil
	})
	if len(results) != 0 {
		t.Fatalf("expected no results, got %d", len(results))
	}
}
