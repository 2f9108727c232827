package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"TopPhotos/internal/logging"
)

func TestSubmitBoundsConcurrency(t *testing.T) {
	t.Parallel()

	const workers = 3
	const tasks = 20

	var current, peak int64
	do := func(ctx context.Context, n int) (int, error) {
		cur := atomic.AddInt64(&current, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&current, -1)
		if n%2 == 0 {
			panic("even task")
		}
		return n, nil
	}

	var completed int64
	done := func(f *Future[int, int]) {
		atomic.AddInt64(&completed, 1)
	}

	e := New(do, done, workers, logging.Discard())
	ctx := context.Background()
	for i := 0; i < tasks; i++ {
		if _, err := e.Submit(ctx, i); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	e.Close()

	if got := atomic.LoadInt64(&peak); got > workers {
		t.Fatalf("observed %d concurrent tasks, want at most %d", got, workers)
	}
	if got := atomic.LoadInt64(&completed); got != tasks {
		t.Fatalf("done callback ran %d times, want %d", got, tasks)
	}
	if got := atomic.LoadInt64(&current); got != 0 {
		t.Fatalf("tasks still counted as running: %d", got)
	}
}

func TestDoneCallbackRunsExactlyOnceEvenWhenItPanics(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	counts := map[int]int{}

	do := func(ctx context.Context, n int) (int, error) {
		if n == 1 {
			return 0, errors.New("task failure")
		}
		return n, nil
	}
	done := func(f *Future[int, int]) {
		mu.Lock()
		counts[f.Args()]++
		mu.Unlock()
		panic("callback failure")
	}

	e := New(do, done, 2, logging.Discard())
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		if _, err := e.Submit(ctx, i); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	e.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(counts) != 6 {
		t.Fatalf("callbacks seen for %d tasks, want 6", len(counts))
	}
	for n, c := range counts {
		if c != 1 {
			t.Fatalf("task %d saw %d callbacks, want exactly 1", n, c)
		}
	}
}

func TestSubmitAfterCloseDoesNotLeakPermit(t *testing.T) {
	t.Parallel()

	e := New(func(ctx context.Context, n int) (int, error) { return n, nil }, nil, 2, logging.Discard())
	e.Close()

	for i := 0; i < 5; i++ {
		if _, err := e.Submit(context.Background(), i); !errors.Is(err, ErrClosed) {
			t.Fatalf("submit after close: got %v, want ErrClosed", err)
		}
	}

	if got := len(e.permits); got != 0 {
		t.Fatalf("%d permits held after rejected submissions, want 0", got)
	}
}

func TestSubmitBlocksUntilPermitFrees(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	do := func(ctx context.Context, n int) (int, error) {
		<-release
		return n, nil
	}

	e := New(do, nil, 1, logging.Discard())
	ctx := context.Background()
	if _, err := e.Submit(ctx, 1); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	admitted := make(chan struct{})
	go func() {
		if _, err := e.Submit(ctx, 2); err != nil {
			t.Errorf("second submit: %v", err)
		}
		close(admitted)
	}()

	select {
	case <-admitted:
		t.Fatal("second submit admitted while the only permit was held")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case <-admitted:
	case <-time.After(time.Second):
		t.Fatal("second submit never admitted after permit release")
	}
	e.Close()
}

func TestSubmitHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	e := New(func(ctx context.Context, n int) (int, error) {
		<-block
		return n, nil
	}, nil, 1, logging.Discard())

	if _, err := e.Submit(context.Background(), 1); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := e.Submit(ctx, 2); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("blocked submit: got %v, want deadline exceeded", err)
	}
	if got := len(e.permits); got != 1 {
		t.Fatalf("%d permits held, want 1 (only the running task)", got)
	}

	close(block)
	e.Close()
}

func TestInflightSnapshot(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	e := New(func(ctx context.Context, n int) (int, error) {
		<-release
		return n, nil
	}, nil, 2, logging.Discard())

	ctx := context.Background()
	if _, err := e.Submit(ctx, 7); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := e.Submit(ctx, 8); err != nil {
		t.Fatalf("submit: %v", err)
	}

	pending := e.Inflight(0)
	if len(pending) != 2 {
		t.Fatalf("inflight reports %d tasks, want 2", len(pending))
	}
	seen := map[int]bool{}
	for _, p := range pending {
		if p.Submitted.IsZero() {
			t.Fatal("pending entry lost its submission time")
		}
		seen[p.Args] = true
	}
	if !seen[7] || !seen[8] {
		t.Fatalf("pending args %v, want 7 and 8", pending)
	}

	if aged := e.Inflight(time.Hour); len(aged) != 0 {
		t.Fatalf("inflight(1h) reports %d tasks, want 0", len(aged))
	}

	close(release)
	e.Close()

	if left := e.Inflight(0); len(left) != 0 {
		t.Fatalf("inflight after close reports %d tasks, want 0", len(left))
	}
}

func TestFutureResult(t *testing.T) {
	t.Parallel()

	e := New(func(ctx context.Context, n int) (int, error) {
		if n < 0 {
			return 0, errors.New("negative")
		}
		return n * 2, nil
	}, nil, 2, logging.Discard())

	ctx := context.Background()
	ok, err := e.Submit(ctx, 21)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	bad, err := e.Submit(ctx, -1)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	e.Close()

	if v, err := ok.Result(); err != nil || v != 42 {
		t.Fatalf("Result() = (%d, %v), want (42, nil)", v, err)
	}
	if _, err := bad.Result(); err == nil {
		t.Fatal("expected error from failing task")
	}
}

func TestMonitorPollsAndStops(t *testing.T) {
	t.Parallel()

	var polls int64
	m := NewMonitor(10*time.Millisecond, func(olderThan time.Duration) []string {
		atomic.AddInt64(&polls, 1)
		return []string{"Q1:99s"}
	}, logging.Discard())

	m.Start()
	time.Sleep(60 * time.Millisecond)
	m.Stop()

	if got := atomic.LoadInt64(&polls); got == 0 {
		t.Fatal("monitor never polled the snapshot function")
	}
	after := atomic.LoadInt64(&polls)
	time.Sleep(30 * time.Millisecond)
	if got := atomic.LoadInt64(&polls); got != after {
		t.Fatalf("monitor kept polling after Stop: %d -> %d", after, got)
	}
}
