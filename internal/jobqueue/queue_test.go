package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/dokzlo13/flowsyncd/internal/future"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func closeQueue[T any](t *testing.T, q *Queue[T]) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q.Close(ctx)
}

func TestFIFOWithinKey(t *testing.T) {
	q := New[int]("test", 4)
	defer closeQueue(t, q)

	var mu sync.Mutex
	var order []int

	var futures []*future.Future[int]
	for i := 0; i < 50; i++ {
		i := i
		futures = append(futures, q.Enqueue(context.Background(), "node", func(ctx context.Context) (int, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return i, nil
		}))
	}

	if _, err := future.WaitAll(context.Background(), 5*time.Second, futures...); err != nil {
		t.Fatalf("WaitAll: %v", err)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d] = %d, jobs ran out of order: %v", i, v, order)
		}
	}
}

func TestAtMostOneJobPerKey(t *testing.T) {
	q := New[struct{}]("test", 8)
	defer closeQueue(t, q)

	const keys = 4
	var inFlight [keys]atomic.Int32
	var violations atomic.Int32
	var maxParallel, parallel atomic.Int32

	var wg sync.WaitGroup
	var mu sync.Mutex
	var futures []*future.Future[struct{}]

	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				k := (g + i) % keys
				f := q.Enqueue(context.Background(), fmt.Sprintf("node-%d", k), func(ctx context.Context) (struct{}, error) {
					if inFlight[k].Add(1) > 1 {
						violations.Add(1)
					}
					p := parallel.Add(1)
					for {
						m := maxParallel.Load()
						if p <= m || maxParallel.CompareAndSwap(m, p) {
							break
						}
					}
					time.Sleep(200 * time.Microsecond)
					parallel.Add(-1)
					inFlight[k].Add(-1)
					return struct{}{}, nil
				})
				mu.Lock()
				futures = append(futures, f)
				mu.Unlock()
			}
		}(g)
	}
	wg.Wait()

	if _, err := future.WaitAll(context.Background(), 10*time.Second, futures...); err != nil {
		t.Fatalf("WaitAll: %v", err)
	}
	if v := violations.Load(); v != 0 {
		t.Errorf("%d jobs ran concurrently with another job of the same key", v)
	}
	if m := maxParallel.Load(); m > keys {
		t.Errorf("max parallel jobs = %d, cannot exceed number of keys %d", m, keys)
	}
}

func TestKeysRunInParallel(t *testing.T) {
	q := New[int]("test", 2)
	defer closeQueue(t, q)

	block := make(chan struct{})
	blocked := q.Enqueue(context.Background(), "stuck", func(ctx context.Context) (int, error) {
		<-block
		return 0, nil
	})

	other := q.Enqueue(context.Background(), "other", func(ctx context.Context) (int, error) {
		return 1, nil
	})
	if v, err := other.WaitTimeout(2 * time.Second); err != nil || v != 1 {
		t.Fatalf("other key blocked by a stuck key: %v, %v", v, err)
	}

	close(block)
	if _, err := blocked.WaitTimeout(2 * time.Second); err != nil {
		t.Fatalf("blocked job: %v", err)
	}
}

func TestFailureDoesNotStopKey(t *testing.T) {
	q := New[int]("test", 1)
	defer closeQueue(t, q)

	boom := errors.New("boom")
	failed := q.Enqueue(context.Background(), "node", func(ctx context.Context) (int, error) {
		return 0, boom
	})
	panicked := q.Enqueue(context.Background(), "node", func(ctx context.Context) (int, error) {
		panic("bad job")
	})
	next := q.Enqueue(context.Background(), "node", func(ctx context.Context) (int, error) {
		return 3, nil
	})

	if _, err := failed.WaitTimeout(time.Second); !errors.Is(err, boom) {
		t.Errorf("failed job err = %v, want boom", err)
	}
	if _, err := panicked.WaitTimeout(time.Second); err == nil {
		t.Error("panicking job should fail")
	}
	if v, err := next.WaitTimeout(time.Second); err != nil || v != 3 {
		t.Errorf("job after failures = %d, %v; want 3, nil", v, err)
	}
}

func TestCancelledJobDoesNotRun(t *testing.T) {
	q := New[int]("test", 1)
	defer closeQueue(t, q)

	block := make(chan struct{})
	first := q.Enqueue(context.Background(), "node", func(ctx context.Context) (int, error) {
		<-block
		return 1, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	second := q.Enqueue(ctx, "node", func(ctx context.Context) (int, error) {
		ran.Store(true)
		return 2, nil
	})

	cancel()
	close(block)

	if _, err := first.WaitTimeout(time.Second); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := second.WaitTimeout(time.Second); !errors.Is(err, future.ErrCancelled) {
		t.Errorf("second err = %v, want ErrCancelled", err)
	}
	if ran.Load() {
		t.Error("work of a cancelled job ran")
	}
}

func TestCloseFailsPending(t *testing.T) {
	q := New[int]("test", 1)

	block := make(chan struct{})
	running := q.Enqueue(context.Background(), "node", func(ctx context.Context) (int, error) {
		<-block
		return 1, nil
	})
	// Wait until the first job occupies the slot.
	deadline := time.Now().Add(time.Second)
	for !q.Running("node") && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	pending := q.Enqueue(context.Background(), "node", func(ctx context.Context) (int, error) {
		return 2, nil
	})
	if n := q.Pending("node"); n != 1 {
		t.Errorf("Pending = %d, want 1", n)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(block)
	}()
	closeQueue(t, q)

	if _, err := pending.WaitTimeout(time.Second); !errors.Is(err, ErrClosed) {
		t.Errorf("pending err = %v, want ErrClosed", err)
	}
	if v, err := running.WaitTimeout(time.Second); err != nil || v != 1 {
		t.Errorf("running job = %d, %v; want 1, nil", v, err)
	}
	if _, err := q.Enqueue(context.Background(), "node", nil).WaitTimeout(time.Second); !errors.Is(err, ErrClosed) {
		t.Errorf("enqueue after close err = %v, want ErrClosed", err)
	}
}
