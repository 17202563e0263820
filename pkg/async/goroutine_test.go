package async

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/platinummonkey/audittrail/pkg/observability"
)

// syncBuffer guards a bytes.Buffer shared with background goroutines
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSafeGo_Success(t *testing.T) {
	ctx := context.Background()
	executed := atomic.Bool{}

	SafeGo(ctx, nil, 1*time.Second, "test task", func(ctx context.Context) error {
		executed.Store(true)
		return nil
	})

	// Wait for goroutine to complete
	time.Sleep(100 * time.Millisecond)

	if !executed.Load() {
		t.Error("SafeGo did not execute function")
	}
}

func TestSafeGo_WithError(t *testing.T) {
	out := &syncBuffer{}
	logger := observability.NewLogger(observability.InfoLevel, out)

	SafeGo(context.Background(), logger, 1*time.Second, "test task", func(ctx context.Context) error {
		return errors.New("test error")
	})

	time.Sleep(100 * time.Millisecond)

	if !strings.Contains(out.String(), "test error") {
		t.Errorf("Expected error to be logged, got %q", out.String())
	}
}

func TestSafeGo_Timeout(t *testing.T) {
	ctx := context.Background()
	completed := atomic.Bool{}
	cancelled := atomic.Bool{}

	SafeGo(ctx, nil, 50*time.Millisecond, "test task", func(ctx context.Context) error {
		select {
		case <-time.After(200 * time.Millisecond):
			completed.Store(true)
			return nil
		case <-ctx.Done():
			cancelled.Store(true)
			return ctx.Err()
		}
	})

	time.Sleep(150 * time.Millisecond)

	if completed.Load() {
		t.Error("Task should have been cancelled by timeout")
	}
	if !cancelled.Load() {
		t.Error("Task should have observed context cancellation")
	}
}

func TestSafeGo_PanicRecovery(t *testing.T) {
	out := &syncBuffer{}
	logger := observability.NewLogger(observability.ErrorLevel, out)

	SafeGo(context.Background(), logger, 1*time.Second, "panicking task", func(ctx context.Context) error {
		panic("boom")
	})

	time.Sleep(100 * time.Millisecond)

	if !strings.Contains(out.String(), "PANIC in background task") {
		t.Errorf("Expected panic to be logged, got %q", out.String())
	}
}

func TestWorkerPool_Basic(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 3, "test pool", 1*time.Second, nil)

	var count atomic.Int32
	for i := 0; i < 10; i++ {
		if err := pool.Submit(func(ctx context.Context) error {
			count.Add(1)
			return nil
		}); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	if err := pool.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if got := count.Load(); got != 10 {
		t.Errorf("Expected 10 tasks executed, got %d", got)
	}
}

func TestWorkerPool_WithErrors(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 2, "test pool", 1*time.Second, nil)

	for i := 0; i < 3; i++ {
		pool.Submit(func(ctx context.Context) error {
			return errors.New("task failed")
		})
	}
	pool.Shutdown(2 * time.Second)

	var errCount int
	for {
		select {
		case <-pool.Errors():
			errCount++
			continue
		default:
		}
		break
	}
	if errCount != 3 {
		t.Errorf("Expected 3 errors, got %d", errCount)
	}
}

func TestWorkerPool_PanicBecomesError(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 1, "test pool", 1*time.Second, nil)

	pool.Submit(func(ctx context.Context) error {
		panic("worker boom")
	})
	pool.Shutdown(time.Second)

	select {
	case err := <-pool.Errors():
		if !strings.Contains(err.Error(), "worker boom") {
			t.Errorf("Unexpected error: %v", err)
		}
	default:
		t.Error("Expected panic to be reported as an error")
	}
}

func TestWorkerPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 1, "test pool", 1*time.Second, nil)
	pool.Shutdown(time.Second)

	err := pool.Submit(func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed, got %v", err)
	}

	// Second shutdown is a no-op
	if err := pool.Shutdown(time.Second); err != nil {
		t.Errorf("Expected idempotent shutdown, got %v", err)
	}
}

func TestWorkerPool_ShutdownTimeout(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 1, "test pool", 5*time.Second, nil)

	pool.Submit(func(ctx context.Context) error {
		time.Sleep(300 * time.Millisecond)
		return nil
	})

	err := pool.Shutdown(20 * time.Millisecond)
	if err == nil {
		t.Error("Expected shutdown timeout error")
	}
}

func TestBatch(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	var sum atomic.Int64

	errs := Batch(context.Background(), items, 2, "sum", time.Second, nil, func(ctx context.Context, n int) error {
		sum.Add(int64(n))
		return nil
	})

	if len(errs) != 0 {
		t.Errorf("Expected no errors, got %v", errs)
	}
	if sum.Load() != 15 {
		t.Errorf("Expected sum 15, got %d", sum.Load())
	}
}

func TestBatch_WithErrors(t *testing.T) {
	items := []int{1, 2, 3, 4}

	errs := Batch(context.Background(), items, 2, "evens fail", time.Second, nil, func(ctx context.Context, n int) error {
		if n%2 == 0 {
			return errors.New("even")
		}
		return nil
	})

	if len(errs) != 2 {
		t.Errorf("Expected 2 errors, got %d", len(errs))
	}
}
