package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestImmediateSuccess(t *testing.T) {
	var calls int
	err := Do(context.Background(), 3, 10*time.Millisecond, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 1 {
		t.Fatalf("got %d calls, want 1", calls)
	}
}

func TestTransientFailuresRetried(t *testing.T) {
	var calls int
	err := Do(context.Background(), 3, 10*time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("rpc timeout")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("got %d calls, want 3", calls)
	}
}

func TestLastErrorReturnedWhenExhausted(t *testing.T) {
	var calls int
	rpcDown := errors.New("connection refused")
	err := Do(context.Background(), 3, 10*time.Millisecond, func() error {
		calls++
		return rpcDown
	})
	if !errors.Is(err, rpcDown) {
		t.Fatalf("error = %v, want the underlying failure", err)
	}
	if calls != 3 {
		t.Fatalf("got %d calls, want all 3 attempts", calls)
	}
}

func TestPermanentErrorShortCircuits(t *testing.T) {
	var calls int
	reverted := errors.New("execution reverted")
	err := Do(context.Background(), 5, 10*time.Millisecond, func() error {
		calls++
		return Permanent(reverted)
	})
	if !errors.Is(err, reverted) {
		t.Fatalf("error = %v, want the wrapped failure", err)
	}
	if calls != 1 {
		t.Fatalf("got %d calls, a permanent failure must not be retried", calls)
	}
}

func TestCancellationStopsBackoffSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, 10, 100*time.Millisecond, func() error {
		calls.Add(1)
		return errors.New("rpc timeout")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if c := calls.Load(); c > 3 {
		t.Fatalf("got %d calls before cancellation, want at most 3", c)
	}
}

func TestNonPositiveAttemptsMeansOne(t *testing.T) {
	var calls int
	err := Do(context.Background(), 0, time.Millisecond, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 1 {
		t.Fatalf("got %d calls, want 1", calls)
	}
}

func TestDelaysGrowBetweenAttempts(t *testing.T) {
	var stamps []time.Time
	err := Do(context.Background(), 4, 20*time.Millisecond, func() error {
		stamps = append(stamps, time.Now())
		if len(stamps) < 4 {
			return errors.New("rpc timeout")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if len(stamps) != 4 {
		t.Fatalf("got %d attempts, want 4", len(stamps))
	}
	// Nominal gaps are 20ms, 40ms, 80ms with jitter; just require each
	// gap to be a real sleep.
	for i := 1; i < len(stamps); i++ {
		if gap := stamps[i].Sub(stamps[i-1]); gap < 5*time.Millisecond {
			t.Errorf("gap %d = %v, too short", i, gap)
		}
	}
}

func TestPermanentUnwraps(t *testing.T) {
	inner := errors.New("invalid key")
	if !errors.Is(Permanent(inner), inner) {
		t.Fatal("Permanent should unwrap to the inner error")
	}
}
