package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2.0}
}

func TestDoSucceedsFirstTry(t *testing.T) {
	res := Do(context.Background(), fastConfig(3), func(int) error { return nil })
	if res.Err != nil || res.Attempts != 1 {
		t.Fatalf("res = %+v", res)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	res := Do(context.Background(), fastConfig(5), func(attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if res.Err != nil || res.Attempts != 3 || calls != 3 {
		t.Fatalf("res = %+v calls=%d", res, calls)
	}
	if res.TotalDelay <= 0 {
		t.Error("expected accumulated delay across retries")
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	wantErr := errors.New("always failing")
	res := Do(context.Background(), fastConfig(3), func(int) error { return wantErr })
	if !errors.Is(res.Err, wantErr) || res.Attempts != 3 {
		t.Fatalf("res = %+v", res)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	calls := 0
	res := Do(context.Background(), fastConfig(5), func(int) error {
		calls++
		return Permanent(errors.New("bad auth"))
	})
	if calls != 1 || res.Attempts != 1 {
		t.Fatalf("permanent error retried: calls=%d res=%+v", calls, res)
	}
	if !IsPermanent(res.Err) {
		t.Error("permanent marker lost")
	}
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := Do(ctx, fastConfig(3), func(int) error { return errors.New("x") })
	if !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("res.Err = %v, want context.Canceled", res.Err)
	}
}

func TestDoCancelDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 3, Initial: time.Minute, Max: time.Minute, Factor: 1.0}
	done := make(chan Result, 1)
	go func() {
		done <- Do(ctx, cfg, func(int) error { return errors.New("x") })
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case res := <-done:
		if !errors.Is(res.Err, context.Canceled) {
			t.Fatalf("res.Err = %v", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not observe cancellation during sleep")
	}
}
