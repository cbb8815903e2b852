package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestThrottle(t *testing.T) (*Throttle, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewThrottle(client, 50*time.Millisecond), mr
}

func TestThrottle_AllowWithinBudget(t *testing.T) {
	th, _ := newTestThrottle(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, err := th.Allow(ctx, "camp-1", 5)
		if err != nil {
			t.Fatalf("Allow #%d: %v", i+1, err)
		}
		if !ok {
			t.Fatalf("send %d denied, budget is 5/minute", i+1)
		}
	}

	ok, err := th.Allow(ctx, "camp-1", 5)
	if err != nil {
		t.Fatalf("Allow over budget: %v", err)
	}
	if ok {
		t.Error("6th send in the same minute should be denied")
	}
}

func TestThrottle_BudgetIsPerCampaign(t *testing.T) {
	th, _ := newTestThrottle(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if ok, _ := th.Allow(ctx, "camp-a", 3); !ok {
			t.Fatalf("camp-a send %d denied", i+1)
		}
	}
	if ok, _ := th.Allow(ctx, "camp-a", 3); ok {
		t.Error("camp-a over budget should be denied")
	}
	if ok, _ := th.Allow(ctx, "camp-b", 3); !ok {
		t.Error("camp-b has its own counter and should be allowed")
	}
}

func TestThrottle_WaitBlocksUntilSlotFrees(t *testing.T) {
	th, mr := newTestThrottle(t)
	ctx := context.Background()

	var slept []time.Duration
	th.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		// Simulate the minute window rolling over while we sleep.
		mr.FlushAll()
		return nil
	}

	// Exhaust a 2/minute budget, then Wait must sleep before the third.
	if err := th.Wait(ctx, "camp-1", 2); err != nil {
		t.Fatalf("Wait #1: %v", err)
	}
	if err := th.Wait(ctx, "camp-1", 2); err != nil {
		t.Fatalf("Wait #2: %v", err)
	}
	if len(slept) != 0 {
		t.Fatalf("first two sends should not sleep, got %v", slept)
	}
	if err := th.Wait(ctx, "camp-1", 2); err != nil {
		t.Fatalf("Wait #3: %v", err)
	}
	if len(slept) != 1 {
		t.Fatalf("third send should sleep for a slot, got %v", slept)
	}
	if slept[0] != 30*time.Second {
		t.Errorf("slot for 2/minute = %v, want 30s", slept[0])
	}
}

func TestThrottle_NilRedisFallsBackToFixedDelay(t *testing.T) {
	th := NewThrottle(nil, 25*time.Millisecond)

	var slept []time.Duration
	th.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	if err := th.Wait(context.Background(), "camp-1", 100); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(slept) != 1 || slept[0] != 25*time.Millisecond {
		t.Errorf("nil redis should use the fixed inter-send delay, got %v", slept)
	}
}

func TestThrottle_RedisDownFallsBackToFixedDelay(t *testing.T) {
	th, mr := newTestThrottle(t)
	mr.Close()

	var slept []time.Duration
	th.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	if err := th.Wait(context.Background(), "camp-1", 100); err != nil {
		t.Fatalf("Wait with redis down: %v", err)
	}
	if len(slept) != 1 || slept[0] != 50*time.Millisecond {
		t.Errorf("redis outage should degrade to the fixed delay, got %v", slept)
	}
}

func TestThrottle_WaitHonorsContextCancel(t *testing.T) {
	th, _ := newTestThrottle(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Budget exhausted, then a cancelled context must stop the wait loop.
	for i := 0; i < 2; i++ {
		if _, err := th.Allow(context.Background(), "camp-1", 2); err != nil {
			t.Fatalf("Allow: %v", err)
		}
	}
	if err := th.Wait(ctx, "camp-1", 2); err == nil {
		t.Error("Wait with cancelled context should return its error")
	}
}
