package fanout

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func TestPublish_DispatchesToAllSubscribers(t *testing.T) {
	f := New(3, nil)
	defer f.Close()

	var mu sync.Mutex
	got := make(map[string]float64)

	f.Add("SPY", "a", func(price float64) {
		mu.Lock()
		got["a"] = price
		mu.Unlock()
	})
	f.Add("SPY", "b", func(price float64) {
		mu.Lock()
		got["b"] = price
		mu.Unlock()
	})

	f.Publish("SPY", 101.5)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, "both subscribers invoked")

	mu.Lock()
	defer mu.Unlock()
	if got["a"] != 101.5 || got["b"] != 101.5 {
		t.Errorf("unexpected delivered values: %v", got)
	}
}

func TestPublish_KeyIsolation(t *testing.T) {
	f := New(2, nil)
	defer f.Close()

	var spyCalls, qqqCalls int64
	f.Add("SPY", "a", func(float64) { atomic.AddInt64(&spyCalls, 1) })
	f.Add("QQQ", "b", func(float64) { atomic.AddInt64(&qqqCalls, 1) })

	f.Publish("SPY", 100)

	waitFor(t, func() bool { return atomic.LoadInt64(&spyCalls) == 1 }, "SPY subscriber invoked")
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt64(&qqqCalls) != 0 {
		t.Errorf("QQQ subscriber must not receive SPY publishes")
	}
}

func TestPanicIsolation(t *testing.T) {
	f := New(1, nil)
	defer f.Close()

	var survived int64
	f.Add("SPY", "bad", func(float64) { panic("boom") })
	f.Add("SPY", "good", func(float64) { atomic.AddInt64(&survived, 1) })

	f.Publish("SPY", 100)
	f.Publish("SPY", 101)

	waitFor(t, func() bool { return atomic.LoadInt64(&survived) == 2 }, "healthy subscriber keeps receiving")
}

func TestRemove_StopsDelivery(t *testing.T) {
	f := New(1, nil)
	defer f.Close()

	var calls int64
	f.Add("SPY", "a", func(float64) { atomic.AddInt64(&calls, 1) })

	f.Publish("SPY", 100)
	waitFor(t, func() bool { return atomic.LoadInt64(&calls) == 1 }, "first publish delivered")

	f.Remove("SPY", "a")
	if f.Count("SPY") != 0 {
		t.Errorf("expected empty subscriber set after remove")
	}
	if len(f.Keys()) != 0 {
		t.Errorf("expected key dropped when set empties, got %v", f.Keys())
	}

	f.Publish("SPY", 101)
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt64(&calls) != 1 {
		t.Errorf("expected no delivery after remove, got %d calls", atomic.LoadInt64(&calls))
	}
}

func TestClose_IsIdempotentAndStopsPublish(t *testing.T) {
	f := New(2, nil)

	var calls int64
	f.Add("SPY", "a", func(float64) { atomic.AddInt64(&calls, 1) })

	f.Close()
	f.Close()

	f.Publish("SPY", 100)
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt64(&calls) != 0 {
		t.Errorf("publish after close must be a no-op, got %d calls", atomic.LoadInt64(&calls))
	}
}
