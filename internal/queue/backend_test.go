package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestClampClass(t *testing.T) {
	cases := map[int]int{-3: 0, 0: 0, 1: 1, 3: 3, 7: PriorityClasses - 1}
	for in, want := range cases {
		if got := clampClass(in); got != want {
			t.Errorf("clampClass(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestPickOrderShape(t *testing.T) {
	for n := uint64(0); n < 30; n++ {
		order := pickOrder(n)
		if len(order) != PriorityClasses {
			t.Fatalf("pick %d: expected %d classes, got %v", n, PriorityClasses, order)
		}
		seen := map[int]bool{}
		for _, c := range order {
			if c < 0 || c >= PriorityClasses {
				t.Fatalf("pick %d: class %d out of range", n, c)
			}
			if seen[c] {
				t.Fatalf("pick %d: class %d repeated in %v", n, c, order)
			}
			seen[c] = true
		}
	}
}

func TestPickOrderWeights(t *testing.T) {
	// One full rotation covers 1+2+3+4 = 10 picks; each class owns
	// priority+1 first-choice slots.
	total := PriorityClasses * (PriorityClasses + 1) / 2
	firstChoice := make(map[int]int)
	for n := 0; n < total; n++ {
		firstChoice[pickOrder(uint64(n))[0]]++
	}
	for c := 0; c < PriorityClasses; c++ {
		if firstChoice[c] != c+1 {
			t.Errorf("Expected class %d to own %d slots, got %d", c, c+1, firstChoice[c])
		}
	}
}

func TestPickOrderPrefersHighFirst(t *testing.T) {
	// Pick 0 belongs to the highest class with descending fallbacks.
	got := pickOrder(0)
	want := []int{3, 2, 1, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pickOrder(0) = %v, want %v", got, want)
		}
	}
	// The last slot of the rotation belongs to class 0; fallbacks still
	// run high to low.
	got = pickOrder(9)
	want = []int{0, 3, 2, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pickOrder(9) = %v, want %v", got, want)
		}
	}
}

func TestPickOrderNeverStarvesClassZero(t *testing.T) {
	total := uint64(PriorityClasses * (PriorityClasses + 1) / 2)
	found := false
	for n := uint64(0); n < total; n++ {
		if pickOrder(n)[0] == 0 {
			found = true
			break
		}
	}
	if !found {
		t.Error("Expected class 0 to be first choice at least once per rotation")
	}
}

// Integration coverage for the Redis storage layer.
// Set TEST_INTEGRATION=1 to run these tests.
func TestBackendLifecycle(t *testing.T) {
	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Skipping integration test; set TEST_INTEGRATION=1 to run")
	}

	ctx := context.Background()
	cfg := DefaultBackendConfig()
	cfg.KeyPrefix = "mqtest"
	b, err := NewBackend(ctx, cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewBackend failed: %v", err)
	}
	defer b.Close()

	const q = "lifecycle"
	if err := b.Create(ctx, q); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	ids, err := b.Push(ctx, q, []PushMessage{
		{Priority: 0, Contents: []byte("low")},
		{Priority: 3, Contents: []byte("high")},
	})
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("Expected 2 ids, got %d", len(ids))
	}

	msgs, err := b.Poll(ctx, q, 2, 30*time.Second)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}
	// The first rotation slot belongs to the highest class.
	if string(msgs[0].Contents) != "high" {
		t.Errorf("Expected high-priority message first, got %s", msgs[0].Contents)
	}

	// Ack one, park the other, then verify stale-tag rejection.
	if err := b.Ack(ctx, q, msgs[0].ID, msgs[0].PollTag); err != nil {
		t.Errorf("Ack failed: %v", err)
	}
	newTag, err := b.Update(ctx, q, msgs[1].ID, msgs[1].PollTag, time.Minute)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := b.Ack(ctx, q, msgs[1].ID, msgs[1].PollTag); err != ErrStaleTag {
		t.Errorf("Expected ErrStaleTag with rotated tag, got %v", err)
	}
	if err := b.Ack(ctx, q, msgs[1].ID, newTag); err != nil {
		t.Errorf("Ack with fresh tag failed: %v", err)
	}

	stats, err := b.Stats(ctx, q)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.InFlight != 0 {
		t.Errorf("Expected no in-flight messages, got %d", stats.InFlight)
	}
	if stats.Counters["completed"] != 2 {
		t.Errorf("Expected 2 completions, got %d", stats.Counters["completed"])
	}
}

func TestBackendVisibilityExpiry(t *testing.T) {
	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Skipping integration test; set TEST_INTEGRATION=1 to run")
	}

	ctx := context.Background()
	cfg := DefaultBackendConfig()
	cfg.KeyPrefix = "mqtest-expiry"
	b, err := NewBackend(ctx, cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewBackend failed: %v", err)
	}
	defer b.Close()

	const q = "expiry"
	if _, err := b.Push(ctx, q, []PushMessage{{Contents: []byte("payload")}}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	first, err := b.Poll(ctx, q, 1, 100*time.Millisecond)
	if err != nil || len(first) != 1 {
		t.Fatalf("First poll failed: %v (%d msgs)", err, len(first))
	}

	time.Sleep(200 * time.Millisecond)

	second, err := b.Poll(ctx, q, 1, 30*time.Second)
	if err != nil || len(second) != 1 {
		t.Fatalf("Redelivery poll failed: %v (%d msgs)", err, len(second))
	}
	if second[0].ID != first[0].ID {
		t.Errorf("Expected the same message redelivered")
	}
	if second[0].DeliveryCount != 2 {
		t.Errorf("Expected delivery count 2, got %d", second[0].DeliveryCount)
	}
	if second[0].PollTag == first[0].PollTag {
		t.Error("Expected a fresh poll tag on redelivery")
	}

	// The first delivery's tag is now stale.
	if err := b.Ack(ctx, q, first[0].ID, first[0].PollTag); err != ErrStaleTag {
		t.Errorf("Expected ErrStaleTag for expired delivery, got %v", err)
	}
}

func TestBackendDelayedPush(t *testing.T) {
	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Skipping integration test; set TEST_INTEGRATION=1 to run")
	}

	ctx := context.Background()
	cfg := DefaultBackendConfig()
	cfg.KeyPrefix = "mqtest-delay"
	b, err := NewBackend(ctx, cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewBackend failed: %v", err)
	}
	defer b.Close()

	const q = "delayed"
	if _, err := b.Push(ctx, q, []PushMessage{{Contents: []byte("later"), VisibilityTimeout: 1}}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	early, err := b.Poll(ctx, q, 1, 30*time.Second)
	if err != nil {
		t.Fatalf("Early poll failed: %v", err)
	}
	if len(early) != 0 {
		t.Fatalf("Expected no messages before the delay elapsed, got %d", len(early))
	}

	time.Sleep(1100 * time.Millisecond)

	late, err := b.Poll(ctx, q, 1, 30*time.Second)
	if err != nil || len(late) != 1 {
		t.Fatalf("Post-delay poll failed: %v (%d msgs)", err, len(late))
	}
	if late[0].DeliveryCount != 1 {
		t.Errorf("Expected delivery count 1 for a delayed first delivery, got %d", late[0].DeliveryCount)
	}

	stats, err := b.Stats(ctx, q)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Counters["retried"] != 0 {
		t.Errorf("Expected no retry count for a delayed first delivery, got %d", stats.Counters["retried"])
	}
}
