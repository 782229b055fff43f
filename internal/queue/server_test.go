package queue

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/chronograph-engine/internal/jsonx"
)

func decodeErrorFrame(t *testing.T, frame []byte) string {
	t.Helper()
	status, body, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if status != StatusError {
		t.Fatalf("Expected StatusError, got 0x%02x", status)
	}
	var eb errorBody
	if err := jsonx.Unmarshal(body, &eb); err != nil {
		t.Fatalf("Expected error body, got %s", body)
	}
	return eb.Error
}

func TestDispatchUnknownOpcode(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil, zaptest.NewLogger(t))
	msg := decodeErrorFrame(t, s.dispatch(0xFF, nil))
	if msg == "" {
		t.Error("Expected error message for unknown opcode")
	}
}

func TestDispatchMalformedBody(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil, zaptest.NewLogger(t))
	for _, op := range []byte{OpCreate, OpPush, OpPoll, OpDelete, OpUpdate, OpStats} {
		msg := decodeErrorFrame(t, s.dispatch(op, []byte("{not json")))
		if msg == "" {
			t.Errorf("Expected error message for malformed op 0x%02x", op)
		}
	}
}

// End-to-end coverage over gnet and Redis.
// Set TEST_INTEGRATION=1 to run these tests.
func TestServerEndToEnd(t *testing.T) {
	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Skipping integration test; set TEST_INTEGRATION=1 to run")
	}

	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	bcfg := DefaultBackendConfig()
	bcfg.KeyPrefix = fmt.Sprintf("mqtest-e2e-%d", time.Now().UnixNano())
	backend, err := NewBackend(ctx, bcfg, logger)
	if err != nil {
		t.Fatalf("NewBackend failed: %v", err)
	}
	defer backend.Close()

	scfg := DefaultServerConfig()
	scfg.Listen = "127.0.0.1:18093"
	srv := NewServer(scfg, backend, logger)
	go func() {
		if err := srv.Run(); err != nil {
			t.Logf("server stopped: %v", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	select {
	case <-srv.booted:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not boot")
	}

	ccfg := DefaultClientConfig()
	ccfg.Addr = scfg.Listen
	client := NewClient(ccfg)
	defer client.Close()

	const q = "e2e"
	if err := client.Create(ctx, q); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	ids, err := client.Push(ctx, q, []PushMessage{
		{Priority: 1, Contents: []byte("first")},
		{Priority: 1, Contents: []byte("second")},
	})
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("Expected 2 ids, got %d", len(ids))
	}

	msgs, err := client.Poll(ctx, q, 2, 30*time.Second)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}
	// Same class delivers FIFO.
	if string(msgs[0].Contents) != "first" || string(msgs[1].Contents) != "second" {
		t.Errorf("Expected FIFO order, got %s then %s", msgs[0].Contents, msgs[1].Contents)
	}

	for _, m := range msgs {
		if err := client.Delete(ctx, q, m.ID, m.PollTag); err != nil {
			t.Errorf("Delete failed for %s: %v", m.ID, err)
		}
	}

	// Exhausted queue replies empty.
	empty, err := client.Poll(ctx, q, 1, time.Second)
	if err != nil {
		t.Fatalf("Poll on empty queue failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("Expected empty poll, got %d messages", len(empty))
	}

	queues, err := client.ListQueues(ctx)
	if err != nil {
		t.Fatalf("ListQueues failed: %v", err)
	}
	found := false
	for _, name := range queues {
		if name == q {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected %q in queue list %v", q, queues)
	}

	stats, err := client.Stats(ctx, q)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Counters["pushed"] != 2 || stats.Counters["completed"] != 2 {
		t.Errorf("Unexpected counters: %+v", stats.Counters)
	}
}
