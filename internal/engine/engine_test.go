package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/chronograph-engine/internal/config"
	"github.com/chronograph-engine/internal/ingest"
	"github.com/chronograph-engine/internal/queue"
	"github.com/chronograph-engine/internal/task"
)

// recordingRunner collects processed tasks in arrival order.
type recordingRunner struct {
	mu    sync.Mutex
	seen  []*task.Task
	errBy map[string]error
}

func (r *recordingRunner) Process(ctx context.Context, t *task.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, t)
	if r.errBy != nil {
		return r.errBy[t.ID]
	}
	return nil
}

func (r *recordingRunner) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.seen))
	for i, t := range r.seen {
		out[i] = t.ID
	}
	return out
}

func (r *recordingRunner) tasks() []*task.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*task.Task(nil), r.seen...)
}

func encodeTask(t *testing.T, tk task.Task) queue.PushMessage {
	t.Helper()
	if tk.CreatedAt.IsZero() {
		tk.CreatedAt = time.Now().UTC()
	}
	body, err := tk.Encode()
	require.NoError(t, err)
	return queue.PushMessage{Priority: int(tk.Priority), Contents: body}
}

func TestInlinePushRunsTasksInOrder(t *testing.T) {
	runner := &recordingRunner{}
	q := newInlineQueue("ingestion", runner, time.Minute, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.run(ctx)

	ids, err := q.Push(ctx, "ingestion", []queue.PushMessage{
		encodeTask(t, task.Task{ID: "t-1", Type: task.TypeEpisode, GroupID: "g1"}),
		encodeTask(t, task.Task{ID: "t-2", Type: task.TypeEpisode, GroupID: "g1"}),
		encodeTask(t, task.Task{ID: "t-3", Type: task.TypeEntity, GroupID: "g2"}),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"t-1", "t-2", "t-3"}, ids)

	require.Eventually(t, func() bool {
		return len(runner.ids()) == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"t-1", "t-2", "t-3"}, runner.ids())
}

func TestInlinePushFailedTaskDoesNotStall(t *testing.T) {
	runner := &recordingRunner{errBy: map[string]error{"t-bad": errors.New("boom")}}
	q := newInlineQueue("ingestion", runner, time.Minute, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.run(ctx)

	_, err := q.Push(ctx, "ingestion", []queue.PushMessage{
		encodeTask(t, task.Task{ID: "t-bad", Type: task.TypeEpisode, GroupID: "g1"}),
		encodeTask(t, task.Task{ID: "t-after", Type: task.TypeEpisode, GroupID: "g1"}),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(runner.ids()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"t-bad", "t-after"}, runner.ids())
}

func TestInlinePushAllOrNothing(t *testing.T) {
	runner := &recordingRunner{}
	q := newInlineQueue("ingestion", runner, time.Minute, zaptest.NewLogger(t))
	q.tasks = make(chan *task.Task, 2)

	// No consumer running: a batch larger than the free space must be
	// rejected whole.
	_, err := q.Push(context.Background(), "ingestion", []queue.PushMessage{
		encodeTask(t, task.Task{ID: "t-1", Type: task.TypeEpisode, GroupID: "g1"}),
		encodeTask(t, task.Task{ID: "t-2", Type: task.TypeEpisode, GroupID: "g1"}),
		encodeTask(t, task.Task{ID: "t-3", Type: task.TypeEpisode, GroupID: "g1"}),
	})
	require.Error(t, err)
	assert.Equal(t, 0, q.pending())
}

func TestInlinePushRejectsUndecodable(t *testing.T) {
	runner := &recordingRunner{}
	q := newInlineQueue("ingestion", runner, time.Minute, zaptest.NewLogger(t))

	_, err := q.Push(context.Background(), "ingestion", []queue.PushMessage{
		{Contents: []byte("not a task")},
	})
	require.Error(t, err)
	assert.Equal(t, 0, q.pending())
}

func TestInlinePushUnknownQueue(t *testing.T) {
	q := newInlineQueue("ingestion", &recordingRunner{}, time.Minute, zaptest.NewLogger(t))

	_, err := q.Push(context.Background(), "other", []queue.PushMessage{
		encodeTask(t, task.Task{ID: "t-1", Type: task.TypeEpisode, GroupID: "g1"}),
	})
	require.Error(t, err)
}

// The proxy sits in front of the inline lane exactly as it does in
// front of the queue client, so the producer contract holds end to end.
func TestProxyOverInlineLane(t *testing.T) {
	runner := &recordingRunner{}
	q := newInlineQueue("ingestion", runner, time.Minute, zaptest.NewLogger(t))
	proxy := ingest.NewProxy(ingest.Config{Queue: "ingestion"}, q, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.run(ctx)

	assert.True(t, proxy.IsHealthy(ctx))

	ids, err := proxy.EnqueueEpisodes(ctx, "g1", []ingest.Message{
		{Content: "Alice met Bob."},
		{Content: "Bob moved to Berlin."},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	require.Eventually(t, func() bool {
		return len(runner.ids()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, ids, runner.ids())
	for _, tk := range runner.tasks() {
		assert.Equal(t, task.TypeEpisode, tk.Type)
		assert.Equal(t, "g1", tk.GroupID)
	}
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	eng, err := New(config.Default(), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.False(t, eng.IsRunning())
	require.NoError(t, eng.Stop())
}
