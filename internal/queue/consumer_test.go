package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu    sync.Mutex
	tasks []Task
	fail  bool
}

func (h *recordingHandler) Handle(_ context.Context, msg redis.XMessage) error {
	task, err := DecodeTask(msg.Values)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tasks = append(h.tasks, task)
	if h.fail {
		return errors.New("handler failed")
	}
	return nil
}

func setup(t *testing.T, handler MessageHandler) (*redis.Client, *Consumer) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	consumer := NewConsumer(client, ConsumerOptions{
		Stream:       "media:ingest",
		Group:        "media-workers",
		Consumer:     "worker-test",
		BlockTimeout: 10 * time.Millisecond,
	}, zerolog.Nop(), handler)
	require.NoError(t, consumer.EnsureGroup(context.Background()))
	return client, consumer
}

func TestEnsureGroupIsIdempotent(t *testing.T) {
	_, consumer := setup(t, &recordingHandler{})
	assert.NoError(t, consumer.EnsureGroup(context.Background()))
}

func TestPublishAndConsume(t *testing.T) {
	handler := &recordingHandler{}
	client, consumer := setup(t, handler)
	ctx := context.Background()

	pub := NewPublisher(client, "media:ingest")
	_, err := pub.Publish(ctx, Task{Type: TaskIngest, UploadID: "2abc"})
	require.NoError(t, err)
	_, err = pub.Publish(ctx, Task{Type: TaskCleanup})
	require.NoError(t, err)

	require.NoError(t, consumer.read(ctx))

	assert.Equal(t, []Task{
		{Type: TaskIngest, UploadID: "2abc"},
		{Type: TaskCleanup},
	}, handler.tasks)

	pending, err := client.XPending(ctx, "media:ingest", "media-workers").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestFailedMessagesStayPending(t *testing.T) {
	handler := &recordingHandler{fail: true}
	client, consumer := setup(t, handler)
	ctx := context.Background()

	_, err := NewPublisher(client, "media:ingest").Publish(ctx, Task{Type: TaskRecheck})
	require.NoError(t, err)
	require.NoError(t, consumer.read(ctx))

	pending, err := client.XPending(ctx, "media:ingest", "media-workers").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)
}

func TestRetryDeadLettersExhaustedEntries(t *testing.T) {
	handler := &recordingHandler{fail: true}
	client, consumer := setup(t, handler)
	ctx := context.Background()

	id, err := NewPublisher(client, "media:ingest").Publish(ctx, Task{Type: TaskIngest, UploadID: "2poison"})
	require.NoError(t, err)
	require.NoError(t, consumer.read(ctx))
	require.Len(t, handler.tasks, 1)

	consumer.retry(ctx, redis.XPendingExt{ID: id, RetryCount: 5})

	assert.Len(t, handler.tasks, 1, "exhausted entries are not handled again")
	pending, err := client.XPending(ctx, "media:ingest", "media-workers").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)

	dead, err := client.XRange(ctx, "media:ingest:dead", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].Values["originId"])
	assert.Equal(t, "5", dead[0].Values["deliveries"])

	task, err := DecodeTask(dead[0].Values)
	require.NoError(t, err)
	assert.Equal(t, Task{Type: TaskIngest, UploadID: "2poison"}, task)
}

func TestDecodeTask(t *testing.T) {
	task, err := DecodeTask(map[string]any{"type": "ingest", "uploadId": "x"})
	require.NoError(t, err)
	assert.Equal(t, Task{Type: TaskIngest, UploadID: "x"}, task)

	_, err = DecodeTask(map[string]any{"uploadId": "x"})
	assert.Error(t, err)
}

func TestStartStopsOnCancel(t *testing.T) {
	_, consumer := setup(t, &recordingHandler{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := consumer.Start(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
