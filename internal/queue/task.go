package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type TaskType string

const (
	TaskIngest  TaskType = "ingest"
	TaskCleanup TaskType = "cleanup"
	TaskRecheck TaskType = "recheck"
)

// Task is the payload of a stream entry.
type Task struct {
	Type     TaskType
	UploadID string
}

func (t Task) values() map[string]any {
	v := map[string]any{"type": string(t.Type)}
	if t.UploadID != "" {
		v["uploadId"] = t.UploadID
	}
	return v
}

// DecodeTask reads a Task back from stream entry values.
func DecodeTask(values map[string]any) (Task, error) {
	typ, _ := values["type"].(string)
	if typ == "" {
		return Task{}, errors.New("task type missing")
	}
	id, _ := values["uploadId"].(string)
	return Task{Type: TaskType(typ), UploadID: id}, nil
}

type Publisher struct {
	client redis.Cmdable
	stream string
}

func NewPublisher(client redis.Cmdable, stream string) *Publisher {
	return &Publisher{client: client, stream: stream}
}

func (p *Publisher) Publish(ctx context.Context, task Task) (string, error) {
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: task.values(),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return id, nil
}
