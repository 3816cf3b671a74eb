package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/nexvision/intake/internal/config"
	"github.com/nexvision/intake/internal/queue"
)

type Publisher interface {
	Publish(ctx context.Context, task queue.Task) (string, error)
}

// Scheduler enqueues periodic maintenance tasks onto the ingest stream.
type Scheduler struct {
	cron  *cron.Cron
	queue Publisher
	cfg   config.JobsConfig
	log   zerolog.Logger
}

func NewScheduler(queue Publisher, cfg config.JobsConfig, log zerolog.Logger) *Scheduler {
	c := cron.New(cron.WithSeconds())
	return &Scheduler{
		cron:  c,
		queue: queue,
		cfg:   cfg,
		log:   log,
	}
}

func (s *Scheduler) Start() error {
	if s.queue == nil {
		return nil
	}

	schedules := []struct {
		spec string
		task queue.TaskType
	}{
		{s.cfg.CleanupSchedule, queue.TaskCleanup},
		{s.cfg.RecheckSchedule, queue.TaskRecheck},
	}
	for _, sc := range schedules {
		if sc.spec == "" {
			continue
		}
		task := sc.task
		if _, err := s.cron.AddFunc(sc.spec, func() { s.enqueue(task) }); err != nil {
			return fmt.Errorf("schedule %s %q: %w", task, sc.spec, err)
		}
	}

	s.cron.Start()
	return nil
}

// Stop halts the scheduler and returns a context that is done once running
// jobs have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) enqueue(task queue.TaskType) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := s.queue.Publish(ctx, queue.Task{Type: task})
	if err != nil {
		s.log.Error().Err(err).Str("task", string(task)).Msg("enqueue scheduled task failed")
		return
	}
	s.log.Debug().Str("task", string(task)).Str("message_id", id).Msg("scheduled task enqueued")
}
