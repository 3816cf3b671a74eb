package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type MessageHandler interface {
	Handle(ctx context.Context, msg redis.XMessage) error
}

type ConsumerOptions struct {
	Stream   string
	Group    string
	Consumer string
	// ClaimInterval is how often pending entries of other consumers are checked.
	ClaimInterval time.Duration
	// VisibilityTimeout is the idle time after which a pending entry is claimed.
	VisibilityTimeout time.Duration
	BlockTimeout      time.Duration
	BatchSize         int64
	// MaxDeliveries caps how often an entry is handed to the handler. Entries
	// that reach it are copied to DeadLetterStream and acked.
	MaxDeliveries    int64
	DeadLetterStream string
}

type Consumer struct {
	client  redis.Cmdable
	opts    ConsumerOptions
	logger  zerolog.Logger
	handler MessageHandler
}

func NewConsumer(client redis.Cmdable, opts ConsumerOptions, logger zerolog.Logger, handler MessageHandler) *Consumer {
	if opts.ClaimInterval <= 0 {
		opts.ClaimInterval = 10 * time.Second
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = opts.ClaimInterval
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = 5 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = 5
	}
	if opts.DeadLetterStream == "" {
		opts.DeadLetterStream = opts.Stream + ":dead"
	}
	return &Consumer{
		client:  client,
		opts:    opts,
		logger:  logger.With().Str("stream", opts.Stream).Str("consumer", opts.Consumer).Logger(),
		handler: handler,
	}
}

// EnsureGroup creates the consumer group and the stream if either is missing.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.opts.Stream, c.opts.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s: %w", c.opts.Group, err)
	}
	return nil
}

func (c *Consumer) Start(ctx context.Context) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(c.opts.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if err := c.read(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error().Err(err).Msg("stream read error")
				sleep(ctx, 2*time.Second)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.claimStalled(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error().Err(err).Msg("claim stalled entries failed")
			}
		default:
		}
	}
}

func (c *Consumer) read(ctx context.Context) error {
	result, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.opts.Group,
		Consumer: c.opts.Consumer,
		Streams:  []string{c.opts.Stream, ">"},
		Count:    c.opts.BatchSize,
		Block:    c.opts.BlockTimeout,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}

	for _, stream := range result {
		for _, msg := range stream.Messages {
			c.process(ctx, msg)
		}
	}
	return nil
}

// process runs the handler and acks on success. Failed entries stay pending
// and are picked up again by claimStalled.
func (c *Consumer) process(ctx context.Context, msg redis.XMessage) {
	if err := c.handler.Handle(ctx, msg); err != nil {
		c.logger.Error().
			Err(err).
			Str("message_id", msg.ID).
			Msg("handle message failed")
		return
	}
	if err := c.client.XAck(ctx, c.opts.Stream, c.opts.Group, msg.ID).Err(); err != nil {
		c.logger.Error().Err(err).Str("message_id", msg.ID).Msg("ack failed")
	}
}

func (c *Consumer) claimStalled(ctx context.Context) error {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.opts.Stream,
		Group:  c.opts.Group,
		Idle:   c.opts.VisibilityTimeout,
		Start:  "-",
		End:    "+",
		Count:  c.opts.BatchSize,
	}).Result()
	if err != nil {
		return err
	}

	for _, entry := range pending {
		if entry.Idle < c.opts.VisibilityTimeout {
			continue
		}
		c.retry(ctx, entry)
	}
	return nil
}

// retry reprocesses one stalled entry, or dead-letters it once it has been
// delivered MaxDeliveries times.
func (c *Consumer) retry(ctx context.Context, entry redis.XPendingExt) {
	if entry.RetryCount >= c.opts.MaxDeliveries {
		if err := c.deadLetter(ctx, entry); err != nil {
			c.logger.Error().Err(err).Str("message_id", entry.ID).Msg("dead-letter failed")
		}
		return
	}

	msgs, err := c.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   c.opts.Stream,
		Group:    c.opts.Group,
		Consumer: c.opts.Consumer,
		MinIdle:  c.opts.VisibilityTimeout,
		Messages: []string{entry.ID},
	}).Result()
	if err != nil {
		c.logger.Error().Err(err).Str("message_id", entry.ID).Msg("claim error")
		return
	}
	for _, msg := range msgs {
		c.logger.Info().Str("message_id", msg.ID).Int64("deliveries", entry.RetryCount).Msg("reprocessing stalled entry")
		c.process(ctx, msg)
	}
}

func (c *Consumer) deadLetter(ctx context.Context, entry redis.XPendingExt) error {
	msgs, err := c.client.XRangeN(ctx, c.opts.Stream, entry.ID, entry.ID, 1).Result()
	if err != nil {
		return fmt.Errorf("read entry: %w", err)
	}

	values := map[string]any{"originId": entry.ID, "deliveries": entry.RetryCount}
	for _, msg := range msgs {
		for k, v := range msg.Values {
			values[k] = v
		}
	}
	if err := c.client.XAdd(ctx, &redis.XAddArgs{Stream: c.opts.DeadLetterStream, Values: values}).Err(); err != nil {
		return fmt.Errorf("add to %s: %w", c.opts.DeadLetterStream, err)
	}
	if err := c.client.XAck(ctx, c.opts.Stream, c.opts.Group, entry.ID).Err(); err != nil {
		return fmt.Errorf("ack: %w", err)
	}

	c.logger.Warn().
		Str("message_id", entry.ID).
		Int64("deliveries", entry.RetryCount).
		Str("dead_letter_stream", c.opts.DeadLetterStream).
		Msg("entry exceeded max deliveries")
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
