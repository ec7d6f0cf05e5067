// Package events turns post lifecycle events from Kafka into fan-out jobs.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/steemit/hivefeed/internal/models"
	"github.com/steemit/hivefeed/pkg/config"
	"github.com/steemit/hivefeed/pkg/logging"
)

// Event types carried on the posts topic
const (
	TypePostCreated           = "post.created"
	TypePostEngagementChanged = "post.engagement_changed"
)

// PostEvent is the payload published by the post service
type PostEvent struct {
	Type      string    `json:"type"`
	PostID    string    `json:"post_id"`
	AuthorID  string    `json:"author_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Scheduler accepts fan-out work
type Scheduler interface {
	Enqueue(ctx context.Context, postID, kind string) (*models.FanoutJob, error)
	ScheduleRescore(ctx context.Context, postID string) (bool, error)
}

// MessageReader is the subset of *kafka.Reader the consumer uses
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads post events and schedules fan-out for them. An offset is
// committed only once its job row is persisted, so a crash replays the event
// rather than losing it.
type Consumer struct {
	reader    MessageReader
	scheduler Scheduler
	retry     func() backoff.BackOff
	logger    *zap.Logger
}

// NewReader creates a consumer-group reader for the posts topic
func NewReader(cfg *config.KafkaConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 10e3,
		MaxBytes: 10e6,
		MaxWait:  2 * time.Second,
	})
}

// NewConsumer creates a new event consumer
func NewConsumer(reader MessageReader, scheduler Scheduler) *Consumer {
	return &Consumer{
		reader:    reader,
		scheduler: scheduler,
		retry: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
		logger: logging.WithComponent("events"),
	}
}

// Run consumes until ctx is cancelled. It returns nil on shutdown.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.logger.Warn("Failed to close Kafka reader", zap.Error(err))
		}
	}()

	c.logger.Info("Post event consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("Post event consumer shutting down")
				return nil
			}
			c.logger.Error("Failed to fetch message", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		if err := backoff.Retry(func() error {
			return c.Handle(ctx, msg.Value)
		}, backoff.WithContext(c.retry(), ctx)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("Dropping undeliverable post event",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("Failed to commit offset", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

// Handle schedules the work for one raw event. Malformed and unknown events
// are permanent failures; scheduling failures are retryable.
func (c *Consumer) Handle(ctx context.Context, payload []byte) error {
	var ev PostEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return backoff.Permanent(fmt.Errorf("bad payload: %w", err))
	}
	if ev.PostID == "" {
		return backoff.Permanent(errors.New("event without post_id"))
	}

	switch ev.Type {
	case TypePostCreated:
		if _, err := c.scheduler.Enqueue(ctx, ev.PostID, models.JobKindCreated); err != nil {
			c.logger.Warn("Failed to enqueue fan-out", logging.PostID(ev.PostID), zap.Error(err))
			return err
		}
	case TypePostEngagementChanged:
		if _, err := c.scheduler.ScheduleRescore(ctx, ev.PostID); err != nil {
			c.logger.Warn("Failed to schedule rescore", logging.PostID(ev.PostID), zap.Error(err))
			return err
		}
	default:
		return backoff.Permanent(fmt.Errorf("unknown event type %q", ev.Type))
	}
	return nil
}
