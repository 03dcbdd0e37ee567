// Package kafka consumes plant events and turns them into notifications.
package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"ops-notification-service/internal/logging"
	"ops-notification-service/internal/models"
	"ops-notification-service/internal/utils"
)

type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Ingester stores a notification and pushes it to live subscribers.
type Ingester interface {
	Ingest(ctx context.Context, n models.Notification) error
}

type Consumer struct {
	reader   Reader
	ingester Ingester
	logger   *logging.Logger
	backoff  utils.Backoff
}

func NewConsumer(cfg Config, ingester Ingester, logger *logging.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
	})
	return newConsumer(reader, ingester, logger)
}

func newConsumer(reader Reader, ingester Ingester, logger *logging.Logger) *Consumer {
	return &Consumer{
		reader:   reader,
		ingester: ingester,
		logger:   logger,
		backoff:  utils.Backoff{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond},
	}
}

// Run consumes until ctx is cancelled. Malformed messages are committed and
// skipped; messages that fail to ingest are left uncommitted.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Infof("Kafka consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Infof("Kafka consumer stopped")
				return nil
			}
			c.logger.Errorf("Fetch message failed: %v", err)
			if utils.Wait(ctx, time.Second) != nil {
				return nil
			}
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	var ev models.FeedEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		c.logger.Errorf("Unmarshal message at offset %d failed: %v", msg.Offset, err)
		c.commit(ctx, msg)
		return
	}
	n, err := ev.Notification()
	if err != nil {
		c.logger.Errorf("Invalid message %s: %v", ev.RequestID, err)
		c.commit(ctx, msg)
		return
	}

	err = utils.Retry(ctx, c.logger, c.backoff, func(ctx context.Context, attempt int) error {
		return c.ingester.Ingest(ctx, n)
	})
	if err != nil {
		c.logger.Errorf("Failed to ingest event %s: %v", ev.RequestID, err)
		return
	}
	c.commit(ctx, msg)
	c.logger.Debugf("Processed Kafka message %s as notification %s", ev.RequestID, n.ID)
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
		c.logger.Errorf("Commit of offset %d failed: %v", msg.Offset, err)
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
