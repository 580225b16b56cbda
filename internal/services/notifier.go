package services

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/codemarcinu/new-egents/internal/logger"
	"github.com/codemarcinu/new-egents/internal/models"
)

// ProgressNotifier publishes stage transitions. Delivery is at-least-once;
// consumers must tolerate duplicates.
type ProgressNotifier interface {
	Publish(ctx context.Context, ev models.ProgressEvent) error
}

// RedisNotifier publishes each event as JSON on a per-receipt channel
// and on the shared feed channel.
type RedisNotifier struct {
	rdb    *goredis.Client
	prefix string
	log    *logger.Logger
}

func NewRedisNotifier(rdb *goredis.Client, prefix string, log *logger.Logger) *RedisNotifier {
	if prefix == "" {
		prefix = "receipts"
	}
	return &RedisNotifier{rdb: rdb, prefix: prefix, log: log.With("service", "RedisNotifier")}
}

// ReceiptChannel is the channel carrying one receipt's events
func (n *RedisNotifier) ReceiptChannel(receiptID int64) string {
	return fmt.Sprintf("%s:receipt:%d", n.prefix, receiptID)
}

// FeedChannel carries every receipt's events
func (n *RedisNotifier) FeedChannel() string {
	return n.prefix + ":events"
}

func (n *RedisNotifier) Publish(ctx context.Context, ev models.ProgressEvent) error {
	if n == nil || n.rdb == nil {
		return fmt.Errorf("redis notifier not initialized")
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	pipe := n.rdb.Pipeline()
	pipe.Publish(ctx, n.ReceiptChannel(ev.ReceiptID), raw)
	pipe.Publish(ctx, n.FeedChannel(), raw)
	_, err = pipe.Exec(ctx)
	return err
}

// Subscribe forwards one receipt's events to onEvent until ctx ends.
func (n *RedisNotifier) Subscribe(ctx context.Context, receiptID int64, onEvent func(models.ProgressEvent)) error {
	if n == nil || n.rdb == nil {
		return fmt.Errorf("redis notifier not initialized")
	}
	sub := n.rdb.Subscribe(ctx, n.ReceiptChannel(receiptID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok || m == nil {
				return nil
			}
			var ev models.ProgressEvent
			if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
				n.log.Warn("bad progress payload", "channel", m.Channel, "error", err)
				continue
			}
			onEvent(ev)
		}
	}
}

// LogNotifier writes events to the log. Used when Redis is not configured.
type LogNotifier struct {
	log *logger.Logger
}

func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log.With("service", "LogNotifier")}
}

func (n *LogNotifier) Publish(_ context.Context, ev models.ProgressEvent) error {
	n.log.Info("Receipt progress",
		"receipt_id", ev.ReceiptID,
		"status", ev.Status,
		"step", ev.ProcessingStep,
		"progress", ev.ProgressPercentage,
		"message", ev.Message,
	)
	return nil
}
