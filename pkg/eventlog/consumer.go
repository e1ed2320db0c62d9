// Package eventlog consumes the chat event topic and writes every committed
// mutation to the structured audit log.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mahaj/chatcore/pkg/logger"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/segmentio/kafka-go"
)

// Reader is the part of *kafka.Reader the consumer uses.
type Reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type Consumer struct {
	reader Reader
	// Handle receives every decoded event. It defaults to Record.
	Handle func(ev model.Event, partition int, offset int64)
}

func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
	return newConsumer(r)
}

func newConsumer(r Reader) *Consumer {
	return &Consumer{reader: r, Handle: Record}
}

// Decode parses one record written by the event sink.
func Decode(m kafka.Message) (model.Event, error) {
	var ev model.Event
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		return model.Event{}, fmt.Errorf("decode event at offset %d: %w", m.Offset, err)
	}
	if ev.Type == "" {
		return model.Event{}, fmt.Errorf("event at offset %d has no type", m.Offset)
	}
	return ev, nil
}

// Record writes one audit line.
func Record(ev model.Event, partition int, offset int64) {
	attrs := []any{
		"event", ev.Type,
		"conversation_id", ev.ConversationID,
		"actor", ev.UserID,
		"at", ev.At,
		"partition", partition,
		"offset", offset,
	}
	if ev.MessageID != 0 {
		attrs = append(attrs, "message_id", ev.MessageID)
	}
	if ev.Message != nil {
		attrs = append(attrs, "sender", ev.Message.Sender, "deleted", ev.Message.IsDeleted, "edited", ev.Message.IsEdited)
	}
	if ev.Conversation != nil {
		attrs = append(attrs, "members", len(ev.Conversation.Members))
	}
	logger.Info("event_logged", attrs...)
}

// Consume reads until ctx is cancelled. Read errors are retried after a
// pause; malformed records are logged and skipped.
func (c *Consumer) Consume(ctx context.Context) error {
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			logger.Warn("eventlog_read_failed", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		ev, err := Decode(m)
		if err != nil {
			logger.Warn("eventlog_skip", "partition", m.Partition, "offset", m.Offset, "error", err)
			continue
		}
		c.Handle(ev, m.Partition, m.Offset)
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
