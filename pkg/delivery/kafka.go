package delivery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mahaj/chatcore/pkg/model"
	"github.com/segmentio/kafka-go"
)

// KafkaSink publishes events as JSON, keyed by conversation id so one
// conversation's events stay ordered within a partition.
type KafkaSink struct {
	writer *kafka.Writer
}

var _ Sink = (*KafkaSink)(nil)

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}}
}

// EncodeEvent builds the record written for ev.
func EncodeEvent(ev model.Event) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(ev.ConversationID.String()),
		Value: value,
		Time:  ev.At,
	}, nil
}

func (s *KafkaSink) Publish(ctx context.Context, ev model.Event) error {
	msg, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, msg)
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
