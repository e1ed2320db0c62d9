package eventlog

import (
	"context"
	"errors"
	"testing"

	"github.com/mahaj/chatcore/pkg/delivery"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedReader replays records, then blocks until the context ends.
type scriptedReader struct {
	records []kafka.Message
	errs    []error
}

func (r *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		return kafka.Message{}, err
	}
	if len(r.records) > 0 {
		m := r.records[0]
		r.records = r.records[1:]
		return m, nil
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *scriptedReader) Close() error { return nil }

func TestDecodeRoundTripsSinkRecords(t *testing.T) {
	rec, err := delivery.EncodeEvent(model.Event{
		Type:           model.EventMessageDeleted,
		ConversationID: 5,
		MessageID:      9,
		UserID:         "alice",
	})
	require.NoError(t, err)
	ev, err := Decode(rec)
	require.NoError(t, err)
	assert.Equal(t, model.EventMessageDeleted, ev.Type)
	assert.EqualValues(t, 9, ev.MessageID)

	_, err = Decode(kafka.Message{Value: []byte("{}")})
	assert.Error(t, err)
	_, err = Decode(kafka.Message{Value: []byte("nope")})
	assert.Error(t, err)
}

func TestConsumeSkipsBadRecords(t *testing.T) {
	good, err := delivery.EncodeEvent(model.Event{Type: model.EventMessageNew, ConversationID: 1})
	require.NoError(t, err)
	r := &scriptedReader{
		errs:    []error{errors.New("broker hiccup")},
		records: []kafka.Message{{Value: []byte("garbage"), Offset: 1}, good},
	}
	c := newConsumer(r)

	ctx, cancel := context.WithCancel(context.Background())
	var got []model.Event
	c.Handle = func(ev model.Event, _ int, _ int64) {
		got = append(got, ev)
		cancel()
	}
	require.NoError(t, c.Consume(ctx))
	require.Len(t, got, 1)
	assert.Equal(t, model.EventMessageNew, got[0].Type)
}
