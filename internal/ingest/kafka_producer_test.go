package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestPublishKeysByIdentity(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaProducerWithWriter(w)
	require.NoError(t, p.Publish(context.Background(), "user-1", map[string]string{"ride_id": "r1"}))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "user-1", string(w.msgs[0].Key))
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &body))
	assert.Equal(t, "r1", body["ride_id"])
}

func TestPublishWrapsWriterError(t *testing.T) {
	boom := errors.New("leader not available")
	p := NewKafkaProducerWithWriter(&fakeWriter{err: boom})
	err := p.Publish(context.Background(), "k", 1)
	assert.ErrorIs(t, err, boom)
}
