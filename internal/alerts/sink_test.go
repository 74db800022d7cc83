package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/kddguard/internal/logging"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed int
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "valid", cfg: Config{Brokers: []string{"localhost:9092"}, Topic: "alerts"}},
		{name: "no brokers", cfg: Config{Topic: "alerts"}, wantErr: `Brokers: failed "required"`},
		{name: "empty broker", cfg: Config{Brokers: []string{""}, Topic: "alerts"}, wantErr: `Brokers[0]: failed "required"`},
		{name: "no topic", cfg: Config{Brokers: []string{"localhost:9092"}}, wantErr: `Topic: failed "required"`},
		{name: "negative timeout", cfg: Config{Brokers: []string{"localhost:9092"}, Topic: "alerts", BatchTimeout: -1}, wantErr: `BatchTimeout: failed "gte"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewKafkaSinkInvalid(t *testing.T) {
	_, err := NewKafkaSink(&Config{}, logging.Discard())
	assert.Error(t, err)
}

func TestPublish(t *testing.T) {
	w := &fakeWriter{}
	s := NewKafkaSinkWithWriter(w, "kddguard.alerts", logging.Discard())

	err := s.Publish(context.Background(), Alert{
		Source:       "api",
		ConnectionID: "conn-7",
		SrcIP:        "192.168.1.7",
		DstIP:        "10.0.0.3",
		Score:        0.93,
		Filled:       []string{"src_bytes"},
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, []byte("192.168.1.7"), msg.Key)
	assert.Equal(t, "source", msg.Headers[0].Key)
	assert.Equal(t, []byte("api"), msg.Headers[0].Value)

	var got Alert
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Len(t, got.ID, 36)
	assert.False(t, got.Timestamp.IsZero())
	assert.Equal(t, "conn-7", got.ConnectionID)
	assert.Equal(t, 0.93, got.Score)
	assert.Equal(t, []string{"src_bytes"}, got.Filled)

	published, failed := s.Stats()
	assert.Equal(t, int64(1), published)
	assert.Zero(t, failed)
}

func TestPublishKeepsIDAndTimestamp(t *testing.T) {
	w := &fakeWriter{}
	s := NewKafkaSinkWithWriter(w, "t", logging.Discard())
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Publish(context.Background(), Alert{ID: "fixed", Timestamp: ts}))

	var got Alert
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, "fixed", got.ID)
	assert.True(t, ts.Equal(got.Timestamp))
	assert.True(t, ts.Equal(w.msgs[0].Time))
}

func TestPublishError(t *testing.T) {
	boom := errors.New("broker unavailable")
	s := NewKafkaSinkWithWriter(&fakeWriter{err: boom}, "kddguard.alerts", logging.Discard())

	err := s.Publish(context.Background(), Alert{SrcIP: "192.168.1.1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "kddguard.alerts")

	_, failed := s.Stats()
	assert.Equal(t, int64(1), failed)
}

func TestClose(t *testing.T) {
	w := &fakeWriter{}
	s := NewKafkaSinkWithWriter(w, "t", logging.Discard())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, w.closed)

	assert.ErrorIs(t, s.Publish(context.Background(), Alert{}), ErrSinkClosed)
}

func TestNop(t *testing.T) {
	var s Sink = Nop{}
	assert.NoError(t, s.Publish(context.Background(), Alert{}))
	assert.NoError(t, s.Close())
}
