package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func TestProducer_FlushesOnClose(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, 8, nil)
	p.Start()

	require.True(t, p.Publish("order.created", []byte("o1"), []byte(`{}`)))
	require.True(t, p.Publish("order.cancelled", []byte("o1"), []byte(`{}`), kafka.Header{Key: "x-event-type", Value: []byte("OrderCancelled")}))
	p.Close()

	require.Len(t, w.msgs, 2)
	assert.Equal(t, "order.created", w.msgs[0].Topic)
	assert.Equal(t, "order.cancelled", w.msgs[1].Topic)
	assert.Equal(t, "x-event-type", w.msgs[1].Headers[0].Key)
	assert.True(t, w.closed)

	assert.False(t, p.Publish("order.created", nil, nil), "publish after close is dropped")
}

func TestProducer_DropsWhenFull(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, 1, nil)

	// not started, so the single slot stays occupied
	assert.True(t, p.Publish("t", nil, []byte("a")))
	assert.False(t, p.Publish("t", nil, []byte("b")))

	p.Start()
	p.Close()
	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("a"), w.msgs[0].Value)
}

type fakeReader struct {
	mu      sync.Mutex
	queue   []kafka.Message
	commits []kafka.Message
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		m := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits = append(r.commits, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestConsumer_CommitsOnlySuccess(t *testing.T) {
	r := &fakeReader{queue: []kafka.Message{
		{Topic: "order.created", Key: []byte("ok-1"), Offset: 1},
		{Topic: "order.created", Key: []byte("bad"), Offset: 2},
		{Topic: "order.created", Key: []byte("ok-2"), Offset: 3},
	}}
	c := newConsumer(r, 2, nil)

	handled := make(chan string, 3)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Start(ctx, func(_ context.Context, m kafka.Message) error {
			defer func() { handled <- string(m.Key) }()
			if string(m.Key) == "bad" {
				return errors.New("boom")
			}
			return nil
		})
	}()

	for i := 0; i < 3; i++ {
		select {
		case <-handled:
		case <-time.After(2 * time.Second):
			t.Fatal("handler not called")
		}
	}
	cancel()
	require.NoError(t, <-done)

	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.commits, 2)
	keys := []string{string(r.commits[0].Key), string(r.commits[1].Key)}
	assert.ElementsMatch(t, []string{"ok-1", "ok-2"}, keys)
}

type failingReader struct{ fakeReader }

func (r *failingReader) FetchMessage(context.Context) (kafka.Message, error) {
	return kafka.Message{}, errors.New("broker gone")
}

func TestConsumer_ReturnsReaderError(t *testing.T) {
	c := newConsumer(&failingReader{}, 1, nil)
	err := c.Start(context.Background(), func(context.Context, kafka.Message) error { return nil })
	assert.EqualError(t, err, "broker gone")
}
