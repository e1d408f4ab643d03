package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relay_mock "github.com/mqy/minisync/relay/mock"
	"github.com/mqy/minisync/store"
)

// topic pipes written messages to the reader mock.
type topic struct {
	sync.Mutex
	ch        chan kafka.Message
	offset    int64
	committed []int64
}

func newTopic() *topic {
	return &topic{ch: make(chan kafka.Message, 64)}
}

func (tp *topic) write(_ context.Context, msgs ...kafka.Message) error {
	tp.Lock()
	defer tp.Unlock()
	for _, m := range msgs {
		tp.offset++
		m.Offset = tp.offset
		m.Time = time.Now()
		tp.ch <- m
	}
	return nil
}

func (tp *topic) fetch(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-tp.ch:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (tp *topic) commit(_ context.Context, msgs ...kafka.Message) error {
	tp.Lock()
	defer tp.Unlock()
	for _, m := range msgs {
		tp.committed = append(tp.committed, m.Offset)
	}
	return nil
}

func (tp *topic) committedOffsets() []int64 {
	tp.Lock()
	defer tp.Unlock()
	return append([]int64(nil), tp.committed...)
}

func newLocal(t *testing.T) *store.MemStore {
	s, err := store.NewMemStore(context.Background(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRelayRoundTrip(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	tp := newTopic()
	reader := relay_mock.NewMockIKafkaReader(ctrl)
	writer := relay_mock.NewMockIKafkaWriter(ctrl)
	reader.EXPECT().FetchMessage(gomock.Any()).DoAndReturn(tp.fetch).AnyTimes()
	reader.EXPECT().CommitMessages(gomock.Any(), gomock.Any()).DoAndReturn(tp.commit).AnyTimes()
	reader.EXPECT().Close().Return(nil)
	writer.EXPECT().WriteMessages(gomock.Any(), gomock.Any()).DoAndReturn(tp.write).AnyTimes()
	writer.EXPECT().Close().Return(nil)

	local := newLocal(t)
	s := New(local, reader, writer, "node-1", 4096)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{}, 1)
	go s.Run(ctx, stopped)

	var mu sync.Mutex
	var appended []string
	_, err := s.ListenAppend("chats/c1/messages", func(id string, _ store.Snapshot) {
		mu.Lock()
		appended = append(appended, id)
		mu.Unlock()
	})
	require.NoError(t, err)

	id, err := s.Append(ctx, "chats/c1/messages", map[string]any{"text": "hi", "timestamp": int64(1700000000123)})
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, "", map[string]any{
		"userChats/A/B": map[string]any{"chatId": "c1"},
		"userChats/B/A": map[string]any{"chatId": "c1"},
		"requests/B/A":  nil,
	}))

	assert.Eventually(t, func() bool { return len(tp.committedOffsets()) == 2 }, 2*time.Second, 10*time.Millisecond)
	local.Drain()

	mu.Lock()
	assert.Equal(t, []string{id}, appended)
	mu.Unlock()

	snap, err := s.ReadOnce(ctx, "chats/c1/messages/"+id)
	require.NoError(t, err)
	var m struct {
		Text      string `json:"text"`
		Timestamp int64  `json:"timestamp"`
	}
	require.NoError(t, snap.Decode(&m))
	assert.Equal(t, "hi", m.Text)
	assert.Equal(t, int64(1700000000123), m.Timestamp)

	snap, err = s.ReadOnce(ctx, "userChats/B/A/chatId")
	require.NoError(t, err)
	assert.Equal(t, "c1", snap.Value())

	require.NoError(t, s.Remove(ctx, "chats/c1"))
	assert.Eventually(t, func() bool {
		snap, err := s.ReadOnce(ctx, "chats")
		return err == nil && !snap.Exists()
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("relay not stopped")
	}
}

func TestRelayWriteFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	writer := relay_mock.NewMockIKafkaWriter(ctrl)
	writer.EXPECT().WriteMessages(gomock.Any(), gomock.Any()).Return(errors.New("leader not available"))

	s := New(newLocal(t), relay_mock.NewMockIKafkaReader(ctrl), writer, "node-1", 4096)
	_, err := s.Append(context.Background(), "chats/c1/messages", map[string]any{"text": "hi"})
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)

	// rejected before producing
	assert.ErrorIs(t, s.Set(context.Background(), "a/b.c", 1), store.ErrInvalidPath)
	big := make([]byte, 5000)
	for i := range big {
		big[i] = 'x'
	}
	assert.ErrorIs(t, s.Set(context.Background(), "a", string(big)), store.ErrInvalidValue)
}

func TestConsumeSkipsMalformedBatches(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	tp := newTopic()
	reader := relay_mock.NewMockIKafkaReader(ctrl)
	reader.EXPECT().FetchMessage(gomock.Any()).DoAndReturn(tp.fetch).AnyTimes()
	reader.EXPECT().CommitMessages(gomock.Any(), gomock.Any()).DoAndReturn(tp.commit).AnyTimes()

	local := newLocal(t)
	s := New(local, reader, nil, "node-1", 4096)

	require.NoError(t, tp.write(context.Background(),
		kafka.Message{Value: []byte(`not json`)},
		kafka.Message{Value: []byte(`{"id":"b1","changes":[{"path":"a/b.c","value":1}]}`)},
		kafka.Message{Value: []byte(`{"id":"b2","changes":[{"path":"typing/A","value":{"username":"Alice","timestamp":1000}}]}`)},
		kafka.Message{Value: []byte(`{"id":"b3","changes":[{"path":"typing/B","value":{"username":"Bob"}},{"path":"typing/A"}]}`)},
	))

	ctx, cancel := context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.consumeLoop(ctx)

	assert.Eventually(t, func() bool { return len(tp.committedOffsets()) == 4 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	s.wg.Wait()

	snap, err := local.ReadOnce(context.Background(), "typing")
	require.NoError(t, err)
	children := snap.Children()
	require.Len(t, children, 1)
	assert.Equal(t, "B", children[0].Key())
	assert.Equal(t, []int64{1, 2, 3, 4}, tp.committedOffsets())
}

func TestConsumeLoopBacksOffAndStops(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	reader := relay_mock.NewMockIKafkaReader(ctrl)
	reader.EXPECT().FetchMessage(gomock.Any()).Return(kafka.Message{}, errors.New("some error")).MinTimes(1)

	s := New(newLocal(t), reader, nil, "node-1", 4096)
	ctx, cancel := context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.consumeLoop(ctx)

	time.Sleep(100 * time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consume loop still running")
	}
}

func TestBackoff(t *testing.T) {
	var d time.Duration
	backoff(&d)
	assert.Equal(t, BackoffMinInterval, d)
	backoff(&d)
	assert.Equal(t, 1500*time.Millisecond, d)
	backoff(&d)
	assert.Equal(t, 2250*time.Millisecond, d)

	d = 50 * time.Second
	backoff(&d)
	assert.Equal(t, BackoffMinInterval, d)
}
