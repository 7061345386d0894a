package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) *MemoryBroker {
	t.Helper()
	broker := NewMemoryBroker(Config{ClientID: "test", DefaultQueues: 4})
	require.NoError(t, broker.Start(context.Background()))
	t.Cleanup(func() { broker.Stop(context.Background()) })
	return broker
}

func TestMemoryBroker_PublishSubscribe(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()

	var mu sync.Mutex
	var received []*Message
	handler := func(ctx context.Context, msg *Message) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, msg)
		return nil
	}
	require.NoError(t, broker.Subscribe(ctx, "t1", "g1", handler))

	payloads := []string{"one", "two", "three"}
	for _, p := range payloads {
		require.NoError(t, broker.Publish(ctx, "t1", "", map[string]string{"k": p}, []byte(p)))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == len(payloads)
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	seen := make(map[string]string)
	for _, msg := range received {
		seen[string(msg.Payload)] = msg.Prop("k")
	}
	for _, p := range payloads {
		assert.Equal(t, p, seen[p])
	}
}

func TestMemoryBroker_RoutingKeyPinsQueue(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()
	require.NoError(t, broker.CreateTopic(ctx, TopicConfig{Name: "pinned", Queues: 8}))

	for i := 0; i < 20; i++ {
		require.NoError(t, broker.Publish(ctx, "pinned", "session-42", nil, []byte{byte(i)}))
	}

	queues, err := broker.QueueCount(ctx, "pinned")
	require.NoError(t, err)
	want := HashSelector()("pinned", "session-42", queues)

	msgs := broker.QueueMessages("pinned", want)
	require.Len(t, msgs, 20)
	for i, msg := range msgs {
		assert.Equal(t, byte(i), msg.Payload[0], "per-queue order must match submission order")
	}
	for q := 0; q < queues; q++ {
		if q != want {
			assert.Empty(t, broker.QueueMessages("pinned", q))
		}
	}
}

func TestMemoryBroker_PerQueueOrderUnderConcurrency(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()
	require.NoError(t, broker.CreateTopic(ctx, TopicConfig{Name: "ordered", Queues: 4}))

	var mu sync.Mutex
	bySession := make(map[string][]byte)
	require.NoError(t, broker.Subscribe(ctx, "ordered", "g", func(ctx context.Context, msg *Message) error {
		mu.Lock()
		defer mu.Unlock()
		key := msg.Prop("session")
		bySession[key] = append(bySession[key], msg.Payload[0])
		return nil
	}))

	const perSession = 50
	var wg sync.WaitGroup
	for _, session := range []string{"s1", "s2", "s3"} {
		wg.Add(1)
		go func(session string) {
			defer wg.Done()
			for i := 0; i < perSession; i++ {
				broker.Publish(ctx, "ordered", session, map[string]string{"session": session}, []byte{byte(i)})
			}
		}(session)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bySession["s1"]) == perSession && len(bySession["s2"]) == perSession && len(bySession["s3"]) == perSession
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for session, seq := range bySession {
		for i, b := range seq {
			require.Equal(t, byte(i), b, "session %s out of order at %d", session, i)
		}
	}
}

func TestMemoryBroker_TopicManagement(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()

	exists, err := broker.TopicExists(ctx, "adm")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, broker.CreateTopic(ctx, TopicConfig{Name: "adm", Queues: 3}))
	assert.ErrorIs(t, broker.CreateTopic(ctx, TopicConfig{Name: "adm", Queues: 3}), ErrTopicExists)

	exists, err = broker.TopicExists(ctx, "adm")
	require.NoError(t, err)
	assert.True(t, exists)

	n, err := broker.QueueCount(ctx, "adm")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = broker.QueueCount(ctx, "missing")
	assert.ErrorIs(t, err, ErrTopicNotFound)
}

func TestMemoryBroker_UnsubscribeDrains(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()

	var count int
	var mu sync.Mutex
	require.NoError(t, broker.Subscribe(ctx, "drain", "g", func(ctx context.Context, msg *Message) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}))
	for i := 0; i < 10; i++ {
		require.NoError(t, broker.Publish(ctx, "drain", "", nil, []byte("x")))
	}
	require.NoError(t, broker.Unsubscribe(ctx, "drain", "g"))

	mu.Lock()
	assert.Equal(t, 10, count, "unsubscribe must wait for enqueued deliveries")
	mu.Unlock()

	assert.ErrorIs(t, broker.Unsubscribe(ctx, "drain", "g"), ErrNoSubscription)
}

func TestMemoryBroker_NotStarted(t *testing.T) {
	broker := NewMemoryBroker(Config{})
	ctx := context.Background()
	assert.ErrorIs(t, broker.Publish(ctx, "t", "", nil, nil), ErrBrokerNotStarted)
	assert.ErrorIs(t, broker.Subscribe(ctx, "t", "g", nil), ErrBrokerNotStarted)
	assert.ErrorIs(t, broker.CreateTopic(ctx, TopicConfig{Name: "t"}), ErrBrokerNotStarted)
	health := broker.Health()
	assert.False(t, health.Healthy)
}

func TestMemoryBroker_HandlerErrorCounted(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()
	require.NoError(t, broker.Subscribe(ctx, "errs", "g", func(ctx context.Context, msg *Message) error {
		panic("boom")
	}))
	require.NoError(t, broker.Publish(ctx, "errs", "", nil, []byte("x")))
	require.Eventually(t, func() bool {
		return broker.HandlerErrors() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHashSelector_Deterministic(t *testing.T) {
	sel := HashSelector()
	for _, key := range []string{"", "a", "session-1", "zzzzzzzz"} {
		first := sel("topic", key, 8)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, sel("topic", key, 8))
		}
		assert.GreaterOrEqual(t, first, 0)
		assert.Less(t, first, 8)
	}
	assert.Equal(t, 0, sel("topic", "anything", 1))
}

func TestHashSelector_Spread(t *testing.T) {
	sel := HashSelector()
	hit := make(map[int]int)
	for i := 0; i < 1024; i++ {
		hit[sel("topic", string(rune('a'+i%26))+string(rune(i)), 8)]++
	}
	assert.GreaterOrEqual(t, len(hit), 6, "selector should spread keys over most queues")
}

func TestNewBroker(t *testing.T) {
	b, err := NewBroker(BrokerTypeMemory, Config{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryBroker{}, b)

	_, err = NewBroker(BrokerTypeRedis, Config{})
	assert.Error(t, err, "redis binding requires an address")

	_, err = NewBroker(BrokerType("bogus"), Config{})
	assert.ErrorIs(t, err, ErrUnsupportedBroker)
}

func BenchmarkMemoryBroker_Publish(b *testing.B) {
	broker := NewMemoryBroker(Config{DefaultQueues: 4})
	ctx := context.Background()
	broker.Start(ctx)
	defer broker.Stop(ctx)

	payload := []byte("benchmark payload")
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			broker.Publish(ctx, "bench", "key", nil, payload)
		}
	})
}
