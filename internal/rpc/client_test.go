package rpc

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/busrpc/internal/bus"
	"github.com/sawpanic/busrpc/internal/config"
	"github.com/sawpanic/busrpc/internal/wire"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.RequestTopic = "test.requests"
	cfg.ResponseTopicPrefix = "test.responses."
	cfg.TopicQueues = 4
	cfg.DefaultTimeout = 2 * time.Second
	cfg.ReapInterval = time.Minute
	return cfg
}

// startClient wires a memory broker, an optional echo responder, and a
// started client. Cleanup tears everything down in reverse order.
func startClient(t *testing.T, cfg config.Config, withResponder, echoIncremental bool) (*Client, *bus.MemoryBroker) {
	t.Helper()
	ctx := context.Background()

	broker := bus.NewMemoryBroker(bus.Config{
		ClientID:      "test",
		DefaultQueues: cfg.TopicQueues,
		Selector:      bus.HashSelector(),
	})
	require.NoError(t, broker.Start(ctx))

	var responder *Responder
	if withResponder {
		responder = EchoResponder(broker, cfg.RequestTopic, cfg.ResponseTopicPrefix)
		responder.EchoIncremental = echoIncremental
		require.NoError(t, responder.Start(ctx))
	}

	client, err := NewWithBroker(cfg, broker)
	require.NoError(t, err)
	require.NoError(t, client.Start(ctx))

	t.Cleanup(func() {
		_ = client.Close(ctx)
		if responder != nil {
			_ = responder.Stop(ctx)
		}
		_ = broker.Stop(ctx)
	})
	return client, broker
}

func TestClient_SendSync(t *testing.T) {
	client, _ := startClient(t, testConfig(), true, false)

	resp, err := client.SendSync(context.Background(), []byte("ping"), 0)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, []byte("ping"), resp.Payload)

	s := client.Metrics().Snapshot()
	assert.Equal(t, int64(1), s.TotalRequests)
	assert.Equal(t, int64(1), s.SuccessfulRequests)
	assert.Greater(t, s.MeanLatency, time.Duration(0))
	assert.Equal(t, 0, client.correlations.count(), "no records may leak after completion")
}

func TestClient_SendSyncConcurrent(t *testing.T) {
	client, _ := startClient(t, testConfig(), true, false)

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := []byte(fmt.Sprintf("req-%d", i))
			resp, err := client.SendSync(context.Background(), payload, 0)
			if err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(resp.Payload, payload) {
				errs <- fmt.Errorf("response %q does not match request %q", resp.Payload, payload)
				return
			}
			errs <- nil
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int64(n), client.Metrics().Snapshot().SuccessfulRequests)
}

func TestClient_SendAsyncTimeoutThenLateResponse(t *testing.T) {
	// no responder: the request goes nowhere and the waiter must time out
	client, broker := startClient(t, testConfig(), false, false)

	fut, err := client.SendAsync(context.Background(), []byte("lost"), 50*time.Millisecond)
	require.NoError(t, err)

	_, err = fut.Get(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)

	// a response arriving after the timeout is dropped, not misdelivered
	late := wire.NewResponse(fut.CorrelationID(), true, "")
	require.NoError(t, broker.Publish(context.Background(), client.ResponseTopic(), "", late.Encode(), []byte("too late")))

	assert.Eventually(t, func() bool {
		return client.Metrics().Snapshot().LateOrUnknown == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), client.Metrics().Snapshot().TimedOutRequests)
}

func TestClient_SendAsyncCancel(t *testing.T) {
	client, _ := startClient(t, testConfig(), false, false)

	fut, err := client.SendAsync(context.Background(), []byte("x"), time.Minute)
	require.NoError(t, err)
	fut.Cancel()

	_, err = fut.Get(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 0, client.correlations.count())
}

func TestClient_StreamingAggregation(t *testing.T) {
	cfg := testConfig()
	client, broker := startClient(t, cfg, true, false)
	ctx := context.Background()

	sessionID, err := client.StreamStart()
	require.NoError(t, err)

	for _, part := range []string{"a", "b", "c"} {
		require.NoError(t, client.StreamSend(ctx, sessionID, []byte(part)))
	}
	resp, err := client.StreamEnd(ctx, sessionID, 0)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, []byte("abc"), resp.Payload)
	assert.Equal(t, sessionID, resp.CorrelationID, "final response correlates on the session id")

	// every session message, end marker included, landed on the one queue
	// the selector derives from the session id
	want := bus.HashSelector()(cfg.RequestTopic, sessionID, cfg.TopicQueues)
	var onQueue int
	for q := 0; q < cfg.TopicQueues; q++ {
		for range broker.QueueMessages(cfg.RequestTopic, q) {
			require.Equal(t, want, q, "session traffic must not straddle queues")
			onQueue++
		}
	}
	assert.Equal(t, 4, onQueue)

	_, err = client.Session(sessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound, "the session is gone once ended")
}

func TestClient_Bidirectional(t *testing.T) {
	client, _ := startClient(t, testConfig(), true, true)
	ctx := context.Background()

	sessionID, err := client.StreamStart()
	require.NoError(t, err)

	var mu sync.Mutex
	var incremental []string
	var completed *Response
	handler := HandlerFuncs{
		Response: func(resp *Response) {
			mu.Lock()
			incremental = append(incremental, string(resp.Payload))
			mu.Unlock()
		},
		Complete: func(resp *Response) {
			mu.Lock()
			completed = resp
			mu.Unlock()
		},
	}

	for _, part := range []string{"a", "b", "c"} {
		require.NoError(t, client.BidiSend(ctx, sessionID, []byte(part), handler))
	}
	resp, err := client.StreamEnd(ctx, sessionID, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), resp.Payload)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, incremental, "incremental responses arrive in send order")
	require.NotNil(t, completed)
	assert.Equal(t, []byte("abc"), completed.Payload)
}

func TestClient_BidiSendUnknownSession(t *testing.T) {
	client, _ := startClient(t, testConfig(), true, true)
	err := client.BidiSend(context.Background(), "no-such-session", []byte("x"), HandlerFuncs{})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestClient_RequestCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentRequests = 2
	client, _ := startClient(t, cfg, false, false)
	ctx := context.Background()

	f1, err := client.SendAsync(ctx, []byte("1"), time.Minute)
	require.NoError(t, err)
	f2, err := client.SendAsync(ctx, []byte("2"), time.Minute)
	require.NoError(t, err)

	_, err = client.SendSync(ctx, []byte("3"), time.Minute)
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	f1.Cancel()
	f2.Cancel()
}

func TestClient_SessionCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentSessions = 1
	client, _ := startClient(t, cfg, true, false)

	first, err := client.StreamStart()
	require.NoError(t, err)
	_, err = client.StreamStart()
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	_, err = client.StreamEnd(context.Background(), first, 0)
	require.NoError(t, err)
	_, err = client.StreamStart()
	assert.NoError(t, err, "ending a session frees its capacity slot")
}

func TestClient_PayloadBounds(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessageBytes = 16
	client, _ := startClient(t, cfg, true, false)
	ctx := context.Background()

	_, err := client.SendSync(ctx, nil, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	resp, err := client.SendSync(ctx, bytes.Repeat([]byte("x"), 16), 0)
	require.NoError(t, err, "a payload at exactly the limit is accepted")
	assert.Len(t, resp.Payload, 16)

	_, err = client.SendSync(ctx, bytes.Repeat([]byte("x"), 17), 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestClient_TimeoutBounds(t *testing.T) {
	client, _ := startClient(t, testConfig(), true, false)
	ctx := context.Background()

	_, err := client.SendSync(ctx, []byte("x"), 500*time.Microsecond)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = client.SendSync(ctx, []byte("x"), 301*time.Second)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	// 1ms is the smallest accepted timeout
	resp, err := client.SendSync(ctx, []byte("x"), time.Millisecond)
	if err != nil {
		assert.ErrorIs(t, err, ErrTimeout)
	} else {
		assert.True(t, resp.Success)
	}
}

func TestClient_Lifecycle(t *testing.T) {
	ctx := context.Background()
	broker := bus.NewMemoryBroker(bus.Config{DefaultQueues: 4})
	require.NoError(t, broker.Start(ctx))
	defer broker.Stop(ctx)

	client, err := NewWithBroker(testConfig(), broker)
	require.NoError(t, err)

	_, err = client.SendSync(ctx, []byte("x"), 0)
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = client.StreamStart()
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, client.Start(ctx))
	require.NoError(t, client.Start(ctx), "second start is a no-op")

	require.NoError(t, client.Close(ctx))
	require.NoError(t, client.Close(ctx), "second close is a no-op")

	_, err = client.SendSync(ctx, []byte("x"), 0)
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.ErrorIs(t, client.Start(ctx), ErrAlreadyStarted, "a closed client cannot restart")
}

func TestClient_CloseDrainsPending(t *testing.T) {
	cfg := testConfig()
	client, _ := startClient(t, cfg, false, false)
	ctx := context.Background()

	var futures []*Future
	for i := 0; i < 100; i++ {
		fut, err := client.SendAsync(ctx, []byte("pending"), time.Minute)
		require.NoError(t, err)
		futures = append(futures, fut)
	}

	require.NoError(t, client.Close(ctx))
	for _, fut := range futures {
		_, err := fut.Get(context.Background())
		assert.ErrorIs(t, err, ErrCancelled)
	}
	assert.Equal(t, 0, client.correlations.count())
}

func TestClient_IdleSessionReaped(t *testing.T) {
	cfg := testConfig()
	cfg.ReapInterval = 100 * time.Millisecond
	cfg.SessionIdleTimeout = 50 * time.Millisecond
	client, _ := startClient(t, cfg, true, false)

	sessionID, err := client.StreamStart()
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, err := client.Session(sessionID)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond, "idle session must be retired")

	assert.ErrorIs(t, client.StreamSend(context.Background(), sessionID, []byte("x")), ErrSessionNotFound)
	assert.Equal(t, 0, client.correlations.count(), "the aggregate waiter dies with the session")
	assert.Equal(t, int64(1), client.Metrics().Snapshot().TimedOutRequests)
}

func TestClient_SessionViewTracksActivity(t *testing.T) {
	client, _ := startClient(t, testConfig(), true, false)
	ctx := context.Background()

	sessionID, err := client.StreamStart()
	require.NoError(t, err)
	require.NoError(t, client.StreamSend(ctx, sessionID, []byte("a")))
	require.NoError(t, client.StreamSend(ctx, sessionID, []byte("b")))

	view, err := client.Session(sessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), view.MessageCount)
	assert.True(t, view.Active)

	_, err = client.StreamEnd(ctx, sessionID, 0)
	require.NoError(t, err)
	assert.ErrorIs(t, client.StreamSend(ctx, sessionID, []byte("c")), ErrSessionNotFound)
}

func TestClient_BusinessErrorResponse(t *testing.T) {
	cfg := testConfig()
	ctx := context.Background()

	broker := bus.NewMemoryBroker(bus.Config{DefaultQueues: cfg.TopicQueues, Selector: bus.HashSelector()})
	require.NoError(t, broker.Start(ctx))
	defer broker.Stop(ctx)

	responder := NewResponder(broker, cfg.RequestTopic, cfg.ResponseTopicPrefix, func(payload []byte) ([]byte, error) {
		return nil, fmt.Errorf("unprocessable payload %q", payload)
	})
	require.NoError(t, responder.Start(ctx))
	defer responder.Stop(ctx)

	client, err := NewWithBroker(cfg, broker)
	require.NoError(t, err)
	require.NoError(t, client.Start(ctx))
	defer client.Close(ctx)

	resp, err := client.SendSync(ctx, []byte("bad"), 0)
	require.NoError(t, err, "a business failure is still a delivered response")
	assert.False(t, resp.Success)
	assert.Contains(t, resp.ErrorMessage, "unprocessable")
	assert.Equal(t, int64(1), client.Metrics().Snapshot().FailedRequests)
}
