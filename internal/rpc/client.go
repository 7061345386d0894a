// Package rpc layers request/response and streaming semantics on top of a
// topic-based broker. One shared request topic carries everything outbound;
// each client owns a private response topic derived from its sender id and
// is its sole subscriber. Correlation ids match responses to waiters;
// session ids pin streaming messages to one broker queue.
package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/busrpc/internal/bus"
	"github.com/sawpanic/busrpc/internal/config"
	"github.com/sawpanic/busrpc/internal/metrics"
)

type clientState int

const (
	stateNew clientState = iota
	stateStarted
	stateClosed
)

// Client is the RPC facade. Construct with New or NewWithBroker, Start
// before use, Close when done. All methods are safe for concurrent use.
type Client struct {
	cfg        config.Config
	broker     bus.Broker
	ownsBroker bool

	metrics      *metrics.Registry
	correlations *CorrelationManager
	sessions     *SessionManager
	sender       *sender
	receiver     *receiver

	senderID      string
	responseTopic string

	mu       sync.Mutex
	state    clientState
	reapStop chan struct{}
	reapDone chan struct{}
}

// New builds a client plus the broker binding named by the config. The
// broker's lifetime is owned by the client.
func New(cfg config.Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	broker, err := bus.NewBroker(bus.BrokerType(cfg.Broker), bus.Config{
		Address:       cfg.BrokerAddress,
		ClientID:      "busrpc-" + cfg.RequestTopic,
		DefaultQueues: cfg.TopicQueues,
		Selector:      bus.HashSelector(),
	})
	if err != nil {
		return nil, err
	}
	c, err := NewWithBroker(cfg, broker)
	if err != nil {
		return nil, err
	}
	c.ownsBroker = true
	return c, nil
}

// NewWithBroker builds a client on a caller-supplied broker. The client
// starts the broker but leaves stopping it to the caller.
func NewWithBroker(cfg config.Config, broker bus.Broker) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	reg := metrics.NewRegistry()
	senderID := newSenderID()
	c := &Client{
		cfg:           cfg,
		broker:        broker,
		metrics:       reg,
		correlations:  NewCorrelationManager(cfg.MaxConcurrentRequests, reg),
		sessions:      NewSessionManager(cfg.MaxConcurrentSessions, reg),
		senderID:      senderID,
		responseTopic: cfg.ResponseTopicPrefix + senderID,
	}
	c.sender = newSender(cfg, broker, c.sessions, senderID)
	c.receiver = newReceiver(cfg, broker, c.correlations, reg, c.responseTopic, senderID)
	return c, nil
}

// SenderID returns this client's stable identity; it determines the private
// response topic.
func (c *Client) SenderID() string { return c.senderID }

// ResponseTopic returns the per-sender reply topic.
func (c *Client) ResponseTopic() string { return c.responseTopic }

// Metrics returns the client's registry for snapshots or exporter wiring.
func (c *Client) Metrics() *metrics.Registry { return c.metrics }

// Start brings the client up: metrics, broker connection, topic assertion,
// response subscription, session reaper. Calling Start again after a
// successful start is a no-op; starting a closed client fails.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateStarted:
		return nil
	case stateClosed:
		return ErrAlreadyStarted
	}

	if c.cfg.MetricsLogEnabled {
		c.metrics.StartSummary(c.cfg.MetricsLogInterval)
	}

	if err := c.broker.Start(ctx); err != nil {
		c.metrics.StopSummary()
		return fmt.Errorf("%w: broker start: %v", ErrTransport, err)
	}
	for _, topic := range []string{c.cfg.RequestTopic, c.responseTopic} {
		if err := c.assertTopic(ctx, topic); err != nil {
			c.metrics.StopSummary()
			return err
		}
	}
	if err := c.receiver.start(ctx); err != nil {
		c.metrics.StopSummary()
		return fmt.Errorf("%w: subscribe %s: %v", ErrTransport, c.responseTopic, err)
	}

	c.reapStop = make(chan struct{})
	c.reapDone = make(chan struct{})
	go c.reapLoop(c.reapStop, c.reapDone)

	c.state = stateStarted
	log.Info().Str("sender_id", c.senderID).Str("request_topic", c.cfg.RequestTopic).Str("response_topic", c.responseTopic).Msg("rpc client started")
	return nil
}

func (c *Client) assertTopic(ctx context.Context, topic string) error {
	exists, err := c.broker.TopicExists(ctx, topic)
	if err != nil {
		return fmt.Errorf("%w: topic exists %s: %v", ErrTransport, topic, err)
	}
	if exists {
		return nil
	}
	err = c.broker.CreateTopic(ctx, bus.TopicConfig{Name: topic, Queues: c.cfg.TopicQueues})
	if err != nil {
		return fmt.Errorf("%w: create topic %s: %v", ErrTransport, topic, err)
	}
	return nil
}

// Close tears down in reverse start order: sender stops accepting, receiver
// unsubscribes and drains, sessions deactivate, pending operations cancel
// with a closing reason, metrics emit a final summary. Idempotent.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateClosed {
		return nil
	}
	wasStarted := c.state == stateStarted
	c.state = stateClosed
	if !wasStarted {
		return nil
	}

	c.sender.close()
	close(c.reapStop)
	<-c.reapDone

	var firstErr error
	if err := c.receiver.close(ctx); err != nil {
		firstErr = err
	}
	c.sessions.deactivateAll()
	c.correlations.cancelAll(errClientClosing)
	c.metrics.LogSummary()
	c.metrics.StopSummary()

	if c.ownsBroker {
		if err := c.broker.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	log.Info().Str("sender_id", c.senderID).Msg("rpc client closed")
	return firstErr
}

// SendSync sends one request and blocks until its response, the timeout, or
// ctx cancellation. timeout 0 means the configured default.
func (c *Client) SendSync(ctx context.Context, payload []byte, timeout time.Duration) (*Response, error) {
	if err := c.ensureStarted(); err != nil {
		return nil, err
	}
	if err := c.validatePayload(payload); err != nil {
		return nil, err
	}
	timeout, err := c.normalizeTimeout(timeout)
	if err != nil {
		return nil, err
	}

	op, err := c.correlations.register(opSync, "", timeout)
	if err != nil {
		return nil, err
	}
	c.metrics.RecordRequest(len(payload))
	if err := c.sender.sendRequest(ctx, op.id, payload, c.cfg.RetrySync); err != nil {
		c.correlations.discard(op.id)
		c.metrics.RecordFailure()
		return nil, err
	}
	return op.future.Get(ctx)
}

// SendAsync sends one request and returns a future immediately. Structural
// errors surface synchronously; downstream failures resolve the future.
// Cancelling the future removes the pending record, so a late response is
// dropped and counted.
func (c *Client) SendAsync(ctx context.Context, payload []byte, timeout time.Duration) (*Future, error) {
	if err := c.ensureStarted(); err != nil {
		return nil, err
	}
	if err := c.validatePayload(payload); err != nil {
		return nil, err
	}
	timeout, err := c.normalizeTimeout(timeout)
	if err != nil {
		return nil, err
	}

	op, err := c.correlations.register(opAsync, "", timeout)
	if err != nil {
		return nil, err
	}
	c.metrics.RecordRequest(len(payload))
	go func() {
		if err := c.sender.sendRequest(ctx, op.id, payload, c.cfg.RetryAsync); err != nil {
			c.correlations.fail(op.id, err)
		}
	}()
	return op.future, nil
}

// StreamStart opens a streaming session and registers its aggregate waiter.
// Purely local; no message goes out. The returned session id doubles as the
// routing key and as the correlation id of the final aggregated response.
func (c *Client) StreamStart() (string, error) {
	if err := c.ensureStarted(); err != nil {
		return "", err
	}
	sessionID, err := c.sessions.create()
	if err != nil {
		return "", err
	}
	// the waiter stays unarmed until StreamEnd supplies the deadline
	if _, err := c.correlations.register(opStreaming, sessionID, 0); err != nil {
		if derr := c.sessions.deactivate(sessionID); derr == nil {
			c.sessions.remove(sessionID)
		}
		return "", err
	}
	return sessionID, nil
}

// StreamSend publishes one mid-stream message pinned to the session's queue.
func (c *Client) StreamSend(ctx context.Context, sessionID string, payload []byte) error {
	if err := c.ensureStarted(); err != nil {
		return err
	}
	if err := c.validatePayload(payload); err != nil {
		return err
	}
	if err := c.sessions.recordActivity(sessionID); err != nil {
		return err
	}
	if err := c.sender.sendStreamMessage(ctx, sessionID, payload, false); err != nil {
		return err
	}
	c.metrics.RecordStreamMessage(len(payload))
	return nil
}

// StreamEnd publishes the end-of-stream marker, deactivates the session and
// blocks for the final aggregated response.
func (c *Client) StreamEnd(ctx context.Context, sessionID string, timeout time.Duration) (*Response, error) {
	if err := c.ensureStarted(); err != nil {
		return nil, err
	}
	timeout, err := c.normalizeTimeout(timeout)
	if err != nil {
		return nil, err
	}
	if err := c.sessions.recordActivity(sessionID); err != nil {
		return nil, err
	}
	fut, ok := c.correlations.futureFor(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: no aggregate waiter for session %s", ErrInternal, sessionID)
	}
	if !c.correlations.armTimeout(sessionID, timeout) {
		return nil, fmt.Errorf("%w: no aggregate waiter for session %s", ErrInternal, sessionID)
	}

	if err := c.sender.sendStreamMessage(ctx, sessionID, nil, true); err != nil {
		c.correlations.fail(sessionID, err)
		if derr := c.sessions.deactivate(sessionID); derr == nil {
			c.sessions.remove(sessionID)
		}
		return nil, err
	}
	if err := c.sessions.deactivate(sessionID); err != nil {
		return nil, err
	}

	resp, err := fut.Get(ctx)
	c.sessions.remove(sessionID)
	return resp, err
}

// BidiSend attaches (or replaces) the per-message handler on the session's
// waiter, then publishes the payload like StreamSend. Incremental responses
// for the session reach handler.OnResponse in delivery order; the final
// marker fires OnComplete and resolves the aggregate.
func (c *Client) BidiSend(ctx context.Context, sessionID string, payload []byte, handler ResponseHandler) error {
	if err := c.ensureStarted(); err != nil {
		return err
	}
	if err := c.validatePayload(payload); err != nil {
		return err
	}
	if !c.correlations.setHandler(sessionID, handler) {
		return ErrSessionNotFound
	}
	if err := c.sessions.recordActivity(sessionID); err != nil {
		return err
	}
	if err := c.sender.sendStreamMessage(ctx, sessionID, payload, false); err != nil {
		return err
	}
	c.metrics.RecordStreamMessage(len(payload))
	return nil
}

// Session returns a read-only view of a streaming session.
func (c *Client) Session(sessionID string) (SessionView, error) {
	return c.sessions.get(sessionID)
}

func (c *Client) ensureStarted() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateStarted {
		return ErrNotStarted
	}
	return nil
}

func (c *Client) validatePayload(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: payload must not be empty", ErrInvalidArgument)
	}
	if len(payload) > c.cfg.MaxMessageBytes {
		return fmt.Errorf("%w: payload %d bytes exceeds limit %d", ErrInvalidArgument, len(payload), c.cfg.MaxMessageBytes)
	}
	return nil
}

func (c *Client) normalizeTimeout(timeout time.Duration) (time.Duration, error) {
	if timeout == 0 {
		return c.cfg.DefaultTimeout, nil
	}
	if timeout < time.Millisecond || timeout > 300*time.Second {
		return 0, fmt.Errorf("%w: timeout %v out of range [1ms, 300s]", ErrInvalidArgument, timeout)
	}
	return timeout, nil
}

// reapLoop periodically retires idle sessions and fails their waiters.
func (c *Client) reapLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, id := range c.sessions.reap(c.cfg.SessionIdleTimeout) {
				c.correlations.fail(id, ErrIdleTimeout)
			}
		case <-stop:
			return
		}
	}
}
