package rpc

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/sawpanic/busrpc/internal/bus"
	"github.com/sawpanic/busrpc/internal/config"
	"github.com/sawpanic/busrpc/internal/wire"
)

// sender serializes request messages, attaches metadata and pushes them to
// the shared request topic. Streaming sends resolve their routing key
// through the session manager's read-only view so every message of a
// session lands on the same queue. Publishes run through a circuit breaker;
// broker-level failures are retried up to the configured counts before
// surfacing as ErrTransport.
type sender struct {
	cfg      config.Config
	broker   bus.Broker
	sessions *SessionManager
	senderID string

	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	closed  atomic.Bool
}

func newSender(cfg config.Config, broker bus.Broker, sessions *SessionManager, senderID string) *sender {
	s := &sender{
		cfg:      cfg,
		broker:   broker,
		sessions: sessions,
		senderID: senderID,
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "busrpc-publish",
		Timeout: cfg.SendTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("publish breaker state change")
		},
	})
	if cfg.SendRatePerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.SendRatePerSec), int(cfg.SendRatePerSec)+1)
	}
	return s
}

// sendRequest publishes a plain request with no routing key; the broker may
// pick any queue.
func (s *sender) sendRequest(ctx context.Context, correlationID string, payload []byte, retries int) error {
	md := wire.NewRequest(correlationID, s.senderID)
	return s.send(ctx, md, "", payload, retries)
}

// sendStreamMessage publishes one streaming message pinned to the session's
// queue. Mid-stream messages carry no correlation id; the end marker reuses
// the session id as its correlation id and sets the streamEnd property.
func (s *sender) sendStreamMessage(ctx context.Context, sessionID string, payload []byte, end bool) error {
	routingKey, err := s.sessions.routingKey(sessionID)
	if err != nil {
		return err
	}
	md := wire.NewRequest("", s.senderID)
	md.SessionID = sessionID
	if end {
		md.CorrelationID = sessionID
		md.StreamEnd = true
	}
	return s.send(ctx, md, routingKey, payload, retries(s.cfg.RetryAsync))
}

func (s *sender) send(ctx context.Context, md wire.Metadata, routingKey string, payload []byte, retryCount int) error {
	if s.closed.Load() {
		return errClientClosing
	}
	if len(payload) > s.cfg.MaxMessageBytes {
		return fmt.Errorf("%w: payload %d bytes exceeds limit %d", ErrInvalidArgument, len(payload), s.cfg.MaxMessageBytes)
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: rate limiter: %v", ErrCancelled, err)
		}
	}

	props := md.Encode()
	attempts := retryCount + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
		_, err := s.breaker.Execute(func() (interface{}, error) {
			return nil, s.broker.Publish(sendCtx, s.cfg.RequestTopic, routingKey, props, payload)
		})
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		log.Warn().Err(err).Int("attempt", attempt).Str("topic", s.cfg.RequestTopic).Msg("publish failed")
		if attempt < attempts {
			time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
		}
	}
	return fmt.Errorf("%w: publish %s after %d attempts: %v", ErrTransport, s.cfg.RequestTopic, attempts, lastErr)
}

// close stops accepting new sends. In-flight publishes finish on their own
// send timeout.
func (s *sender) close() {
	s.closed.Store(true)
}

func retries(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
