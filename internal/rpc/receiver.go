package rpc

import (
	"context"
	"hash/fnv"
	"runtime"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/busrpc/internal/bus"
	"github.com/sawpanic/busrpc/internal/config"
	"github.com/sawpanic/busrpc/internal/metrics"
	"github.com/sawpanic/busrpc/internal/wire"
)

// receiver consumes the client's private response topic and dispatches into
// the correlation manager. Work is sharded across a bounded worker pool by
// session (falling back to correlation id), so responses of one session stay
// serialized while unrelated responses process in parallel. Nothing is ever
// thrown back at the broker; malformed messages are dropped with a warning.
type receiver struct {
	cfg           config.Config
	broker        bus.Broker
	correlations  *CorrelationManager
	metrics       *metrics.Registry
	responseTopic string
	group         string

	workers []chan *bus.Message
	wg      sync.WaitGroup
	started bool
}

func newReceiver(cfg config.Config, broker bus.Broker, correlations *CorrelationManager, reg *metrics.Registry, responseTopic, senderID string) *receiver {
	return &receiver{
		cfg:           cfg,
		broker:        broker,
		correlations:  correlations,
		metrics:       reg,
		responseTopic: responseTopic,
		group:         "rpc-" + senderID,
	}
}

// start spins up the worker pool and subscribes to the response topic.
func (r *receiver) start(ctx context.Context) error {
	n := runtime.GOMAXPROCS(0)
	if n < r.cfg.ConsumeThreadsMin {
		n = r.cfg.ConsumeThreadsMin
	}
	if n > r.cfg.ConsumeThreadsMax {
		n = r.cfg.ConsumeThreadsMax
	}
	r.workers = make([]chan *bus.Message, n)
	for i := range r.workers {
		ch := make(chan *bus.Message, r.cfg.PullBatch*4)
		r.workers[i] = ch
		r.wg.Add(1)
		go r.work(ch)
	}

	if err := r.broker.Subscribe(ctx, r.responseTopic, r.group, r.onMessage); err != nil {
		r.drain()
		return err
	}
	r.started = true
	log.Debug().Str("topic", r.responseTopic).Int("workers", n).Msg("receiver subscribed")
	return nil
}

// onMessage is the broker-facing handler. It always reports success to the
// broker; delivery guarantees are not this client's job.
func (r *receiver) onMessage(ctx context.Context, msg *bus.Message) error {
	md, err := wire.Decode(msg.Props)
	if err != nil {
		log.Warn().Err(err).Str("topic", msg.Topic).Msg("undecodable message dropped")
		return nil
	}
	if md.Type != wire.MessageTypeResponse {
		log.Warn().Str("type", string(md.Type)).Str("topic", msg.Topic).Msg("non-response message dropped")
		return nil
	}
	if md.CorrelationID == "" && md.SessionID == "" {
		log.Warn().Str("topic", msg.Topic).Msg("response without correlation or session id dropped")
		return nil
	}

	shard := r.shardFor(md)
	select {
	case r.workers[shard] <- msg:
	case <-ctx.Done():
	}
	return nil
}

// shardFor pins all responses of one session to one worker.
func (r *receiver) shardFor(md wire.Metadata) int {
	key := md.SessionID
	if key == "" {
		key = md.CorrelationID
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(r.workers)))
}

func (r *receiver) work(ch <-chan *bus.Message) {
	defer r.wg.Done()
	for msg := range ch {
		r.process(msg)
	}
}

func (r *receiver) process(msg *bus.Message) {
	md, err := wire.Decode(msg.Props)
	if err != nil {
		return
	}
	r.metrics.RecordReceived(len(msg.Payload))
	r.correlations.deliver(&Response{
		CorrelationID: md.CorrelationID,
		SessionID:     md.SessionID,
		Payload:       msg.Payload,
		Success:       md.Success,
		ErrorMessage:  md.ErrorMessage,
		StreamFinal:   md.StreamFinal,
		Timestamp:     md.Timestamp,
	})
}

// close unsubscribes and waits for in-flight handler dispatches to finish.
func (r *receiver) close(ctx context.Context) error {
	var err error
	if r.started {
		err = r.broker.Unsubscribe(ctx, r.responseTopic, r.group)
		r.started = false
	}
	r.drain()
	return err
}

func (r *receiver) drain() {
	for _, ch := range r.workers {
		close(ch)
	}
	r.wg.Wait()
	r.workers = nil
}
