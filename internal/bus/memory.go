package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const memorySubBuffer = 1024

// MemoryBroker is an in-process broker binding with real queue semantics:
// a topic is a fixed set of queues, each queue delivers in FIFO order to a
// dedicated pump goroutine per subscription. Used by tests and the demo CLI.
//
// Subscriptions only observe messages published after they attach; there is
// no replay. That matches the RPC client's needs, where the response
// subscription is registered before any request goes out.
type MemoryBroker struct {
	config  Config
	started bool
	mu      sync.RWMutex

	topics map[string]*memTopic
	subs   map[string]*memSub

	handlerErrors atomic.Int64
}

type memTopic struct {
	config TopicConfig
	rr     atomic.Uint64

	mu  sync.Mutex
	log [][]*Message // retained per queue, testing helper
}

type memSub struct {
	topic   string
	group   string
	handler MessageHandler

	queues []chan *Message
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMemoryBroker creates an in-memory broker binding.
func NewMemoryBroker(config Config) *MemoryBroker {
	if config.Selector == nil {
		config.Selector = HashSelector()
	}
	if config.DefaultQueues <= 0 {
		config.DefaultQueues = 4
	}
	return &MemoryBroker{
		config: config,
		topics: make(map[string]*memTopic),
		subs:   make(map[string]*memSub),
	}
}

func (m *MemoryBroker) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	m.started = true
	log.Debug().Str("client_id", m.config.ClientID).Msg("memory broker started")
	return nil
}

func (m *MemoryBroker) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	subs := make([]*memSub, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.subs = make(map[string]*memSub)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	log.Debug().Msg("memory broker stopped")
	return nil
}

// Publish routes the message onto one queue of the topic and hands it to
// every subscription's pump for that queue. A non-empty routingKey goes
// through the queue selector; an empty key round-robins. Topics are created
// on first use with the configured default queue count.
func (m *MemoryBroker) Publish(ctx context.Context, topic, routingKey string, props map[string]string, payload []byte) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return ErrBrokerNotStarted
	}
	t := m.topics[topic]
	if t == nil {
		t = newMemTopic(TopicConfig{Name: topic, Queues: m.config.DefaultQueues})
		m.topics[topic] = t
	}
	var fanout []*memSub
	for _, sub := range m.subs {
		if sub.topic == topic {
			fanout = append(fanout, sub)
		}
	}
	m.mu.Unlock()

	queues := len(t.log)
	var queue int
	if routingKey != "" {
		queue = m.config.Selector(topic, routingKey, queues)
	} else {
		queue = int(t.rr.Add(1) % uint64(queues))
	}

	msg := &Message{
		ID:        fmt.Sprintf("mem-%s-%d", topic, time.Now().UnixNano()),
		Topic:     topic,
		Queue:     queue,
		Payload:   payload,
		Props:     cloneProps(props),
		Timestamp: time.Now(),
	}

	t.mu.Lock()
	msg.Offset = int64(len(t.log[queue]))
	t.log[queue] = append(t.log[queue], msg)
	t.mu.Unlock()

	for _, sub := range fanout {
		select {
		case sub.queues[queue%len(sub.queues)] <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe attaches a handler for the (topic, group) pair and starts one
// pump goroutine per queue so per-queue ordering is preserved.
func (m *MemoryBroker) Subscribe(ctx context.Context, topic, group string, handler MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return ErrBrokerNotStarted
	}
	key := subKey(topic, group)
	if _, exists := m.subs[key]; exists {
		return fmt.Errorf("subscription %s: %w", key, ErrTopicExists)
	}
	t := m.topics[topic]
	if t == nil {
		t = newMemTopic(TopicConfig{Name: topic, Queues: m.config.DefaultQueues})
		m.topics[topic] = t
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &memSub{
		topic:   topic,
		group:   group,
		handler: handler,
		queues:  make([]chan *Message, len(t.log)),
		cancel:  cancel,
	}
	for i := range sub.queues {
		ch := make(chan *Message, memorySubBuffer)
		sub.queues[i] = ch
		sub.wg.Add(1)
		go m.pump(subCtx, sub, ch)
	}
	m.subs[key] = sub
	log.Debug().Str("topic", topic).Str("group", group).Msg("memory broker subscribed")
	return nil
}

func (m *MemoryBroker) Unsubscribe(ctx context.Context, topic, group string) error {
	m.mu.Lock()
	key := subKey(topic, group)
	sub, exists := m.subs[key]
	if exists {
		delete(m.subs, key)
	}
	m.mu.Unlock()
	if !exists {
		return ErrNoSubscription
	}
	sub.stop()
	return nil
}

// pump delivers one queue's messages to the handler in order.
func (m *MemoryBroker) pump(ctx context.Context, sub *memSub, ch <-chan *Message) {
	defer sub.wg.Done()
	for {
		select {
		case msg := <-ch:
			m.dispatch(ctx, sub, msg)
		case <-ctx.Done():
			// drain what was already enqueued, then exit
			for {
				select {
				case msg := <-ch:
					m.dispatch(context.Background(), sub, msg)
				default:
					return
				}
			}
		}
	}
}

func (m *MemoryBroker) dispatch(ctx context.Context, sub *memSub, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			m.handlerErrors.Add(1)
			log.Warn().Str("topic", sub.topic).Str("group", sub.group).Interface("panic", r).Msg("handler panic")
		}
	}()
	if err := sub.handler(ctx, msg); err != nil {
		m.handlerErrors.Add(1)
		log.Warn().Err(err).Str("topic", sub.topic).Str("group", sub.group).Msg("handler error")
	}
}

func (s *memSub) stop() {
	s.cancel()
	s.wg.Wait()
}

func (m *MemoryBroker) CreateTopic(ctx context.Context, config TopicConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return ErrBrokerNotStarted
	}
	if _, exists := m.topics[config.Name]; exists {
		return fmt.Errorf("topic %s: %w", config.Name, ErrTopicExists)
	}
	if config.Queues <= 0 {
		config.Queues = m.config.DefaultQueues
	}
	m.topics[config.Name] = newMemTopic(config)
	log.Debug().Str("topic", config.Name).Int("queues", config.Queues).Msg("memory broker created topic")
	return nil
}

func (m *MemoryBroker) TopicExists(ctx context.Context, topic string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.started {
		return false, ErrBrokerNotStarted
	}
	_, exists := m.topics[topic]
	return exists, nil
}

func (m *MemoryBroker) QueueCount(ctx context.Context, topic string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.started {
		return 0, ErrBrokerNotStarted
	}
	t, exists := m.topics[topic]
	if !exists {
		return 0, ErrTopicNotFound
	}
	return len(t.log), nil
}

func (m *MemoryBroker) Health() HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := HealthStatus{
		Healthy:      m.started,
		Status:       "running",
		ActiveTopics: len(m.topics),
		Subscribers:  len(m.subs),
		LastCheck:    time.Now(),
	}
	if !m.started {
		status.Status = "stopped"
		status.Errors = append(status.Errors, "broker not started")
	}
	return status
}

// QueueMessages returns the retained messages of one queue (testing helper).
func (m *MemoryBroker) QueueMessages(topic string, queue int) []*Message {
	m.mu.RLock()
	t := m.topics[topic]
	m.mu.RUnlock()
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if queue < 0 || queue >= len(t.log) {
		return nil
	}
	out := make([]*Message, len(t.log[queue]))
	copy(out, t.log[queue])
	return out
}

// HandlerErrors returns the count of handler errors and panics (testing helper).
func (m *MemoryBroker) HandlerErrors() int64 {
	return m.handlerErrors.Load()
}

func newMemTopic(config TopicConfig) *memTopic {
	return &memTopic{
		config: config,
		log:    make([][]*Message, config.Queues),
	}
}

func subKey(topic, group string) string {
	return topic + ":" + group
}

func cloneProps(props map[string]string) map[string]string {
	if props == nil {
		return nil
	}
	out := make(map[string]string, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}
