package bus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	redisTopicKeyPrefix  = "busrpc:topic:"
	redisStreamKeyPrefix = "busrpc:stream:"
	redisPropPrefix      = "p:"
	redisPayloadField    = "payload"
	redisReadBlock       = 2 * time.Second
	redisReadCount       = 32
)

// RedisBroker maps the broker contract onto Redis Streams. A topic with N
// queues becomes N streams (busrpc:stream:<topic>:<i>); XADD preserves
// per-stream order and consumer groups give per-queue FIFO consumption, so
// the queue-selector contract carries over directly.
type RedisBroker struct {
	config  Config
	client  *redis.Client
	started bool
	mu      sync.RWMutex

	queueCounts map[string]int // local topology cache
	subs        map[string]*redisSub
}

type redisSub struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisBroker creates a Redis Streams broker binding. The connection is
// established on Start.
func NewRedisBroker(config Config) (*RedisBroker, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("redis broker: address must be specified")
	}
	if config.Selector == nil {
		config.Selector = HashSelector()
	}
	if config.DefaultQueues <= 0 {
		config.DefaultQueues = 4
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 5 * time.Second
	}
	return &RedisBroker{
		config:      config,
		queueCounts: make(map[string]int),
		subs:        make(map[string]*redisSub),
	}, nil
}

func (r *RedisBroker) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	r.client = redis.NewClient(&redis.Options{
		Addr:        r.config.Address,
		ClientName:  r.config.ClientID,
		DialTimeout: r.config.ConnectTimeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, r.config.ConnectTimeout)
	defer cancel()
	if err := r.client.Ping(pingCtx).Err(); err != nil {
		r.client.Close()
		r.client = nil
		return fmt.Errorf("redis broker connect %s: %w", r.config.Address, err)
	}
	r.started = true
	log.Info().Str("addr", r.config.Address).Str("client_id", r.config.ClientID).Msg("redis broker connected")
	return nil
}

func (r *RedisBroker) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	subs := make([]*redisSub, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.subs = make(map[string]*redisSub)
	client := r.client
	r.client = nil
	r.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		sub.wg.Wait()
	}
	return client.Close()
}

func (r *RedisBroker) Publish(ctx context.Context, topic, routingKey string, props map[string]string, payload []byte) error {
	r.mu.RLock()
	client := r.client
	r.mu.RUnlock()
	if client == nil {
		return ErrBrokerNotStarted
	}

	queues, err := r.ensureTopic(ctx, client, topic)
	if err != nil {
		return err
	}
	var queue int
	if routingKey != "" {
		queue = r.config.Selector(topic, routingKey, queues)
	} else {
		queue = int(time.Now().UnixNano() % int64(queues))
	}

	values := make(map[string]interface{}, len(props)+1)
	values[redisPayloadField] = payload
	for k, v := range props {
		values[redisPropPrefix+k] = v
	}
	err = client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(topic, queue),
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis broker publish %s: %w", topic, err)
	}
	return nil
}

func (r *RedisBroker) Subscribe(ctx context.Context, topic, group string, handler MessageHandler) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return ErrBrokerNotStarted
	}
	key := subKey(topic, group)
	if _, exists := r.subs[key]; exists {
		r.mu.Unlock()
		return fmt.Errorf("subscription %s: %w", key, ErrTopicExists)
	}
	client := r.client
	r.mu.Unlock()

	queues, err := r.ensureTopic(ctx, client, topic)
	if err != nil {
		return err
	}
	consumer := r.config.ClientID
	if consumer == "" {
		consumer = "busrpc"
	}
	for i := 0; i < queues; i++ {
		err := client.XGroupCreateMkStream(ctx, streamKey(topic, i), group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("redis broker create group %s/%s: %w", topic, group, err)
		}
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSub{cancel: cancel}
	for i := 0; i < queues; i++ {
		sub.wg.Add(1)
		go r.consumeQueue(subCtx, sub, client, topic, group, consumer, i, handler)
	}

	r.mu.Lock()
	r.subs[key] = sub
	r.mu.Unlock()
	log.Debug().Str("topic", topic).Str("group", group).Int("queues", queues).Msg("redis broker subscribed")
	return nil
}

func (r *RedisBroker) Unsubscribe(ctx context.Context, topic, group string) error {
	r.mu.Lock()
	key := subKey(topic, group)
	sub, exists := r.subs[key]
	if exists {
		delete(r.subs, key)
	}
	r.mu.Unlock()
	if !exists {
		return ErrNoSubscription
	}
	sub.cancel()
	sub.wg.Wait()
	return nil
}

// consumeQueue reads one stream with XREADGROUP in order, acking after the
// handler returns. One goroutine per queue keeps per-queue FIFO intact.
func (r *RedisBroker) consumeQueue(ctx context.Context, sub *redisSub, client *redis.Client, topic, group, consumer string, queue int, handler MessageHandler) {
	defer sub.wg.Done()
	stream := streamKey(topic, queue)
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    redisReadCount,
			Block:    redisReadBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("stream", stream).Msg("redis broker read failed")
			time.Sleep(250 * time.Millisecond)
			continue
		}
		for _, streamRes := range res {
			for _, entry := range streamRes.Messages {
				msg := decodeEntry(topic, queue, entry)
				func() {
					defer func() {
						if rec := recover(); rec != nil {
							log.Warn().Str("stream", stream).Interface("panic", rec).Msg("handler panic")
						}
					}()
					if err := handler(ctx, msg); err != nil {
						log.Warn().Err(err).Str("stream", stream).Msg("handler error")
					}
				}()
				client.XAck(ctx, stream, group, entry.ID)
			}
		}
	}
}

func decodeEntry(topic string, queue int, entry redis.XMessage) *Message {
	msg := &Message{
		ID:        entry.ID,
		Topic:     topic,
		Queue:     queue,
		Timestamp: time.Now(),
	}
	for k, v := range entry.Values {
		s, _ := v.(string)
		switch {
		case k == redisPayloadField:
			msg.Payload = []byte(s)
		case strings.HasPrefix(k, redisPropPrefix):
			if msg.Props == nil {
				msg.Props = make(map[string]string)
			}
			msg.Props[strings.TrimPrefix(k, redisPropPrefix)] = s
		}
	}
	return msg
}

// ensureTopic loads the topic's queue count, creating the topic with the
// default count when it does not exist yet.
func (r *RedisBroker) ensureTopic(ctx context.Context, client *redis.Client, topic string) (int, error) {
	r.mu.RLock()
	queues, ok := r.queueCounts[topic]
	r.mu.RUnlock()
	if ok {
		return queues, nil
	}

	key := redisTopicKeyPrefix + topic
	if err := client.HSetNX(ctx, key, "queues", r.config.DefaultQueues).Err(); err != nil {
		return 0, fmt.Errorf("redis broker ensure topic %s: %w", topic, err)
	}
	val, err := client.HGet(ctx, key, "queues").Result()
	if err != nil {
		return 0, fmt.Errorf("redis broker read topic %s: %w", topic, err)
	}
	queues, err = strconv.Atoi(val)
	if err != nil || queues <= 0 {
		return 0, fmt.Errorf("redis broker topic %s has invalid queue count %q", topic, val)
	}

	r.mu.Lock()
	r.queueCounts[topic] = queues
	r.mu.Unlock()
	return queues, nil
}

func (r *RedisBroker) CreateTopic(ctx context.Context, config TopicConfig) error {
	r.mu.RLock()
	client := r.client
	r.mu.RUnlock()
	if client == nil {
		return ErrBrokerNotStarted
	}
	if config.Queues <= 0 {
		config.Queues = r.config.DefaultQueues
	}
	key := redisTopicKeyPrefix + config.Name
	set, err := client.HSetNX(ctx, key, "queues", config.Queues).Result()
	if err != nil {
		return fmt.Errorf("redis broker create topic %s: %w", config.Name, err)
	}
	if !set {
		return fmt.Errorf("topic %s: %w", config.Name, ErrTopicExists)
	}
	r.mu.Lock()
	r.queueCounts[config.Name] = config.Queues
	r.mu.Unlock()
	return nil
}

func (r *RedisBroker) TopicExists(ctx context.Context, topic string) (bool, error) {
	r.mu.RLock()
	client := r.client
	r.mu.RUnlock()
	if client == nil {
		return false, ErrBrokerNotStarted
	}
	n, err := client.Exists(ctx, redisTopicKeyPrefix+topic).Result()
	if err != nil {
		return false, fmt.Errorf("redis broker topic exists %s: %w", topic, err)
	}
	return n > 0, nil
}

func (r *RedisBroker) QueueCount(ctx context.Context, topic string) (int, error) {
	r.mu.RLock()
	client := r.client
	r.mu.RUnlock()
	if client == nil {
		return 0, ErrBrokerNotStarted
	}
	exists, err := r.TopicExists(ctx, topic)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, ErrTopicNotFound
	}
	return r.ensureTopic(ctx, client, topic)
}

func (r *RedisBroker) Health() HealthStatus {
	r.mu.RLock()
	client := r.client
	started := r.started
	topics := len(r.queueCounts)
	subscribers := len(r.subs)
	r.mu.RUnlock()

	status := HealthStatus{
		Healthy:      started,
		Status:       "running",
		ActiveTopics: topics,
		Subscribers:  subscribers,
		LastCheck:    time.Now(),
	}
	if !started {
		status.Status = "stopped"
		status.Errors = append(status.Errors, "broker not started")
		return status
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		status.Healthy = false
		status.Status = "disconnected"
		status.Errors = append(status.Errors, err.Error())
	}
	return status
}

func streamKey(topic string, queue int) string {
	return redisStreamKeyPrefix + topic + ":" + strconv.Itoa(queue)
}
