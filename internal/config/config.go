// Package config holds the frozen-at-startup option bundle for the RPC
// client. Every bound here is enforced by Validate before the client starts;
// out-of-range values fail fast instead of being clamped.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the recognized option set. Durations are literal values in the
// YAML form ("30s", "500ms").
type Config struct {
	// Broker connection
	Broker        string `yaml:"broker"`         // "memory" or "redis"
	BrokerAddress string `yaml:"broker_address"` // target broker endpoint

	// Topics
	RequestTopic        string `yaml:"request_topic"`         // shared outbound topic
	ResponseTopicPrefix string `yaml:"response_topic_prefix"` // per-sender reply topic prefix
	TopicQueues         int    `yaml:"topic_queues"`          // queue count asserted at startup

	// Request handling
	DefaultTimeout        time.Duration `yaml:"default_timeout"`
	MaxConcurrentRequests int           `yaml:"max_concurrent_requests"`
	MaxConcurrentSessions int           `yaml:"max_concurrent_sessions"`
	SendTimeout           time.Duration `yaml:"send_timeout"`
	RetrySync             int           `yaml:"retry_sync"`
	RetryAsync            int           `yaml:"retry_async"`
	MaxMessageBytes       int           `yaml:"max_message_bytes"`
	SendRatePerSec        float64       `yaml:"send_rate_per_sec"` // 0 disables the limiter

	// Receiver tuning
	ConsumeThreadsMin int `yaml:"consume_threads_min"`
	ConsumeThreadsMax int `yaml:"consume_threads_max"`
	PullBatch         int `yaml:"pull_batch"`
	ConsumeBatch      int `yaml:"consume_batch"`

	// Session reaping
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`
	ReapInterval       time.Duration `yaml:"reap_interval"`

	// Metrics
	MetricsLogEnabled  bool          `yaml:"metrics_log_enabled"`
	MetricsLogInterval time.Duration `yaml:"metrics_log_interval"`
}

const MaxMessageBytesCap = 4 << 20

// Default returns the config used when the caller tunes nothing.
func Default() Config {
	return Config{
		Broker:                "memory",
		BrokerAddress:         "localhost:6379",
		RequestTopic:          "rpc.requests",
		ResponseTopicPrefix:   "rpc.responses.",
		TopicQueues:           8,
		DefaultTimeout:        30 * time.Second,
		MaxConcurrentRequests: 1000,
		MaxConcurrentSessions: 100,
		SendTimeout:           5 * time.Second,
		RetrySync:             2,
		RetryAsync:            2,
		MaxMessageBytes:       1 << 20,
		ConsumeThreadsMin:     4,
		ConsumeThreadsMax:     16,
		PullBatch:             32,
		ConsumeBatch:          1,
		SessionIdleTimeout:    5 * time.Minute,
		ReapInterval:          10 * time.Second,
		MetricsLogEnabled:     false,
		MetricsLogInterval:    60 * time.Second,
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks every option against its documented bounds.
func (c Config) Validate() error {
	if c.BrokerAddress == "" {
		return fmt.Errorf("broker_address must not be empty")
	}
	if c.RequestTopic == "" {
		return fmt.Errorf("request_topic must not be empty")
	}
	if c.ResponseTopicPrefix == "" {
		return fmt.Errorf("response_topic_prefix must not be empty")
	}
	if c.TopicQueues < 1 || c.TopicQueues > 1024 {
		return fmt.Errorf("topic_queues %d out of range [1, 1024]", c.TopicQueues)
	}
	if c.DefaultTimeout < 100*time.Millisecond || c.DefaultTimeout > 300*time.Second {
		return fmt.Errorf("default_timeout %v out of range [100ms, 300s]", c.DefaultTimeout)
	}
	if c.MaxConcurrentRequests < 1 || c.MaxConcurrentRequests > 10000 {
		return fmt.Errorf("max_concurrent_requests %d out of range [1, 10000]", c.MaxConcurrentRequests)
	}
	if c.MaxConcurrentSessions < 1 || c.MaxConcurrentSessions > 1000 {
		return fmt.Errorf("max_concurrent_sessions %d out of range [1, 1000]", c.MaxConcurrentSessions)
	}
	if c.SendTimeout < time.Second || c.SendTimeout > 30*time.Second {
		return fmt.Errorf("send_timeout %v out of range [1s, 30s]", c.SendTimeout)
	}
	if c.RetrySync < 0 || c.RetrySync > 10 {
		return fmt.Errorf("retry_sync %d out of range [0, 10]", c.RetrySync)
	}
	if c.RetryAsync < 0 || c.RetryAsync > 10 {
		return fmt.Errorf("retry_async %d out of range [0, 10]", c.RetryAsync)
	}
	if c.MaxMessageBytes < 1 || c.MaxMessageBytes > MaxMessageBytesCap {
		return fmt.Errorf("max_message_bytes %d out of range [1, %d]", c.MaxMessageBytes, MaxMessageBytesCap)
	}
	if c.SendRatePerSec < 0 {
		return fmt.Errorf("send_rate_per_sec %v must not be negative", c.SendRatePerSec)
	}
	if c.ConsumeThreadsMin < 1 || c.ConsumeThreadsMin > 1000 {
		return fmt.Errorf("consume_threads_min %d out of range [1, 1000]", c.ConsumeThreadsMin)
	}
	if c.ConsumeThreadsMax < c.ConsumeThreadsMin || c.ConsumeThreadsMax > 1000 {
		return fmt.Errorf("consume_threads_max %d out of range [%d, 1000]", c.ConsumeThreadsMax, c.ConsumeThreadsMin)
	}
	if c.PullBatch < 1 || c.PullBatch > 100 {
		return fmt.Errorf("pull_batch %d out of range [1, 100]", c.PullBatch)
	}
	if c.ConsumeBatch < 1 || c.ConsumeBatch > 100 {
		return fmt.Errorf("consume_batch %d out of range [1, 100]", c.ConsumeBatch)
	}
	if c.SessionIdleTimeout < 0 {
		return fmt.Errorf("session_idle_timeout %v must not be negative", c.SessionIdleTimeout)
	}
	if c.ReapInterval < 100*time.Millisecond {
		return fmt.Errorf("reap_interval %v below minimum 100ms", c.ReapInterval)
	}
	if c.MetricsLogEnabled {
		if c.MetricsLogInterval < 10*time.Second || c.MetricsLogInterval > 3600*time.Second {
			return fmt.Errorf("metrics_log_interval %v out of range [10s, 3600s]", c.MetricsLogInterval)
		}
	}
	return nil
}
