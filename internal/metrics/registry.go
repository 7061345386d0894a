// Package metrics holds the RPC client's counters and latency aggregates.
// Every recording method is a single atomic update so the hot path never
// takes a lock.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Registry accumulates client-wide counters. One instance lives per client;
// Default returns a process-wide shared one.
type Registry struct {
	startNano atomic.Int64

	totalRequests      atomic.Int64
	successfulRequests atomic.Int64
	failedRequests     atomic.Int64
	timedOutRequests   atomic.Int64
	cancelledRequests  atomic.Int64
	lateOrUnknown      atomic.Int64

	totalSessions     atomic.Int64
	activeSessions    atomic.Int64
	completedSessions atomic.Int64
	streamingMessages atomic.Int64

	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
	handlerErrors atomic.Int64

	latencySum   atomic.Int64 // nanoseconds
	latencyCount atomic.Int64
	latencyMin   atomic.Int64
	latencyMax   atomic.Int64

	summaryMu   sync.Mutex
	summaryStop chan struct{}
}

var (
	defaultRegistry *Registry
	defaultOnce     sync.Once
)

// Default returns the process-wide registry.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a registry with its uptime clock started.
func NewRegistry() *Registry {
	r := &Registry{}
	r.Reset()
	return r
}

func (r *Registry) RecordRequest(bytes int) {
	r.totalRequests.Add(1)
	r.bytesSent.Add(int64(bytes))
}

// RecordSuccess records one completed request and folds its latency into
// the running aggregates.
func (r *Registry) RecordSuccess(latency time.Duration) {
	r.successfulRequests.Add(1)
	ns := int64(latency)
	r.latencySum.Add(ns)
	r.latencyCount.Add(1)
	atomicMin(&r.latencyMin, ns)
	atomicMax(&r.latencyMax, ns)
}

func (r *Registry) RecordFailure()       { r.failedRequests.Add(1) }
func (r *Registry) RecordTimeout()       { r.timedOutRequests.Add(1) }
func (r *Registry) RecordCancelled()     { r.cancelledRequests.Add(1) }
func (r *Registry) RecordLateOrUnknown() { r.lateOrUnknown.Add(1) }
func (r *Registry) RecordHandlerError()  { r.handlerErrors.Add(1) }

func (r *Registry) RecordSessionCreated() {
	r.totalSessions.Add(1)
	r.activeSessions.Add(1)
}

func (r *Registry) RecordSessionCompleted() {
	r.activeSessions.Add(-1)
	r.completedSessions.Add(1)
}

func (r *Registry) RecordStreamMessage(bytes int) {
	r.streamingMessages.Add(1)
	r.bytesSent.Add(int64(bytes))
}

func (r *Registry) RecordReceived(bytes int) {
	r.bytesReceived.Add(int64(bytes))
}

// Uptime returns elapsed time since construction or the last Reset.
func (r *Registry) Uptime() time.Duration {
	return time.Duration(nowNano() - r.startNano.Load())
}

// Reset zeroes every counter and restarts the uptime clock.
func (r *Registry) Reset() {
	r.totalRequests.Store(0)
	r.successfulRequests.Store(0)
	r.failedRequests.Store(0)
	r.timedOutRequests.Store(0)
	r.cancelledRequests.Store(0)
	r.lateOrUnknown.Store(0)
	r.totalSessions.Store(0)
	r.activeSessions.Store(0)
	r.completedSessions.Store(0)
	r.streamingMessages.Store(0)
	r.bytesSent.Store(0)
	r.bytesReceived.Store(0)
	r.handlerErrors.Store(0)
	r.latencySum.Store(0)
	r.latencyCount.Store(0)
	r.latencyMin.Store(0)
	r.latencyMax.Store(0)
	r.startNano.Store(nowNano())
}

// Snapshot is a point-in-time read of the registry with derived rates.
type Snapshot struct {
	TotalRequests      int64         `json:"total_requests"`
	SuccessfulRequests int64         `json:"successful_requests"`
	FailedRequests     int64         `json:"failed_requests"`
	TimedOutRequests   int64         `json:"timed_out_requests"`
	CancelledRequests  int64         `json:"cancelled_requests"`
	LateOrUnknown      int64         `json:"late_or_unknown"`
	TotalSessions      int64         `json:"total_sessions"`
	ActiveSessions     int64         `json:"active_sessions"`
	CompletedSessions  int64         `json:"completed_sessions"`
	StreamingMessages  int64         `json:"streaming_messages"`
	BytesSent          int64         `json:"bytes_sent"`
	BytesReceived      int64         `json:"bytes_received"`
	HandlerErrors      int64         `json:"handler_errors"`
	SuccessRate        float64       `json:"success_rate"`
	MeanLatency        time.Duration `json:"mean_latency"`
	MinLatency         time.Duration `json:"min_latency"`
	MaxLatency         time.Duration `json:"max_latency"`
	MessagesPerSecond  float64       `json:"messages_per_second"`
	BytesPerSecond     float64       `json:"bytes_per_second"`
	Uptime             time.Duration `json:"uptime"`
}

// Snapshot computes the derived view from the raw counters.
func (r *Registry) Snapshot() Snapshot {
	s := Snapshot{
		TotalRequests:      r.totalRequests.Load(),
		SuccessfulRequests: r.successfulRequests.Load(),
		FailedRequests:     r.failedRequests.Load(),
		TimedOutRequests:   r.timedOutRequests.Load(),
		CancelledRequests:  r.cancelledRequests.Load(),
		LateOrUnknown:      r.lateOrUnknown.Load(),
		TotalSessions:      r.totalSessions.Load(),
		ActiveSessions:     r.activeSessions.Load(),
		CompletedSessions:  r.completedSessions.Load(),
		StreamingMessages:  r.streamingMessages.Load(),
		BytesSent:          r.bytesSent.Load(),
		BytesReceived:      r.bytesReceived.Load(),
		HandlerErrors:      r.handlerErrors.Load(),
		MinLatency:         time.Duration(r.latencyMin.Load()),
		MaxLatency:         time.Duration(r.latencyMax.Load()),
		Uptime:             r.Uptime(),
	}
	if s.TotalRequests > 0 {
		s.SuccessRate = float64(s.SuccessfulRequests) / float64(s.TotalRequests)
	}
	if count := r.latencyCount.Load(); count > 0 {
		s.MeanLatency = time.Duration(r.latencySum.Load() / count)
	}
	if secs := s.Uptime.Seconds(); secs > 0 {
		s.MessagesPerSecond = float64(s.TotalRequests+s.StreamingMessages) / secs
		s.BytesPerSecond = float64(s.BytesSent+s.BytesReceived) / secs
	}
	return s
}

// LogSummary emits the one-line operational summary.
func (r *Registry) LogSummary() {
	s := r.Snapshot()
	log.Info().
		Int64("requests", s.TotalRequests).
		Int64("ok", s.SuccessfulRequests).
		Int64("failed", s.FailedRequests).
		Int64("timed_out", s.TimedOutRequests).
		Int64("late", s.LateOrUnknown).
		Int64("sessions_active", s.ActiveSessions).
		Int64("sessions_done", s.CompletedSessions).
		Float64("success_rate", s.SuccessRate).
		Dur("mean_latency", s.MeanLatency).
		Float64("msg_per_sec", s.MessagesPerSecond).
		Dur("uptime", s.Uptime).
		Msg("rpc client metrics")
}

// StartSummary begins periodic summary emission. No-op if already running.
func (r *Registry) StartSummary(interval time.Duration) {
	r.summaryMu.Lock()
	defer r.summaryMu.Unlock()
	if r.summaryStop != nil {
		return
	}
	stop := make(chan struct{})
	r.summaryStop = stop
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.LogSummary()
			case <-stop:
				return
			}
		}
	}()
}

// StopSummary halts periodic emission.
func (r *Registry) StopSummary() {
	r.summaryMu.Lock()
	defer r.summaryMu.Unlock()
	if r.summaryStop != nil {
		close(r.summaryStop)
		r.summaryStop = nil
	}
}

func atomicMin(target *atomic.Int64, value int64) {
	for {
		cur := target.Load()
		if cur != 0 && cur <= value {
			return
		}
		if target.CompareAndSwap(cur, value) {
			return
		}
	}
}

func atomicMax(target *atomic.Int64, value int64) {
	for {
		cur := target.Load()
		if cur >= value {
			return
		}
		if target.CompareAndSwap(cur, value) {
			return
		}
	}
}

func nowNano() int64 {
	return time.Now().UnixNano()
}
