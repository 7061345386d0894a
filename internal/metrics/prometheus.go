package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes a Registry to Prometheus. It reads the atomic snapshot
// on every scrape instead of keeping parallel state.
type Collector struct {
	registry *Registry

	totalRequests      *prometheus.Desc
	successfulRequests *prometheus.Desc
	failedRequests     *prometheus.Desc
	timedOutRequests   *prometheus.Desc
	cancelledRequests  *prometheus.Desc
	lateOrUnknown      *prometheus.Desc
	totalSessions      *prometheus.Desc
	activeSessions     *prometheus.Desc
	completedSessions  *prometheus.Desc
	streamingMessages  *prometheus.Desc
	bytesSent          *prometheus.Desc
	bytesReceived      *prometheus.Desc
	handlerErrors      *prometheus.Desc
	meanLatencySeconds *prometheus.Desc
	uptimeSeconds      *prometheus.Desc
}

// NewCollector wraps the registry for scraping under the busrpc namespace.
func NewCollector(registry *Registry) *Collector {
	return &Collector{
		registry:           registry,
		totalRequests:      prometheus.NewDesc("busrpc_requests_total", "Total requests sent", nil, nil),
		successfulRequests: prometheus.NewDesc("busrpc_requests_successful_total", "Requests completed successfully", nil, nil),
		failedRequests:     prometheus.NewDesc("busrpc_requests_failed_total", "Requests completed with a business failure", nil, nil),
		timedOutRequests:   prometheus.NewDesc("busrpc_requests_timed_out_total", "Requests that hit their deadline", nil, nil),
		cancelledRequests:  prometheus.NewDesc("busrpc_requests_cancelled_total", "Requests cancelled by the caller or shutdown", nil, nil),
		lateOrUnknown:      prometheus.NewDesc("busrpc_responses_late_or_unknown_total", "Responses dropped for missing correlation entries", nil, nil),
		totalSessions:      prometheus.NewDesc("busrpc_sessions_total", "Streaming sessions created", nil, nil),
		activeSessions:     prometheus.NewDesc("busrpc_sessions_active", "Streaming sessions currently active", nil, nil),
		completedSessions:  prometheus.NewDesc("busrpc_sessions_completed_total", "Streaming sessions completed", nil, nil),
		streamingMessages:  prometheus.NewDesc("busrpc_stream_messages_total", "Streaming messages sent", nil, nil),
		bytesSent:          prometheus.NewDesc("busrpc_bytes_sent_total", "Payload bytes published", nil, nil),
		bytesReceived:      prometheus.NewDesc("busrpc_bytes_received_total", "Payload bytes received", nil, nil),
		handlerErrors:      prometheus.NewDesc("busrpc_handler_errors_total", "User handler errors swallowed by the receiver", nil, nil),
		meanLatencySeconds: prometheus.NewDesc("busrpc_request_latency_mean_seconds", "Mean latency of successful requests", nil, nil),
		uptimeSeconds:      prometheus.NewDesc("busrpc_uptime_seconds", "Client uptime", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalRequests
	ch <- c.successfulRequests
	ch <- c.failedRequests
	ch <- c.timedOutRequests
	ch <- c.cancelledRequests
	ch <- c.lateOrUnknown
	ch <- c.totalSessions
	ch <- c.activeSessions
	ch <- c.completedSessions
	ch <- c.streamingMessages
	ch <- c.bytesSent
	ch <- c.bytesReceived
	ch <- c.handlerErrors
	ch <- c.meanLatencySeconds
	ch <- c.uptimeSeconds
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.registry.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.totalRequests, prometheus.CounterValue, float64(s.TotalRequests))
	ch <- prometheus.MustNewConstMetric(c.successfulRequests, prometheus.CounterValue, float64(s.SuccessfulRequests))
	ch <- prometheus.MustNewConstMetric(c.failedRequests, prometheus.CounterValue, float64(s.FailedRequests))
	ch <- prometheus.MustNewConstMetric(c.timedOutRequests, prometheus.CounterValue, float64(s.TimedOutRequests))
	ch <- prometheus.MustNewConstMetric(c.cancelledRequests, prometheus.CounterValue, float64(s.CancelledRequests))
	ch <- prometheus.MustNewConstMetric(c.lateOrUnknown, prometheus.CounterValue, float64(s.LateOrUnknown))
	ch <- prometheus.MustNewConstMetric(c.totalSessions, prometheus.CounterValue, float64(s.TotalSessions))
	ch <- prometheus.MustNewConstMetric(c.activeSessions, prometheus.GaugeValue, float64(s.ActiveSessions))
	ch <- prometheus.MustNewConstMetric(c.completedSessions, prometheus.CounterValue, float64(s.CompletedSessions))
	ch <- prometheus.MustNewConstMetric(c.streamingMessages, prometheus.CounterValue, float64(s.StreamingMessages))
	ch <- prometheus.MustNewConstMetric(c.bytesSent, prometheus.CounterValue, float64(s.BytesSent))
	ch <- prometheus.MustNewConstMetric(c.bytesReceived, prometheus.CounterValue, float64(s.BytesReceived))
	ch <- prometheus.MustNewConstMetric(c.handlerErrors, prometheus.CounterValue, float64(s.HandlerErrors))
	ch <- prometheus.MustNewConstMetric(c.meanLatencySeconds, prometheus.GaugeValue, s.MeanLatency.Seconds())
	ch <- prometheus.MustNewConstMetric(c.uptimeSeconds, prometheus.GaugeValue, s.Uptime.Seconds())
}
