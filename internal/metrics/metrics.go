// Package metrics provides Prometheus metrics for echotun.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "echotun"
)

// Queue label values.
const (
	QueueInbound  = "inbound"
	QueueOutbound = "outbound"
)

// I/O operation label values.
const (
	OpRead  = "read"
	OpWrite = "write"
)

// Metrics contains all Prometheus metrics for the responder.
type Metrics struct {
	// Device traffic
	PacketsRead    prometheus.Counter
	PacketsWritten prometheus.Counter
	BytesRead      prometheus.Counter
	BytesWritten   prometheus.Counter

	// Rewriter decisions
	Verdicts *prometheus.CounterVec
	Drops    *prometheus.CounterVec

	// Failures
	IOErrors    *prometheus.CounterVec
	ShortWrites prometheus.Counter

	// Loop internals
	QueueDepth      *prometheus.GaugeVec
	ProcessDuration prometheus.Histogram
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance registered with reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PacketsRead: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_read_total",
			Help:      "Total packets read from the tun device",
		}),
		PacketsWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_written_total",
			Help:      "Total packets written to the tun device",
		}),
		BytesRead: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_read_total",
			Help:      "Total bytes read from the tun device",
		}),
		BytesWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_written_total",
			Help:      "Total bytes written to the tun device",
		}),

		Verdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_total",
			Help:      "Packets by rewriter verdict",
		}, []string{"verdict"}),
		Drops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drops_total",
			Help:      "Dropped packets by reason",
		}, []string{"reason"}),

		IOErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "io_errors_total",
			Help:      "Device read and write errors, excluding would-block",
		}, []string{"op"}),
		ShortWrites: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "short_writes_total",
			Help:      "Writes that accepted fewer bytes than the packet length",
		}),

		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Buffers waiting in the pipeline hand-off queues",
		}, []string{"queue"}),
		ProcessDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "process_duration_seconds",
			Help:      "Time spent deciding on and rewriting one packet",
			Buckets:   []float64{.000001, .0000025, .000005, .00001, .000025, .00005, .0001, .00025, .001, .01},
		}),
	}
}

// RecordRead records one packet read from the device.
func (m *Metrics) RecordRead(bytes int) {
	m.PacketsRead.Inc()
	m.BytesRead.Add(float64(bytes))
}

// RecordWrite records one packet written to the device.
func (m *Metrics) RecordWrite(bytes int) {
	m.PacketsWritten.Inc()
	m.BytesWritten.Add(float64(bytes))
}

// RecordVerdict records a rewriter verdict.
func (m *Metrics) RecordVerdict(verdict string) {
	m.Verdicts.WithLabelValues(verdict).Inc()
}

// RecordDrop records a dropped packet.
func (m *Metrics) RecordDrop(reason string) {
	m.Drops.WithLabelValues(reason).Inc()
}

// RecordIOError records a failed device read or write.
func (m *Metrics) RecordIOError(op string) {
	m.IOErrors.WithLabelValues(op).Inc()
}

// RecordShortWrite records a truncated write.
func (m *Metrics) RecordShortWrite() {
	m.ShortWrites.Inc()
}

// SetQueueDepth sets the current length of a hand-off queue.
func (m *Metrics) SetQueueDepth(queue string, n int) {
	m.QueueDepth.WithLabelValues(queue).Set(float64(n))
}

// ObserveProcess records how long one packet took to process.
func (m *Metrics) ObserveProcess(d time.Duration) {
	m.ProcessDuration.Observe(d.Seconds())
}
