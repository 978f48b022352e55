// Package metrics holds the process-wide prometheus collectors updated by the ingest
// workers and exposed by the metrics endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	MessagesProcessed prometheus.Counter
	MessagesFailed    prometheus.Counter
	MessagesWaiting   prometheus.Gauge
	ProcessingTime    prometheus.Histogram
	BytesDownloaded   prometheus.Counter
	DownloadRate      prometheus.Gauge
}

// New creates the collectors and registers them on reg. A nil reg leaves them
// unregistered, which is convenient in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sqs_messages_processed_total",
			Help: "Total number of messages processed",
		}),
		MessagesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sqs_failed_messages_total",
			Help: "Total number of failed messages",
		}),
		MessagesWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sqs_messages_waiting",
			Help: "Approximate number of messages waiting in the queue",
		}),
		ProcessingTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sqs_messages_processing_time_seconds",
			Help:    "Time taken to process a message",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		BytesDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "s3_bytes_downloaded_total",
			Help: "Total number of bytes downloaded from S3",
		}),
		DownloadRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "s3_download_rate_bytes_per_second",
			Help: "Rate of bytes downloaded per second",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.MessagesProcessed,
			m.MessagesFailed,
			m.MessagesWaiting,
			m.ProcessingTime,
			m.BytesDownloaded,
			m.DownloadRate,
		)
	}
	return m
}

// ObserveDownload accounts one finished download. The rate gauge keeps the last
// download's throughput and is left untouched when elapsed is zero.
func (m *Metrics) ObserveDownload(n int64, elapsed time.Duration) {
	m.BytesDownloaded.Add(float64(n))
	if elapsed > 0 {
		m.DownloadRate.Set(float64(n) / elapsed.Seconds())
	}
}

// ObserveMessage records the outcome of one processed queue message.
func (m *Metrics) ObserveMessage(elapsed time.Duration, err error) {
	m.ProcessingTime.Observe(elapsed.Seconds())
	if err != nil {
		m.MessagesFailed.Inc()
	}
}
