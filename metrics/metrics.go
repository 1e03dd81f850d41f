// Package metrics collects upload counters and produces the final report.
// Counters are exported both as a JSON report and as Prometheus collectors
// that can be written to a node-exporter textfile.
package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "s3mpu"

// Metrics collects counters for one upload. A nil *Metrics discards
// everything, so transfers can record unconditionally.
type Metrics struct {
	mu sync.RWMutex

	partsUploaded int64
	partsSkipped  int64
	bytesUploaded int64
	bytesSkipped  int64
	errors        int64
	inFlight      int64

	uploadTime time.Duration // summed across workers
	startTime  time.Time

	registry        *prometheus.Registry
	partsTotal      *prometheus.CounterVec
	bytesTotal      prometheus.Counter
	errorsTotal     prometheus.Counter
	inFlightGauge   prometheus.Gauge
	partDuration    prometheus.Histogram
	lastSuccessTime prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with its own Prometheus registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		startTime: time.Now(),
		registry:  prometheus.NewRegistry(),
		partsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parts_total",
			Help:      "Parts handled by the upload, by outcome.",
		}, []string{"outcome"}),
		bytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Bytes acknowledged by S3.",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "part_errors_total",
			Help:      "Part uploads that failed.",
		}),
		inFlightGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "parts_in_flight",
			Help:      "Part uploads currently in progress.",
		}),
		partDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "part_upload_duration_seconds",
			Help:      "Duration of a single UploadPart call.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		lastSuccessTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last completed upload.",
		}),
	}
	m.registry.MustRegister(m.partsTotal, m.bytesTotal, m.errorsTotal, m.inFlightGauge, m.partDuration, m.lastSuccessTime)
	return m
}

// Registry returns the registry holding this instance's collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// PartStarted marks a part upload as in flight.
func (m *Metrics) PartStarted() {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.inFlight, 1)
	m.inFlightGauge.Inc()
}

// PartUploaded records an acknowledged part and ends its in-flight period.
func (m *Metrics) PartUploaded(size int64, d time.Duration) {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.partsUploaded, 1)
	atomic.AddInt64(&m.bytesUploaded, size)
	atomic.AddInt64(&m.inFlight, -1)
	m.inFlightGauge.Dec()
	m.partsTotal.WithLabelValues("uploaded").Inc()
	m.bytesTotal.Add(float64(size))
	m.partDuration.Observe(d.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadTime += d
}

// PartFailed records a failed part upload and ends its in-flight period.
func (m *Metrics) PartFailed() {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.errors, 1)
	atomic.AddInt64(&m.inFlight, -1)
	m.inFlightGauge.Dec()
	m.partsTotal.WithLabelValues("failed").Inc()
	m.errorsTotal.Inc()
}

// PartsSkipped records parts already present in a resumed upload.
func (m *Metrics) PartsSkipped(count int, size int64) {
	if m == nil || count == 0 {
		return
	}
	atomic.AddInt64(&m.partsSkipped, int64(count))
	atomic.AddInt64(&m.bytesSkipped, size)
	m.partsTotal.WithLabelValues("skipped").Add(float64(count))
}

// UploadCompleted stamps the time of a successful completion.
func (m *Metrics) UploadCompleted() {
	if m == nil {
		return
	}
	m.lastSuccessTime.SetToCurrentTime()
}

// InFlight returns the number of part uploads in progress.
func (m *Metrics) InFlight() int64 {
	if m == nil {
		return 0
	}
	return atomic.LoadInt64(&m.inFlight)
}

// BytesUploaded returns the bytes acknowledged so far in this run.
func (m *Metrics) BytesUploaded() int64 {
	if m == nil {
		return 0
	}
	return atomic.LoadInt64(&m.bytesUploaded)
}

// PartsUploaded returns the parts acknowledged so far in this run.
func (m *Metrics) PartsUploaded() int64 {
	if m == nil {
		return 0
	}
	return atomic.LoadInt64(&m.partsUploaded)
}

// Report is the summary of one upload run.
type Report struct {
	StartTime     time.Time     `json:"startTime"`
	EndTime       time.Time     `json:"endTime"`
	PartsUploaded int64         `json:"partsUploaded"`
	PartsSkipped  int64         `json:"partsSkipped"`
	BytesUploaded int64         `json:"bytesUploaded"`
	BytesSkipped  int64         `json:"bytesSkipped"`
	Errors        int64         `json:"errors"`
	Duration      time.Duration `json:"duration"`
	UploadTime    time.Duration `json:"uploadTime"`
	Throughput    float64       `json:"throughput"` // bytes per second of wall time
}

// GenerateReport calculates the final report.
func (m *Metrics) GenerateReport() Report {
	endTime := time.Now()
	duration := endTime.Sub(m.startTime)

	bytes := atomic.LoadInt64(&m.bytesUploaded)
	var throughput float64
	if duration > 0 {
		throughput = float64(bytes) / duration.Seconds()
	}

	m.mu.RLock()
	uploadTime := m.uploadTime
	m.mu.RUnlock()

	return Report{
		StartTime:     m.startTime,
		EndTime:       endTime,
		PartsUploaded: atomic.LoadInt64(&m.partsUploaded),
		PartsSkipped:  atomic.LoadInt64(&m.partsSkipped),
		BytesUploaded: bytes,
		BytesSkipped:  atomic.LoadInt64(&m.bytesSkipped),
		Errors:        atomic.LoadInt64(&m.errors),
		Duration:      duration,
		UploadTime:    uploadTime,
		Throughput:    throughput,
	}
}

// WriteTextfile writes the Prometheus collectors to path in the text
// exposition format, for the node exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}

// MarshalJSON renders durations as strings.
func (r Report) MarshalJSON() ([]byte, error) {
	type Alias Report
	return json.Marshal(&struct {
		Alias
		Duration   string `json:"duration"`
		UploadTime string `json:"uploadTime"`
	}{
		Alias:      Alias(r),
		Duration:   r.Duration.String(),
		UploadTime: r.UploadTime.String(),
	})
}

// String returns a human-readable summary for console output.
func (r Report) String() string {
	return fmt.Sprintf(
		"Upload completed in %s\n"+
			"Parts uploaded: %d (%s)\n"+
			"Parts skipped: %d (%s)\n"+
			"Errors: %d\n"+
			"Throughput: %s/s",
		r.Duration.Round(time.Millisecond),
		r.PartsUploaded, humanize.IBytes(uint64(r.BytesUploaded)),
		r.PartsSkipped, humanize.IBytes(uint64(r.BytesSkipped)),
		r.Errors,
		humanize.IBytes(uint64(r.Throughput)),
	)
}
