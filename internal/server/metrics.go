package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"secure-file-relay/internal/relay"
)

const defaultNamespace = "sfr"

// Metrics exports HTTP and relay metrics to Prometheus. It implements
// relay.Observer.
type Metrics struct {
	gatherer prometheus.Gatherer

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	opDuration      *prometheus.HistogramVec
	opErrors        *prometheus.CounterVec
	uploadedBytes   prometheus.Counter
	downloadedBytes prometheus.Counter
	orphans         *prometheus.CounterVec
}

// NewMetrics registers the relay metrics on reg. A nil reg gets a fresh
// registry that also carries the Go runtime and process collectors.
func NewMetrics(namespace string, reg *prometheus.Registry) (*Metrics, error) {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
		if err := reg.Register(collectors.NewGoCollector()); err != nil {
			return nil, fmt.Errorf("register go collector: %w", err)
		}
		if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
			return nil, fmt.Errorf("register process collector: %w", err)
		}
	}

	m := &Metrics{
		gatherer: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency for relay operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		opErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_errors_total",
			Help:      "Count of relay operation failures.",
		}, []string{"operation"}),
		uploadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Cumulative payload size successfully stored.",
		}),
		downloadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloaded_bytes_total",
			Help:      "Cumulative payload size streamed to clients.",
		}),
		orphans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphaned_objects_total",
			Help:      "Objects left in storage by a failed store step.",
		}, []string{"step"}),
	}

	var err error
	if m.requests, err = register(reg, m.requests); err != nil {
		return nil, err
	}
	if m.requestDuration, err = register(reg, m.requestDuration); err != nil {
		return nil, err
	}
	if m.opDuration, err = register(reg, m.opDuration); err != nil {
		return nil, err
	}
	if m.opErrors, err = register(reg, m.opErrors); err != nil {
		return nil, err
	}
	if m.uploadedBytes, err = register(reg, m.uploadedBytes); err != nil {
		return nil, err
	}
	if m.downloadedBytes, err = register(reg, m.downloadedBytes); err != nil {
		return nil, err
	}
	if m.orphans, err = register(reg, m.orphans); err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg, or returns the collector already registered
// under the same descriptor.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register relay metric: %w", err)
	}
	return c, nil
}

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) observeRequest(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) RecordStore(d time.Duration, sizeBytes int64, err error) {
	m.recordOperation("store", d, err)
	if m != nil && err == nil {
		m.uploadedBytes.Add(float64(sizeBytes))
	}
}

func (m *Metrics) RecordResolve(d time.Duration, err error) {
	m.recordOperation("resolve", d, err)
}

func (m *Metrics) RecordStream(d time.Duration, sizeBytes int64, err error) {
	m.recordOperation("stream", d, err)
	if m != nil && sizeBytes > 0 {
		m.downloadedBytes.Add(float64(sizeBytes))
	}
}

func (m *Metrics) RecordPurge(d time.Duration, err error) {
	m.recordOperation("purge", d, err)
}

func (m *Metrics) RecordOrphan(step string) {
	if m == nil {
		return
	}
	m.orphans.WithLabelValues(step).Inc()
}

func (m *Metrics) recordOperation(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.opDuration.WithLabelValues(op).Observe(d.Seconds())
	if err != nil {
		m.opErrors.WithLabelValues(op).Inc()
	}
}

var _ relay.Observer = (*Metrics)(nil)
