// Package metrics instruments the node with Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var log = logging.Logger("rm-metrics")

const namespace = "recordmesh"

// Event sources as reported in the events_total counter.
const (
	SourceNetwork  = "network"
	SourceOutbox   = "outbox"
	SourceOperator = "operator"
)

// Reasons a response never reached the wire.
const (
	DropPublishFailed = "publish_failed"
	DropEncodeFailed  = "encode_failed"
	DropOverflow      = "outbox_overflow"
)

// Metrics holds the node's collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	events             *prometheus.CounterVec
	decodeErrors       prometheus.Counter
	responsesPublished prometheus.Counter
	responsesDropped   *prometheus.CounterVec
	responsesDisplayed prometheus.Counter
	rateLimited        prometheus.Counter
	livePeers          prometheus.Gauge
	records            prometheus.Gauge
	outboxDepth        prometheus.Gauge
}

// New creates collectors registered on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events handled by the event loop, by source.",
		}, []string{"source"}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Inbound payloads dropped because they could not be decoded.",
		}),
		responsesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_published_total",
			Help:      "Responses handed to the messaging layer.",
		}),
		responsesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_dropped_total",
			Help:      "Responses that were never published, by reason.",
		}, []string{"reason"}),
		responsesDisplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_displayed_total",
			Help:      "Responses addressed to this node and shown to the operator.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_rate_limited_total",
			Help:      "Inbound requests dropped by the per-peer rate limiter.",
		}),
		livePeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_peers",
			Help:      "Peers currently connected.",
		}),
		records: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "records",
			Help:      "Records in the local store.",
		}),
		outboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_depth",
			Help:      "Responses waiting to be published.",
		}),
	}

	m.registry.MustRegister(
		m.events,
		m.decodeErrors,
		m.responsesPublished,
		m.responsesDropped,
		m.responsesDisplayed,
		m.rateLimited,
		m.livePeers,
		m.records,
		m.outboxDepth,
	)
	return m
}

// Registry exposes the underlying registry for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Event counts one event serviced from source.
func (m *Metrics) Event(source string) {
	if m != nil {
		m.events.WithLabelValues(source).Inc()
	}
}

// DecodeError counts an inbound payload that could not be decoded.
func (m *Metrics) DecodeError() {
	if m != nil {
		m.decodeErrors.Inc()
	}
}

// ResponsePublished counts a response sent on the topic.
func (m *Metrics) ResponsePublished() {
	if m != nil {
		m.responsesPublished.Inc()
	}
}

// ResponseDropped counts a response discarded for reason.
func (m *Metrics) ResponseDropped(reason string) {
	if m != nil {
		m.responsesDropped.WithLabelValues(reason).Inc()
	}
}

// ResponseDisplayed counts a response shown to the operator.
func (m *Metrics) ResponseDisplayed() {
	if m != nil {
		m.responsesDisplayed.Inc()
	}
}

// RateLimited counts a request refused by the per-peer limit.
func (m *Metrics) RateLimited() {
	if m != nil {
		m.rateLimited.Inc()
	}
}

// SetLivePeers records the number of connected peers.
func (m *Metrics) SetLivePeers(n int) {
	if m != nil {
		m.livePeers.Set(float64(n))
	}
}

// SetRecords records the size of the local store.
func (m *Metrics) SetRecords(n int) {
	if m != nil {
		m.records.Set(float64(n))
	}
}

// SetOutboxDepth records the number of queued responses.
func (m *Metrics) SetOutboxDepth(n int) {
	if m != nil {
		m.outboxDepth.Set(float64(n))
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Metrics available at http://%s/metrics", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
