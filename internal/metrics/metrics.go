// Package metrics exposes Prometheus instruments for the messaging core.
// All methods are safe on a nil *Metrics so components can run unmetered.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "parley"

// Resolution outcomes.
const (
	OutcomeExisting = "existing"
	OutcomeCreated  = "created"
	OutcomeRace     = "race"
	OutcomeFailed   = "failed"
)

// Poll results.
const (
	PollMessages = "messages"
	PollEmpty    = "empty"
	PollError    = "error"
)

// Metrics holds the instruments and the registry they are registered on.
type Metrics struct {
	Registry *prometheus.Registry

	resolutions         *prometheus.CounterVec
	messagesAppended    prometheus.Counter
	appendFailures      *prometheus.CounterVec
	pollFetches         *prometheus.CounterVec
	messagesMerged      prometheus.Counter
	activeSubscriptions prometheus.Gauge
	messagesMarkedRead  prometheus.Counter
	transitions         *prometheus.CounterVec
	rateLimited         prometheus.Counter
}

// New creates instruments on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "thread_resolutions_total",
			Help:      "Thread resolutions by outcome.",
		}, []string{"outcome"}),
		messagesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_appended_total",
			Help:      "Messages stored.",
		}),
		appendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "append_failures_total",
			Help:      "Failed appends by reason.",
		}, []string{"reason"}),
		pollFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_fetches_total",
			Help:      "Subscription fetches by result.",
		}, []string{"result"}),
		messagesMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_merged_total",
			Help:      "Messages merged into viewer transcripts.",
		}),
		activeSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_subscriptions",
			Help:      "Live poll subscriptions.",
		}),
		messagesMarkedRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_marked_read_total",
			Help:      "Messages flipped to read.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "support_transitions_total",
			Help:      "Support session transitions by target status.",
		}, []string{"to"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the send rate limiter.",
		}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.resolutions,
		m.messagesAppended,
		m.appendFailures,
		m.pollFetches,
		m.messagesMerged,
		m.activeSubscriptions,
		m.messagesMarkedRead,
		m.transitions,
		m.rateLimited,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveResolution(outcome string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveAppend() {
	if m == nil {
		return
	}
	m.messagesAppended.Inc()
}

func (m *Metrics) ObserveAppendFailure(reason string) {
	if m == nil {
		return
	}
	m.appendFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObservePoll(result string, merged int) {
	if m == nil {
		return
	}
	m.pollFetches.WithLabelValues(result).Inc()
	if merged > 0 {
		m.messagesMerged.Add(float64(merged))
	}
}

func (m *Metrics) SubscriptionOpened() {
	if m == nil {
		return
	}
	m.activeSubscriptions.Inc()
}

func (m *Metrics) SubscriptionClosed() {
	if m == nil {
		return
	}
	m.activeSubscriptions.Dec()
}

func (m *Metrics) ObserveMarkedRead(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.messagesMarkedRead.Add(float64(n))
}

func (m *Metrics) ObserveTransition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

func (m *Metrics) ObserveRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}
