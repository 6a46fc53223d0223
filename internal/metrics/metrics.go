// Package metrics exposes poll results as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tracyhatemice/mailbot/internal/scheduler"
)

// Reporter records poll results. It implements scheduler.Reporter.
type Reporter struct {
	registry *prometheus.Registry

	PollsTotal       *prometheus.CounterVec
	PollDuration     *prometheus.HistogramVec
	PollAttempts     *prometheus.HistogramVec
	MessagesFetched  *prometheus.CounterVec
	MessagesStored   *prometheus.CounterVec
	AlertsTotal      *prometheus.CounterVec
	LastSuccess      *prometheus.GaugeVec
	InstanceDegraded *prometheus.GaugeVec
}

// New registers the mailbot metrics on a fresh registry, together with the
// Go runtime and process collectors.
func New() *Reporter {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Reporter{
		registry: reg,

		PollsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailbot_polls_total",
				Help: "Total number of poll ticks by outcome",
			},
			[]string{"instance", "outcome"},
		),

		PollDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailbot_poll_duration_seconds",
				Help:    "Poll tick duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"instance"},
		),

		PollAttempts: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailbot_poll_attempts",
				Help:    "Attempts used by a poll tick",
				Buckets: prometheus.LinearBuckets(1, 1, 5),
			},
			[]string{"instance"},
		),

		MessagesFetched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailbot_messages_fetched_total",
				Help: "Total number of messages fetched from mailboxes",
			},
			[]string{"instance"},
		),

		MessagesStored: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailbot_messages_stored_total",
				Help: "Total number of new messages stored in the database",
			},
			[]string{"instance"},
		),

		AlertsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailbot_alerts_total",
				Help: "Total number of permanent failure alerts",
			},
			[]string{"instance"},
		),

		LastSuccess: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mailbot_last_success_timestamp_seconds",
				Help: "Unix time of the last successful poll",
			},
			[]string{"instance"},
		),

		InstanceDegraded: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mailbot_instance_degraded",
				Help: "1 while the instance skips polls after a permanent failure",
			},
			[]string{"instance"},
		),
	}
}

// Report implements scheduler.Reporter.
func (m *Reporter) Report(r scheduler.PollResult) {
	outcome := r.State.String()
	if r.ErrorKind != "" {
		outcome = r.ErrorKind
	}
	m.PollsTotal.WithLabelValues(r.Instance, outcome).Inc()

	if r.ErrorKind == scheduler.KindDegraded {
		return
	}
	m.PollDuration.WithLabelValues(r.Instance).Observe(r.Duration.Seconds())
	if r.Attempt > 0 {
		m.PollAttempts.WithLabelValues(r.Instance).Observe(float64(r.Attempt))
	}
	m.MessagesFetched.WithLabelValues(r.Instance).Add(float64(r.Fetched))
	m.MessagesStored.WithLabelValues(r.Instance).Add(float64(r.New))

	switch r.State {
	case scheduler.Success:
		m.LastSuccess.WithLabelValues(r.Instance).Set(float64(r.Started.Add(r.Duration).Unix()))
		m.InstanceDegraded.WithLabelValues(r.Instance).Set(0)
	case scheduler.PermanentFailure:
		m.InstanceDegraded.WithLabelValues(r.Instance).Set(1)
	}
}

// Alert implements scheduler.Reporter.
func (m *Reporter) Alert(instance string, _ error) {
	m.AlertsTotal.WithLabelValues(instance).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Reporter) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
