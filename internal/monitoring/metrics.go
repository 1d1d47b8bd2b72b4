package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	internalerrors "github.com/rcourtman/pulse-xen/internal/errors"
)

// PollMetrics manages Prometheus instrumentation for the synchronizer loops.
type PollMetrics struct {
	pollResults   *prometheus.CounterVec
	pollErrors    *prometheus.CounterVec
	pollDuration  *prometheus.HistogramVec
	lastSuccess   *prometheus.GaugeVec
	loopState     *prometheus.GaugeVec
	notifications *prometheus.CounterVec
	entities      *prometheus.GaugeVec
	ignoredVMs    prometheus.Counter
}

var (
	pollMetricsInstance *PollMetrics
	pollMetricsOnce     sync.Once
)

// GetPollMetrics returns the process-wide metrics registered on the default
// Prometheus registerer.
func GetPollMetrics() *PollMetrics {
	pollMetricsOnce.Do(func() {
		pollMetricsInstance = newPollMetrics(prometheus.DefaultRegisterer)
	})
	return pollMetricsInstance
}

func newPollMetrics(reg prometheus.Registerer) *PollMetrics {
	pm := &PollMetrics{
		pollResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pulse_xen",
				Name:      "poll_total",
				Help:      "Total loop ticks partitioned by result.",
			},
			[]string{"loop", "result"},
		),
		pollErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pulse_xen",
				Name:      "poll_errors_total",
				Help:      "Failed loop ticks grouped by error type.",
			},
			[]string{"loop", "error_type"},
		),
		pollDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "pulse_xen",
				Name:      "poll_duration_seconds",
				Help:      "Duration of one loop tick including fan-out.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"loop"},
		),
		lastSuccess: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "pulse_xen",
				Name:      "poll_last_success_timestamp",
				Help:      "Unix timestamp of the last successful tick.",
			},
			[]string{"loop"},
		),
		loopState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "pulse_xen",
				Name:      "loop_state",
				Help:      "Loop state: 0 idle, 1 running, 2 terminated.",
			},
			[]string{"loop"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pulse_xen",
				Name:      "notifications_total",
				Help:      "Subscriber invocations per loop.",
			},
			[]string{"loop"},
		),
		entities: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "pulse_xen",
				Name:      "entities",
				Help:      "Entities tracked by the registry.",
			},
			[]string{"kind"},
		),
		ignoredVMs: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pulse_xen",
				Name:      "ignored_vms_total",
				Help:      "VMs that appeared after bootstrap and are not tracked.",
			},
		),
	}

	reg.MustRegister(
		pm.pollResults,
		pm.pollErrors,
		pm.pollDuration,
		pm.lastSuccess,
		pm.loopState,
		pm.notifications,
		pm.entities,
		pm.ignoredVMs,
	)

	return pm
}

// RecordResult records the outcome of one tick.
func (pm *PollMetrics) RecordResult(loop LoopKind, err error, duration time.Duration, at time.Time) {
	if pm == nil {
		return
	}
	name := string(loop)
	pm.pollDuration.WithLabelValues(name).Observe(duration.Seconds())
	if err != nil {
		pm.pollResults.WithLabelValues(name, "error").Inc()
		pm.pollErrors.WithLabelValues(name, string(internalerrors.ErrorTypeOf(err))).Inc()
		return
	}
	pm.pollResults.WithLabelValues(name, "success").Inc()
	pm.lastSuccess.WithLabelValues(name).Set(float64(at.Unix()))
}

func (pm *PollMetrics) SetLoopState(loop LoopKind, state LoopState) {
	if pm == nil {
		return
	}
	pm.loopState.WithLabelValues(string(loop)).Set(float64(state))
}

func (pm *PollMetrics) AddNotifications(loop LoopKind, n int) {
	if pm == nil || n <= 0 {
		return
	}
	pm.notifications.WithLabelValues(string(loop)).Add(float64(n))
}

func (pm *PollMetrics) SetEntities(kind Kind, n int) {
	if pm == nil {
		return
	}
	pm.entities.WithLabelValues(kind.String()).Set(float64(n))
}

func (pm *PollMetrics) IncIgnoredVMs() {
	if pm == nil {
		return
	}
	pm.ignoredVMs.Inc()
}
