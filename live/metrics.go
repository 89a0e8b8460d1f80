package live

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters for one live socket. A nil `*Metrics` records nothing.
type Metrics struct {
	joinTotal                *prometheus.CounterVec
	patchTotal               *prometheus.CounterVec
	patchDuration            *prometheus.HistogramVec
	diffQueuedTotal          *prometheus.CounterVec
	reloadScheduledTotal     *prometheus.CounterVec
	componentsDestroyedTotal *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		joinTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "live_view_join_total",
			Help: "View joins by view name and result",
		}, []string{"view", "result"}),
		patchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "live_view_patch_total",
			Help: "Document patches by view name and result",
		}, []string{"view", "result"}),
		patchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "live_view_patch_duration_seconds",
			Help:    "Document patch duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{"view"}),
		diffQueuedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "live_view_diff_queued_total",
			Help: "Diffs queued behind a pending navigation",
		}, []string{"view"}),
		reloadScheduledTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "live_view_reload_scheduled_total",
			Help: "Page reloads scheduled after crashed joins",
		}, []string{"view", "failsafe"}),
		componentsDestroyedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "live_view_components_destroyed_total",
			Help: "Components pruned after the server acknowledged their removal",
		}, []string{"view"}),
	}
}

func (self *Metrics) join(viewName string, result string) {
	if self == nil {
		return
	}
	self.joinTotal.WithLabelValues(viewName, result).Inc()
}

func (self *Metrics) patch(viewName string, duration time.Duration, err error) {
	if self == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	self.patchTotal.WithLabelValues(viewName, result).Inc()
	self.patchDuration.WithLabelValues(viewName).Observe(duration.Seconds())
}

func (self *Metrics) diffQueued(viewName string) {
	if self == nil {
		return
	}
	self.diffQueuedTotal.WithLabelValues(viewName).Inc()
}

func (self *Metrics) reloadScheduled(viewName string, failsafe bool) {
	if self == nil {
		return
	}
	label := "false"
	if failsafe {
		label = "true"
	}
	self.reloadScheduledTotal.WithLabelValues(viewName, label).Inc()
}

func (self *Metrics) componentsDestroyed(viewName string, count int) {
	if self == nil {
		return
	}
	self.componentsDestroyedTotal.WithLabelValues(viewName).Add(float64(count))
}
