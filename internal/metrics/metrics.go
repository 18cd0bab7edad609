package metrics

import (
	"net/http"

	"wisefido-carelink/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 订阅、视图与聚合请求指标
// 同时实现 subscription.Recorder 与 aggregator.Recorder
type Metrics struct {
	ActiveFeeds            *prometheus.GaugeVec
	FeedFailuresTotal      *prometheus.CounterVec
	ViewUpdatesTotal       *prometheus.CounterVec
	OpenViews              prometheus.Gauge
	AggregateAttemptsTotal *prometheus.CounterVec
	AggregateDegradedTotal *prometheus.CounterVec
	ControlEventsTotal     *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New 在给定 registry 上注册全部指标
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveFeeds: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "carelink_active_feeds",
			Help: "Current number of open live data feeds",
		}, []string{"category"}),
		FeedFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carelink_feed_failures_total",
			Help: "Total number of feeds that failed to open or errored mid-stream",
		}, []string{"category"}),
		ViewUpdatesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carelink_view_updates_total",
			Help: "Total number of merged view snapshots produced",
		}, []string{"category"}),
		OpenViews: factory.NewGauge(prometheus.GaugeOpts{
			Name: "carelink_open_views",
			Help: "Current number of open merged views",
		}),
		AggregateAttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carelink_aggregate_attempts_total",
			Help: "Total number of aggregate schedule requests by outcome",
		}, []string{"outcome"}),
		AggregateDegradedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carelink_aggregate_degraded_total",
			Help: "Total number of aggregate schedule results served from local data",
		}, []string{"reason"}),
		ControlEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carelink_control_events_total",
			Help: "Total number of view control events consumed by type",
		}, []string{"type"}),
		gatherer: reg,
	}
}

func (m *Metrics) FeedOpened(category domain.Category) {
	m.ActiveFeeds.WithLabelValues(string(category)).Inc()
}

func (m *Metrics) FeedClosed(category domain.Category) {
	m.ActiveFeeds.WithLabelValues(string(category)).Dec()
}

func (m *Metrics) FeedFailed(category domain.Category) {
	m.FeedFailuresTotal.WithLabelValues(string(category)).Inc()
}

func (m *Metrics) ViewUpdated(category domain.Category) {
	m.ViewUpdatesTotal.WithLabelValues(string(category)).Inc()
}

func (m *Metrics) SetOpenViews(count int) {
	m.OpenViews.Set(float64(count))
}

func (m *Metrics) AggregateAttempt(outcome string) {
	m.AggregateAttemptsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AggregateDegraded(reason string) {
	m.AggregateDegradedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) ControlEvent(eventType string) {
	m.ControlEventsTotal.WithLabelValues(eventType).Inc()
}

// Handler /metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
