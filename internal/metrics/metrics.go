// Registers:
//
//	#depthwatch_parse_errors_total
//	#depthwatch_collector_reconnects_total
//	#depthwatch_events_applied_total
//	#depthwatch_worker_overruns_total / _errors_total
//	#depthwatch_order_anomalies_total
//	#depthwatch_volume_deviations_total / summary_deviations_total
//	#depthwatch_orderbooks_saved_total
//	#depthwatch_notifications_failed_total
//	#depthwatch_pairs_owned
//	#go_* and process_* system metrics
//
// The dashboard exposes them on /metrics.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"depthwatch/logger"
)

var (
	once     sync.Once
	registry = prometheus.NewRegistry()

	parseErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "depthwatch_parse_errors_total",
		Help: "Exchange frames dropped because they could not be parsed",
	}, []string{"exchange"})

	reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "depthwatch_collector_reconnects_total",
		Help: "Times a collector re-opened its exchange stream",
	}, []string{"pair"})

	eventsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "depthwatch_events_applied_total",
		Help: "Order book events applied by processors",
	}, []string{"pair", "type"})

	workerOverruns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "depthwatch_worker_overruns_total",
		Help: "Worker ticks that took longer than their interval",
	}, []string{"worker"})

	workerErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "depthwatch_worker_errors_total",
		Help: "Worker ticks that failed or panicked",
	}, []string{"worker"})

	orderAnomalies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "depthwatch_order_anomalies_total",
		Help: "Order anomalies by lifecycle stage",
	}, []string{"pair", "side", "stage"})

	volumeDeviations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "depthwatch_volume_deviations_total",
		Help: "Volume deviations notified",
	}, []string{"pair"})

	summaryDeviations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "depthwatch_summary_deviations_total",
		Help: "Anomaly summary deviations notified",
	}, []string{"pair"})

	orderBooksSaved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "depthwatch_orderbooks_saved_total",
		Help: "Grouped order book snapshots persisted",
	}, []string{"pair"})

	notificationsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "depthwatch_notifications_failed_total",
		Help: "Notification sink deliveries that failed",
	}, []string{"sink"})

	pairsOwned = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "depthwatch_pairs_owned",
		Help: "Pairs currently processed by this instance",
	})
)

// Init registers every collector once.
func Init() {
	once.Do(func() {
		registry.MustRegister(
			parseErrors, reconnects, eventsApplied, workerOverruns, workerErrors,
			orderAnomalies, volumeDeviations, summaryDeviations, orderBooksSaved,
			notificationsFailed, pairsOwned,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests and the dashboard.
func Gatherer() prometheus.Gatherer {
	return registry
}

func IncParseError(exchange string) {
	parseErrors.WithLabelValues(exchange).Inc()
	logger.IncrementCounter("parse_errors", 1)
}

func IncReconnect(pair string) {
	reconnects.WithLabelValues(pair).Inc()
	logger.IncrementCounter("collector_reconnects", 1)
}

func IncEventApplied(pair, eventType string) {
	eventsApplied.WithLabelValues(pair, eventType).Inc()
	logger.IncrementCounter("events_applied", 1)
}

func IncWorkerOverrun(worker string) {
	workerOverruns.WithLabelValues(worker).Inc()
	logger.IncrementCounter("worker_overruns", 1)
}

func IncWorkerError(worker string) {
	workerErrors.WithLabelValues(worker).Inc()
	logger.IncrementCounter("worker_errors", 1)
}

// AddOrderAnomalies counts anomalies entering a stage: detected, observing,
// confirmed, rejected, cancelled or realized.
func AddOrderAnomalies(pair, side, stage string, n int) {
	if n <= 0 {
		return
	}
	orderAnomalies.WithLabelValues(pair, side, stage).Add(float64(n))
	logger.IncrementCounter("anomalies_"+stage, int64(n))
}

func IncVolumeDeviation(pair string) {
	volumeDeviations.WithLabelValues(pair).Inc()
	logger.IncrementCounter("volume_deviations", 1)
}

func IncSummaryDeviation(pair string) {
	summaryDeviations.WithLabelValues(pair).Inc()
	logger.IncrementCounter("summary_deviations", 1)
}

func IncOrderBookSaved(pair string) {
	orderBooksSaved.WithLabelValues(pair).Inc()
	logger.IncrementCounter("orderbooks_saved", 1)
}

func IncNotificationFailed(sink string) {
	notificationsFailed.WithLabelValues(sink).Inc()
	logger.IncrementCounter("notifications_failed", 1)
}

func SetPairsOwned(n int) {
	pairsOwned.Set(float64(n))
}
