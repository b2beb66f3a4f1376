// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層とワーカーから利用する。
type MetricsCollector interface {
	RecordTransition(entity, status string)
	RecordSweep(documentsExpired, signaturesExpired, failed int)
	RecordRetry(operation string)
	RecordReminders(count int)
	RecordDelivery(eventType string, latency time.Duration)
	RecordDeliveryFailure(eventType string, final bool)
	RecordEventsPurged(count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	transitions      *prometheus.CounterVec
	sweepRuns        prometheus.Counter
	sweepDocuments   prometheus.Counter
	sweepSignatures  prometheus.Counter
	sweepFailures    prometheus.Counter
	retries          *prometheus.CounterVec
	reminders        prometheus.Counter
	deliveries       *prometheus.CounterVec
	deliveryFailures *prometheus.CounterVec
	deliveryLatency  prometheus.Histogram
	eventsPurged     prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payflow_transitions_total",
			Help: "エンティティ・遷移先ステータス別の状態遷移数",
		}, []string{"entity", "status"}),
		sweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payflow_sweep_runs_total",
			Help: "期限切れスイープの実行回数",
		}),
		sweepDocuments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payflow_sweep_documents_expired_total",
			Help: "スイープで期限切れにした文書の合計数",
		}),
		sweepSignatures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payflow_sweep_signatures_expired_total",
			Help: "スイープで期限切れにした署名依頼の合計数",
		}),
		sweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payflow_sweep_failures_total",
			Help: "スイープで処理に失敗した文書の合計数",
		}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payflow_retries_total",
			Help: "一時的なエラーによる操作の再試行数",
		}, []string{"operation"}),
		reminders: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payflow_reminders_total",
			Help: "発行したリマインドの合計数",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payflow_event_deliveries_total",
			Help: "イベント種別ごとの通知配信成功数",
		}, []string{"event_type"}),
		deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payflow_event_delivery_failures_total",
			Help: "イベント種別ごとの通知配信失敗数（finalは再試行上限到達）",
		}, []string{"event_type", "final"}),
		deliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "payflow_event_delivery_latency_seconds",
			Help:    "通知配信のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		eventsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payflow_events_purged_total",
			Help: "クリーンアップで削除した配信済みイベントの合計数",
		}),
	}

	reg.MustRegister(
		c.transitions,
		c.sweepRuns,
		c.sweepDocuments,
		c.sweepSignatures,
		c.sweepFailures,
		c.retries,
		c.reminders,
		c.deliveries,
		c.deliveryFailures,
		c.deliveryLatency,
		c.eventsPurged,
	)

	return c
}

// RecordTransition は状態遷移を記録する。
func (c *Collector) RecordTransition(entity, status string) {
	c.transitions.WithLabelValues(entity, status).Inc()
}

// RecordSweep は1回のスイープの結果を記録する。
func (c *Collector) RecordSweep(documentsExpired, signaturesExpired, failed int) {
	c.sweepRuns.Inc()
	c.sweepDocuments.Add(float64(documentsExpired))
	c.sweepSignatures.Add(float64(signaturesExpired))
	c.sweepFailures.Add(float64(failed))
}

// RecordRetry は操作の再試行を記録する。
func (c *Collector) RecordRetry(operation string) {
	c.retries.WithLabelValues(operation).Inc()
}

// RecordReminders は発行したリマインド数を記録する。
func (c *Collector) RecordReminders(count int) {
	c.reminders.Add(float64(count))
}

// RecordDelivery は通知配信の成功を記録する。
func (c *Collector) RecordDelivery(eventType string, latency time.Duration) {
	c.deliveries.WithLabelValues(eventType).Inc()
	c.deliveryLatency.Observe(latency.Seconds())
}

// RecordDeliveryFailure は通知配信の失敗を記録する。
func (c *Collector) RecordDeliveryFailure(eventType string, final bool) {
	c.deliveryFailures.WithLabelValues(eventType, strconv.FormatBool(final)).Inc()
}

// RecordEventsPurged は削除した配信済みイベント数を記録する。
func (c *Collector) RecordEventsPurged(count int64) {
	c.eventsPurged.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
