// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ワーカーやサービス層から利用する。
type MetricsCollector interface {
	RecordScanScheduled(count int)
	RecordClaimed(count int)
	RecordDeliverySuccess()
	RecordDeliveryFailure()
	RecordDeliveryAttempt()
	RecordDeliveryLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	scanScheduled    prometheus.Counter
	claimed          prometheus.Counter
	deliverySuccess  prometheus.Counter
	deliveryFail     prometheus.Counter
	deliveryAttempts prometheus.Counter
	deliveryLatency  prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		scanScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "greetman_scan_scheduled_total",
			Help: "日次スキャンで登録されたメッセージの合計数",
		}),
		claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "greetman_messages_claimed_total",
			Help: "ディスパッチパスでクレームされたメッセージの合計数",
		}),
		deliverySuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "greetman_delivery_success_total",
			Help: "配送成功の合計数",
		}),
		deliveryFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "greetman_delivery_fail_total",
			Help: "試行上限到達による配送失敗の合計数",
		}),
		deliveryAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "greetman_delivery_attempts_total",
			Help: "配送試行の合計数（リトライを含む）",
		}),
		deliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "greetman_delivery_latency_seconds",
			Help:    "配送試行のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.scanScheduled,
		c.claimed,
		c.deliverySuccess,
		c.deliveryFail,
		c.deliveryAttempts,
		c.deliveryLatency,
	)

	return c
}

// RecordScanScheduled はスキャンで登録されたメッセージ数を記録する。
func (c *Collector) RecordScanScheduled(count int) {
	c.scanScheduled.Add(float64(count))
}

// RecordClaimed はクレームされたメッセージ数を記録する。
func (c *Collector) RecordClaimed(count int) {
	c.claimed.Add(float64(count))
}

// RecordDeliverySuccess は配送成功を記録する。
func (c *Collector) RecordDeliverySuccess() {
	c.deliverySuccess.Inc()
}

// RecordDeliveryFailure は配送失敗を記録する。
func (c *Collector) RecordDeliveryFailure() {
	c.deliveryFail.Inc()
}

// RecordDeliveryAttempt は配送試行を記録する。
func (c *Collector) RecordDeliveryAttempt() {
	c.deliveryAttempts.Inc()
}

// RecordDeliveryLatency は配送試行のレイテンシを記録する。
func (c *Collector) RecordDeliveryLatency(duration time.Duration) {
	c.deliveryLatency.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
