// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 同期エンジンとハンドシェイクサービスから利用する。
type MetricsCollector interface {
	RecordSyncSuccess(actorID string)
	RecordSyncFailure(actorID string, reason string)
	RecordParseFailure(parserSlug string)
	RecordItemsInserted(count int)
	RecordItemsUpdated(count int)
	RecordFetchLatency(duration time.Duration)
	RecordFriendRequest()
	RecordFriendAccept()
	RecordHandshakeRejection(code string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	syncSuccess        prometheus.Counter
	syncFail           prometheus.Counter
	parseFail          *prometheus.CounterVec
	itemsInserted      prometheus.Counter
	itemsUpdated       prometheus.Counter
	fetchLatency       prometheus.Histogram
	friendRequests     prometheus.Counter
	friendAccepts      prometheus.Counter
	handshakeRejection *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		syncSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tomodachi_sync_success_total",
			Help: "購読同期成功の合計数",
		}),
		syncFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tomodachi_sync_fail_total",
			Help: "購読同期失敗の合計数",
		}),
		parseFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tomodachi_parse_fail_total",
			Help: "フィードパース失敗の合計数",
		}, []string{"parser"}),
		itemsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tomodachi_items_inserted_total",
			Help: "新規挿入された投稿の合計数",
		}),
		itemsUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tomodachi_items_updated_total",
			Help: "更新された投稿の合計数",
		}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tomodachi_fetch_latency_seconds",
			Help:    "フィードフェッチのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		friendRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tomodachi_friend_requests_total",
			Help: "受信したフレンド申請の合計数",
		}),
		friendAccepts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tomodachi_friend_accepts_total",
			Help: "完了したフレンド承認の合計数",
		}),
		handshakeRejection: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tomodachi_handshake_rejections_total",
			Help: "拒否されたハンドシェイク呼び出しのエラーコード別合計数",
		}, []string{"code"}),
	}

	reg.MustRegister(
		c.syncSuccess,
		c.syncFail,
		c.parseFail,
		c.itemsInserted,
		c.itemsUpdated,
		c.fetchLatency,
		c.friendRequests,
		c.friendAccepts,
		c.handshakeRejection,
	)
	return c
}

// RecordSyncSuccess は購読同期の成功を記録する。
func (c *Collector) RecordSyncSuccess(actorID string) {
	c.syncSuccess.Inc()
}

// RecordSyncFailure は購読同期の失敗を記録する。
func (c *Collector) RecordSyncFailure(actorID string, reason string) {
	c.syncFail.Inc()
}

// RecordParseFailure はパース失敗をパーサースラッグ別に記録する。
func (c *Collector) RecordParseFailure(parserSlug string) {
	c.parseFail.WithLabelValues(parserSlug).Inc()
}

// RecordItemsInserted は新規挿入された投稿数を記録する。
func (c *Collector) RecordItemsInserted(count int) {
	c.itemsInserted.Add(float64(count))
}

// RecordItemsUpdated は更新された投稿数を記録する。
func (c *Collector) RecordItemsUpdated(count int) {
	c.itemsUpdated.Add(float64(count))
}

// RecordFetchLatency はフェッチのレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// RecordFriendRequest は受信したフレンド申請を記録する。
func (c *Collector) RecordFriendRequest() {
	c.friendRequests.Inc()
}

// RecordFriendAccept は完了したフレンド承認を記録する。
func (c *Collector) RecordFriendAccept() {
	c.friendAccepts.Inc()
}

// RecordHandshakeRejection は拒否されたハンドシェイク呼び出しを
// エラーコード別に記録する。
func (c *Collector) RecordHandshakeRejection(code string) {
	c.handshakeRejection.WithLabelValues(code).Inc()
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
