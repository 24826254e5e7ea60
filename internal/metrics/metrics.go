// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/certforge/internal/artifact"
	"github.com/hitoshi/certforge/internal/issuance"
	"github.com/hitoshi/certforge/internal/model"
)

var (
	_ issuance.Recorder = (*Collector)(nil)
	_ artifact.Recorder = (*Collector)(nil)
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	verdicts       *prometheus.CounterVec
	issuance       *prometheus.CounterVec
	storageLatency *prometheus.HistogramVec
	grantsCreated  *prometheus.CounterVec
	grantFailures  *prometheus.CounterVec
	httpStatus     *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "certforge_eligibility_verdict_total",
			Help: "修了判定の結果別の件数",
		}, []string{"verdict"}),
		issuance: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "certforge_issuance_total",
			Help: "修了証発行の結果別の件数",
		}, []string{"status"}),
		storageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "certforge_storage_latency_seconds",
			Help:    "オブジェクトストア操作のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"op", "result"}),
		grantsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "certforge_grant_created_total",
			Help: "発行した署名付きURLの名前空間別の件数",
		}, []string{"namespace"}),
		grantFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "certforge_grant_fetch_failure_total",
			Help: "署名付きURL経由の取得失敗の理由別の件数",
		}, []string{"reason"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "certforge_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.verdicts,
		c.issuance,
		c.storageLatency,
		c.grantsCreated,
		c.grantFailures,
		c.httpStatus,
	)

	return c
}

// RecordVerdict は修了判定の結果を記録する。
func (c *Collector) RecordVerdict(verdict model.Verdict) {
	c.verdicts.WithLabelValues(string(verdict)).Inc()
}

// RecordIssuance は発行結果を記録する。
func (c *Collector) RecordIssuance(status model.IssueStatus) {
	c.issuance.WithLabelValues(string(status)).Inc()
}

// ObserveStorage はオブジェクトストア操作の所要時間を記録する。
func (c *Collector) ObserveStorage(op string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.storageLatency.WithLabelValues(op, result).Observe(d.Seconds())
}

// RecordGrantCreated は署名付きURLの発行を記録する。
func (c *Collector) RecordGrantCreated(namespace string) {
	c.grantsCreated.WithLabelValues(namespace).Inc()
}

// RecordGrantFetchFailure は署名付きURL経由の取得失敗を記録する。
func (c *Collector) RecordGrantFetchFailure(reason string) {
	c.grantFailures.WithLabelValues(reason).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
