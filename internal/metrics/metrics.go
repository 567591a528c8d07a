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
	RecordSelection(tier string)
	RecordImportRows(accepted, rejected int)
	RecordPromoted(count int)
	RecordDispatch(transport string, ok bool, recipients int)
	RecordDispatchLatency(duration time.Duration)
	RecordCallback(status string)
	RecordSignup(districtsFound int)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	selections      *prometheus.CounterVec
	importRows      *prometheus.CounterVec
	promoted        prometheus.Counter
	dispatches      *prometheus.CounterVec
	recipients      prometheus.Counter
	dispatchLatency prometheus.Histogram
	callbacks       *prometheus.CounterVec
	signups         *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
}

var _ MetricsCollector = (*Collector)(nil)

// NewCollector はCollectorを生成し、指定されたレジストリに登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "civicmail_selections_total",
			Help: "ターゲティング層別のコンテンツ選択数",
		}, []string{"tier"}),
		importRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "civicmail_import_rows_total",
			Help: "インポート行数（result=accepted|rejected）",
		}, []string{"result"}),
		promoted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "civicmail_promoted_items_total",
			Help: "公開に昇格したコンテンツ数",
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "civicmail_dispatch_total",
			Help: "配信バッチの送出数",
		}, []string{"transport", "result"}),
		recipients: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "civicmail_dispatch_recipients_total",
			Help: "送出に成功したバッチの宛先数",
		}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "civicmail_dispatch_latency_seconds",
			Help:    "バッチ送出のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "civicmail_provider_callbacks_total",
			Help: "配信事業者から受け取った結果数",
		}, []string{"status"}),
		signups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "civicmail_signups_total",
			Help: "購読登録数（geo=resolved|unresolved）",
		}, []string{"geo"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "civicmail_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.selections,
		c.importRows,
		c.promoted,
		c.dispatches,
		c.recipients,
		c.dispatchLatency,
		c.callbacks,
		c.signups,
		c.httpStatus,
	)
	return c
}

// RecordSelection はターゲティングの選択結果を記録する。
func (c *Collector) RecordSelection(tier string) {
	c.selections.WithLabelValues(tier).Inc()
}

// RecordImportRows はインポートの受理行数と拒否行数を記録する。
func (c *Collector) RecordImportRows(accepted, rejected int) {
	c.importRows.WithLabelValues("accepted").Add(float64(accepted))
	c.importRows.WithLabelValues("rejected").Add(float64(rejected))
}

// RecordPromoted は昇格件数を記録する。
func (c *Collector) RecordPromoted(count int) {
	c.promoted.Add(float64(count))
}

// RecordDispatch はバッチ送出の結果を記録する。
func (c *Collector) RecordDispatch(transport string, ok bool, recipients int) {
	result := "success"
	if !ok {
		result = "failure"
	}
	c.dispatches.WithLabelValues(transport, result).Inc()
	if ok {
		c.recipients.Add(float64(recipients))
	}
}

// RecordDispatchLatency はバッチ送出のレイテンシを記録する。
func (c *Collector) RecordDispatchLatency(duration time.Duration) {
	c.dispatchLatency.Observe(duration.Seconds())
}

// RecordCallback は配信結果の受信を記録する。
func (c *Collector) RecordCallback(status string) {
	c.callbacks.WithLabelValues(status).Inc()
}

// RecordSignup は購読登録を記録する。
func (c *Collector) RecordSignup(districtsFound int) {
	geo := "resolved"
	if districtsFound == 0 {
		geo = "unresolved"
	}
	c.signups.WithLabelValues(geo).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
