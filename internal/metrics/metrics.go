// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 結果ラベルの値。
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 認証サービス、ミドルウェア、ワーカーから利用する。
type MetricsCollector interface {
	RecordRegistration(outcome string)
	RecordLogin(method string, outcome string)
	RecordTokenVerification(outcome string)
	RecordOAuthCallback(provider string, outcome string)
	RecordPasswordHashLatency(duration time.Duration)
	RecordSessionsReaped(count int64)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	registrations  *prometheus.CounterVec
	logins         *prometheus.CounterVec
	verifications  *prometheus.CounterVec
	oauthCallbacks *prometheus.CounterVec
	hashLatency    prometheus.Histogram
	sessionsReaped prometheus.Counter
	httpStatus     *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cfpman_registrations_total",
			Help: "パスワード登録の試行数（結果別）",
		}, []string{"outcome"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cfpman_logins_total",
			Help: "ログイン試行数（方式・結果別）",
		}, []string{"method", "outcome"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cfpman_token_verifications_total",
			Help: "Bearerトークン検証の回数（結果別）",
		}, []string{"outcome"}),
		oauthCallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cfpman_oauth_callbacks_total",
			Help: "OAuthコールバック処理の回数（プロバイダー・結果別）",
		}, []string{"provider", "outcome"}),
		hashLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cfpman_password_hash_seconds",
			Help:    "パスワードハッシュ計算・検証の所要時間（秒）",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		sessionsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cfpman_sessions_reaped_total",
			Help: "期限切れで削除されたセッションの合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cfpman_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.registrations,
		c.logins,
		c.verifications,
		c.oauthCallbacks,
		c.hashLatency,
		c.sessionsReaped,
		c.httpStatus,
	)

	return c
}

// RecordRegistration は登録試行を記録する。
func (c *Collector) RecordRegistration(outcome string) {
	c.registrations.WithLabelValues(outcome).Inc()
}

// RecordLogin はログイン試行を記録する。methodは"password"またはプロバイダー名。
func (c *Collector) RecordLogin(method string, outcome string) {
	c.logins.WithLabelValues(method, outcome).Inc()
}

// RecordTokenVerification はトークン検証を記録する。
func (c *Collector) RecordTokenVerification(outcome string) {
	c.verifications.WithLabelValues(outcome).Inc()
}

// RecordOAuthCallback はOAuthコールバックの処理結果を記録する。
func (c *Collector) RecordOAuthCallback(provider string, outcome string) {
	c.oauthCallbacks.WithLabelValues(provider, outcome).Inc()
}

// RecordPasswordHashLatency はハッシュ計算の所要時間を記録する。
func (c *Collector) RecordPasswordHashLatency(duration time.Duration) {
	c.hashLatency.Observe(duration.Seconds())
}

// RecordSessionsReaped は削除した期限切れセッション数を記録する。
func (c *Collector) RecordSessionsReaped(count int64) {
	c.sessionsReaped.Add(float64(count))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// NopCollector は何も記録しないMetricsCollector。
type NopCollector struct{}

func (NopCollector) RecordRegistration(string)               {}
func (NopCollector) RecordLogin(string, string)              {}
func (NopCollector) RecordTokenVerification(string)          {}
func (NopCollector) RecordOAuthCallback(string, string)      {}
func (NopCollector) RecordPasswordHashLatency(time.Duration) {}
func (NopCollector) RecordSessionsReaped(int64)              {}
func (NopCollector) RecordHTTPStatus(int)                    {}

// Outcome はerrの有無を結果ラベルに変換する。
func Outcome(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
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

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = NopCollector{}
)
