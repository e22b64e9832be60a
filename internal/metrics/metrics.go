// ============================================================================
// annosync Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集匯入過程的指標，並透過 /metrics 端點暴露
//
// 指標分類:
//
//   1. 檔案計數器 (Counter)：
//      - annosync_files_parsed_total: 解析出的檔案數
//      - annosync_files_imported_total: 匯入成功的檔案數
//      - annosync_files_failed_total: 上傳失敗的檔案數
//      - annosync_files_skipped_total: 略過的檔案數（無標註或遠端不存在）
//
//   2. Schema 變更計數器 (Counter)：
//      - annosync_classes_created_total / annosync_classes_attached_total
//      - annosync_properties_created_total / annosync_properties_updated_total
//
//   3. 性能指標：
//      - annosync_upload_latency_seconds (Histogram): 單檔上傳延遲
//      - annosync_last_run_duration_seconds (Gauge): 最近一次匯入耗時
//
// Prometheus 查詢示例:
//
//   # 95 分位上傳延遲
//   histogram_quantile(0.95, annosync_upload_latency_seconds_bucket)
//
//   # 失敗率
//   annosync_files_failed_total / (annosync_files_imported_total + annosync_files_failed_total)
//
// HTTP 端點:
//   默認端口: 9090，路徑 /metrics
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var log = slog.Default()

// Collector Prometheus 指標收集器
type Collector struct {
	// 檔案相關指標
	filesParsed   prometheus.Counter
	filesImported prometheus.Counter
	filesFailed   prometheus.Counter
	filesSkipped  prometheus.Counter

	// schema 變更
	classesCreated    prometheus.Counter
	classesAttached   prometheus.Counter
	propertiesCreated prometheus.Counter
	propertiesUpdated prometheus.Counter

	// 效能指標
	uploadLatency   prometheus.Histogram
	lastRunDuration prometheus.Gauge
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "annosync",
		Name:      name,
		Help:      help,
	})
}

// NewCollector 創建新的指標收集器並註冊到 reg，reg 為 nil 時使用預設註冊器
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		filesParsed:       counter("files_parsed_total", "Total number of annotation files parsed"),
		filesImported:     counter("files_imported_total", "Total number of annotation files imported"),
		filesFailed:       counter("files_failed_total", "Total number of annotation files whose upload failed"),
		filesSkipped:      counter("files_skipped_total", "Total number of annotation files skipped"),
		classesCreated:    counter("classes_created_total", "Total number of classes created in the team"),
		classesAttached:   counter("classes_attached_total", "Total number of team classes added to a dataset"),
		propertiesCreated: counter("properties_created_total", "Total number of team properties created"),
		propertiesUpdated: counter("properties_updated_total", "Total number of team properties updated"),
		uploadLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "annosync",
			Name:      "upload_latency_seconds",
			Help:      "Annotation upload latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		lastRunDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "annosync",
			Name:      "last_run_duration_seconds",
			Help:      "Duration of the most recent import run in seconds",
		}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.filesParsed,
		c.filesImported,
		c.filesFailed,
		c.filesSkipped,
		c.classesCreated,
		c.classesAttached,
		c.propertiesCreated,
		c.propertiesUpdated,
		c.uploadLatency,
		c.lastRunDuration,
	)
	return c
}

// RecordParsed 記錄解析出的檔案數
func (c *Collector) RecordParsed(n int) {
	c.filesParsed.Add(float64(n))
}

// RecordImported 記錄匯入成功
func (c *Collector) RecordImported(latency time.Duration) {
	c.filesImported.Inc()
	c.uploadLatency.Observe(latency.Seconds())
}

// RecordFailed 記錄上傳失敗
func (c *Collector) RecordFailed(latency time.Duration) {
	c.filesFailed.Inc()
	c.uploadLatency.Observe(latency.Seconds())
}

// RecordSkipped 記錄略過的檔案
func (c *Collector) RecordSkipped() {
	c.filesSkipped.Inc()
}

// RecordClasses 記錄類別變更
func (c *Collector) RecordClasses(created, attached int) {
	c.classesCreated.Add(float64(created))
	c.classesAttached.Add(float64(attached))
}

// RecordProperties 記錄屬性變更
func (c *Collector) RecordProperties(created, updated int) {
	c.propertiesCreated.Add(float64(created))
	c.propertiesUpdated.Add(float64(updated))
}

// SetRunDuration 設置最近一次匯入耗時
func (c *Collector) SetRunDuration(d time.Duration) {
	c.lastRunDuration.Set(d.Seconds())
}

// Handler 返回 /metrics 的 HTTP handler，g 為 nil 時使用預設 gatherer
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器，ctx 取消時關閉
//
// 參數：
//   - port: HTTP 伺服器端口
//   - g: 指標來源
//
// 返回值：
//   - error: 啟動失敗的錯誤
func StartServer(ctx context.Context, port int, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("Metrics server listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
