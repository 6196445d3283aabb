// ============================================================================
// Warden Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集 worker process 與 master 的運行指標
//
// 指標分類:
//
//   1. Worker 指標 (每個 worker process 自己的 registry):
//      - warden_http_requests_total{service,kind,code}
//      - warden_http_request_duration_seconds{service,kind}
//      - warden_handler_failures_total{service,hook}
//      - warden_connections_active{service}
//      - warden_gateway_messages_total{service,direction}
//      - warden_jobs_processed_total{queue,result}
//      - warden_job_duration_seconds{queue}
//      - warden_watchdog_restarts_total{queue}
//      - warden_tasks_run_total{result}
//      - warden_hot_reloads_total
//
//   2. Master 指標:
//      - warden_worker_processes{service}
//      - warden_worker_restarts_total{service,reason}
//      - warden_reloads_total
//
// HTTP 端點:
//   worker: <runtime>/workers/<service>.<id>.sock 上的 /metrics
//   master: metrics.host:metrics.port 的 /metrics，合併所有 worker 的指標
//
// 所有 Record 方法在 nil Collector 上都是 no-op，方便測試。
//
// ============================================================================

package metrics

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "warden"

// Collector holds the metrics of one worker process.
type Collector struct {
	service string

	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	handlerFailures *prometheus.CounterVec
	connections     *prometheus.GaugeVec
	gatewayMessages *prometheus.CounterVec

	jobsProcessed    *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	watchdogRestarts *prometheus.CounterVec

	tasksRun   *prometheus.CounterVec
	hotReloads prometheus.Counter
}

// NewCollector 創建新的指標收集器並註冊到 reg
func NewCollector(reg prometheus.Registerer, service string) *Collector {
	c := &Collector{
		service: service,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served by the bridge",
		}, []string{"service", "kind", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request handling latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "kind"}),
		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_failures_total",
			Help:      "Application handler failures caught at the service boundary",
		}, []string{"service", "hook"}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Open client connections",
		}, []string{"service"}),
		gatewayMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_messages_total",
			Help:      "Gateway payloads by direction",
		}, []string{"service", "direction"}),
		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Queue jobs processed by result",
		}, []string{"queue", "result"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Queue job execution time in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"queue"}),
		watchdogRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_restarts_total",
			Help:      "Worker restarts forced by the queue watchdog",
		}, []string{"queue"}),
		tasksRun: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_run_total",
			Help:      "Scheduled tasks run by result",
		}, []string{"result"}),
		hotReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hot_reloads_total",
			Help:      "Reloads raised by the source watcher",
		}),
	}

	reg.MustRegister(
		c.httpRequests, c.httpDuration, c.handlerFailures, c.connections, c.gatewayMessages,
		c.jobsProcessed, c.jobDuration, c.watchdogRestarts, c.tasksRun, c.hotReloads,
	)
	return c
}

// RecordHTTP 記錄一次 HTTP 請求
func (c *Collector) RecordHTTP(kind string, code int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(c.service, kind, strconv.Itoa(code)).Inc()
	c.httpDuration.WithLabelValues(c.service, kind).Observe(d.Seconds())
}

// RecordHandlerFailure 記錄應用層 handler 失敗
func (c *Collector) RecordHandlerFailure(hook string) {
	if c == nil {
		return
	}
	c.handlerFailures.WithLabelValues(c.service, hook).Inc()
}

// SetConnections 設置目前連線數
func (c *Collector) SetConnections(n int) {
	if c == nil {
		return
	}
	c.connections.WithLabelValues(c.service).Set(float64(n))
}

// RecordGatewayMessage direction is "in" (client to business) or "out".
func (c *Collector) RecordGatewayMessage(direction string) {
	if c == nil {
		return
	}
	c.gatewayMessages.WithLabelValues(c.service, direction).Inc()
}

// RecordJob 記錄一個 job 的結果與耗時
func (c *Collector) RecordJob(queue, result string, d time.Duration) {
	if c == nil {
		return
	}
	c.jobsProcessed.WithLabelValues(queue, result).Inc()
	c.jobDuration.WithLabelValues(queue).Observe(d.Seconds())
}

// RecordWatchdogRestart 記錄看門狗強制重啟
func (c *Collector) RecordWatchdogRestart(queue string) {
	if c == nil {
		return
	}
	c.watchdogRestarts.WithLabelValues(queue).Inc()
}

// RecordTask 記錄排程任務結果
func (c *Collector) RecordTask(result string) {
	if c == nil {
		return
	}
	c.tasksRun.WithLabelValues(result).Inc()
}

// RecordHotReload 記錄熱更新觸發
func (c *Collector) RecordHotReload() {
	if c == nil {
		return
	}
	c.hotReloads.Inc()
}

// ============================================================================
// Master 指標
// ============================================================================

// SupervisorCollector holds the master's own metrics.
type SupervisorCollector struct {
	processes *prometheus.GaugeVec
	restarts  *prometheus.CounterVec
	reloads   prometheus.Counter
}

// NewSupervisorCollector registers the master metrics on reg.
func NewSupervisorCollector(reg prometheus.Registerer) *SupervisorCollector {
	c := &SupervisorCollector{
		processes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_processes",
			Help:      "Running worker processes per service",
		}, []string{"service"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_restarts_total",
			Help:      "Worker process respawns by reason",
		}, []string{"service", "reason"}),
		reloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reloads_total",
			Help:      "Reloads of all services",
		}),
	}
	reg.MustRegister(c.processes, c.restarts, c.reloads)
	return c
}

func (c *SupervisorCollector) SetProcesses(service string, n int) {
	if c == nil {
		return
	}
	c.processes.WithLabelValues(service).Set(float64(n))
}

func (c *SupervisorCollector) RecordRestart(service, reason string) {
	if c == nil {
		return
	}
	c.restarts.WithLabelValues(service, reason).Inc()
}

func (c *SupervisorCollector) RecordReload() {
	if c == nil {
		return
	}
	c.reloads.Inc()
}

// Handler serves g in the format the scraper asks for.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器
//
// 參數：
//   - ln: 已開啟的 listener（TCP 或 unix socket）
//   - mux: 額外的路由，nil 時只提供 /metrics
//   - g: 指標來源
//
// 返回值：
//   - *http.Server: 呼叫端負責 Close
func StartServer(ln net.Listener, mux *http.ServeMux, g prometheus.Gatherer) *http.Server {
	if mux == nil {
		mux = http.NewServeMux()
	}
	mux.Handle("/metrics", Handler(g))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			zap.L().Warn("metrics server stopped", zap.Error(err))
		}
	}()
	return srv
}
