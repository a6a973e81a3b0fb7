// Package metrics 以 Prometheus 指标的形式暴露迁移状态与批次统计
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/recordbridge/recordbridge/src/consts"
	"github.com/recordbridge/recordbridge/src/pipeline"
	"github.com/recordbridge/recordbridge/src/pkg/utils"
)

// Collector 迁移指标，实现 pipeline.Observer
type Collector struct {
	registry *prometheus.Registry

	transitions   *prometheus.CounterVec
	running       prometheus.Gauge
	records       *prometheus.CounterVec
	retries       *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
}

var _ pipeline.Observer = (*Collector)(nil)

// New 创建指标收集器，使用独立的 Registry
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: consts.AppName,
			Name:      "migration_status_transitions_total",
			Help:      "Number of migration status transitions by target status.",
		}, []string{"status"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: consts.AppName,
			Name:      "migrations_running",
			Help:      "Number of migrations currently extracting, transforming or loading.",
		}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: consts.AppName,
			Name:      "records_total",
			Help:      "Records processed per entity mapping step by outcome.",
		}, []string{"step", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: consts.AppName,
			Name:      "load_retries_total",
			Help:      "Load retry attempts per entity mapping step.",
		}, []string{"step"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: consts.AppName,
			Name:      "batch_duration_seconds",
			Help:      "Time spent transforming and loading one batch.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"step"}),
	}
	c.registry.MustRegister(
		c.transitions,
		c.running,
		c.records,
		c.retries,
		c.batchDuration,
		newTrafficCollector(),
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return c
}

// Registry 返回指标所在的 Registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler 返回 /metrics 的 HTTP 处理器
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) OnStatusChange(job *pipeline.MigrationJob, from pipeline.Status) {
	c.transitions.WithLabelValues(string(job.Status)).Inc()
	switch {
	case !from.IsRunning() && job.Status.IsRunning():
		c.running.Inc()
	case from.IsRunning() && !job.Status.IsRunning():
		c.running.Dec()
	}
}

func (c *Collector) OnBatch(job *pipeline.MigrationJob, stats pipeline.BatchStats) {
	c.records.WithLabelValues(stats.Step, "loaded").Add(float64(stats.Loaded))
	c.records.WithLabelValues(stats.Step, "invalid").Add(float64(stats.Invalid))
	c.records.WithLabelValues(stats.Step, "load_failed").Add(float64(stats.LoadFailed))
	c.records.WithLabelValues(stats.Step, "simulated").Add(float64(stats.Simulated))
	c.retries.WithLabelValues(stats.Step).Add(float64(stats.Retries))
	c.batchDuration.WithLabelValues(stats.Step).Observe(stats.Duration.Seconds())
}

// trafficCollector 读取 HTTP 连接器的流量计数
type trafficCollector struct {
	bytes *prometheus.Desc
}

func newTrafficCollector() *trafficCollector {
	return &trafficCollector{
		bytes: prometheus.NewDesc(
			prometheus.BuildFQName(consts.AppName, "connector", "bytes_total"),
			"Bytes transferred by HTTP connectors.",
			[]string{"connector", "direction"}, nil,
		),
	}
}

func (t *trafficCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- t.bytes
}

func (t *trafficCollector) Collect(ch chan<- prometheus.Metric) {
	for _, traffic := range utils.ConnCounterManager.Snapshot() {
		ch <- prometheus.MustNewConstMetric(t.bytes, prometheus.CounterValue, float64(traffic.ReadBytes), traffic.Key, "read")
		ch <- prometheus.MustNewConstMetric(t.bytes, prometheus.CounterValue, float64(traffic.WriteBytes), traffic.Key, "write")
	}
}
