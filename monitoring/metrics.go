// Package monitoring exposes Prometheus metrics for training jobs, HTTP
// traffic, and host resources.
package monitoring

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/edulab-ai/model-service/logger"
	"github.com/edulab-ai/model-service/nn"
)

// Collector registers and updates the service metrics. It implements
// training.MetricsSink.
type Collector struct {
	trainingStatus   *prometheus.GaugeVec
	trainingProgress *prometheus.GaugeVec
	trainingLoss     *prometheus.GaugeVec

	requestCount    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	cpuUsage prometheus.Gauge
	memUsage prometheus.Gauge

	registry *prometheus.Registry
}

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	c := &Collector{
		trainingStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "model_training_status",
			Help: "Training status code per owner and model type (0 idle, 1 training, 2 completed, 3 failed).",
		}, []string{"owner_id", "model_type"}),
		trainingProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "model_training_progress",
			Help: "Training progress percentage per owner and model type.",
		}, []string{"owner_id", "model_type"}),
		trainingLoss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "model_training_loss",
			Help: "Last observed training loss per owner and model type.",
		}, []string{"owner_id", "model_type"}),
		requestCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, path, and status.",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by method and path.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		cpuUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "system_cpu_usage_percent",
			Help: "Host CPU utilization percentage.",
		}),
		memUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "system_memory_usage_percent",
			Help: "Host memory utilization percentage.",
		}),
		registry: prometheus.NewRegistry(),
	}

	c.registry.MustRegister(
		c.trainingStatus, c.trainingProgress, c.trainingLoss,
		c.requestCount, c.requestDuration,
		c.cpuUsage, c.memUsage,
	)
	return c
}

// UpdateTraining records one training telemetry sample.
func (c *Collector) UpdateTraining(ownerID int64, family nn.Family, statusCode int, progress, loss float64) {
	labels := prometheus.Labels{
		"owner_id":   fmt.Sprintf("%d", ownerID),
		"model_type": string(family),
	}
	c.trainingStatus.With(labels).Set(float64(statusCode))
	c.trainingProgress.With(labels).Set(progress)
	c.trainingLoss.With(labels).Set(loss)
}

// Handler serves the /metrics endpoint from the collector's registry.
func (c *Collector) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
	return func(ctx *gin.Context) {
		h.ServeHTTP(ctx.Writer, ctx.Request)
	}
}

// Middleware instruments request counts and latency. Unmatched routes are
// bucketed together to keep label cardinality bounded.
func (c *Collector) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()

		path := ctx.FullPath()
		if path == "" {
			path = "unmatched"
		}
		c.requestCount.WithLabelValues(ctx.Request.Method, path, strconv.Itoa(ctx.Writer.Status())).Inc()
		c.requestDuration.WithLabelValues(ctx.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// CollectSystem polls host CPU and memory usage until stop is closed.
func (c *Collector) CollectSystem(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
				c.cpuUsage.Set(pcts[0])
			} else if err != nil {
				logger.Debugf("collect cpu usage: %v", err)
			}
			if vm, err := mem.VirtualMemory(); err == nil {
				c.memUsage.Set(vm.UsedPercent)
			} else {
				logger.Debugf("collect memory usage: %v", err)
			}
		}
	}
}
