// Package metrics exposes delivery, throttle and queue measurements in the
// Prometheus text format.
//
// Series:
//   - fanout_deliveries_total{status}: terminal delivery outcomes
//   - fanout_flood_waits_total{identity}: remote-imposed cooldowns
//   - fanout_flood_wait_seconds: requested cooldown lengths
//   - fanout_throttle_wait_seconds: time spent waiting for a token
//   - fanout_deletions_total{result}: removal outcomes
//   - fanout_queue_depth{key}: pending items per queue key
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "fanout/pkg/logx"
)

// Collector owns a private registry so several instances can coexist in
// one process. It implements dispatch.Observer and queue.DepthObserver.
type Collector struct {
	reg *prometheus.Registry

	deliveries   *prometheus.CounterVec
	floodWaits   *prometheus.CounterVec
	floodSeconds prometheus.Histogram
	throttleWait prometheus.Histogram
	deletions    *prometheus.CounterVec
	queueDepth   *prometheus.GaugeVec
}

func NewCollector() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fanout_deliveries_total",
			Help: "Delivery outcomes by status",
		}, []string{"status"}),
		floodWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fanout_flood_waits_total",
			Help: "Flood waits reported by the transport, by sending identity",
		}, []string{"identity"}),
		floodSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fanout_flood_wait_seconds",
			Help:    "Cooldown requested by flood waits",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900, 3600},
		}),
		throttleWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fanout_throttle_wait_seconds",
			Help:    "Time spent waiting for a throttle token",
			Buckets: []float64{0, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 60},
		}),
		deletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fanout_deletions_total",
			Help: "Delivered message removals by result",
		}, []string{"result"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fanout_queue_depth",
			Help: "Pending items per delivery queue key",
		}, []string{"key"}),
	}
	c.reg.MustRegister(
		c.deliveries,
		c.floodWaits,
		c.floodSeconds,
		c.throttleWait,
		c.deletions,
		c.queueDepth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) ObserveDelivery(status string) {
	c.deliveries.WithLabelValues(status).Inc()
}

func (c *Collector) ObserveFloodWait(identity string, wait time.Duration) {
	c.floodWaits.WithLabelValues(identity).Inc()
	c.floodSeconds.Observe(wait.Seconds())
}

func (c *Collector) ObserveThrottleWait(wait time.Duration) {
	c.throttleWait.Observe(wait.Seconds())
}

func (c *Collector) ObserveDeletion(ok bool) {
	result := "failed"
	if ok {
		result = "deleted"
	}
	c.deletions.WithLabelValues(result).Inc()
}

// SetQueueDepth drops the series once a key drains so idle keys do not
// accumulate.
func (c *Collector) SetQueueDepth(key string, depth int) {
	if depth <= 0 {
		c.queueDepth.DeleteLabelValues(key)
		return
	}
	c.queueDepth.WithLabelValues(key).Set(float64(depth))
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Serve exposes /metrics on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string, log logx.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("metrics listening", logx.String("addr", addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
		return ctx.Err()
	}
}
