package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/julienar/ixcharged/internal/charger"
	"github.com/julienar/ixcharged/internal/ixapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "ixcharged"

// Device is what the collector needs from the charger service
type Device interface {
	SerialNumber() string
	Points() []charger.Readable
	Subscribe(fn func())
}

// Collector records poll/write outcomes and exports point values. It
// implements charger.Recorder.
type Collector struct {
	registry *prometheus.Registry

	pollDuration      prometheus.Histogram
	polls             *prometheus.CounterVec
	writes            *prometheus.CounterVec
	lastRefresh       prometheus.Gauge
	connectionFailure prometheus.Gauge
	pointValue        *prometheus.GaugeVec
	pointAvailable    *prometheus.GaugeVec
}

// NewCollector creates the collectors on a private registry
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Duration of full property refreshes",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Full property refreshes by result",
		}, []string{"result"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "Property writes by key and result",
		}, []string{"key", "result"}),
		lastRefresh: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_refresh_timestamp_seconds",
			Help:      "Unix timestamp of the last successful refresh",
		}),
		connectionFailure: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_failure",
			Help:      "1 if the last refresh failed, 0 otherwise",
		}),
		pointValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "point_value",
			Help:      "Current value of numeric and boolean points",
		}, []string{"serial", "point"}),
		pointAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "point_available",
			Help:      "1 if the point currently has a value",
		}, []string{"serial", "point"}),
	}

	c.registry.MustRegister(
		c.pollDuration,
		c.polls,
		c.writes,
		c.lastRefresh,
		c.connectionFailure,
		c.pointValue,
		c.pointAvailable,
	)
	return c
}

// Registry returns the registry the collectors are registered on
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// ObservePoll implements charger.Recorder
func (c *Collector) ObservePoll(d time.Duration, err error) {
	c.pollDuration.Observe(d.Seconds())
	c.polls.WithLabelValues(result(err)).Inc()
	if err != nil {
		c.connectionFailure.Set(1)
		return
	}
	c.connectionFailure.Set(0)
	c.lastRefresh.SetToCurrentTime()
}

// ObserveWrite implements charger.Recorder
func (c *Collector) ObserveWrite(key ixapi.PropertyKey, err error) {
	c.writes.WithLabelValues(string(key), result(err)).Inc()
}

// Track exports the device's points and keeps them current
func (c *Collector) Track(device Device) {
	device.Subscribe(func() { c.UpdatePoints(device) })
	c.UpdatePoints(device)
}

// UpdatePoints refreshes the point gauges from the device
func (c *Collector) UpdatePoints(device Device) {
	serial := device.SerialNumber()
	for _, p := range device.Points() {
		v, ok := p.Read()
		if !ok {
			c.pointAvailable.WithLabelValues(serial, p.ID()).Set(0)
			c.pointValue.DeleteLabelValues(serial, p.ID())
			continue
		}
		c.pointAvailable.WithLabelValues(serial, p.ID()).Set(1)
		if f, ok := numeric(v); ok {
			c.pointValue.WithLabelValues(serial, p.ID()).Set(f)
		}
	}
}

// numeric maps point values onto gauge values; free text has none
func numeric(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		switch t {
		case "enabled":
			return 1, true
		case "disabled":
			return 0, true
		}
	}
	return 0, false
}

// Handler serves the registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled
func (c *Collector) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting metrics server", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
