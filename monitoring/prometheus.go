package monitoring

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusExporter republishes the monitor's current metric map as
// gauges on scrape, so Prometheus always sees the latest sample
// without a second polling loop.
type PrometheusExporter struct {
	monitor   *Monitor
	namespace string
}

func NewPrometheusExporter(monitor *Monitor, namespace string) *PrometheusExporter {
	if namespace == "" {
		namespace = "fablecast"
	}
	return &PrometheusExporter{monitor: monitor, namespace: namespace}
}

// Describe sends no descriptors, making this an unchecked collector:
// the metric set is only known at scrape time.
func (e *PrometheusExporter) Describe(chan<- *prometheus.Desc) {}

func (e *PrometheusExporter) Collect(ch chan<- prometheus.Metric) {
	for metric, value := range e.monitor.Current() {
		desc := prometheus.NewDesc(
			e.namespace+"_"+promName(metric),
			"Sampled gateway metric.",
			nil, nil,
		)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, value)
	}
}

// Handler returns the scrape endpoint backed by a dedicated registry.
func (e *PrometheusExporter) Handler() http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(e)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// promName maps dotted metric names onto the Prometheus charset.
func promName(metric string) string {
	var b strings.Builder
	b.Grow(len(metric))
	for _, r := range metric {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
