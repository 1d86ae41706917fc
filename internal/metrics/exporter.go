// Package metrics exposes registry state to external monitoring collectors
// in the Prometheus text exposition format. The Exporter is a read-only view:
// it collects from a registry snapshot on every scrape and never mutates
// server state.
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"

	"cdnctl/internal/registry"
)

var (
	healthDesc = prometheus.NewDesc(
		"cdn_server_health",
		"Current health score of the server, 0-100.",
		[]string{"server_id"}, nil,
	)
	requestsDesc = prometheus.NewDesc(
		"cdn_server_requests",
		"Total requests served by the server.",
		[]string{"server_id"}, nil,
	)
	errorsDesc = prometheus.NewDesc(
		"cdn_server_errors",
		"Total errors observed on the server.",
		[]string{"server_id"}, nil,
	)
)

// Exporter renders one health/requests/errors sample per registered server.
// It implements prometheus.Collector and owns its own prometheus registry so
// scrapes show exactly the control plane's metrics.
type Exporter struct {
	reg  *registry.Registry
	prom *prometheus.Registry

	// SelectionsTotal counts selection requests by outcome ("ok" or
	// "no_server"). Incremented by the API layer.
	SelectionsTotal *prometheus.CounterVec
}

// NewExporter creates an Exporter over reg.
func NewExporter(reg *registry.Registry) *Exporter {
	e := &Exporter{
		reg:  reg,
		prom: prometheus.NewRegistry(),
		SelectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cdn_select_requests_total",
			Help: "Total selection requests by outcome.",
		}, []string{"outcome"}),
	}
	e.prom.MustRegister(e, e.SelectionsTotal)
	return e
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- healthDesc
	ch <- requestsDesc
	ch <- errorsDesc
}

// Collect implements prometheus.Collector. Each scrape reads a fresh
// registry snapshot; a deregistered server simply stops appearing.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	for _, rec := range e.reg.List() {
		ch <- prometheus.MustNewConstMetric(healthDesc, prometheus.GaugeValue, rec.HealthScore, rec.ID)
		ch <- prometheus.MustNewConstMetric(requestsDesc, prometheus.GaugeValue, float64(rec.TotalRequests), rec.ID)
		ch <- prometheus.MustNewConstMetric(errorsDesc, prometheus.GaugeValue, float64(rec.ErrorCount), rec.ID)
	}
}

// Handler returns the HTTP scrape handler for the exporter's registry.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.prom, promhttp.HandlerOpts{})
}

// Export renders the current metrics as Prometheus text exposition. An empty
// registry with no recorded selections yields an empty string.
func (e *Exporter) Export() (string, error) {
	fams, err := e.prom.Gather()
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	enc := expfmt.NewEncoder(&sb, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, fam := range fams {
		if err := enc.Encode(fam); err != nil {
			return "", err
		}
	}
	return sb.String(), nil
}
