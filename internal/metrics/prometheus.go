package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "attitude"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	reg             *prom.Registry
	parseDuration   prom.Histogram
	parses          *prom.CounterVec
	pages           prom.Gauge
	compileDuration prom.Histogram
	compiles        *prom.CounterVec
	ticks           *prom.CounterVec
	coalesced       prom.Counter
	swaps           prom.Counter
}

// NewPrometheusRecorder constructs and registers the metrics on reg. A nil
// reg creates a private registry.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		reg: reg,
		parseDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "parse_duration_seconds",
			Help:      "Duration of full page tree parses",
			Buckets:   prom.DefBuckets,
		}),
		parses: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "parses_total",
			Help:      "Page tree parses by outcome",
		}, []string{"outcome"}),
		pages: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "pages",
			Help:      "Pages in the serving generation",
		}),
		compileDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "compile_duration_seconds",
			Help:      "Duration of bundler compiles",
			Buckets:   prom.DefBuckets,
		}),
		compiles: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "compiles_total",
			Help:      "Bundler compiles by outcome",
		}, []string{"outcome"}),
		ticks: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Aggregator ticks by class",
		}, []string{"class"}),
		coalesced: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "compile_requests_coalesced_total",
			Help:      "Compile requests folded into a scheduled compile",
		}),
		swaps: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "router_swaps_total",
			Help:      "Router generations swapped in",
		}),
	}
	reg.MustRegister(pr.parseDuration, pr.parses, pr.pages, pr.compileDuration, pr.compiles, pr.ticks, pr.coalesced, pr.swaps)
	return pr
}

// Registry returns the registry the metrics live in.
func (p *PrometheusRecorder) Registry() *prom.Registry { return p.reg }

func (p *PrometheusRecorder) ObserveParse(d time.Duration, pages int, err error) {
	p.parseDuration.Observe(d.Seconds())
	if err != nil {
		p.parses.WithLabelValues(string(OutcomeFailed)).Inc()
		return
	}
	p.parses.WithLabelValues(string(OutcomeSuccess)).Inc()
	p.pages.Set(float64(pages))
}

func (p *PrometheusRecorder) ObserveCompile(d time.Duration, outcome Outcome) {
	p.compileDuration.Observe(d.Seconds())
	p.compiles.WithLabelValues(string(outcome)).Inc()
}

func (p *PrometheusRecorder) IncTick(class TickClass) {
	p.ticks.WithLabelValues(string(class)).Inc()
}

func (p *PrometheusRecorder) IncCoalesced() { p.coalesced.Inc() }

func (p *PrometheusRecorder) IncSwap() { p.swaps.Inc() }

// HTTPHandler returns an http.Handler that serves the metrics of reg.
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
