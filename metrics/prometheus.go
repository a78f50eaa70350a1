package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

type PrometheusConfig struct {
	Namespace       string            `yaml:"namespace" json:"namespace"`
	Subsystem       string            `yaml:"subsystem" json:"subsystem"`
	Labels          map[string]string `yaml:"labels" json:"labels"`
	EnableGoMetrics bool              `yaml:"enable_go_metrics" json:"enable_go_metrics"`
}

type PrometheusMetrics struct {
	logger     types.Logger
	config     *PrometheusConfig
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	mu         sync.RWMutex
	running    int32
}

func NewPrometheusMetrics(logger types.Logger) (types.MetricsManager, error) {
	promConfig := &PrometheusConfig{
		Namespace:       "sai_cache",
		Labels:          make(map[string]string),
		EnableGoMetrics: false,
	}

	registry := prometheus.NewRegistry()
	if promConfig.EnableGoMetrics {
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	metrics := &PrometheusMetrics{
		logger:     logger,
		config:     promConfig,
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}

	logger.Debug("Prometheus metrics initialized",
		zap.String("namespace", promConfig.Namespace),
		zap.Bool("go_metrics", promConfig.EnableGoMetrics))

	return metrics, nil
}

func (p *PrometheusMetrics) Start() error {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return types.ErrAlreadyRunning
	}
	return nil
}

func (p *PrometheusMetrics) Stop() error {
	if !atomic.CompareAndSwapInt32(&p.running, 1, 0) {
		return types.ErrNotRunning
	}

	p.mu.Lock()
	p.counters = make(map[string]*prometheus.CounterVec)
	p.gauges = make(map[string]*prometheus.GaugeVec)
	p.histograms = make(map[string]*prometheus.HistogramVec)
	p.mu.Unlock()

	return nil
}

func (p *PrometheusMetrics) IsRunning() bool {
	return atomic.LoadInt32(&p.running) == 1
}

func (p *PrometheusMetrics) Counter(name string, labels map[string]string) types.Counter {
	key := p.buildKey(name)

	p.mu.Lock()
	vec, exists := p.counters[key]
	if !exists {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.config.Namespace,
			Subsystem: p.config.Subsystem,
			Name:      name,
		}, labelNames(labels))
		p.registry.MustRegister(vec)
		p.counters[key] = vec
	}
	p.mu.Unlock()

	return &promCounter{counter: vec, labels: labels}
}

func (p *PrometheusMetrics) Gauge(name string, labels map[string]string) types.Gauge {
	key := p.buildKey(name)

	p.mu.Lock()
	vec, exists := p.gauges[key]
	if !exists {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.config.Namespace,
			Subsystem: p.config.Subsystem,
			Name:      name,
		}, labelNames(labels))
		p.registry.MustRegister(vec)
		p.gauges[key] = vec
	}
	p.mu.Unlock()

	return &promGauge{gauge: vec, labels: labels}
}

func (p *PrometheusMetrics) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	key := p.buildKey(name)

	p.mu.Lock()
	vec, exists := p.histograms[key]
	if !exists {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.config.Namespace,
			Subsystem: p.config.Subsystem,
			Name:      name,
			Buckets:   buckets,
		}, labelNames(labels))
		p.registry.MustRegister(vec)
		p.histograms[key] = vec
	}
	p.mu.Unlock()

	return &promHistogram{histogram: vec, labels: labels}
}

func (p *PrometheusMetrics) Handler() fasthttp.RequestHandler {
	promHandler := promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
	return fasthttpadaptor.NewFastHTTPHandler(promHandler)
}

func (p *PrometheusMetrics) GetMetrics() ([]byte, error) {
	gathering, err := p.registry.Gather()
	if err != nil {
		p.logger.Error("Failed to gather prometheus metrics", zap.Error(err))
		return nil, err
	}

	var metrics []metricValue
	for _, mf := range gathering {
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string)
			for _, label := range m.GetLabel() {
				labels[label.GetName()] = label.GetValue()
			}

			var value float64
			switch {
			case m.Counter != nil:
				value = m.Counter.GetValue()
			case m.Gauge != nil:
				value = m.Gauge.GetValue()
			case m.Histogram != nil:
				value = m.Histogram.GetSampleSum()
			}

			metrics = append(metrics, metricValue{
				Name:      mf.GetName(),
				Type:      strings.ToLower(mf.GetType().String()),
				Value:     value,
				Labels:    labels,
				Timestamp: time.Now(),
			})
		}
	}

	return utils.Marshal(metrics)
}

type metricValue struct {
	Name      string            `json:"name"`
	Type      string            `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
}

func (p *PrometheusMetrics) buildKey(name string) string {
	if p.config.Subsystem != "" {
		return fmt.Sprintf("%s_%s_%s", p.config.Namespace, p.config.Subsystem, name)
	}
	return fmt.Sprintf("%s_%s", p.config.Namespace, name)
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type promCounter struct {
	counter *prometheus.CounterVec
	labels  map[string]string
}

func (c *promCounter) Inc() {
	c.counter.With(c.labels).Inc()
}

func (c *promCounter) Add(value float64) {
	c.counter.With(c.labels).Add(value)
}

type promGauge struct {
	gauge  *prometheus.GaugeVec
	labels map[string]string
}

func (g *promGauge) Set(value float64) {
	g.gauge.With(g.labels).Set(value)
}

func (g *promGauge) Inc() {
	g.gauge.With(g.labels).Inc()
}

func (g *promGauge) Dec() {
	g.gauge.With(g.labels).Dec()
}

type promHistogram struct {
	histogram *prometheus.HistogramVec
	labels    map[string]string
}

func (h *promHistogram) Observe(value float64) {
	h.histogram.With(h.labels).Observe(value)
}

func (h *promHistogram) ObserveDuration(start time.Time) {
	h.histogram.With(h.labels).Observe(time.Since(start).Seconds())
}
