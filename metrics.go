package inferz

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Window results.
const (
	windowOK          = "ok"
	windowSamplerFail = "sampler_error"
	windowCorrelation = "correlation_error"
	windowSkipped     = "skipped"
)

// Metrics holds the profiler's Prometheus metrics.
type Metrics struct {
	// Window metrics
	Windows             *prometheus.CounterVec
	CorrelationDuration prometheus.Histogram
	SafeMode            prometheus.Gauge

	// Sample and activation metrics
	SamplesCaptured         prometheus.Counter
	SamplesDropped          prometheus.Counter
	ActivationEventsDropped prometheus.Counter
	UnmatchedDeactivations  prometheus.Counter
	ActivationLogsReleased  prometheus.Counter

	// Span metrics
	SpansEmitted        prometheus.Counter
	CandidatesDiscarded *prometheus.CounterVec
	EmitErrors          prometheus.Counter
	AnchorsPurged       prometheus.Counter
}

// NewMetrics registers the metrics on reg. A nil reg creates metrics that
// are never exported.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Windows: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inferz_windows_total",
				Help: "Capture windows processed, by result",
			},
			[]string{"result"},
		),
		CorrelationDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "inferz_correlation_duration_seconds",
				Help:    "Time spent correlating one capture window",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
		),
		SafeMode: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "inferz_safe_mode",
				Help: "1 once inferred span generation is disabled after sampler faults",
			},
		),
		SamplesCaptured: f.NewCounter(
			prometheus.CounterOpts{
				Name: "inferz_samples_captured_total",
				Help: "Stack samples returned by the sampler",
			},
		),
		SamplesDropped: f.NewCounter(
			prometheus.CounterOpts{
				Name: "inferz_samples_dropped_total",
				Help: "Stack samples taken while no span was active on the thread",
			},
		),
		ActivationEventsDropped: f.NewCounter(
			prometheus.CounterOpts{
				Name: "inferz_activation_events_dropped_total",
				Help: "Activation events overwritten before being drained",
			},
		),
		UnmatchedDeactivations: f.NewCounter(
			prometheus.CounterOpts{
				Name: "inferz_unmatched_deactivations_total",
				Help: "Deactivations without a preceding activation",
			},
		),
		ActivationLogsReleased: f.NewCounter(
			prometheus.CounterOpts{
				Name: "inferz_activation_logs_released_total",
				Help: "Activation logs of idle goroutines released",
			},
		),
		SpansEmitted: f.NewCounter(
			prometheus.CounterOpts{
				Name: "inferz_spans_emitted_total",
				Help: "Inferred spans emitted",
			},
		),
		CandidatesDiscarded: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inferz_candidates_discarded_total",
				Help: "Inferred span candidates not emitted, by reason",
			},
			[]string{"reason"},
		),
		EmitErrors: f.NewCounter(
			prometheus.CounterOpts{
				Name: "inferz_emit_errors_total",
				Help: "Inferred spans dropped because emission failed",
			},
		),
		AnchorsPurged: f.NewCounter(
			prometheus.CounterOpts{
				Name: "inferz_anchors_purged_total",
				Help: "Clock anchors of ended spans removed",
			},
		),
	}
}

func (m *Metrics) observeCorrelation(r CorrelationResult) {
	m.SpansEmitted.Add(float64(r.Emitted))
	m.EmitErrors.Add(float64(r.EmitErrors))
	m.SamplesDropped.Add(float64(r.DroppedSamples))
	m.UnmatchedDeactivations.Add(float64(r.Orphaned))
	m.CandidatesDiscarded.WithLabelValues("min_duration").Add(float64(r.Discarded))
	m.CandidatesDiscarded.WithLabelValues("folded").Add(float64(r.Folded))
}
