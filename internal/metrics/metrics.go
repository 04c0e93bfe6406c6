package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PredictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sibyl_predictions_total",
		Help: "The total number of structure predictions completed",
	})

	PredictionDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "sibyl_prediction_duration_seconds",
		Help: "Duration of full predictions including recycling",
	})

	RecycleIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sibyl_recycle_iterations",
		Help:    "Number of recycling iterations per prediction",
		Buckets: []float64{0, 1, 2, 3, 4, 8, 16},
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sibyl_stage_duration_seconds",
		Help:    "Histogram of pipeline stage execution times",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	BlockDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sibyl_block_duration_seconds",
		Help:    "Histogram of trunk block execution times",
		Buckets: prometheus.DefBuckets,
	}, []string{"block"})

	HeadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sibyl_head_duration_seconds",
		Help:    "Histogram of prediction head execution times",
		Buckets: prometheus.DefBuckets,
	}, []string{"head"})

	TensorMemoryAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sibyl_tensor_memory_allocated_bytes",
		Help: "Current bytes held by live activation tensors",
	})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sibyl_numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sibyl_validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})

	SequenceLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sibyl_sequence_length_residues",
		Help:    "Distribution of target sequence lengths processed",
		Buckets: []float64{50, 100, 200, 400, 600, 1000, 1500, 2500},
	})

	MSADepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sibyl_msa_depth_rows",
		Help:    "Distribution of main MSA depths processed",
		Buckets: []float64{1, 32, 128, 252, 508, 1024, 5120},
	})

	TemplateCount = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sibyl_template_count",
		Help:    "Number of templates embedded per prediction",
		Buckets: []float64{0, 1, 2, 4},
	})

	SubbatchSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sibyl_subbatch_size",
		Help: "Chunk size currently applied to sub-batched evaluation",
	})

	SubbatchDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sibyl_subbatch_decisions_total",
		Help: "Sub-batch policy outcomes by extra MSA width",
	}, []string{"width", "decision"})

	FeatureCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sibyl_feature_cache_hits_total",
		Help: "Total number of preprocessed feature cache hits",
	})

	FeatureCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sibyl_feature_cache_misses_total",
		Help: "Total number of preprocessed feature cache misses",
	})

	ParamsLoadDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "sibyl_params_load_duration_seconds",
		Help: "Duration of checkpoint loading",
	})

	ParamsTensorsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sibyl_params_tensors_total",
		Help: "Number of parameter tensors in the loaded checkpoint",
	})
)

func RecordPrediction(residues, msaDepth int, duration time.Duration) {
	PredictionsTotal.Inc()
	PredictionDuration.Observe(duration.Seconds())
	SequenceLength.Observe(float64(residues))
	MSADepth.Observe(float64(msaDepth))
}

func RecordRecycleIterations(n int) {
	RecycleIterations.Observe(float64(n))
}

func RecordStageDuration(stage string, duration time.Duration) {
	StageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

func RecordBlockDuration(block string, duration time.Duration) {
	BlockDuration.WithLabelValues(block).Observe(duration.Seconds())
}

func RecordHeadDuration(head string, duration time.Duration) {
	HeadDuration.WithLabelValues(head).Observe(duration.Seconds())
}

func RecordTensorMemory(bytes int64) {
	TensorMemoryAllocated.Set(float64(bytes))
}

func RecordNumericalInstability(name string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(name, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(name, "inf").Add(float64(infCount))
	}
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordTemplates(n int) {
	TemplateCount.Observe(float64(n))
}

func RecordSubbatchDecision(width, size int, changed bool) {
	decision := "kept"
	if changed {
		decision = "disabled"
	}
	SubbatchDecisions.WithLabelValues(widthLabel(width), decision).Inc()
	SubbatchSize.Set(float64(size))
}

func RecordFeatureCache(hit bool) {
	if hit {
		FeatureCacheHits.Inc()
	} else {
		FeatureCacheMisses.Inc()
	}
}

func RecordParamsLoad(tensors int, duration time.Duration) {
	ParamsTensorsTotal.Set(float64(tensors))
	ParamsLoadDuration.Observe(duration.Seconds())
}

func widthLabel(width int) string {
	switch width {
	case 5120:
		return "5120"
	case 1024:
		return "1024"
	default:
		return "other"
	}
}
