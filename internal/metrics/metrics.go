package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GeneratedTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anvil_generated_tokens_total",
		Help: "The total number of tokens produced by the generation controller",
	})

	PrefillDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "anvil_prefill_duration_seconds",
		Help: "Duration of prompt prefill passes",
	})

	DecodeStepDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "anvil_decode_step_duration_seconds",
		Help: "Duration of single-token decode steps",
	})

	SequencesByState = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anvil_sequences_total",
		Help: "Sequences reaching a terminal state",
	}, []string{"state"})

	NonFiniteLogits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anvil_non_finite_logits_total",
		Help: "Total count of forward passes producing NaN/Inf logits",
	})

	CheckpointTensorsNormalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anvil_checkpoint_tensors_normalized_total",
		Help: "Tensors translated into canonical layout",
	})

	CheckpointLoadErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anvil_checkpoint_load_errors_total",
		Help: "Checkpoint normalization failures",
	}, []string{"kind"})

	KVCacheCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "anvil_kv_cache_capacity_bytes",
		Help: "Total capacity of the KV cache in bytes",
	})

	KVCacheUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "anvil_kv_cache_used_bytes",
		Help: "Current bytes holding valid KV entries",
	})

	KVCacheAppends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anvil_kv_cache_appends_total",
		Help: "Total number of KV cache append operations",
	})

	KVCacheResizes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anvil_kv_cache_resizes_total",
		Help: "Total number of grow-only KV cache resizes",
	})

	KVCacheOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anvil_kv_cache_overflows_total",
		Help: "Appends rejected because a slot was at capacity",
	})

	DequantBlockAccesses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anvil_dequant_block_accesses_total",
		Help: "Per-scheme quantized block dequantization accesses",
	}, []string{"scheme"})
)

// RecordKVCacheStats updates the capacity and used gauges together.
func RecordKVCacheStats(capacityBytes, usedBytes int64) {
	KVCacheCapacityBytes.Set(float64(capacityBytes))
	KVCacheUsedBytes.Set(float64(usedBytes))
}

// ObservePrefill records the duration of a full prompt prefill.
func ObservePrefill(start time.Time) {
	PrefillDuration.Observe(time.Since(start).Seconds())
}

// ObserveDecodeStep records the duration of one decode step.
func ObserveDecodeStep(start time.Time) {
	DecodeStepDuration.Observe(time.Since(start).Seconds())
}
