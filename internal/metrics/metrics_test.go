package metrics

import (
	"testing"
	"time"
)

func TestCollectorsInitialized(t *testing.T) {
	if GeneratedTokensTotal == nil {
		t.Fatal("GeneratedTokensTotal not initialized")
	}
	if KVCacheCapacityBytes == nil {
		t.Fatal("KVCacheCapacityBytes not initialized")
	}
	if SequencesByState == nil {
		t.Fatal("SequencesByState not initialized")
	}
}

func TestRecordHelpers(t *testing.T) {
	// Should not panic
	RecordKVCacheStats(1<<20, 1024)
	ObservePrefill(time.Now())
	ObserveDecodeStep(time.Now())
	GeneratedTokensTotal.Inc()
	SequencesByState.WithLabelValues("completed").Inc()
	DequantBlockAccesses.WithLabelValues("q8").Inc()
}
