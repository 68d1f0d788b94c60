package pipeline

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeKeyed  = "keyed"
	outcomeAbsent = "absent"
	outcomeFault  = "fault"
)

var (
	pagesEvaluated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pageorder_pages_evaluated_total",
			Help: "Pages evaluated, by outcome",
		},
		[]string{"outcome"}, // outcome: keyed, absent, fault
	)

	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pageorder_runs_total",
			Help: "Pipeline runs, by terminal status",
		},
		[]string{"status"}, // status: completed, no_keys, failed
	)

	runDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pageorder_run_duration_seconds",
			Help:    "Wall time of completed pipeline runs",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	batchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pageorder_batch_duration_seconds",
			Help:    "Wall time of one batch, rasterization included",
			Buckets: prometheus.DefBuckets,
		},
	)

	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pageorder_record_cache_lookups_total",
			Help: "Record cache lookups, by result",
		},
		[]string{"result"}, // result: hit, miss, error
	)
)

// MemStats summarizes memory usage information.
type MemStats struct {
	AllocBytes uint64 `json:"alloc_bytes"`
	SysBytes   uint64 `json:"sys_bytes"`
	NumGC      uint32 `json:"num_gc"`
	Goroutines int    `json:"goroutines"`
}

// GetMemStats captures current memory statistics.
func GetMemStats() MemStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return MemStats{
		AllocBytes: m.Alloc,
		SysBytes:   m.Sys,
		NumGC:      m.NumGC,
		Goroutines: runtime.NumGoroutine(),
	}
}
