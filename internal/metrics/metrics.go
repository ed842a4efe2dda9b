package metrics

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var peakHeapBytes atomic.Int64

var (
	PromptTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipegen_prompt_tokens_total",
		Help: "Total number of prompt tokens processed",
	})

	GenerationTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipegen_generation_tokens_total",
		Help: "Total number of tokens generated",
	})

	GenerationStepDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "pipegen_generation_step_seconds",
		Help: "Duration of a single pipelined decode step",
	})

	DownloadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipegen_download_bytes_total",
		Help: "Total bytes fetched from the model hub",
	})

	DownloadFilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipegen_download_files_total",
		Help: "Files considered by the snapshot downloader",
	}, []string{"outcome"}) // fetched | cached

	DownloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipegen_download_duration_seconds",
		Help:    "Per-file download durations",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800},
	})

	CollectiveDuration = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Name: "pipegen_collective_duration_seconds",
		Help: "Time spent blocked in distributed collectives",
	}, []string{"op"}) // allsum | barrier | send | recv

	ShardParamsLocal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pipegen_shard_params_local",
		Help: "Parameter tensors retained after pipeline partitioning",
	})

	ShardFilesLocal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pipegen_shard_files_local",
		Help: "Weight files required by the local pipeline stage",
	})

	PeakHeapBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pipegen_peak_heap_bytes",
		Help: "High-water mark of heap in use during this run",
	})
)

// RecordDownload records a completed file fetch.
func RecordDownload(bytes int64, d time.Duration) {
	DownloadBytesTotal.Add(float64(bytes))
	DownloadFilesTotal.WithLabelValues("fetched").Inc()
	DownloadDuration.Observe(d.Seconds())
}

// RecordCacheHit records a file skipped because it was already on disk.
func RecordCacheHit() {
	DownloadFilesTotal.WithLabelValues("cached").Inc()
}

// RecordCollective records time spent blocked in a group operation.
func RecordCollective(op string, d time.Duration) {
	CollectiveDuration.WithLabelValues(op).Observe(d.Seconds())
}

// UpdatePeakHeap samples the heap and advances the high-water mark.
// Returns the current peak in bytes.
func UpdatePeakHeap() int64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	cur := int64(ms.HeapInuse)
	for {
		prev := peakHeapBytes.Load()
		if cur <= prev {
			return prev
		}
		if peakHeapBytes.CompareAndSwap(prev, cur) {
			PeakHeapBytes.Set(float64(cur))
			return cur
		}
	}
}

// PeakHeap returns the recorded high-water mark without sampling.
func PeakHeap() int64 {
	return peakHeapBytes.Load()
}
