package monitoring

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/23skdu/longbow-pipegen/internal/metrics"
)

// Status is the payload served on the health endpoint.
type Status struct {
	Status       string    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
	UptimeSec    float64   `json:"uptime_sec"`
	Rank         int       `json:"rank"`
	WorldSize    int       `json:"world_size"`
	Model        string    `json:"model"`
	GoVersion    string    `json:"go_version"`
	NumCPU       int       `json:"num_cpu"`
	HeapMB       int       `json:"heap_mb"`
	PeakHeapMB   int       `json:"peak_heap_mb"`
	NumGoroutine int       `json:"num_goroutine"`
}

// Monitor serves liveness information for one process in the group.
type Monitor struct {
	start     time.Time
	rank      int
	worldSize int
	model     string
}

func New(rank, worldSize int, model string) *Monitor {
	return &Monitor{start: time.Now(), rank: rank, worldSize: worldSize, model: model}
}

func (m *Monitor) snapshot() Status {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return Status{
		Status:       "ok",
		Timestamp:    time.Now().UTC(),
		UptimeSec:    time.Since(m.start).Seconds(),
		Rank:         m.rank,
		WorldSize:    m.worldSize,
		Model:        m.model,
		GoVersion:    runtime.Version(),
		NumCPU:       runtime.NumCPU(),
		HeapMB:       int(ms.HeapInuse / (1 << 20)),
		PeakHeapMB:   int(metrics.PeakHeap() / (1 << 20)),
		NumGoroutine: runtime.NumGoroutine(),
	}
}

// Handler returns the /healthz handler.
func (m *Monitor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(m.snapshot()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
