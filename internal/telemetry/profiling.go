package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
)

// ProfilingServer exposes pprof and runtime stats on a separate listener,
// usually bound to localhost.
type ProfilingServer struct {
	server *http.Server
}

func NewProfilingServer(addr string) *ProfilingServer {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("/debug/stats", statsHandler)

	return &ProfilingServer{server: &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}}
}

// Start serves in the background.
func (ps *ProfilingServer) Start() {
	go func() {
		log.Info().Str("addr", ps.server.Addr).Msg("starting profiling server")
		if err := ps.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("profiling server failed")
		}
	}()
}

func (ps *ProfilingServer) Shutdown(ctx context.Context) error {
	return ps.server.Shutdown(ctx)
}

// MemorySnapshot captures a memory snapshot for analysis
type MemorySnapshot struct {
	Timestamp    time.Time `json:"timestamp"`
	AllocMB      float64   `json:"alloc_mb"`
	TotalAllocMB float64   `json:"total_alloc_mb"`
	SysMB        float64   `json:"sys_mb"`
	NumGC        uint32    `json:"num_gc"`
	Goroutines   int       `json:"goroutines"`
	GoVersion    string    `json:"go_version"`
}

// TakeMemorySnapshot captures current memory state
func TakeMemorySnapshot() MemorySnapshot {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return MemorySnapshot{
		Timestamp:    time.Now(),
		AllocMB:      bToMb(m.Alloc),
		TotalAllocMB: bToMb(m.TotalAlloc),
		SysMB:        bToMb(m.Sys),
		NumGC:        m.NumGC,
		Goroutines:   runtime.NumGoroutine(),
		GoVersion:    runtime.Version(),
	}
}

func statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(TakeMemorySnapshot())
}

// bToMb converts bytes to megabytes
func bToMb(b uint64) float64 {
	return float64(b) / 1024 / 1024
}
