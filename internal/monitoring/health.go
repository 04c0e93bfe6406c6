package monitoring

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-sibyl/internal/logger"
	"github.com/23skdu/longbow-sibyl/internal/tensor"
)

// RunStatus summarizes the most recent prediction served by this process.
type RunStatus struct {
	Target     string    `json:"target,omitempty"`
	Residues   int       `json:"residues"`
	MSADepth   int       `json:"msa_depth"`
	DurationMS int64     `json:"duration_ms"`
	MeanPLDDT  float32   `json:"mean_plddt,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

type systemInfo struct {
	GoVersion     string `json:"go_version"`
	OS            string `json:"os"`
	Arch          string `json:"arch"`
	NumCPU        int    `json:"num_cpu"`
	HeapMB        int    `json:"heap_mb"`
	TensorBytesMB int    `json:"tensor_bytes_mb"`
}

type statusReport struct {
	Status  string     `json:"status"`
	Model   string     `json:"model"`
	Phase   string     `json:"phase"`
	Uptime  string     `json:"uptime"`
	System  systemInfo `json:"system"`
	LastRun *RunStatus `json:"last_run,omitempty"`
}

// Server exposes liveness and progress endpoints next to the Prometheus
// registry. All methods are safe on a nil receiver so callers can leave
// monitoring disabled without guarding every call site.
type Server struct {
	model string
	start time.Time

	mu    sync.RWMutex
	phase string
	last  *RunStatus

	srv *http.Server
}

func NewServer(model string) *Server {
	return &Server{
		model: model,
		start: time.Now(),
		phase: "starting",
	}
}

// SetPhase labels what the process is currently doing, e.g. "loading
// parameters" or "predicting". Shown on /status.
func (s *Server) SetPhase(phase string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.phase = phase
	s.mu.Unlock()
}

// RecordRun stores the finished prediction for /status.
func (s *Server) RecordRun(run RunStatus) {
	if s == nil {
		return
	}
	run.FinishedAt = time.Now()
	s.mu.Lock()
	s.last = &run
	s.phase = "done"
	s.mu.Unlock()
}

// Start serves until Shutdown or a listener error. Call from a goroutine.
func (s *Server) Start(addr string) error {
	if s == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger.Log.Info("monitoring serving", "addr", addr)
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// HTTP handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"uptime": time.Since(s.start).Round(time.Millisecond).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	s.mu.RLock()
	report := statusReport{
		Status: "ok",
		Model:  s.model,
		Phase:  s.phase,
		Uptime: time.Since(s.start).Round(time.Millisecond).String(),
		System: systemInfo{
			GoVersion:     runtime.Version(),
			OS:            runtime.GOOS,
			Arch:          runtime.GOARCH,
			NumCPU:        runtime.NumCPU(),
			HeapMB:        int(m.Alloc / 1024 / 1024),
			TensorBytesMB: int(tensor.AllocatedBytes() / 1024 / 1024),
		},
		LastRun: s.last,
	}
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}
