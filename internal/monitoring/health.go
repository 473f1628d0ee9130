package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-diffusion/internal/errs"
	"github.com/23skdu/longbow-diffusion/internal/logger"
	"github.com/23skdu/longbow-diffusion/internal/metrics"
)

// Version is reported by the status endpoint.
var Version = "dev"

// HealthStatus represents the health status of the process
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     string          `json:"version"`
	Uptime      time.Duration   `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Runs        RunInfo         `json:"runs"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

// SystemInfo contains system-level information
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

// RunInfo summarises sampling runs seen by the monitor
type RunInfo struct {
	InFlight   int            `json:"in_flight"`
	Completed  int            `json:"completed"`
	Failed     int            `json:"failed"`
	TotalSteps int64          `json:"total_steps"`
	ByStatus   map[string]int `json:"by_status"`
	LastRun    time.Time      `json:"last_run"`
}

// PerformanceInfo contains per-step latency figures
type PerformanceInfo struct {
	StepsPerSecond float64 `json:"steps_per_second"`
	AvgRunMs       float64 `json:"avg_run_ms"`
	P95RunMs       float64 `json:"p95_run_ms"`
	ErrorRate      float64 `json:"error_rate"`
	NumericErrors  int     `json:"numeric_errors"`
}

// Alert represents a recorded problem
type Alert struct {
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // scheduler, model, sink
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// RunPoint is one finished run.
type RunPoint struct {
	Timestamp time.Time
	Steps     int
	Duration  time.Duration
	Err       error
}

const (
	maxHistory = 1000
	maxAlerts  = 100
	// slowRun raises a warning when a single run takes longer.
	slowRun = 5 * time.Minute
)

// HealthMonitor tracks run outcomes and serves them over HTTP.
type HealthMonitor struct {
	startTime time.Time

	mu       sync.RWMutex
	server   *http.Server
	stopped  bool
	alerts   []Alert
	history  []RunPoint
	inFlight int
	byStatus map[string]int
	lastRun  time.Time
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		startTime: time.Now(),
		byStatus:  make(map[string]int),
	}
}

// Handler serves /health, /healthz, /metrics, /status and the alert admin
// endpoints.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Start serves Handler on addr until Stop. It returns http.ErrServerClosed
// after Stop, including when Stop was called first.
func (hm *HealthMonitor) Start(addr string) error {
	hm.mu.Lock()
	if hm.stopped {
		hm.mu.Unlock()
		return http.ErrServerClosed
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	hm.server = srv
	hm.mu.Unlock()

	logger.Log.Info("Health monitor starting", "addr", addr)
	return srv.ListenAndServe()
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	hm.mu.Lock()
	hm.stopped = true
	srv := hm.server
	hm.mu.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (hm *HealthMonitor) RunStarted() {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.inFlight++
}

// RunFinished records the outcome of a run started with RunStarted.
func (hm *HealthMonitor) RunFinished(steps int, duration time.Duration, err error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.inFlight = max(hm.inFlight-1, 0)
	now := time.Now()
	hm.lastRun = now
	hm.history = append(hm.history, RunPoint{Timestamp: now, Steps: steps, Duration: duration, Err: err})
	if len(hm.history) > maxHistory {
		hm.history = hm.history[1:]
	}

	status := "ok"
	if err != nil {
		status = errs.Kind(err)
	}
	hm.byStatus[status]++

	switch {
	case err == nil:
	case status == "numeric":
		hm.addAlertLocked("error", "scheduler", err.Error())
	default:
		hm.addAlertLocked("warning", "model", err.Error())
	}
	if duration > slowRun {
		hm.addAlertLocked("warning", "scheduler", fmt.Sprintf("Slow run: %s for %d steps", duration, steps))
	}
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.addAlertLocked(level, component, message)
}

func (hm *HealthMonitor) addAlertLocked(level, component, message string) {
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	logger.Log.Warn("Alert raised", "level", level, "component", component, "message", message)
}

func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

// HTTP Handlers

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()

	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := slices.Clone(hm.alerts)
	hm.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

// Status computes the current health snapshot.
func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, alert := range hm.alerts {
		if alert.Resolved {
			continue
		}
		if alert.Level == "critical" {
			status = "critical"
			break
		}
		if alert.Level == "error" {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Version:     Version,
		Uptime:      time.Since(hm.startTime),
		System:      systemInfo(),
		Runs:        hm.runInfo(),
		Performance: hm.performanceInfo(),
		Alerts:      slices.Clone(hm.alerts),
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}

func (hm *HealthMonitor) runInfo() RunInfo {
	info := RunInfo{
		InFlight:   hm.inFlight,
		TotalSteps: metrics.TotalSteps(),
		ByStatus:   make(map[string]int, len(hm.byStatus)),
		LastRun:    hm.lastRun,
	}
	for k, v := range hm.byStatus {
		info.ByStatus[k] = v
		if k == "ok" {
			info.Completed += v
		} else {
			info.Failed += v
		}
	}
	return info
}

func (hm *HealthMonitor) performanceInfo() PerformanceInfo {
	if len(hm.history) == 0 {
		return PerformanceInfo{}
	}

	var steps, failed, numeric int
	var total time.Duration
	durations := make([]float64, 0, len(hm.history))
	for _, p := range hm.history {
		steps += p.Steps
		total += p.Duration
		durations = append(durations, float64(p.Duration.Nanoseconds())/1e6)
		if p.Err != nil {
			failed++
			if errs.Kind(p.Err) == "numeric" {
				numeric++
			}
		}
	}
	slices.Sort(durations)
	p95 := min(int(float64(len(durations))*0.95), len(durations)-1)

	info := PerformanceInfo{
		AvgRunMs:      float64(total.Nanoseconds()) / float64(len(hm.history)) / 1e6,
		P95RunMs:      durations[p95],
		ErrorRate:     float64(failed) / float64(len(hm.history)),
		NumericErrors: numeric,
	}
	if total > 0 {
		info.StepsPerSecond = float64(steps) / total.Seconds()
	}
	return info
}
