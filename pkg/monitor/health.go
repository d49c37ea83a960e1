// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package monitor reports broker health: a checker running registered
// probes, HTTP liveness and readiness endpoints, and the standard gRPC health
// service whose serving status follows the checker.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/turtacn/mqtt-postoffice/pkg/logger"
)

// ServiceName is the gRPC health service name reported alongside the
// overall ("") status.
const ServiceName = "mqtt.postoffice"

// Check outcomes.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	CheckPassed     = "passed"
	CheckFailed     = "failed"
	CheckUnknown    = "unknown"
)

const (
	// DefaultCheckTimeout bounds a single check run.
	DefaultCheckTimeout = 5 * time.Second
	// DefaultMaxGoroutines is the threshold of the built-in goroutine check.
	DefaultMaxGoroutines = 100000
)

// CheckFunc probes one dependency. A nil return means healthy.
type CheckFunc func(ctx context.Context) error

type check struct {
	fn          CheckFunc
	critical    bool
	enabled     bool
	lastChecked time.Time
	lastError   error
}

// CheckResult is the last outcome of one check.
type CheckResult struct {
	Status      string    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
	Message     string    `json:"message,omitempty"`
	Critical    bool      `json:"critical"`
}

// HealthStatus is the aggregated report served by /health/detailed.
type HealthStatus struct {
	Status     string                 `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Uptime     int64                  `json:"uptime"`
	Version    string                 `json:"version"`
	Node       string                 `json:"node"`
	Checks     map[string]CheckResult `json:"checks"`
	SystemInfo SystemInfo             `json:"system_info"`
}

// SystemInfo describes the running process.
type SystemInfo struct {
	Alloc      uint64 `json:"alloc"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
	Goroutines int    `json:"goroutines"`
	GoVersion  string `json:"go_version"`
	NumCPU     int    `json:"num_cpu"`
}

// Options configures a HealthChecker.
type Options struct {
	Node    string
	Version string
	// Timeout bounds each check. Zero means DefaultCheckTimeout.
	Timeout time.Duration
	// MaxGoroutines is the goroutine check threshold. Zero means
	// DefaultMaxGoroutines.
	MaxGoroutines int
	Logger        *slog.Logger
}

// HealthChecker runs registered checks and tracks the overall status. A
// failing critical check makes the process unhealthy; non-critical failures
// are only reported.
type HealthChecker struct {
	opts    Options
	logger  *slog.Logger
	started time.Time

	mu        sync.RWMutex
	healthy   bool
	lastCheck time.Time
	checks    map[string]*check
	bound     []*health.Server
}

// NewHealthChecker creates a checker with the built-in goroutine check.
func NewHealthChecker(opts Options) *HealthChecker {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultCheckTimeout
	}
	if opts.MaxGoroutines <= 0 {
		opts.MaxGoroutines = DefaultMaxGoroutines
	}
	hc := &HealthChecker{
		opts:    opts,
		logger:  logger.OrDefault(opts.Logger).With("component", "health"),
		started: time.Now(),
		healthy: true,
		checks:  make(map[string]*check),
	}
	hc.RegisterCheck("goroutines", func(context.Context) error {
		if n := runtime.NumGoroutine(); n > opts.MaxGoroutines {
			return fmt.Errorf("high goroutine count: %d", n)
		}
		return nil
	}, false)
	return hc
}

// RegisterCheck adds or replaces the check called name.
func (hc *HealthChecker) RegisterCheck(name string, fn CheckFunc, critical bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = &check{fn: fn, critical: critical, enabled: true}
}

// UnregisterCheck removes a check.
func (hc *HealthChecker) UnregisterCheck(name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	delete(hc.checks, name)
}

// EnableCheck turns a check on. It reports whether the check exists.
func (hc *HealthChecker) EnableCheck(name string) bool {
	return hc.setEnabled(name, true)
}

// DisableCheck turns a check off. It reports whether the check exists.
func (hc *HealthChecker) DisableCheck(name string) bool {
	return hc.setEnabled(name, false)
}

func (hc *HealthChecker) setEnabled(name string, on bool) bool {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	c, ok := hc.checks[name]
	if ok {
		c.enabled = on
	}
	return ok
}

// RunChecks executes every enabled check, updates the overall status and
// pushes it to bound gRPC health servers. Checks run without holding the
// checker lock.
func (hc *HealthChecker) RunChecks(ctx context.Context) HealthStatus {
	hc.mu.RLock()
	pending := make(map[string]CheckFunc, len(hc.checks))
	for name, c := range hc.checks {
		if c.enabled {
			pending[name] = c.fn
		}
	}
	hc.mu.RUnlock()

	now := time.Now()
	outcomes := make(map[string]error, len(pending))
	for name, fn := range pending {
		outcomes[name] = hc.runOne(ctx, name, fn)
	}

	hc.mu.Lock()
	healthy := true
	for name, err := range outcomes {
		c, ok := hc.checks[name]
		if !ok {
			continue
		}
		c.lastChecked = now
		c.lastError = err
		if err != nil && c.critical && c.enabled {
			healthy = false
		}
	}
	changed := hc.healthy != healthy
	hc.healthy = healthy
	hc.lastCheck = now
	bound := append([]*health.Server(nil), hc.bound...)
	status := hc.statusLocked()
	hc.mu.Unlock()

	if changed {
		hc.logger.Warn("health changed", "status", status.Status)
	}
	for _, hs := range bound {
		setServing(hs, healthy)
	}
	return status
}

func (hc *HealthChecker) runOne(ctx context.Context, name string, fn CheckFunc) (err error) {
	ctx, cancel := context.WithTimeout(ctx, hc.opts.Timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("check panicked: %v", r)
		}
	}()
	start := time.Now()
	err = fn(ctx)
	if d := time.Since(start); d > time.Second {
		hc.logger.Warn("slow health check", "check", name, "duration", d)
	}
	if err != nil {
		hc.logger.Debug("health check failed", "check", name, logger.Err(err))
	}
	return err
}

// Status returns the result of the last run without running checks.
func (hc *HealthChecker) Status() HealthStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.statusLocked()
}

func (hc *HealthChecker) statusLocked() HealthStatus {
	results := make(map[string]CheckResult, len(hc.checks))
	for name, c := range hc.checks {
		if !c.enabled {
			continue
		}
		r := CheckResult{Status: CheckUnknown, LastChecked: c.lastChecked, Critical: c.critical}
		switch {
		case c.lastChecked.IsZero():
		case c.lastError != nil:
			r.Status, r.Message = CheckFailed, c.lastError.Error()
		default:
			r.Status = CheckPassed
		}
		results[name] = r
	}
	status := StatusHealthy
	if !hc.healthy {
		status = StatusUnhealthy
	}
	return HealthStatus{
		Status:     status,
		Timestamp:  hc.lastCheck,
		Uptime:     int64(time.Since(hc.started).Seconds()),
		Version:    hc.opts.Version,
		Node:       hc.opts.Node,
		Checks:     results,
		SystemInfo: systemInfo(),
	}
}

// Checks lists the registered check names in order.
func (hc *HealthChecker) Checks() []string {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsHealthy reports the outcome of the last run.
func (hc *HealthChecker) IsHealthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.healthy
}

// Run executes the checks every interval until ctx is done.
func (hc *HealthChecker) Run(ctx context.Context, interval time.Duration) error {
	hc.RunChecks(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			hc.RunChecks(ctx)
		}
	}
}

// Bind makes hs report the checker's status, now and after every run.
func (hc *HealthChecker) Bind(hs *health.Server) {
	hc.mu.Lock()
	hc.bound = append(hc.bound, hs)
	healthy := hc.healthy
	hc.mu.Unlock()
	setServing(hs, healthy)
}

func setServing(hs *health.Server, healthy bool) {
	st := healthpb.HealthCheckResponse_SERVING
	if !healthy {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	hs.SetServingStatus("", st)
	hs.SetServingStatus(ServiceName, st)
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		Alloc:      m.Alloc,
		Sys:        m.Sys,
		NumGC:      m.NumGC,
		Goroutines: runtime.NumGoroutine(),
		GoVersion:  runtime.Version(),
		NumCPU:     runtime.NumCPU(),
	}
}

// Handler serves the HTTP health endpoints.
//
//	GET /health          overall status as JSON
//	GET /health/live     200 while the process runs
//	GET /health/ready    200 when healthy, 503 otherwise
//	GET /health/detailed runs the checks and reports each one
func Handler(hc *HealthChecker) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		code, status := http.StatusOK, "ok"
		if !hc.IsHealthy() {
			code, status = http.StatusServiceUnavailable, StatusUnhealthy
		}
		writeJSON(w, code, map[string]string{
			"status": status,
			"time":   time.Now().Format(time.RFC3339),
		})
	})
	mux.HandleFunc("GET /health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("GET /health/ready", func(w http.ResponseWriter, _ *http.Request) {
		if !hc.IsHealthy() {
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("GET /health/detailed", func(w http.ResponseWriter, r *http.Request) {
		status := hc.RunChecks(r.Context())
		code := http.StatusOK
		if status.Status != StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, status)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// ServeHTTP exposes the health endpoints on addr until ctx is cancelled.
func ServeHTTP(ctx context.Context, addr string, hc *HealthChecker, log *slog.Logger) error {
	log = logger.OrDefault(log)
	srv := &http.Server{Addr: addr, Handler: Handler(hc), ReadHeaderTimeout: 5 * time.Second}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	log.Info("health server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// NewGRPCServer returns a gRPC server carrying the health service bound to
// hc.
func NewGRPCServer(hc *HealthChecker, opts ...grpc.ServerOption) *grpc.Server {
	srv := grpc.NewServer(opts...)
	hs := health.NewServer()
	hc.Bind(hs)
	healthpb.RegisterHealthServer(srv, hs)
	return srv
}

// ServeGRPC serves the gRPC health service on addr until ctx is cancelled.
func ServeGRPC(ctx context.Context, addr string, hc *HealthChecker, log *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv := NewGRPCServer(hc)
	stop := context.AfterFunc(ctx, srv.GracefulStop)
	defer stop()

	logger.OrDefault(log).Info("grpc health server listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
