// SPDX-License-Identifier: MIT

// Package health serves the liveness and readiness probes. Liveness reports
// process vitals and always answers 200; readiness folds component checks so
// an unready hub drops out of rotation while it restores sessions.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/michaelasham/wa-hub-sub000/internal/log"
)

// Status grades a probe result.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is a single component's verdict.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse is the liveness probe body.
type HealthResponse struct {
	Status    Status                 `json:"status"`
	Version   string                 `json:"version,omitempty"`
	Uptime    int64                  `json:"uptimeSeconds"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Details   map[string]any         `json:"details,omitempty"`
}

// ReadinessResponse is the readiness probe body.
type ReadinessResponse struct {
	Ready     bool                   `json:"ready"`
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Checker is a named component probe.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// DetailsFunc supplies live process details (cpu, memory, instance count)
// for the liveness response.
type DetailsFunc func(ctx context.Context) map[string]any

// Manager owns the registered checkers and renders the probe responses.
type Manager struct {
	version  string
	started  time.Time
	checkers []Checker
	details  DetailsFunc
}

// NewManager returns a Manager with no checkers registered yet.
func NewManager(version string) *Manager {
	return &Manager{
		version:  version,
		started:  time.Now(),
		checkers: make([]Checker, 0),
	}
}

// RegisterChecker adds a component probe. Not safe to call once the probes
// are being served.
func (m *Manager) RegisterChecker(checker Checker) {
	m.checkers = append(m.checkers, checker)
}

// SetDetails installs the liveness details provider.
func (m *Manager) SetDetails(fn DetailsFunc) {
	m.details = fn
}

// Health answers the liveness probe. Component state never turns liveness
// red; it only shows up in the verbose breakdown.
func (m *Manager) Health(ctx context.Context, verbose bool) HealthResponse {
	resp := HealthResponse{
		Status:    StatusHealthy,
		Version:   m.version,
		Uptime:    int64(time.Since(m.started).Seconds()),
		Timestamp: time.Now(),
	}

	if m.details != nil {
		resp.Details = m.details(ctx)
	}

	if verbose && len(m.checkers) > 0 {
		resp.Checks, resp.Status = m.runChecks(ctx)
	}

	return resp
}

// Ready answers the readiness probe. An unhealthy component pulls the hub
// out of rotation; a degraded one only marks it.
func (m *Manager) Ready(ctx context.Context) ReadinessResponse {
	resp := ReadinessResponse{
		Ready:     true,
		Status:    StatusHealthy,
		Timestamp: time.Now(),
	}

	if len(m.checkers) == 0 {
		return resp
	}

	resp.Checks, resp.Status = m.runChecks(ctx)
	resp.Ready = resp.Status != StatusUnhealthy
	return resp
}

// runChecks executes every registered checker and folds the results into an
// overall status: one unhealthy component wins, degraded places second.
func (m *Manager) runChecks(ctx context.Context) (map[string]CheckResult, Status) {
	results := make(map[string]CheckResult, len(m.checkers))
	overall := StatusHealthy

	for _, checker := range m.checkers {
		result := checker.Check(ctx)
		results[checker.Name()] = result

		switch result.Status {
		case StatusUnhealthy:
			overall = StatusUnhealthy
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}

	return results, overall
}

// ServeHealth is the GET /health handler.
func (m *Manager) ServeHealth(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "health")
	verbose := r.URL.Query().Get("verbose") == "true"

	resp := m.Health(r.Context(), verbose)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK) // Always 200 for liveness

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Str("event", "health.encode_error").Msg("failed to encode health response")
	}

	logger.Debug().
		Str("event", "health.checked").
		Str("status", string(resp.Status)).
		Bool("verbose", verbose).
		Msg("health check performed")
}

// ServeReady is the GET /health/ready handler.
func (m *Manager) ServeReady(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "readiness")

	resp := m.Ready(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if resp.Ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Str("event", "readiness.encode_error").Msg("failed to encode readiness response")
	}

	logger.Debug().
		Str("event", "readiness.checked").
		Str("status", string(resp.Status)).
		Bool("ready", resp.Ready).
		Msg("readiness check performed")
}

// SystemDetails returns a DetailsFunc reporting cpu load, memory and the
// supervised instance count for the liveness endpoint.
func SystemDetails(instanceCount func() int) DetailsFunc {
	return func(ctx context.Context) map[string]any {
		details := map[string]any{
			"instances": instanceCount(),
		}
		// Non-blocking sample: percentage since the previous call.
		if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
			details["cpuPercent"] = percents[0]
		}
		if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
			details["memUsedPercent"] = vm.UsedPercent
			details["memAvailableMB"] = vm.Available / (1 << 20)
		}
		return details
	}
}

// DirWritableChecker verifies a directory exists and accepts writes.
type DirWritableChecker struct {
	name string
	path string
}

// NewDirWritableChecker creates a checker for directory writability.
func NewDirWritableChecker(name, path string) *DirWritableChecker {
	return &DirWritableChecker{
		name: name,
		path: path,
	}
}

func (c *DirWritableChecker) Name() string {
	return c.name
}

func (c *DirWritableChecker) Check(ctx context.Context) CheckResult {
	info, err := os.Stat(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusUnhealthy,
				Error:   "directory not found",
				Message: c.path,
			}
		}
		return CheckResult{
			Status: StatusUnhealthy,
			Error:  err.Error(),
		}
	}

	if !info.IsDir() {
		return CheckResult{
			Status: StatusUnhealthy,
			Error:  "expected directory, got file",
		}
	}

	probe := filepath.Join(c.path, ".health_probe")
	if err := os.WriteFile(probe, []byte("ok"), 0600); err != nil {
		return CheckResult{
			Status: StatusUnhealthy,
			Error:  fmt.Sprintf("not writable: %v", err),
		}
	}
	_ = os.Remove(probe)

	return CheckResult{
		Status:  StatusHealthy,
		Message: "directory writable",
	}
}

// MemoryChecker reports degraded when available system memory falls under
// the restore gate floor; new sessions would be deferred in that regime.
type MemoryChecker struct {
	floorMB uint64

	// availableMB is swappable for tests.
	availableMB func() (uint64, error)
}

// NewMemoryChecker creates a checker against the given floor in MB.
func NewMemoryChecker(floorMB uint64) *MemoryChecker {
	return &MemoryChecker{
		floorMB: floorMB,
		availableMB: func() (uint64, error) {
			vm, err := mem.VirtualMemory()
			if err != nil {
				return 0, err
			}
			return vm.Available / (1 << 20), nil
		},
	}
}

func (c *MemoryChecker) Name() string {
	return "memory"
}

func (c *MemoryChecker) Check(ctx context.Context) CheckResult {
	free, err := c.availableMB()
	if err != nil {
		return CheckResult{
			Status:  StatusDegraded,
			Error:   err.Error(),
			Message: "memory probe failed",
		}
	}
	if c.floorMB > 0 && free < c.floorMB {
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("%d MB available, floor %d MB", free, c.floorMB),
		}
	}
	return CheckResult{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d MB available", free),
	}
}

// ModeChecker reports degraded while the hub is in SYNCING mode; traffic is
// buffered rather than delivered during a sync.
type ModeChecker struct {
	mode func() string
}

// NewModeChecker creates a checker over the system mode controller.
func NewModeChecker(mode func() string) *ModeChecker {
	return &ModeChecker{mode: mode}
}

func (c *ModeChecker) Name() string {
	return "system_mode"
}

func (c *ModeChecker) Check(ctx context.Context) CheckResult {
	mode := c.mode()
	if mode != "NORMAL" {
		return CheckResult{
			Status:  StatusDegraded,
			Message: mode,
		}
	}
	return CheckResult{
		Status:  StatusHealthy,
		Message: mode,
	}
}
