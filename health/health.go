// Package health reports the state of the broker connectivity core.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status of a single check or of the whole registry
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// severity orders statuses so the overall status is the worst one seen.
func (s Status) severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// CheckResult is what one checker observed.
type CheckResult struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error,omitempty"`
}

// OverallHealth aggregates every registered check.
type OverallHealth struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Checks    map[string]CheckResult `json:"checks"`
}

// Checker is one named probe.
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// Registry holds the checkers of a client, keyed by name.
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

func NewRegistry() *Registry {
	return &Registry{checkers: make(map[string]Checker)}
}

// Register adds a checker, replacing one with the same name.
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	r.checkers[checker.Name()] = checker
	r.mu.Unlock()
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.checkers, name)
	r.mu.Unlock()
}

// Names lists the registered checks in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.checkers))
	for name := range r.checkers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// CheckOne runs a single named check. The boolean is false when no such
// check is registered.
func (r *Registry) CheckOne(ctx context.Context, name string) (CheckResult, bool) {
	r.mu.RLock()
	checker, ok := r.checkers[name]
	r.mu.RUnlock()
	if !ok {
		return CheckResult{}, false
	}
	return r.run(ctx, map[string]Checker{name: checker}).Checks[name], true
}

// Check runs every registered check concurrently. Checks still running
// when ctx ends are reported unhealthy.
func (r *Registry) Check(ctx context.Context) OverallHealth {
	r.mu.RLock()
	checkers := make(map[string]Checker, len(r.checkers))
	for name, checker := range r.checkers {
		checkers[name] = checker
	}
	r.mu.RUnlock()

	return r.run(ctx, checkers)
}

func (r *Registry) run(ctx context.Context, checkers map[string]Checker) OverallHealth {
	start := time.Now()

	var (
		mu     sync.Mutex
		checks = make(map[string]CheckResult, len(checkers))
		wg     sync.WaitGroup
	)
	for name, checker := range checkers {
		name, checker := name, checker
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := checker.Check(ctx)
			mu.Lock()
			checks[name] = result
			mu.Unlock()
		}()
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-ctx.Done():
	}

	overall := OverallHealth{Status: StatusHealthy, Checks: make(map[string]CheckResult, len(checkers))}

	mu.Lock()
	for name := range checkers {
		result, done := checks[name]
		if !done {
			result = CheckResult{
				Name:      name,
				Status:    StatusUnhealthy,
				Message:   "Check timed out",
				Duration:  time.Since(start),
				Timestamp: time.Now(),
				Error:     ctx.Err().Error(),
			}
		}
		overall.Checks[name] = result
		if result.Status.severity() > overall.Status.severity() {
			overall.Status = result.Status
		}
	}
	mu.Unlock()

	overall.Timestamp = time.Now()
	overall.Duration = time.Since(start)
	return overall
}

// NewHandler serves the registry as JSON: 200 while healthy or degraded,
// 503 when unhealthy. A check query parameter restricts the report to one
// check and answers 404 for unknown names.
func NewHandler(registry *Registry, timeout time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		var (
			report any
			status Status
		)
		if name := r.URL.Query().Get("check"); name != "" {
			result, ok := registry.CheckOne(ctx, name)
			if !ok {
				http.Error(w, "unknown check "+name, http.StatusNotFound)
				return
			}
			report, status = result, result.Status
		} else {
			overall := registry.Check(ctx)
			report, status = overall, overall.Status
		}

		code := http.StatusOK
		if status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		_ = encoder.Encode(report)
	})
}

func newResult(name string) (CheckResult, time.Time) {
	start := time.Now()
	return CheckResult{Name: name, Timestamp: start, Details: make(map[string]any)}, start
}

func fail(result CheckResult, start time.Time, status Status, message string, err error) CheckResult {
	result.Status = status
	result.Message = message
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}
