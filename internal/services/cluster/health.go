package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Check reports a dependency as unhealthy by returning an error. It must
// honour ctx; checks that overrun the health timeout are reported as failed.
type Check func(ctx context.Context) error

// CheckResult is the outcome of one named check in a Report.
type CheckResult struct {
	Name      string  `json:"name"`
	OK        bool    `json:"ok"`
	Error     string  `json:"error,omitempty"`
	LatencyMS float64 `json:"latencyMs"`
}

// Report is the body of every health answer.
type Report struct {
	Service string        `json:"service"`
	Status  string        `json:"status"`
	Uptime  string        `json:"uptime"`
	Checks  []CheckResult `json:"checks,omitempty"`
}

// Health tracks the dependencies of one service and answers Consul HTTP
// checks. Checks run concurrently on every request.
type Health struct {
	service string
	timeout time.Duration
	started time.Time

	mu     sync.RWMutex
	checks map[string]Check
}

// NewHealth returns a Health for service whose checks are bounded by
// timeout each. A zero timeout defaults to two seconds.
func NewHealth(service string, timeout time.Duration) *Health {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Health{
		service: service,
		timeout: timeout,
		started: time.Now(),
		checks:  make(map[string]Check),
	}
}

// Register adds or replaces the check called name.
func (h *Health) Register(name string, check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Evaluate runs every registered check and returns the sorted results.
func (h *Health) Evaluate(ctx context.Context) Report {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	checks := make([]Check, 0, len(h.checks))
	for name, c := range h.checks {
		names = append(names, name)
		checks = append(checks, c)
	}
	h.mu.RUnlock()

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i := range checks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.run(ctx, names[i], checks[i])
		}(i)
	}
	wg.Wait()
	sort.Slice(results, func(a, b int) bool { return results[a].Name < results[b].Name })

	report := Report{Service: h.service, Status: "pass", Uptime: h.uptime(), Checks: results}
	for _, r := range results {
		if !r.OK {
			report.Status = "fail"
		}
	}
	return report
}

func (h *Health) run(ctx context.Context, name string, check Check) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- check(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	res := CheckResult{Name: name, OK: err == nil, LatencyMS: float64(time.Since(start).Microseconds()) / 1000}
	if err != nil {
		res.Error = err.Error()
		log.Warn().Err(err).Str("check", name).Msg("[Health] Check failed.")
	}
	return res
}

func (h *Health) uptime() string {
	return time.Since(h.started).Truncate(time.Second).String()
}

// Readiness answers 200 when every check passes and 503 otherwise, with the
// full Report as JSON either way.
func (h *Health) Readiness() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := h.Evaluate(r.Context())
		status := http.StatusOK
		if report.Status != "pass" {
			status = http.StatusServiceUnavailable
		}
		writeReport(w, status, report)
	}
}

// Liveness answers 200 while the process serves HTTP and runs no checks.
func (h *Health) Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeReport(w, http.StatusOK, Report{Service: h.service, Status: "alive", Uptime: h.uptime()})
	}
}

func writeReport(w http.ResponseWriter, status int, report Report) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(report)
}
