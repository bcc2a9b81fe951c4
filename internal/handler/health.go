package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	checkTimeout = 5 * time.Second

	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
)

// Checks maps a dependency name to its probe.
type Checks map[string]func(ctx context.Context) error

type healthResponse struct {
	Checks map[string]checkResult `json:"checks,omitempty"`
	Status string                 `json:"status"`
}

type checkResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Liveness always answers 200 while the process serves requests.
func Liveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: statusHealthy})
}

// Readiness runs every check in parallel and answers 503 if any fails.
func Readiness(checks Checks, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		defer cancel()

		var (
			mu      sync.Mutex
			wg      sync.WaitGroup
			results = make(map[string]checkResult, len(checks))
			failed  bool
		)
		for name, check := range checks {
			wg.Add(1)
			go func() {
				defer wg.Done()

				res := checkResult{Status: statusHealthy}
				if err := check(ctx); err != nil {
					res = checkResult{Status: statusUnhealthy, Error: err.Error()}
					log.WarnContext(ctx, "health check failed", slog.String("check", name), slog.String("error", err.Error()))
				}

				mu.Lock()
				defer mu.Unlock()
				results[name] = res
				failed = failed || res.Status == statusUnhealthy
			}()
		}
		wg.Wait()

		resp := healthResponse{Status: statusHealthy, Checks: results}
		status := http.StatusOK
		if failed {
			resp.Status = statusUnhealthy
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	}
}
