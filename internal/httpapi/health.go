package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds each readiness probe.
const checkTimeout = 5 * time.Second

// Check is a named readiness probe for one dependency (database, provider
// backend, tool host). Probe returns nil when the dependency is usable.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// checkResult is the per-probe entry in the /readyz response.
type checkResult struct {
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status   string                 `json:"status"`
	Sessions int                    `json:"sessions"`
	Checks   map[string]checkResult `json:"checks,omitempty"`
}

// healthz is the liveness probe: a process that can serve HTTP is alive.
func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Sessions: s.cfg.Manager.Len(),
	})
}

// readyz runs every configured probe concurrently and reports 503 unless all
// pass. Probe failures never fail each other: each gets its own deadline and
// its own entry in the response.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	var mu sync.Mutex
	results := make(map[string]checkResult, len(s.cfg.Checks))
	ok := true

	g, ctx := errgroup.WithContext(r.Context())
	for _, c := range s.cfg.Checks {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			start := time.Now()
			err := c.Probe(probeCtx)
			res := checkResult{
				Status:    "ok",
				LatencyMS: time.Since(start).Milliseconds(),
			}
			if err != nil {
				res.Status = "fail"
				res.Error = err.Error()
			}

			mu.Lock()
			results[c.Name] = res
			if err != nil {
				ok = false
			}
			mu.Unlock()
			return nil
		})
	}
	// Probes always return nil; failures are carried in results.
	_ = g.Wait()

	resp := healthResponse{
		Status:   "ok",
		Sessions: s.cfg.Manager.Len(),
		Checks:   results,
	}
	status := http.StatusOK
	if !ok {
		resp.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
