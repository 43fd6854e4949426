package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

const healthCheckTimeout = 2 * time.Second

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	LatencyMS int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

type namedCheck struct {
	name  string
	check Pinger
}

// healthTargets lists the core stores followed by the extra checks in name
// order. Response order is stable.
func (h *Handler) healthTargets() []namedCheck {
	targets := []namedCheck{
		{"datastore", h.Repository},
		{"tokens", h.Tokens},
		{"blobs", h.Blobs},
	}
	names := make([]string, 0, len(h.healthChecks))
	for name, check := range h.healthChecks {
		if check != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		targets = append(targets, namedCheck{name, h.healthChecks[name]})
	}
	return targets
}

// componentHealth pings every dependency concurrently, each bounded by
// healthCheckTimeout, and publishes the result to the dependency gauge.
func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	targets := h.healthTargets()
	results := make([]componentStatus, len(targets))

	var group errgroup.Group
	for i, target := range targets {
		i, target := i, target
		group.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
			defer cancel()
			start := time.Now()
			err := target.check.Ping(checkCtx)
			result := componentStatus{
				Component: target.name,
				Status:    "ok",
				LatencyMS: time.Since(start).Milliseconds(),
			}
			if err != nil {
				result.Status = "degraded"
				result.Error = err.Error()
				if errors.Is(err, context.DeadlineExceeded) {
					result.Error = "timed out"
				}
			}
			results[i] = result
			return nil
		})
	}
	_ = group.Wait()

	overall, code := "ok", http.StatusOK
	for _, result := range results {
		h.metrics.SetDependencyHealth(result.Component, result.Status)
		if result.Status != "ok" {
			overall, code = "degraded", http.StatusServiceUnavailable
		}
	}
	return results, overall, code
}
