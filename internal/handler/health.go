package handler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/makeasinger/melodygen/pkg/response"
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

type HealthHandler struct {
	checks  map[string]HealthCheck
	timeout time.Duration
	logger  *zap.Logger
}

func NewHealthHandler(checks map[string]HealthCheck, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{checks: checks, timeout: 5 * time.Second, logger: logger}
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Check handles GET /health. Every check runs concurrently; any failure
// turns the response into 503.
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]error, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, check HealthCheck) {
			defer wg.Done()
			results[i] = check(ctx)
		}(i, h.checks[name])
	}
	wg.Wait()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(names))}
	for i, name := range names {
		if results[i] != nil {
			h.logger.Warn("health check failed", zap.String("check", name), zap.Error(results[i]))
			resp.Status = "degraded"
			resp.Checks[name] = results[i].Error()
			continue
		}
		resp.Checks[name] = "ok"
	}

	if resp.Status != "ok" {
		return response.Unavailable(c, "One or more dependencies are unhealthy", resp.Checks)
	}
	return response.OK(c, resp)
}
