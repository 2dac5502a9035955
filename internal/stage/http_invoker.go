package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/makeasinger/melodygen/internal/model"
)

// HTTPInvoker talks to a stage worker that keeps its model loaded and
// exposes POST /invoke and GET /health.
type HTTPInvoker struct {
	httpClient *http.Client
	baseURL    string
	stage      model.StageName
	timeout    time.Duration
}

// NewHTTPInvoker creates an invoker for one stage. timeout bounds a single
// Invoke; zero means only the caller's context applies.
func NewHTTPInvoker(stage model.StageName, baseURL string, timeout time.Duration) *HTTPInvoker {
	return &HTTPInvoker{
		httpClient: &http.Client{},
		baseURL:    baseURL,
		stage:      stage,
		timeout:    timeout,
	}
}

// Invoke posts the request and waits for the worker to finish.
func (c *HTTPInvoker) Invoke(ctx context.Context, req *Request) (*Result, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/invoke", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classify(ctx, c.stage, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(ctx, c.stage, err)
	}

	var result Result
	decodeErr := json.Unmarshal(respBody, &result)
	result.Duration = time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		signal := result.ExitCode
		if decodeErr != nil || signal == 0 {
			signal = resp.StatusCode
		}
		return &result, model.ErrStageFailed(c.stage, signal,
			fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(respBody), 512)))
	}
	if decodeErr != nil {
		return nil, model.ErrStageFailed(c.stage, -1, fmt.Errorf("failed to unmarshal response: %w", decodeErr))
	}
	if result.ExitCode != 0 {
		return &result, model.ErrStageFailed(c.stage, result.ExitCode, fmt.Errorf("%s", result.Message))
	}
	return &result, nil
}

// HealthCheck checks if the stage worker is available.
func (c *HTTPInvoker) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s stage unhealthy: status %d", c.stage, resp.StatusCode)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
