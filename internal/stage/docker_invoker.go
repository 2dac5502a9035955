package stage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/makeasinger/melodygen/internal/model"
)

// DockerInvoker runs the stage script inside an already running container
// with `docker exec <container> uv run <script> ...`.
type DockerInvoker struct {
	stage     model.StageName
	container string
	script    string
	timeout   time.Duration
	docker    string
	// waitDelay bounds how long Invoke waits for output pipes after the
	// script is killed; children of the script may hold them open.
	waitDelay time.Duration
}

func NewDockerInvoker(stage model.StageName, container, script string, timeout time.Duration) *DockerInvoker {
	return &DockerInvoker{
		stage:     stage,
		container: container,
		script:    script,
		timeout:   timeout,
		docker:    "docker",
		waitDelay: 5 * time.Second,
	}
}

// Command returns the argv Invoke would execute for req.
func (d *DockerInvoker) Command(req *Request) []string {
	argv := []string{d.docker, "exec", d.container, "uv", "run", d.script}
	return append(argv, req.Args()...)
}

func (d *DockerInvoker) Invoke(ctx context.Context, req *Request) (*Result, error) {
	if err := d.HealthCheck(ctx); err != nil {
		return nil, model.ErrStageUnreachable(d.stage, err)
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	argv := d.Command(req)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = d.waitDelay

	start := time.Now()
	err := cmd.Run()
	result := &Result{Duration: time.Since(start), Message: truncate(strings.TrimSpace(stderr.String()), 512)}
	if err == nil {
		return result, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, model.ErrStageTimeout(d.stage, err)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, model.ErrStageFailed(d.stage, result.ExitCode, fmt.Errorf("%s", result.Message))
	}
	return nil, classify(ctx, d.stage, err)
}

// HealthCheck asks docker whether the container is running.
func (d *DockerInvoker) HealthCheck(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, d.docker, "inspect", "--format", "{{.State.Running}}", d.container).Output()
	if err != nil {
		return fmt.Errorf("inspect container %s: %w", d.container, err)
	}
	if strings.TrimSpace(string(out)) != "true" {
		return fmt.Errorf("container %s is not running", d.container)
	}
	return nil
}
