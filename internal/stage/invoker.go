package stage

import (
	"context"
	"errors"
	"net"
	"sort"
	"time"

	"github.com/makeasinger/melodygen/internal/model"
)

// Request is one call into a long-lived stage worker. Inputs are file paths
// the worker reads, Params are valued options and Flags are bare switches.
type Request struct {
	Stage   model.StageName   `json:"stage"`
	JobID   string            `json:"jobId"`
	Workdir string            `json:"workdir"`
	Inputs  map[string]string `json:"inputs"`
	Params  map[string]string `json:"params"`
	Flags   []string          `json:"flags,omitempty"`
}

// Result reports how a stage run ended.
type Result struct {
	ExitCode int           `json:"exit_code"`
	Message  string        `json:"message"`
	Duration time.Duration `json:"-"`
}

// Invoker runs a stage and blocks until it returns. Failures come back as
// *model.JobError with code STAGE_UNREACHABLE, STAGE_FAILED or STAGE_TIMEOUT.
type Invoker interface {
	Invoke(ctx context.Context, req *Request) (*Result, error)
	HealthCheck(ctx context.Context) error
}

// Args renders the request as command line arguments in a stable order:
// inputs, then params, then flags, each group sorted by name.
func (r *Request) Args() []string {
	var args []string
	for _, k := range sortedKeys(r.Inputs) {
		args = append(args, "--"+k, r.Inputs[k])
	}
	for _, k := range sortedKeys(r.Params) {
		args = append(args, "--"+k, r.Params[k])
	}
	flags := append([]string(nil), r.Flags...)
	sort.Strings(flags)
	for _, f := range flags {
		args = append(args, "--"+f)
	}
	return args
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// classify maps a transport error onto the stage error taxonomy.
func classify(ctx context.Context, stage model.StageName, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return model.ErrStageTimeout(stage, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.ErrStageTimeout(stage, err)
	}
	return model.ErrStageUnreachable(stage, err)
}
