package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/makeasinger/melodygen/internal/logging"
	"github.com/makeasinger/melodygen/internal/model"
)

// ErrNotFound means no candidate produced a usable file.
var ErrNotFound = errors.New("no candidate matched")

// Resolver finds artifacts whose exact location varies between stage
// versions by trying candidates in order.
type Resolver struct {
	candidates []Candidate
	logger     *zap.Logger
}

func NewResolver(candidates []Candidate, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{candidates: candidates, logger: logger}
}

// Resolve returns the first candidate path that is a non-empty regular file.
func (r *Resolver) Resolve(ctx context.Context, spec Spec, l Lookup) (string, error) {
	for _, c := range r.candidates {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		paths, err := c.Paths(spec, l)
		if err != nil {
			r.logger.Warn("artifact candidate failed",
				zap.String(logging.FieldJobID, l.JobID),
				zap.String(logging.FieldKind, string(spec.Kind)),
				zap.String("candidate", c.Name()),
				zap.Error(err))
			continue
		}
		for _, p := range paths {
			if usable(p) {
				r.logger.Debug("artifact resolved",
					zap.String(logging.FieldJobID, l.JobID),
					zap.String(logging.FieldKind, string(spec.Kind)),
					zap.String("candidate", c.Name()),
					zap.String("path", p))
				return p, nil
			}
		}
	}
	return "", model.ErrArtifactNotFound(spec.Stage, spec.Kind, fmt.Errorf("%s in %s: %w", spec.FileName, l.Workdir, ErrNotFound))
}

func usable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Size() > 0
}
