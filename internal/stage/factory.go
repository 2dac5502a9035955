package stage

import (
	"fmt"

	"github.com/makeasinger/melodygen/internal/config"
	"github.com/makeasinger/melodygen/internal/model"
)

// New builds the invoker selected by cfg.Transport.
func New(stage model.StageName, cfg config.StageConfig) (Invoker, error) {
	switch cfg.Transport {
	case "", "http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("%s stage: url is required for http transport", stage)
		}
		return NewHTTPInvoker(stage, cfg.URL, cfg.Timeout), nil
	case "docker":
		if cfg.Container == "" || cfg.Script == "" {
			return nil, fmt.Errorf("%s stage: container and script are required for docker transport", stage)
		}
		return NewDockerInvoker(stage, cfg.Container, cfg.Script, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("%s stage: unknown transport %q", stage, cfg.Transport)
	}
}
