package orchestrator

import (
	"github.com/makeasinger/melodygen/internal/model"
	"github.com/makeasinger/melodygen/internal/stage"
)

// ResolveTempo decides what tempo instruction the melody stage receives.
//
// A positive BPM is always passed through with the start time (0 when
// absent). Without a BPM a positive start time cannot be honoured, and a zero
// start time only works when the melody stage can estimate the tempo itself.
func ResolveTempo(params model.JobParams, autoBPM bool) (stage.Tempo, error) {
	var start float64
	if params.StartTime != nil {
		start = *params.StartTime
	}
	if params.BPM != nil && *params.BPM > 0 {
		return stage.Tempo{BPM: *params.BPM, StartTime: start}, nil
	}
	if start > 0 {
		return stage.Tempo{}, model.ErrBPMRequired("start time is set but bpm is not")
	}
	if !autoBPM {
		return stage.Tempo{}, model.ErrBPMRequired("melody stage cannot estimate tempo")
	}
	return stage.Tempo{Auto: true}, nil
}
