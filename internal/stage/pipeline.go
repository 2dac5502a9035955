package stage

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/makeasinger/melodygen/internal/model"
)

// Tempo is the resolved tempo instruction for the melody stage.
type Tempo struct {
	BPM       float64
	StartTime float64
	Auto      bool
}

// Pipeline knows the shared directory layout and builds stage requests.
type Pipeline struct {
	SharedDir  string
	Checkpoint string
	// ModelSet suffixes the results directories, as in melody_results_set1.
	ModelSet     string
	DefaultVoice model.Voice
}

func jobDirName(jobID string) string { return "job_" + jobID }

// InputDir is where intake stores the uploaded file.
func (p Pipeline) InputDir(jobID string) string {
	return filepath.Join(p.SharedDir, "input", jobDirName(jobID))
}

// InputPath returns the stored path for an uploaded file name.
func (p Pipeline) InputPath(jobID, name string) string {
	return filepath.Join(p.InputDir(jobID), fmt.Sprintf("job_%s_%s", jobID, filepath.Base(name)))
}

// StageRoot is the flat results directory shared by all jobs of a stage.
func (p Pipeline) StageRoot(stage model.StageName) string {
	name := string(stage) + "_results"
	if p.ModelSet != "" {
		name += "_" + p.ModelSet
	}
	return filepath.Join(p.SharedDir, name)
}

// Workdir is the job scoped output directory of a stage.
func (p Pipeline) Workdir(stage model.StageName, jobID string) string {
	return filepath.Join(p.StageRoot(stage), jobDirName(jobID))
}

// MelodyRequest builds the melody stage call. The seed must already be set.
func (p Pipeline) MelodyRequest(job *model.Job, tempo Tempo) *Request {
	workdir := p.Workdir(model.StageMelody, job.ID)
	req := &Request{
		Stage:   model.StageMelody,
		JobID:   job.ID,
		Workdir: workdir,
		Inputs:  map[string]string{"bgm_filepath": job.Params.InputFile},
		Params: map[string]string{
			"load_path":  p.Checkpoint,
			"output_dir": workdir,
		},
		Flags: []string{"output_beat_estimation_mix", "output_synth_demo"},
	}
	if job.Params.Seed != nil {
		req.Params["gen_seed"] = strconv.FormatInt(*job.Params.Seed, 10)
	}
	if job.Params.OneShot {
		req.Flags = append(req.Flags, "one_shot_generation")
	}
	if !tempo.Auto {
		req.Params["bpm"] = formatFloat(tempo.BPM)
		req.Params["start_time"] = formatFloat(tempo.StartTime)
	}
	return req
}

// VocalRequest builds the vocal stage call from the resolved melody MIDI.
func (p Pipeline) VocalRequest(job *model.Job, midiPath string) *Request {
	workdir := p.Workdir(model.StageVocal, job.ID)
	voice := job.Params.Voice
	if voice == "" {
		voice = p.DefaultVoice
	}
	if voice == "" {
		voice = model.VoiceFemale
	}
	return &Request{
		Stage:   model.StageVocal,
		JobID:   job.ID,
		Workdir: workdir,
		Inputs: map[string]string{
			"bgm_filepath":    job.Params.InputFile,
			"melody_filepath": midiPath,
		},
		Params: map[string]string{
			"sex":           string(voice),
			"write_dirpath": workdir,
		},
		Flags: []string{"all_la"},
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
