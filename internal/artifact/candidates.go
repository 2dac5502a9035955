package artifact

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar"

	"github.com/makeasinger/melodygen/internal/model"
)

// Spec describes where a stage is expected to leave one artifact.
type Spec struct {
	Kind     model.ArtifactKind
	Stage    model.StageName
	FileName string
	Pattern  string
	// Optional artifacts are published when present. A missing optional
	// artifact does not fail the stage.
	Optional bool
}

// DefaultSpecs lists every artifact of a full job in publish order.
var DefaultSpecs = []Spec{
	{Kind: model.ArtifactMIDI, Stage: model.StageMelody, FileName: "melody.mid", Pattern: "*.mid"},
	{Kind: model.ArtifactBeatMix, Stage: model.StageMelody, FileName: "beat_mixed_synth_mix.wav", Pattern: "*beat*mix*.wav", Optional: true},
	{Kind: model.ArtifactMixed, Stage: model.StageVocal, FileName: "mix.wav", Pattern: "*mix*.wav"},
	{Kind: model.ArtifactVocal, Stage: model.StageVocal, FileName: "vocal.wav", Pattern: "*vocal*.wav"},
}

// SpecsFor returns the specs produced by one stage.
func SpecsFor(stage model.StageName) []Spec {
	var out []Spec
	for _, s := range DefaultSpecs {
		if s.Stage == stage {
			out = append(out, s)
		}
	}
	return out
}

// SpecOf looks up the spec of kind.
func SpecOf(kind model.ArtifactKind) (Spec, bool) {
	for _, s := range DefaultSpecs {
		if s.Kind == kind {
			return s, true
		}
	}
	return Spec{}, false
}

// Lookup identifies the stage run whose output is being searched for.
type Lookup struct {
	JobID   string
	Workdir string
	// Since is when the job started. Files in directories shared between
	// jobs must not be older than this.
	Since time.Time
}

// Candidate proposes paths where an artifact may be found.
type Candidate interface {
	Name() string
	Paths(spec Spec, l Lookup) ([]string, error)
}

// JobDirCandidate looks for the exact file name in the job workdir.
type JobDirCandidate struct{}

func (JobDirCandidate) Name() string { return "job_dir" }

func (JobDirCandidate) Paths(spec Spec, l Lookup) ([]string, error) {
	return []string{filepath.Join(l.Workdir, spec.FileName)}, nil
}

// LegacyFlatCandidate looks in the flat per-stage results directories used
// before outputs were scoped per job: <stage>_results_<set> first, then the
// unsuffixed <stage>_results. These directories are shared by all jobs, so
// only files written since the job started are offered.
type LegacyFlatCandidate struct {
	SharedDir string
	ModelSet  string
}

func (LegacyFlatCandidate) Name() string { return "legacy_flat" }

func (c LegacyFlatCandidate) dirs(stage model.StageName) []string {
	var dirs []string
	if c.ModelSet != "" {
		dirs = append(dirs, filepath.Join(c.SharedDir, string(stage)+"_results_"+c.ModelSet))
	}
	return append(dirs, filepath.Join(c.SharedDir, string(stage)+"_results"))
}

func (c LegacyFlatCandidate) Paths(spec Spec, l Lookup) ([]string, error) {
	// Filesystems with coarse timestamps may round a fresh mtime down.
	since := l.Since.Truncate(time.Second)
	var out []string
	for _, dir := range c.dirs(spec.Stage) {
		p := filepath.Join(dir, spec.FileName)
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if !l.Since.IsZero() && info.ModTime().Before(since) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// GlobCandidate searches the workdir tree for the spec pattern.
type GlobCandidate struct{}

func (GlobCandidate) Name() string { return "glob" }

func (GlobCandidate) Paths(spec Spec, l Lookup) ([]string, error) {
	if spec.Pattern == "" {
		return nil, nil
	}
	matches, err := doublestar.Glob(filepath.Join(l.Workdir, "**", spec.Pattern))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// DefaultCandidates is the search order used in production.
func DefaultCandidates(sharedDir, modelSet string) []Candidate {
	return []Candidate{
		JobDirCandidate{},
		LegacyFlatCandidate{SharedDir: sharedDir, ModelSet: modelSet},
		GlobCandidate{},
	}
}
