package model

// JobStatus is a step in the job state machine.
type JobStatus string

const (
	JobStatusPending       JobStatus = "pending"
	JobStatusMelodyRunning JobStatus = "melody_running"
	JobStatusMelodyDone    JobStatus = "melody_done"
	JobStatusVocalRunning  JobStatus = "vocal_running"
	JobStatusVocalDone     JobStatus = "vocal_done"
	JobStatusUploading     JobStatus = "uploading"
	JobStatusCompleted     JobStatus = "completed"
	JobStatusFailed        JobStatus = "failed"
)

// AllStatuses lists every status in DAG order, failed last.
var AllStatuses = []JobStatus{
	JobStatusPending,
	JobStatusMelodyRunning,
	JobStatusMelodyDone,
	JobStatusVocalRunning,
	JobStatusVocalDone,
	JobStatusUploading,
	JobStatusCompleted,
	JobStatusFailed,
}

// transitions is the forward edge set. failed is added for every
// non-terminal state in CanTransition.
var transitions = map[JobStatus][]JobStatus{
	JobStatusPending:       {JobStatusMelodyRunning},
	JobStatusMelodyRunning: {JobStatusMelodyDone},
	JobStatusMelodyDone:    {JobStatusVocalRunning, JobStatusUploading},
	JobStatusVocalRunning:  {JobStatusVocalDone},
	JobStatusVocalDone:     {JobStatusUploading},
	JobStatusUploading:     {JobStatusCompleted},
}

// IsTerminal reports whether no further transition is possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// IsRunning reports whether the job has been claimed but not finished.
func (s JobStatus) IsRunning() bool {
	return s.IsValid() && s != JobStatusPending && !s.IsTerminal()
}

// IsValid reports whether s is a known status.
func (s JobStatus) IsValid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Rank orders statuses along the success path. failed ranks after every
// other status so monotonicity checks treat it as a forward move.
func (s JobStatus) Rank() int {
	for i, known := range AllStatuses {
		if s == known {
			return i
		}
	}
	return -1
}

// CanTransition reports whether from -> to is an edge of the job DAG.
func CanTransition(from, to JobStatus) bool {
	if from.IsTerminal() || !from.IsValid() {
		return false
	}
	if to == JobStatusFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ArtifactKind names one downloadable output of the pipeline.
type ArtifactKind string

const (
	ArtifactVocal   ArtifactKind = "vocal"
	ArtifactMixed   ArtifactKind = "mixed"
	ArtifactBeatMix ArtifactKind = "beat_mix"
	ArtifactMIDI    ArtifactKind = "midi"
)

// StageName identifies one of the external compute stages.
type StageName string

const (
	StageMelody StageName = "melody"
	StageVocal  StageName = "vocal"
)

// Voice selects the singer model used by the vocal stage.
type Voice string

const (
	VoiceFemale Voice = "female"
	VoiceMale   Voice = "male"
)
