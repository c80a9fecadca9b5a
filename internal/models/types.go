package models

// JobState represents where a job currently is in the pipeline
type JobState string

const (
	JobStateQueued         JobState = "queued"
	JobStateResolving      JobState = "resolving"
	JobStateDownloading    JobState = "downloading"
	JobStatePostProcessing JobState = "post_processing"
	JobStateCompleted      JobState = "completed"
	JobStateFailed         JobState = "failed"
	JobStateCancelled      JobState = "cancelled"
)

// String returns the string representation of JobState
func (s JobState) String() string {
	return string(s)
}

// IsTerminal returns true once a job can no longer change state
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateCancelled
}

// IsActive returns true while a worker owns the job
func (s JobState) IsActive() bool {
	return s == JobStateResolving || s == JobStateDownloading || s == JobStatePostProcessing
}

// validTransitions lists the forward edges of the job state machine.
// Failed and Cancelled are reachable from every non-terminal state.
var validTransitions = map[JobState][]JobState{
	JobStateQueued:         {JobStateResolving, JobStateDownloading},
	JobStateResolving:      {JobStateDownloading},
	JobStateDownloading:    {JobStatePostProcessing, JobStateCompleted},
	JobStatePostProcessing: {JobStateCompleted},
}

// CanTransition reports whether a job may move from one state to another
func CanTransition(from, to JobState) bool {
	if from.IsTerminal() {
		return false
	}
	if to == JobStateFailed || to == JobStateCancelled {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// OutputMode represents what the caller wants out of a job
type OutputMode string

const (
	OutputModeVideo       OutputMode = "video"       // keep the fetched variant as-is
	OutputModeAudio       OutputMode = "audio"       // extract the audio stream only
	OutputModeRecontainer OutputMode = "recontainer" // re-mux into another container
)

// RequiresPostProcessing returns true if the mode needs the transcoding engine
func (m OutputMode) RequiresPostProcessing() bool {
	return m == OutputModeAudio || m == OutputModeRecontainer
}

// Valid reports whether the mode is one of the known output modes
func (m OutputMode) Valid() bool {
	switch m {
	case OutputModeVideo, OutputModeAudio, OutputModeRecontainer:
		return true
	default:
		return false
	}
}
