package domain

// Progress phases shared by the pipeline drivers.
const (
	PhasePreparing     = "preparing"
	PhaseProcessing    = "processing"
	PhaseUpscaling     = "upscaling"
	PhaseEncoding      = "encoding"
	PhaseCompositing   = "compositing"
	PhaseConcatenating = "concatenating"
	PhaseFinalizing    = "finalizing"
	PhaseUploading     = "uploading"
)

// ProgressEvent is the ephemeral per-job progress signal fanned out to
// subscribers. It is never required for correctness; the Job Store is
// authoritative.
type ProgressEvent struct {
	JobID          string    `json:"job_id"`
	Seq            uint64    `json:"seq"`
	Status         JobStatus `json:"status"`
	Progress       *int      `json:"progress,omitempty"`
	Message        string    `json:"message,omitempty"`
	Phase          string    `json:"phase,omitempty"`
	OutputRef      string    `json:"output_ref,omitempty"`
	OutputFilename string    `json:"output_filename,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Terminal reports whether the event announces a terminal job state.
func (e ProgressEvent) Terminal() bool { return e.Status.Terminal() }

// ProgressFunc is the callback drivers report through. Safe for concurrent
// use; percent is clamped to [0,100] by the caller-facing wrapper.
type ProgressFunc func(percent int, message, phase string)

// ProgressSink receives job progress; the scheduler binds driver callbacks to
// it and publishes terminal events through it.
type ProgressSink interface {
	Publish(jobID string, percent int, message, phase string)
	PublishTerminal(job Job)
}
