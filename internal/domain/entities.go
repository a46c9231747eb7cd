// Package domain holds the export orchestrator's entities and ports.
//
// The Job Store is the single source of truth for job state; every other
// component (scheduler, drivers, progress hub, API) treats it as the arbiter.
package domain

import (
	"context"
	"errors"
	"io"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	// ErrConflict signals a precondition-failed state transition: the caller lost
	// a race and must re-read the job.
	ErrConflict = errors.New("conflict")
	// ErrAdmission signals the caller is not entitled to run the job (wallet,
	// quota); surfaced as 402 at submit.
	ErrAdmission = errors.New("admission rejected")
	// ErrCancelled is returned by drivers that observed a cancel request.
	ErrCancelled = errors.New("cancelled")
	ErrNotReady  = errors.New("output not ready")
	ErrInternal  = errors.New("internal error")
)

// JobStatus is the persistent lifecycle state of an export job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobComplete   JobStatus = "complete"
	JobError      JobStatus = "error"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether s admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobComplete || s == JobError || s == JobCancelled
}

// JobKind selects the pipeline driver for a job.
type JobKind string

const (
	KindFraming   JobKind = "framing"
	KindOverlay   JobKind = "overlay"
	KindMulticlip JobKind = "multiclip"
	KindAnnotate  JobKind = "annotate-extract"
)

// AllKinds lists every kind a scheduler worker is willing to claim.
var AllKinds = []JobKind{KindFraming, KindOverlay, KindMulticlip, KindAnnotate}

// ValidKind reports whether k names a known pipeline.
func ValidKind(k JobKind) bool {
	switch k {
	case KindFraming, KindOverlay, KindMulticlip, KindAnnotate:
		return true
	}
	return false
}

// Job is the durable export request.
//
// Invariants (enforced by the store's transition preconditions):
//   - status advances monotonically along the declared graph
//   - OutputRef non-empty iff status=complete; Error non-empty iff status=error
//   - CreatedAt <= StartedAt <= CompletedAt where set
//   - params are immutable after submission
type Job struct {
	ID              string
	Owner           string
	ProjectRef      string
	Kind            JobKind
	Params          []byte // serialized ExportParams document, persisted verbatim
	Status          JobStatus
	OutputRef       string
	OutputFilename  string
	Error           string
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	WorkerID        string
	CancelRequested bool
	Attempts        int
}

// JobFilter narrows List queries. Zero values mean "any".
type JobFilter struct {
	ProjectRef string
	Owner      string
	Status     JobStatus
	Since      time.Time
	ActiveOnly bool
	Limit      int
}

// JobRepository is the durable job store. ClaimNext is the critical
// section: exactly one concurrent caller receives any given pending job.
type JobRepository interface {
	Create(ctx context.Context, j Job) error
	// ClaimNext atomically moves the oldest pending job of one of the given
	// kinds to processing, stamping started_at and worker_id. Returns
	// ErrNotFound when no job is available.
	ClaimNext(ctx context.Context, workerID string, kinds []JobKind) (Job, error)
	MarkComplete(ctx context.Context, jobID, outputRef, filename string) error
	MarkError(ctx context.Context, jobID, message string) error
	MarkCancelled(ctx context.Context, jobID string) error
	// RequestCancel transitions pending→cancelled immediately; for processing it
	// records the cancel-requested flag the driver polls. Terminal states no-op.
	RequestCancel(ctx context.Context, jobID string) (Job, error)
	CancelRequested(ctx context.Context, jobID string) (bool, error)
	Get(ctx context.Context, jobID string) (Job, error)
	List(ctx context.Context, f JobFilter) ([]Job, error)
	// RecoverOrphans reconciles non-terminal jobs at startup and returns the ids
	// it marked error (processing orphans) and cancelled (pending with cancel
	// intent).
	RecoverOrphans(ctx context.Context, message string) (errored, cancelled []string, err error)
}

// ErrNoSignedURL is returned by stores that cannot presign; callers fall back
// to proxying bytes.
var ErrNoSignedURL = errors.New("signed urls unsupported")

// BlobStore abstracts object storage. Writes are by fresh keys; no overwrite.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, r io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	// SignedURL returns a short-lived GET URL, or ErrNoSignedURL.
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// AdmissionGate is the boundary hook invoked before a job row is created
// (wallet debit, quota). Implementations return ErrAdmission-wrapped errors.
type AdmissionGate interface {
	Admit(ctx context.Context, owner string, kind JobKind) error
}

// AllowAll is the default gate when no admission backend is configured.
type AllowAll struct{}

// Admit always succeeds.
func (AllowAll) Admit(context.Context, string, JobKind) error { return nil }

// Notifier wakes idle scheduler workers when a job is submitted. Best-effort;
// the claim loop's backoff timer covers lost notifications.
type Notifier interface {
	NotifySubmitted(ctx context.Context, jobID string)
	// Wake returns a channel that receives (or is closed) when work may be
	// available.
	Wake() <-chan struct{}
	Close() error
}
