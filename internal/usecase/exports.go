// Package usecase implements the application services over the domain ports.
package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/oklog/ulid/v2"

	"github.com/matchcut/export-orchestrator/internal/adapter/observability"
	"github.com/matchcut/export-orchestrator/internal/domain"
)

// ExportService is the export job application service: submission, queries,
// cancellation, and output download.
type ExportService struct {
	repo       domain.JobRepository
	blob       domain.BlobStore
	gate       domain.AdmissionGate
	notifier   domain.Notifier
	sink       domain.ProgressSink
	logger     *slog.Logger
	presignTTL time.Duration
}

// NewExportService wires the service.
func NewExportService(repo domain.JobRepository, blob domain.BlobStore, gate domain.AdmissionGate, notifier domain.Notifier, sink domain.ProgressSink, logger *slog.Logger, presignTTL time.Duration) *ExportService {
	if presignTTL <= 0 {
		presignTTL = 15 * time.Minute
	}
	return &ExportService{
		repo:       repo,
		blob:       blob,
		gate:       gate,
		notifier:   notifier,
		sink:       sink,
		logger:     logger,
		presignTTL: presignTTL,
	}
}

// Submit validates, admits, and persists a new pending job, then nudges the
// worker pool. Validation failures never create a row.
func (s *ExportService) Submit(ctx context.Context, owner, projectRef string, kind domain.JobKind, rawParams []byte) (domain.Job, error) {
	if projectRef == "" {
		return domain.Job{}, fmt.Errorf("%w: project_ref required", domain.ErrInvalidArgument)
	}
	if _, err := domain.ParseParams(kind, rawParams); err != nil {
		return domain.Job{}, err
	}
	if err := s.gate.Admit(ctx, owner, kind); err != nil {
		if !errors.Is(err, domain.ErrAdmission) {
			err = fmt.Errorf("%w: %v", domain.ErrAdmission, err)
		}
		return domain.Job{}, err
	}

	job := domain.Job{
		ID:         ulid.Make().String(),
		Owner:      owner,
		ProjectRef: projectRef,
		Kind:       kind,
		Params:     rawParams,
		Status:     domain.JobPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return domain.Job{}, fmt.Errorf("op=exports.submit: %w", err)
	}
	observability.JobsSubmittedTotal.WithLabelValues(string(kind)).Inc()
	s.notifier.NotifySubmitted(ctx, job.ID)
	s.logger.Info("job submitted",
		slog.String("job_id", job.ID),
		slog.String("kind", string(kind)),
		slog.String("project_ref", projectRef),
		slog.String("owner", owner))
	return job, nil
}

// Get returns one job.
func (s *ExportService) Get(ctx context.Context, jobID string) (domain.Job, error) {
	return s.repo.Get(ctx, jobID)
}

// ListActive returns the caller's pending and processing jobs.
func (s *ExportService) ListActive(ctx context.Context, owner string) ([]domain.Job, error) {
	return s.repo.List(ctx, domain.JobFilter{Owner: owner, ActiveOnly: true})
}

// ListProject returns a project's jobs, newest first. The filter's ProjectRef
// must be set; Status, Since, and Limit narrow the result.
func (s *ExportService) ListProject(ctx context.Context, f domain.JobFilter) ([]domain.Job, error) {
	if f.ProjectRef == "" {
		return nil, fmt.Errorf("%w: project_ref required", domain.ErrInvalidArgument)
	}
	return s.repo.List(ctx, f)
}

// Cancel requests cancellation. A pending job is cancelled on the spot (and
// its terminal event published here, since no worker will ever see it); a
// processing job gets the flag its worker polls. Terminal jobs are unchanged.
func (s *ExportService) Cancel(ctx context.Context, jobID string) (domain.Job, error) {
	before, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	job, err := s.repo.RequestCancel(ctx, jobID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=exports.cancel: %w", err)
	}
	if before.Status == domain.JobPending && job.Status == domain.JobCancelled {
		observability.JobsCancelledTotal.WithLabelValues(string(job.Kind)).Inc()
		s.sink.PublishTerminal(job)
	}
	s.logger.Info("cancel requested",
		slog.String("job_id", jobID),
		slog.String("status", string(job.Status)))
	return job, nil
}

// Download is the output handoff: a presigned URL when the store supports it,
// else the bytes to proxy.
type Download struct {
	URL         string
	Body        io.ReadCloser
	ContentType string
	Filename    string
}

// Download resolves a complete job's output. Non-complete jobs return
// ErrNotReady.
func (s *ExportService) Download(ctx context.Context, jobID string) (Download, error) {
	job, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return Download{}, err
	}
	if job.Status != domain.JobComplete {
		return Download{}, fmt.Errorf("%w: job is %s", domain.ErrNotReady, job.Status)
	}

	url, err := s.blob.SignedURL(ctx, job.OutputRef, s.presignTTL)
	switch {
	case err == nil:
		return Download{URL: url, Filename: job.OutputFilename}, nil
	case errors.Is(err, domain.ErrNoSignedURL):
		// Fall through to proxying.
	default:
		return Download{}, fmt.Errorf("op=exports.download: %w", err)
	}

	body, err := s.blob.Get(ctx, job.OutputRef)
	if err != nil {
		return Download{}, fmt.Errorf("op=exports.download: %w", err)
	}
	head := make([]byte, 3072)
	n, _ := io.ReadFull(body, head)
	head = head[:n]
	contentType := mimetype.Detect(head).String()
	return Download{
		Body:        readCloser{io.MultiReader(bytes.NewReader(head), body), body},
		ContentType: contentType,
		Filename:    job.OutputFilename,
	}, nil
}

// readCloser re-joins the sniffed head with the remaining stream.
type readCloser struct {
	io.Reader
	io.Closer
}
