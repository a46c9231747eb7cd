package gpu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/matchcut/export-orchestrator/internal/domain"
	"github.com/matchcut/export-orchestrator/internal/pipeline"
)

// driver adapts the remote client to the pipeline driver contract for one
// export kind.
type driver struct {
	kind   domain.JobKind
	client *Client
	blob   domain.BlobStore
	logger *slog.Logger
}

// NewRegistry builds a driver set that routes every export kind through the
// remote render service. The blob store must support presigned URLs.
func NewRegistry(client *Client, blob domain.BlobStore, logger *slog.Logger) map[domain.JobKind]pipeline.Driver {
	out := make(map[domain.JobKind]pipeline.Driver, len(domain.AllKinds))
	for _, k := range domain.AllKinds {
		out[k] = &driver{kind: k, client: client, blob: blob, logger: logger}
	}
	return out
}

func (d *driver) Kind() domain.JobKind { return d.kind }

// sourceRefs pulls every blob key a job's params reference.
func sourceRefs(p domain.ExportParams) []string {
	switch {
	case p.Framing != nil:
		return []string{p.Framing.SourceRef}
	case p.Overlay != nil:
		return []string{p.Overlay.SourceRef}
	case p.Multiclip != nil:
		seen := map[string]bool{}
		var refs []string
		for _, c := range p.Multiclip.Clips {
			if !seen[c.SourceRef] {
				seen[c.SourceRef] = true
				refs = append(refs, c.SourceRef)
			}
		}
		return refs
	case p.Annotate != nil:
		return []string{p.Annotate.SourceRef}
	}
	return nil
}

func (d *driver) Run(ctx context.Context, job domain.Job, report domain.ProgressFunc) (pipeline.Result, error) {
	params, err := domain.ParseParams(job.Kind, job.Params)
	if err != nil {
		return pipeline.Result{}, err
	}

	report(0, "submitting to render service", domain.PhasePreparing)
	urls := make(map[string]string)
	for _, ref := range sourceRefs(params) {
		u, err := d.blob.SignedURL(ctx, ref, d.client.opts.PresignTTL)
		if err != nil {
			if errors.Is(err, domain.ErrNoSignedURL) {
				return pipeline.Result{}, fmt.Errorf("op=gpu.driver: blob store cannot presign sources: %w", domain.ErrInternal)
			}
			return pipeline.Result{}, err
		}
		urls[ref] = u
	}

	renderID, err := d.client.Submit(ctx, job.ID, job.Kind, job.Params, urls)
	if err != nil {
		return pipeline.Result{}, d.finish(ctx, job.ID, "", err)
	}

	st, err := d.poll(ctx, job.ID, renderID, report)
	if err != nil {
		return pipeline.Result{}, d.finish(ctx, job.ID, renderID, err)
	}

	res, err := d.store(ctx, job.ID, st, report)
	if err != nil {
		return pipeline.Result{}, d.finish(ctx, job.ID, renderID, err)
	}
	report(100, "export complete", domain.PhaseFinalizing)
	return res, nil
}

// poll watches the render until a terminal remote state, relaying progress. A
// phase that stops advancing past the phase timeout fails the job.
func (d *driver) poll(ctx context.Context, jobID, renderID string, report domain.ProgressFunc) (renderStatus, error) {
	ticker := time.NewTicker(d.client.opts.PollInterval)
	defer ticker.Stop()

	lastPhase := ""
	phaseStart := time.Now()
	for {
		select {
		case <-ctx.Done():
			return renderStatus{}, domain.ErrCancelled
		case <-ticker.C:
		}
		st, err := d.client.Status(ctx, renderID)
		if err != nil {
			if ctx.Err() != nil {
				return renderStatus{}, domain.ErrCancelled
			}
			// Transient poll failures ride on the next tick.
			d.logger.Warn("render poll failed",
				slog.String("job_id", jobID), slog.String("render_id", renderID), slog.Any("error", err))
			continue
		}
		switch st.Status {
		case "complete":
			return st, nil
		case "error":
			return renderStatus{}, fmt.Errorf("op=gpu.driver: remote render failed: %s", sanitize(st.Error))
		}
		if st.Phase != lastPhase {
			lastPhase = st.Phase
			phaseStart = time.Now()
		} else if time.Since(phaseStart) > d.client.opts.PhaseTimeout {
			return renderStatus{}, fmt.Errorf("op=gpu.driver: render stalled in phase %q: %w", st.Phase, domain.ErrInternal)
		}
		// Remote percents map onto 5..90; the transfer back takes the rest.
		percent := 5 + st.Progress*85/100
		report(percent, st.Message, st.Phase)
	}
}

// store copies the remote artifact into the job's output prefix.
func (d *driver) store(ctx context.Context, jobID string, st renderStatus, report domain.ProgressFunc) (pipeline.Result, error) {
	if st.OutputURL == "" {
		return pipeline.Result{}, fmt.Errorf("op=gpu.driver: complete render without output url: %w", domain.ErrInternal)
	}
	filename := st.OutputFilename
	if filename == "" {
		filename = "render.mp4"
	}
	report(92, "transferring result", domain.PhaseUploading)
	body, err := d.client.Download(ctx, st.OutputURL)
	if err != nil {
		return pipeline.Result{}, err
	}
	defer body.Close()
	key := "exports/" + jobID + "/" + filename
	if err := d.blob.Put(ctx, key, "video/mp4", body); err != nil {
		return pipeline.Result{}, fmt.Errorf("op=gpu.driver key=%s: %w", key, err)
	}
	return pipeline.Result{OutputRef: key, OutputFilename: filename}, nil
}

// finish maps cancellation, tells the service to stop, and removes partial
// output.
func (d *driver) finish(ctx context.Context, jobID, renderID string, err error) error {
	if ctx.Err() == nil && !errors.Is(err, domain.ErrCancelled) {
		return err
	}
	bg := context.WithoutCancel(ctx)
	if renderID != "" {
		if cerr := d.client.Cancel(bg, renderID); cerr != nil {
			d.logger.Debug("remote cancel failed",
				slog.String("job_id", jobID), slog.String("render_id", renderID), slog.Any("error", cerr))
		}
	}
	if derr := d.blob.DeletePrefix(bg, "exports/"+jobID+"/"); derr != nil {
		d.logger.Warn("partial output cleanup failed", slog.String("job_id", jobID), slog.Any("error", derr))
	}
	return domain.ErrCancelled
}
