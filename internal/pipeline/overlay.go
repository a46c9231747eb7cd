package pipeline

import (
	"context"
	"fmt"

	"github.com/matchcut/export-orchestrator/internal/domain"
)

// overlayDriver composites animated graphics layers over a working video,
// preserving its resolution and frame rate.
type overlayDriver struct {
	deps Deps
}

func (d *overlayDriver) Kind() domain.JobKind { return domain.KindOverlay }

func (d *overlayDriver) Run(ctx context.Context, job domain.Job, report domain.ProgressFunc) (Result, error) {
	report = monotonic(report)
	params, err := domain.ParseParams(domain.KindOverlay, job.Params)
	if err != nil {
		return Result{}, err
	}
	res, err := d.render(ctx, job.ID, params.Overlay, report)
	if err != nil {
		return Result{}, d.deps.finishErr(ctx, job.ID, err)
	}
	return res, nil
}

func (d *overlayDriver) render(ctx context.Context, jobID string, p *domain.OverlayParams, report domain.ProgressFunc) (Result, error) {
	report(0, "fetching source", domain.PhasePreparing)
	sess, err := d.deps.newSession(jobID)
	if err != nil {
		return Result{}, err
	}
	defer sess.cleanup()

	inPath := sess.path("source.mp4")
	if err := d.deps.fetchSource(ctx, p.SourceRef, inPath); err != nil {
		return Result{}, err
	}
	report(5, "source ready", domain.PhasePreparing)
	if err := checkCancel(ctx); err != nil {
		return Result{}, err
	}

	spec := domain.OverlayRenderSpec{
		InputPath:  inPath,
		OutputPath: sess.path("composited.mp4"),
		Layers:     ResolveLayers(p.Layers),
	}
	onProgress := bandedProgress(report, []band{
		{upTo: 1.0, lo: 5, hi: 95, phase: domain.PhaseCompositing, message: "compositing overlays"},
	})
	if err := d.deps.Encoder.RenderOverlay(ctx, spec, onProgress); err != nil {
		return Result{}, fmt.Errorf("op=overlay.render: %w", err)
	}
	if err := checkCancel(ctx); err != nil {
		return Result{}, err
	}

	filename := "composited.mp4"
	key := outputKey(jobID, filename)
	report(98, "uploading result", domain.PhaseFinalizing)
	if err := d.deps.uploadFile(ctx, spec.OutputPath, key, "video/mp4"); err != nil {
		return Result{}, err
	}
	report(100, "export complete", domain.PhaseFinalizing)
	return Result{OutputRef: key, OutputFilename: filename}, nil
}
