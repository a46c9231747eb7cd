package pipeline

import (
	"context"
	"fmt"

	"github.com/matchcut/export-orchestrator/internal/domain"
)

// framingDriver renders a frame-accurate crop of a single source: interpolated
// crop path, optional retime segments and trim, encode at the requested aspect
// and frame rate.
type framingDriver struct {
	deps Deps
}

func (d *framingDriver) Kind() domain.JobKind { return domain.KindFraming }

func (d *framingDriver) Run(ctx context.Context, job domain.Job, report domain.ProgressFunc) (Result, error) {
	report = monotonic(report)
	params, err := domain.ParseParams(domain.KindFraming, job.Params)
	if err != nil {
		return Result{}, err
	}
	p := params.Framing

	res, err := d.render(ctx, job.ID, p, report)
	if err != nil {
		return Result{}, d.deps.finishErr(ctx, job.ID, err)
	}
	return res, nil
}

func (d *framingDriver) render(ctx context.Context, jobID string, p *domain.FramingParams, report domain.ProgressFunc) (Result, error) {
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
	info, err := d.deps.Encoder.Probe(ctx, inPath)
	if err != nil {
		return Result{}, fmt.Errorf("op=framing.probe: %w", err)
	}
	report(5, "source ready", domain.PhasePreparing)
	if err := checkCancel(ctx); err != nil {
		return Result{}, err
	}

	start, end := sourceWindow(info, p.Trim)
	tw, th := targetDims(info, p.AspectRatio)
	spec := domain.FramedRenderSpec{
		InputPath:     inPath,
		OutputPath:    sess.path("framed.mp4"),
		Crops:         SampleCrops(p.CropKeyframes, start, end, p.FrameRate),
		Segments:      p.Segments,
		Trim:          p.Trim,
		TargetWidth:   tw,
		TargetHeight:  th,
		FrameRate:     p.FrameRate,
		IncludeAudio:  p.IncludeAudio,
		PreservePitch: p.PreservePitch,
		Upscale:       p.Upscale,
	}
	// The encode flush is the tail of the single render pass.
	onProgress := bandedProgress(report, []band{
		{upTo: 0.9, lo: 5, hi: 90, phase: domain.PhaseProcessing, message: "rendering framed video"},
		{upTo: 1.0, lo: 90, hi: 98, phase: domain.PhaseEncoding, message: "encoding output"},
	})
	if err := d.deps.Encoder.RenderFramed(ctx, spec, onProgress); err != nil {
		return Result{}, fmt.Errorf("op=framing.render: %w", err)
	}
	if err := checkCancel(ctx); err != nil {
		return Result{}, err
	}

	filename := "framed.mp4"
	key := outputKey(jobID, filename)
	report(98, "uploading result", domain.PhaseFinalizing)
	if err := d.deps.uploadFile(ctx, spec.OutputPath, key, "video/mp4"); err != nil {
		return Result{}, err
	}
	report(100, "export complete", domain.PhaseFinalizing)
	return Result{OutputRef: key, OutputFilename: filename}, nil
}
