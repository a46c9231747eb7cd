package pipeline

import (
	"context"
	"fmt"

	"github.com/matchcut/export-orchestrator/internal/domain"
)

// multiclipDriver frames each clip against a shared aspect and frame rate,
// then joins them with the requested transition.
type multiclipDriver struct {
	deps Deps
}

func (d *multiclipDriver) Kind() domain.JobKind { return domain.KindMulticlip }

func (d *multiclipDriver) Run(ctx context.Context, job domain.Job, report domain.ProgressFunc) (Result, error) {
	report = monotonic(report)
	params, err := domain.ParseParams(domain.KindMulticlip, job.Params)
	if err != nil {
		return Result{}, err
	}
	res, err := d.render(ctx, job.ID, params.Multiclip, report)
	if err != nil {
		return Result{}, d.deps.finishErr(ctx, job.ID, err)
	}
	return res, nil
}

func (d *multiclipDriver) render(ctx context.Context, jobID string, p *domain.MulticlipParams, report domain.ProgressFunc) (Result, error) {
	report(0, "fetching sources", domain.PhasePreparing)
	sess, err := d.deps.newSession(jobID)
	if err != nil {
		return Result{}, err
	}
	defer sess.cleanup()

	n := len(p.Clips)
	inPaths := make([]string, n)
	infos := make([]domain.MediaInfo, n)
	for i, clip := range p.Clips {
		if err := checkCancel(ctx); err != nil {
			return Result{}, err
		}
		inPaths[i] = sess.path(fmt.Sprintf("source-%d.mp4", i))
		if err := d.deps.fetchSource(ctx, clip.SourceRef, inPaths[i]); err != nil {
			return Result{}, err
		}
		info, err := d.deps.Encoder.Probe(ctx, inPaths[i])
		if err != nil {
			return Result{}, fmt.Errorf("op=multiclip.probe clip=%d: %w", i, err)
		}
		infos[i] = info
	}
	// The join requires equal frame sizes, so every clip renders to one shared
	// geometry. The smallest source height wins; no clip upscales.
	lowest := infos[0]
	for _, info := range infos[1:] {
		if info.Height < lowest.Height {
			lowest = info
		}
	}
	tw, th := targetDims(lowest, p.AspectRatio)

	clipPaths := make([]string, n)
	// Each clip occupies an equal slice of the 5..80 window.
	clipSpan := 75.0 / float64(n)
	for i, clip := range p.Clips {
		if err := checkCancel(ctx); err != nil {
			return Result{}, err
		}
		phase := fmt.Sprintf("processing-clip-%d/%d", i+1, n)
		lo := 5 + int(float64(i)*clipSpan)
		hi := 5 + int(float64(i+1)*clipSpan)
		report(lo, fmt.Sprintf("rendering clip %d of %d", i+1, n), phase)

		start, end := sourceWindow(infos[i], clip.Trim)
		clipPaths[i] = sess.path(fmt.Sprintf("clip-%d.mp4", i))
		spec := domain.FramedRenderSpec{
			InputPath:    inPaths[i],
			OutputPath:   clipPaths[i],
			Crops:        SampleCrops(clip.CropKeyframes, start, end, p.FrameRate),
			Segments:     clip.Segments,
			Trim:         clip.Trim,
			TargetWidth:  tw,
			TargetHeight: th,
			FrameRate:    p.FrameRate,
			IncludeAudio: true,
		}
		onProgress := bandedProgress(report, []band{
			{upTo: 1.0, lo: lo, hi: hi, phase: phase, message: fmt.Sprintf("rendering clip %d of %d", i+1, n)},
		})
		if err := d.deps.Encoder.RenderFramed(ctx, spec, onProgress); err != nil {
			return Result{}, fmt.Errorf("op=multiclip.render clip=%d: %w", i, err)
		}
	}
	if err := checkCancel(ctx); err != nil {
		return Result{}, err
	}

	outPath := sess.path("joined.mp4")
	concat := domain.ConcatSpec{
		InputPaths: clipPaths,
		OutputPath: outPath,
		Transition: p.Transition,
		FrameRate:  p.FrameRate,
	}
	onProgress := bandedProgress(report, []band{
		{upTo: 1.0, lo: 80, hi: 95, phase: domain.PhaseConcatenating, message: "joining clips"},
	})
	if err := d.deps.Encoder.Concat(ctx, concat, onProgress); err != nil {
		return Result{}, fmt.Errorf("op=multiclip.concat: %w", err)
	}
	if err := checkCancel(ctx); err != nil {
		return Result{}, err
	}

	filename := "multiclip.mp4"
	key := outputKey(jobID, filename)
	report(98, "uploading result", domain.PhaseFinalizing)
	if err := d.deps.uploadFile(ctx, outPath, key, "video/mp4"); err != nil {
		return Result{}, err
	}
	report(100, "export complete", domain.PhaseFinalizing)
	return Result{OutputRef: key, OutputFilename: filename}, nil
}
