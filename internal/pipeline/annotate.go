package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/matchcut/export-orchestrator/internal/domain"
)

// annotateDriver cuts named regions out of a game video and publishes a
// manifest describing the extracted clips. The manifest is the job's output.
type annotateDriver struct {
	deps Deps
}

func (d *annotateDriver) Kind() domain.JobKind { return domain.KindAnnotate }

// clipManifest is the annotate-extract output document.
type clipManifest struct {
	SourceRef string         `json:"source_ref"`
	Clips     []manifestClip `json:"clips"`
}

type manifestClip struct {
	Name     string   `json:"name"`
	StartSec float64  `json:"start_sec"`
	EndSec   float64  `json:"end_sec"`
	Rating   *float64 `json:"rating,omitempty"`
	Ref      string   `json:"ref"`
	Filename string   `json:"filename"`
}

func (d *annotateDriver) Run(ctx context.Context, job domain.Job, report domain.ProgressFunc) (Result, error) {
	report = monotonic(report)
	params, err := domain.ParseParams(domain.KindAnnotate, job.Params)
	if err != nil {
		return Result{}, err
	}
	res, err := d.extract(ctx, job.ID, params.Annotate, report)
	if err != nil {
		return Result{}, d.deps.finishErr(ctx, job.ID, err)
	}
	return res, nil
}

func (d *annotateDriver) extract(ctx context.Context, jobID string, p *domain.AnnotateParams, report domain.ProgressFunc) (Result, error) {
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

	n := len(p.Regions)
	manifest := clipManifest{SourceRef: p.SourceRef, Clips: make([]manifestClip, 0, n)}
	for i, region := range p.Regions {
		if err := checkCancel(ctx); err != nil {
			return Result{}, err
		}
		phase := fmt.Sprintf("extracting-%d/%d", i+1, n)
		report(95*i/n, fmt.Sprintf("extracting %q", region.Name), phase)

		filename := fmt.Sprintf("%03d-%s.mp4", i+1, slugify(region.Name))
		clipPath := sess.path(filename)
		spec := domain.ClipExtractSpec{
			InputPath:  inPath,
			OutputPath: clipPath,
			StartSec:   region.StartSec,
			EndSec:     region.EndSec,
		}
		if err := d.deps.Encoder.ExtractClip(ctx, spec); err != nil {
			return Result{}, fmt.Errorf("op=annotate.extract region=%d: %w", i, err)
		}
		key := outputKey(jobID, filename)
		if err := d.deps.uploadFile(ctx, clipPath, key, "video/mp4"); err != nil {
			return Result{}, err
		}
		manifest.Clips = append(manifest.Clips, manifestClip{
			Name:     region.Name,
			StartSec: region.StartSec,
			EndSec:   region.EndSec,
			Rating:   region.Rating,
			Ref:      key,
			Filename: filename,
		})
	}
	if err := checkCancel(ctx); err != nil {
		return Result{}, err
	}

	report(95, "writing manifest", domain.PhaseFinalizing)
	doc, err := json.Marshal(manifest)
	if err != nil {
		return Result{}, fmt.Errorf("op=annotate.manifest: %w", err)
	}
	manifestKey := outputKey(jobID, "manifest.json")
	if err := d.deps.Blob.Put(ctx, manifestKey, "application/json", bytes.NewReader(doc)); err != nil {
		return Result{}, fmt.Errorf("op=annotate.manifest key=%s: %w", manifestKey, err)
	}
	report(100, "export complete", domain.PhaseFinalizing)
	return Result{OutputRef: manifestKey, OutputFilename: "manifest.json"}, nil
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// slugify turns a free-form region name into a safe filename fragment.
func slugify(name string) string {
	s := slugRe.ReplaceAllString(strings.ToLower(name), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "clip"
	}
	return s
}
