package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/matchcut/export-orchestrator/internal/domain"
)

// Result is what a driver hands back for a completed export.
type Result struct {
	OutputRef      string
	OutputFilename string
}

// Driver runs one export kind to completion. Run must honor ctx cancellation
// by cleaning up partial output blobs and returning domain.ErrCancelled.
type Driver interface {
	Kind() domain.JobKind
	Run(ctx context.Context, job domain.Job, report domain.ProgressFunc) (Result, error)
}

// Deps is the shared toolkit drivers work with.
type Deps struct {
	Blob    domain.BlobStore
	Encoder domain.Encoder
	WorkDir string
	Logger  *slog.Logger
}

// NewLocalRegistry builds the full driver set backed by the local encoder.
func NewLocalRegistry(deps Deps) map[domain.JobKind]Driver {
	return map[domain.JobKind]Driver{
		domain.KindFraming:   &framingDriver{deps},
		domain.KindOverlay:   &overlayDriver{deps},
		domain.KindMulticlip: &multiclipDriver{deps},
		domain.KindAnnotate:  &annotateDriver{deps},
	}
}

// outputKey places all artifacts of a job under one prefix so cancellation can
// delete them in one call.
func outputKey(jobID, filename string) string {
	return "exports/" + jobID + "/" + filename
}

// session is one job's scratch directory.
type session struct {
	dir string
}

func (d Deps) newSession(jobID string) (*session, error) {
	dir, err := os.MkdirTemp(d.WorkDir, "export-"+jobID+"-")
	if err != nil {
		return nil, fmt.Errorf("op=pipeline.session: %w", err)
	}
	return &session{dir: dir}, nil
}

func (s *session) path(name string) string { return filepath.Join(s.dir, name) }

func (s *session) cleanup() { _ = os.RemoveAll(s.dir) }

// fetchSource copies a blob to a local file.
func (d Deps) fetchSource(ctx context.Context, key, dest string) error {
	rc, err := d.Blob.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("op=pipeline.fetch key=%s: %w", key, err)
	}
	defer rc.Close()
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("op=pipeline.fetch key=%s: %w", key, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, rc); err != nil {
		return fmt.Errorf("op=pipeline.fetch key=%s: %w", key, err)
	}
	return nil
}

// uploadFile streams a local file into the blob store.
func (d Deps) uploadFile(ctx context.Context, path, key, contentType string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("op=pipeline.upload key=%s: %w", key, err)
	}
	defer f.Close()
	if err := d.Blob.Put(ctx, key, contentType, f); err != nil {
		return fmt.Errorf("op=pipeline.upload key=%s: %w", key, err)
	}
	return nil
}

// finishErr translates a driver failure: a cancelled context becomes
// domain.ErrCancelled and the job's partial output prefix is removed (with a
// fresh context, since the job's is dead).
func (d Deps) finishErr(ctx context.Context, jobID string, err error) error {
	if ctx.Err() != nil || errors.Is(err, domain.ErrCancelled) {
		cleanupCtx := context.WithoutCancel(ctx)
		if derr := d.Blob.DeletePrefix(cleanupCtx, "exports/"+jobID+"/"); derr != nil {
			d.Logger.Warn("partial output cleanup failed",
				slog.String("job_id", jobID), slog.Any("error", derr))
		}
		return domain.ErrCancelled
	}
	return err
}

// checkCancel is the phase-boundary cancellation probe.
func checkCancel(ctx context.Context) error {
	if ctx.Err() != nil {
		return domain.ErrCancelled
	}
	return nil
}

// monotonic wraps a ProgressFunc so emitted percents never regress and always
// sit in [0,100].
func monotonic(report domain.ProgressFunc) domain.ProgressFunc {
	var mu sync.Mutex
	last := -1
	return func(percent int, message, phase string) {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		mu.Lock()
		if percent < last {
			percent = last
		}
		last = percent
		mu.Unlock()
		report(percent, message, phase)
	}
}

// band maps the tail of an encoder's [0,1] progress stream onto a percent
// window and phase label.
type band struct {
	upTo    float64
	lo, hi  int
	phase   string
	message string
}

// bandedProgress converts encoder fractions into phased percent reports.
// Bands must be ordered by ascending upTo, the last one reaching 1.0.
func bandedProgress(report domain.ProgressFunc, bands []band) func(float64) {
	return func(f float64) {
		if f < 0 {
			f = 0
		}
		if f > 1 {
			f = 1
		}
		prev := 0.0
		for _, b := range bands {
			if f <= b.upTo || b.upTo >= 1 {
				span := b.upTo - prev
				local := 1.0
				if span > 0 {
					local = (f - prev) / span
				}
				if local < 0 {
					local = 0
				}
				if local > 1 {
					local = 1
				}
				percent := b.lo + int(local*float64(b.hi-b.lo))
				report(percent, b.message, b.phase)
				return
			}
			prev = b.upTo
		}
	}
}

// parseAspect splits a validated "W:H" ratio.
func parseAspect(aspect string) (int, int) {
	parts := strings.SplitN(aspect, ":", 2)
	w, _ := strconv.Atoi(parts[0])
	h, _ := strconv.Atoi(parts[1])
	return w, h
}

// targetDims derives output dimensions from the source height and requested
// aspect, rounded down to even values for the encoder.
func targetDims(src domain.MediaInfo, aspect string) (int, int) {
	aw, ah := parseAspect(aspect)
	h := src.Height
	if h <= 0 {
		h = 1080
	}
	w := h * aw / ah
	return w &^ 1, h &^ 1
}

// sourceWindow resolves the portion of the source a framing render covers.
func sourceWindow(info domain.MediaInfo, trim *domain.TrimRange) (float64, float64) {
	start, end := 0.0, info.DurationSec
	if trim != nil {
		start = trim.StartSec
		if trim.EndSec < end {
			end = trim.EndSec
		}
	}
	return start, end
}
