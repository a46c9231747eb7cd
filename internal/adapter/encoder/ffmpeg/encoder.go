// Package ffmpeg implements the local encoding backend on top of the ffmpeg
// and ffprobe binaries.
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/matchcut/export-orchestrator/internal/domain"
)

// Encoder shells out to ffmpeg/ffprobe. It is stateless and safe for
// concurrent use.
type Encoder struct {
	ffmpegPath  string
	ffprobePath string
	logger      *slog.Logger
}

// New builds an encoder around the given binary paths.
func New(ffmpegPath, ffprobePath string, logger *slog.Logger) *Encoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Encoder{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath, logger: logger}
}

type probeFormat struct {
	Duration string `json:"duration"`
}

type probeStream struct {
	CodecType    string `json:"codec_type"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	AvgFrameRate string `json:"avg_frame_rate"`
}

type probeOutput struct {
	Format  probeFormat   `json:"format"`
	Streams []probeStream `json:"streams"`
}

// Probe reports container duration and primary stream geometry.
func (e *Encoder) Probe(ctx context.Context, path string) (domain.MediaInfo, error) {
	cmd := exec.CommandContext(ctx, e.ffprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path)
	out, err := cmd.Output()
	if err != nil {
		return domain.MediaInfo{}, fmt.Errorf("op=ffmpeg.probe path=%s: %w", path, err)
	}
	var parsed probeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return domain.MediaInfo{}, fmt.Errorf("op=ffmpeg.probe path=%s: %w", path, err)
	}
	info := domain.MediaInfo{}
	info.DurationSec, _ = strconv.ParseFloat(parsed.Format.Duration, 64)
	for _, s := range parsed.Streams {
		switch s.CodecType {
		case "video":
			if info.Width == 0 {
				info.Width = s.Width
				info.Height = s.Height
				info.FrameRate = parseFrameRate(s.AvgFrameRate)
			}
		case "audio":
			info.HasAudio = true
		}
	}
	if info.Width == 0 || info.DurationSec <= 0 {
		return domain.MediaInfo{}, fmt.Errorf("op=ffmpeg.probe path=%s: no usable video stream: %w", path, domain.ErrInvalidArgument)
	}
	return info, nil
}

// parseFrameRate handles ffprobe's rational form ("30000/1001").
func parseFrameRate(r string) float64 {
	num, den, ok := strings.Cut(r, "/")
	if !ok {
		f, _ := strconv.ParseFloat(r, 64)
		return f
	}
	n, _ := strconv.ParseFloat(num, 64)
	d, _ := strconv.ParseFloat(den, 64)
	if d == 0 {
		return 0
	}
	return n / d
}

// RenderFramed runs the crop/retime/scale/encode pass.
func (e *Encoder) RenderFramed(ctx context.Context, spec domain.FramedRenderSpec, onProgress func(float64)) error {
	if len(spec.Crops) == 0 {
		return fmt.Errorf("op=ffmpeg.framed: empty crop track: %w", domain.ErrInvalidArgument)
	}
	cmdFile := spec.OutputPath + ".cmds"
	if err := os.WriteFile(cmdFile, []byte(cropScript(spec.Crops)), 0o644); err != nil {
		return fmt.Errorf("op=ffmpeg.framed: %w", err)
	}
	defer os.Remove(cmdFile)

	args := buildFramedArgs(spec, cmdFile)
	return e.run(ctx, "framed", args, framedOutputDuration(spec), onProgress)
}

// RenderOverlay composites the resolved layers over the input.
func (e *Encoder) RenderOverlay(ctx context.Context, spec domain.OverlayRenderSpec, onProgress func(float64)) error {
	info, err := e.Probe(ctx, spec.InputPath)
	if err != nil {
		return err
	}
	args := buildOverlayArgs(spec, info)
	return e.run(ctx, "overlay", args, info.DurationSec, onProgress)
}

// Concat joins pre-normalized clips. Cut uses the concat filter; fade and
// dissolve build an xfade chain with offsets derived from input durations.
func (e *Encoder) Concat(ctx context.Context, spec domain.ConcatSpec, onProgress func(float64)) error {
	if len(spec.InputPaths) == 0 {
		return fmt.Errorf("op=ffmpeg.concat: no inputs: %w", domain.ErrInvalidArgument)
	}
	durations := make([]float64, len(spec.InputPaths))
	hasAudio := make([]bool, len(spec.InputPaths))
	total := 0.0
	for i, p := range spec.InputPaths {
		info, err := e.Probe(ctx, p)
		if err != nil {
			return err
		}
		durations[i] = info.DurationSec
		hasAudio[i] = info.HasAudio
		total += info.DurationSec
	}
	if spec.Transition.Kind != domain.TransitionCut {
		total -= spec.Transition.DurationSec * float64(len(spec.InputPaths)-1)
	}
	args := buildConcatArgs(spec, durations, hasAudio)
	return e.run(ctx, "concat", args, total, onProgress)
}

// ExtractClip cuts a region with stream copy; no re-encode, so no progress.
func (e *Encoder) ExtractClip(ctx context.Context, spec domain.ClipExtractSpec) error {
	args := []string{
		"-y",
		"-ss", ffSec(spec.StartSec),
		"-to", ffSec(spec.EndSec),
		"-i", spec.InputPath,
		"-c", "copy",
		"-movflags", "+faststart",
		spec.OutputPath,
	}
	return e.run(ctx, "extract", args, 0, nil)
}

// run executes ffmpeg, streaming -progress key/value pairs from stdout into
// onProgress. Stderr is kept (tail only) for error reporting.
func (e *Encoder) run(ctx context.Context, op string, args []string, expectedDurationSec float64, onProgress func(float64)) error {
	full := append([]string{"-hide_banner", "-loglevel", "error", "-nostats", "-progress", "pipe:1"}, args...)
	cmd := exec.CommandContext(ctx, e.ffmpegPath, full...)

	var stderr tailBuffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("op=ffmpeg.%s: %w", op, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("op=ffmpeg.%s: %w", op, err)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if onProgress == nil {
			continue
		}
		if f, ok := progressFraction(scanner.Text(), expectedDurationSec); ok {
			onProgress(f)
		}
	}
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("op=ffmpeg.%s: %w: %s", op, err, stderr.String())
	}
	if onProgress != nil {
		onProgress(1.0)
	}
	return nil
}

// progressFraction interprets one -progress line. out_time_ms is microseconds
// despite the name.
func progressFraction(line string, expectedDurationSec float64) (float64, bool) {
	key, val, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return 0, false
	}
	switch key {
	case "out_time_ms":
		if expectedDurationSec <= 0 {
			return 0, false
		}
		us, err := strconv.ParseFloat(val, 64)
		if err != nil || us < 0 {
			return 0, false
		}
		f := (us / 1e6) / expectedDurationSec
		if f > 1 {
			f = 1
		}
		return f, true
	case "progress":
		if val == "end" {
			return 1, true
		}
	}
	return 0, false
}

// framedOutputDuration predicts the output length: retimed segment sum when
// segments exist, else the crop track's source window.
func framedOutputDuration(spec domain.FramedRenderSpec) float64 {
	if len(spec.Segments) > 0 {
		total := 0.0
		for _, s := range spec.Segments {
			total += (s.EndSec - s.StartSec) / s.Speed
		}
		return total
	}
	if n := len(spec.Crops); n > 1 {
		return spec.Crops[n-1].TimeSec - spec.Crops[0].TimeSec
	}
	return 0
}

// tailBuffer keeps the last chunk of stderr so failures stay readable.
type tailBuffer struct {
	buf bytes.Buffer
}

const tailLimit = 2048

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf.Write(p)
	if t.buf.Len() > tailLimit {
		b := t.buf.Bytes()
		trimmed := make([]byte, tailLimit)
		copy(trimmed, b[len(b)-tailLimit:])
		t.buf.Reset()
		t.buf.Write(trimmed)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return strings.TrimSpace(t.buf.String())
}
