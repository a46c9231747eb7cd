package ffmpeg

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/matchcut/export-orchestrator/internal/domain"
	"github.com/matchcut/export-orchestrator/internal/pipeline"
)

// ffSec formats seconds for ffmpeg arguments.
func ffSec(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

// cropScript renders a sendcmd script that retargets the crop filter at each
// sampled frame time. Values are rounded to integers; the crop filter rejects
// fractional pixels.
func cropScript(crops []domain.CropSample) string {
	var b strings.Builder
	for _, c := range crops {
		fmt.Fprintf(&b, "%s crop w %d, crop h %d, crop x %d, crop y %d;\n",
			ffSec(c.TimeSec),
			int(c.Rect.W)&^1, int(c.Rect.H)&^1, int(c.Rect.X), int(c.Rect.Y))
	}
	return b.String()
}

// atempoChain expresses an arbitrary speed in [0.25,4] as chained atempo
// filters, each within the filter's [0.5,2] range.
func atempoChain(speed float64) string {
	var parts []string
	for speed > 2 {
		parts = append(parts, "atempo=2.0")
		speed /= 2
	}
	for speed < 0.5 {
		parts = append(parts, "atempo=0.5")
		speed /= 0.5
	}
	parts = append(parts, fmt.Sprintf("atempo=%s", strconv.FormatFloat(speed, 'f', -1, 64)))
	return strings.Join(parts, ",")
}

// framedVideoChain is the shared tail: animated crop, scale, frame rate.
func framedVideoChain(spec domain.FramedRenderSpec, cmdFile string) string {
	first := spec.Crops[0].Rect
	chain := fmt.Sprintf("sendcmd=f=%s,crop=w=%d:h=%d:x=%d:y=%d,scale=%d:%d:flags=lanczos",
		cmdFile,
		int(first.W)&^1, int(first.H)&^1, int(first.X), int(first.Y),
		spec.TargetWidth, spec.TargetHeight)
	if spec.Upscale {
		// Mild sharpen compensates for the interpolated upscale.
		chain += ",unsharp=5:5:0.8:3:3:0.4"
	}
	chain += fmt.Sprintf(",fps=%d", spec.FrameRate)
	return chain
}

// buildFramedArgs assembles the full framing invocation. Retime segments are
// cut, speed-adjusted, and re-joined with the concat filter; audio follows the
// same segmentation with atempo (pitch preserved) or asetrate (pitch shifted).
func buildFramedArgs(spec domain.FramedRenderSpec, cmdFile string) []string {
	args := []string{"-y"}
	if spec.Trim != nil {
		args = append(args, "-ss", ffSec(spec.Trim.StartSec), "-to", ffSec(spec.Trim.EndSec))
	}
	args = append(args, "-i", spec.InputPath)

	videoTail := framedVideoChain(spec, cmdFile)
	if len(spec.Segments) == 0 {
		if spec.IncludeAudio {
			args = append(args, "-filter_complex", fmt.Sprintf("[0:v]%s[vout]", videoTail),
				"-map", "[vout]", "-map", "0:a?")
		} else {
			args = append(args, "-filter_complex", fmt.Sprintf("[0:v]%s[vout]", videoTail),
				"-map", "[vout]", "-an")
		}
	} else {
		var fc strings.Builder
		n := len(spec.Segments)
		for i, s := range spec.Segments {
			fmt.Fprintf(&fc, "[0:v]trim=start=%s:end=%s,setpts=(PTS-STARTPTS)/%s[v%d];",
				ffSec(s.StartSec), ffSec(s.EndSec), strconv.FormatFloat(s.Speed, 'f', -1, 64), i)
			if spec.IncludeAudio {
				audio := atempoChain(s.Speed)
				if !spec.PreservePitch {
					audio = fmt.Sprintf("asetrate=48000*%s,aresample=48000",
						strconv.FormatFloat(s.Speed, 'f', -1, 64))
				}
				fmt.Fprintf(&fc, "[0:a]atrim=start=%s:end=%s,asetpts=PTS-STARTPTS,%s[a%d];",
					ffSec(s.StartSec), ffSec(s.EndSec), audio, i)
			}
		}
		for i := 0; i < n; i++ {
			fmt.Fprintf(&fc, "[v%d]", i)
			if spec.IncludeAudio {
				fmt.Fprintf(&fc, "[a%d]", i)
			}
		}
		if spec.IncludeAudio {
			fmt.Fprintf(&fc, "concat=n=%d:v=1:a=1[vcat][acat];", n)
			fmt.Fprintf(&fc, "[vcat]%s[vout]", videoTail)
			args = append(args, "-filter_complex", fc.String(), "-map", "[vout]", "-map", "[acat]")
		} else {
			fmt.Fprintf(&fc, "concat=n=%d:v=1:a=0[vcat];", n)
			fmt.Fprintf(&fc, "[vcat]%s[vout]", videoTail)
			args = append(args, "-filter_complex", fc.String(), "-map", "[vout]", "-an")
		}
	}

	args = append(args, encodeArgs(spec.IncludeAudio)...)
	args = append(args, spec.OutputPath)
	return args
}

// encodeArgs is the shared output encoding profile.
func encodeArgs(includeAudio bool) []string {
	args := []string{
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "18",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
	}
	if includeAudio {
		args = append(args, "-c:a", "aac", "-b:a", "192k")
	}
	return args
}

// Default drawbox colors per layer kind; a keyframe's discrete "color"
// parameter overrides.
var layerColors = map[string]string{
	domain.LayerHighlightEllipse: "yellow@0.6",
	domain.LayerBallEffect:       "white@0.7",
	domain.LayerScanArc:          "cyan@0.5",
	domain.LayerSpacePolygon:     "green@0.35",
	domain.LayerDefenderMarker:   "red@0.6",
	domain.LayerThroughBall:      "orange@0.6",
}

// layerFilter renders one resolved layer as a filter snippet anchored at its
// first keyframe. Motion is sampled from the keyframe track; position and
// geometry come from the numeric parameters x, y, w, h (text uses x, y only).
func layerFilter(l domain.ResolvedLayer) string {
	t0 := l.Keyframes[0].TimeSec
	x := int(pipeline.NumericAt(l.Keyframes, "x", t0))
	y := int(pipeline.NumericAt(l.Keyframes, "y", t0))
	tEnd := l.Keyframes[len(l.Keyframes)-1].TimeSec
	enable := fmt.Sprintf("enable='between(t,%s,%s)'", ffSec(t0), ffSec(tEnd))

	if l.Kind == domain.LayerText {
		text := pipeline.DiscreteAt(l.Keyframes, "text", t0)
		return fmt.Sprintf("drawtext=text='%s':x=%d:y=%d:fontsize=36:fontcolor=white:borderw=2:%s",
			escapeDrawtext(text), x, y, enable)
	}

	w := int(pipeline.NumericAt(l.Keyframes, "w", t0))
	h := int(pipeline.NumericAt(l.Keyframes, "h", t0))
	if w <= 0 {
		w = 40
	}
	if h <= 0 {
		h = 40
	}
	color := pipeline.DiscreteAt(l.Keyframes, "color", t0)
	if color == "" {
		color = layerColors[l.Kind]
	}
	return fmt.Sprintf("drawbox=x=%d:y=%d:w=%d:h=%d:color=%s:t=3:%s", x, y, w, h, color, enable)
}

// escapeDrawtext guards the characters drawtext treats specially.
func escapeDrawtext(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, `:`, `\:`, `%`, `\%`)
	return r.Replace(s)
}

// buildOverlayArgs composites layers bottom-up in the order they arrive.
func buildOverlayArgs(spec domain.OverlayRenderSpec, _ domain.MediaInfo) []string {
	filters := make([]string, 0, len(spec.Layers))
	for _, l := range spec.Layers {
		filters = append(filters, layerFilter(l))
	}
	vf := strings.Join(filters, ",")
	if vf == "" {
		vf = "null"
	}
	args := []string{
		"-y",
		"-i", spec.InputPath,
		"-vf", vf,
		"-map", "0:v", "-map", "0:a?",
	}
	args = append(args, encodeArgs(true)...)
	args = append(args, spec.OutputPath)
	return args
}

// buildConcatArgs joins inputs. Cut uses the concat filter directly; fade and
// dissolve chain xfade/acrossfade with offsets accumulated from the input
// durations. Inputs without an audio stream get synthesized silence so every
// leg of the join graph has an audio pad to reference.
func buildConcatArgs(spec domain.ConcatSpec, durations []float64, hasAudio []bool) []string {
	args := []string{"-y"}
	for _, p := range spec.InputPaths {
		args = append(args, "-i", p)
	}
	n := len(spec.InputPaths)

	var fc strings.Builder
	aLabel := make([]string, n)
	for i := range spec.InputPaths {
		if hasAudio == nil || hasAudio[i] {
			aLabel[i] = fmt.Sprintf("[%d:a]", i)
			continue
		}
		aLabel[i] = fmt.Sprintf("[sil%d]", i)
		fmt.Fprintf(&fc, "anullsrc=channel_layout=stereo:sample_rate=48000,atrim=duration=%s%s;",
			ffSec(durations[i]), aLabel[i])
	}
	if spec.Transition.Kind == domain.TransitionCut || n == 1 {
		for i := 0; i < n; i++ {
			fmt.Fprintf(&fc, "[%d:v]%s", i, aLabel[i])
		}
		fmt.Fprintf(&fc, "concat=n=%d:v=1:a=1[vout][aout]", n)
	} else {
		xfade := "fade"
		if spec.Transition.Kind == domain.TransitionDissolve {
			xfade = "dissolve"
		}
		d := spec.Transition.DurationSec
		offset := durations[0] - d
		prevV, prevA := "[0:v]", aLabel[0]
		for i := 1; i < n; i++ {
			outV, outA := fmt.Sprintf("[xv%d]", i), fmt.Sprintf("[xa%d]", i)
			if i == n-1 {
				outV, outA = "[vout]", "[aout]"
			}
			fmt.Fprintf(&fc, "%s[%d:v]xfade=transition=%s:duration=%s:offset=%s%s;",
				prevV, i, xfade, ffSec(d), ffSec(offset), outV)
			fmt.Fprintf(&fc, "%s%sacrossfade=d=%s%s;",
				prevA, aLabel[i], ffSec(d), outA)
			prevV, prevA = outV, outA
			offset += durations[i] - d
		}
	}
	args = append(args, "-filter_complex", strings.TrimSuffix(fc.String(), ";"),
		"-map", "[vout]", "-map", "[aout]",
		"-r", strconv.Itoa(spec.FrameRate))
	args = append(args, encodeArgs(true)...)
	args = append(args, spec.OutputPath)
	return args
}
