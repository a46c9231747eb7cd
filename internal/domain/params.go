package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Per-kind export parameter documents. The store persists the serialized form
// verbatim; validation runs once at submit, so drivers may assume well-formed
// params.

// Rect is a crop rectangle in source pixel space.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// CropKeyframe pins a crop rectangle at a source time.
type CropKeyframe struct {
	TimeSec float64 `json:"time_sec"`
	Rect    Rect    `json:"rect"`
}

// Segment retimes a source range. Speed applies to video and audio alike.
type Segment struct {
	StartSec float64 `json:"start_sec"`
	EndSec   float64 `json:"end_sec"`
	Speed    float64 `json:"speed"`
}

// TrimRange drops everything outside [StartSec, EndSec).
type TrimRange struct {
	StartSec float64 `json:"start_sec"`
	EndSec   float64 `json:"end_sec"`
}

// FramingParams drives the framing pipeline: frame-accurate crop interpolation,
// optional AI upscale, retime, encode at a target aspect/frame rate.
type FramingParams struct {
	SourceRef     string         `json:"source_ref"`
	CropKeyframes []CropKeyframe `json:"crop_keyframes"`
	Segments      []Segment      `json:"segments,omitempty"`
	Trim          *TrimRange     `json:"trim,omitempty"`
	AspectRatio   string         `json:"aspect_ratio"`
	FrameRate     int            `json:"frame_rate"`
	IncludeAudio  bool           `json:"include_audio"`
	PreservePitch bool           `json:"preserve_pitch,omitempty"`
	Upscale       bool           `json:"upscale,omitempty"`
}

// Overlay layer kinds.
const (
	LayerHighlightEllipse = "highlight-ellipse"
	LayerText             = "text"
	LayerBallEffect       = "ball-effect"
	LayerScanArc          = "scan-arc"
	LayerSpacePolygon     = "space-polygon"
	LayerDefenderMarker   = "defender-marker"
	LayerThroughBall      = "through-ball"
)

var overlayKinds = map[string]bool{
	LayerHighlightEllipse: true,
	LayerText:             true,
	LayerBallEffect:       true,
	LayerScanArc:          true,
	LayerSpacePolygon:     true,
	LayerDefenderMarker:   true,
	LayerThroughBall:      true,
}

// LayerKeyframe carries a layer kind's parameters at a point in time. Numeric
// values interpolate (spline/linear); discrete values step-change at the
// keyframe.
type LayerKeyframe struct {
	TimeSec  float64            `json:"time_sec"`
	Numeric  map[string]float64 `json:"numeric,omitempty"`
	Discrete map[string]string  `json:"discrete,omitempty"`
}

// OverlayLayer composites in ascending Z; hidden layers contribute nothing.
type OverlayLayer struct {
	Kind      string          `json:"kind"`
	Z         int             `json:"z"`
	Visible   bool            `json:"visible"`
	Keyframes []LayerKeyframe `json:"keyframes"`
}

// OverlayParams drives the overlay compositing pipeline.
type OverlayParams struct {
	SourceRef string         `json:"source_ref"`
	Layers    []OverlayLayer `json:"layers"`
}

// Transition kinds for multiclip concatenation.
const (
	TransitionCut      = "cut"
	TransitionFade     = "fade"
	TransitionDissolve = "dissolve"
)

// Transition describes how adjacent clips join. Duration is ignored for cut.
type Transition struct {
	Kind        string  `json:"kind"`
	DurationSec float64 `json:"duration_sec,omitempty"`
}

// ClipSpec embeds a framing parameter set for one clip of a multiclip export.
type ClipSpec struct {
	SourceRef     string         `json:"source_ref"`
	CropKeyframes []CropKeyframe `json:"crop_keyframes"`
	Segments      []Segment      `json:"segments,omitempty"`
	Trim          *TrimRange     `json:"trim,omitempty"`
}

// MulticlipParams drives the multi-clip pipeline.
type MulticlipParams struct {
	Clips       []ClipSpec `json:"clips"`
	AspectRatio string     `json:"aspect_ratio"`
	FrameRate   int        `json:"frame_rate"`
	Transition  Transition `json:"transition"`
}

// ClipRegion names a slice of a game video to extract.
type ClipRegion struct {
	StartSec float64  `json:"start_sec"`
	EndSec   float64  `json:"end_sec"`
	Name     string   `json:"name"`
	Rating   *float64 `json:"rating,omitempty"`
}

// AnnotateParams drives the annotate-extract pipeline.
type AnnotateParams struct {
	SourceRef string       `json:"source_ref"`
	Regions   []ClipRegion `json:"regions"`
}

// ExportParams is the tagged variant: exactly one field is set, matching the
// job's kind.
type ExportParams struct {
	Framing   *FramingParams   `json:"framing,omitempty"`
	Overlay   *OverlayParams   `json:"overlay,omitempty"`
	Multiclip *MulticlipParams `json:"multiclip,omitempty"`
	Annotate  *AnnotateParams  `json:"annotate,omitempty"`
}

var aspectRatioRe = regexp.MustCompile(`^[1-9][0-9]*:[1-9][0-9]*$`)

// ParseParams decodes and validates a kind's parameter document.
func ParseParams(kind JobKind, raw []byte) (ExportParams, error) {
	if !ValidKind(kind) {
		return ExportParams{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidArgument, kind)
	}
	var p ExportParams
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	switch kind {
	case KindFraming:
		p.Framing = &FramingParams{}
		if err := dec.Decode(p.Framing); err != nil {
			return ExportParams{}, fmt.Errorf("%w: framing params: %v", ErrInvalidArgument, err)
		}
		return p, p.Framing.validate()
	case KindOverlay:
		p.Overlay = &OverlayParams{}
		if err := dec.Decode(p.Overlay); err != nil {
			return ExportParams{}, fmt.Errorf("%w: overlay params: %v", ErrInvalidArgument, err)
		}
		return p, p.Overlay.validate()
	case KindMulticlip:
		p.Multiclip = &MulticlipParams{}
		if err := dec.Decode(p.Multiclip); err != nil {
			return ExportParams{}, fmt.Errorf("%w: multiclip params: %v", ErrInvalidArgument, err)
		}
		return p, p.Multiclip.validate()
	case KindAnnotate:
		p.Annotate = &AnnotateParams{}
		if err := dec.Decode(p.Annotate); err != nil {
			return ExportParams{}, fmt.Errorf("%w: annotate params: %v", ErrInvalidArgument, err)
		}
		return p, p.Annotate.validate()
	}
	return ExportParams{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidArgument, kind)
}

func validateCropKeyframes(kfs []CropKeyframe) error {
	if len(kfs) == 0 {
		return fmt.Errorf("%w: crop_keyframes must not be empty", ErrInvalidArgument)
	}
	prev := -1.0
	for i, kf := range kfs {
		if kf.TimeSec < 0 {
			return fmt.Errorf("%w: crop keyframe %d: negative time", ErrInvalidArgument, i)
		}
		if kf.TimeSec <= prev {
			return fmt.Errorf("%w: crop keyframe %d: times must be strictly increasing", ErrInvalidArgument, i)
		}
		prev = kf.TimeSec
		if kf.Rect.W <= 0 || kf.Rect.H <= 0 {
			return fmt.Errorf("%w: crop keyframe %d: rect must have positive size", ErrInvalidArgument, i)
		}
		if kf.Rect.X < 0 || kf.Rect.Y < 0 {
			return fmt.Errorf("%w: crop keyframe %d: rect origin must be non-negative", ErrInvalidArgument, i)
		}
	}
	return nil
}

func validateSegments(segs []Segment) error {
	prevEnd := 0.0
	for i, s := range segs {
		if s.StartSec >= s.EndSec {
			return fmt.Errorf("%w: segment %d: start must precede end", ErrInvalidArgument, i)
		}
		if s.StartSec < prevEnd {
			return fmt.Errorf("%w: segment %d: segments must be sorted and non-overlapping", ErrInvalidArgument, i)
		}
		if s.Speed < 0.25 || s.Speed > 4 {
			return fmt.Errorf("%w: segment %d: speed must be within [0.25, 4]", ErrInvalidArgument, i)
		}
		prevEnd = s.EndSec
	}
	return nil
}

func validateFramingCore(sourceRef string, kfs []CropKeyframe, segs []Segment, trim *TrimRange) error {
	if sourceRef == "" {
		return fmt.Errorf("%w: source_ref required", ErrInvalidArgument)
	}
	if err := validateCropKeyframes(kfs); err != nil {
		return err
	}
	if err := validateSegments(segs); err != nil {
		return err
	}
	if trim != nil && trim.StartSec >= trim.EndSec {
		return fmt.Errorf("%w: trim start must precede end", ErrInvalidArgument)
	}
	return nil
}

func (p *FramingParams) validate() error {
	if err := validateFramingCore(p.SourceRef, p.CropKeyframes, p.Segments, p.Trim); err != nil {
		return err
	}
	if !aspectRatioRe.MatchString(p.AspectRatio) {
		return fmt.Errorf("%w: aspect_ratio must look like \"9:16\"", ErrInvalidArgument)
	}
	if p.FrameRate < 1 || p.FrameRate > 120 {
		return fmt.Errorf("%w: frame_rate must be within [1, 120]", ErrInvalidArgument)
	}
	return nil
}

func (p *OverlayParams) validate() error {
	if p.SourceRef == "" {
		return fmt.Errorf("%w: source_ref required", ErrInvalidArgument)
	}
	if len(p.Layers) == 0 {
		return fmt.Errorf("%w: layers must not be empty", ErrInvalidArgument)
	}
	seenZ := map[int]bool{}
	for i, l := range p.Layers {
		if !overlayKinds[l.Kind] {
			return fmt.Errorf("%w: layer %d: unknown kind %q", ErrInvalidArgument, i, l.Kind)
		}
		if seenZ[l.Z] {
			return fmt.Errorf("%w: layer %d: duplicate z-order %d", ErrInvalidArgument, i, l.Z)
		}
		seenZ[l.Z] = true
		if len(l.Keyframes) == 0 {
			return fmt.Errorf("%w: layer %d: keyframes must not be empty", ErrInvalidArgument, i)
		}
		prev := -1.0
		for j, kf := range l.Keyframes {
			if kf.TimeSec < 0 || kf.TimeSec <= prev {
				return fmt.Errorf("%w: layer %d keyframe %d: times must be strictly increasing and non-negative", ErrInvalidArgument, i, j)
			}
			prev = kf.TimeSec
		}
	}
	return nil
}

func (p *MulticlipParams) validate() error {
	if len(p.Clips) == 0 {
		return fmt.Errorf("%w: clips must not be empty", ErrInvalidArgument)
	}
	for i, c := range p.Clips {
		if err := validateFramingCore(c.SourceRef, c.CropKeyframes, c.Segments, c.Trim); err != nil {
			return fmt.Errorf("clip %d: %w", i, err)
		}
	}
	if !aspectRatioRe.MatchString(p.AspectRatio) {
		return fmt.Errorf("%w: aspect_ratio must look like \"16:9\"", ErrInvalidArgument)
	}
	if p.FrameRate < 1 || p.FrameRate > 120 {
		return fmt.Errorf("%w: frame_rate must be within [1, 120]", ErrInvalidArgument)
	}
	switch p.Transition.Kind {
	case TransitionCut:
		// duration ignored
	case TransitionFade, TransitionDissolve:
		if p.Transition.DurationSec <= 0 {
			return fmt.Errorf("%w: transition %q requires a positive duration", ErrInvalidArgument, p.Transition.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown transition kind %q", ErrInvalidArgument, p.Transition.Kind)
	}
	return nil
}

func (p *AnnotateParams) validate() error {
	if p.SourceRef == "" {
		return fmt.Errorf("%w: source_ref required", ErrInvalidArgument)
	}
	if len(p.Regions) == 0 {
		return fmt.Errorf("%w: regions must not be empty", ErrInvalidArgument)
	}
	for i, r := range p.Regions {
		if r.StartSec < 0 || r.StartSec >= r.EndSec {
			return fmt.Errorf("%w: region %d: start must be non-negative and precede end", ErrInvalidArgument, i)
		}
		if strings.TrimSpace(r.Name) == "" {
			return fmt.Errorf("%w: region %d: name required", ErrInvalidArgument, i)
		}
	}
	return nil
}
