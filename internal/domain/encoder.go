package domain

import "context"

// MediaInfo is what Probe reports about a source file.
type MediaInfo struct {
	DurationSec float64
	Width       int
	Height      int
	FrameRate   float64
	HasAudio    bool
}

// CropSample is an interpolated crop rectangle at a source time. Drivers
// sample the keyframe spline densely enough for frame-accurate cropping.
type CropSample struct {
	TimeSec float64
	Rect    Rect
}

// FramedRenderSpec is the contract for a framing render: crop + retime +
// scale + encode. Encoding internals (codec parameters, filter graphs) are the
// encoder's business.
type FramedRenderSpec struct {
	InputPath     string
	OutputPath    string
	Crops         []CropSample
	Segments      []Segment
	Trim          *TrimRange
	TargetWidth   int
	TargetHeight  int
	FrameRate     int
	IncludeAudio  bool
	PreservePitch bool
	Upscale       bool
}

// ResolvedLayer is an overlay layer with validated keyframes, ready to
// composite. Layers arrive sorted by ascending Z with hidden layers removed.
type ResolvedLayer struct {
	Kind      string
	Z         int
	Keyframes []LayerKeyframe
}

// OverlayRenderSpec is the contract for an overlay composite over a working
// video, preserving its resolution and frame rate.
type OverlayRenderSpec struct {
	InputPath  string
	OutputPath string
	Layers     []ResolvedLayer
}

// ConcatSpec joins pre-normalized clips with a transition.
type ConcatSpec struct {
	InputPaths  []string
	OutputPath  string
	Transition  Transition
	FrameRate   int
}

// ClipExtractSpec cuts a region out of a source without re-framing.
type ClipExtractSpec struct {
	InputPath  string
	OutputPath string
	StartSec   float64
	EndSec     float64
}

// Encoder is the opaque local pipeline backend. Render calls report progress
// as a fraction in [0,1]; onProgress may be nil.
type Encoder interface {
	Probe(ctx context.Context, path string) (MediaInfo, error)
	RenderFramed(ctx context.Context, spec FramedRenderSpec, onProgress func(float64)) error
	RenderOverlay(ctx context.Context, spec OverlayRenderSpec, onProgress func(float64)) error
	Concat(ctx context.Context, spec ConcatSpec, onProgress func(float64)) error
	ExtractClip(ctx context.Context, spec ClipExtractSpec) error
}
