// Package pipeline holds the per-kind export drivers and the keyframe
// interpolation they share.
package pipeline

import (
	"math"
	"sort"

	"github.com/matchcut/export-orchestrator/internal/domain"
)

// valueAt evaluates a keyframed scalar track at t. Four or more keyframes get
// a Catmull-Rom spline; fewer fall back to linear. Outside the keyframe range
// the value clamps to the nearest endpoint.
func valueAt(times, values []float64, t float64) float64 {
	n := len(times)
	switch {
	case n == 0:
		return 0
	case n == 1:
		return values[0]
	}
	if t <= times[0] {
		return values[0]
	}
	if t >= times[n-1] {
		return values[n-1]
	}
	// Segment index i such that times[i] <= t < times[i+1].
	i := sort.SearchFloat64s(times, t)
	if i > 0 && times[i] != t {
		i--
	}
	u := (t - times[i]) / (times[i+1] - times[i])
	if n < 4 {
		return values[i] + (values[i+1]-values[i])*u
	}
	// Endpoint tangents reuse the boundary keyframe.
	p1, p2 := values[i], values[i+1]
	p0, p3 := p1, p2
	if i > 0 {
		p0 = values[i-1]
	}
	if i+2 < n {
		p3 = values[i+2]
	}
	return catmullRom(p0, p1, p2, p3, u)
}

// catmullRom evaluates the uniform Catmull-Rom basis at u in [0,1].
func catmullRom(p0, p1, p2, p3, u float64) float64 {
	u2 := u * u
	u3 := u2 * u
	return 0.5 * ((2 * p1) +
		(-p0+p2)*u +
		(2*p0-5*p1+4*p2-p3)*u2 +
		(-p0+3*p1-3*p2+p3)*u3)
}

// rectAt interpolates a crop rectangle track at source time t, component-wise.
func rectAt(kfs []domain.CropKeyframe, t float64) domain.Rect {
	times := make([]float64, len(kfs))
	xs := make([]float64, len(kfs))
	ys := make([]float64, len(kfs))
	ws := make([]float64, len(kfs))
	hs := make([]float64, len(kfs))
	for i, kf := range kfs {
		times[i] = kf.TimeSec
		xs[i] = kf.Rect.X
		ys[i] = kf.Rect.Y
		ws[i] = kf.Rect.W
		hs[i] = kf.Rect.H
	}
	return domain.Rect{
		X: valueAt(times, xs, t),
		Y: valueAt(times, ys, t),
		W: valueAt(times, ws, t),
		H: valueAt(times, hs, t),
	}
}

// SampleCrops densifies a crop keyframe track to one rectangle per output
// frame over the source window [startSec, endSec].
func SampleCrops(kfs []domain.CropKeyframe, startSec, endSec float64, fps int) []domain.CropSample {
	if fps <= 0 || endSec <= startSec {
		return nil
	}
	frames := int(math.Floor((endSec-startSec)*float64(fps)+1e-9)) + 1
	out := make([]domain.CropSample, 0, frames)
	for i := 0; i < frames; i++ {
		t := startSec + float64(i)/float64(fps)
		if t > endSec {
			t = endSec
		}
		out = append(out, domain.CropSample{TimeSec: t, Rect: rectAt(kfs, t)})
	}
	return out
}

// NumericAt evaluates one numeric layer parameter at t. Keyframes missing the
// key are skipped.
func NumericAt(kfs []domain.LayerKeyframe, key string, t float64) float64 {
	var times, values []float64
	for _, kf := range kfs {
		if v, ok := kf.Numeric[key]; ok {
			times = append(times, kf.TimeSec)
			values = append(values, v)
		}
	}
	return valueAt(times, values, t)
}

// DiscreteAt returns the discrete layer parameter in effect at t: the value of
// the latest keyframe at or before t carrying the key, or the first carrier
// when t precedes all of them.
func DiscreteAt(kfs []domain.LayerKeyframe, key string, t float64) string {
	current := ""
	first := true
	for _, kf := range kfs {
		v, ok := kf.Discrete[key]
		if !ok {
			continue
		}
		if first {
			current = v
			first = false
		}
		if kf.TimeSec <= t {
			current = v
		}
	}
	return current
}

// ResolveLayers drops hidden layers and orders the rest by ascending Z for
// compositing.
func ResolveLayers(layers []domain.OverlayLayer) []domain.ResolvedLayer {
	out := make([]domain.ResolvedLayer, 0, len(layers))
	for _, l := range layers {
		if !l.Visible {
			continue
		}
		out = append(out, domain.ResolvedLayer{Kind: l.Kind, Z: l.Z, Keyframes: l.Keyframes})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Z < out[j].Z })
	return out
}
