package scene

import (
	"math"
	"sort"
)

// Animatable property names used in keyframes
const (
	PropX        = "x"
	PropY        = "y"
	PropOpacity  = "opacity"
	PropScaleX   = "scaleX"
	PropScaleY   = "scaleY"
	PropRotation = "rotation"
)

// Ease maps linear progress t in [0,1] through a named easing curve
func Ease(name string, t float64) float64 {
	t = clamp01(t)
	switch name {
	case "ease-in", "easeIn":
		return t * t * t
	case "ease-out", "easeOut":
		u := 1 - t
		return 1 - u*u*u
	case "ease-in-out", "easeInOut", "ease":
		if t < 0.5 {
			return 4 * t * t * t
		}
		u := -2*t + 2
		return 1 - u*u*u/2
	default:
		return t
	}
}

// Sample applies every curve of the given phase that targets el and returns
// the adjusted element. Curves that have not started yet hold their first
// keyframe; finished curves hold their last.
func Sample(t *Template, el Element, phase Phase, playheadMs float64) Element {
	if t == nil {
		return el
	}
	for _, anim := range t.Animations {
		if anim.ElementID != el.ID || anim.Phase != phase {
			continue
		}
		frames := keyframesFor(t.Keyframes, anim.ID)
		if len(frames) == 0 {
			continue
		}

		progress := 1.0
		if anim.Duration > 0 {
			progress = (playheadMs - anim.Delay) / anim.Duration
		}
		pos := Ease(anim.Easing, progress) * 100

		for prop := range propertySet(frames) {
			if v, ok := interpolate(frames, prop, pos); ok {
				applyProperty(&el.Transform, prop, v)
			}
		}
	}
	return el
}

func keyframesFor(all []Keyframe, animationID string) []Keyframe {
	var frames []Keyframe
	for _, kf := range all {
		if kf.AnimationID == animationID {
			frames = append(frames, kf)
		}
	}
	sort.SliceStable(frames, func(i, j int) bool { return frames[i].Position < frames[j].Position })
	return frames
}

func propertySet(frames []Keyframe) map[string]struct{} {
	set := make(map[string]struct{})
	for _, kf := range frames {
		for k := range kf.Properties {
			set[k] = struct{}{}
		}
	}
	return set
}

// interpolate finds the keyframes bracketing pos that define prop
func interpolate(frames []Keyframe, prop string, pos float64) (float64, bool) {
	var (
		prev, next       *Keyframe
		prevVal, nextVal float64
	)
	for i := range frames {
		v, ok := frames[i].Properties[prop]
		if !ok {
			continue
		}
		if frames[i].Position <= pos {
			prev, prevVal = &frames[i], v
			continue
		}
		next, nextVal = &frames[i], v
		break
	}

	switch {
	case prev == nil && next == nil:
		return 0, false
	case prev == nil:
		return nextVal, true
	case next == nil:
		return prevVal, true
	}

	span := next.Position - prev.Position
	if span <= 0 {
		return nextVal, true
	}
	f := (pos - prev.Position) / span
	return prevVal + (nextVal-prevVal)*f, true
}

func applyProperty(tr *Transform, prop string, v float64) {
	switch prop {
	case PropX:
		tr.X = v
	case PropY:
		tr.Y = v
	case PropOpacity:
		tr.Opacity = clamp01(v)
	case PropScaleX:
		tr.ScaleX = v
	case PropScaleY:
		tr.ScaleY = v
	case PropRotation:
		tr.Rotation = math.Mod(v, 360)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
