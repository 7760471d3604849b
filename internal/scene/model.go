// Package scene holds the template definition model shared by the project
// cache, the command decoder and the player: layers, templates, elements,
// animation curves and keyframes.
package scene

import (
	"encoding/json"
	"sort"
)

// ContentType identifies how an element's content is rendered
type ContentType string

const (
	ContentText   ContentType = "text"
	ContentImage  ContentType = "image"
	ContentShape  ContentType = "shape"
	ContentIcon   ContentType = "icon"
	ContentChart  ContentType = "chart"
	ContentVideo  ContentType = "video"
	ContentTicker ContentType = "ticker"
	ContentMap    ContentType = "map"
)

// IsMedia reports whether the content is addressed by a source reference
func (t ContentType) IsMedia() bool {
	return t == ContentImage || t == ContentVideo || t == ContentMap
}

// Content is the type-specific payload of an element.
// Only the fields relevant to Type are populated.
type Content struct {
	Type     ContentType `json:"type"`
	Text     string      `json:"text,omitempty"`
	Src      string      `json:"src,omitempty"`
	Icon     string      `json:"icon,omitempty"`
	Items    []string    `json:"items,omitempty"`
	Fill     string      `json:"fill,omitempty"`
	Color    string      `json:"color,omitempty"`
	FontSize float64     `json:"fontSize,omitempty"`
	Shape    string      `json:"shape,omitempty"` // rectangle, ellipse
	Values   []float64   `json:"values,omitempty"`
}

// Clone returns a deep copy of the content
func (c Content) Clone() Content {
	out := c
	if c.Items != nil {
		out.Items = append([]string(nil), c.Items...)
	}
	if c.Values != nil {
		out.Values = append([]float64(nil), c.Values...)
	}
	return out
}

// Transform is the animatable geometry of an element
type Transform struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Rotation float64 `json:"rotation"`
	ScaleX   float64 `json:"scaleX"`
	ScaleY   float64 `json:"scaleY"`
	Opacity  float64 `json:"opacity"`
}

// Element is one visual node of a template
type Element struct {
	ID         string  `json:"id"`
	TemplateID string  `json:"templateId"`
	Name       string  `json:"name"`
	Content    Content `json:"content"`
	Transform
	ZIndex int  `json:"zIndex"`
	Hidden bool `json:"hidden,omitempty"`
}

// UnmarshalJSON decodes an element with identity scale and full opacity
// for omitted transform fields
func (e *Element) UnmarshalJSON(b []byte) error {
	type plain Element
	p := plain{Transform: Transform{ScaleX: 1, ScaleY: 1, Opacity: 1}}
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*e = Element(p)
	return nil
}

// Clone returns a deep copy of the element
func (e Element) Clone() Element {
	out := e
	out.Content = e.Content.Clone()
	return out
}

// Phase is the animation phase of a playing template
type Phase uint8

const (
	PhaseIn Phase = iota
	PhaseLoop
	PhaseOut
)

// String returns the wire name of the phase
func (p Phase) String() string {
	switch p {
	case PhaseIn:
		return "in"
	case PhaseLoop:
		return "loop"
	case PhaseOut:
		return "out"
	default:
		return "unknown"
	}
}

// ParsePhase maps a wire name to a Phase
func ParsePhase(s string) (Phase, bool) {
	switch s {
	case "in":
		return PhaseIn, true
	case "loop":
		return PhaseLoop, true
	case "out":
		return PhaseOut, true
	}
	return PhaseIn, false
}

// MarshalText implements encoding.TextMarshaler
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unknown names fall back to "in".
func (p *Phase) UnmarshalText(b []byte) error {
	*p, _ = ParsePhase(string(b))
	return nil
}

// Animation is one curve applied to an element during a phase
type Animation struct {
	ID        string  `json:"id"`
	ElementID string  `json:"elementId"`
	Phase     Phase   `json:"phase"`
	Delay     float64 `json:"delay"`    // ms
	Duration  float64 `json:"duration"` // ms
	Easing    string  `json:"easing"`
}

// End returns delay+duration in milliseconds
func (a Animation) End() float64 {
	return a.Delay + a.Duration
}

// Keyframe pins property values at a position (0-100) of an animation
type Keyframe struct {
	ID          string             `json:"id"`
	AnimationID string             `json:"animationId"`
	Position    float64            `json:"position"`
	Properties  map[string]float64 `json:"properties"`
}

// Durations holds explicitly configured phase durations in milliseconds.
// Zero means unconfigured.
type Durations struct {
	In   float64 `json:"in"`
	Loop float64 `json:"loop"`
	Out  float64 `json:"out"`
}

// For returns the configured duration of a phase
func (d Durations) For(p Phase) float64 {
	switch p {
	case PhaseIn:
		return d.In
	case PhaseLoop:
		return d.Loop
	default:
		return d.Out
	}
}

// Template is a reusable visual definition
type Template struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	ProjectID  string      `json:"projectId,omitempty"`
	LayerID    string      `json:"layerId,omitempty"`
	Durations  Durations   `json:"durations"`
	Elements   []Element   `json:"elements,omitempty"`
	Animations []Animation `json:"animations,omitempty"`
	Keyframes  []Keyframe  `json:"keyframes,omitempty"`
}

// HasContent reports whether t carries anything beyond its identity
func (t *Template) HasContent() bool {
	return t != nil && (len(t.Elements) > 0 || len(t.Animations) > 0 ||
		len(t.Keyframes) > 0 || t.Durations != Durations{})
}

// Clone returns a deep copy so the instance owning it can never observe
// changes made to a cached definition
func (t *Template) Clone() *Template {
	if t == nil {
		return nil
	}
	out := *t
	out.Elements = make([]Element, len(t.Elements))
	for i, el := range t.Elements {
		out.Elements[i] = el.Clone()
	}
	out.Animations = append([]Animation(nil), t.Animations...)
	out.Keyframes = make([]Keyframe, len(t.Keyframes))
	for i, kf := range t.Keyframes {
		props := make(map[string]float64, len(kf.Properties))
		for k, v := range kf.Properties {
			props[k] = v
		}
		kf.Properties = props
		out.Keyframes[i] = kf
	}
	return &out
}

// PhaseDuration returns how long a phase lasts: the configured duration (or
// fallback when unconfigured), stretched to cover the longest curve of the phase.
func (t *Template) PhaseDuration(p Phase, fallback float64) float64 {
	d := fallback
	if t != nil {
		if configured := t.Durations.For(p); configured > 0 {
			d = configured
		}
		for _, a := range t.Animations {
			if a.Phase == p && a.End() > d {
				d = a.End()
			}
		}
	}
	return d
}

// Layer is an independently controllable output slot
type Layer struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ZOrder   int    `json:"zOrder"`
	AlwaysOn bool   `json:"alwaysOn"`
	Enabled  bool   `json:"enabled"`
}

// SortLayers returns a copy of layers ordered by ZOrder, ties by ID
func SortLayers(layers []Layer) []Layer {
	sorted := append([]Layer(nil), layers...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].ZOrder != sorted[j].ZOrder {
			return sorted[i].ZOrder < sorted[j].ZOrder
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted
}
