// Package project loads and caches full project definitions (layers,
// templates, binding rules and the external data record) so command handling
// can read the latest known definition without blocking on I/O.
package project

import (
	"context"
	"errors"
	"time"

	"graphics-player/internal/binding"
	"graphics-player/internal/scene"
)

// ErrNotFound is returned by fetchers and stores for unknown projects
var ErrNotFound = errors.New("project not found")

// Project is the full definition of one graphics project
type Project struct {
	ID         string            `json:"id"`
	Name       string            `json:"name,omitempty"`
	Layers     []scene.Layer     `json:"layers"`
	Templates  []*scene.Template `json:"templates"`
	Bindings   []binding.Rule    `json:"bindings,omitempty"`
	DataRecord binding.Record    `json:"dataRecord,omitempty"`

	// Flat definition lists, as some backends deliver them. Normalize folds
	// them into their templates.
	Elements   []scene.Element  `json:"elements,omitempty"`
	Animations []AnimationRow   `json:"animations,omitempty"`
	Keyframes  []scene.Keyframe `json:"keyframes,omitempty"`

	LoadedAt time.Time `json:"-"`
}

// AnimationRow is a flat animation carrying its template id
type AnimationRow struct {
	scene.Animation
	TemplateID string `json:"templateId"`
}

// Fetcher retrieves a project definition from its source of truth
type Fetcher interface {
	FetchProject(ctx context.Context, projectID string) (*Project, error)
}

// FetcherFunc adapts a function to Fetcher
type FetcherFunc func(ctx context.Context, projectID string) (*Project, error)

// FetchProject implements Fetcher
func (f FetcherFunc) FetchProject(ctx context.Context, projectID string) (*Project, error) {
	return f(ctx, projectID)
}

// Normalize folds flat element/animation/keyframe lists into their templates
// and fills in template ids on elements
func (p *Project) Normalize() {
	if p == nil {
		return
	}
	byID := make(map[string]*scene.Template, len(p.Templates))
	kept := p.Templates[:0]
	for _, t := range p.Templates {
		if t == nil || t.ID == "" {
			continue
		}
		byID[t.ID] = t
		kept = append(kept, t)
	}
	p.Templates = kept

	for _, el := range p.Elements {
		if t, ok := byID[el.TemplateID]; ok {
			t.Elements = append(t.Elements, el)
		}
	}
	animTemplate := make(map[string]*scene.Template)
	for _, row := range p.Animations {
		if t, ok := byID[row.TemplateID]; ok {
			t.Animations = append(t.Animations, row.Animation)
			animTemplate[row.ID] = t
		}
	}
	for _, kf := range p.Keyframes {
		if t, ok := animTemplate[kf.AnimationID]; ok {
			t.Keyframes = append(t.Keyframes, kf)
		}
	}
	p.Elements, p.Animations, p.Keyframes = nil, nil, nil

	for _, t := range p.Templates {
		for i := range t.Elements {
			if t.Elements[i].TemplateID == "" {
				t.Elements[i].TemplateID = t.ID
			}
		}
	}
}

// Template returns the template with the given id, or nil
func (p *Project) Template(id string) *scene.Template {
	if p == nil || id == "" {
		return nil
	}
	for _, t := range p.Templates {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// SortedLayers returns the layers ordered by zOrder
func (p *Project) SortedLayers() []scene.Layer {
	if p == nil {
		return nil
	}
	return scene.SortLayers(p.Layers)
}

// Layer returns the layer with the given id
func (p *Project) Layer(id string) (scene.Layer, bool) {
	if p == nil {
		return scene.Layer{}, false
	}
	for _, l := range p.Layers {
		if l.ID == id {
			return l, true
		}
	}
	return scene.Layer{}, false
}

// LayerAt resolves an index into the zOrder-sorted layer list
func (p *Project) LayerAt(index int) (scene.Layer, bool) {
	sorted := p.SortedLayers()
	if index < 0 || index >= len(sorted) {
		return scene.Layer{}, false
	}
	return sorted[index], true
}

// BindingsFor returns the project binding rules that apply to a template
func (p *Project) BindingsFor(templateID string) []binding.Rule {
	if p == nil {
		return nil
	}
	return binding.RulesFor(p.Bindings, templateID)
}
