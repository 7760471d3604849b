package player

import (
	"time"

	"graphics-player/internal/binding"
	"graphics-player/internal/scene"
)

// FallbackLayerID is the synthetic layer used when a command's layer cannot
// be resolved. Every unresolvable command shares it.
const FallbackLayerID = "__fallback__"

// Instance is one live playback of a template. Instances are values: the
// registry replaces them, it never mutates one that a snapshot may hold.
type Instance struct {
	InstanceID string
	TemplateID string
	LayerID    string
	Phase      scene.Phase
	PlayheadMs float64
	IsOutgoing bool
	StartedAt  time.Time

	// Private template copy taken at creation; preferred over the project cache
	Template *scene.Template

	// Private binding context taken at creation
	Bindings    []binding.Rule
	Record      binding.Record
	HasBindings bool
}

// demote turns the instance into an outgoing record starting its OUT phase
func (i Instance) demote() Instance {
	i.IsOutgoing = true
	i.Phase = scene.PhaseOut
	i.PlayheadMs = 0
	return i
}

// Transition records a phase change made by one tick
type Transition struct {
	InstanceID string
	TemplateID string
	LayerID    string
	From       scene.Phase
	To         scene.Phase
	Retired    bool
}

// DurationFunc returns the duration in ms of an instance's phase
type DurationFunc func(inst Instance, phase scene.Phase) float64

// Registry maps layers to their active instances. It is immutable: every
// operation returns a new Registry and leaves the receiver untouched, so a
// published snapshot never observes a half-applied change.
type Registry struct {
	layers map[string][]Instance
	order  []string // layer ids in first-use order
}

// NewRegistry returns an empty registry
func NewRegistry() Registry {
	return Registry{layers: map[string][]Instance{}}
}

// Len returns the total number of instances across all layers
func (r Registry) Len() int {
	n := 0
	for _, list := range r.layers {
		n += len(list)
	}
	return n
}

// Empty reports whether no instance is on air
func (r Registry) Empty() bool {
	return r.Len() == 0
}

// LayerIDs returns the ids of layers holding instances, in first-use order
func (r Registry) LayerIDs() []string {
	out := make([]string, 0, len(r.order))
	for _, id := range r.order {
		if len(r.layers[id]) > 0 {
			out = append(out, id)
		}
	}
	return out
}

// Instances returns a copy of a layer's instances
func (r Registry) Instances(layerID string) []Instance {
	return append([]Instance(nil), r.layers[layerID]...)
}

// All returns a copy of every instance, grouped by layer in first-use order
func (r Registry) All() []Instance {
	var out []Instance
	for _, id := range r.LayerIDs() {
		out = append(out, r.layers[id]...)
	}
	return out
}

// Active returns the layer's non-outgoing instance, if any
func (r Registry) Active(layerID string) (Instance, bool) {
	for _, inst := range r.layers[layerID] {
		if !inst.IsOutgoing {
			return inst, true
		}
	}
	return Instance{}, false
}

// FindActiveByTemplate returns the first non-outgoing instance of templateID
// across all layers
func (r Registry) FindActiveByTemplate(templateID string) (Instance, bool) {
	for _, id := range r.order {
		for _, inst := range r.layers[id] {
			if !inst.IsOutgoing && inst.TemplateID == templateID {
				return inst, true
			}
		}
	}
	return Instance{}, false
}

// Find returns the instance with the given id
func (r Registry) Find(instanceID string) (Instance, bool) {
	for _, list := range r.layers {
		for _, inst := range list {
			if inst.InstanceID == instanceID {
				return inst, true
			}
		}
	}
	return Instance{}, false
}

// clone copies the layer map and order; layer slices stay shared until
// replaced with setLayer
func (r Registry) clone() Registry {
	out := Registry{
		layers: make(map[string][]Instance, len(r.layers)+1),
		order:  append([]string(nil), r.order...),
	}
	for k, v := range r.layers {
		out.layers[k] = v
	}
	return out
}

func (r *Registry) setLayer(layerID string, list []Instance) {
	if _, seen := r.layers[layerID]; !seen {
		r.order = append(r.order, layerID)
	}
	if len(list) == 0 {
		delete(r.layers, layerID)
		for i, id := range r.order {
			if id == layerID {
				r.order = append(r.order[:i:i], r.order[i+1:]...)
				break
			}
		}
		return
	}
	r.layers[layerID] = list
}

// Start places inst on its layer. The layer's current non-outgoing instance,
// if any, is demoted to outgoing and starts its OUT phase. Returns the new
// registry and the demoted instance.
func (r Registry) Start(inst Instance) (Registry, *Instance) {
	out := r.clone()
	current := r.layers[inst.LayerID]
	next := make([]Instance, 0, len(current)+1)

	var demoted *Instance
	for _, existing := range current {
		if !existing.IsOutgoing && demoted == nil {
			d := existing.demote()
			demoted = &d
			next = append(next, d)
			continue
		}
		next = append(next, existing)
	}

	inst.Phase = scene.PhaseIn
	inst.PlayheadMs = 0
	inst.IsOutgoing = false
	next = append(next, inst)

	out.setLayer(inst.LayerID, next)
	return out, demoted
}

// Stop moves every instance on the layer to OUT. Instances already outgoing
// keep their playhead so their exit animation is not restarted.
func (r Registry) Stop(layerID string) (Registry, []Instance) {
	current := r.layers[layerID]
	if len(current) == 0 {
		return r, nil
	}
	out := r.clone()
	next := make([]Instance, len(current))
	var stopped []Instance
	for i, existing := range current {
		if existing.IsOutgoing {
			next[i] = existing
			continue
		}
		next[i] = existing.demote()
		stopped = append(stopped, next[i])
	}
	out.setLayer(layerID, next)
	return out, stopped
}

// StopAll applies Stop to every layer
func (r Registry) StopAll() (Registry, []Instance) {
	out := r
	var stopped []Instance
	for _, id := range r.LayerIDs() {
		var s []Instance
		out, s = out.Stop(id)
		stopped = append(stopped, s...)
	}
	return out, stopped
}

// Advance moves every instance's playhead forward by deltaMs and applies
// phase transitions: in→loop, loop→loop (reset), out→retired. All layers use
// the same delta.
func (r Registry) Advance(deltaMs float64, duration DurationFunc) (Registry, []Transition) {
	if r.Empty() {
		return r, nil
	}

	out := r.clone()
	var transitions []Transition

	for _, layerID := range r.LayerIDs() {
		current := r.layers[layerID]
		next := make([]Instance, 0, len(current))

		for _, inst := range current {
			playhead := inst.PlayheadMs + deltaMs
			if playhead < duration(inst, inst.Phase) {
				inst.PlayheadMs = playhead
				next = append(next, inst)
				continue
			}

			t := Transition{
				InstanceID: inst.InstanceID,
				TemplateID: inst.TemplateID,
				LayerID:    layerID,
				From:       inst.Phase,
			}

			if inst.Phase == scene.PhaseOut || inst.IsOutgoing {
				t.To = scene.PhaseOut
				t.Retired = true
				transitions = append(transitions, t)
				continue
			}

			// in→loop and loop→loop both restart the loop
			inst.Phase = scene.PhaseLoop
			inst.PlayheadMs = 0
			t.To = inst.Phase
			transitions = append(transitions, t)
			next = append(next, inst)
		}

		out.setLayer(layerID, next)
	}

	return out, transitions
}
