package player

import (
	"sort"

	"graphics-player/internal/binding"
	"graphics-player/internal/project"
	"graphics-player/internal/scene"
)

// Project turns a snapshot into the visible element list, bottom layer
// first. Within a layer instances keep registry order (outgoing before
// incoming) and elements are ordered by zIndex. Always-on layers contribute
// their templates at loop position 0 regardless of the registry.
func Project(snap *Snapshot, proj *project.Project) []scene.Element {
	var out []scene.Element

	layers := orderLayers(snap, proj)
	for _, layerID := range layers {
		if l, ok := proj.Layer(layerID); ok && l.AlwaysOn && l.Enabled {
			for _, t := range proj.Templates {
				if t.LayerID != layerID {
					continue
				}
				ctx := binding.Context{Rules: proj.BindingsFor(t.ID), Record: proj.DataRecord}
				out = appendElements(out, t, ctx, scene.PhaseLoop, 0)
			}
		}

		if snap == nil {
			continue
		}
		for _, inst := range snap.Registry.Instances(layerID) {
			tmpl := templateFor(inst, proj)
			if tmpl == nil {
				continue
			}
			out = appendElements(out, tmpl, contextFor(inst, snap.Overrides, proj), inst.Phase, inst.PlayheadMs)
		}
	}
	return out
}

func appendElements(out []scene.Element, tmpl *scene.Template, ctx binding.Context, phase scene.Phase, playheadMs float64) []scene.Element {
	resolved := binding.Resolve(tmpl.Elements, ctx)
	sort.SliceStable(resolved, func(i, j int) bool {
		return resolved[i].ZIndex < resolved[j].ZIndex
	})
	for _, el := range resolved {
		if el.Hidden {
			continue
		}
		if el.TemplateID == "" {
			el.TemplateID = tmpl.ID
		}
		out = append(out, scene.Sample(tmpl, el, phase, playheadMs))
	}
	return out
}

// contextFor picks an instance's binding context: its override entry, then
// the context embedded at creation, then the project's. Overrides always
// come from the entry.
func contextFor(inst Instance, overrides Overrides, proj *project.Project) binding.Context {
	var ctx binding.Context
	entry, ok := overrides.Get(inst.InstanceID)
	switch {
	case ok && entry.HasBindings:
		ctx.Rules, ctx.Record = entry.Bindings, entry.Record
	case inst.HasBindings:
		ctx.Rules, ctx.Record = inst.Bindings, inst.Record
	case proj != nil:
		ctx.Rules, ctx.Record = proj.BindingsFor(inst.TemplateID), proj.DataRecord
	}
	if ok {
		ctx.Overrides = entry.Overrides
	}
	return ctx
}

// orderLayers returns every layer to draw, sorted by zOrder. Layers the
// project does not know (explicit ids, the fallback layer) draw above the
// known ones in first-use order.
func orderLayers(snap *Snapshot, proj *project.Project) []string {
	var ids []string
	seen := map[string]bool{}
	for _, l := range proj.SortedLayers() {
		ids = append(ids, l.ID)
		seen[l.ID] = true
	}
	if snap != nil {
		for _, id := range snap.Registry.LayerIDs() {
			if !seen[id] {
				ids = append(ids, id)
				seen[id] = true
			}
		}
	}
	return ids
}
