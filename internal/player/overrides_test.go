package player

import (
	"testing"

	"graphics-player/internal/binding"
	"graphics-player/internal/scene"
)

func TestOverridesCopyOnWrite(t *testing.T) {
	base := NewOverrides().Put("a", Entry{Overrides: map[string]string{"title": "one"}})
	next := base.Merge("a", map[string]*string{"title": str("two"), "sub": str("x")})

	old, _ := base.Get("a")
	if old.Overrides["title"] != "one" || len(old.Overrides) != 1 {
		t.Errorf("Merge mutated the previous store: %v", old.Overrides)
	}
	cur, _ := next.Get("a")
	if cur.Overrides["title"] != "two" || cur.Overrides["sub"] != "x" {
		t.Errorf("Merge result = %v", cur.Overrides)
	}

	// Mutating a returned entry never reaches the store
	cur.Overrides["title"] = "hacked"
	again, _ := next.Get("a")
	if again.Overrides["title"] != "two" {
		t.Error("Get returned an aliased map")
	}
}

func TestOverridesMergeRemovesNil(t *testing.T) {
	o := NewOverrides().Merge("a", map[string]*string{"title": str("x"), "": str("ignored")})
	o = o.Merge("a", map[string]*string{"title": nil})

	e, ok := o.Get("a")
	if !ok {
		t.Fatal("Expected entry")
	}
	if len(e.Overrides) != 0 {
		t.Errorf("Expected empty overrides, got %v", e.Overrides)
	}
}

func TestOverridesSetBindings(t *testing.T) {
	rules := []binding.Rule{{ElementID: "title", FieldPath: "name"}}
	o := NewOverrides().SetBindings("a", rules, nil)
	o = o.SetBindings("a", nil, binding.Record{"name": "Ada"})

	e, _ := o.Get("a")
	if !e.HasBindings || len(e.Bindings) != 1 || e.Record["name"] != "Ada" {
		t.Errorf("Unexpected entry %+v", e)
	}
}

func TestOverridesDelete(t *testing.T) {
	o := NewOverrides().
		Put("a", Entry{}).
		Put("b", Entry{}).
		Put("c", Entry{})
	next := o.Delete("a", "c", "missing")

	if next.Len() != 1 || !next.Has("b") {
		t.Errorf("Expected only b, got %v", next.IDs())
	}
	if o.Len() != 3 {
		t.Error("Delete mutated the previous store")
	}
}

func TestRegistryImmutable(t *testing.T) {
	r := NewRegistry()
	r1, _ := r.Start(Instance{InstanceID: "1", TemplateID: "A", LayerID: "L"})
	r2, demoted := r1.Start(Instance{InstanceID: "2", TemplateID: "B", LayerID: "L"})

	if r.Len() != 0 || r1.Len() != 1 || r2.Len() != 2 {
		t.Fatalf("Lengths = %d,%d,%d", r.Len(), r1.Len(), r2.Len())
	}
	if demoted == nil || demoted.InstanceID != "1" {
		t.Fatalf("Expected instance 1 demoted, got %+v", demoted)
	}
	if inst, _ := r1.Active("L"); inst.InstanceID != "1" || inst.Phase != scene.PhaseIn {
		t.Error("Start mutated the previous registry")
	}

	r3, transitions := r2.Advance(10_000, func(Instance, scene.Phase) float64 { return 100 })
	if len(transitions) != 2 {
		t.Fatalf("Expected 2 transitions, got %d", len(transitions))
	}
	if !transitions[0].Retired || transitions[1].To != scene.PhaseLoop {
		t.Errorf("Unexpected transitions %+v", transitions)
	}
	if r3.Len() != 1 || r2.Len() != 2 {
		t.Error("Advance mutated the previous registry")
	}
}

func TestRegistryEmptyLayerDropped(t *testing.T) {
	r, _ := NewRegistry().Start(Instance{InstanceID: "1", LayerID: "L"})
	r, _ = r.Stop("L")
	r, _ = r.Advance(5000, func(Instance, scene.Phase) float64 { return 100 })

	if !r.Empty() || len(r.LayerIDs()) != 0 {
		t.Errorf("Expected empty registry, got layers %v", r.LayerIDs())
	}
}
