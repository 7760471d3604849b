package player

import (
	"maps"

	"graphics-player/internal/binding"
)

// Entry is the per-instance data that shapes resolved content: content
// overrides plus an optional binding context
type Entry struct {
	Overrides   map[string]string
	Bindings    []binding.Rule
	Record      binding.Record
	HasBindings bool
}

func (e Entry) clone() Entry {
	e.Overrides = maps.Clone(e.Overrides)
	e.Bindings = append([]binding.Rule(nil), e.Bindings...)
	e.Record = maps.Clone(e.Record)
	return e
}

// Overrides maps instance ids to their entries. Like Registry it is
// immutable; every mutation returns a new value.
type Overrides struct {
	entries map[string]Entry
}

// NewOverrides returns an empty store
func NewOverrides() Overrides {
	return Overrides{entries: map[string]Entry{}}
}

// Len returns the number of entries
func (o Overrides) Len() int {
	return len(o.entries)
}

// Get returns a copy of the instance's entry
func (o Overrides) Get(instanceID string) (Entry, bool) {
	e, ok := o.entries[instanceID]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Has reports whether the instance owns an entry
func (o Overrides) Has(instanceID string) bool {
	_, ok := o.entries[instanceID]
	return ok
}

// IDs returns the instance ids that own entries
func (o Overrides) IDs() []string {
	out := make([]string, 0, len(o.entries))
	for id := range o.entries {
		out = append(out, id)
	}
	return out
}

func (o Overrides) with(instanceID string, e Entry) Overrides {
	next := make(map[string]Entry, len(o.entries)+1)
	maps.Copy(next, o.entries)
	next[instanceID] = e
	return Overrides{entries: next}
}

// Put replaces the instance's entry
func (o Overrides) Put(instanceID string, e Entry) Overrides {
	return o.with(instanceID, e.clone())
}

// Merge shallow-merges values into the instance's overrides, last write wins
// per key. A nil value removes the key. Creates the entry when missing.
func (o Overrides) Merge(instanceID string, values map[string]*string) Overrides {
	e := o.entries[instanceID].clone()
	if e.Overrides == nil {
		e.Overrides = map[string]string{}
	}
	for k, v := range values {
		if k == "" {
			continue
		}
		if v == nil {
			delete(e.Overrides, k)
			continue
		}
		e.Overrides[k] = *v
	}
	return o.with(instanceID, e)
}

// SetBindings replaces the instance's binding context. A nil rules slice
// keeps the current rules; a nil record keeps the current record.
func (o Overrides) SetBindings(instanceID string, rules []binding.Rule, record binding.Record) Overrides {
	e := o.entries[instanceID].clone()
	if rules != nil {
		e.Bindings = append([]binding.Rule(nil), rules...)
	}
	if record != nil {
		e.Record = maps.Clone(record)
	}
	e.HasBindings = e.HasBindings || rules != nil || record != nil
	return o.with(instanceID, e)
}

// Delete removes the entries of the given instances
func (o Overrides) Delete(instanceIDs ...string) Overrides {
	if len(instanceIDs) == 0 {
		return o
	}
	next := maps.Clone(o.entries)
	if next == nil {
		next = map[string]Entry{}
	}
	for _, id := range instanceIDs {
		delete(next, id)
	}
	return Overrides{entries: next}
}

// Context builds the binding context for an instance entry
func (e Entry) Context() binding.Context {
	return binding.Context{
		Rules:     e.Bindings,
		Record:    e.Record,
		Overrides: e.Overrides,
	}
}
