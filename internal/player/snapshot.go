package player

import (
	"time"
)

// Snapshot is an immutable view of the playout state published after every
// tick and command. Readers never lock.
type Snapshot struct {
	Registry  Registry
	Overrides Overrides
	Playing   bool
	Tick      uint64
	At        time.Time
}

// InstanceView is the JSON form of one instance
type InstanceView struct {
	InstanceID   string    `json:"instanceId"`
	TemplateID   string    `json:"templateId"`
	LayerID      string    `json:"layerId"`
	Phase        string    `json:"phase"`
	PlayheadMs   float64   `json:"playheadMs"`
	IsOutgoing   bool      `json:"isOutgoing"`
	StartedAt    time.Time `json:"startedAt"`
	HasOverrides bool      `json:"hasOverrides"`
}

// StateView is the JSON form of a snapshot
type StateView struct {
	Playing   bool                      `json:"playing"`
	Tick      uint64                    `json:"tick"`
	Instances int                       `json:"instances"`
	Overrides int                       `json:"overrides"`
	Layers    map[string][]InstanceView `json:"layers"`
	Order     []string                  `json:"order"`
}

// View converts the snapshot for the API and websocket broadcast
func (s *Snapshot) View() StateView {
	view := StateView{Layers: map[string][]InstanceView{}, Order: []string{}}
	if s == nil {
		return view
	}
	view.Playing = s.Playing
	view.Tick = s.Tick
	view.Overrides = s.Overrides.Len()
	for _, layerID := range s.Registry.LayerIDs() {
		view.Order = append(view.Order, layerID)
		for _, inst := range s.Registry.Instances(layerID) {
			view.Layers[layerID] = append(view.Layers[layerID], InstanceView{
				InstanceID:   inst.InstanceID,
				TemplateID:   inst.TemplateID,
				LayerID:      inst.LayerID,
				Phase:        inst.Phase.String(),
				PlayheadMs:   inst.PlayheadMs,
				IsOutgoing:   inst.IsOutgoing,
				StartedAt:    inst.StartedAt,
				HasOverrides: s.Overrides.Has(inst.InstanceID),
			})
			view.Instances++
		}
	}
	return view
}
