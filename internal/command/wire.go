package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"graphics-player/internal/binding"
	"graphics-player/internal/scene"
)

// Wire is the JSON shape of a command as stored in the pending-command slot
// and pushed over the realtime channel
type Wire struct {
	Type               string             `json:"type"`
	ID                 string             `json:"id,omitempty"`
	ProjectID          string             `json:"projectId,omitempty"`
	Template           *WireTemplate      `json:"template,omitempty"`
	TemplateID         string             `json:"templateId,omitempty"`
	LayerID            string             `json:"layerId,omitempty"`
	LayerIndex         *int               `json:"layerIndex,omitempty"`
	Payload            map[string]*string `json:"payload,omitempty"`
	Bindings           []binding.Rule     `json:"bindings,omitempty"`
	CurrentRecord      json.RawMessage    `json:"currentRecord,omitempty"`
	InteractiveEnabled bool               `json:"interactive_enabled,omitempty"`
	InteractiveConfig  json.RawMessage    `json:"interactive_config,omitempty"`
	Timestamp          json.RawMessage    `json:"timestamp,omitempty"`
}

// WireTemplate is the embedded template payload
type WireTemplate struct {
	ID         string            `json:"id"`
	Name       string            `json:"name,omitempty"`
	ProjectID  string            `json:"projectId,omitempty"`
	LayerID    string            `json:"layerId,omitempty"`
	Durations  *scene.Durations  `json:"durations,omitempty"`
	Elements   []scene.Element   `json:"elements,omitempty"`
	Animations []scene.Animation `json:"animations,omitempty"`
	Keyframes  []scene.Keyframe  `json:"keyframes,omitempty"`
}

// Decode parses and validates a wire command
func Decode(data []byte) (Envelope, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return Envelope{}, fmt.Errorf("%w: empty body", ErrMalformed)
	}
	var w Wire
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return FromWire(w)
}

// FromWire validates a decoded wire command
func FromWire(w Wire) (Envelope, error) {
	kind, ok := ParseKind(w.Type)
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownKind, w.Type)
	}

	env := Envelope{
		Kind:        kind,
		ID:          strings.TrimSpace(w.ID),
		ProjectID:   strings.TrimSpace(w.ProjectID),
		TemplateID:  strings.TrimSpace(w.TemplateID),
		Interactive: w.InteractiveEnabled,
		Timestamp:   parseTimestamp(w.Timestamp),
	}

	env.Layer.ID = strings.TrimSpace(w.LayerID)
	if w.LayerIndex != nil && *w.LayerIndex >= 0 {
		env.Layer.Index = *w.LayerIndex
		env.Layer.HasIndex = true
	}

	if w.Template != nil && w.Template.ID != "" && env.TemplateID == "" {
		env.TemplateID = w.Template.ID
	}

	if kind.CarriesTemplate() {
		if w.Template == nil || strings.TrimSpace(w.Template.ID) == "" {
			return Envelope{}, ErrMissingTemplate
		}
		env.Template = w.Template.toScene()
		env.TemplateID = env.Template.ID
		if env.ProjectID == "" {
			env.ProjectID = env.Template.ProjectID
		}
	}

	if kind == KindUpdate && env.TemplateID == "" {
		return Envelope{}, ErrMissingTarget
	}

	if len(w.Payload) > 0 {
		env.Overrides = make(map[string]*string, len(w.Payload))
		for k, v := range w.Payload {
			if k = strings.TrimSpace(k); k == "" {
				continue
			}
			env.Overrides[k] = v
		}
	}

	for _, r := range w.Bindings {
		if r.ElementID == "" || r.FieldPath == "" {
			continue
		}
		env.Bindings = append(env.Bindings, r)
	}

	rec, has, err := decodeRecord(w.CurrentRecord)
	if err != nil {
		return Envelope{}, err
	}
	env.Record, env.HasRecord = rec, has

	return env, nil
}

// ToWire converts an envelope back to its wire shape
func (e Envelope) ToWire() Wire {
	w := Wire{
		Type:               string(e.Kind),
		ID:                 e.ID,
		ProjectID:          e.ProjectID,
		TemplateID:         e.TemplateID,
		LayerID:            e.Layer.ID,
		Payload:            e.Overrides,
		Bindings:           e.Bindings,
		InteractiveEnabled: e.Interactive,
	}
	if e.Layer.HasIndex {
		idx := e.Layer.Index
		w.LayerIndex = &idx
	}
	if e.Template != nil {
		d := e.Template.Durations
		w.Template = &WireTemplate{
			ID:         e.Template.ID,
			Name:       e.Template.Name,
			ProjectID:  e.Template.ProjectID,
			LayerID:    e.Template.LayerID,
			Durations:  &d,
			Elements:   e.Template.Elements,
			Animations: e.Template.Animations,
			Keyframes:  e.Template.Keyframes,
		}
	}
	if e.HasRecord {
		if data, err := json.Marshal(e.Record); err == nil {
			w.CurrentRecord = data
		}
	}
	if !e.Timestamp.IsZero() {
		w.Timestamp = json.RawMessage(strconv.Quote(e.Timestamp.UTC().Format(time.RFC3339Nano)))
	}
	return w
}

// Encode marshals the envelope in wire form
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e.ToWire())
}

func (t *WireTemplate) toScene() *scene.Template {
	tmpl := &scene.Template{
		ID:         strings.TrimSpace(t.ID),
		Name:       t.Name,
		ProjectID:  t.ProjectID,
		LayerID:    t.LayerID,
		Elements:   t.Elements,
		Animations: t.Animations,
		Keyframes:  t.Keyframes,
	}
	if t.Durations != nil {
		tmpl.Durations = *t.Durations
	}
	for i := range tmpl.Elements {
		if tmpl.Elements[i].TemplateID == "" {
			tmpl.Elements[i].TemplateID = tmpl.ID
		}
	}
	// Private copy: the decoded slices must never alias anything shared.
	return tmpl.Clone()
}

func decodeRecord(raw json.RawMessage) (binding.Record, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, false, nil
	}
	var rec map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&rec); err != nil {
		return nil, false, fmt.Errorf("%w: currentRecord: %v", ErrMalformed, err)
	}
	return binding.Record(rec), true, nil
}

// parseTimestamp accepts RFC3339 strings or unix milliseconds
func parseTimestamp(raw json.RawMessage) time.Time {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
		return time.Time{}
	}
	ms, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms))
}
