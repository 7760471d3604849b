// Package command defines the Command Envelope: the validated, immutable
// form of one remote playout instruction.
package command

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"graphics-player/internal/binding"
	"graphics-player/internal/scene"
)

// Kind is the instruction carried by an envelope
type Kind string

const (
	KindPlay       Kind = "play"
	KindLoad       Kind = "load"
	KindUpdate     Kind = "update"
	KindStop       Kind = "stop"
	KindClear      Kind = "clear"
	KindClearAll   Kind = "clear_all"
	KindInitialize Kind = "initialize"
)

// SupportedKinds maps wire names to kinds. Aliases seen from older
// controllers are accepted.
var SupportedKinds = map[string]Kind{
	"play":       KindPlay,
	"load":       KindLoad,
	"update":     KindUpdate,
	"stop":       KindStop,
	"clear":      KindClear,
	"clear_all":  KindClearAll,
	"clearall":   KindClearAll,
	"initialize": KindInitialize,
	"init":       KindInitialize,
}

// ParseKind returns the kind for a wire name (case-insensitive)
func ParseKind(s string) (Kind, bool) {
	k, ok := SupportedKinds[strings.ToLower(strings.TrimSpace(s))]
	return k, ok
}

// CarriesTemplate reports whether the kind must carry a template payload
func (k Kind) CarriesTemplate() bool {
	return k == KindPlay || k == KindLoad
}

// IsReset reports whether the kind wipes all playout state
func (k Kind) IsReset() bool {
	return k == KindClear || k == KindClearAll || k == KindInitialize
}

var (
	ErrUnknownKind     = errors.New("unknown command kind")
	ErrMissingTemplate = errors.New("play/load command without template payload")
	ErrMissingTarget   = errors.New("update command without target template")
	ErrMalformed       = errors.New("malformed command")
)

// IsInvalid reports whether err is a validation failure of a command, as
// opposed to a transport fault while fetching one
func IsInvalid(err error) bool {
	return errors.Is(err, ErrUnknownKind) || errors.Is(err, ErrMissingTemplate) ||
		errors.Is(err, ErrMissingTarget) || errors.Is(err, ErrMalformed)
}

// LayerRef addresses a layer either by stable id or by index into the layer
// list sorted by zOrder
type LayerRef struct {
	ID       string
	Index    int
	HasIndex bool
}

// IsZero reports whether no layer was addressed
func (r LayerRef) IsZero() bool {
	return r.ID == "" && !r.HasIndex
}

// String returns a log-friendly form
func (r LayerRef) String() string {
	switch {
	case r.ID != "":
		return r.ID
	case r.HasIndex:
		return fmt.Sprintf("#%d", r.Index)
	default:
		return "*"
	}
}

// Envelope is one validated instruction
type Envelope struct {
	Kind      Kind
	ID        string // empty ids are never deduplicated
	ProjectID string
	Layer     LayerRef

	// TemplateID targets update commands; for play/load it equals Template.ID
	TemplateID string
	Template   *scene.Template

	// Overrides maps element id / name / <id>_items to a value.
	// A nil value removes the key on update.
	Overrides map[string]*string

	Bindings  []binding.Rule
	Record    binding.Record
	HasRecord bool

	Interactive bool
	Timestamp   time.Time
}

// HasOverrides reports whether the envelope carries any content overrides
func (e Envelope) HasOverrides() bool {
	return len(e.Overrides) > 0
}

// HasBindingContext reports whether the envelope carries its own binding rules
func (e Envelope) HasBindingContext() bool {
	return len(e.Bindings) > 0 || e.HasRecord
}

// OverrideValues returns the non-nil overrides as a plain map
func (e Envelope) OverrideValues() map[string]string {
	out := make(map[string]string, len(e.Overrides))
	for k, v := range e.Overrides {
		if k == "" || v == nil {
			continue
		}
		out[k] = *v
	}
	return out
}

// String returns a short log form
func (e Envelope) String() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.TemplateID != "" {
		b.WriteString(" template=")
		b.WriteString(e.TemplateID)
	}
	if !e.Layer.IsZero() {
		b.WriteString(" layer=")
		b.WriteString(e.Layer.String())
	}
	if e.ID != "" {
		b.WriteString(" id=")
		b.WriteString(e.ID)
	}
	return b.String()
}
