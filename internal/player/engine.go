// Package player holds the playout state machine: the instance registry,
// the per-instance override store, the playback clock that advances them and
// the processor that applies commands in delivery order.
package player

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"graphics-player/internal/binding"
	"graphics-player/internal/command"
	"graphics-player/internal/journal"
	"graphics-player/internal/project"
	"graphics-player/internal/scene"
)

// DefaultPhaseMs is the duration of a phase with no configured duration
// and no animation curves
const DefaultPhaseMs = 1500.0

// ErrNoActiveInstance is returned by update when no live instance plays the
// target template
var ErrNoActiveInstance = errors.New("no active instance for template")

// ProjectSnapshotter exposes the latest loaded project without blocking
type ProjectSnapshotter interface {
	Snapshot() *project.Project
}

// Hooks are optional callbacks. They run after the engine lock is released.
type Hooks struct {
	OnTick       func(elapsed time.Duration, instances int)
	OnCommand    func(kind command.Kind, err error)
	OnTransition func(t Transition)
	OnIdle       func()
}

// EngineConfig holds engine options
type EngineConfig struct {
	TickRate       int     // Clock ticks per second (default: 60)
	DefaultPhaseMs float64 // Fallback phase duration (default: 1500)
}

// ApplyResult describes what a command changed
type ApplyResult struct {
	Kind       command.Kind `json:"kind"`
	InstanceID string       `json:"instanceId,omitempty"`
	LayerID    string       `json:"layerId,omitempty"`
	Demoted    string       `json:"demoted,omitempty"`
	Stopped    int          `json:"stopped,omitempty"`
	Cleared    int          `json:"cleared,omitempty"`
	Fallback   bool         `json:"fallback,omitempty"`
}

// Engine owns the registry and override store. All mutation happens under
// mu, either in Apply or in Tick; readers use the published Snapshot.
type Engine struct {
	mu        sync.Mutex
	registry  Registry
	overrides Overrides
	playing   bool
	lastTick  time.Time
	tickCount uint64

	projects ProjectSnapshotter
	journal  *journal.Journal
	hooks    Hooks
	config   EngineConfig
	newID    func() string

	snapshot atomic.Pointer[Snapshot]

	running  bool
	ticker   *time.Ticker
	stopChan chan struct{}
}

// NewEngine creates an engine. projects and j may be nil.
func NewEngine(config EngineConfig, projects ProjectSnapshotter, j *journal.Journal) *Engine {
	if config.TickRate <= 0 {
		config.TickRate = 60
	}
	if config.DefaultPhaseMs <= 0 {
		config.DefaultPhaseMs = DefaultPhaseMs
	}
	e := &Engine{
		registry:  NewRegistry(),
		overrides: NewOverrides(),
		projects:  projects,
		journal:   j,
		config:    config,
		newID:     uuid.NewString,
		stopChan:  make(chan struct{}),
	}
	e.publishLocked(time.Now())
	return e
}

// SetHooks installs callbacks. Call before Start.
func (e *Engine) SetHooks(h Hooks) {
	e.mu.Lock()
	e.hooks = h
	e.mu.Unlock()
}

// Start begins the playback clock
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.ticker = time.NewTicker(time.Second / time.Duration(e.config.TickRate))
	ticker := e.ticker
	e.mu.Unlock()

	go func() {
		for {
			select {
			case now := <-ticker.C:
				e.Tick(now)
			case <-e.stopChan:
				return
			}
		}
	}()

	log.Printf("🎬 Playback clock started at %d TPS", e.config.TickRate)
}

// Stop stops the playback clock
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return
	}
	e.running = false
	if e.ticker != nil {
		e.ticker.Stop()
	}
	close(e.stopChan)
	log.Println("🛑 Playback clock stopped")
}

// Snapshot returns the latest published state. Never blocks.
func (e *Engine) Snapshot() *Snapshot {
	return e.snapshot.Load()
}

func (e *Engine) publishLocked(now time.Time) {
	e.snapshot.Store(&Snapshot{
		Registry:  e.registry,
		Overrides: e.overrides,
		Playing:   e.playing,
		Tick:      e.tickCount,
		At:        now,
	})
}

func (e *Engine) project() *project.Project {
	if e.projects == nil {
		return nil
	}
	return e.projects.Snapshot()
}

// Tick advances every instance by the wall time elapsed since the previous
// tick. The first tick only sets the baseline. While nothing has been
// played the playheads hold still.
func (e *Engine) Tick(now time.Time) {
	start := time.Now()

	e.mu.Lock()
	e.tickCount++

	delta := 0.0
	if !e.lastTick.IsZero() && e.playing {
		delta = float64(now.Sub(e.lastTick)) / float64(time.Millisecond)
		if delta < 0 {
			delta = 0
		}
	}
	e.lastTick = now

	wasEmpty := e.registry.Empty()
	proj := e.project()
	next, transitions := e.registry.Advance(delta, func(inst Instance, phase scene.Phase) float64 {
		return templateFor(inst, proj).PhaseDuration(phase, e.config.DefaultPhaseMs)
	})
	e.registry = next

	var retired []string
	for _, t := range transitions {
		if t.Retired {
			retired = append(retired, t.InstanceID)
		}
	}
	e.overrides = e.overrides.Delete(retired...)

	idle := !wasEmpty && e.registry.Empty()
	instances := e.registry.Len()
	hooks := e.hooks
	e.publishLocked(now)
	e.mu.Unlock()

	for _, t := range transitions {
		e.recordTransition(t)
		if hooks.OnTransition != nil {
			hooks.OnTransition(t)
		}
	}
	if idle {
		e.signalIdle(hooks)
	}
	if hooks.OnTick != nil {
		hooks.OnTick(time.Since(start), instances)
	}
}

func (e *Engine) recordTransition(t Transition) {
	payload := journal.InstancePayload{
		InstanceID: t.InstanceID,
		TemplateID: t.TemplateID,
		LayerID:    t.LayerID,
		From:       t.From.String(),
	}
	if t.Retired {
		payload.To = "retired"
		e.journal.Record(journal.EventTypeRetire, t.LayerID, payload)
		log.Printf("🏁 %s retired from layer %s", t.TemplateID, t.LayerID)
		return
	}
	// loop→loop restarts are frequent and not journaled
	if t.From != t.To {
		payload.To = t.To.String()
		e.journal.Record(journal.EventTypePhase, t.LayerID, payload)
	}
}

func (e *Engine) signalIdle(hooks Hooks) {
	log.Println("💤 Nothing on air")
	e.journal.Record(journal.EventTypeIdle, "", nil)
	if hooks.OnIdle != nil {
		hooks.OnIdle()
	}
}

// Apply executes one command against the registry and override store
func (e *Engine) Apply(env command.Envelope) (ApplyResult, error) {
	e.mu.Lock()
	res := ApplyResult{Kind: env.Kind}
	idle, err := e.applyLocked(env, &res)
	hooks := e.hooks
	e.publishLocked(time.Now())
	e.mu.Unlock()

	if idle {
		e.signalIdle(hooks)
	}
	if hooks.OnCommand != nil {
		hooks.OnCommand(env.Kind, err)
	}
	return res, err
}

func (e *Engine) applyLocked(env command.Envelope, res *ApplyResult) (idle bool, err error) {
	switch env.Kind {
	case command.KindPlay, command.KindLoad:
		return false, e.startLocked(env, res)

	case command.KindUpdate:
		return false, e.updateLocked(env, res)

	case command.KindStop:
		e.stopLocked(env, res)
		return false, nil

	case command.KindClear, command.KindClearAll, command.KindInitialize:
		res.Cleared = e.registry.Len()
		idle = !e.registry.Empty()
		e.registry = NewRegistry()
		e.overrides = NewOverrides()
		e.playing = false
		log.Printf("🧹 %s: %d instances removed", env.Kind, res.Cleared)
		return idle, nil

	default:
		return false, fmt.Errorf("%w: %q", command.ErrUnknownKind, env.Kind)
	}
}

func (e *Engine) startLocked(env command.Envelope, res *ApplyResult) error {
	proj := e.project()

	tmpl := env.Template.Clone()
	if tmpl == nil {
		tmpl = proj.Template(env.TemplateID).Clone()
	}
	if tmpl == nil {
		return command.ErrMissingTemplate
	}

	layerID, fallback := resolveLayer(env, tmpl, proj)
	if fallback {
		log.Printf("⚠️ Layer %s unresolved for %s, using %s", env.Layer, tmpl.ID, FallbackLayerID)
	}

	inst := Instance{
		InstanceID: e.newID(),
		TemplateID: tmpl.ID,
		LayerID:    layerID,
		StartedAt:  time.Now(),
		Template:   tmpl,
	}
	if env.HasBindingContext() {
		inst.Bindings = append([]binding.Rule(nil), env.Bindings...)
		inst.Record = env.Record
		inst.HasBindings = true
	}

	var demoted *Instance
	e.registry, demoted = e.registry.Start(inst)

	switch {
	case env.HasOverrides() || env.HasBindingContext():
		e.overrides = e.overrides.Put(inst.InstanceID, Entry{
			Overrides:   env.OverrideValues(),
			Bindings:    inst.Bindings,
			Record:      inst.Record,
			HasBindings: inst.HasBindings,
		})
	case proj != nil:
		if entry, ok := projectEntry(proj, inst.TemplateID); ok {
			e.overrides = e.overrides.Put(inst.InstanceID, entry)
		}
	}

	if env.Kind == command.KindPlay {
		e.playing = true
	}

	res.InstanceID = inst.InstanceID
	res.LayerID = layerID
	res.Fallback = fallback
	if demoted != nil {
		res.Demoted = demoted.InstanceID
		log.Printf("🔀 Layer %s: %s out, %s in", layerID, demoted.TemplateID, inst.TemplateID)
	} else {
		log.Printf("▶️ Layer %s: %s in (%s)", layerID, inst.TemplateID, env.Kind)
	}

	e.journal.Record(journal.EventTypeInstanceStart, layerID, journal.InstancePayload{
		InstanceID: inst.InstanceID,
		TemplateID: inst.TemplateID,
		LayerID:    layerID,
		To:         scene.PhaseIn.String(),
	})
	return nil
}

func (e *Engine) updateLocked(env command.Envelope, res *ApplyResult) error {
	inst, ok := e.registry.FindActiveByTemplate(env.TemplateID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoActiveInstance, env.TemplateID)
	}
	res.InstanceID = inst.InstanceID
	res.LayerID = inst.LayerID

	if len(env.Overrides) > 0 {
		e.overrides = e.overrides.Merge(inst.InstanceID, env.Overrides)
	}

	if env.HasBindingContext() {
		// Seed from the context the instance renders with today so a record-only
		// update keeps the existing rules
		if entry, ok := e.overrides.Get(inst.InstanceID); !ok || !entry.HasBindings {
			rules, record := inst.Bindings, inst.Record
			if !inst.HasBindings {
				proj := e.project()
				rules, record = proj.BindingsFor(inst.TemplateID), nil
				if proj != nil {
					record = proj.DataRecord
				}
			}
			e.overrides = e.overrides.SetBindings(inst.InstanceID, nonNil(rules), record)
		}
		var rules []binding.Rule
		if len(env.Bindings) > 0 {
			rules = env.Bindings
		}
		var record binding.Record
		if env.HasRecord {
			record = env.Record
			if record == nil {
				record = binding.Record{}
			}
		}
		e.overrides = e.overrides.SetBindings(inst.InstanceID, rules, record)
	}

	if !e.overrides.Has(inst.InstanceID) {
		e.overrides = e.overrides.Put(inst.InstanceID, Entry{Overrides: map[string]string{}})
	}
	return nil
}

func (e *Engine) stopLocked(env command.Envelope, res *ApplyResult) {
	var stopped []Instance
	if env.Layer.IsZero() {
		e.registry, stopped = e.registry.StopAll()
		log.Printf("⏹️ Stop all: %d instances out", len(stopped))
	} else {
		layerID, fallback := resolveLayer(env, nil, e.project())
		e.registry, stopped = e.registry.Stop(layerID)
		res.LayerID = layerID
		res.Fallback = fallback
		log.Printf("⏹️ Stop layer %s: %d instances out", layerID, len(stopped))
	}
	res.Stopped = len(stopped)
	// Out phases must run even if nothing was ever played
	if len(stopped) > 0 {
		e.playing = true
	}

	for _, inst := range stopped {
		e.journal.Record(journal.EventTypePhase, inst.LayerID, journal.InstancePayload{
			InstanceID: inst.InstanceID,
			TemplateID: inst.TemplateID,
			LayerID:    inst.LayerID,
			To:         scene.PhaseOut.String(),
		})
	}
}

// BindProject gives instances that started before p finished loading the
// project's binding context. Instances that carry their own context are
// left alone; no instance is created.
func (e *Engine) BindProject(p *project.Project) int {
	if p == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	bound := 0
	for _, inst := range e.registry.All() {
		if inst.HasBindings {
			continue
		}
		if entry, ok := e.overrides.Get(inst.InstanceID); ok && entry.HasBindings {
			continue
		}
		entry, ok := projectEntry(p, inst.TemplateID)
		if !ok {
			continue
		}
		e.overrides = e.overrides.SetBindings(inst.InstanceID, entry.Bindings, entry.Record)
		bound++
	}
	if bound > 0 {
		log.Printf("🔗 Late-bound project %s data to %d instances", p.ID, bound)
		e.publishLocked(time.Now())
	}
	return bound
}

// projectEntry builds a binding-only entry from the project's rules and
// data record
func projectEntry(p *project.Project, templateID string) (Entry, bool) {
	rules := p.BindingsFor(templateID)
	if len(rules) == 0 && p.DataRecord == nil {
		return Entry{}, false
	}
	return Entry{
		Bindings:    nonNil(rules),
		Record:      p.DataRecord,
		HasBindings: true,
	}, true
}

func nonNil(rules []binding.Rule) []binding.Rule {
	if rules == nil {
		return []binding.Rule{}
	}
	return rules
}

// resolveLayer picks the layer for a command: explicit id, then index into
// the project's sorted layers, then the template's own layer, then the
// project template's layer. Reports true when it fell back to the shared
// synthetic layer.
func resolveLayer(env command.Envelope, tmpl *scene.Template, proj *project.Project) (string, bool) {
	if env.Layer.ID != "" {
		return env.Layer.ID, false
	}
	if env.Layer.HasIndex {
		if l, ok := proj.LayerAt(env.Layer.Index); ok {
			return l.ID, false
		}
	}
	if tmpl != nil && tmpl.LayerID != "" {
		return tmpl.LayerID, false
	}
	if t := proj.Template(env.TemplateID); t != nil && t.LayerID != "" {
		return t.LayerID, false
	}
	return FallbackLayerID, true
}

// templateFor returns the definition an instance renders: its private copy,
// or the project's when the command carried only an id
func templateFor(inst Instance, proj *project.Project) *scene.Template {
	if inst.Template.HasContent() {
		return inst.Template
	}
	if t := proj.Template(inst.TemplateID); t != nil {
		return t
	}
	return inst.Template
}
