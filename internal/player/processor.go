package player

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"graphics-player/internal/command"
	"graphics-player/internal/journal"
	"graphics-player/internal/project"
)

// DefaultCacheWait bounds how long a command waits for an in-flight
// project load before it proceeds with whatever binding data is available
const DefaultCacheWait = 500 * time.Millisecond

// ProjectCache is the subset of project.Cache the processor drives
type ProjectCache interface {
	ProjectSnapshotter
	ProjectID() string
	LoadAsync(projectID string)
	Wait(ctx context.Context, timeout time.Duration) bool
	Invalidate()
	OnLoaded(fn func(*project.Project))
}

// Processor applies commands to the engine one at a time, in delivery order
type Processor struct {
	engine    *Engine
	cache     ProjectCache
	journal   *journal.Journal
	cacheWait time.Duration

	applied  atomic.Uint64
	failures atomic.Uint64
}

// NewProcessor wires a processor. Project loads that finish after a command
// was applied late-bind their data into the live instances.
func NewProcessor(engine *Engine, cache ProjectCache, j *journal.Journal, cacheWait time.Duration) *Processor {
	if cacheWait <= 0 {
		cacheWait = DefaultCacheWait
	}
	p := &Processor{
		engine:    engine,
		cache:     cache,
		journal:   j,
		cacheWait: cacheWait,
	}
	if cache != nil {
		cache.OnLoaded(func(proj *project.Project) {
			j.Record(journal.EventTypeProjectLoaded, "", journal.ProjectPayload{
				ProjectID: proj.ID,
				Layers:    len(proj.Layers),
				Templates: len(proj.Templates),
				Bindings:  len(proj.Bindings),
			})
			engine.BindProject(proj)
		})
	}
	return p
}

// Run applies every envelope received until ctx is done or in is closed
func (p *Processor) Run(ctx context.Context, in <-chan command.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-in:
			if !ok {
				return
			}
			p.Handle(ctx, env)
		}
	}
}

// Handle applies one envelope. Errors are logged and returned; none of them
// stop the processor.
func (p *Processor) Handle(ctx context.Context, env command.Envelope) (ApplyResult, error) {
	if p.cache != nil {
		switch {
		case env.Kind == command.KindInitialize:
			p.cache.Invalidate()
		case env.ProjectID != "" && p.cache.ProjectID() != env.ProjectID:
			p.cache.LoadAsync(env.ProjectID)
		}

		if needsProject(env) && !p.cache.Wait(ctx, p.cacheWait) {
			log.Printf("⏳ Project still loading, applying %s with partial data", env.Kind)
		}
	}

	res, err := p.engine.Apply(env)

	payload := journal.CommandPayload{
		ID:       env.ID,
		Kind:     string(env.Kind),
		Layer:    res.LayerID,
		Template: env.TemplateID,
	}
	if err != nil {
		p.failures.Add(1)
		payload.Error = err.Error()
		p.journal.Record(journal.EventTypeRejected, "", payload)
		if errors.Is(err, ErrNoActiveInstance) {
			log.Printf("⚠️ %s ignored: %v", env, err)
		} else {
			log.Printf("❌ %s failed: %v", env, err)
		}
		return res, err
	}
	p.applied.Add(1)
	p.journal.Record(journal.EventTypeCommand, "", payload)

	// initialize starts the fresh load after the reset so its late-bind
	// callback never races the wipe
	if env.Kind == command.KindInitialize && p.cache != nil && env.ProjectID != "" {
		p.cache.LoadAsync(env.ProjectID)
	}
	return res, nil
}

// needsProject reports whether applying env benefits from the loaded project
func needsProject(env command.Envelope) bool {
	switch env.Kind {
	case command.KindPlay, command.KindLoad, command.KindUpdate:
		return !env.HasBindingContext()
	case command.KindStop:
		return env.Layer.HasIndex
	default:
		return false
	}
}

// ProcessorStats holds command counters
type ProcessorStats struct {
	Applied  uint64 `json:"applied"`
	Failures uint64 `json:"failures"`
}

// Stats returns command counters
func (p *Processor) Stats() ProcessorStats {
	return ProcessorStats{Applied: p.applied.Load(), Failures: p.failures.Load()}
}
