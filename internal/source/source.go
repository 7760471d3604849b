// Package source merges every command delivery path (push, poll, local
// control) into one ordered stream and drops repeated deliveries of the same
// command at that single merge point.
package source

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"graphics-player/internal/backend"
	"graphics-player/internal/command"
	"graphics-player/internal/journal"
)

// Delivery path names
const (
	ViaPush  = "push"
	ViaPoll  = "poll"
	ViaLocal = "local"
)

// DefaultPollInterval is the poll spacing used when none is configured
const DefaultPollInterval = 250 * time.Millisecond

// PendingReader reads the backing store's pending command slot
type PendingReader interface {
	PendingCommand(ctx context.Context) (command.Envelope, error)
}

type delivery struct {
	env command.Envelope
	via string
}

// Source is the Command Source. Lifecycle: New → Run(ctx) → Out().
type Source struct {
	pending      PendingReader // optional
	pollInterval time.Duration
	journal      *journal.Journal

	in  chan delivery
	out chan command.Envelope

	// Owned by the merge goroutine. Push and poll read the same backing
	// slot and share lastProcessedID; local control has its own.
	lastProcessedID string
	lastLocalID     string

	running    atomic.Bool
	wg         sync.WaitGroup
	pollFaults atomic.Int64
	rejected   atomic.Int64
	healthy    atomic.Bool

	forwarded  atomic.Uint64
	duplicates atomic.Uint64

	// OnDuplicate is called from the merge goroutine for every dropped
	// delivery. Set before Run.
	OnDuplicate func(via string)
}

// New creates a source. pending may be nil for local-only operation.
func New(pending PendingReader, pollInterval time.Duration, j *journal.Journal) *Source {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	s := &Source{
		pending:      pending,
		pollInterval: pollInterval,
		journal:      j,
		in:           make(chan delivery, 64),
		out:          make(chan command.Envelope),
	}
	s.healthy.Store(true)
	return s
}

// Out delivers deduplicated envelopes in arrival order
func (s *Source) Out() <-chan command.Envelope {
	return s.out
}

// Run starts the merge loop and the poll loop. Returns immediately.
func (s *Source) Run(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go s.mergeLoop(ctx)

	if s.pending != nil {
		s.wg.Add(1)
		go s.pollLoop(ctx)
		log.Printf("🔁 Polling pending command every %v", s.pollInterval)
	}
}

// Wait blocks until the loops started by Run have exited
func (s *Source) Wait() {
	s.wg.Wait()
}

// Publish hands an envelope to the merge point. Blocks until accepted or
// ctx is done.
func (s *Source) Publish(ctx context.Context, env command.Envelope, via string) error {
	select {
	case s.in <- delivery{env: env, via: via}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FetchNow reads the pending slot once and publishes what it finds. Used when
// the push path connects or announces a change.
func (s *Source) FetchNow(ctx context.Context, via string) {
	if s.pending == nil {
		return
	}
	env, err := s.pending.PendingCommand(ctx)
	if err != nil {
		s.recordFault(err)
		return
	}
	s.markHealthy()
	if err := s.Publish(ctx, env, via); err != nil && ctx.Err() == nil {
		log.Printf("⚠️ Dropped %s command: %v", via, err)
	}
}

// Healthy reports whether the last poll succeeded
func (s *Source) Healthy() bool {
	return s.healthy.Load()
}

// Stats holds source counters
type Stats struct {
	Forwarded  uint64 `json:"forwarded"`
	Duplicates uint64 `json:"duplicates"`
	PollFaults int64  `json:"pollFaults"`
	Healthy    bool   `json:"healthy"`
}

// Stats returns source counters
func (s *Source) Stats() Stats {
	return Stats{
		Forwarded:  s.forwarded.Load(),
		Duplicates: s.duplicates.Load(),
		PollFaults: s.pollFaults.Load(),
		Healthy:    s.Healthy(),
	}
}

func (s *Source) mergeLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.out)

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-s.in:
			last := &s.lastProcessedID
			if d.via == ViaLocal {
				last = &s.lastLocalID
			}
			if d.env.ID != "" && d.env.ID == *last {
				s.duplicates.Add(1)
				s.journal.Record(journal.EventTypeDuplicate, d.via, journal.CommandPayload{
					ID:     d.env.ID,
					Kind:   string(d.env.Kind),
					Source: d.via,
				})
				if s.OnDuplicate != nil {
					s.OnDuplicate(d.via)
				}
				continue
			}
			if d.env.ID != "" {
				*last = d.env.ID
			}

			select {
			case s.out <- d.env:
				s.forwarded.Add(1)
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Source) pollLoop(ctx context.Context) {
	defer s.wg.Done()

	// Pick up whatever was issued before we attached
	s.FetchNow(ctx, ViaPoll)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.FetchNow(ctx, ViaPoll)
		}
	}
}

func (s *Source) recordFault(err error) {
	if errors.Is(err, backend.ErrNoPendingCommand) {
		s.markHealthy()
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	if command.IsInvalid(err) {
		s.markHealthy()
		if s.rejected.Add(1)%20 == 1 {
			log.Printf("⚠️ Ignoring invalid pending command: %v", err)
		}
		return
	}
	n := s.pollFaults.Add(1)
	s.healthy.Store(false)
	if n%20 == 1 {
		log.Printf("⚠️ Pending command poll failed (%d): %v", n, err)
	}
}

func (s *Source) markHealthy() {
	if !s.healthy.Swap(true) {
		log.Println("✅ Pending command poll recovered")
	}
}
