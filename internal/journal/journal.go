// Package journal keeps a bounded, rate-limited JSONL record of what the
// player did: commands applied or dropped, instance lifecycle, project loads.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Options sizes the journal. Zero fields take DefaultOptions values.
type Options struct {
	Capacity   int           // events held in memory before the oldest is overwritten
	PerSecond  float64       // journal-wide event rate
	PerKey     float64       // event rate per key (layer id or delivery path)
	FlushEvery time.Duration // writer period
	KeyIdle    time.Duration // key limiters unused this long are forgotten
}

// DefaultOptions keeps a few seconds of a busy show in memory. A looping
// template on every layer produces a handful of events per second, so the
// per-key rate only bites on a runaway command loop.
var DefaultOptions = Options{
	Capacity:   1024,
	PerSecond:  2000,
	PerKey:     100,
	FlushEvery: 100 * time.Millisecond,
	KeyIdle:    5 * time.Minute,
}

type keyBudget struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Journal records player events. A nil *Journal accepts and drops every
// event, so callers never check whether journaling is enabled.
type Journal struct {
	opts Options

	mu        sync.Mutex
	ring      []Event
	seq       uint64 // sequence of the newest event
	flushed   uint64 // sequence of the newest event handed to the writer
	keys      map[string]*keyBudget
	lastSweep time.Time

	global *rate.Limiter

	running atomic.Bool
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once

	file *os.File
	out  *bufio.Writer
	enc  *json.Encoder

	total       atomic.Uint64
	dropped     atomic.Uint64
	writeErrors atomic.Uint64
}

// New creates a journal with DefaultOptions. Call Start to begin writing.
func New() *Journal {
	return NewWithOptions(DefaultOptions)
}

// NewWithOptions creates a journal sized by opts
func NewWithOptions(opts Options) *Journal {
	def := DefaultOptions
	if opts.Capacity <= 0 {
		opts.Capacity = def.Capacity
	}
	if opts.PerSecond <= 0 {
		opts.PerSecond = def.PerSecond
	}
	if opts.PerKey <= 0 {
		opts.PerKey = def.PerKey
	}
	if opts.FlushEvery <= 0 {
		opts.FlushEvery = def.FlushEvery
	}
	if opts.KeyIdle <= 0 {
		opts.KeyIdle = def.KeyIdle
	}
	return &Journal{
		opts:      opts,
		ring:      make([]Event, opts.Capacity),
		keys:      make(map[string]*keyBudget),
		lastSweep: time.Now(),
		global:    rate.NewLimiter(rate.Limit(opts.PerSecond), int(opts.PerSecond/10)),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start opens path for appending and starts the writer. An empty path keeps
// events in memory only, which is enough for Stats.
func (j *Journal) Start(path string) error {
	if j.running.Load() {
		return nil
	}
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open journal %s: %w", path, err)
		}
		j.file = f
		j.out = bufio.NewWriterSize(f, 32*1024)
		j.enc = json.NewEncoder(j.out)
	}

	j.running.Store(true)
	go j.writer()
	return nil
}

// Stop writes out everything still buffered and closes the file
func (j *Journal) Stop() {
	if j == nil || !j.running.Load() {
		return
	}
	j.once.Do(func() {
		j.running.Store(false)
		close(j.stop)
		<-j.done

		if j.file != nil {
			j.out.Flush()
			j.file.Sync()
			j.file.Close()
		}
	})
}

// Emit adds an event. Returns false if rate limited or not running.
func (j *Journal) Emit(event Event) bool {
	if j == nil || !j.running.Load() {
		return false
	}
	if !j.global.Allow() {
		j.dropped.Add(1)
		return false
	}

	now := time.Now()
	j.mu.Lock()
	if event.Key != "" && !j.allowKeyLocked(event.Key, now) {
		j.mu.Unlock()
		j.dropped.Add(1)
		return false
	}
	j.seq++
	if j.seq-j.flushed > uint64(len(j.ring)) {
		// The writer fell behind: overwrite the oldest unwritten event
		j.flushed++
		j.dropped.Add(1)
	}
	event.Sequence = j.seq
	j.ring[j.seq%uint64(len(j.ring))] = event
	j.mu.Unlock()

	j.total.Add(1)
	return true
}

// Record is a convenience wrapper around NewEvent + Emit
func (j *Journal) Record(eventType EventType, key string, payload any) bool {
	if j == nil {
		return false
	}
	return j.Emit(NewEvent(eventType, key, payload))
}

func (j *Journal) allowKeyLocked(key string, now time.Time) bool {
	if now.Sub(j.lastSweep) > j.opts.KeyIdle {
		for k, b := range j.keys {
			if now.Sub(b.lastUsed) > j.opts.KeyIdle {
				delete(j.keys, k)
			}
		}
		j.lastSweep = now
	}

	b, ok := j.keys[key]
	if !ok {
		b = &keyBudget{limiter: rate.NewLimiter(rate.Limit(j.opts.PerKey), int(j.opts.PerKey/10))}
		j.keys[key] = b
	}
	b.lastUsed = now
	return b.limiter.AllowN(now, 1)
}

func (j *Journal) writer() {
	defer close(j.done)

	ticker := time.NewTicker(j.opts.FlushEvery)
	defer ticker.Stop()

	var batch []Event
	for {
		select {
		case <-j.stop:
			for batch = j.drain(batch[:0]); len(batch) > 0; batch = j.drain(batch[:0]) {
				j.write(batch)
			}
			return
		case <-ticker.C:
			if batch = j.drain(batch[:0]); len(batch) > 0 {
				j.write(batch)
			}
		}
	}
}

// drain moves up to one ring's worth of unwritten events into batch
func (j *Journal) drain(batch []Event) []Event {
	j.mu.Lock()
	defer j.mu.Unlock()

	for j.flushed < j.seq && len(batch) < len(j.ring) {
		j.flushed++
		batch = append(batch, j.ring[j.flushed%uint64(len(j.ring))])
	}
	return batch
}

func (j *Journal) write(batch []Event) {
	if j.enc == nil {
		return
	}
	for _, event := range batch {
		if err := j.enc.Encode(event); err != nil {
			j.noteWriteError(err)
		}
	}
	if err := j.out.Flush(); err != nil {
		j.noteWriteError(err)
	}
}

func (j *Journal) noteWriteError(err error) {
	if j.writeErrors.Add(1) == 1 {
		log.Printf("⚠️ Journal write failed: %v", err)
	}
}

// Stats holds journal counters
type Stats struct {
	Total       uint64 `json:"total"`
	Dropped     uint64 `json:"dropped"`
	Pending     uint64 `json:"pending"`
	WriteErrors uint64 `json:"writeErrors"`
	Running     bool   `json:"running"`
}

// Stats returns counters for the status report
func (j *Journal) Stats() Stats {
	if j == nil {
		return Stats{}
	}
	j.mu.Lock()
	pending := j.seq - j.flushed
	j.mu.Unlock()
	return Stats{
		Total:       j.total.Load(),
		Dropped:     j.dropped.Load(),
		Pending:     pending,
		WriteErrors: j.writeErrors.Load(),
		Running:     j.running.Load(),
	}
}
