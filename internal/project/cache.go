package project

import (
	"context"
	"fmt"
	"log"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// CacheConfig holds configuration options
type CacheConfig struct {
	FetchTimeout time.Duration // Upper bound on one fetch (default: 10s)
	MaxAge       time.Duration // Local store entries younger than this skip the fetch (default: 1h)
}

// DefaultCacheConfig returns sensible defaults
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		FetchTimeout: 10 * time.Second,
		MaxAge:       1 * time.Hour,
	}
}

// Cache loads each project identity exactly once and exposes the latest
// loaded definition through a lock-free snapshot.
//
// Lifecycle: NewCache → Load(id) → Snapshot() → Invalidate().
type Cache struct {
	fetcher Fetcher
	store   Store // optional
	config  CacheConfig

	mu         sync.Mutex
	projectID  string        // identity loaded or loading
	generation uint64        // bumped by Invalidate and by loads of a new identity
	inflight   chan struct{} // closed when the current load finishes
	lastErr    error
	onLoaded   []func(*Project)

	current atomic.Pointer[Project]

	// Metrics
	hits      atomic.Uint64
	fetches   atomic.Uint64
	storeHits atomic.Uint64
	errors    atomic.Uint64
}

// NewCache creates a project cache. store may be nil.
func NewCache(fetcher Fetcher, store Store, config CacheConfig) *Cache {
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = 10 * time.Second
	}
	if config.MaxAge <= 0 {
		config.MaxAge = 1 * time.Hour
	}
	return &Cache{
		fetcher: fetcher,
		store:   store,
		config:  config,
	}
}

// OnLoaded registers a callback run after every successful load. Callbacks
// run on the loading goroutine.
func (c *Cache) OnLoaded(fn func(*Project)) {
	c.mu.Lock()
	c.onLoaded = append(c.onLoaded, fn)
	c.mu.Unlock()
}

// Snapshot returns the latest loaded project, or nil. Never blocks.
func (c *Cache) Snapshot() *Project {
	return c.current.Load()
}

// ProjectID returns the identity currently loaded or loading
func (c *Cache) ProjectID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.projectID
}

// Loading reports whether a load is in flight
func (c *Cache) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight != nil
}

// LoadAsync starts loading projectID if it is not loaded or loading already.
// Never blocks.
func (c *Cache) LoadAsync(projectID string) {
	if projectID == "" {
		return
	}
	c.mu.Lock()
	c.startLocked(projectID)
	c.mu.Unlock()
}

// Load returns the definition for projectID, fetching it on first use.
// A second call with the same id returns the loaded snapshot without
// re-fetching. ctx only bounds the caller's wait, never the shared fetch.
func (c *Cache) Load(ctx context.Context, projectID string) (*Project, error) {
	if projectID == "" {
		return nil, fmt.Errorf("load project: empty id")
	}

	c.mu.Lock()
	if snap := c.current.Load(); snap != nil && snap.ID == projectID && c.projectID == projectID {
		c.mu.Unlock()
		c.hits.Add(1)
		return snap, nil
	}
	done := c.startLocked(projectID)
	c.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if snap := c.current.Load(); snap != nil && snap.ID == projectID {
		return snap, nil
	}
	c.mu.Lock()
	err := c.lastErr
	c.mu.Unlock()
	if err == nil {
		err = ErrNotFound
	}
	return nil, fmt.Errorf("load project %s: %w", projectID, err)
}

// Wait blocks until the in-flight load (if any) finishes, ctx is done or
// timeout elapses. Returns true when no load is pending afterwards.
func (c *Cache) Wait(ctx context.Context, timeout time.Duration) bool {
	c.mu.Lock()
	done := c.inflight
	c.mu.Unlock()
	if done == nil {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Invalidate forgets the loaded identity so the next Load starts fresh.
// Results of loads started before Invalidate are discarded.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.projectID = ""
	c.generation++
	c.lastErr = nil
	c.current.Store(nil)
	if c.inflight != nil {
		close(c.inflight)
		c.inflight = nil
	}
}

// startLocked begins a load unless projectID is already loaded or loading.
// Returns a channel closed when the relevant load completes.
func (c *Cache) startLocked(projectID string) <-chan struct{} {
	if c.projectID == projectID {
		if c.inflight != nil {
			return c.inflight
		}
		if snap := c.current.Load(); snap != nil && snap.ID == projectID {
			return closedChan
		}
	}

	if c.inflight != nil {
		close(c.inflight)
	}
	c.projectID = projectID
	c.generation++
	c.lastErr = nil
	done := make(chan struct{})
	c.inflight = done

	go c.fetchAsync(projectID, c.generation, done)
	return done
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// fetchAsync resolves a project from the local store or the fetcher
func (c *Cache) fetchAsync(projectID string, gen uint64, done chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.FetchTimeout)
	defer cancel()

	p, err := c.resolve(ctx, projectID)

	c.mu.Lock()
	if gen != c.generation {
		// Invalidated or superseded while fetching
		c.mu.Unlock()
		return
	}
	c.inflight = nil
	if err != nil {
		c.errors.Add(1)
		c.lastErr = err
		c.projectID = ""
		c.mu.Unlock()
		close(done)
		log.Printf("⚠️ Project %s load failed: %v", projectID, err)
		return
	}
	c.current.Store(p)
	callbacks := slices.Clone(c.onLoaded)
	c.mu.Unlock()
	close(done)

	log.Printf("📦 Project %s loaded (%d layers, %d templates, %d bindings)",
		projectID, len(p.Layers), len(p.Templates), len(p.Bindings))

	for _, fn := range callbacks {
		fn(p)
	}
}

// resolve prefers a fresh local copy over a refetch, and falls back to a
// stale local copy when the fetch fails
func (c *Cache) resolve(ctx context.Context, projectID string) (*Project, error) {
	var stale *Project
	if c.store != nil {
		p, savedAt, err := c.store.Get(ctx, projectID)
		if err == nil && p != nil {
			if time.Since(savedAt) < c.config.MaxAge {
				c.storeHits.Add(1)
				p.Normalize()
				p.LoadedAt = time.Now()
				return p, nil
			}
			stale = p
		}
	}

	if c.fetcher == nil {
		if stale != nil {
			stale.Normalize()
			stale.LoadedAt = time.Now()
			return stale, nil
		}
		return nil, ErrNotFound
	}

	c.fetches.Add(1)
	p, err := c.fetcher.FetchProject(ctx, projectID)
	if err != nil {
		if stale != nil {
			log.Printf("⚠️ Project %s fetch failed, using stale local copy: %v", projectID, err)
			stale.Normalize()
			stale.LoadedAt = time.Now()
			return stale, nil
		}
		return nil, err
	}
	if p == nil {
		return nil, ErrNotFound
	}
	if p.ID == "" {
		p.ID = projectID
	}
	p.Normalize()
	p.LoadedAt = time.Now()

	if c.store != nil {
		if err := c.store.Put(ctx, p); err != nil {
			log.Printf("⚠️ Project %s not saved locally: %v", projectID, err)
		}
	}
	return p, nil
}

// Stats returns cache statistics
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		ProjectID: c.ProjectID(),
		Loaded:    c.Snapshot() != nil,
		Hits:      c.hits.Load(),
		Fetches:   c.fetches.Load(),
		StoreHits: c.storeHits.Load(),
		Errors:    c.errors.Load(),
	}
}

// CacheStats holds cache metrics
type CacheStats struct {
	ProjectID string `json:"project_id"`
	Loaded    bool   `json:"loaded"`
	Hits      uint64 `json:"hits"`
	Fetches   uint64 `json:"fetches"`
	StoreHits uint64 `json:"store_hits"`
	Errors    uint64 `json:"errors"`
}
