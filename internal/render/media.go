package render

import (
	"image"
	_ "image/gif"  // Support GIF format
	_ "image/jpeg" // Support JPEG format
	_ "image/png"  // Support PNG format
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "golang.org/x/image/webp" // Support WebP format
)

const (
	DefaultMaxMedia      = 200
	MediaTTL             = 30 * time.Minute
	MaxConcurrentFetches = 3
	FetchTimeout         = 5 * time.Second
)

// MediaCache stores decoded images referenced by element sources, with LRU
// eviction. Lookups never block on I/O.
type MediaCache struct {
	mu      sync.RWMutex
	images  map[string]*cachedImage
	order   []string // LRU order (oldest first)
	maxSize int

	pending map[string]bool
	client  *http.Client
	sem     chan struct{}

	hits   atomic.Uint64
	misses atomic.Uint64
	errors atomic.Uint64
}

type cachedImage struct {
	img       image.Image
	fetchedAt time.Time
}

// NewMediaCache creates a media cache
func NewMediaCache(maxSize int) *MediaCache {
	if maxSize <= 0 {
		maxSize = DefaultMaxMedia
	}
	return &MediaCache{
		images:  make(map[string]*cachedImage),
		order:   make([]string, 0, maxSize),
		maxSize: maxSize,
		pending: make(map[string]bool),
		client:  &http.Client{Timeout: FetchTimeout},
		sem:     make(chan struct{}, MaxConcurrentFetches),
	}
}

// Get returns a cached image or nil
func (c *MediaCache) Get(src string) image.Image {
	if src == "" {
		return nil
	}
	c.mu.RLock()
	cached, ok := c.images[src]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	if time.Since(cached.fetchedAt) > MediaTTL {
		c.mu.Lock()
		c.removeLocked(src)
		c.mu.Unlock()
		return nil
	}
	return cached.img
}

// GetOrFetch returns the cached image or starts an async load and returns nil
func (c *MediaCache) GetOrFetch(src string) image.Image {
	if src == "" {
		return nil
	}
	if img := c.Get(src); img != nil {
		c.hits.Add(1)
		return img
	}
	c.misses.Add(1)

	c.mu.Lock()
	if !c.pending[src] {
		c.pending[src] = true
		go c.fetchAsync(src)
	}
	c.mu.Unlock()
	return nil
}

// Put stores an already decoded image
func (c *MediaCache) Put(src string, img image.Image) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.images[src]; !ok {
		if len(c.images) >= c.maxSize {
			c.evictLocked()
		}
		c.order = append(c.order, src)
	}
	c.images[src] = &cachedImage{img: img, fetchedAt: time.Now()}
}

func (c *MediaCache) fetchAsync(src string) {
	c.sem <- struct{}{}
	defer func() { <-c.sem }()

	defer func() {
		c.mu.Lock()
		delete(c.pending, src)
		c.mu.Unlock()
	}()

	img, err := c.load(src)
	if err != nil {
		c.errors.Add(1)
		log.Printf("⚠️ Media load failed for %s: %v", src[:min(60, len(src))], err)
		return
	}
	c.Put(src, img)
}

// load reads http(s) sources over the network and everything else from disk
func (c *MediaCache) load(src string) (image.Image, error) {
	var r io.ReadCloser
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		resp, err := c.client.Get(src)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, &fetchError{status: resp.StatusCode}
		}
		r = resp.Body
	} else {
		f, err := os.Open(strings.TrimPrefix(src, "file://"))
		if err != nil {
			return nil, err
		}
		r = f
	}
	defer r.Close()

	img, _, err := image.Decode(r)
	return img, err
}

type fetchError struct {
	status int
}

func (e *fetchError) Error() string {
	return "unexpected status " + http.StatusText(e.status)
}

func (c *MediaCache) removeLocked(src string) {
	delete(c.images, src)
	for i, s := range c.order {
		if s == src {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// evictLocked removes the oldest cached image
func (c *MediaCache) evictLocked() {
	if len(c.order) == 0 {
		return
	}
	oldest := c.order[0]
	c.order = c.order[1:]
	delete(c.images, oldest)
}

// Size returns the current cache size
func (c *MediaCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.images)
}

// MediaStats holds cache counters
type MediaStats struct {
	Size   int    `json:"size"`
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Errors uint64 `json:"errors"`
}

// Stats returns cache counters
func (c *MediaCache) Stats() MediaStats {
	return MediaStats{
		Size:   c.Size(),
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Errors: c.errors.Load(),
	}
}
