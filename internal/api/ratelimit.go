package api

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig sets per-client token buckets. Reads (state polling,
// previews) and command posts draw from separate buckets so a dashboard
// polling hard never starves an operator's commands.
type RateLimitConfig struct {
	ReadPerSecond    float64
	ReadBurst        int
	CommandPerSecond float64
	CommandBurst     int
	IdleTTL          time.Duration // Buckets unused this long are forgotten
}

// DefaultRateLimitConfig fits a dashboard polling state at 10 Hz next to an
// operator firing cues
var DefaultRateLimitConfig = RateLimitConfig{
	ReadPerSecond:    30,
	ReadBurst:        60,
	CommandPerSecond: 10,
	CommandBurst:     20,
	IdleTTL:          10 * time.Minute,
}

type trafficClass uint8

const (
	classRead trafficClass = iota
	classCommand
	numClasses
)

func (c trafficClass) String() string {
	if c == classCommand {
		return "command"
	}
	return "read"
}

func classify(r *http.Request) trafficClass {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return classCommand
	}
	return classRead
}

type bucketKey struct {
	class trafficClass
	ip    string
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter throttles HTTP requests per client address and traffic class.
// Idle buckets are swept lazily on access; there is no background goroutine.
type IPRateLimiter struct {
	config RateLimitConfig

	mu        sync.Mutex
	buckets   map[bucketKey]*bucket
	lastSweep time.Time

	allowed  [numClasses]atomic.Uint64
	rejected [numClasses]atomic.Uint64
}

// NewIPRateLimiter creates a limiter. Zero fields take their defaults.
func NewIPRateLimiter(cfg RateLimitConfig) *IPRateLimiter {
	def := DefaultRateLimitConfig
	if cfg.ReadPerSecond <= 0 {
		cfg.ReadPerSecond, cfg.ReadBurst = def.ReadPerSecond, def.ReadBurst
	}
	if cfg.CommandPerSecond <= 0 {
		cfg.CommandPerSecond, cfg.CommandBurst = def.CommandPerSecond, def.CommandBurst
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	return &IPRateLimiter{
		config:    cfg,
		buckets:   make(map[bucketKey]*bucket),
		lastSweep: time.Now(),
	}
}

func (rl *IPRateLimiter) allow(class trafficClass, ip string, now time.Time) bool {
	rl.mu.Lock()
	if now.Sub(rl.lastSweep) > rl.config.IdleTTL {
		for k, b := range rl.buckets {
			if now.Sub(b.lastSeen) > rl.config.IdleTTL {
				delete(rl.buckets, k)
			}
		}
		rl.lastSweep = now
	}

	key := bucketKey{class: class, ip: ip}
	b, ok := rl.buckets[key]
	if !ok {
		perSec, burst := rl.config.ReadPerSecond, rl.config.ReadBurst
		if class == classCommand {
			perSec, burst = rl.config.CommandPerSecond, rl.config.CommandBurst
		}
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(perSec), burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	ok = b.limiter.AllowN(now, 1)
	rl.mu.Unlock()

	if ok {
		rl.allowed[class].Add(1)
	} else {
		rl.rejected[class].Add(1)
	}
	return ok
}

// Middleware rejects requests over budget with 429
func (rl *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		class := classify(r)
		if !rl.allow(class, clientIP(r), time.Now()) {
			RecordConnectionRejected(class.String() + "_rate")
			w.Header().Set("Retry-After", "1")
			writeError(w, "too many "+class.String()+" requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LimiterStats counts decisions per traffic class
type LimiterStats struct {
	Clients         int    `json:"clients"`
	ReadAllowed     uint64 `json:"read_allowed"`
	ReadRejected    uint64 `json:"read_rejected"`
	CommandAllowed  uint64 `json:"command_allowed"`
	CommandRejected uint64 `json:"command_rejected"`
}

// Stats returns limiter counters
func (rl *IPRateLimiter) Stats() LimiterStats {
	rl.mu.Lock()
	clients := len(rl.buckets)
	rl.mu.Unlock()
	return LimiterStats{
		Clients:         clients,
		ReadAllowed:     rl.allowed[classRead].Load(),
		ReadRejected:    rl.rejected[classRead].Load(),
		CommandAllowed:  rl.allowed[classCommand].Load(),
		CommandRejected: rl.rejected[classCommand].Load(),
	}
}

// clientIP returns the first valid address in X-Forwarded-For or X-Real-IP,
// else the peer address. The control surface sits on the studio network or
// behind a proxy that sets these headers.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
		return ip.String()
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

var (
	errHubFull   = errors.New("dashboard connection limit reached")
	errIPTooMany = errors.New("too many dashboard connections from this address")
)

// connSlots caps concurrent dashboard connections in total and per address
type connSlots struct {
	maxTotal int
	maxPerIP int

	mu    sync.Mutex
	total int
	perIP map[string]int
}

func newConnSlots(maxTotal, maxPerIP int) *connSlots {
	return &connSlots{maxTotal: maxTotal, maxPerIP: maxPerIP, perIP: make(map[string]int)}
}

// acquire reserves a slot for ip
func (s *connSlots) acquire(ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.total >= s.maxTotal {
		return errHubFull
	}
	if s.perIP[ip] >= s.maxPerIP {
		return errIPTooMany
	}
	s.total++
	s.perIP[ip]++
	return nil
}

// release frees a slot taken by acquire
func (s *connSlots) release(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.perIP[ip]
	if !ok {
		return
	}
	s.total--
	if n <= 1 {
		delete(s.perIP, ip)
		return
	}
	s.perIP[ip] = n - 1
}

func (s *connSlots) count(ip string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perIP[ip]
}

// DefaultOrigins are the dashboard origins accepted when none are configured
var DefaultOrigins = []string{
	"http://localhost:*",
	"http://127.0.0.1:*",
}

// originAllowed matches origin against patterns that may end in ":*" (any
// port) or start with "https://*." (any subdomain)
func originAllowed(origin string, patterns []string) bool {
	if origin == "" {
		return false
	}
	for _, p := range patterns {
		switch {
		case p == "*" || p == origin:
			return true
		case strings.HasSuffix(p, ":*"):
			base := strings.TrimSuffix(p, "*")
			if origin == strings.TrimSuffix(base, ":") || strings.HasPrefix(origin, base) {
				return true
			}
		case strings.Contains(p, "://*."):
			scheme, domain, _ := strings.Cut(p, "://*")
			if strings.HasPrefix(origin, scheme+"://") && strings.HasSuffix(origin, domain) {
				return true
			}
		}
	}
	return false
}
