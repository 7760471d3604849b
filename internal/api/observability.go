package api

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "player"

// Label values are bounded: no instance, template or project ids.
var (
	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "clock",
		Name:      "tick_duration_seconds",
		Help:      "Time spent in one playback clock tick",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025},
	})

	instanceCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "instances",
		Help:      "Instances on air, outgoing included",
	})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "clock",
		Name:      "phase_transitions_total",
		Help:      "Phase transitions made by the clock",
	}, []string{"to"}) // loop, retired

	idleTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "idle_total",
		Help:      "Times the player went from on air to empty",
	})

	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "commands",
		Name:      "applied_total",
		Help:      "Commands applied, by kind and result",
	}, []string{"kind", "result"})

	duplicatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "commands",
		Name:      "duplicates_total",
		Help:      "Deliveries dropped as repeats of the last processed command",
	}, []string{"via"}) // push, poll, local

	projectLoads = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "project",
		Name:      "loads_total",
		Help:      "Project definitions loaded into the cache",
	})

	renderDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "preview",
		Name:      "render_duration_seconds",
		Help:      "Time spent rendering a preview frame",
		Buckets:   []float64{0.005, 0.01, 0.02, 0.033, 0.05, 0.1},
	})

	rejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "http",
		Name:      "rejected_total",
		Help:      "Requests and connections refused by a limiter or origin check",
	}, []string{"reason"}) // read_rate, command_rate, origin, ws_total_limit, ws_ip_limit

	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Control surface request latency by route pattern",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	requestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Control surface requests by route pattern and status code",
	}, []string{"method", "route", "code"})

	dashboardsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "dashboard",
		Name:      "connections",
		Help:      "Connected state stream viewers",
	})

	dashboardBroadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "dashboard",
		Name:      "broadcasts_total",
		Help:      "State messages fanned out to viewers",
	})
)

// ObservabilityConfig configures the debug server
type ObservabilityConfig struct {
	Enabled       bool
	ListenAddr    string // loopback host, any port
	AllowExternal bool   // permit a non-loopback ListenAddr
	BasicAuthUser string // optional
	BasicAuthPass string
}

// DefaultObservabilityConfig returns safe defaults
func DefaultObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		Enabled:    true,
		ListenAddr: "127.0.0.1:6060",
	}
}

// DebugHandler returns the pprof, metrics and health mux
func DebugHandler(cfg ObservabilityConfig) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if cfg.BasicAuthUser != "" {
		return basicAuthMiddleware(cfg.BasicAuthUser, cfg.BasicAuthPass, mux)
	}
	return mux
}

// isLoopback reports whether addr binds to a loopback host
func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// StartDebugServer serves DebugHandler in the background. pprof must never
// face the studio network, so a non-loopback address is refused unless
// AllowExternal is set.
func StartDebugServer(cfg ObservabilityConfig) error {
	if !cfg.Enabled {
		log.Println("📊 Debug server disabled")
		return nil
	}
	if !cfg.AllowExternal && !isLoopback(cfg.ListenAddr) {
		return fmt.Errorf("debug server address %q is not loopback", cfg.ListenAddr)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("debug server listen: %w", err)
	}

	go func() {
		log.Printf("📊 Debug server on http://%s (/metrics, /debug/pprof/)", ln.Addr())
		if err := http.Serve(ln, DebugHandler(cfg)); err != nil {
			log.Printf("⚠️ Debug server stopped: %v", err)
		}
	}()
	return nil
}

func basicAuthMiddleware(user, pass string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="debug"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware records latency and status per route pattern
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		RecordRequest(r.Method, routePattern(r), rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack passes /ws upgrades through to the underlying connection
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// RecordTick records tick timing and the instance gauge
func RecordTick(duration time.Duration, instances int) {
	tickDuration.Observe(duration.Seconds())
	instanceCount.Set(float64(instances))
}

// RecordRender records preview render timing
func RecordRender(duration time.Duration) {
	renderDuration.Observe(duration.Seconds())
}

// RecordCommand counts one applied command
func RecordCommand(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	commandsTotal.WithLabelValues(kind, result).Inc()
}

// RecordDuplicate counts one dropped duplicate delivery
func RecordDuplicate(via string) {
	duplicatesTotal.WithLabelValues(via).Inc()
}

// RecordTransition counts one phase transition
func RecordTransition(to string) {
	transitionsTotal.WithLabelValues(to).Inc()
}

// RecordIdle counts one on-air to empty transition
func RecordIdle() {
	idleTotal.Inc()
}

// RecordProjectLoaded counts one completed project load
func RecordProjectLoaded() {
	projectLoads.Inc()
}

// RecordConnectionRejected counts one refused request or connection
func RecordConnectionRejected(reason string) {
	rejectedTotal.WithLabelValues(reason).Inc()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, route string, status int, duration time.Duration) {
	requestLatency.WithLabelValues(method, route).Observe(duration.Seconds())
	requestTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

// UpdateWSConnections sets the dashboard connection gauge
func UpdateWSConnections(count int) {
	dashboardsActive.Set(float64(count))
}

// IncrementWSMessages counts one state broadcast
func IncrementWSMessages() {
	dashboardBroadcasts.Inc()
}
