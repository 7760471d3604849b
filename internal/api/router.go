package api

import (
	"context"
	"io"
	"net/http"

	"graphics-player/internal/command"
	"graphics-player/internal/player"
	"graphics-player/internal/project"
	"graphics-player/internal/scene"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// StateProvider exposes the latest published playout snapshot
type StateProvider interface {
	Snapshot() *player.Snapshot
}

// ProjectProvider exposes the latest loaded project definition
type ProjectProvider interface {
	Snapshot() *project.Project
}

// CommandPublisher hands locally submitted commands to the command source
// merge point, where they are deduplicated like push and poll deliveries
type CommandPublisher interface {
	Publish(ctx context.Context, env command.Envelope, via string) error
}

// FrameRenderer rasterises a projected element list
type FrameRenderer interface {
	RenderPNG(w io.Writer, elements []scene.Element) error
}

// RouterConfig wires the control surface to the player. Only State is
// required. Tests usually raise the rate limits:
//
//	router := api.NewRouter(api.RouterConfig{
//	    State:    fakeState,
//	    Commands: fakePublisher,
//	    RateLimitConfig: &api.RateLimitConfig{ReadPerSecond: 1000, ReadBurst: 1000,
//	        CommandPerSecond: 1000, CommandBurst: 1000},
//	})
type RouterConfig struct {
	State    StateProvider
	Projects ProjectProvider  // nil: projection covers embedded templates only
	Commands CommandPublisher // nil: POST /api/command answers 503
	Renderer FrameRenderer    // nil: no /api/preview.png
	Status   func() map[string]any

	// RateLimiter wins over RateLimitConfig; with neither the defaults apply
	RateLimiter     *IPRateLimiter
	RateLimitConfig *RateLimitConfig

	CORSOrigins    []string // nil: DefaultOrigins
	StaticFilesDir string   // operator dashboard served under /dashboard/
	DisableLogging bool
}

// limiter returns the configured limiter, building one if needed
func (cfg *RouterConfig) limiter() *IPRateLimiter {
	if cfg.RateLimiter == nil {
		rl := DefaultRateLimitConfig
		if cfg.RateLimitConfig != nil {
			rl = *cfg.RateLimitConfig
		}
		cfg.RateLimiter = NewIPRateLimiter(rl)
	}
	return cfg.RateLimiter
}

type routerHandlers struct {
	state    StateProvider
	projects ProjectProvider
	commands CommandPublisher
	renderer FrameRenderer
	status   func() map[string]any
}

// NewRouter constructs the HTTP router with all middleware and routes. It
// opens no listener and starts no goroutine, so tests can mount it on
// httptest.NewServer.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	if !cfg.DisableLogging {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer, metricsMiddleware)
	// Over-budget clients are turned away before CORS runs
	r.Use(cfg.limiter().Middleware)

	corsOrigins := cfg.CORSOrigins
	if corsOrigins == nil {
		corsOrigins = DefaultOrigins
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	h := &routerHandlers{
		state:    cfg.State,
		projects: cfg.Projects,
		commands: cfg.Commands,
		renderer: cfg.Renderer,
		status:   cfg.Status,
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", h.handleGetState)
		r.Get("/elements", h.handleGetElements)
		r.Get("/preview.png", h.handlePreview)
		r.Get("/project", h.handleGetProject)
		r.Get("/status", h.handleGetStatus)
		r.Post("/command", h.handlePostCommand)
	})

	if cfg.StaticFilesDir != "" {
		r.Handle("/dashboard/*", http.StripPrefix("/dashboard/", http.FileServer(http.Dir(cfg.StaticFilesDir))))
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/dashboard/", http.StatusFound)
		})
	} else {
		r.Get("/", h.handleIndex)
	}

	return r
}

// routePattern returns the matched chi pattern so metrics labels stay bounded
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
