// Package config provides centralized configuration management.
// This is the SINGLE SOURCE OF TRUTH for player settings.
//
// Every section has a Default*() constructor. Load applies environment
// overrides on top of the defaults; unset variables keep the default.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// =============================================================================
// CANVAS CONFIGURATION
// =============================================================================

// CanvasConfig holds output canvas settings used by the preview renderer
type CanvasConfig struct {
	Width          int    `env:"CANVAS_WIDTH"`
	Height         int    `env:"CANVAS_HEIGHT"`
	FPS            int    `env:"CANVAS_FPS"`
	Background     string `env:"CANVAS_BACKGROUND"` // hex; empty = transparent
	FontPath       string `env:"FONT_PATH"`         // empty = search system fonts
	MediaCacheSize int    `env:"MEDIA_CACHE_SIZE"`
}

// DefaultCanvas returns the default canvas configuration
func DefaultCanvas() CanvasConfig {
	return CanvasConfig{
		Width:          1920,
		Height:         1080,
		FPS:            30,
		MediaCacheSize: 256,
	}
}

// =============================================================================
// PLAYBACK CONFIGURATION
// =============================================================================

// PlaybackConfig holds playback clock settings
type PlaybackConfig struct {
	TickRate       int           `env:"TICK_RATE"`        // clock ticks per second
	DefaultPhaseMs float64       `env:"DEFAULT_PHASE_MS"` // phase length without configured duration or curves
	CacheWait      time.Duration `env:"CACHE_WAIT"`       // bounded wait for an in-flight project load
}

// DefaultPlayback returns the default playback configuration
func DefaultPlayback() PlaybackConfig {
	return PlaybackConfig{
		TickRate:       60,
		DefaultPhaseMs: 1500,
		CacheWait:      500 * time.Millisecond,
	}
}

// =============================================================================
// COMMAND SOURCE CONFIGURATION
// =============================================================================

// SourceConfig holds backing-store and command intake settings
type SourceConfig struct {
	PlayerID          string        `env:"PLAYER_ID"`
	BackendURL        string        `env:"BACKEND_URL"` // empty = local-only (no poll, no status writes)
	PushURL           string        `env:"PUSH_URL"`    // empty = poll only
	PollInterval      time.Duration `env:"POLL_INTERVAL"`
	RequestTimeout    time.Duration `env:"REQUEST_TIMEOUT"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL"`
	LastGaspTimeout   time.Duration `env:"LAST_GASP_TIMEOUT"`
}

// DefaultSource returns the default source configuration
func DefaultSource() SourceConfig {
	return SourceConfig{
		PlayerID:          "player-1",
		PollInterval:      250 * time.Millisecond,
		RequestTimeout:    5 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		LastGaspTimeout:   2 * time.Second,
	}
}

// =============================================================================
// PROJECT CONFIGURATION
// =============================================================================

// ProjectConfig holds project cache settings
type ProjectConfig struct {
	DBPath       string        `env:"PROJECT_DB"`  // local SQLite store; empty = no local copy
	Dir          string        `env:"PROJECT_DIR"` // load definitions from files instead of the backend
	InitialID    string        `env:"PROJECT_ID"`  // preload at startup
	MaxAge       time.Duration `env:"PROJECT_MAX_AGE"`
	FetchTimeout time.Duration `env:"PROJECT_FETCH_TIMEOUT"`
}

// DefaultProject returns the default project configuration
func DefaultProject() ProjectConfig {
	return ProjectConfig{
		DBPath:       "data/projects.db",
		MaxAge:       1 * time.Hour,
		FetchTimeout: 10 * time.Second,
	}
}

// =============================================================================
// SERVER CONFIGURATION
// =============================================================================

// ServerConfig holds control surface settings
type ServerConfig struct {
	Port              int           `env:"PORT"`
	CORSOrigins       []string      `env:"CORS_ORIGINS" envSeparator:","`
	DashboardDir      string        `env:"DASHBOARD_DIR"`
	BroadcastInterval time.Duration `env:"BROADCAST_INTERVAL"`
	DebugEnabled      bool          `env:"DEBUG_SERVER"`
	DebugAddr         string        `env:"DEBUG_ADDR"`
	DebugExternal     bool          `env:"DEBUG_ALLOW_EXTERNAL"`
}

// DefaultServer returns the default server configuration
func DefaultServer() ServerConfig {
	return ServerConfig{
		Port:              3000,
		BroadcastInterval: 100 * time.Millisecond,
		DebugEnabled:      true,
		DebugAddr:         "127.0.0.1:6060",
	}
}

// =============================================================================
// JOURNAL CONFIGURATION
// =============================================================================

// JournalConfig holds event journal settings
type JournalConfig struct {
	Enabled bool   `env:"JOURNAL_ENABLED"`
	Path    string `env:"JOURNAL_PATH"`
}

// DefaultJournal returns the default journal configuration
func DefaultJournal() JournalConfig {
	return JournalConfig{Enabled: true, Path: "logs/player-events.jsonl"}
}

// =============================================================================
// COMPLETE APP CONFIGURATION
// =============================================================================

// AppConfig holds the complete application configuration
type AppConfig struct {
	Canvas   CanvasConfig
	Playback PlaybackConfig
	Source   SourceConfig
	Project  ProjectConfig
	Server   ServerConfig
	Journal  JournalConfig
}

// Default returns the complete configuration without environment overrides
func Default() AppConfig {
	return AppConfig{
		Canvas:   DefaultCanvas(),
		Playback: DefaultPlayback(),
		Source:   DefaultSource(),
		Project:  DefaultProject(),
		Server:   DefaultServer(),
		Journal:  DefaultJournal(),
	}
}

// Load returns the complete configuration with environment overrides
func Load() (AppConfig, error) {
	return LoadFrom(environ())
}

// LoadFrom applies overrides from the given environment map
func LoadFrom(environment map[string]string) (AppConfig, error) {
	cfg := Default()
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environment}); err != nil {
		return AppConfig{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// Validate rejects settings the player cannot run with
func (c AppConfig) Validate() error {
	switch {
	case c.Canvas.Width <= 0 || c.Canvas.Height <= 0:
		return fmt.Errorf("canvas size must be positive, got %dx%d", c.Canvas.Width, c.Canvas.Height)
	case c.Playback.TickRate <= 0:
		return fmt.Errorf("tick rate must be positive, got %d", c.Playback.TickRate)
	case c.Playback.DefaultPhaseMs <= 0:
		return fmt.Errorf("default phase duration must be positive, got %v", c.Playback.DefaultPhaseMs)
	case c.Source.PlayerID == "":
		return fmt.Errorf("player id is required")
	case c.Source.PushURL != "" && c.Source.BackendURL == "":
		return fmt.Errorf("push url requires a backend url for the pending-command slot")
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	return nil
}

// Addr returns the control surface listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func environ() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	return out
}
