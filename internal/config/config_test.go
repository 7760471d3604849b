package config

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{})
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Errorf("Empty environment should yield defaults\ngot:  %+v\nwant: %+v", cfg, Default())
	}
	if cfg.Playback.DefaultPhaseMs != 1500 {
		t.Errorf("Expected default phase 1500ms, got %v", cfg.Playback.DefaultPhaseMs)
	}
	if cfg.Playback.CacheWait != 500*time.Millisecond {
		t.Errorf("Expected cache wait 500ms, got %v", cfg.Playback.CacheWait)
	}
	if cfg.Source.PollInterval != 250*time.Millisecond {
		t.Errorf("Expected poll interval 250ms, got %v", cfg.Source.PollInterval)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"CANVAS_WIDTH":     "1280",
		"CANVAS_HEIGHT":    "720",
		"TICK_RATE":        "50",
		"DEFAULT_PHASE_MS": "800",
		"PLAYER_ID":        "studio-b",
		"BACKEND_URL":      "http://backend:8080",
		"PUSH_URL":         "ws://backend:8080/push",
		"POLL_INTERVAL":    "1s",
		"CORS_ORIGINS":     "http://a.example,http://b.example",
		"DEBUG_SERVER":     "false",
		"JOURNAL_ENABLED":  "false",
	})
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}

	if cfg.Canvas.Width != 1280 || cfg.Canvas.Height != 720 {
		t.Errorf("Expected 1280x720, got %dx%d", cfg.Canvas.Width, cfg.Canvas.Height)
	}
	if cfg.Playback.TickRate != 50 || cfg.Playback.DefaultPhaseMs != 800 {
		t.Errorf("Unexpected playback config: %+v", cfg.Playback)
	}
	if cfg.Source.PlayerID != "studio-b" || cfg.Source.PollInterval != time.Second {
		t.Errorf("Unexpected source config: %+v", cfg.Source)
	}
	if want := []string{"http://a.example", "http://b.example"}; !reflect.DeepEqual(cfg.Server.CORSOrigins, want) {
		t.Errorf("Expected origins %v, got %v", want, cfg.Server.CORSOrigins)
	}
	if cfg.Server.DebugEnabled {
		t.Error("Expected debug server disabled")
	}
	if cfg.Journal.Enabled {
		t.Error("Expected journal disabled")
	}
	// Unset sections keep their defaults
	if cfg.Project.MaxAge != DefaultProject().MaxAge {
		t.Errorf("Expected default project max age, got %v", cfg.Project.MaxAge)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"bad int", map[string]string{"TICK_RATE": "fast"}, "parse environment"},
		{"zero tick rate", map[string]string{"TICK_RATE": "0"}, "tick rate"},
		{"negative canvas", map[string]string{"CANVAS_WIDTH": "-1"}, "canvas size"},
		{"zero phase duration", map[string]string{"DEFAULT_PHASE_MS": "0"}, "default phase"},
		{"push without backend", map[string]string{"PUSH_URL": "ws://x"}, "push url"},
		{"port out of range", map[string]string{"PORT": "70000"}, "invalid port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFrom(tt.env)
			if err == nil {
				t.Fatal("Expected an error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestServerAddr(t *testing.T) {
	if got := DefaultServer().Addr(); got != ":3000" {
		t.Errorf("Expected :3000, got %s", got)
	}
}
