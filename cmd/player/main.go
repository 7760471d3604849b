package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"graphics-player/internal/api"
	"graphics-player/internal/backend"
	"graphics-player/internal/command"
	"graphics-player/internal/config"
	"graphics-player/internal/journal"
	"graphics-player/internal/player"
	"graphics-player/internal/project"
	"graphics-player/internal/render"
	"graphics-player/internal/source"

	"github.com/joho/godotenv"
)

func main() {
	// Load .env file from parent directory
	if err := godotenv.Load("../.env"); err != nil {
		// Try current directory as fallback
		if err := godotenv.Load(".env"); err != nil {
			log.Println("💡 No .env file found, using environment variables only")
		}
	} else {
		log.Println("✅ Loaded environment from ../.env")
	}

	log.Println("📺 ================================")
	log.Println("📺  GRAPHICS PLAYER")
	log.Println("📺 ================================")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}
	log.Printf("📺 Player %s: %dx%d canvas, %d ticks/s, default phase %.0fms",
		cfg.Source.PlayerID, cfg.Canvas.Width, cfg.Canvas.Height, cfg.Playback.TickRate, cfg.Playback.DefaultPhaseMs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event journal
	var events *journal.Journal
	if cfg.Journal.Enabled {
		events = journal.New()
		ensureDir(cfg.Journal.Path)
		if err := events.Start(cfg.Journal.Path); err != nil {
			log.Printf("⚠️ Event journal disabled: %v", err)
			events = nil
		} else {
			log.Printf("📝 Event journal: %s", cfg.Journal.Path)
		}
	}

	// Debug server
	if cfg.Server.DebugEnabled {
		debugCfg := api.DefaultObservabilityConfig()
		debugCfg.ListenAddr = cfg.Server.DebugAddr
		debugCfg.AllowExternal = cfg.Server.DebugExternal
		if err := api.StartDebugServer(debugCfg); err != nil {
			log.Printf("⚠️ Debug server disabled: %v", err)
		}
	}

	// Backing store
	var client *backend.Client
	if cfg.Source.BackendURL != "" {
		client = backend.NewClient(cfg.Source.BackendURL, cfg.Source.PlayerID, cfg.Source.RequestTimeout)
		log.Printf("🔌 Backend: %s", cfg.Source.BackendURL)
	} else {
		log.Println("⚠️ BACKEND_URL not set - local control only")
	}

	// Project cache: local SQLite copy in front of the backend or a file directory
	var store project.Store
	if cfg.Project.DBPath != "" {
		ensureDir(cfg.Project.DBPath)
		sqliteStore, err := project.OpenSQLiteStore(cfg.Project.DBPath)
		if err != nil {
			log.Printf("⚠️ Local project store disabled: %v", err)
		} else {
			defer sqliteStore.Close()
			store = sqliteStore
			log.Printf("💾 Local project store: %s", cfg.Project.DBPath)
		}
	}

	var fetcher project.Fetcher
	switch {
	case cfg.Project.Dir != "":
		fetcher = project.NewFileFetcher(cfg.Project.Dir)
		log.Printf("📂 Projects from files in %s", cfg.Project.Dir)
	case client != nil:
		fetcher = client
	}

	cache := project.NewCache(fetcher, store, project.CacheConfig{
		FetchTimeout: cfg.Project.FetchTimeout,
		MaxAge:       cfg.Project.MaxAge,
	})
	cache.OnLoaded(func(*project.Project) { api.RecordProjectLoaded() })

	// Playout engine
	engine := player.NewEngine(player.EngineConfig{
		TickRate:       cfg.Playback.TickRate,
		DefaultPhaseMs: cfg.Playback.DefaultPhaseMs,
	}, cache, events)
	engine.SetHooks(player.Hooks{
		OnTick: api.RecordTick,
		OnCommand: func(kind command.Kind, err error) {
			api.RecordCommand(string(kind), err)
		},
		OnTransition: func(t player.Transition) {
			if t.Retired {
				api.RecordTransition("retired")
				return
			}
			api.RecordTransition(t.To.String())
		},
		OnIdle: api.RecordIdle,
	})

	processor := player.NewProcessor(engine, cache, events, cfg.Playback.CacheWait)

	// Command source: poll + push + local, merged and deduplicated
	var pending source.PendingReader
	if client != nil {
		pending = client
	}
	src := source.New(pending, cfg.Source.PollInterval, events)
	src.OnDuplicate = api.RecordDuplicate

	var sub *backend.Subscription
	if cfg.Source.PushURL != "" {
		sub = backend.NewSubscription(cfg.Source.PushURL, cfg.Source.PlayerID)
		sub.OnCommand(func(env command.Envelope) {
			if err := src.Publish(ctx, env, source.ViaPush); err != nil && ctx.Err() == nil {
				log.Printf("⚠️ Dropped push command: %v", err)
			}
		})
		// Catch up on whatever was written while disconnected
		sub.OnConnect(func() { src.FetchNow(ctx, source.ViaPush) })
		sub.OnChanged(func() { src.FetchNow(ctx, source.ViaPush) })
		sub.OnDisconnect(func(err error) {
			log.Printf("📡 Push channel lost (%v), polling continues", err)
		})
	}

	// Preview renderer
	media := render.NewMediaCache(cfg.Canvas.MediaCacheSize)
	renderer := render.NewRenderer(cfg.Canvas.Width, cfg.Canvas.Height, render.LoadFonts(cfg.Canvas.FontPath), media)
	if cfg.Canvas.Background != "" {
		renderer.SetBackground(render.HexColor(cfg.Canvas.Background))
	}

	var server *api.Server
	server = api.NewServer(api.RouterConfig{
		State:          engine,
		Projects:       cache,
		Commands:       src,
		Renderer:       renderer,
		CORSOrigins:    cfg.Server.CORSOrigins,
		StaticFilesDir: cfg.Server.DashboardDir,
		Status: func() map[string]any {
			status := map[string]any{
				"playerId":  cfg.Source.PlayerID,
				"source":    src.Stats(),
				"processor": processor.Stats(),
				"project":   cache.Stats(),
				"journal":   events.Stats(),
				"media":     media.Stats(),
			}
			if sub != nil {
				status["push"] = sub.Stats()
			}
			for k, v := range server.Stats() {
				status[k] = v
			}
			return status
		},
	}, cfg.Server.BroadcastInterval)

	// Start everything
	engine.Start()
	log.Println("✅ Playout engine started")

	src.Run(ctx)
	go processor.Run(ctx, src.Out())

	if sub != nil {
		sub.Start(ctx)
	}

	var heartbeat *backend.Heartbeat
	if client != nil {
		heartbeat = backend.NewHeartbeat(client, cfg.Source.HeartbeatInterval, func() backend.Status {
			if src.Healthy() {
				return backend.StatusConnected
			}
			return backend.StatusError
		})
		go heartbeat.Run(ctx)
	}

	if cfg.Project.InitialID != "" {
		cache.LoadAsync(cfg.Project.InitialID)
	}

	go func() {
		if err := server.Start(ctx, cfg.Server.Addr()); err != nil {
			log.Fatalf("❌ %v", err)
		}
	}()

	// Wait for shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	log.Println("✅ Player ready! Press Ctrl+C to stop.")
	<-quit

	log.Println("🛑 Shutting down...")
	cancel()
	if sub != nil {
		sub.Stop()
	}
	src.Wait()
	engine.Stop()
	if err := server.Stop(); err != nil {
		log.Printf("⚠️ %v", err)
	}

	if heartbeat != nil {
		if err := heartbeat.LastGasp(cfg.Source.LastGaspTimeout); err != nil {
			log.Printf("⚠️ Last-gasp status not written: %v", err)
		}
	}
	events.Stop()
	log.Println("👋 Goodbye!")
}

// ensureDir creates the parent directory of path
func ensureDir(path string) {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Printf("⚠️ Could not create %s: %v", dir, err)
	}
}
