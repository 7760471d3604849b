package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"graphics-player/internal/command"
	"graphics-player/internal/player"
	"graphics-player/internal/project"
	"graphics-player/internal/scene"
	"graphics-player/internal/source"
)

const (
	// MaxCommandBytes bounds a POST /api/command body; embedded templates
	// with many elements stay well below it
	MaxCommandBytes = 1 << 20

	publishTimeout = 2 * time.Second
)

func (h *routerHandlers) handleGetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.state.Snapshot().View())
}

func (h *routerHandlers) handleGetElements(w http.ResponseWriter, r *http.Request) {
	elements := player.Project(h.state.Snapshot(), h.currentProject())
	if elements == nil {
		elements = []scene.Element{}
	}
	writeJSON(w, elements)
}

func (h *routerHandlers) handlePreview(w http.ResponseWriter, r *http.Request) {
	if h.renderer == nil {
		writeError(w, "preview renderer not configured", http.StatusServiceUnavailable)
		return
	}
	elements := player.Project(h.state.Snapshot(), h.currentProject())

	start := time.Now()
	var buf bytes.Buffer
	if err := h.renderer.RenderPNG(&buf, elements); err != nil {
		log.Printf("⚠️ Preview render failed: %v", err)
		writeError(w, "render failed", http.StatusInternalServerError)
		return
	}
	RecordRender(time.Since(start))

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(buf.Bytes())
}

func (h *routerHandlers) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p := h.currentProject()
	if p == nil {
		writeError(w, "no project loaded", http.StatusNotFound)
		return
	}
	templates := make([]string, 0, len(p.Templates))
	for _, t := range p.Templates {
		templates = append(templates, t.ID)
	}
	writeJSON(w, map[string]any{
		"id":        p.ID,
		"name":      p.Name,
		"layers":    p.SortedLayers(),
		"templates": templates,
		"bindings":  len(p.Bindings),
		"loadedAt":  p.LoadedAt,
	})
}

func (h *routerHandlers) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	var status map[string]any
	if h.status != nil {
		status = h.status()
	}
	if status == nil {
		status = map[string]any{}
	}
	snap := h.state.Snapshot()
	status["playing"] = snap != nil && snap.Playing
	if snap != nil {
		status["instances"] = snap.Registry.Len()
		status["tick"] = snap.Tick
	}
	writeJSON(w, status)
}

func (h *routerHandlers) handlePostCommand(w http.ResponseWriter, r *http.Request) {
	if h.commands == nil {
		writeError(w, "command intake not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxCommandBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, "command too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}

	env, err := command.Decode(body)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), publishTimeout)
	defer cancel()
	if err := h.commands.Publish(ctx, env, source.ViaLocal); err != nil {
		log.Printf("⚠️ Local command %s not accepted: %v", env, err)
		writeError(w, "command source busy", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{
		"accepted": true,
		"id":       env.ID,
		"kind":     env.Kind,
	})
}

func (h *routerHandlers) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"service": "graphics-player",
		"endpoints": []string{
			"GET /api/state", "GET /api/elements", "GET /api/preview.png",
			"GET /api/project", "GET /api/status", "POST /api/command", "GET /ws",
		},
	})
}

func (h *routerHandlers) currentProject() *project.Project {
	if h.projects == nil {
		return nil
	}
	return h.projects.Snapshot()
}

// Helper functions (package-level for reuse)

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
