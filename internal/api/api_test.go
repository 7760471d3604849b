package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"graphics-player/internal/command"
	"graphics-player/internal/player"
	"graphics-player/internal/project"
	"graphics-player/internal/render"
	"graphics-player/internal/scene"

	"github.com/gorilla/websocket"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeState struct {
	snap *player.Snapshot
}

func (f *fakeState) Snapshot() *player.Snapshot { return f.snap }

type fakeProjects struct {
	p *project.Project
}

func (f *fakeProjects) Snapshot() *project.Project { return f.p }

type fakePublisher struct {
	mu   sync.Mutex
	got  []command.Envelope
	via  []string
	fail error
}

func (f *fakePublisher) Publish(ctx context.Context, env command.Envelope, via string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.got = append(f.got, env)
	f.via = append(f.via, via)
	return nil
}

func (f *fakePublisher) published() []command.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]command.Envelope(nil), f.got...)
}

func lowerThirdTemplate() *scene.Template {
	return &scene.Template{
		ID:      "lower-third",
		LayerID: "lower",
		Elements: []scene.Element{{
			ID:        "name",
			Name:      "Name",
			Content:   scene.Content{Type: scene.ContentText, Text: "Anchor"},
			Transform: scene.Transform{Width: 200, Height: 40, ScaleX: 1, ScaleY: 1, Opacity: 1},
		}},
	}
}

// onAirState returns a snapshot with one looping lower third
func onAirState() *fakeState {
	reg, _ := player.NewRegistry().Start(player.Instance{
		InstanceID: "inst-1",
		TemplateID: "lower-third",
		LayerID:    "lower",
		Template:   lowerThirdTemplate(),
	})
	return &fakeState{snap: &player.Snapshot{
		Registry:  reg,
		Overrides: player.NewOverrides(),
		Playing:   true,
		Tick:      42,
	}}
}

func testRouter(cfg RouterConfig) *httptest.Server {
	cfg.DisableLogging = true
	if cfg.RateLimitConfig == nil && cfg.RateLimiter == nil {
		cfg.RateLimitConfig = &RateLimitConfig{
			ReadPerSecond:    1000,
			ReadBurst:        1000,
			CommandPerSecond: 1000,
			CommandBurst:     1000,
		}
	}
	return httptest.NewServer(NewRouter(cfg))
}

// ============================================================================
// Endpoint Tests
// ============================================================================

func TestAPIGetState(t *testing.T) {
	ts := testRouter(RouterConfig{State: onAirState()})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/state")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var view player.StateView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !view.Playing || view.Tick != 42 {
		t.Errorf("Expected playing at tick 42, got playing=%v tick=%d", view.Playing, view.Tick)
	}
	lower := view.Layers["lower"]
	if len(lower) != 1 || lower[0].InstanceID != "inst-1" || lower[0].Phase != "in" {
		t.Errorf("Unexpected lower layer: %+v", lower)
	}
}

func TestAPIGetStateEmpty(t *testing.T) {
	ts := testRouter(RouterConfig{State: &fakeState{}})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/state")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	var view player.StateView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if view.Playing || len(view.Layers) != 0 {
		t.Errorf("Expected empty idle state, got %+v", view)
	}
}

func TestAPIGetElements(t *testing.T) {
	ts := testRouter(RouterConfig{State: onAirState(), Projects: &fakeProjects{}})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/elements")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	var elements []scene.Element
	if err := json.NewDecoder(resp.Body).Decode(&elements); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(elements) != 1 || elements[0].ID != "name" {
		t.Fatalf("Expected the lower third's name element, got %+v", elements)
	}
	if elements[0].Content.Text != "Anchor" {
		t.Errorf("Expected text 'Anchor', got %q", elements[0].Content.Text)
	}
}

func TestAPIPostCommand(t *testing.T) {
	pub := &fakePublisher{}
	ts := testRouter(RouterConfig{State: &fakeState{}, Commands: pub})
	defer ts.Close()

	body := `{"type":"play","id":"cmd-1","layerIndex":0,"template":{"id":"lower-third","elements":[]},"payload":{"name":"Jane"}}`
	resp, err := http.Post(ts.URL+"/api/command", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected 202, got %d: %s", resp.StatusCode, b)
	}

	got := pub.published()
	if len(got) != 1 {
		t.Fatalf("Expected one published command, got %d", len(got))
	}
	if got[0].Kind != command.KindPlay || got[0].ID != "cmd-1" {
		t.Errorf("Unexpected envelope: %s", got[0])
	}
	if pub.via[0] != "local" {
		t.Errorf("Expected via 'local', got %q", pub.via[0])
	}
}

func TestAPIPostCommandValidation(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"empty body", "", http.StatusBadRequest},
		{"not json", "{nope", http.StatusBadRequest},
		{"unknown kind", `{"type":"explode"}`, http.StatusBadRequest},
		{"play without template", `{"type":"play","id":"x"}`, http.StatusBadRequest},
		{"update without target", `{"type":"update","payload":{"a":"b"}}`, http.StatusBadRequest},
		{"clear", `{"type":"clear","id":"c-1"}`, http.StatusAccepted},
	}

	pub := &fakePublisher{}
	ts := testRouter(RouterConfig{State: &fakeState{}, Commands: pub})
	defer ts.Close()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/api/command", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("Expected %d, got %d", tt.wantStatus, resp.StatusCode)
			}
		})
	}

	if n := len(pub.published()); n != 1 {
		t.Errorf("Only the valid command should be published, got %d", n)
	}
}

func TestAPIPostCommandBusySource(t *testing.T) {
	pub := &fakePublisher{fail: errors.New("full")}
	ts := testRouter(RouterConfig{State: &fakeState{}, Commands: pub})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/command", "application/json", strings.NewReader(`{"type":"clear"}`))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", resp.StatusCode)
	}
}

func TestAPIPreview(t *testing.T) {
	renderer := render.NewRenderer(320, 180, render.NewFallbackFonts(), nil)
	ts := testRouter(RouterConfig{State: onAirState(), Renderer: renderer})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/preview.png")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("Expected image/png, got %q", ct)
	}
	img, err := png.Decode(resp.Body)
	if err != nil {
		t.Fatalf("Preview is not a PNG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 320 || b.Dy() != 180 {
		t.Errorf("Expected 320x180, got %v", b)
	}
}

func TestAPIPreviewWithoutRenderer(t *testing.T) {
	ts := testRouter(RouterConfig{State: onAirState()})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/preview.png")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", resp.StatusCode)
	}
}

func TestAPIStatus(t *testing.T) {
	ts := testRouter(RouterConfig{
		State: onAirState(),
		Status: func() map[string]any {
			return map[string]any{"source": map[string]any{"healthy": true}}
		},
	})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if status["playing"] != true {
		t.Errorf("Expected playing=true, got %v", status["playing"])
	}
	if status["instances"] != float64(1) {
		t.Errorf("Expected 1 instance, got %v", status["instances"])
	}
	if _, ok := status["source"]; !ok {
		t.Error("Expected the status callback's fields to be included")
	}
}

func TestAPIProjectNotLoaded(t *testing.T) {
	ts := testRouter(RouterConfig{State: &fakeState{}, Projects: &fakeProjects{}})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/project")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
}

// ============================================================================
// Middleware Tests
// ============================================================================

func TestAPICORSHeaders(t *testing.T) {
	ts := testRouter(RouterConfig{
		State:       &fakeState{},
		CORSOrigins: []string{"http://control.example.com"},
	})
	defer ts.Close()

	req, _ := http.NewRequest("GET", ts.URL+"/api/state", nil)
	req.Header.Set("Origin", "http://control.example.com")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://control.example.com" {
		t.Errorf("Expected Access-Control-Allow-Origin 'http://control.example.com', got '%s'", got)
	}
}

func TestAPIRateLimiting(t *testing.T) {
	ts := testRouter(RouterConfig{
		State: &fakeState{},
		RateLimitConfig: &RateLimitConfig{
			ReadPerSecond:    1,
			ReadBurst:        2,
			CommandPerSecond: 1000,
			CommandBurst:     1000,
		},
	})
	defer ts.Close()

	var gotRateLimited bool
	for i := 0; i < 10; i++ {
		resp, err := http.Get(ts.URL + "/api/state")
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}
		resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			gotRateLimited = true
			break
		}
	}

	if !gotRateLimited {
		t.Error("Expected to be rate limited after burst exceeded")
	}
}

func TestOriginAllowed(t *testing.T) {
	patterns := []string{"http://localhost:*", "https://*.studio.tv", "http://exact.example"}
	tests := []struct {
		origin string
		want   bool
	}{
		{"http://localhost:3000", true},
		{"http://localhost", true},
		{"https://ops.studio.tv", true},
		{"http://ops.studio.tv", false},
		{"http://exact.example", true},
		{"http://evil.example", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			if got := originAllowed(tt.origin, patterns); got != tt.want {
				t.Errorf("originAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestCommandBudgetSeparateFromReads(t *testing.T) {
	rl := NewIPRateLimiter(RateLimitConfig{
		ReadPerSecond:    1,
		ReadBurst:        1,
		CommandPerSecond: 1,
		CommandBurst:     2,
	})
	now := time.Now()

	if !rl.allow(classRead, "10.0.0.1", now) || rl.allow(classRead, "10.0.0.1", now) {
		t.Fatal("Expected a read burst of one")
	}
	if !rl.allow(classCommand, "10.0.0.1", now) || !rl.allow(classCommand, "10.0.0.1", now) {
		t.Error("Expected commands to keep their own budget")
	}
	if rl.allow(classCommand, "10.0.0.1", now) {
		t.Error("Expected the third command to be rejected")
	}
	if !rl.allow(classRead, "10.0.0.2", now) {
		t.Error("Expected another client to be unaffected")
	}

	s := rl.Stats()
	if s.ReadRejected != 1 || s.CommandRejected != 1 || s.CommandAllowed != 2 || s.Clients != 3 {
		t.Errorf("Unexpected stats %+v", s)
	}
}

func TestRateLimiterForgetsIdleClients(t *testing.T) {
	rl := NewIPRateLimiter(RateLimitConfig{ReadPerSecond: 1, ReadBurst: 1, IdleTTL: time.Minute})
	now := time.Now()
	rl.allow(classRead, "10.0.0.1", now)
	rl.allow(classRead, "10.0.0.2", now.Add(2*time.Minute))
	if got := rl.Stats().Clients; got != 1 {
		t.Errorf("Expected idle bucket swept, got %d clients", got)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"peer", nil, "192.0.2.7:5123", "192.0.2.7"},
		{"forwarded chain", map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}, "10.0.0.1:80", "203.0.113.9"},
		{"garbage forwarded", map[string]string{"X-Forwarded-For": "not-an-ip"}, "192.0.2.7:5123", "192.0.2.7"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.4"}, "10.0.0.1:80", "198.51.100.4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/state", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := clientIP(r); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestConnSlots(t *testing.T) {
	slots := newConnSlots(3, 2)
	if slots.acquire("1.2.3.4") != nil || slots.acquire("1.2.3.4") != nil {
		t.Fatal("First two connections should be allowed")
	}
	if err := slots.acquire("1.2.3.4"); !errors.Is(err, errIPTooMany) {
		t.Errorf("Expected per-address limit, got %v", err)
	}
	if slots.acquire("5.6.7.8") != nil {
		t.Fatal("Another address should get a slot")
	}
	if err := slots.acquire("9.9.9.9"); !errors.Is(err, errHubFull) {
		t.Errorf("Expected total limit, got %v", err)
	}

	slots.release("1.2.3.4")
	if got := slots.count("1.2.3.4"); got != 1 {
		t.Errorf("Expected 1 connection after release, got %d", got)
	}
	if slots.acquire("9.9.9.9") != nil {
		t.Error("Expected a freed slot to be reusable")
	}
	slots.release("never-seen")
}

// ============================================================================
// State Hub
// ============================================================================

func TestServerBroadcastsState(t *testing.T) {
	srv := NewServer(RouterConfig{
		State:          onAirState(),
		DisableLogging: true,
		RateLimitConfig: &RateLimitConfig{
			ReadPerSecond:    1000,
			ReadBurst:        1000,
			CommandPerSecond: 1000,
			CommandBurst:     1000,
		},
	}, 20*time.Millisecond)
	defer srv.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Hub().Run(ctx)
	srv.Hub().StartBroadcastLoop(ctx, 20*time.Millisecond, func() any {
		return onAirState().snap.View()
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	var msg struct {
		Event string           `json:"event"`
		Data  player.StateView `json:"data"`
	}
	if err := json.NewDecoder(bytes.NewReader(data)).Decode(&msg); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if msg.Event != StateEvent {
		t.Errorf("Expected event %q, got %q", StateEvent, msg.Event)
	}
	if len(msg.Data.Layers["lower"]) != 1 {
		t.Errorf("Expected one instance on lower, got %+v", msg.Data.Layers)
	}
}

func TestDebugServerRefusesExternalAddress(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:6060", true},
		{"localhost:9000", true},
		{"[::1]:6060", true},
		{"0.0.0.0:6060", false},
		{":6060", false},
		{"10.0.0.5:6060", false},
		{"no-port", false},
	}
	for _, tt := range tests {
		if got := isLoopback(tt.addr); got != tt.want {
			t.Errorf("isLoopback(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}

	cfg := DefaultObservabilityConfig()
	cfg.ListenAddr = "0.0.0.0:0"
	if err := StartDebugServer(cfg); err == nil {
		t.Error("Expected a non-loopback debug address to be refused")
	}
}

func TestDebugHandlerBasicAuth(t *testing.T) {
	cfg := DefaultObservabilityConfig()
	cfg.BasicAuthUser, cfg.BasicAuthPass = "ops", "secret"
	h := DebugHandler(cfg)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without credentials, got %d", rec.Code)
	}

	req.SetBasicAuth("ops", "secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 with credentials, got %d", rec.Code)
	}
}
