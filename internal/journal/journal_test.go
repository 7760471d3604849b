package journal

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestJournalWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	j := New()
	if err := j.Start(path); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	j.Record(EventTypeCommand, "", CommandPayload{ID: "c1", Kind: "play", Layer: "lower", Template: "lower-third", Source: "push"})
	j.Record(EventTypeInstanceStart, "lower", InstancePayload{InstanceID: "i1", TemplateID: "lower-third", LayerID: "lower", To: "in"})
	j.Record(EventTypeIdle, "", nil)
	j.Stop()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()

	var events []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("Invalid JSON line %q: %v", scanner.Text(), err)
		}
		events = append(events, e)
	}
	if len(events) != 3 {
		t.Fatalf("Expected 3 lines, got %d", len(events))
	}

	wantTypes := []string{"command", "instance_start", "idle"}
	for i, e := range events {
		if e["type"] != wantTypes[i] {
			t.Errorf("Line %d: expected type %s, got %v", i, wantTypes[i], e["type"])
		}
		if seq := e["sequence"].(float64); seq != float64(i+1) {
			t.Errorf("Line %d: expected sequence %d, got %v", i, i+1, seq)
		}
	}
	payload := events[0]["payload"].(map[string]any)
	if payload["id"] != "c1" || payload["source"] != "push" {
		t.Errorf("Unexpected payload %v", payload)
	}
	if _, ok := events[2]["payload"]; ok {
		t.Error("Expected no payload for idle")
	}
}

func TestJournalPerKeyRateLimit(t *testing.T) {
	j := New()
	if err := j.Start(""); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer j.Stop()

	accepted := 0
	for i := 0; i < 50; i++ {
		if j.Record(EventTypePhase, "lower", InstancePayload{InstanceID: "i1"}) {
			accepted++
		}
	}
	if accepted >= 50 || accepted < int(DefaultOptions.PerKey/10) {
		t.Errorf("Expected per-key burst to cap events, accepted %d", accepted)
	}
	if !j.Record(EventTypePhase, "fullscreen", nil) {
		t.Error("Expected another key to be unaffected")
	}

	stats := j.Stats()
	if stats.Dropped == 0 || stats.Total != uint64(accepted+1) || !stats.Running {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestJournalNotRunning(t *testing.T) {
	j := New()
	if j.Record(EventTypeCommand, "", nil) {
		t.Error("Expected events to be refused before Start")
	}

	var nilJournal *Journal
	if nilJournal.Record(EventTypeCommand, "", nil) {
		t.Error("Expected nil journal to drop events")
	}
	nilJournal.Stop()
	if nilJournal.Stats() != (Stats{}) {
		t.Error("Expected zero stats for nil journal")
	}
}

func TestJournalOverwritesOldestWhenWriterLags(t *testing.T) {
	j := NewWithOptions(Options{Capacity: 16, PerSecond: 1e6})
	j.running.Store(true) // no writer, so nothing drains

	for i := 0; i < 16+10; i++ {
		j.Emit(Event{Type: EventTypeCommand, TypeName: "command"})
	}
	stats := j.Stats()
	if stats.Pending != 16 {
		t.Errorf("Expected 16 pending, got %d", stats.Pending)
	}
	if stats.Dropped != 10 {
		t.Errorf("Expected 10 oldest events dropped, got %d", stats.Dropped)
	}

	batch := j.drain(nil)
	if len(batch) != 16 || batch[0].Sequence != 11 || batch[15].Sequence != 26 {
		t.Errorf("Expected sequences 11..26, got %d events from %d", len(batch), batch[0].Sequence)
	}
	if j.Stats().Pending != 0 {
		t.Error("Expected drain to empty the ring")
	}
}

func TestJournalForgetsIdleKeys(t *testing.T) {
	j := NewWithOptions(Options{KeyIdle: time.Minute})
	now := time.Now()

	j.mu.Lock()
	j.allowKeyLocked("lower", now)
	j.allowKeyLocked("full", now.Add(30*time.Second))
	j.allowKeyLocked("full", now.Add(2*time.Minute))
	_, lower := j.keys["lower"]
	_, full := j.keys["full"]
	j.mu.Unlock()

	if lower || !full {
		t.Errorf("Expected only the idle key swept, lower=%v full=%v", lower, full)
	}
}

func TestJournalStopWithoutStart(t *testing.T) {
	j := New()
	done := make(chan struct{})
	go func() {
		j.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a journal that never started")
	}
}

func TestEventTypeString(t *testing.T) {
	if EventTypeProjectLoaded.String() != "project_loaded" || EventType(99).String() != "unknown" {
		t.Error("Unexpected event type names")
	}
	e := NewEvent(EventTypeRejected, "k", CommandPayload{Kind: "play", Error: "bad"})
	if e.Version != EventVersion || e.TypeName != "rejected" || len(e.Payload) == 0 {
		t.Errorf("Unexpected event %+v", e)
	}
}
