package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"graphics-player/internal/command"
	"graphics-player/internal/player"

	"github.com/fatih/color"
)

type stateView = player.StateView

// controlClient talks to a player's local control surface
type controlClient struct {
	base string
	http *http.Client
}

func newControlClient(addr string) *controlClient {
	return &controlClient{
		base: strings.TrimRight(addr, "/"),
		http: &http.Client{Timeout: 5 * time.Second},
	}
}

// send posts env to /api/command and prints the outcome
func (c *controlClient) send(env command.Envelope) error {
	body, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	resp, err := c.http.Post(c.base+"/api/command", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post command: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusAccepted {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("player rejected %s: %s", env.Kind, e.Error)
		}
		return fmt.Errorf("player rejected %s: status %d", env.Kind, resp.StatusCode)
	}

	fmt.Printf("%s %s\n", color.New(color.FgHiGreen).Sprint("✔ accepted"), env)
	return nil
}

// state fetches /api/state
func (c *controlClient) state() (stateView, error) {
	var view stateView
	resp, err := c.http.Get(c.base + "/api/state")
	if err != nil {
		return view, fmt.Errorf("get state: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return view, fmt.Errorf("get state: status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return view, fmt.Errorf("decode state: %w", err)
	}
	return view, nil
}
