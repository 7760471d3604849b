package backend

import (
	"context"
	"log"
	"time"
)

// StatusWriter reports liveness
type StatusWriter interface {
	WriteStatus(ctx context.Context, s Status) error
}

// Heartbeat periodically writes the player's status to the backing store
type Heartbeat struct {
	writer   StatusWriter
	interval time.Duration
	status   func() Status
	failures int
}

// NewHeartbeat creates a heartbeat. status picks the value written on each
// beat; nil always reports connected.
func NewHeartbeat(writer StatusWriter, interval time.Duration, status func() Status) *Heartbeat {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if status == nil {
		status = func() Status { return StatusConnected }
	}
	return &Heartbeat{writer: writer, interval: interval, status: status}
}

// Run beats until ctx is done. Write failures are logged and retried on the
// next beat.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, h.interval)
	defer cancel()

	if err := h.writer.WriteStatus(ctx, h.status()); err != nil {
		h.failures++
		if h.failures%10 == 1 {
			log.Printf("⚠️ Heartbeat failed (%d): %v", h.failures, err)
		}
		return
	}
	h.failures = 0
}

// LastGasp makes one bounded attempt to report disconnected. It runs on a
// fresh context because the process context is already cancelled at
// shutdown.
func (h *Heartbeat) LastGasp(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := h.writer.WriteStatus(ctx, StatusDisconnected); err != nil {
		log.Printf("⚠️ Last gasp status write failed: %v", err)
		return err
	}
	log.Println("👋 Reported disconnected")
	return nil
}
