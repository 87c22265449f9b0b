// Package liveness derives the online flag from last-inform age.
package liveness

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"tr069-acs/internal/events"
	"tr069-acs/internal/models"
	"tr069-acs/internal/store"
)

// Sweeper periodically flips devices offline once their last Inform is
// older than the threshold. It is idempotent and never modifies
// last_inform.
type Sweeper struct {
	store     *store.Store
	hub       *events.Hub
	log       zerolog.Logger
	threshold time.Duration
	interval  time.Duration
}

// NewSweeper builds a sweeper. The hub may be nil.
func NewSweeper(s *store.Store, hub *events.Hub, log zerolog.Logger, threshold, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:     s,
		hub:       hub,
		log:       log.With().Str("component", "liveness").Logger(),
		threshold: threshold,
		interval:  interval,
	}
}

// Run sweeps on the configured cadence until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.log.Error().Err(err).Msg("liveness sweep failed")
			}
		}
	}
}

// Sweep runs one pass: every online device whose last_inform is older
// than the threshold goes offline.
func (s *Sweeper) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-s.threshold)
	ids, err := s.store.MarkOffline(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, id := range ids {
		s.log.Info().Str("device", id).Msg("device went offline")
		s.store.AddDeviceEvent(ctx, id, models.EventOffline, "no inform within threshold", time.Now())
		if s.hub != nil {
			s.hub.Broadcast(events.Message{
				Type:     "device_update",
				DeviceID: id,
				Data:     map[string]any{"online": false},
			})
		}
	}
	return nil
}
