package service

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shiva/ridehail/internal/model"
)

// TimeoutReaper (TR) runs on a fixed cadence, scanning for bookings that
// have sat PENDING past the configured timeout, and smart-cancels them.
//
// Grounded on no teacher equivalent; modeled as a time.Ticker-driven
// goroutine in the same lifecycle style as cmd/server/main.go's own
// background goroutines (go func(){ ... }() plus context-cancellation
// exit), the teacher's only precedent for a long-running background loop.
type TimeoutReaper struct {
	bookingSvc *BookingService
	interval   time.Duration
	timeout    time.Duration
	enabled    bool
}

// NewTimeoutReaper creates a reaper. enabled mirrors BOOKING_AUTO_CANCEL_ENABLED.
func NewTimeoutReaper(bookingSvc *BookingService, interval, timeout time.Duration, enabled bool) *TimeoutReaper {
	return &TimeoutReaper{bookingSvc: bookingSvc, interval: interval, timeout: timeout, enabled: enabled}
}

// Run blocks, scanning every interval until ctx is cancelled. Skips silently
// if auto-cancel is disabled by configuration.
func (r *TimeoutReaper) Run(ctx context.Context) {
	if !r.enabled {
		log.Info().Msg("timeout reaper disabled by configuration")
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", r.interval).Dur("timeout", r.timeout).Msg("timeout reaper started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("timeout reaper shutting down")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *TimeoutReaper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-r.timeout)
	expired, err := r.bookingSvc.scanExpiredPending(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("timeout reaper: scan failed")
		return
	}

	for _, bookingID := range expired {
		if err := r.bookingSvc.SmartCancelBooking(ctx, bookingID, model.ReasonTimeout); err != nil {
			log.Error().Err(err).Str("booking_id", bookingID).Msg("timeout reaper: smart cancel failed")
		}
	}

	if len(expired) > 0 {
		log.Info().Int("count", len(expired)).Msg("timeout reaper: expired bookings cancelled")
	}
}
