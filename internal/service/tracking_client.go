package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// TrackingClient asks the external tracking service whether a driver has an
// active trip. It is the only caller-facing signal hasActiveBooking consults
// besides the DS itself (SPEC_FULL.md §4.1).
//
// Grounded on the richxcame-ride-hailing manifest, which lists sony/gobreaker
// as a direct dependency for guarding exactly this kind of side-service RPC;
// no teacher equivalent exists since Hintro has no external RPC collaborator.
type TrackingClient struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewTrackingClient creates a client with the given base URL and RPC
// deadline, wrapped in a circuit breaker that trips after 5 consecutive
// failures and probes again after 30s.
func NewTrackingClient(baseURL string, timeout time.Duration) *TrackingClient {
	st := gobreaker.Settings{
		Name:        "tracking-client",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}

	return &TrackingClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(st),
	}
}

type activeTripResponse struct {
	HasActiveTrip bool   `json:"has_active_trip"`
	TripID        string `json:"trip_id,omitempty"`
}

// HasActiveTrip reports whether driverID currently has an active trip per
// the tracking service. Any RPC error, timeout, or open breaker is treated
// as "no active trip" (fail-open) — the caller's DS check remains the
// fail-closed authority.
func (t *TrackingClient) HasActiveTrip(ctx context.Context, driverID string) bool {
	result, err := t.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			fmt.Sprintf("%s/internal/drivers/%s/active-trip", t.baseURL, driverID), nil)
		if err != nil {
			return nil, err
		}

		resp, err := t.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return activeTripResponse{HasActiveTrip: false}, nil
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("tracking: unexpected status %d", resp.StatusCode)
		}

		var out activeTripResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, err
		}
		return out, nil
	})

	if err != nil {
		return false
	}

	return result.(activeTripResponse).HasActiveTrip
}
