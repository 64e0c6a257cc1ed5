package dispatcher

import (
	"errors"
	"net/http"

	"stalker-proxy/work/macpool"
	"stalker-proxy/work/types"
)

// Terminal outcomes of a play request. Upstream diagnostics never leave the dispatcher;
// callers only ever see one of these.
var (
	ErrTunerBusy       = errors.New("all tuners are busy")
	ErrNoCapacity      = macpool.ErrNoCapacity
	ErrFallbackCycle   = errors.New("fallback chain revisits a channel")
	ErrUnavailable     = errors.New("stream unavailable")
	ErrChannelNotFound = types.ErrChannelNotFound
)

// StatusCode maps a Play error onto the HTTP status returned to the client.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrChannelNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrFallbackCycle):
		return http.StatusLoopDetected
	case errors.Is(err, ErrTunerBusy), errors.Is(err, ErrNoCapacity), errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// outcomeLabel is the PlayRequests metric label for a terminal error.
func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, ErrChannelNotFound):
		return "not_found"
	case errors.Is(err, ErrFallbackCycle):
		return "fallback_cycle"
	case errors.Is(err, ErrTunerBusy):
		return "tuner_busy"
	case errors.Is(err, ErrNoCapacity):
		return "no_capacity"
	default:
		return "unavailable"
	}
}
