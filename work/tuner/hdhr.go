package tuner

import (
	"encoding/json"
	"net/http"
	"net/url"
	"slices"

	"stalker-proxy/work/config"
	"stalker-proxy/work/logger"
	"stalker-proxy/work/types"
)

// HDHR serves HDHomeRun-compatible discover, lineup_status, and lineup endpoints.
// Settings and Channels are read per request so reloads and refreshes show up
// immediately.
type HDHR struct {
	Settings func() config.Settings
	Channels func() []types.Channel
}

// LineupEntry is one channel as HDHomeRun clients expect it.
type LineupEntry struct {
	GuideNumber string `json:"GuideNumber"`
	GuideName   string `json:"GuideName"`
	URL         string `json:"URL"`
}

func (h *HDHR) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	settings := h.Settings()

	// Disabled or unauthorised requests see no device at all.
	if !settings.EnableHDHR || !authorised(settings, r) {
		http.NotFound(w, r)
		return
	}

	switch r.URL.Path {
	case "/discover.json":
		h.serveDiscover(w, settings)
	case "/lineup_status.json":
		h.serveLineupStatus(w)
	case "/lineup.json", "/lineup.post":
		h.serveLineup(w, settings)
	default:
		http.NotFound(w, r)
	}
}

func authorised(settings config.Settings, r *http.Request) bool {
	if !settings.EnableSecurity {
		return true
	}
	user, pass, ok := r.BasicAuth()
	return ok && settings.CheckCredentials(user, pass)
}

func (h *HDHR) serveDiscover(w http.ResponseWriter, settings config.Settings) {
	logger.Debug("{tuner/hdhr - serveDiscover} Discover requested")

	out := map[string]interface{}{
		"BaseURL":         settings.BaseURL,
		"DeviceAuth":      settings.HDHRName,
		"DeviceID":        settings.HDHRID,
		"FirmwareName":    "StalkerProxy",
		"FirmwareVersion": "1",
		"FriendlyName":    settings.HDHRName,
		"LineupURL":       settings.BaseURL + "/lineup.json",
		"Manufacturer":    "StalkerProxy",
		"ModelNumber":     "1",
		"TunerCount":      settings.HDHRTuners,
	}
	writeJSON(w, out)
}

func (h *HDHR) serveLineupStatus(w http.ResponseWriter) {
	out := map[string]interface{}{
		"ScanInProgress": 0,
		"ScanPossible":   0,
		"Source":         "Cable",
		"SourceList":     []string{"Cable"},
	}
	writeJSON(w, out)
}

func (h *HDHR) serveLineup(w http.ResponseWriter, settings config.Settings) {
	lineup := BuildLineup(h.Channels(), settings.BaseURL)
	logger.Debug("{tuner/hdhr - serveLineup} Delivering lineup with %d channels", len(lineup))
	writeJSON(w, lineup)
}

// BuildLineup lists the enabled channels ordered by effective number.
func BuildLineup(channels []types.Channel, baseURL string) []LineupEntry {
	enabled := make([]types.Channel, 0, len(channels))
	for _, ch := range channels {
		if ch.Enabled {
			enabled = append(enabled, ch)
		}
	}

	slices.SortStableFunc(enabled, func(a, b types.Channel) int {
		switch {
		case types.NumberLess(a.Number, b.Number):
			return -1
		case types.NumberLess(b.Number, a.Number):
			return 1
		default:
			return 0
		}
	})

	lineup := make([]LineupEntry, 0, len(enabled))
	for _, ch := range enabled {
		lineup = append(lineup, LineupEntry{
			GuideNumber: ch.Number,
			GuideName:   ch.Name,
			URL:         baseURL + "/play/" + url.PathEscape(ch.PortalID) + "/" + url.PathEscape(ch.ChannelID),
		})
	}
	return lineup
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{tuner/hdhr - writeJSON} Failed to encode response: %v", err)
	}
}
