package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"stalker-proxy/work/catalog"
	"stalker-proxy/work/config"
	"stalker-proxy/work/database"
	"stalker-proxy/work/logger"
	"stalker-proxy/work/macpool"
	"stalker-proxy/work/middleware"
	"stalker-proxy/work/types"
	"stalker-proxy/work/utils"
)

// StatsResponse is the operational summary shown on the admin dashboard.
type StatsResponse struct {
	Uptime          string                 `json:"uptime"`
	MemoryUsage     string                 `json:"memoryUsage"`
	WorkerThreads   int                    `json:"workerThreads"`
	RunningWorkers  int                    `json:"runningWorkers"`
	TunersInUse     int                    `json:"tunersInUse"`
	TunerLimit      int                    `json:"tunerLimit"`
	ActiveSessions  int                    `json:"activeSessions"`
	TotalPortals    int                    `json:"totalPortals"`
	TotalChannels   int                    `json:"totalChannels"`
	EnabledChannels int                    `json:"enabledChannels"`
	CatalogBuiltAt  time.Time              `json:"catalogBuiltAt,omitempty"`
	Database        map[string]interface{} `json:"database,omitempty"`
}

// PortalRequest is the body of the portal add and update endpoints. Retest forces
// verification of MACs that were already verified.
type PortalRequest struct {
	Name          string   `json:"name"`
	URL           string   `json:"url"`
	Enabled       *bool    `json:"enabled,omitempty"`
	MACs          []string `json:"macs"`
	StreamsPerMAC int      `json:"streamsPerMac"`
	EPGOffset     int      `json:"epgOffset"`
	Proxy         string   `json:"proxy"`
	Retest        bool     `json:"retest"`
}

// PortalResponse is one portal with the live state of its MACs.
type PortalResponse struct {
	types.Portal
	Pool *macpool.PortalStatus `json:"pool,omitempty"`
}

// portalVerifyTimeout bounds URL discovery plus the verification of every MAC.
const portalVerifyTimeout = 2 * time.Minute

var (
	// adminStartTime is the process start used for uptime.
	adminStartTime = time.Now()

	// restartChan asks main to reload the configuration and refresh the catalog.
	restartChan = make(chan bool, 1)
)

// setupAdminRoutes registers the admin API. Every route sits behind basic auth when
// security is enabled.
func setupAdminRoutes(router *mux.Router, app *App) {
	auth := middleware.BasicAuth(app.store.Snapshot)
	get := func(h http.HandlerFunc) http.HandlerFunc {
		return corsMiddleware(auth(middleware.GzipMiddleware(h)))
	}
	post := func(h http.HandlerFunc) http.HandlerFunc {
		return corsMiddleware(auth(h))
	}

	router.PathPrefix("/static/").Handler(http.StripPrefix("/static/", http.FileServer(http.Dir("/static/"))))
	router.HandleFunc("/", auth(handleAdminInterface)).Methods("GET")

	router.HandleFunc("/api/editor", get(handleEditorData(app))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/editor/save", post(handleEditorSave(app))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/editor/reset", post(handleEditorReset(app))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/editor/refresh", post(handleEditorRefresh(app))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/genres", get(handleGetGenres(app))).Methods("GET", "OPTIONS")

	router.HandleFunc("/api/portals", get(handleGetPortals(app))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/portals", post(handleAddPortal(app))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/portals/{id}", post(handleUpdatePortal(app))).Methods("PUT", "OPTIONS")
	router.HandleFunc("/api/portals/{id}", post(handleRemovePortal(app))).Methods("DELETE", "OPTIONS")

	router.HandleFunc("/api/settings", get(handleGetSettings(app))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/settings", post(handleSetSettings(app))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/stats", get(handleGetStats(app))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/logs", get(handleGetLogs)).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/logs", post(handleClearLogs)).Methods("DELETE", "OPTIONS")
	router.HandleFunc("/api/restart", post(handleRestart)).Methods("POST", "OPTIONS")

	logger.Info("{main/admin_handlers - setupAdminRoutes} Admin interface initialized")
}

// corsMiddleware adds the CORS headers and answers preflight requests.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("{main/admin_handlers - corsMiddleware} Request: %s %s", r.Method, r.URL.Path)

		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// handleAdminInterface serves the main admin HTML page
func handleAdminInterface(w http.ResponseWriter, r *http.Request) {
	http.ServeFile(w, r, "/static/admin.html")
}

// handleEditorData answers the editor's DataTables queries. A missing catalog is
// reported in the body with status 200, which is what DataTables expects.
func handleEditorData(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := catalog.ParseQuery(r.URL.Query())
		q.BaseURL = app.store.Snapshot().BaseURL
		writeJSON(w, http.StatusOK, app.catalog.Query(q))
	}
}

// handleEditorSave applies a batch of overlay edits and rebuilds the snapshot.
func handleEditorSave(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var edits []database.OverlayEdit
		if err := json.NewDecoder(r.Body).Decode(&edits); err != nil {
			http.Error(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}

		for _, e := range edits {
			if e.PortalID == "" || e.ChannelID == "" {
				http.Error(w, "every edit needs a portal and a channelId", http.StatusBadRequest)
				return
			}
			if e.Fallback != nil && *e.Fallback != "" {
				if _, err := types.ParseChannelRef(*e.Fallback, e.PortalID); err != nil {
					http.Error(w, fmt.Sprintf("invalid fallback for %s/%s: %v", e.PortalID, e.ChannelID, err), http.StatusBadRequest)
					return
				}
			}
		}

		if err := app.db.ApplyOverlayEdits(edits); err != nil {
			logger.Error("{main/admin_handlers - handleEditorSave} Failed to save %d edits: %v", len(edits), err)
			http.Error(w, "Failed to save edits", http.StatusInternalServerError)
			return
		}
		app.catalog.Remerge()

		logger.Info("{main/admin_handlers - handleEditorSave} Saved %d channel edits", len(edits))
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "success", "saved": len(edits)})
	}
}

// handleEditorReset drops every overlay.
func handleEditorReset(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := app.db.ResetOverlays(); err != nil {
			logger.Error("{main/admin_handlers - handleEditorReset} Failed to reset overlays: %v", err)
			http.Error(w, "Failed to reset channel edits", http.StatusInternalServerError)
			return
		}
		app.catalog.Remerge()

		logger.Info("{main/admin_handlers - handleEditorReset} All channel edits reset")
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	}
}

// handleEditorRefresh refreshes every portal and returns the report.
func handleEditorRefresh(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, app.catalog.Refresh(r.Context()))
	}
}

func handleGetGenres(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		genres := app.catalog.Snapshot().Genres()
		if genres == nil {
			genres = []string{}
		}
		writeJSON(w, http.StatusOK, genres)
	}
}

func handleGetPortals(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := make(map[string]macpool.PortalStatus)
		for _, s := range app.pool.Snapshot() {
			status[s.PortalID] = s
		}

		portals := app.store.Portals()
		out := make([]PortalResponse, 0, len(portals))
		for _, p := range portals {
			resp := PortalResponse{Portal: p}
			if s, ok := status[p.ID]; ok {
				resp.Pool = &s
			}
			out = append(out, resp)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// handleAddPortal verifies and stores a new portal. MACs that fail verification are
// dropped; the portal is rejected when none pass.
func handleAddPortal(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req PortalRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}

		p := types.Portal{
			ID:      config.NewPortalID(),
			Enabled: true,
		}
		applyPortalRequest(&p, req)

		saved, failed, err := verifyAndSavePortal(r.Context(), app, p, nil, true)
		if err != nil {
			http.Error(w, err.Error(), statusForPortalError(err))
			return
		}

		logger.Info("{main/admin_handlers - handleAddPortal} Portal %s (%s) added", saved.Name, saved.ID)
		writeJSON(w, http.StatusCreated, map[string]interface{}{"portal": saved, "failedMacs": failed})
	}
}

// handleUpdatePortal updates a portal. Only new MACs are verified unless retest is set;
// known MACs keep their recorded expiry.
func handleUpdatePortal(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		current, ok := app.store.Portal(id)
		if !ok {
			http.Error(w, "Portal not found", http.StatusNotFound)
			return
		}

		var req PortalRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}

		known := make(map[string]string, len(current.MACs))
		for _, m := range current.MACs {
			known[m.MAC] = m.Expiry
		}

		p := current
		applyPortalRequest(&p, req)

		saved, failed, err := verifyAndSavePortal(r.Context(), app, p, known, req.Retest)
		if err != nil {
			http.Error(w, err.Error(), statusForPortalError(err))
			return
		}

		logger.Info("{main/admin_handlers - handleUpdatePortal} Portal %s (%s) updated", saved.Name, saved.ID)
		writeJSON(w, http.StatusOK, map[string]interface{}{"portal": saved, "failedMacs": failed})
	}
}

func handleRemovePortal(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := app.store.RemovePortal(id); err != nil {
			if errors.Is(err, config.ErrPortalNotFound) {
				http.Error(w, "Portal not found", http.StatusNotFound)
				return
			}
			logger.Error("{main/admin_handlers - handleRemovePortal} Failed to remove portal %s: %v", id, err)
			http.Error(w, "Failed to remove portal", http.StatusInternalServerError)
			return
		}

		if err := app.db.DeletePortal(id); err != nil {
			logger.Warn("{main/admin_handlers - handleRemovePortal} Failed to delete cached data of %s: %v", id, err)
		}
		app.applyConfig()

		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	}
}

// errNoWorkingMACs rejects a portal whose MACs all failed verification.
var errNoWorkingMACs = errors.New("none of the MACs tested OK")

// errPortalURL means the portal endpoint could not be discovered.
var errPortalURL = errors.New("failed to find the portal endpoint")

func statusForPortalError(err error) int {
	switch {
	case errors.Is(err, errNoWorkingMACs), errors.Is(err, errPortalURL):
		return http.StatusUnprocessableEntity
	case strings.Contains(err.Error(), "required"):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// applyPortalRequest copies the editable fields of req onto p.
func applyPortalRequest(p *types.Portal, req PortalRequest) {
	p.Name = strings.TrimSpace(req.Name)
	p.URL = strings.TrimSpace(req.URL)
	p.Proxy = strings.TrimSpace(req.Proxy)
	p.StreamsPerMAC = req.StreamsPerMAC
	p.EPGOffset = req.EPGOffset
	if req.Enabled != nil {
		p.Enabled = *req.Enabled
	}

	seen := make(map[string]bool, len(req.MACs))
	p.MACs = p.MACs[:0:0]
	for _, mac := range req.MACs {
		mac = strings.ToUpper(strings.TrimSpace(mac))
		if mac == "" || seen[mac] {
			continue
		}
		seen[mac] = true
		p.MACs = append(p.MACs, types.MACEntry{MAC: mac})
	}
}

// verifyAndSavePortal resolves the portal endpoint, verifies the MACs that need it
// and stores the result. MACs listed in known keep their expiry without a portal round
// trip unless retest is set. It returns the stored portal and the MACs that failed.
func verifyAndSavePortal(ctx context.Context, app *App, p types.Portal, known map[string]string, retest bool) (types.Portal, []string, error) {
	if p.URL == "" {
		return types.Portal{}, nil, errors.New("portal url is required")
	}

	ctx, cancel := context.WithTimeout(ctx, portalVerifyTimeout)
	defer cancel()

	if !strings.HasSuffix(p.URL, ".php") {
		resolved, err := app.portals.DiscoverURL(ctx, p.URL, p.Proxy)
		if err != nil {
			logger.Error("{main/admin_handlers - verifyAndSavePortal} Error getting URL for portal %s: %v", p.Name, err)
			return types.Portal{}, nil, fmt.Errorf("%w: %v", errPortalURL, err)
		}
		p.URL = resolved
	}

	failed := []string{}
	macs := make([]types.MACEntry, 0, len(p.MACs))
	for _, m := range p.MACs {
		if expiry, ok := known[m.MAC]; ok && !retest {
			macs = append(macs, types.MACEntry{MAC: m.MAC, Expiry: expiry})
			continue
		}

		expiry, err := verifyMAC(ctx, app, p, m.MAC)
		if err != nil {
			logger.Warn("{main/admin_handlers - verifyAndSavePortal} Error testing MAC %s for portal %s: %v", m.MAC, p.Name, err)
			failed = append(failed, m.MAC)
			continue
		}
		logger.Info("{main/admin_handlers - verifyAndSavePortal} Successfully tested MAC %s for portal %s", m.MAC, p.Name)
		macs = append(macs, types.MACEntry{MAC: m.MAC, Expiry: expiry})
	}

	if len(macs) == 0 {
		logger.Error("{main/admin_handlers - verifyAndSavePortal} None of the MACs tested OK for portal %s", p.Name)
		return types.Portal{}, failed, errNoWorkingMACs
	}
	p.MACs = macs

	saved, err := app.store.UpsertPortal(p)
	if err != nil {
		return types.Portal{}, failed, err
	}
	app.applyConfig()

	// the new channel list arrives in the background
	go func() {
		if err := app.catalog.RefreshPortal(context.Background(), saved.ID); err != nil {
			logger.Warn("{main/admin_handlers - verifyAndSavePortal} Refresh of portal %s failed: %v", saved.Name, err)
		}
	}()

	return saved, failed, nil
}

// verifyMAC authenticates mac and reads its account expiry. A MAC without a
// reported expiry does not count as working.
func verifyMAC(ctx context.Context, app *App, p types.Portal, mac string) (string, error) {
	token, err := app.portals.Authenticate(ctx, p, mac)
	if err != nil {
		return "", err
	}
	expiry, err := app.portals.AccountExpiry(ctx, p, mac, token)
	if err != nil {
		return "", err
	}
	if expiry == "" {
		return "", errors.New("portal reported no expiry")
	}
	return expiry, nil
}

// handleGetSettings returns the settings in file form. The password hash never
// leaves the process.
func handleGetSettings(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, config.ToFile(app.store.Snapshot()))
	}
}

// handleSetSettings validates and persists new settings. A blank password keeps the
// current one.
func handleSetSettings(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var sf config.SettingsFile
		if err := json.NewDecoder(r.Body).Decode(&sf); err != nil {
			http.Error(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}

		settings, err := config.FromFile(sf, app.store.Snapshot())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		saved, err := app.store.SaveSettings(settings)
		if err != nil {
			logger.Error("{main/admin_handlers - handleSetSettings} Failed to save settings: %v", err)
			http.Error(w, "Failed to save settings", http.StatusInternalServerError)
			return
		}
		app.applyConfig()

		logger.Info("{main/admin_handlers - handleSetSettings} Settings updated via admin interface")
		writeJSON(w, http.StatusOK, config.ToFile(saved))
	}
}

func handleGetStats(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		settings := app.store.Snapshot()

		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		stats := StatsResponse{
			Uptime:         formatDuration(time.Since(adminStartTime)),
			MemoryUsage:    utils.FormatBytes(int64(m.Alloc)),
			WorkerThreads:  app.workers.Cap(),
			RunningWorkers: app.workers.Running(),
			TunersInUse:    app.tuners.InUse(),
			TunerLimit:     settings.HDHRTuners,
			ActiveSessions: len(app.dispatch.Sessions()),
			TotalPortals:   len(app.store.Portals()),
		}

		if snap := app.catalog.Snapshot(); snap != nil {
			stats.TotalChannels = len(snap.Channels)
			stats.EnabledChannels = len(snap.Enabled())
			stats.CatalogBuiltAt = snap.BuiltAt
		}

		dbStats, err := app.db.GetStats()
		if err != nil {
			logger.Warn("{main/admin_handlers - handleGetStats} Failed to read database stats: %v", err)
		} else {
			stats.Database = dbStats
		}

		writeJSON(w, http.StatusOK, stats)
	}
}

// handleGetLogs retrieves the recent log buffer for admin interface display
func handleGetLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, logger.Recent())
}

// handleClearLogs clears the recent log buffer and records the clearing action
func handleClearLogs(w http.ResponseWriter, r *http.Request) {
	logger.ClearRecent()
	logger.Info("{main/admin_handlers - handleClearLogs} Log entries cleared via admin interface")
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// handleRestart asks main to reload the configuration and refresh the catalog.
// Running sessions are not interrupted.
func handleRestart(w http.ResponseWriter, r *http.Request) {
	logger.Info("{main/admin_handlers - handleRestart} Reload requested via admin interface")

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "restart_initiated",
		"message": "Reloading Stalker Proxy configuration...",
	})

	// Trigger restart signal after brief delay
	go func() {
		time.Sleep(500 * time.Millisecond)
		select {
		case restartChan <- true:
		default:
			// a reload is already pending
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{main/admin_handlers - writeJSON} Failed to encode response: %v", err)
	}
}

// formatDuration converts time.Duration to human-readable format
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	} else if d < 24*time.Hour {
		hours := int(d.Hours())
		minutes := int(d.Minutes()) % 60
		return fmt.Sprintf("%dh %dm", hours, minutes)
	} else {
		days := int(d.Hours()) / 24
		hours := int(d.Hours()) % 24
		return fmt.Sprintf("%dd %dh", days, hours)
	}
}
