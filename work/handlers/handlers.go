package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"stalker-proxy/work/cache"
	"stalker-proxy/work/catalog"
	"stalker-proxy/work/client"
	"stalker-proxy/work/config"
	"stalker-proxy/work/dispatcher"
	"stalker-proxy/work/logger"
	"stalker-proxy/work/playlist"
	"stalker-proxy/work/types"
)

// Player runs play requests.
type Player interface {
	Play(ctx context.Context, req dispatcher.Request, w http.ResponseWriter) error
}

// SnapshotSource provides the current catalog snapshot.
type SnapshotSource interface {
	Snapshot() *catalog.Snapshot
}

// SessionLister provides the running sessions.
type SessionLister interface {
	Sessions() []dispatcher.SessionInfo
}

// HandlePlay serves /play/{portal}/{channel}. A web=true query asks for the browser
// preview transcode.
func HandlePlay(p Player) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		req := dispatcher.Request{
			Ref:      types.ChannelRef{PortalID: vars["portal"], ChannelID: vars["channel"]},
			ClientID: clientIP(r),
			Web:      isTrue(r.URL.Query().Get("web")),
		}

		crw := client.NewCustomResponseWriter(w)
		err := p.Play(r.Context(), req, crw)
		if err == nil {
			return
		}

		if crw.WroteHeader {
			logger.Warn("{handlers/handlers - HandlePlay} Stream %s for %s ended: %v", req.Ref, req.ClientID, err)
			return
		}

		status := dispatcher.StatusCode(err)
		logger.Info("{handlers/handlers - HandlePlay} Play %s for %s failed with %d: %v", req.Ref, req.ClientID, status, err)
		http.Error(crw, err.Error(), status)
	}
}

// HandlePlaylist serves the M3U playlist built from the current snapshot.
func HandlePlaylist(cat SnapshotSource, settings func() config.Settings) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := cat.Snapshot()
		if snap == nil {
			http.Error(w, "Catalog not ready", http.StatusServiceUnavailable)
			return
		}

		s := settings()
		entries := playlist.RenderPlaylist(snap.Channels, s)

		w.Header().Set("Content-Type", "audio/x-mpegurl")
		w.Header().Set("Cache-Control", "no-cache")
		if err := playlist.WriteM3U(w, entries, s.BaseURL, s); err != nil {
			logger.Error("{handlers/handlers - HandlePlaylist} Failed to write playlist: %v", err)
			return
		}
		logger.Debug("{handlers/handlers - HandlePlaylist} Served playlist with %d channels to %s", len(entries), clientIP(r))
	}
}

// HandleXMLTV serves the guide built from the current snapshot. When exports is not
// nil the rendered document is reused for requests against the same snapshot.
func HandleXMLTV(cat SnapshotSource, exports *cache.Cache, now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := cat.Snapshot()
		if snap == nil {
			http.Error(w, "Catalog not ready", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/xml; charset=utf-8")

		if exports != nil {
			if doc, ok := exports.Get("xmltv", snap.BuiltAt); ok {
				w.Write(doc)
				return
			}
		}

		tv := playlist.RenderEPG(snap.Channels, snap.Guides, snap.Portals, now())

		var buf bytes.Buffer
		if err := playlist.WriteXMLTV(&buf, tv); err != nil {
			logger.Error("{handlers/handlers - HandleXMLTV} Failed to render guide: %v", err)
			http.Error(w, "Failed to render guide", http.StatusInternalServerError)
			return
		}
		if exports != nil {
			exports.Set("xmltv", snap.BuiltAt, buf.Bytes())
		}

		w.Write(buf.Bytes())
		logger.Debug("{handlers/handlers - HandleXMLTV} Served guide with %d channels, %d programmes", len(tv.Channels), len(tv.Programmes))
	}
}

// HandleStreaming lists the running sessions grouped by portal name.
func HandleStreaming(sessions SessionLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		grouped := make(map[string][]dispatcher.SessionInfo)
		for _, s := range sessions.Sessions() {
			grouped[s.PortalName] = append(grouped[s.PortalName], s)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(grouped)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isTrue(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
