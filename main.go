package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stalker-proxy/work/cache"
	"stalker-proxy/work/catalog"
	"stalker-proxy/work/client"
	"stalker-proxy/work/config"
	"stalker-proxy/work/database"
	"stalker-proxy/work/dispatcher"
	"stalker-proxy/work/handlers"
	"stalker-proxy/work/logger"
	"stalker-proxy/work/macpool"
	"stalker-proxy/work/middleware"
	"stalker-proxy/work/portal"
	"stalker-proxy/work/tuner"
	"stalker-proxy/work/types"
)

var (
	Version = "v0.1.0" // default version
)

// App holds the long-lived components shared by every handler.
type App struct {
	store    *config.Store
	db       *database.DB
	clients  *client.Pool
	portals  *portal.Client
	pool     *macpool.Pool
	catalog  *catalog.Catalog
	dispatch *dispatcher.Dispatcher
	tuners   *tuner.Tuners
	workers  *ants.Pool
	exports  *cache.Cache
}

// exportCacheDuration bounds how long a rendered guide is reused for one snapshot.
const exportCacheDuration = time.Minute

// newApp wires the components for the loaded store.
func newApp(store *config.Store) (*App, error) {
	settings := store.Snapshot()

	db, err := database.Open(settings.DatabasePath)
	if err != nil {
		return nil, err
	}

	workers, err := ants.NewPool(settings.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		db.Close()
		return nil, err
	}

	clients := client.NewPool()
	portals := portal.New(clients, settings.TokenTTL, settings.PortalRequestsPerSecond)

	pool := macpool.New()
	pool.Sync(store.Portals(), settings.TryAllMACs)

	cat := catalog.New(portals, pool, store, db, workers)
	tuners := &tuner.Tuners{}

	return &App{
		store:    store,
		db:       db,
		clients:  clients,
		portals:  portals,
		pool:     pool,
		catalog:  cat,
		dispatch: dispatcher.New(cat, pool, portals, dispatcher.NewMediaSource(clients), store, tuners),
		tuners:   tuners,
		workers:  workers,
		exports:  cache.NewCache(exportCacheDuration),
	}, nil
}

// applyConfig pushes the store's current state into the running components.
func (a *App) applyConfig() {
	settings := a.store.Snapshot()
	logger.SetLogLevel(settings.LogLevel)
	a.pool.Sync(a.store.Portals(), settings.TryAllMACs)
	a.exports.Clear()
	a.catalog.Remerge()
}

// reload re-reads the configuration file and applies it.
func (a *App) reload() error {
	if err := a.store.Load(); err != nil {
		return err
	}
	a.applyConfig()
	return nil
}

// refreshLoop refreshes the catalog on the configured interval until ctx ends. The
// interval is re-read after every tick so settings changes take effect.
func (a *App) refreshLoop(ctx context.Context) {
	interval := a.store.Snapshot().CatalogRefreshInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := a.catalog.Refresh(ctx)
			if report.Failed() > 0 {
				logger.Warn("{main - refreshLoop} %d of %d portals failed to refresh", report.Failed(), len(report.Portals))
			}
			if next := a.store.Snapshot().CatalogRefreshInterval; next != interval {
				interval = next
				ticker.Reset(interval)
				logger.Info("{main - refreshLoop} Catalog refresh interval is now %s", interval)
			}
		}
	}
}

// Close releases the workers, the database and idle upstream connections.
func (a *App) Close() {
	a.workers.Release()
	a.clients.CloseIdle()
	if err := a.db.Close(); err != nil {
		logger.Warn("{main - Close} Failed to close database: %v", err)
	}
}

// newRouter registers the playback, export, tuner and admin routes.
func newRouter(a *App) *mux.Router {
	router := mux.NewRouter()
	auth := middleware.BasicAuth(a.store.Snapshot)

	// playback is open, like the tuner endpoints
	router.HandleFunc("/play/{portal}/{channel}", handlers.HandlePlay(a.dispatch)).Methods("GET")

	router.HandleFunc("/playlist.m3u", auth(middleware.GzipMiddleware(handlers.HandlePlaylist(a.catalog, a.store.Snapshot)))).Methods("GET")
	router.HandleFunc("/xmltv", auth(middleware.GzipMiddleware(handlers.HandleXMLTV(a.catalog, a.exports, time.Now)))).Methods("GET")
	router.HandleFunc("/streaming", auth(middleware.GzipMiddleware(handlers.HandleStreaming(a.dispatch)))).Methods("GET")

	hdhr := &tuner.HDHR{
		Settings: a.store.Snapshot,
		Channels: func() []types.Channel {
			if snap := a.catalog.Snapshot(); snap != nil {
				return snap.Channels
			}
			return nil
		},
	}
	router.Handle("/discover.json", hdhr).Methods("GET")
	router.Handle("/lineup_status.json", hdhr).Methods("GET")
	router.Handle("/lineup.json", hdhr).Methods("GET")
	router.Handle("/lineup.post", hdhr).Methods("POST")

	// Metrics handler
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// add the admin routes
	setupAdminRoutes(router, a)

	return router
}

// our main app worker
func main() {

	// load our config
	store := config.NewStore(config.PathFromEnv())
	if err := store.Load(); err != nil {
		logger.Error("{main - main} Failed to load config: %v", err)
		os.Exit(1)
	}
	settings := store.Snapshot()
	logger.SetLogLevel(settings.LogLevel)

	app, err := newApp(store)
	if err != nil {
		logger.Error("{main - main} Failed to start: %v", err)
		os.Exit(1)
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// serve the cached catalog at once, then refresh from the portals
	app.catalog.Warm()
	go func() {
		report := app.catalog.Refresh(ctx)
		logger.Info("{main - main} Initial catalog refresh: %d portals, %d failed", len(report.Portals), report.Failed())
	}()
	go app.refreshLoop(ctx)

	if err := store.Watch(ctx, app.applyConfig); err != nil {
		logger.Warn("{main - main} Config changes on disk will need a restart: %v", err)
	}

	// gracefully reload if it's requested to do.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-restartChan:
				logger.Info("{main - main} Reload requested")
				if err := app.reload(); err != nil {
					logger.Error("{main - main} Reload failed, keeping previous config: %v", err)
					continue
				}
				go app.catalog.Refresh(ctx)
				logger.Info("{main - main} Reload completed - %d portals", len(store.Portals()))
			}
		}
	}()

	srv := &http.Server{
		Addr:              settings.ListenAddr,
		Handler:           newRouter(app),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	// show info
	logger.Info("{main - main} Starting Stalker Proxy %s", Version)
	logger.Info("{main - main}   - Base URL: %s", settings.BaseURL)
	logger.Info("{main - main}   - Listen: %s", settings.ListenAddr)
	logger.Info("{main - main}   - Portals: %d", len(store.Portals()))
	logger.Info("{main - main}   - Stream Method: %s", settings.StreamMethod)
	logger.Info("{main - main}   - Tuners: %d", settings.HDHRTuners)
	logger.Info("{main - main}   - Worker Threads: %d", settings.WorkerThreads)
	logger.Info("{main - main}   - Catalog Refresh: %s", settings.CatalogRefreshInterval)
	logger.Info("{main - main}   - Security Enabled: %v", settings.EnableSecurity)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("{main - main} Server failed: %v", err)
		}
		return
	case <-ctx.Done():
	}

	logger.Info("{main - main} Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("{main - main} Shutdown incomplete: %v", err)
	}
}
