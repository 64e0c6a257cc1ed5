package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/singleflight"

	"stalker-proxy/work/config"
	"stalker-proxy/work/logger"
	"stalker-proxy/work/macpool"
	"stalker-proxy/work/metrics"
	"stalker-proxy/work/portal"
	"stalker-proxy/work/types"
)

var (
	// ErrChannelNotFound is returned by Resolve for refs the catalog does not know.
	ErrChannelNotFound = types.ErrChannelNotFound
	// ErrUnavailable is returned while no snapshot has been built yet.
	ErrUnavailable = errors.New("catalog unavailable")
)

const portalRefreshTimeout = 2 * time.Minute

// PortalClient is the part of the portal client the catalog needs.
type PortalClient interface {
	Authenticate(ctx context.Context, p types.Portal, mac string) (string, error)
	ListChannels(ctx context.Context, p types.Portal, mac, token string) ([]types.RawChannel, error)
	EPG(ctx context.Context, p types.Portal, mac, token string, periodHours int) (map[string][]types.Programme, error)
}

// Leaser hands out MAC capacity.
type Leaser interface {
	Acquire(portalID string, exclude ...string) (*macpool.Lease, error)
	MarkFailed(portalID, mac string, cooldown time.Duration)
}

// ConfigSource provides portals and settings.
type ConfigSource interface {
	Snapshot() config.Settings
	Portals() []types.Portal
	Portal(id string) (types.Portal, bool)
}

// Store persists overlays and the raw channel cache.
type Store interface {
	LoadOverlays(portalID string) (map[string]types.Overlay, error)
	SaveChannels(portalID string, channels []types.RawChannel) error
	LoadChannels(portalID string) ([]types.RawChannel, error)
}

// Snapshot is an immutable merged view of every portal. Readers never block writers.
type Snapshot struct {
	Channels  []types.Channel
	Guides    map[string]map[string][]types.Programme // portal id -> channel id -> programmes
	Portals   []types.Portal
	FetchedAt map[string]time.Time
	BuiltAt   time.Time

	index map[types.ChannelRef]int
}

// Lookup finds a channel by ref.
func (s *Snapshot) Lookup(ref types.ChannelRef) (types.Channel, bool) {
	if s == nil {
		return types.Channel{}, false
	}
	i, ok := s.index[ref]
	if !ok {
		return types.Channel{}, false
	}
	return s.Channels[i], true
}

// Enabled returns the enabled channels in catalog order.
func (s *Snapshot) Enabled() []types.Channel {
	if s == nil {
		return nil
	}
	out := make([]types.Channel, 0, len(s.Channels))
	for _, ch := range s.Channels {
		if ch.Enabled {
			out = append(out, ch)
		}
	}
	return out
}

// PortalReport is the outcome of refreshing one portal.
type PortalReport struct {
	PortalID       string `json:"portalId"`
	Name           string `json:"name"`
	Channels       int    `json:"channels"`
	Error          string `json:"error,omitempty"`
	CarriedForward bool   `json:"carriedForward"`
}

// Report summarises a refresh.
type Report struct {
	Started  time.Time      `json:"started"`
	Duration time.Duration  `json:"duration"`
	Portals  []PortalReport `json:"portals"`
}

// Failed counts the portals whose refresh failed.
func (r Report) Failed() int {
	n := 0
	for _, p := range r.Portals {
		if p.Error != "" {
			n++
		}
	}
	return n
}

type portalData struct {
	raw       []types.RawChannel
	guide     map[string][]types.Programme
	fetchedAt time.Time
}

// Catalog owns the merged channel list of all portals.
type Catalog struct {
	client  PortalClient
	pool    Leaser
	config  ConfigSource
	store   Store
	workers *ants.Pool

	group singleflight.Group

	mu  sync.Mutex // guards raw and serialises snapshot rebuilds
	raw map[string]*portalData

	snap atomic.Pointer[Snapshot]
	now  func() time.Time
}

// New creates a catalog. Refresh jobs run on workers.
func New(client PortalClient, pool Leaser, cfg ConfigSource, store Store, workers *ants.Pool) *Catalog {
	return &Catalog{
		client:  client,
		pool:    pool,
		config:  cfg,
		store:   store,
		workers: workers,
		raw:     make(map[string]*portalData),
		now:     time.Now,
	}
}

// Snapshot returns the current snapshot, nil before the first build.
func (c *Catalog) Snapshot() *Snapshot {
	return c.snap.Load()
}

// Warm loads the cached raw channels so a lineup is served before the first refresh.
func (c *Catalog) Warm() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range c.config.Portals() {
		if _, ok := c.raw[p.ID]; ok {
			continue
		}
		channels, err := c.store.LoadChannels(p.ID)
		if err != nil {
			logger.Warn("{catalog/catalog - Warm} Failed to load cached channels for %s: %v", p.Name, err)
			continue
		}
		if len(channels) == 0 {
			continue
		}
		// Zero fetch time marks the data stale so the first play refreshes it.
		c.raw[p.ID] = &portalData{raw: channels}
		logger.Info("{catalog/catalog - Warm} Loaded %d cached channels for portal %s", len(channels), p.Name)
	}

	c.rebuildLocked()
}

// Refresh fetches every enabled portal concurrently and swaps in a new snapshot.
// A failing portal keeps its previous channels.
func (c *Catalog) Refresh(ctx context.Context) Report {
	report := Report{Started: c.now()}
	settings := c.config.Snapshot()
	portals := c.config.Portals()

	type result struct {
		portal types.Portal
		data   *portalData
		err    error
	}

	results := make([]result, len(portals))
	var wg sync.WaitGroup

	for i, p := range portals {
		results[i].portal = p
		if !p.Enabled {
			continue
		}

		wg.Add(1)
		task := func() {
			defer wg.Done()
			data, err := c.fetchPortal(ctx, p, settings)
			results[i].data = data
			results[i].err = err
		}
		if err := c.workers.Submit(task); err != nil {
			wg.Done()
			results[i].err = fmt.Errorf("failed to schedule refresh: %w", err)
		}
	}
	wg.Wait()

	c.mu.Lock()
	for _, r := range results {
		pr := PortalReport{PortalID: r.portal.ID, Name: r.portal.Name}

		switch {
		case !r.portal.Enabled:
			if prev, ok := c.raw[r.portal.ID]; ok {
				pr.Channels = len(prev.raw)
			}
		case r.err == nil:
			c.raw[r.portal.ID] = r.data
			pr.Channels = len(r.data.raw)
			if err := c.store.SaveChannels(r.portal.ID, r.data.raw); err != nil {
				logger.Warn("{catalog/catalog - Refresh} Failed to cache channels of %s: %v", r.portal.Name, err)
			}
		default:
			pr.Error = r.err.Error()
			pr.CarriedForward = c.carryForwardLocked(r.portal)
			if prev, ok := c.raw[r.portal.ID]; ok {
				pr.Channels = len(prev.raw)
			}
			metrics.CatalogRefreshErrors.WithLabelValues(r.portal.Name).Inc()
			logger.Error("{catalog/catalog - Refresh} Refresh of portal %s failed: %v", r.portal.Name, r.err)
		}

		report.Portals = append(report.Portals, pr)
	}
	c.rebuildLocked()
	c.mu.Unlock()

	report.Duration = c.now().Sub(report.Started)
	logger.Info("{catalog/catalog - Refresh} Refreshed %d portals in %s (%d failed)", len(report.Portals), report.Duration, report.Failed())
	return report
}

// RefreshPortal refreshes one portal. Concurrent calls for the same portal share a
// single fetch. The fetch outlives a cancelled caller, but the caller returns with
// ctx.Err() at once.
func (c *Catalog) RefreshPortal(ctx context.Context, portalID string) error {
	results := c.group.DoChan(portalID, func() (interface{}, error) {
		p, ok := c.config.Portal(portalID)
		if !ok {
			return nil, fmt.Errorf("%w: unknown portal %s", ErrChannelNotFound, portalID)
		}
		if !p.Enabled {
			return nil, fmt.Errorf("portal %s is disabled", p.Name)
		}

		// Detached so one impatient caller cannot fail the fetch for the others.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), portalRefreshTimeout)
		defer cancel()

		data, err := c.fetchPortal(fetchCtx, p, c.config.Snapshot())

		c.mu.Lock()
		defer c.mu.Unlock()

		if err != nil {
			c.carryForwardLocked(p)
			metrics.CatalogRefreshErrors.WithLabelValues(p.Name).Inc()
			c.rebuildLocked()
			return nil, err
		}

		c.raw[p.ID] = data
		if err := c.store.SaveChannels(p.ID, data.raw); err != nil {
			logger.Warn("{catalog/catalog - RefreshPortal} Failed to cache channels of %s: %v", p.Name, err)
		}
		c.rebuildLocked()
		return nil, nil
	})

	select {
	case res := <-results:
		if res.Shared {
			logger.Debug("{catalog/catalog - RefreshPortal} Joined in-flight refresh of portal %s", portalID)
		}
		return res.Err
	case <-ctx.Done():
		logger.Debug("{catalog/catalog - RefreshPortal} Caller left refresh of portal %s: %v", portalID, ctx.Err())
		return ctx.Err()
	}
}

// Resolve returns the channel behind ref, refreshing its portal first when the data
// is stale or the channel is unknown.
func (c *Catalog) Resolve(ctx context.Context, ref types.ChannelRef) (types.Channel, error) {
	if _, ok := c.config.Portal(ref.PortalID); !ok {
		return types.Channel{}, fmt.Errorf("%w: %s", ErrChannelNotFound, ref)
	}

	snap := c.Snapshot()
	ch, found := snap.Lookup(ref)

	if !found || c.stale(snap, ref.PortalID) {
		if err := c.RefreshPortal(ctx, ref.PortalID); err != nil {
			if ctx.Err() != nil {
				return types.Channel{}, ctx.Err()
			}
			logger.Warn("{catalog/catalog - Resolve} Refresh of portal %s failed, using cached data: %v", ref.PortalID, err)
		}
		ch, found = c.Snapshot().Lookup(ref)
	}

	if !found {
		return types.Channel{}, fmt.Errorf("%w: %s", ErrChannelNotFound, ref)
	}
	return ch, nil
}

func (c *Catalog) stale(snap *Snapshot, portalID string) bool {
	if snap == nil {
		return true
	}
	maxAge := c.config.Snapshot().CatalogMaxAge
	if maxAge <= 0 {
		return false
	}
	fetched, ok := snap.FetchedAt[portalID]
	return !ok || fetched.IsZero() || c.now().Sub(fetched) > maxAge
}

// Remerge rebuilds the snapshot from the held raw data, picking up overlay and
// portal changes without touching the network.
func (c *Catalog) Remerge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rebuildLocked()
}

// fetchPortal lists the channels (and guide) of one portal using a short-lived lease.
// MACs that fail to authenticate are cooled down and the next one is tried.
func (c *Catalog) fetchPortal(ctx context.Context, p types.Portal, settings config.Settings) (*portalData, error) {
	var (
		tried   []string
		lastErr error
	)

	for {
		lease, err := c.pool.Acquire(p.ID, tried...)
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}
		tried = append(tried, lease.MAC)

		data, err := c.fetchWithMAC(ctx, p, lease.MAC, settings)
		lease.Release()
		if err == nil {
			return data, nil
		}

		lastErr = err
		var authErr *portal.AuthError
		if !errors.As(err, &authErr) || !settings.TryAllMACs {
			return nil, err
		}
		c.pool.MarkFailed(p.ID, lease.MAC, settings.MACCooldown)

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
}

func (c *Catalog) fetchWithMAC(ctx context.Context, p types.Portal, mac string, settings config.Settings) (*portalData, error) {
	token, err := c.client.Authenticate(ctx, p, mac)
	if err != nil {
		return nil, err
	}

	channels, err := c.client.ListChannels(ctx, p, mac, token)
	if err != nil {
		return nil, err
	}

	data := &portalData{raw: channels, fetchedAt: c.now()}

	if settings.EPGPeriodHours > 0 {
		guide, err := c.client.EPG(ctx, p, mac, token, settings.EPGPeriodHours)
		if err != nil {
			logger.Warn("{catalog/catalog - fetchWithMAC} Guide fetch for %s failed: %v", p.Name, err)
			c.mu.Lock()
			if prev, ok := c.raw[p.ID]; ok {
				data.guide = prev.guide
			}
			c.mu.Unlock()
		} else {
			data.guide = guide
		}
	}

	return data, nil
}

// carryForwardLocked keeps the previous channels of a failed portal, falling back to
// the on-disk cache. Reports whether any channels were kept.
func (c *Catalog) carryForwardLocked(p types.Portal) bool {
	if prev, ok := c.raw[p.ID]; ok && len(prev.raw) > 0 {
		return true
	}
	channels, err := c.store.LoadChannels(p.ID)
	if err != nil || len(channels) == 0 {
		return false
	}
	c.raw[p.ID] = &portalData{raw: channels}
	return true
}

// rebuildLocked merges held raw data with current overlays and config and swaps the
// snapshot.
func (c *Catalog) rebuildLocked() {
	portals := c.config.Portals()
	known := make(map[string]bool, len(portals))

	snap := &Snapshot{
		Guides:    make(map[string]map[string][]types.Programme),
		Portals:   portals,
		FetchedAt: make(map[string]time.Time),
		BuiltAt:   c.now(),
		index:     make(map[types.ChannelRef]int),
	}

	for _, p := range portals {
		known[p.ID] = true
		data, ok := c.raw[p.ID]
		if !ok {
			continue
		}

		overlays, err := c.store.LoadOverlays(p.ID)
		if err != nil {
			logger.Warn("{catalog/catalog - rebuild} Failed to load overlays for %s: %v", p.Name, err)
			overlays = nil
		}

		snap.Channels = append(snap.Channels, Merge(p, overlays, data.raw)...)
		snap.FetchedAt[p.ID] = data.fetchedAt
		if data.guide != nil {
			snap.Guides[p.ID] = data.guide
		}
	}

	// Drop data of portals removed from the config.
	for id := range c.raw {
		if !known[id] {
			delete(c.raw, id)
		}
	}

	CountDuplicates(snap.Channels)
	for i, ch := range snap.Channels {
		snap.index[ch.Ref()] = i
	}

	c.snap.Store(snap)

	enabled := 0
	for _, ch := range snap.Channels {
		if ch.Enabled {
			enabled++
		}
	}
	metrics.CatalogChannels.Set(float64(enabled))
	logger.Debug("{catalog/catalog - rebuild} Snapshot rebuilt with %d channels (%d enabled)", len(snap.Channels), enabled)
}

// Genres returns the distinct effective genres, sorted.
func (s *Snapshot) Genres() []string {
	if s == nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, ch := range s.Channels {
		if ch.Genre != "" && !seen[ch.Genre] {
			seen[ch.Genre] = true
			out = append(out, ch.Genre)
		}
	}
	sort.Strings(out)
	return out
}
