package catalog

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/require"

	"stalker-proxy/work/config"
	"stalker-proxy/work/macpool"
	"stalker-proxy/work/portal"
	"stalker-proxy/work/types"
)

type fakeClient struct {
	mu       sync.Mutex
	channels map[string][]types.RawChannel
	guides   map[string]map[string][]types.Programme
	failing  map[string]error
	badMACs  map[string]bool
	lists    map[string]int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		channels: map[string][]types.RawChannel{},
		guides:   map[string]map[string][]types.Programme{},
		failing:  map[string]error{},
		badMACs:  map[string]bool{},
		lists:    map[string]int{},
	}
}

func (f *fakeClient) Authenticate(ctx context.Context, p types.Portal, mac string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.badMACs[mac] {
		return "", &portal.AuthError{Portal: p.ID, MAC: mac, Err: errors.New("rejected")}
	}
	return "tok-" + mac, nil
}

func (f *fakeClient) ListChannels(ctx context.Context, p types.Portal, mac, token string) ([]types.RawChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[p.ID]++
	if err := f.failing[p.ID]; err != nil {
		return nil, err
	}
	return append([]types.RawChannel(nil), f.channels[p.ID]...), nil
}

func (f *fakeClient) EPG(ctx context.Context, p types.Portal, mac, token string, periodHours int) (map[string][]types.Programme, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.guides[p.ID], nil
}

func (f *fakeClient) set(portalID string, channels ...types.RawChannel) {
	f.mu.Lock()
	f.channels[portalID] = channels
	f.mu.Unlock()
}

func (f *fakeClient) fail(portalID string, err error) {
	f.mu.Lock()
	f.failing[portalID] = err
	f.mu.Unlock()
}

func (f *fakeClient) listCount(portalID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists[portalID]
}

type fakeConfig struct {
	mu       sync.Mutex
	settings config.Settings
	portals  []types.Portal
}

func (f *fakeConfig) Snapshot() config.Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

func (f *fakeConfig) Portals() []types.Portal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Portal(nil), f.portals...)
}

func (f *fakeConfig) Portal(id string) (types.Portal, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.portals {
		if p.ID == id {
			return p, true
		}
	}
	return types.Portal{}, false
}

type fakeStore struct {
	mu       sync.Mutex
	overlays map[string]map[string]types.Overlay
	channels map[string][]types.RawChannel
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		overlays: map[string]map[string]types.Overlay{},
		channels: map[string][]types.RawChannel{},
	}
}

func (f *fakeStore) LoadOverlays(portalID string) (map[string]types.Overlay, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]types.Overlay{}
	for k, v := range f.overlays[portalID] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) SaveChannels(portalID string, channels []types.RawChannel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[portalID] = append([]types.RawChannel(nil), channels...)
	return nil
}

func (f *fakeStore) LoadChannels(portalID string) ([]types.RawChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.RawChannel(nil), f.channels[portalID]...), nil
}

func (f *fakeStore) setOverlay(portalID, channelID string, o types.Overlay) {
	f.mu.Lock()
	if f.overlays[portalID] == nil {
		f.overlays[portalID] = map[string]types.Overlay{}
	}
	f.overlays[portalID][channelID] = o
	f.mu.Unlock()
}

type harness struct {
	client  *fakeClient
	config  *fakeConfig
	store   *fakeStore
	pool    *macpool.Pool
	catalog *Catalog
}

func testPortal(id string, macs ...string) types.Portal {
	p := types.Portal{ID: id, Name: "Portal " + id, Enabled: true, StreamsPerMAC: 1}
	for _, m := range macs {
		p.MACs = append(p.MACs, types.MACEntry{MAC: m})
	}
	return p
}

func newHarness(t *testing.T, portals ...types.Portal) *harness {
	t.Helper()

	workers, err := ants.NewPool(4)
	require.NoError(t, err)
	t.Cleanup(workers.Release)

	h := &harness{
		client: newFakeClient(),
		config: &fakeConfig{settings: config.DefaultSettings(), portals: portals},
		store:  newFakeStore(),
		pool:   macpool.New(),
	}
	h.pool.Sync(portals, true)
	h.catalog = New(h.client, h.pool, h.config, h.store, workers)
	return h
}
