package tuner

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stalker-proxy/work/config"
	"stalker-proxy/work/types"
)

func TestTunersRespectLimit(t *testing.T) {
	var tu Tuners

	assert.True(t, tu.Acquire(2))
	assert.True(t, tu.Acquire(2))
	assert.False(t, tu.Acquire(2))
	assert.Equal(t, 2, tu.InUse())

	tu.Release()
	assert.True(t, tu.Acquire(2))

	tu.Release()
	tu.Release()
	tu.Release()
	assert.Equal(t, 0, tu.InUse())

	assert.True(t, tu.Acquire(0))
	tu.Release()
}

func TestTunersConcurrentAcquire(t *testing.T) {
	var tu Tuners
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tu.Acquire(5) {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, granted)
	assert.Equal(t, 5, tu.InUse())
}

func newHDHR(settings config.Settings) *HDHR {
	return &HDHR{
		Settings: func() config.Settings { return settings },
		Channels: func() []types.Channel {
			return []types.Channel{
				{PortalID: "p1", ChannelID: "20", Name: "Twenty", Number: "20", Enabled: true},
				{PortalID: "p1", ChannelID: "3", Name: "Three", Number: "3", Enabled: true},
				{PortalID: "p1", ChannelID: "9", Name: "Hidden", Number: "1", Enabled: false},
			}
		},
	}
}

func TestHDHRDiscover(t *testing.T) {
	settings := config.DefaultSettings()
	settings.BaseURL = "http://test:8080"
	settings.HDHRTuners = 4

	w := httptest.NewRecorder()
	newHDHR(settings).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/discover.json", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	assert.Equal(t, "http://test:8080", out["BaseURL"])
	assert.Equal(t, "http://test:8080/lineup.json", out["LineupURL"])
	assert.Equal(t, float64(4), out["TunerCount"])
	assert.Equal(t, settings.HDHRID, out["DeviceID"])
}

func TestHDHRLineup(t *testing.T) {
	settings := config.DefaultSettings()
	settings.BaseURL = "http://test:8080"

	for _, path := range []string{"/lineup.json", "/lineup.post"} {
		w := httptest.NewRecorder()
		newHDHR(settings).ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, w.Code)

		var out []LineupEntry
		require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
		require.Len(t, out, 2)
		assert.Equal(t, "3", out[0].GuideNumber)
		assert.Equal(t, "http://test:8080/play/p1/3", out[0].URL)
		assert.Equal(t, "Twenty", out[1].GuideName)
	}
}

func TestHDHRDisabledOrUnauthorised(t *testing.T) {
	settings := config.DefaultSettings()
	settings.EnableHDHR = false

	w := httptest.NewRecorder()
	newHDHR(settings).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/discover.json", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	settings.EnableHDHR = true
	settings.EnableSecurity = true
	w = httptest.NewRecorder()
	newHDHR(settings).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/lineup.json", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/lineup_status.json", nil)
	req.SetBasicAuth("admin", "12345")
	w = httptest.NewRecorder()
	newHDHR(settings).ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
