package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stalker-proxy/work/types"
)

func TestLoadWritesDefaultsWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	store := NewStore(path)

	require.NoError(t, store.Load())
	_, err := os.Stat(path)
	require.NoError(t, err)

	s := store.Snapshot()
	assert.Equal(t, StreamMethodFFmpeg, s.StreamMethod)
	assert.True(t, s.TryAllMACs)
	assert.True(t, s.SortByNumber)
	assert.Equal(t, 10, s.HDHRTuners)
	assert.Len(t, s.HDHRID, 8)
	assert.True(t, s.CheckCredentials("admin", "12345"))
	assert.False(t, s.CheckCredentials("admin", "nope"))
}

func TestConvertFromFile(t *testing.T) {
	f := false
	sf := SettingsFile{
		StreamMethod:  "bogus",
		FFmpegTimeout: "7s",
		MACCooldown:   "1m",
		TryAllMACs:    &f,
		Password:      "secret",
		HDHRTuners:    2,
	}

	s, err := convertFromFile(&sf)
	require.NoError(t, err)
	assert.Equal(t, StreamMethodFFmpeg, s.StreamMethod)
	assert.Equal(t, 7*time.Second, s.FFmpegTimeout)
	assert.Equal(t, time.Minute, s.MACCooldown)
	assert.Equal(t, 10*time.Second, s.LinkTimeout)
	assert.False(t, s.TryAllMACs)
	assert.True(t, s.TestStreams)
	assert.Equal(t, 2, s.HDHRTuners)
	assert.True(t, s.CheckCredentials("admin", "secret"))

	sf.LinkTimeout = "soon"
	_, err = convertFromFile(&sf)
	assert.ErrorContains(t, err, "invalid linkTimeout")
}

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	store := NewStore(path)
	require.NoError(t, store.Load())

	saved, err := store.UpsertPortal(types.Portal{
		Name:          "Main",
		URL:           "http://portal.example/stalker_portal/server/load.php",
		Enabled:       true,
		StreamsPerMAC: 2,
		MACs: []types.MACEntry{
			{MAC: "00:1a:79:00:00:01"},
			{MAC: "00:1A:79:00:00:01"},
			{MAC: " 00:1a:79:00:00:02 "},
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, saved.ID)
	assert.Equal(t, []string{"00:1A:79:00:00:01", "00:1A:79:00:00:02"}, saved.MACList())

	settings := store.Snapshot()
	settings.HDHRTuners = 3
	settings.SortByName = true
	_, err = store.SaveSettings(settings)
	require.NoError(t, err)

	reloaded := NewStore(path)
	require.NoError(t, reloaded.Load())

	p, ok := reloaded.Portal(saved.ID)
	require.True(t, ok)
	assert.Equal(t, "Main", p.Name)
	assert.Equal(t, 2, p.StreamsPerMAC)
	assert.Equal(t, 3, reloaded.Snapshot().HDHRTuners)
	assert.True(t, reloaded.Snapshot().SortByName)

	require.NoError(t, reloaded.RemovePortal(saved.ID))
	assert.ErrorIs(t, reloaded.RemovePortal(saved.ID), ErrPortalNotFound)
	assert.Empty(t, reloaded.Portals())
}

func TestUpsertPortalRequiresURL(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "config.json"))
	_, err := store.UpsertPortal(types.Portal{Name: "x"})
	assert.Error(t, err)
}

func TestSnapshotIsACopy(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "config.json"))
	snap := store.Snapshot()
	snap.HDHRTuners = 99
	assert.NotEqual(t, 99, store.Snapshot().HDHRTuners)
}

func TestFromFileKeepsPasswordAndDeviceID(t *testing.T) {
	current := DefaultSettings()
	current.HDHRID = "ABCD1234"

	sf := ToFile(current)
	assert.Empty(t, sf.PasswordHash)

	sf.HDHRID = ""
	sf.LogLevel = "debug"
	s, err := FromFile(sf, current)
	require.NoError(t, err)
	assert.Equal(t, "debug", s.LogLevel)
	assert.Equal(t, "ABCD1234", s.HDHRID)
	assert.True(t, s.CheckCredentials("admin", "12345"))

	sf.Password = "secret"
	s, err = FromFile(sf, current)
	require.NoError(t, err)
	assert.True(t, s.CheckCredentials("admin", "secret"))
	assert.False(t, s.CheckCredentials("admin", "12345"))

	sf.FFmpegTimeout = "soon"
	_, err = FromFile(sf, current)
	assert.Error(t, err)
}

func TestValidateFillsIdentityOnlyWhenMissing(t *testing.T) {
	s := Settings{HDHRID: "ABCD1234", PasswordHash: "kept"}
	validateAndSetDefaults(&s)
	assert.Equal(t, "ABCD1234", s.HDHRID)
	assert.Equal(t, "kept", s.PasswordHash)
	assert.Equal(t, StreamMethodFFmpeg, s.StreamMethod)

	var empty Settings
	validateAndSetDefaults(&empty)
	assert.Len(t, empty.HDHRID, 8)
	assert.True(t, empty.CheckCredentials("admin", "12345"))

	base := baseSettings()
	assert.Empty(t, base.HDHRID)
	assert.Empty(t, base.PasswordHash)
}

func TestNewPortalID(t *testing.T) {
	a, b := NewPortalID(), NewPortalID()
	assert.Len(t, a, 12)
	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, "/")
}
