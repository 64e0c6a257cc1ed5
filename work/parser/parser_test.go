package parser

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/grafov/m3u8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stalker-proxy/work/client"
)

const masterPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1920x1080
high/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720
mid/index.m3u8
`

const mediaPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:100
#EXTINF:6.0,
seg100.ts
#EXTINF:6.0,
seg101.ts
`

const emptyMediaPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:100
`

func newPlaylistServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/live/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, masterPlaylist)
	})
	mux.HandleFunc("/live/media.m3u8", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, mediaPlaylist)
	})
	mux.HandleFunc("/live/empty.m3u8", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, emptyMediaPlaylist)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestResolveStream(t *testing.T) {
	srv := newPlaylistServer(t)
	hc, err := client.NewHeaderSettingClient("")
	require.NoError(t, err)
	ctx := context.Background()

	got, err := ResolveStream(ctx, hc, srv.URL+"/live/master.m3u8")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/live/high/index.m3u8", got)

	got, err = ResolveStream(ctx, hc, srv.URL+"/live/media.m3u8")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/live/media.m3u8", got)

	_, err = ResolveStream(ctx, hc, srv.URL+"/live/empty.m3u8")
	assert.ErrorIs(t, err, ErrEmptyPlaylist)

	_, err = ResolveStream(ctx, hc, srv.URL+"/live/missing.m3u8")
	assert.Error(t, err)

	got, err = ResolveStream(ctx, hc, "http://cdn.example/live/1.ts")
	require.NoError(t, err)
	assert.Equal(t, "http://cdn.example/live/1.ts", got)
}

func TestIsHLS(t *testing.T) {
	assert.True(t, IsHLS("http://a/b/index.m3u8"))
	assert.True(t, IsHLS("http://a/b/index.M3U8?token=1"))
	assert.True(t, IsHLS("http://a/b/list.m3u"))
	assert.False(t, IsHLS("http://a/b/stream.ts"))
	assert.False(t, IsHLS("http://a/b/m3u8/stream.ts"))
}

func TestResolveURL(t *testing.T) {
	assert.Equal(t, "http://a/x/y.m3u8", ResolveURL("y.m3u8", "http://a/x/master.m3u8"))
	assert.Equal(t, "http://a/y.m3u8", ResolveURL("/y.m3u8", "http://a/x/master.m3u8"))
	assert.Equal(t, "https://b/z.m3u8", ResolveURL("https://b/z.m3u8", "http://a/x/master.m3u8"))
}

func TestExtractVariantsPrefersResolutionOnTie(t *testing.T) {
	master := m3u8.NewMasterPlaylist()
	master.Append("sd.m3u8", nil, m3u8.VariantParams{Bandwidth: 1000, Resolution: "640x360"})
	master.Append("hd.m3u8", nil, m3u8.VariantParams{Bandwidth: 1000, Resolution: "1280x720"})
	master.Append("iframe.m3u8", nil, m3u8.VariantParams{Bandwidth: 9000, Iframe: true})

	variants := ExtractVariants(master, "http://cdn.example/live/master.m3u8")
	require.Len(t, variants, 2)

	best, ok := SelectBestVariant(variants)
	require.True(t, ok)
	assert.Equal(t, "http://cdn.example/live/hd.m3u8", best.URL)

	_, ok = SelectBestVariant(nil)
	assert.False(t, ok)
}
