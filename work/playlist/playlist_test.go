package playlist

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stalker-proxy/work/config"
	"stalker-proxy/work/types"
)

func fixture() []types.Channel {
	return []types.Channel{
		{PortalID: "p1", ChannelID: "1", Name: "zeta", Number: "10", Genre: "News", EPGID: "zeta.uk", Enabled: true},
		{PortalID: "p1", ChannelID: "2", Name: "Alpha", Number: "2", Genre: "Sports", EPGID: "p1/2", Enabled: true},
		{PortalID: "p2", ChannelID: "3", Name: "beta", Number: "HD", Genre: "news", EPGID: "beta", Enabled: true},
		{PortalID: "p2", ChannelID: "4", Name: "Off", Number: "1", Genre: "News", EPGID: "off", Enabled: false},
	}
}

func names(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

func TestRenderPlaylistSorting(t *testing.T) {
	tests := []struct {
		name                      string
		byGenre, byNumber, byName bool
		want                      []string
	}{
		{name: "catalog order", want: []string{"zeta", "Alpha", "beta"}},
		{name: "by number", byNumber: true, want: []string{"Alpha", "zeta", "beta"}},
		{name: "by name", byName: true, want: []string{"Alpha", "beta", "zeta"}},
		{name: "genre then number", byGenre: true, byNumber: true, want: []string{"zeta", "beta", "Alpha"}},
		{name: "genre then name", byGenre: true, byName: true, want: []string{"beta", "zeta", "Alpha"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := config.Settings{SortByGenre: tt.byGenre, SortByNumber: tt.byNumber, SortByName: tt.byName}
			assert.Equal(t, tt.want, names(RenderPlaylist(fixture(), s)))
		})
	}
}

func TestWriteM3U(t *testing.T) {
	entries := RenderPlaylist(fixture(), config.Settings{SortByNumber: true})

	var buf bytes.Buffer
	require.NoError(t, WriteM3U(&buf, entries[:1], "http://proxy:8080/", config.Settings{UseChannelNumbers: true, UseChannelGenres: true}))
	assert.Equal(t,
		"#EXTM3U\n"+
			`#EXTINF:-1 tvg-id="p1/2" tvg-chno="2" group-title="Sports",Alpha`+"\n"+
			"http://proxy:8080/play/p1/2\n",
		buf.String())

	buf.Reset()
	require.NoError(t, WriteM3U(&buf, entries[:1], "http://proxy:8080", config.Settings{}))
	assert.Contains(t, buf.String(), `#EXTINF:-1 tvg-id="p1/2",Alpha`)
}

func TestRenderEPG(t *testing.T) {
	now := time.Date(2024, 3, 10, 15, 42, 0, 0, time.UTC)
	portals := []types.Portal{{ID: "p1", EPGOffset: 1}, {ID: "p2"}}
	schedules := map[string]map[string][]types.Programme{
		"p1": {
			"1": {
				{Start: now.Add(-72 * time.Hour), Stop: now.Add(-71 * time.Hour), Title: "Old"},
				{Start: time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC), Stop: time.Date(2024, 3, 10, 16, 0, 0, 0, time.UTC), Title: "Now", Description: "Current"},
			},
		},
	}

	tv := RenderEPG(fixture(), schedules, portals, now)

	require.Len(t, tv.Channels, 3)
	assert.Equal(t, "zeta.uk", tv.Channels[0].ID)
	assert.Nil(t, tv.Channels[0].Icon)

	var zeta, alpha []Programme
	for _, p := range tv.Programmes {
		switch p.Channel {
		case "zeta.uk":
			zeta = append(zeta, p)
		case "p1/2":
			alpha = append(alpha, p)
		case "off":
			t.Fatal("disabled channel in guide")
		}
	}

	require.Len(t, zeta, 1, "programmes older than two days are dropped")
	assert.Equal(t, "20240310160000 +0000", zeta[0].Start, "portal offset applied")
	assert.Equal(t, "20240310170000 +0000", zeta[0].Stop)
	assert.Equal(t, "Now", zeta[0].Title)

	require.Len(t, alpha, 1)
	assert.Equal(t, "20240310150000 +0000", alpha[0].Start)
	assert.Equal(t, "20240311150000 +0000", alpha[0].Stop)
	assert.Equal(t, "Alpha", alpha[0].Title)
}

func TestWriteXMLTV(t *testing.T) {
	ch := fixture()[:1]
	ch[0].Logo = "http://logo/1.png"
	tv := RenderEPG(ch, nil, nil, time.Date(2024, 1, 1, 0, 30, 0, 0, time.UTC))

	var buf bytes.Buffer
	require.NoError(t, WriteXMLTV(&buf, tv))
	out := buf.String()

	assert.True(t, strings.HasPrefix(out, "<?xml"))
	assert.Contains(t, out, `<channel id="zeta.uk">`)
	assert.Contains(t, out, `<icon src="http://logo/1.png"></icon>`)
	assert.Contains(t, out, `<programme start="20240101000000 +0000" stop="20240102000000 +0000" channel="zeta.uk">`)
}
