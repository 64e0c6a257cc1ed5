package playlist

import (
	"bufio"
	"io"
	"sort"
	"strings"

	"stalker-proxy/work/config"
	"stalker-proxy/work/types"
)

// Entry is one playable line of the exported playlist.
type Entry struct {
	PortalID  string
	ChannelID string
	Name      string
	Number    string
	Genre     string
	EPGID     string
	Logo      string
}

// RenderPlaylist selects the enabled channels and orders them by the configured sort
// keys: genre, then number, then name. Keys that are switched off are skipped and
// ties keep catalog order.
func RenderPlaylist(channels []types.Channel, settings config.Settings) []Entry {
	entries := make([]Entry, 0, len(channels))
	for _, ch := range channels {
		if !ch.Enabled {
			continue
		}
		entries = append(entries, Entry{
			PortalID:  ch.PortalID,
			ChannelID: ch.ChannelID,
			Name:      ch.Name,
			Number:    ch.Number,
			Genre:     ch.Genre,
			EPGID:     ch.EPGID,
			Logo:      ch.Logo,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return compareEntries(entries[i], entries[j], settings) < 0
	})

	return entries
}

func compareEntries(a, b Entry, settings config.Settings) int {
	if settings.SortByGenre {
		if c := strings.Compare(strings.ToLower(a.Genre), strings.ToLower(b.Genre)); c != 0 {
			return c
		}
	}
	if settings.SortByNumber {
		if types.NumberLess(a.Number, b.Number) {
			return -1
		}
		if types.NumberLess(b.Number, a.Number) {
			return 1
		}
	}
	if settings.SortByName {
		if c := strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)); c != 0 {
			return c
		}
	}
	return 0
}

// WriteM3U writes entries as an extended M3U playlist whose URLs point back at the
// proxy's play endpoint.
func WriteM3U(w io.Writer, entries []Entry, baseURL string, settings config.Settings) error {
	bw := bufio.NewWriter(w)
	base := strings.TrimRight(baseURL, "/")

	bw.WriteString("#EXTM3U\n")
	for _, e := range entries {
		bw.WriteString(`#EXTINF:-1 tvg-id="`)
		bw.WriteString(attr(e.EPGID))
		bw.WriteString(`"`)
		if settings.UseChannelNumbers {
			bw.WriteString(` tvg-chno="`)
			bw.WriteString(attr(e.Number))
			bw.WriteString(`"`)
		}
		if settings.UseChannelGenres {
			bw.WriteString(` group-title="`)
			bw.WriteString(attr(e.Genre))
			bw.WriteString(`"`)
		}
		bw.WriteString(",")
		bw.WriteString(strings.ReplaceAll(e.Name, "\n", " "))
		bw.WriteString("\n")
		bw.WriteString(base + "/play/" + e.PortalID + "/" + e.ChannelID)
		bw.WriteString("\n")
	}

	return bw.Flush()
}

func attr(s string) string {
	return strings.NewReplacer(`"`, "'", "\n", " ", "\r", "").Replace(s)
}
