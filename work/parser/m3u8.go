package parser

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/grafana/regexp"
	"github.com/grafov/m3u8"

	"stalker-proxy/work/client"
	"stalker-proxy/work/logger"
	"stalker-proxy/work/utils"
)

// ErrEmptyPlaylist is returned when a media playlist lists no segments.
var ErrEmptyPlaylist = errors.New("media playlist has no segments")

var hlsPathRe = regexp.MustCompile(`(?i)\.m3u8?($|\?)`)

// IsHLS reports whether link points at an HLS playlist, judged by its path.
func IsHLS(link string) bool {
	return hlsPathRe.MatchString(link)
}

// ResolveStream turns a resolved channel link into the URL that should actually be
// streamed. Master playlists are replaced by their best variant; media playlists
// must contain at least one segment; anything that is not HLS passes through.
//
// Parameters:
//   - ctx: bounds the playlist fetch
//   - httpClient: client carrying the portal's proxy route
//   - link: URL returned by the portal
//
// Returns:
//   - string: URL to hand to the stream method
//   - error: non-nil when the playlist cannot be fetched, decoded or is empty
func ResolveStream(ctx context.Context, httpClient *client.HeaderSettingClient, link string) (string, error) {
	if !IsHLS(link) {
		return link, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create playlist request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch playlist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("playlist returned status %d", resp.StatusCode)
	}

	playlist, listType, err := m3u8.DecodeFrom(bufio.NewReader(resp.Body), false)
	if err != nil {
		return "", fmt.Errorf("failed to decode playlist: %w", err)
	}

	// Redirects move the base for relative variant URIs.
	base := link
	if resp.Request != nil && resp.Request.URL != nil {
		base = resp.Request.URL.String()
	}

	switch listType {
	case m3u8.MASTER:
		master := playlist.(*m3u8.MasterPlaylist)
		best, ok := SelectBestVariant(ExtractVariants(master, base))
		if !ok {
			return "", fmt.Errorf("master playlist has no playable variants")
		}
		logger.Debug("{parser/m3u8 - ResolveStream} Selected variant %s (%d kbps)", utils.ObfuscateURL(best.URL), best.Bandwidth/1000)
		return best.URL, nil

	case m3u8.MEDIA:
		media := playlist.(*m3u8.MediaPlaylist)
		if media.Count() == 0 {
			return "", ErrEmptyPlaylist
		}
		return link, nil
	}

	return "", fmt.Errorf("unknown playlist type")
}
