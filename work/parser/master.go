package parser

import (
	"net/url"
	"sort"
	"strings"

	"github.com/grafov/m3u8"

	"stalker-proxy/work/logger"
	"stalker-proxy/work/utils"
)

// StreamVariant represents a single stream variant from an HLS master playlist with
// the metadata needed for quality selection. Each variant corresponds to a different
// encoding of the same channel.
type StreamVariant struct {
	URL              string  // Absolute URL pointing to the variant's media playlist
	Bandwidth        uint32  // Peak bandwidth in bits per second
	AverageBandwidth uint32  // Average bandwidth in bits per second (optional)
	Resolution       string  // Video resolution in "WIDTHxHEIGHT" format (e.g., "1920x1080")
	Codecs           string  // Comma-separated codec specifications
	FrameRate        float64 // Frames per second, 0 when not advertised
}

// ExtractVariants converts the variants of a decoded master playlist into StreamVariant
// values with absolute URLs, sorted by bandwidth in descending order so the first entry
// is the highest quality.
//
// Parameters:
//   - master: decoded master playlist
//   - baseURL: URL the master playlist was fetched from, used for relative variant URIs
//
// Returns:
//   - []StreamVariant: variants sorted best first, empty when the playlist lists none
func ExtractVariants(master *m3u8.MasterPlaylist, baseURL string) []StreamVariant {
	variants := make([]StreamVariant, 0, len(master.Variants))

	for _, v := range master.Variants {
		if v == nil || strings.TrimSpace(v.URI) == "" {
			continue
		}
		// I-frame only variants carry no audio and are useless for playback
		if v.Iframe {
			continue
		}

		variants = append(variants, StreamVariant{
			URL:              ResolveURL(v.URI, baseURL),
			Bandwidth:        v.Bandwidth,
			AverageBandwidth: v.AverageBandwidth,
			Resolution:       v.Resolution,
			Codecs:           v.Codecs,
			FrameRate:        v.FrameRate,
		})
	}

	sort.SliceStable(variants, func(i, j int) bool {
		if variants[i].Bandwidth != variants[j].Bandwidth {
			return variants[i].Bandwidth > variants[j].Bandwidth
		}
		return pixelCount(variants[i].Resolution) > pixelCount(variants[j].Resolution)
	})

	return variants
}

// SelectBestVariant returns the highest quality variant, or false when there is none.
func SelectBestVariant(variants []StreamVariant) (StreamVariant, bool) {
	if len(variants) == 0 {
		return StreamVariant{}, false
	}

	for i, v := range variants {
		logger.Debug("{parser/master - SelectBestVariant} Variant %d: %s (%d kbps)", i, v.Resolution, v.Bandwidth/1000)
	}

	return variants[0], true
}

// ResolveURL converts a potentially relative URL to absolute form by resolving it against
// baseURL. Absolute URLs are returned unchanged, as is the input when resolution fails.
//
// Parameters:
//   - streamURL: potentially relative URL from a playlist entry
//   - baseURL: absolute URL of the playlist for resolution context
//
// Returns:
//   - string: absolute URL suitable for direct streaming
func ResolveURL(streamURL, baseURL string) string {
	if strings.HasPrefix(streamURL, "http://") || strings.HasPrefix(streamURL, "https://") {
		return streamURL
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		logger.Warn("{parser/master - ResolveURL} Failed to parse base URL %s: %v", utils.ObfuscateURL(baseURL), err)
		return streamURL
	}

	ref, err := url.Parse(streamURL)
	if err != nil {
		logger.Warn("{parser/master - ResolveURL} Failed to parse variant URL: %v", err)
		return streamURL
	}

	return base.ResolveReference(ref).String()
}

func pixelCount(resolution string) int {
	w, h, ok := strings.Cut(resolution, "x")
	if !ok {
		return 0
	}
	return atoi(w) * atoi(h)
}

func atoi(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
