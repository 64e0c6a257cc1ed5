package dispatcher

import (
	"context"
	"fmt"
	"io"

	"stalker-proxy/work/client"
	"stalker-proxy/work/config"
	"stalker-proxy/work/logger"
	"stalker-proxy/work/parser"
	"stalker-proxy/work/restream"
	"stalker-proxy/work/types"
	"stalker-proxy/work/utils"
)

// MediaSource is the production Media: HLS variant selection, ffprobe checks, ffmpeg
// transcodes and direct HTTP pass-through, all routed through the portal's proxy.
type MediaSource struct {
	clients *client.Pool
}

// NewMediaSource creates a MediaSource sharing the given client pool.
func NewMediaSource(clients *client.Pool) *MediaSource {
	return &MediaSource{clients: clients}
}

// Prepare resolves HLS master playlists to their best variant (except for redirects,
// whose players pick variants themselves) and probes the result when stream testing
// is enabled.
func (m *MediaSource) Prepare(ctx context.Context, p types.Portal, link, method string, settings config.Settings) (string, error) {
	if method != config.StreamMethodRedirect {
		hc, err := m.clients.Get(p.Proxy)
		if err != nil {
			return "", err
		}
		resolved, err := parser.ResolveStream(ctx, hc, link)
		if err != nil {
			return "", fmt.Errorf("failed to resolve playlist: %w", err)
		}
		if resolved != link {
			logger.Debug("{dispatcher/media - Prepare} Resolved %s to variant %s", utils.ObfuscateURL(link), utils.ObfuscateURL(resolved))
		}
		link = resolved
	}

	if settings.TestStreams {
		info, err := restream.Probe(ctx, link, p.Proxy, settings.FFmpegTimeout)
		if err != nil {
			return "", err
		}
		logger.Debug("{dispatcher/media - Prepare} Probe ok: %s %s %s", info.Container, info.VideoCodec, info.VideoResolution)
	}

	return link, nil
}

// Open starts the upstream. Direct mode cannot pass HLS through as a single byte
// stream, so HLS links are transcoded instead.
func (m *MediaSource) Open(ctx context.Context, p types.Portal, link, method string, settings config.Settings) (io.ReadCloser, string, error) {
	switch {
	case method == MethodWeb:
		proc, err := restream.StartFFmpeg(ctx, restream.WebArgs(link, p.Proxy))
		if err != nil {
			return nil, "", err
		}
		return proc, "video/mp4", nil

	case method == config.StreamMethodDirect && !parser.IsHLS(link):
		hc, err := m.clients.Get(p.Proxy)
		if err != nil {
			return nil, "", err
		}
		body, err := restream.OpenDirect(ctx, hc, link)
		if err != nil {
			return nil, "", err
		}
		return body, "application/octet-stream", nil

	default:
		args := restream.BuildArgs(settings.FFmpegCommand, link, p.Proxy, settings.FFmpegTimeout)
		proc, err := restream.StartFFmpeg(ctx, args)
		if err != nil {
			return nil, "", err
		}
		return proc, "video/mp2t", nil
	}
}
