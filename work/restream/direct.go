package restream

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"stalker-proxy/work/client"
	"stalker-proxy/work/logger"
	"stalker-proxy/work/utils"
)

// OpenDirect requests link and returns the response body for pass-through streaming.
// The request lives as long as ctx; closing the body ends it early.
func OpenDirect(ctx context.Context, httpClient *client.HeaderSettingClient, link string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	logger.Debug("{restream/direct - OpenDirect} Opened %s (%s)", utils.ObfuscateURL(link), resp.Header.Get("Content-Type"))
	return resp.Body, nil
}
