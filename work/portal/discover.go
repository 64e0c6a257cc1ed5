package portal

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/grafana/regexp"

	"stalker-proxy/work/client"
	"stalker-proxy/work/logger"
	"stalker-proxy/work/utils"
)

// xpcomPaths are the locations where Stalker installs ship xpcom.common.js.
var xpcomPaths = []string{
	"/c/xpcom.common.js",
	"/client/xpcom.common.js",
	"/c_/xpcom.common.js",
	"/stalker_portal/c/xpcom.common.js",
	"/stalker_portal/c_/xpcom.common.js",
}

var (
	patternRe    = regexp.MustCompile(`var\s+pattern\s*=\s*/(\(http.*)/;`)
	protocolRe   = regexp.MustCompile(`this\.portal_protocol.*(\d).*;`)
	ipRe         = regexp.MustCompile(`this\.portal_ip.*(\d).*;`)
	pathRe       = regexp.MustCompile(`this\.portal_path.*(\d).*;`)
	ajaxLoaderRe = regexp.MustCompile(`this\.ajax_loader=(.*\.php);`)

	jsStripper = strings.NewReplacer(" ", "", "'", "", `"`, "", "+", "")
)

// DiscoverURL finds the API endpoint of the portal behind rawURL by reading the
// portal's own xpcom.common.js. Some portals refuse proxied script fetches, so every
// location is retried without the proxy.
func (c *Client) DiscoverURL(ctx context.Context, rawURL, proxy string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid portal url %q", rawURL)
	}
	base := u.Scheme + "://" + u.Host

	routes := []string{proxy}
	if proxy != "" {
		routes = append(routes, "")
	}

	for _, route := range routes {
		httpClient, err := c.clients.Get(route)
		if err != nil {
			return "", err
		}
		for _, path := range xpcomPaths {
			scriptURL := base + path
			body, err := fetchScript(ctx, httpClient, scriptURL)
			if err != nil {
				logger.Debug("{portal/discover - DiscoverURL} %s: %v", utils.ObfuscateURL(scriptURL), err)
				continue
			}
			endpoint, err := parseXpcom(scriptURL, body)
			if err != nil {
				logger.Debug("{portal/discover - DiscoverURL} Could not parse %s: %v", utils.ObfuscateURL(scriptURL), err)
				continue
			}
			logger.Info("{portal/discover - DiscoverURL} Discovered portal endpoint %s", utils.ObfuscateURL(endpoint))
			return endpoint, nil
		}
	}

	return "", fmt.Errorf("no portal endpoint found at %s", utils.ObfuscateURL(base))
}

func fetchScript(ctx context.Context, httpClient *client.HeaderSettingClient, scriptURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, scriptURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", STBUserAgent)

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// parseXpcom evaluates the ajax_loader expression of xpcom.common.js against the
// script's own URL. The URL pattern is read from the raw script, as stripping
// removes its quantifiers.
func parseXpcom(scriptURL, script string) (string, error) {
	m := patternRe.FindStringSubmatch(script)
	if m == nil {
		return "", fmt.Errorf("url pattern not found")
	}
	pattern, err := regexp.Compile(m[1])
	if err != nil {
		return "", fmt.Errorf("bad url pattern: %w", err)
	}
	parts := pattern.FindStringSubmatch(scriptURL)
	if parts == nil {
		return "", fmt.Errorf("url pattern does not match %s", scriptURL)
	}

	js := jsStripper.Replace(script)

	group := func(re *regexp.Regexp) (string, error) {
		g := re.FindStringSubmatch(js)
		if g == nil {
			return "", fmt.Errorf("%s not found", re.String())
		}
		idx, _ := strconv.Atoi(g[1])
		if idx >= len(parts) {
			return "", fmt.Errorf("group %d out of range", idx)
		}
		return parts[idx], nil
	}

	protocol, err := group(protocolRe)
	if err != nil {
		return "", err
	}
	ip, err := group(ipRe)
	if err != nil {
		return "", err
	}
	path, err := group(pathRe)
	if err != nil {
		return "", err
	}

	loader := ajaxLoaderRe.FindStringSubmatch(js)
	if loader == nil {
		return "", fmt.Errorf("ajax_loader not found")
	}

	return strings.NewReplacer(
		"this.portal_protocol", protocol,
		"this.portal_ip", ip,
		"this.portal_path", path,
	).Replace(loader[1]), nil
}
