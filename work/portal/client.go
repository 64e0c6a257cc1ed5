package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/ratelimit"

	"stalker-proxy/work/client"
	"stalker-proxy/work/logger"
	"stalker-proxy/work/types"
	"stalker-proxy/work/utils"
)

// STBUserAgent is sent on every portal call.
const STBUserAgent = "Mozilla/5.0 (QtEmbedded; U; Linux; C)"

const (
	handshakeTimeout = 20 * time.Second
	listTimeout      = 30 * time.Second
	callTimeout      = 10 * time.Second
	accountTimeout   = 15 * time.Second
	maxBodySize      = 64 << 20
)

// Client speaks the Stalker middleware protocol. It owns the token cache and the
// per-portal rate limiters but never touches MAC capacity accounting.
type Client struct {
	clients  *client.Pool
	tokens   *otter.Cache[string, string]
	limiters *xsync.MapOf[string, ratelimit.Limiter]
	rps      int
}

// New creates a portal client. Tokens expire tokenTTL after they were obtained;
// rps bounds the request rate to each portal, 0 for no limit.
func New(clients *client.Pool, tokenTTL time.Duration, rps int) *Client {
	if tokenTTL <= 0 {
		tokenTTL = time.Hour
	}
	return &Client{
		clients: clients,
		tokens: otter.Must(&otter.Options[string, string]{
			MaximumSize:      10_000,
			ExpiryCalculator: otter.ExpiryWriting[string, string](tokenTTL),
		}),
		limiters: xsync.NewMapOf[string, ratelimit.Limiter](),
		rps:      rps,
	}
}

func tokenKey(portalID, mac string) string {
	return portalID + "|" + mac
}

// CachedToken returns the cached token of a (portal, MAC) pair without touching the network.
func (c *Client) CachedToken(portalID, mac string) (string, bool) {
	return c.tokens.GetIfPresent(tokenKey(portalID, mac))
}

// InvalidateToken drops a cached token so the next call performs a fresh handshake.
func (c *Client) InvalidateToken(portalID, mac string) {
	c.tokens.Invalidate(tokenKey(portalID, mac))
}

func (c *Client) limiterFor(portalID string) ratelimit.Limiter {
	limiter, _ := c.limiters.LoadOrCompute(portalID, func() ratelimit.Limiter {
		if c.rps <= 0 {
			return ratelimit.NewUnlimited()
		}
		return ratelimit.New(c.rps)
	})
	return limiter
}

// Authenticate returns a session token for the MAC, performing the handshake and
// profile registration on a cache miss.
func (c *Client) Authenticate(ctx context.Context, portal types.Portal, mac string) (string, error) {
	if token, ok := c.CachedToken(portal.ID, mac); ok {
		return token, nil
	}

	logger.Debug("{portal/client - Authenticate} Handshake for MAC %s on portal %s", mac, portal.Name)

	params := url.Values{"type": {"stb"}, "action": {"handshake"}}
	raw, err := c.get(ctx, portal, mac, "", params, handshakeTimeout)
	if err != nil {
		return "", &AuthError{Portal: portal.ID, MAC: mac, Err: err}
	}

	var hs handshakeResponse
	if !isObject(raw) {
		return "", &AuthError{Portal: portal.ID, MAC: mac, Err: fmt.Errorf("unexpected handshake response")}
	}
	if err := json.Unmarshal(raw, &hs); err != nil {
		return "", &AuthError{Portal: portal.ID, MAC: mac, Err: fmt.Errorf("failed to decode handshake: %w", err)}
	}
	if hs.Token == "" {
		return "", &AuthError{Portal: portal.ID, MAC: mac, Err: fmt.Errorf("portal returned no token")}
	}

	// The profile call registers the STB session; most portals ignore the token otherwise.
	profile := url.Values{"type": {"stb"}, "action": {"get_profile"}}
	if _, err := c.get(ctx, portal, mac, hs.Token, profile, callTimeout); err != nil {
		if errors.Is(err, errTokenExpired) {
			return "", &AuthError{Portal: portal.ID, MAC: mac, Err: err}
		}
		logger.Debug("{portal/client - Authenticate} get_profile failed for MAC %s: %v", mac, err)
	}

	c.tokens.Set(tokenKey(portal.ID, mac), hs.Token)
	logger.Info("{portal/client - Authenticate} Got token for MAC %s on portal %s", mac, portal.Name)
	return hs.Token, nil
}

// withReauth runs call with token. On an expiry signal the cached token is dropped,
// a new one obtained, and call repeated once.
func (c *Client) withReauth(ctx context.Context, portal types.Portal, mac, token string, call func(token string) error) error {
	err := call(token)
	if !errors.Is(err, errTokenExpired) {
		return err
	}

	logger.Debug("{portal/client - withReauth} Token expired for MAC %s on portal %s, re-authenticating", mac, portal.Name)
	c.InvalidateToken(portal.ID, mac)

	fresh, err := c.Authenticate(ctx, portal, mac)
	if err != nil {
		return err
	}

	err = call(fresh)
	if errors.Is(err, errTokenExpired) {
		c.InvalidateToken(portal.ID, mac)
		return &AuthError{Portal: portal.ID, MAC: mac, Err: err}
	}
	return err
}

// ListChannels returns every live channel of the portal with genre titles resolved.
func (c *Client) ListChannels(ctx context.Context, portal types.Portal, mac, token string) ([]types.RawChannel, error) {
	var (
		channels []stalkerChannel
		genres   map[string]string
	)

	err := c.withReauth(ctx, portal, mac, token, func(token string) error {
		params := url.Values{"type": {"itv"}, "action": {"get_all_channels"}, "force_ch_link_check": {""}}
		raw, err := c.get(ctx, portal, mac, token, params, listTimeout)
		if err != nil {
			return err
		}
		if !isObject(raw) {
			return errTokenExpired
		}
		var resp channelsResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("failed to decode channels: %w", err)
		}
		channels = resp.Data

		genres, err = c.genres(ctx, portal, mac, token)
		return err
	})
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			return nil, err
		}
		return nil, &FetchError{Portal: portal.ID, Op: "get_all_channels", Err: err}
	}

	out := make([]types.RawChannel, 0, len(channels))
	for _, ch := range channels {
		if ch.ID == "" {
			continue
		}
		out = append(out, types.RawChannel{
			ID:      ch.ID.String(),
			Name:    ch.Name.String(),
			Number:  ch.Number.String(),
			GenreID: ch.TVGenreID.String(),
			Genre:   genres[ch.TVGenreID.String()],
			Logo:    ch.Logo.String(),
			XMLTVID: ch.XMLTVID.String(),
			Cmd:     ch.Cmd.String(),
		})
	}

	logger.Info("{portal/client - ListChannels} Got %d channels from portal %s", len(out), portal.Name)
	return out, nil
}

// genres maps genre ids to titles. A portal without genres is not an error.
func (c *Client) genres(ctx context.Context, portal types.Portal, mac, token string) (map[string]string, error) {
	params := url.Values{"type": {"itv"}, "action": {"get_genres"}}
	raw, err := c.get(ctx, portal, mac, token, params, callTimeout)
	if err != nil {
		if errors.Is(err, errTokenExpired) {
			return nil, err
		}
		logger.Warn("{portal/client - genres} Failed to fetch genres from portal %s: %v", portal.Name, err)
		return map[string]string{}, nil
	}

	var list []stalkerGenre
	if err := json.Unmarshal(raw, &list); err != nil {
		logger.Warn("{portal/client - genres} Unexpected genre payload from portal %s", portal.Name)
		return map[string]string{}, nil
	}

	genres := make(map[string]string, len(list))
	for _, g := range list {
		genres[g.ID.String()] = g.Title.String()
	}
	return genres, nil
}

// ResolveLink turns a channel cmd into a playable URL.
func (c *Client) ResolveLink(ctx context.Context, portal types.Portal, mac, token, channelID, cmd string) (string, error) {
	if !strings.Contains(cmd, "http://localhost/") {
		fields := strings.Fields(cmd)
		if len(fields) < 2 {
			return "", &LinkError{Portal: portal.ID, ChannelID: channelID, Err: fmt.Errorf("malformed cmd %q", cmd)}
		}
		return fields[1], nil
	}

	var link string
	err := c.withReauth(ctx, portal, mac, token, func(token string) error {
		params := url.Values{
			"type":                {"itv"},
			"action":              {"create_link"},
			"cmd":                 {cmd},
			"series":              {"0"},
			"forced_storage":      {"false"},
			"disable_ad":          {"false"},
			"download":            {"false"},
			"force_ch_link_check": {"false"},
		}
		raw, err := c.get(ctx, portal, mac, token, params, callTimeout)
		if err != nil {
			return err
		}
		if !isObject(raw) {
			return errTokenExpired
		}
		var resp createLinkResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("failed to decode create_link: %w", err)
		}
		fields := strings.Fields(resp.Cmd)
		if len(fields) == 0 {
			return fmt.Errorf("portal returned an empty link")
		}
		link = fields[len(fields)-1]
		return nil
	})
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			return "", err
		}
		return "", &LinkError{Portal: portal.ID, ChannelID: channelID, Err: err}
	}

	logger.Debug("{portal/client - ResolveLink} Channel %s resolved to %s", channelID, utils.ObfuscateURL(link))
	return link, nil
}

// EPG returns the guide for the next periodHours keyed by channel id.
func (c *Client) EPG(ctx context.Context, portal types.Portal, mac, token string, periodHours int) (map[string][]types.Programme, error) {
	var data json.RawMessage

	err := c.withReauth(ctx, portal, mac, token, func(token string) error {
		params := url.Values{"type": {"itv"}, "action": {"get_epg_info"}, "period": {fmt.Sprint(periodHours)}}
		raw, err := c.get(ctx, portal, mac, token, params, listTimeout)
		if err != nil {
			return err
		}
		if !isObject(raw) {
			return errTokenExpired
		}
		var env struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("failed to decode epg: %w", err)
		}
		data = env.Data
		return nil
	})
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			return nil, err
		}
		return nil, &FetchError{Portal: portal.ID, Op: "get_epg_info", Err: err}
	}

	guide := make(map[string][]types.Programme)
	// Portals without guide data send an empty array instead of an object.
	if !isObject(data) {
		return guide, nil
	}

	var schedules map[string][]stalkerProgramme
	if err := json.Unmarshal(data, &schedules); err != nil {
		return nil, &FetchError{Portal: portal.ID, Op: "get_epg_info", Err: err}
	}

	for channelID, programmes := range schedules {
		for _, p := range programmes {
			start, stop := p.StartTimestamp.Int64(), p.StopTimestamp.Int64()
			if start == 0 || stop == 0 {
				continue
			}
			guide[channelID] = append(guide[channelID], types.Programme{
				Start:       time.Unix(start, 0).UTC(),
				Stop:        time.Unix(stop, 0).UTC(),
				Title:       p.Name.String(),
				Description: p.Descr.String(),
			})
		}
	}
	return guide, nil
}

// AccountExpiry returns the account status string of a MAC (its expiry date on most portals).
func (c *Client) AccountExpiry(ctx context.Context, portal types.Portal, mac, token string) (string, error) {
	var expiry string
	err := c.withReauth(ctx, portal, mac, token, func(token string) error {
		params := url.Values{"type": {"account_info"}, "action": {"get_main_info"}}
		raw, err := c.get(ctx, portal, mac, token, params, accountTimeout)
		if err != nil {
			return err
		}
		if !isObject(raw) {
			return errTokenExpired
		}
		var info accountInfoResponse
		if err := json.Unmarshal(raw, &info); err != nil {
			return fmt.Errorf("failed to decode account info: %w", err)
		}
		expiry = info.Phone.String()
		return nil
	})
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			return "", err
		}
		return "", &FetchError{Portal: portal.ID, Op: "get_main_info", Err: err}
	}
	if expiry == "" {
		return "", &FetchError{Portal: portal.ID, Op: "get_main_info", Err: fmt.Errorf("no expiry reported")}
	}
	return expiry, nil
}

// get performs one Stalker call and returns the js member of the reply.
func (c *Client) get(ctx context.Context, portal types.Portal, mac, token string, params url.Values, timeout time.Duration) (json.RawMessage, error) {
	httpClient, err := c.clients.Get(portal.Proxy)
	if err != nil {
		return nil, err
	}

	// Take cannot be interrupted, so a caller that left while waiting stops here.
	c.limiterFor(portal.ID).Take()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	params.Set("JsHttpRequest", "1-xml")
	reqURL := portal.URL
	if strings.Contains(reqURL, "?") {
		reqURL += "&" + params.Encode()
	} else {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", STBUserAgent)
	req.AddCookie(&http.Cookie{Name: "mac", Value: mac})
	req.AddCookie(&http.Cookie{Name: "stb_lang", Value: "en"})
	req.AddCookie(&http.Cookie{Name: "timezone", Value: "Europe/London"})
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, errTokenExpired
	}
	if strings.Contains(string(body), "Authorization failed") {
		return nil, errTokenExpired
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return env.JS, nil
}
