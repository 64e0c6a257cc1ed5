package client

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"stalker-proxy/work/logger"
	"stalker-proxy/work/utils"
)

// UserAgent is what MAG set-top boxes send. Portals reject unknown agents.
const UserAgent = "Mozilla/5.0 (QtEmbedded; U; Linux; C) AppleWebKit/533.3 (KHTML, like Gecko) MAG200 stbapp ver: 2 rev: 250 Safari/533.3"

// HeaderSettingClient wraps http.Client to automatically set the STB headers
type HeaderSettingClient struct {
	Client *http.Client
	proxy  string
}

// CustomResponseWriter wraps http.ResponseWriter to track headers and implement Flusher
type CustomResponseWriter struct {
	http.ResponseWriter
	WroteHeader bool
	statusCode  int
}

// NewHeaderSettingClient builds a client routed through the given outbound proxy.
// An empty proxy means a direct connection.
func NewHeaderSettingClient(proxy string) (*HeaderSettingClient, error) {
	transport := &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableKeepAlives:     false,
		ResponseHeaderTimeout: 30 * time.Second, // Only timeout for headers
	}

	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil || proxyURL.Host == "" {
			return nil, fmt.Errorf("invalid proxy %q", proxy)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &HeaderSettingClient{
		Client: &http.Client{
			Timeout:   0, // No overall timeout for streaming
			Transport: transport,
		},
		proxy: proxy,
	}, nil
}

func (hsc *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	hsc.setHeaders(req)
	return hsc.Client.Do(req)
}

// Proxy returns the outbound proxy the client was built with.
func (hsc *HeaderSettingClient) Proxy() string {
	return hsc.proxy
}

func (hsc *HeaderSettingClient) setHeaders(req *http.Request) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", UserAgent)
	}
	req.Header.Set("X-User-Agent", "Model: MAG250; Link: WiFi")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Accept", "*/*")
}

// Pool hands out one shared client per outbound proxy so connections are reused
// across portals that share a route.
type Pool struct {
	clients *xsync.MapOf[string, *HeaderSettingClient]
}

// NewPool creates an empty client pool.
func NewPool() *Pool {
	return &Pool{clients: xsync.NewMapOf[string, *HeaderSettingClient]()}
}

// Get returns the client for proxy, creating it on first use.
func (p *Pool) Get(proxy string) (*HeaderSettingClient, error) {
	if c, ok := p.clients.Load(proxy); ok {
		return c, nil
	}

	c, err := NewHeaderSettingClient(proxy)
	if err != nil {
		return nil, err
	}

	actual, loaded := p.clients.LoadOrStore(proxy, c)
	if !loaded && proxy != "" {
		logger.Debug("{client/client - Get} Created client for proxy %s", utils.ObfuscateURL(proxy))
	}
	return actual, nil
}

// CloseIdle drops idle connections of every pooled client.
func (p *Pool) CloseIdle() {
	p.clients.Range(func(_ string, c *HeaderSettingClient) bool {
		c.Client.CloseIdleConnections()
		return true
	})
}

// CustomResponseWriter implementation
func NewCustomResponseWriter(w http.ResponseWriter) *CustomResponseWriter {
	return &CustomResponseWriter{
		ResponseWriter: w,
		WroteHeader:    false,
		statusCode:     0,
	}
}

func (crw *CustomResponseWriter) WriteHeader(statusCode int) {
	if crw.WroteHeader {
		return
	}

	crw.Header().Set("Connection", "keep-alive")
	crw.Header().Set("Cache-Control", "no-cache")

	crw.statusCode = statusCode
	crw.ResponseWriter.WriteHeader(statusCode)
	crw.WroteHeader = true
}

func (crw *CustomResponseWriter) Write(b []byte) (int, error) {
	if !crw.WroteHeader {
		crw.WriteHeader(http.StatusOK)
	}
	return crw.ResponseWriter.Write(b)
}

// StatusCode returns the status written so far, 0 if none.
func (crw *CustomResponseWriter) StatusCode() int {
	return crw.statusCode
}

// Implement http.Flusher interface
func (crw *CustomResponseWriter) Flush() {
	if flusher, ok := crw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
