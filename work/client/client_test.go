package client

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSetsSTBHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer srv.Close()

	c, err := NewHeaderSettingClient("")
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := c.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, UserAgent, got.Get("User-Agent"))
	assert.Contains(t, got.Get("X-User-Agent"), "MAG250")
}

func TestPoolReusesClients(t *testing.T) {
	p := NewPool()

	a, err := p.Get("")
	require.NoError(t, err)
	b, err := p.Get("")
	require.NoError(t, err)
	assert.Same(t, a, b)

	c, err := p.Get("http://127.0.0.1:3128")
	require.NoError(t, err)
	assert.NotSame(t, a, c)
	assert.Equal(t, "http://127.0.0.1:3128", c.Proxy())

	_, err = p.Get("::bad")
	assert.Error(t, err)
}

func TestCustomResponseWriterWritesHeaderOnce(t *testing.T) {
	rec := httptest.NewRecorder()
	crw := NewCustomResponseWriter(rec)

	_, err := crw.Write([]byte("x"))
	require.NoError(t, err)
	crw.WriteHeader(http.StatusTeapot)

	assert.Equal(t, http.StatusOK, crw.StatusCode())
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
}
