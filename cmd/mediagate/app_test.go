package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediagate/pkg/config"
	"mediagate/pkg/gateway"
	"mediagate/pkg/logger"
)

type fakeSecrets struct {
	bearers  []string
	password string
	err      error
}

func (f fakeSecrets) Bearers() ([]string, error) { return f.bearers, f.err }
func (f fakeSecrets) ControlPassword() string    { return f.password }

type fakeSite struct {
	mu   sync.Mutex
	auth []string
	hits map[string]int
}

func newFakeSite(t *testing.T) (*fakeSite, *httptest.Server) {
	site := &fakeSite{hits: map[string]int{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		site.mu.Lock()
		site.hits[r.URL.Path]++
		if a := r.Header.Get("Authorization"); a != "" {
			site.auth = append(site.auth, a)
		}
		site.mu.Unlock()

		switch r.URL.Path {
		case "/posts/1/1234/1234.pic.jpg":
			w.Header().Set("Content-Type", "image/jpeg")
			io.WriteString(w, "jpeg-bytes")
		case "/main/api/v2/post/action/states":
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"1":{"liked":false}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return site, srv
}

func (s *fakeSite) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func testConfig(t *testing.T, upstreamURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Upstream.MainURL = upstreamURL + "/main/"
	cfg.Upstream.CDNURL = upstreamURL + "/"
	cfg.Cache.Max = "1m"
	cfg.Cache.Disk.Path = t.TempDir()
	cfg.Cache.Disk.Max = "4m"
	cfg.Credentials.Bearers = []string{"configured-token"}
	require.NoError(t, cfg.Validate())
	cfg.Normalize()
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, secrets secretSource) *app {
	a, err := buildApp(cfg, secrets, logger.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(a.close)
	return a
}

func TestBuildAppServesImages(t *testing.T) {
	site, upstream := newFakeSite(t)
	a := newTestApp(t, testConfig(t, upstream.URL), nil)

	gw := httptest.NewServer(a.handler)
	defer gw.Close()

	for i, want := range []string{"miss", "hit"} {
		resp, err := http.Get(gw.URL + "/image/full/1234")
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode, "request %d", i)
		assert.Equal(t, "jpeg-bytes", string(body))
		assert.Equal(t, want, resp.Header.Get(gateway.CacheHeader))
	}
	assert.Equal(t, 1, site.Hits("/posts/1/1234/1234.pic.jpg"))

	assert.Equal(t, 1, a.cache.Stats().Entries)
	assert.NotNil(t, a.disk)
	assert.Equal(t, 0, a.transports.Len())
}

func TestBuildAppMetrics(t *testing.T) {
	_, upstream := newFakeSite(t)
	a := newTestApp(t, testConfig(t, upstream.URL), nil)

	gw := httptest.NewServer(a.handler)
	defer gw.Close()

	resp, err := http.Get(gw.URL + "/image/full/1234")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(gw.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	text := string(body)
	assert.Contains(t, text, "mediagate_cache_bytes")
	assert.Contains(t, text, "mediagate_cache_disk_bytes")
	assert.Contains(t, text, "mediagate_http_requests_total")
	assert.Contains(t, text, "mediagate_fetch_attempts_total")
	assert.Contains(t, text, "go_goroutines")
}

func TestBuildAppMetricsDisabled(t *testing.T) {
	_, upstream := newFakeSite(t)
	cfg := testConfig(t, upstream.URL)
	cfg.Metrics.Enabled = false
	a := newTestApp(t, cfg, nil)

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBuildAppMergesStoredBearers(t *testing.T) {
	site, upstream := newFakeSite(t)
	a := newTestApp(t, testConfig(t, upstream.URL), fakeSecrets{bearers: []string{"stored-token", "configured-token"}})

	gw := httptest.NewServer(a.handler)
	defer gw.Close()

	// Distinct id sets so neither response comes from the preflight cache
	for _, body := range []string{"[1]", "[2]"} {
		resp, err := http.Post(gw.URL+"/preflight", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	site.mu.Lock()
	defer site.mu.Unlock()
	assert.ElementsMatch(t, []string{"Bearer configured-token", "Bearer stored-token"}, site.auth)
}

func TestBuildAppSecretErrorsAreNotFatal(t *testing.T) {
	_, upstream := newFakeSite(t)
	cfg := testConfig(t, upstream.URL)
	cfg.Cache.Disk.Path = ""

	a := newTestApp(t, cfg, fakeSecrets{err: errors.New("keyring locked")})
	assert.Nil(t, a.disk)
	assert.Nil(t, a.cache.Stats().Disk)
}

func TestBuildAppEgress(t *testing.T) {
	_, upstream := newFakeSite(t)
	cfg := testConfig(t, upstream.URL)
	cfg.Egress.Enabled = true
	cfg.Egress.Identities = []config.IdentityConfig{
		{Name: "a", Proxy: "socks5h://127.0.0.1:9050", Control: "127.0.0.1:9051"},
		{Name: "b", Proxy: "http://127.0.0.1:8118"},
	}

	a := newTestApp(t, cfg, fakeSecrets{password: "secret"})
	assert.Equal(t, 2, a.transports.Len())
}

func TestAppRunStopsOnCancel(t *testing.T) {
	_, upstream := newFakeSite(t)
	cfg := testConfig(t, upstream.URL)
	cfg.Server.Port = freePort(t)

	a, err := buildApp(cfg, nil, logger.NewNopLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	cancel()
	assert.NoError(t, <-done)
	assert.Nil(t, a.disk)
}

func TestMaskSecrets(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Credentials.Bearers = []string{"abcdefghijklmnop"}
	cfg.Egress.ControlPassword = "short"

	masked := maskSecrets(cfg)
	assert.Equal(t, []string{"abcd...mnop"}, masked.Credentials.Bearers)
	assert.Equal(t, "********", masked.Egress.ControlPassword)
	assert.Equal(t, "abcdefghijklmnop", cfg.Credentials.Bearers[0])
}

func TestFormatCount(t *testing.T) {
	assert.Equal(t, "1 identity", formatCount(1, "identity", "identities"))
	assert.Equal(t, "3 identities", formatCount(3, "identity", "identities"))
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
