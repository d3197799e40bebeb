package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/magpie/pkg/config"
)

func testConfig() config.AntiScrapingConfig {
	return config.AntiScrapingConfig{
		MaxRetries:     3,
		RequestTimeout: 5,
	}
}

func TestFetchSuccess(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html><body>ok</body></html>"))
	}))
	defer srv.Close()

	c := NewClient(testConfig())
	resp, err := c.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(resp.Body), "ok")
	assert.Equal(t, "text/html; charset=utf-8", resp.ContentType)
	assert.True(t, strings.HasPrefix(gotUA, "Mozilla/5.0"), "browser user agent expected, got %q", gotUA)
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(testConfig())
	_, err := c.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, 1, hits)
}

func TestDoOnceRetryability(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"server error", http.StatusInternalServerError, true},
		{"rate limited", http.StatusTooManyRequests, true},
		{"not found", http.StatusNotFound, false},
		{"forbidden", http.StatusForbidden, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := NewClient(testConfig())
			_, retryable, err := c.doOnce(context.Background(), http.MethodGet, srv.URL)
			require.Error(t, err)
			assert.Equal(t, tt.retryable, retryable)
		})
	}
}

func TestFetchHonorsContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient(testConfig())
	_, err := c.Fetch(ctx, srv.URL)
	require.Error(t, err)
}

func TestRefererMatchesRequestOrigin(t *testing.T) {
	var gotReferer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReferer = r.Header.Get("Referer")
	}))
	defer srv.Close()

	c := NewClient(testConfig())
	_, err := c.Fetch(context.Background(), srv.URL+"/gallery/page.html")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/", gotReferer)
}

func TestHead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("Content-Type", "image/jpeg")
	}))
	defer srv.Close()

	c := NewClient(testConfig())
	resp, err := c.Head(context.Background(), srv.URL+"/file/123")
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", resp.ContentType)
	assert.Empty(t, resp.Body)
}

func TestProxyRotation(t *testing.T) {
	cfg := testConfig()
	cfg.UseProxy = true
	cfg.ProxyList = []string{"http://proxy-a:8080", "http://proxy-b:8080"}
	c := NewClient(cfg)

	first, err := c.nextProxy(nil)
	require.NoError(t, err)
	second, err := c.nextProxy(nil)
	require.NoError(t, err)
	third, err := c.nextProxy(nil)
	require.NoError(t, err)

	assert.Equal(t, "proxy-a:8080", first.Host)
	assert.Equal(t, "proxy-b:8080", second.Host)
	assert.Equal(t, "proxy-a:8080", third.Host)
}

func TestRandomizedHeaders(t *testing.T) {
	var gotLang, gotCache string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLang = r.Header.Get("Accept-Language")
		gotCache = r.Header.Get("Cache-Control")
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.UseRandomUserAgent = true
	cfg.RandomizeHeaders = true
	c := NewClient(cfg)

	_, err := c.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.NotEmpty(t, gotLang)
	assert.Equal(t, "no-cache", gotCache)
}
