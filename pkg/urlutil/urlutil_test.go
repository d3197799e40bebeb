package urlutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/magpie/pkg/config"
	"github.com/cuemby/magpie/pkg/transport"
)

func TestIsValid(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want bool
	}{
		{"https", "https://example.com/page", true},
		{"http", "http://example.com", true},
		{"ftp scheme", "ftp://example.com/file", false},
		{"relative", "/images/a.jpg", false},
		{"javascript", "javascript:void(0)", false},
		{"empty", "", false},
		{"oversized", "https://example.com/" + strings.Repeat("x", 2048), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValid(tt.url))
		})
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		want    string
		wantErr bool
	}{
		{"strips fragment", "https://example.com/page#section", "https://example.com/page", false},
		{"lowercases host", "https://EXAMPLE.com/Page", "https://example.com/Page", false},
		{"drops root slash", "https://example.com/", "https://example.com", false},
		{"keeps query", "https://example.com/p?id=1", "https://example.com/p?id=1", false},
		{"forces https", "example.com/p", "https://example.com/p", false},
		{"protocol relative", "//cdn.example.com/a.jpg", "https://cdn.example.com/a.jpg", false},
		{"strips default http port", "http://example.com:80/p", "http://example.com/p", false},
		{"strips default https port", "https://example.com:443/p", "https://example.com/p", false},
		{"keeps explicit port", "https://example.com:8443/p", "https://example.com:8443/p", false},
		{"no host", "http://", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			// Normalizing an already normalized URL changes nothing
			again, err := Normalize(got)
			require.NoError(t, err)
			assert.Equal(t, got, again)
		})
	}
}

func TestResolve(t *testing.T) {
	got, err := Resolve("https://example.com/gallery/page.html", "../img/photo.jpg")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/img/photo.jpg", got)

	got, err = Resolve("https://example.com/gallery/", "https://cdn.example.com/a.png")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/a.png", got)
}

func TestSameDomain(t *testing.T) {
	assert.True(t, SameDomain("https://example.com/a", "https://www.example.com/b"))
	assert.True(t, SameDomain("http://Example.COM", "https://example.com/x"))
	assert.False(t, SameDomain("https://example.com", "https://other.com"))
	assert.False(t, SameDomain("https://example.com", "https://sub.example.com"))
}

func TestCleanURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{
			"drops tracking params",
			"https://example.com/a.jpg?utm_source=feed&ref=home&id=7",
			"https://example.com/a.jpg?id=7",
		},
		{
			"keeps sizing params",
			"https://example.com/a.jpg?width=800&height=600&session=abc",
			"https://example.com/a.jpg?height=600&width=800",
		},
		{
			"no query untouched",
			"https://example.com/a.jpg",
			"https://example.com/a.jpg",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanURL(tt.url))
		})
	}
}

func TestIsImage(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want bool
	}{
		{"jpg extension", "https://example.com/files/cat.jpg", true},
		{"png with query", "https://example.com/a.png?v=2", true},
		{"webp", "https://example.com/x/img.webp", true},
		{"photos path", "https://example.com/photos/20240101", true},
		{"wallpaper path", "https://example.com/wallpaper/1234", true},
		{"cropping handler", "https://haowallpaper.com/link/common/file/getCroppingImg/17044056264658304", true},
		{"api image route", "https://example.com/api/v2/image/42", true},
		{"versioned image route", "https://example.com/v3/photo/42", true},
		{"cloudfront host", "https://d111.cloudfront.net/asset/9f2", true},
		{"html page", "https://example.com/page.html", false},
		{"stylesheet", "https://example.com/site.css", false},
		{"script with query", "https://example.com/app.js?v=9", false},
		{"ads path", "https://example.com/ads/promo.jpg", false},
		{"thumbnail path", "https://example.com/thumbnail/42", false},
		{"thumb handler", "https://example.com/thumb.php?id=3", false},
		{"favicon", "https://example.com/favicon.ico", false},
		{"mailto", "mailto:x@example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsImage(tt.url))
		})
	}
}

func TestIsImageDeep(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		require.Equal(t, http.MethodHead, r.Method)
		if strings.Contains(r.URL.Path, "/file/") {
			w.Header().Set("Content-Type", "image/jpeg")
			return
		}
		w.Header().Set("Content-Type", "text/html")
	}))
	t.Cleanup(srv.Close)

	client := transport.NewClient(config.AntiScrapingConfig{MaxRetries: 1, RequestTimeout: 5})
	ctx := context.Background()

	// A long-id URL the static patterns miss resolves by Content-Type
	assert.True(t, IsImageDeep(ctx, client, srv.URL+"/file/17044056264658304"))
	assert.Equal(t, 1, hits)

	// Dynamic-looking but served as HTML
	assert.False(t, IsImageDeep(ctx, client, srv.URL+"/api/page/17044056264658304"))
	assert.Equal(t, 2, hits)

	// Nothing dynamic about it: no probe is spent
	assert.False(t, IsImageDeep(ctx, client, srv.URL+"/about.html"))
	assert.Equal(t, 2, hits)
}

func TestExtractFilename(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{"plain basename", "https://example.com/photos/cat.jpg", "cat.jpg"},
		{"nested path", "https://example.com/a/b/c/shot-01.png", "shot-01.png"},
		{"unsafe chars", "https://example.com/my photo (1).jpg", "my_photo__1_.jpg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractFilename(tt.url))
		})
	}

	t.Run("dynamic url falls back to hash", func(t *testing.T) {
		got := ExtractFilename("https://example.com/getCroppingImg?id=42")
		assert.True(t, strings.HasPrefix(got, "image_"))
		assert.True(t, strings.HasSuffix(got, ".jpg"))
		assert.Len(t, got, len("image_")+8+len(".jpg"))

		// Deterministic per URL
		assert.Equal(t, got, ExtractFilename("https://example.com/getCroppingImg?id=42"))
		assert.NotEqual(t, got, ExtractFilename("https://example.com/getCroppingImg?id=43"))
	})
}
