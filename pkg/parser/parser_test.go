package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const galleryPage = `<!DOCTYPE html>
<html>
<head><title>Gallery</title></head>
<body>
  <img src="/static/placeholder.gif" data-original="/img/a.jpg">
  <img data-src="/img/lazy.png">
  <img srcset="/img/small.jpg 1x, /img/large.jpg 2x">
  <picture><source srcset="/img/pic.png"></picture>
  <img src="/img/a.jpg">
  <img src="/ads/promo.png">
  <span data-original="/img/span-orig.webp">hero shot</span>
  <a href="/downloads/full.jpeg">full size</a>
  <div style="background-image: url('/img/bg.gif')">hero</div>
  <a href="/gallery/page2.html">next</a>
  <a href="#top">top</a>
  <a href="javascript:void(0)">noop</a>
  <a href="mailto:x@example.com">mail</a>
</body>
</html>`

func TestParseExtractsImages(t *testing.T) {
	page, err := Parse("https://example.com/gallery/", []byte(galleryPage), "text/html; charset=utf-8")
	require.NoError(t, err)

	assert.Equal(t, "Gallery", page.Title)
	assert.Equal(t, []string{
		"https://example.com/img/a.jpg",
		"https://example.com/img/lazy.png",
		"https://example.com/img/small.jpg",
		"https://example.com/img/large.jpg",
		"https://example.com/img/span-orig.webp",
		"https://example.com/img/pic.png",
		"https://example.com/downloads/full.jpeg",
		"https://example.com/img/bg.gif",
	}, page.Images)
	// The ad and the lazy placeholder are never collected
	assert.NotContains(t, page.Images, "https://example.com/ads/promo.png")
	assert.NotContains(t, page.Images, "https://example.com/static/placeholder.gif")
}

func TestParseExtractsLinks(t *testing.T) {
	page, err := Parse("https://example.com/gallery/", []byte(galleryPage), "text/html; charset=utf-8")
	require.NoError(t, err)

	assert.Contains(t, page.Links, "https://example.com/gallery/page2.html")
	for _, l := range page.Links {
		assert.NotContains(t, l, "javascript:")
		assert.NotContains(t, l, "mailto:")
		assert.NotContains(t, l, "#")
	}
	// Image anchors belong to Images, not the crawl frontier
	assert.NotContains(t, page.Links, "https://example.com/downloads/full.jpeg")
}

func TestParseLazyLoadDiscovery(t *testing.T) {
	html := `<img src="/static/placeholder.gif"
     data-original="https://cdn.example.com/a.jpg" />
<img srcset="https://cdn.example.com/b-1x.png 1x, https://cdn.example.com/b-2x.png 2x" />
<div style="background-image:url('https://cdn.example.com/c.webp')"></div>`

	page, err := Parse("https://example.com/gallery", []byte(html), "text/html")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		"https://cdn.example.com/a.jpg",
		"https://cdn.example.com/b-1x.png",
		"https://cdn.example.com/b-2x.png",
		"https://cdn.example.com/c.webp",
	}, page.Images)
	assert.NotContains(t, page.Images, "https://example.com/static/placeholder.gif")
}

func TestParseLazyAttributeBeatsSrc(t *testing.T) {
	html := `<img src="/img/placeholder.jpg" data-src="/img/real.jpg">`
	page, err := Parse("https://example.com/", []byte(html), "text/html")
	require.NoError(t, err)

	// The lazy attribute holds the real source; src is only a fallback
	assert.Equal(t, []string{"https://example.com/img/real.jpg"}, page.Images)
}

func TestParseSrcFallbackWhenLazyAttrsMissing(t *testing.T) {
	html := `<img src="/img/real.jpg">`
	page, err := Parse("https://example.com/", []byte(html), "text/html")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/img/real.jpg"}, page.Images)
}

func TestParseDataOriginalOnContainers(t *testing.T) {
	html := `<div data-original="/img/one.jpg"></div>
<span data-original="/img/two.png"></span>
<a data-original="/img/three.webp" href="/detail.html">view</a>`

	page, err := Parse("https://example.com/", []byte(html), "text/html")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"https://example.com/img/one.jpg",
		"https://example.com/img/two.png",
		"https://example.com/img/three.webp",
	}, page.Images)
}

func TestDecodeBodyHeaderCharset(t *testing.T) {
	// "中文" in GBK
	gbk := []byte{0xD6, 0xD0, 0xCE, 0xC4}
	text, name := DecodeBody(gbk, "text/html; charset=gbk")
	assert.Equal(t, "中文", text)
	assert.Equal(t, "gbk", name)
}

func TestDecodeBodyRejectsLyingHeaderCharset(t *testing.T) {
	// GBK bytes served as charset=utf-8: the header decode would corrupt
	// every multibyte character, so the meta declaration must win
	body := append([]byte(`<html><head><meta charset="gbk"></head><body>`), 0xD6, 0xD0, 0xCE, 0xC4)
	body = append(body, []byte(`</body></html>`)...)

	text, name := DecodeBody(body, "text/html; charset=utf-8")
	assert.Equal(t, "gbk", name)
	assert.Contains(t, text, "中文")
	assert.NotContains(t, text, "�")
}

func TestDecodeBodyLyingHeaderFallsToSignature(t *testing.T) {
	// No meta declaration either: the GBK byte probe is the backstop
	gbk := []byte{0xD6, 0xD0, 0xCE, 0xC4, 0xB2, 0xE2, 0xCA, 0xD4}
	text, name := DecodeBody(gbk, "text/html; charset=utf-8")
	assert.Equal(t, "gbk", name)
	assert.Equal(t, "中文测试", text)
}

func TestDecodeBodyMetaCharset(t *testing.T) {
	body := append([]byte(`<html><head><meta charset="gbk"></head><body>`), 0xD6, 0xD0, 0xCE, 0xC4)
	body = append(body, []byte(`</body></html>`)...)

	text, name := DecodeBody(body, "text/html")
	assert.Equal(t, "gbk", name)
	assert.Contains(t, text, "中文")
}

func TestDecodeBodyBOM(t *testing.T) {
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte("hello")...)
	text, name := DecodeBody(body, "")
	assert.Equal(t, "hello", text)
	assert.Equal(t, "utf-8-sig", name)
}

func TestDecodeBodyGBKSignature(t *testing.T) {
	// No header, no BOM, no declaration: the byte probe catches GBK
	gbk := []byte{0xD6, 0xD0, 0xCE, 0xC4, 0xB2, 0xE2, 0xCA, 0xD4}
	text, name := DecodeBody(gbk, "")
	assert.Equal(t, "gbk", name)
	assert.Equal(t, "中文测试", text)
}

func TestDecodeBodyValidUTF8Passthrough(t *testing.T) {
	text, name := DecodeBody([]byte("plain ascii and 日本語"), "")
	assert.Equal(t, "plain ascii and 日本語", text)
	assert.Equal(t, "utf-8", name)
}

func TestDecodeBodyFallbackSweep(t *testing.T) {
	// A lone high byte is invalid in UTF-8 and the CJK encodings; the
	// sweep lands on iso-8859-1 which decodes any byte
	text, name := DecodeBody([]byte{'a', 0xFF, 'b'}, "")
	assert.Equal(t, "iso-8859-1", name)
	assert.Equal(t, "aÿb", text)
}
