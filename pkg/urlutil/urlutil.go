package urlutil

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/cuemby/magpie/pkg/transport"
)

// maxURLLength rejects pathological inputs before they hit the transport
const maxURLLength = 2048

// imageExtensions are the file extensions treated as images
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".webp": true,
	".svg":  true,
	".ico":  true,
	".tiff": true,
	".tif":  true,
}

// imageURLPatterns match image-serving paths that hide the extension
// behind a handler, an API route or a CDN host
var imageURLPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)/images?/`),
	regexp.MustCompile(`(?i)/img/`),
	regexp.MustCompile(`(?i)/photos?/`),
	regexp.MustCompile(`(?i)/pictures?/`),
	regexp.MustCompile(`(?i)/gallery/`),
	regexp.MustCompile(`(?i)/media/.*\.(jpg|jpeg|png|gif|webp|bmp|tiff|tif|svg|ico)`),
	regexp.MustCompile(`(?i)/getcroppingimg/`),
	regexp.MustCompile(`(?i)/getimage/`),
	regexp.MustCompile(`(?i)/image/`),
	regexp.MustCompile(`(?i)/resize/`),
	regexp.MustCompile(`(?i)/crop/`),
	regexp.MustCompile(`(?i)/photo/`),
	regexp.MustCompile(`(?i)/picture/`),
	regexp.MustCompile(`(?i)/wallpaper/`),
	regexp.MustCompile(`(?i)/avatar/`),
	regexp.MustCompile(`(?i)/cover/`),
	regexp.MustCompile(`(?i)/banner/`),
	regexp.MustCompile(`(?i)/api/.*/(image|img|photo|picture)/`),
	regexp.MustCompile(`(?i)/v\d+/(image|img|photo|picture)/`),
	regexp.MustCompile(`(?i)\.cloudfront\.net/`),
	regexp.MustCompile(`(?i)\.amazonaws\.com/.*\.(jpg|jpeg|png|gif|webp|bmp)`),
	regexp.MustCompile(`(?i)\.qiniudn\.com/`),
	regexp.MustCompile(`(?i)\.aliyuncs\.com/`),
}

// excludePatterns filter out assets, ads and thumbnails. They win over
// both the extension check and the dynamic patterns.
var excludePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\.(css|js|xml|txt|pdf|docx?|xlsx?|zip|rar)(\?.*)?$`),
	regexp.MustCompile(`(?i)/ads?/`),
	regexp.MustCompile(`(?i)/advertisement/`),
	regexp.MustCompile(`(?i)\b(thumb|thumbnail|icon|favicon)\b`),
	regexp.MustCompile(`(?i)^data:image/`),
	regexp.MustCompile(`(?i)^javascript:`),
	regexp.MustCompile(`(?i)^mailto:`),
	regexp.MustCompile(`(?i)^tel:`),
}

// dynamicKeywords flag URLs worth a HEAD probe when the static patterns
// give no verdict
var dynamicKeywords = []string{
	"image", "img", "photo", "picture", "wallpaper", "avatar",
	"cover", "banner", "thumbnail", "thumb", "crop", "resize",
	"getcroppingimg", "getimage",
}

var (
	apiVersionRe = regexp.MustCompile(`/v\d+/`)
	longIDRe     = regexp.MustCompile(`/\d{8,}`)
)

// keepQueryParams survive CleanURL; everything else is tracking noise
var keepQueryParams = map[string]bool{
	"id": true, "size": true, "width": true,
	"height": true, "quality": true, "format": true,
}

// IsValid reports whether raw is an absolute http(s) URL with a host
func IsValid(raw string) bool {
	if len(raw) >= maxURLLength {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Normalize strips fragments, lowercases scheme and host, removes default
// ports and drops a trailing slash on the root path. Scheme-less input is
// forced onto https. Normalizing twice yields the same value.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	} else if u, err := url.Parse(raw); err == nil && u.Scheme == "" {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("failed to parse url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}

	u.Fragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if (u.Scheme == "http" && u.Port() == "80") ||
		(u.Scheme == "https" && u.Port() == "443") {
		u.Host = u.Hostname()
	}
	if u.Path == "/" && u.RawQuery == "" {
		u.Path = ""
	}
	return u.String(), nil
}

// Resolve resolves ref against base, returning an absolute URL
func Resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("failed to parse base url: %w", err)
	}
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("failed to parse ref url: %w", err)
	}
	return b.ResolveReference(r).String(), nil
}

// SameDomain reports whether two URLs share a registrable host. A
// "www." prefix is ignored on either side.
func SameDomain(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return stripWWW(ua.Hostname()) == stripWWW(ub.Hostname())
}

func stripWWW(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}

// CleanURL drops every query parameter except the sizing and identity
// ones, so two scrapes of the same image under different tracking params
// dedupe to one URL
func CleanURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.RawQuery == "" {
		return raw
	}

	kept := url.Values{}
	for k, vs := range u.Query() {
		if keepQueryParams[strings.ToLower(k)] {
			kept[k] = vs
		}
	}
	u.RawQuery = kept.Encode()
	u.Fragment = ""
	return u.String()
}

// IsImage classifies a URL as an image by extension or by known dynamic
// image-serving patterns. Excluded patterns win over both.
func IsImage(raw string) bool {
	for _, p := range excludePatterns {
		if p.MatchString(raw) {
			return false
		}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if imageExtensions[strings.ToLower(path.Ext(u.Path))] {
		return true
	}
	for _, p := range imageURLPatterns {
		if p.MatchString(raw) {
			return true
		}
	}
	return false
}

// HeadClient issues HEAD requests; transport.Client satisfies it
type HeadClient interface {
	Head(ctx context.Context, rawURL string) (*transport.Response, error)
}

// IsImageDeep extends IsImage with a HEAD probe: a URL the static
// patterns miss but that looks like a dynamic image endpoint is
// classified by the served Content-Type
func IsImageDeep(ctx context.Context, client HeadClient, raw string) bool {
	if IsImage(raw) {
		return true
	}
	if !looksDynamic(raw) {
		return false
	}
	resp, err := client.Head(ctx, raw)
	if err != nil {
		return false
	}
	return strings.HasPrefix(strings.ToLower(resp.ContentType), "image/")
}

// looksDynamic reports whether a URL is worth a content-type probe:
// image keywords, API-style paths or a long numeric id
func looksDynamic(raw string) bool {
	lower := strings.ToLower(raw)
	for _, kw := range dynamicKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	if strings.Contains(lower, "/api/") || apiVersionRe.MatchString(raw) {
		return true
	}
	return longIDRe.MatchString(raw)
}

// HasImageExtension reports whether the URL path ends in a known image
// extension
func HasImageExtension(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return imageExtensions[strings.ToLower(path.Ext(u.Path))]
}

// ExtractFilename derives a filesystem-safe filename from an image URL.
// When the URL path carries no usable basename, a deterministic name is
// built from the URL's md5.
func ExtractFilename(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return hashedFilename(raw)
	}

	base := path.Base(u.Path)
	if base == "." || base == "/" || base == "" || !strings.Contains(base, ".") {
		return hashedFilename(raw)
	}

	// Query strings sometimes leak into scraped srcs
	if i := strings.IndexAny(base, "?&"); i >= 0 {
		base = base[:i]
	}
	base = sanitizeFilename(base)
	if base == "" || !imageExtensions[strings.ToLower(path.Ext(base))] {
		return hashedFilename(raw)
	}
	return base
}

func hashedFilename(raw string) string {
	sum := md5.Sum([]byte(raw))
	return "image_" + hex.EncodeToString(sum[:])[:8] + ".jpg"
}

func sanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "._")
}
