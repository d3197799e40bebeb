package parser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/cuemby/magpie/pkg/urlutil"
)

// lazyAttrs are the attributes probed on image-bearing elements, in
// priority order. Lazy-loading libraries stash the real source in the
// data-* attributes and leave a placeholder in src, so src is probed last.
var lazyAttrs = []string{
	"data-original",
	"data-src",
	"data-lazy-src",
	"data-lazy",
	"data-url",
	"data-img",
	"data-image",
	"data-large",
	"data-full",
	"data-hd",
	"data-hi-res",
	"data-zoom",
	"data-thumb",
	"data-preview",
	"srcset",
	"src",
}

var backgroundImageRe = regexp.MustCompile(`background(?:-image)?\s*:\s*url\(\s*['"]?([^'")]+)['"]?\s*\)`)

// Page is the result of parsing one HTML document
type Page struct {
	URL      string
	Title    string
	Encoding string
	Images   []string // absolute image URLs, deduplicated, document order
	Links    []string // absolute same-scheme links for the crawl frontier
}

// Parse decodes body to UTF-8 and extracts images and links. Image sources
// are collected from <img> tags (including lazy-loading attributes and
// srcset), <source> elements, anchors pointing at image files and inline
// background-image styles. All URLs are resolved against pageURL and
// normalized.
func Parse(pageURL string, body []byte, contentType string) (*Page, error) {
	text, encName := DecodeBody(body, contentType)

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}

	page := &Page{
		URL:      pageURL,
		Title:    strings.TrimSpace(doc.Find("title").First().Text()),
		Encoding: encName,
	}

	seenImg := map[string]bool{}
	addImage := func(raw string) bool {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return false
		}
		abs, err := urlutil.Resolve(pageURL, raw)
		if err != nil || !urlutil.IsValid(abs) {
			return false
		}
		norm, err := urlutil.Normalize(abs)
		if err != nil {
			return false
		}
		if !urlutil.IsImage(norm) {
			return false
		}
		if !seenImg[norm] {
			seenImg[norm] = true
			page.Images = append(page.Images, norm)
		}
		return true
	}

	// extract probes the lazy attributes in priority order and stops at
	// the first one yielding an image. srcset contributes every candidate
	// without ending the scan, so a trailing src is still considered.
	extract := func(_ int, s *goquery.Selection) {
		for _, attr := range lazyAttrs {
			v, ok := s.Attr(attr)
			if !ok || strings.TrimSpace(v) == "" {
				continue
			}
			if attr == "srcset" {
				for _, cand := range parseSrcset(v) {
					addImage(cand)
				}
				continue
			}
			if addImage(v) {
				break
			}
		}
	}

	doc.Find("img").Each(extract)
	doc.Find("div[data-original], span[data-original], a[data-original]").Each(extract)

	doc.Find("source").Each(func(_ int, s *goquery.Selection) {
		if v, ok := s.Attr("srcset"); ok {
			for _, cand := range parseSrcset(v) {
				addImage(cand)
			}
		}
		if v, ok := s.Attr("src"); ok {
			addImage(v)
		}
	})

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if urlutil.IsImage(href) {
			addImage(href)
		}
	})

	doc.Find("[style]").Each(func(_ int, s *goquery.Selection) {
		style, _ := s.Attr("style")
		for _, m := range backgroundImageRe.FindAllStringSubmatch(style, -1) {
			addImage(m[1])
		}
	})

	seenLink := map[string]bool{}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") ||
			strings.HasPrefix(strings.ToLower(href), "javascript:") ||
			strings.HasPrefix(strings.ToLower(href), "mailto:") {
			return
		}
		abs, err := urlutil.Resolve(pageURL, href)
		if err != nil || !urlutil.IsValid(abs) {
			return
		}
		norm, err := urlutil.Normalize(abs)
		if err != nil || seenLink[norm] || seenImg[norm] {
			return
		}
		seenLink[norm] = true
		page.Links = append(page.Links, norm)
	})

	return page, nil
}

// parseSrcset splits a srcset value into its candidate URLs
func parseSrcset(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		fields := strings.Fields(strings.TrimSpace(part))
		if len(fields) > 0 {
			out = append(out, fields[0])
		}
	}
	return out
}
