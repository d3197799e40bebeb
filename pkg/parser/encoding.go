package parser

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/unicode"
)

// metaSniffLen bounds how far into the document declarations are searched
const metaSniffLen = 2048

var (
	charsetRe  = regexp.MustCompile(`(?i)<meta[^>]+charset\s*=\s*["']?\s*([a-zA-Z0-9_\-]+)`)
	xmlDeclRe  = regexp.MustCompile(`(?i)<\?xml[^>]+encoding\s*=\s*["']([a-zA-Z0-9_\-]+)["']`)
	headerCsRe = regexp.MustCompile(`(?i)charset\s*=\s*["']?\s*([a-zA-Z0-9_\-]+)`)
)

// fallbackEncodings is the sweep order when nothing declares a charset and
// the bytes are not valid UTF-8
var fallbackEncodings = []string{"utf-8", "gbk", "gb2312", "big5", "iso-8859-1", "windows-1252"}

// DecodeBody converts a fetched document to UTF-8. Detection order:
// Content-Type charset, byte order mark, meta/xml declaration within the
// first 2 KiB, a GBK byte signature probe, strict UTF-8 validation, then a
// sweep of common encodings. Every strategy must decode without
// substitutions to win; a Content-Type charset that contradicts the bytes
// is rejected rather than silently corrupting the text. As a last resort
// the bytes are reinterpreted as UTF-8 with replacement runes.
func DecodeBody(body []byte, contentType string) (string, string) {
	if name := headerCharset(contentType); name != "" {
		if s, err := decodeAs(body, name); err == nil {
			return s, name
		}
	}

	if enc, name := bomEncoding(body); enc != nil {
		if s, err := decodeWith(body, enc); err == nil {
			return s, name
		}
	}

	if name := declaredCharset(body); name != "" {
		if s, err := decodeAs(body, name); err == nil {
			return s, name
		}
	}

	if looksLikeGBK(body) {
		if s, err := decodeWith(body, simplifiedchinese.GBK); err == nil {
			return s, "gbk"
		}
	}

	if utf8.Valid(body) {
		return string(body), "utf-8"
	}

	for _, name := range fallbackEncodings {
		if s, err := decodeAs(body, name); err == nil {
			return s, name
		}
	}

	// Lossy last resort
	return strings.ToValidUTF8(string(body), string(utf8.RuneError)), "utf-8"
}

func headerCharset(contentType string) string {
	m := headerCsRe.FindStringSubmatch(contentType)
	if m == nil {
		return ""
	}
	return strings.ToLower(m[1])
}

func bomEncoding(body []byte) (encoding.Encoding, string) {
	switch {
	case bytes.HasPrefix(body, []byte{0xEF, 0xBB, 0xBF}):
		return unicode.UTF8BOM, "utf-8-sig"
	case bytes.HasPrefix(body, []byte{0xFF, 0xFE}):
		return unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM), "utf-16-le"
	case bytes.HasPrefix(body, []byte{0xFE, 0xFF}):
		return unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM), "utf-16-be"
	}
	return nil, ""
}

func declaredCharset(body []byte) string {
	head := body
	if len(head) > metaSniffLen {
		head = head[:metaSniffLen]
	}
	if m := charsetRe.FindSubmatch(head); m != nil {
		return strings.ToLower(string(m[1]))
	}
	if m := xmlDeclRe.FindSubmatch(head); m != nil {
		return strings.ToLower(string(m[1]))
	}
	return ""
}

// looksLikeGBK probes for the GBK two-byte pattern: a lead byte in
// 0x81..0xFE followed by a trail byte in 0x40..0xFE excluding 0x7F, with
// enough such pairs and no valid UTF-8 interpretation.
func looksLikeGBK(body []byte) bool {
	if utf8.Valid(body) {
		return false
	}
	pairs, highs := 0, 0
	for i := 0; i < len(body)-1; i++ {
		b := body[i]
		if b < 0x81 {
			continue
		}
		highs++
		next := body[i+1]
		if b <= 0xFE && next >= 0x40 && next <= 0xFE && next != 0x7F {
			pairs++
			i++
		}
	}
	return highs > 0 && pairs*2 >= highs
}

func decodeAs(body []byte, name string) (string, error) {
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil || enc == nil {
		// Try the HTML-flavored lookup for aliases the IANA index misses
		if e, _ := charset.Lookup(name); e != nil {
			enc = e
		} else {
			return "", fmt.Errorf("unknown charset %q", name)
		}
	}
	return decodeWith(body, enc)
}

func decodeWith(body []byte, enc encoding.Encoding) (string, error) {
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return "", fmt.Errorf("decode failed: %w", err)
	}
	if !utf8.Valid(out) {
		return "", fmt.Errorf("decoded bytes are not valid utf-8")
	}
	// x/text decoders substitute U+FFFD instead of failing. A decode that
	// introduced replacement runes did not really succeed, so a wrong
	// declared charset falls through to the next detection strategy.
	if bytes.ContainsRune(out, utf8.RuneError) && !bytes.Contains(body, []byte(string(utf8.RuneError))) {
		return "", fmt.Errorf("charset produced replacement runes")
	}
	return string(out), nil
}
