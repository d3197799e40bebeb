package downloader

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/cuemby/magpie/pkg/log"
	"github.com/cuemby/magpie/pkg/metrics"
	"github.com/cuemby/magpie/pkg/state"
	"github.com/cuemby/magpie/pkg/transport"
	"github.com/cuemby/magpie/pkg/urlutil"
)

const (
	// minImageBytes rejects tracking pixels and error stubs
	minImageBytes = 100
	// minDimension rejects decorative fragments
	minDimension = 10
)

// contentTypeExt maps response content types to file extensions
var contentTypeExt = map[string]string{
	"image/jpeg":    ".jpg",
	"image/jpg":     ".jpg",
	"image/png":     ".png",
	"image/gif":     ".gif",
	"image/webp":    ".webp",
	"image/bmp":     ".bmp",
	"image/tiff":    ".tiff",
	"image/svg+xml": ".svg",
	"image/x-icon":  ".ico",
}

// Result describes one completed download
type Result struct {
	URL       string
	Filename  string
	Path      string
	Size      int64
	Width     int
	Height    int
	Format    string
	MD5       string
	Duplicate bool // content already stored under another filename
}

// Downloader fetches, validates and stores images. Content dedup uses an
// md5 index so the same bytes served from two URLs are stored once.
type Downloader struct {
	client *transport.Client
	store  *state.Store
	dir    string
}

// New creates a Downloader writing into dir
func New(client *transport.Client, store *state.Store, dir string) (*Downloader, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create download dir: %w", err)
	}
	return &Downloader{client: client, store: store, dir: dir}, nil
}

// Download fetches url, validates the bytes as a usable image and writes
// them to disk. Returns the stored filename, or an error for anything too
// small, undecodable or dimensionally trivial. SVG bypasses pixel
// validation since it carries no raster dimensions.
func (d *Downloader) Download(ctx context.Context, rawURL string) (*Result, error) {
	timer := metrics.NewTimer(metrics.DownloadDuration)
	defer timer.ObserveDuration()

	// A file already stored under the URL-derived name that still
	// validates is not fetched again
	if res, ok := d.existing(rawURL, urlutil.ExtractFilename(rawURL)); ok {
		metrics.ImagesDownloaded.WithLabelValues("cached").Inc()
		return res, nil
	}

	resp, err := d.client.Fetch(ctx, rawURL)
	if err != nil {
		metrics.ImagesDownloaded.WithLabelValues("fetch_error").Inc()
		return nil, err
	}

	res, err := d.store0(rawURL, resp)
	if err != nil {
		metrics.ImagesDownloaded.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if res.Duplicate {
		metrics.ImagesDownloaded.WithLabelValues("duplicate").Inc()
	} else {
		metrics.ImagesDownloaded.WithLabelValues("ok").Inc()
	}
	return res, nil
}

func (d *Downloader) store0(rawURL string, resp *transport.Response) (*Result, error) {
	body := resp.Body
	ctype := strings.ToLower(strings.TrimSpace(strings.Split(resp.ContentType, ";")[0]))
	isSVG := ctype == "image/svg+xml" || strings.HasSuffix(strings.ToLower(rawURL), ".svg")

	width, height, format, err := validateImage(body, isSVG)
	if err != nil {
		return nil, err
	}

	filename := d.filenameFor(rawURL, ctype)
	// The content-type corrected name may already be on disk
	if res, ok := d.existing(rawURL, filename); ok {
		return res, nil
	}

	sum := md5.Sum(body)
	md5sum := hex.EncodeToString(sum[:])
	seen, existing, err := d.store.SeenHash(md5sum, filename)
	if err != nil {
		return nil, fmt.Errorf("hash index: %w", err)
	}
	if seen {
		// Same bytes already on disk under a different URL
		if err := d.store.PutFilename(rawURL, existing); err != nil {
			return nil, err
		}
		return &Result{
			URL: rawURL, Filename: existing, Path: filepath.Join(d.dir, existing),
			Size: int64(len(body)), Width: width, Height: height,
			Format: format, MD5: md5sum, Duplicate: true,
		}, nil
	}

	path := filepath.Join(d.dir, filename)
	if err := d.writeAtomic(path, body); err != nil {
		return nil, err
	}
	if err := d.store.PutFilename(rawURL, filename); err != nil {
		return nil, err
	}

	log.Logger.Debug().
		Str("url", rawURL).
		Str("file", filename).
		Int("bytes", len(body)).
		Msg("image stored")

	return &Result{
		URL: rawURL, Filename: filename, Path: path,
		Size: int64(len(body)), Width: width, Height: height,
		Format: format, MD5: md5sum,
	}, nil
}

// validateImage applies the size and dimension floors. SVG skips the
// raster decode.
func validateImage(body []byte, isSVG bool) (int, int, string, error) {
	if len(body) < minImageBytes {
		return 0, 0, "", fmt.Errorf("image too small: %d bytes", len(body))
	}
	if isSVG {
		return 0, 0, "svg", nil
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(body))
	if err != nil {
		return 0, 0, "", fmt.Errorf("not a decodable image: %w", err)
	}
	if cfg.Width < minDimension || cfg.Height < minDimension {
		return 0, 0, "", fmt.Errorf("image dimensions too small: %dx%d", cfg.Width, cfg.Height)
	}
	return cfg.Width, cfg.Height, format, nil
}

// existing reuses a file already stored under filename when it still
// passes validation, recording the URL mapping
func (d *Downloader) existing(rawURL, filename string) (*Result, bool) {
	path := filepath.Join(d.dir, filename)
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	isSVG := strings.EqualFold(filepath.Ext(filename), ".svg")
	width, height, format, err := validateImage(body, isSVG)
	if err != nil {
		return nil, false
	}
	if err := d.store.PutFilename(rawURL, filename); err != nil {
		return nil, false
	}

	sum := md5.Sum(body)
	log.Logger.Debug().
		Str("url", rawURL).
		Str("file", filename).
		Msg("existing file reused")
	return &Result{
		URL: rawURL, Filename: filename, Path: path,
		Size: int64(len(body)), Width: width, Height: height,
		Format: format, MD5: hex.EncodeToString(sum[:]),
	}, true
}

// writeAtomic stages the payload in a temp file and renames it into
// place, so a crash mid-write never leaves a truncated image under the
// final name
func (d *Downloader) writeAtomic(path string, body []byte) error {
	tmp, err := os.CreateTemp(d.dir, ".magpie-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write image: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to store image: %w", err)
	}
	return nil
}

// filenameFor derives the stored filename, correcting the extension to
// match the served content type when they disagree
func (d *Downloader) filenameFor(rawURL, ctype string) string {
	name := urlutil.ExtractFilename(rawURL)

	if ext, ok := contentTypeExt[ctype]; ok {
		cur := strings.ToLower(filepath.Ext(name))
		if cur != ext && !(cur == ".jpeg" && ext == ".jpg") {
			name = strings.TrimSuffix(name, filepath.Ext(name)) + ext
		}
	}
	return name
}
