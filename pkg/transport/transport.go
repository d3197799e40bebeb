package transport

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cuemby/magpie/pkg/config"
	"github.com/cuemby/magpie/pkg/log"
	"github.com/cuemby/magpie/pkg/metrics"
)

// userAgents is the pool used when random user agents are enabled
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
}

// acceptLanguages rotate when header randomization is enabled
var acceptLanguages = []string{
	"en-US,en;q=0.9",
	"en-GB,en;q=0.8",
	"en-US,en;q=0.9,zh-CN;q=0.8",
	"zh-CN,zh;q=0.9,en;q=0.8",
}

// Response is a fully buffered fetch result
type Response struct {
	URL         string
	StatusCode  int
	Body        []byte
	ContentType string
	Header      http.Header
}

// Client is an HTTP client with anti-scraping countermeasures: user agent
// rotation, header randomization, proxy round-robin, a politeness delay
// gate and retries with exponential backoff.
type Client struct {
	cfg    config.AntiScrapingConfig
	client *http.Client

	limiter *rate.Limiter // fixed-delay gate, used when random_delay is off
	rng     *rand.Rand
	mu      sync.Mutex

	proxyIdx int
}

// NewClient builds a Client from the anti-scraping configuration
func NewClient(cfg config.AntiScrapingConfig) *Client {
	c := &Client{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.UseProxy && len(cfg.ProxyList) > 0 {
		transport.Proxy = c.nextProxy
	}
	c.client = &http.Client{
		Timeout:   cfg.RequestTimeoutDuration(),
		Transport: transport,
	}

	if !cfg.RandomDelay && cfg.MinDelay > 0 {
		// One request per min_delay seconds when jitter is disabled
		c.limiter = rate.NewLimiter(rate.Limit(1/cfg.MinDelay), 1)
	}
	return c
}

// nextProxy rotates through the configured proxy list per request
func (c *Client) nextProxy(_ *http.Request) (*url.URL, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw := c.cfg.ProxyList[c.proxyIdx%len(c.cfg.ProxyList)]
	c.proxyIdx++
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy %q: %w", raw, err)
	}
	return u, nil
}

// Fetch retrieves url with the configured countermeasures applied. Retries
// are attempted on transport errors, HTTP 429 and 5xx responses; 4xx
// responses other than 429 are returned without retrying.
func (c *Client) Fetch(ctx context.Context, rawURL string) (*Response, error) {
	return c.do(ctx, http.MethodGet, rawURL)
}

// Head issues a HEAD request under the same delay and retry policy. The
// returned Response carries headers only.
func (c *Client) Head(ctx context.Context, rawURL string) (*Response, error) {
	return c.do(ctx, http.MethodHead, rawURL)
}

func (c *Client) do(ctx context.Context, method, rawURL string) (*Response, error) {
	var lastErr error

	attempts := c.cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			metrics.HTTPRetries.Inc()
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			log.Logger.Debug().
				Str("url", rawURL).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("retrying request")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if err := c.waitDelay(ctx); err != nil {
			return nil, err
		}

		resp, retryable, err := c.doOnce(ctx, method, rawURL)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, fmt.Errorf("all %d attempts failed for %s: %w", attempts, rawURL, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, rawURL string) (*Response, bool, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to build request: %w", err)
	}
	c.applyHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body)
		return nil, true, fmt.Errorf("server returned %d for %s", resp.StatusCode, rawURL)
	}
	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, resp.Body)
		return nil, false, fmt.Errorf("request rejected with %d for %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("failed to read body: %w", err)
	}

	return &Response{
		URL:         rawURL,
		StatusCode:  resp.StatusCode,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		Header:      resp.Header,
	}, false, nil
}

// waitDelay blocks for the politeness delay before a request
func (c *Client) waitDelay(ctx context.Context) error {
	if c.cfg.RandomDelay && c.cfg.MaxDelay > 0 {
		c.mu.Lock()
		jitter := c.cfg.MinDelay + c.rng.Float64()*(c.cfg.MaxDelay-c.cfg.MinDelay)
		c.mu.Unlock()

		select {
		case <-time.After(time.Duration(jitter * float64(time.Second))):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.limiter != nil {
		return c.limiter.Wait(ctx)
	}
	return nil
}

func (c *Client) applyHeaders(req *http.Request) {
	ua := userAgents[0]
	if c.cfg.UseRandomUserAgent {
		c.mu.Lock()
		ua = userAgents[c.rng.Intn(len(userAgents))]
		c.mu.Unlock()
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", acceptLanguages[0])
	req.Header.Set("Connection", "keep-alive")
	// Same-origin referer; hotlink checks reject requests without one
	req.Header.Set("Referer", req.URL.Scheme+"://"+req.URL.Host+"/")

	if c.cfg.RandomizeHeaders {
		c.mu.Lock()
		req.Header.Set("Accept-Language", acceptLanguages[c.rng.Intn(len(acceptLanguages))])
		if c.rng.Intn(2) == 0 {
			req.Header.Set("DNT", "1")
		}
		c.mu.Unlock()
		req.Header.Set("Cache-Control", "no-cache")
	}
}
