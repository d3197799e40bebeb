package crawler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/magpie/pkg/config"
	"github.com/cuemby/magpie/pkg/downloader"
	"github.com/cuemby/magpie/pkg/events"
	"github.com/cuemby/magpie/pkg/log"
	"github.com/cuemby/magpie/pkg/metrics"
	"github.com/cuemby/magpie/pkg/parser"
	"github.com/cuemby/magpie/pkg/state"
	"github.com/cuemby/magpie/pkg/transport"
	"github.com/cuemby/magpie/pkg/types"
	"github.com/cuemby/magpie/pkg/urlutil"
)

// queueIdleTimeout is how long a worker waits on an empty queue before
// concluding the crawl has drained
var queueIdleTimeout = 5 * time.Second

const (
	// maxPageWorkers caps the page pool regardless of max_concurrent
	maxPageWorkers = 5
	// maxTaskRetries is the per-task requeue budget after a failure,
	// on top of the transport-level retries
	maxTaskRetries = 2
	// checkpointEvery bounds checkpoint write frequency
	checkpointEvery = 10 * time.Second
)

// Engine runs crawl sessions: a page worker pool feeding a download worker
// pool through two priority queues
type Engine struct {
	cfg    config.CrawlerConfig
	client *transport.Client
	dl     *downloader.Downloader
	store  *state.Store
	broker *events.Broker
}

// New creates a crawl engine
func New(cfg config.CrawlerConfig, client *transport.Client, dl *downloader.Downloader, store *state.Store, broker *events.Broker) *Engine {
	return &Engine{cfg: cfg, client: client, dl: dl, store: store, broker: broker}
}

// crawl is the per-session state
type crawl struct {
	engine    *Engine
	sessionID string
	target    string

	crawlQ    *queue
	downloadQ *queue

	// pending counts enqueued-but-unfinished tasks across both queues.
	// Workers only exit once it reaches zero, so an idle pool cannot die
	// while a sibling is still fetching pages or images.
	pending atomic.Int64

	mu         sync.Mutex
	visited    map[string]bool
	found      map[string]bool
	downloaded []string
	failed     []string
	urlToFile  map[string]string
	stats      types.CrawlStats
}

// Crawl runs a full session against target and blocks until the queues
// drain or ctx is cancelled. The returned result is complete even when the
// session was interrupted.
func (e *Engine) Crawl(ctx context.Context, target string) (*types.CrawlResult, error) {
	return e.Run(ctx, target, uuid.New().String())
}

// Run is Crawl under a caller-supplied session id, so the control plane
// can hand the id out before the session finishes
func (e *Engine) Run(ctx context.Context, target, sessionID string) (*types.CrawlResult, error) {
	norm, err := urlutil.Normalize(target)
	if err != nil {
		return nil, fmt.Errorf("invalid target url: %w", err)
	}
	if !urlutil.IsValid(norm) {
		return nil, fmt.Errorf("target %q is not an http(s) url", target)
	}

	c := &crawl{
		engine:    e,
		sessionID: sessionID,
		target:    norm,
		crawlQ:    newQueue(),
		downloadQ: newQueue(),
		visited:   make(map[string]bool),
		found:     make(map[string]bool),
		urlToFile: make(map[string]string),
	}
	c.stats.StartTime = time.Now()
	c.enqueuePage(norm, 0)

	logger := log.WithSession(c.sessionID)
	logger.Info().Str("target", norm).Int("max_concurrent", e.cfg.MaxConcurrent).Msg("crawl started")
	e.broker.Publish(&events.Event{
		Type:     events.EventCrawlStarted,
		Message:  "crawl started",
		Metadata: map[string]string{"session_id": c.sessionID, "target": norm},
	})
	c.checkpoint(types.CrawlRunning)

	pageWorkers := e.cfg.MaxConcurrent
	if pageWorkers > maxPageWorkers {
		pageWorkers = maxPageWorkers
	}
	if pageWorkers < 1 {
		pageWorkers = 1
	}
	dlWorkers := e.cfg.MaxConcurrent
	if dlWorkers < 1 {
		dlWorkers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < pageWorkers; i++ {
		worker := fmt.Sprintf("page-%d", i)
		g.Go(func() error { return c.pageWorker(gctx, worker) })
	}
	for i := 0; i < dlWorkers; i++ {
		worker := fmt.Sprintf("download-%d", i)
		g.Go(func() error { return c.downloadWorker(gctx, worker) })
	}

	// Periodic checkpoint and queue gauges while workers run
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(checkpointEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.checkpoint(types.CrawlRunning)
				metrics.CrawlQueueSize.WithLabelValues("crawl").Set(float64(c.crawlQ.Len()))
				metrics.CrawlQueueSize.WithLabelValues("download").Set(float64(c.downloadQ.Len()))
			case <-done:
				return
			}
		}
	}()

	werr := g.Wait()
	close(done)

	result := c.result(werr, ctx.Err())
	status := types.CrawlCompleted
	if !result.Success {
		status = types.CrawlFailed
	}
	c.checkpoint(status)

	evType := events.EventCrawlCompleted
	if !result.Success {
		evType = events.EventCrawlFailed
	}
	e.broker.Publish(&events.Event{
		Type:    evType,
		Message: result.Summary,
		Metadata: map[string]string{
			"session_id": c.sessionID,
			"target":     norm,
		},
	})
	logger.Info().
		Int("pages", result.Stats.PagesCrawled).
		Int("downloaded", result.Stats.ImagesDownloaded).
		Int("failed", result.Stats.ImagesFailed).
		Dur("duration", result.Duration).
		Msg("crawl finished")

	if werr != nil && ctx.Err() == nil {
		return result, werr
	}
	return result, nil
}

// enqueuePage adds a page task and claims it in the pending count
func (c *crawl) enqueuePage(url string, depth int) {
	c.pending.Add(1)
	c.crawlQ.Push(url, depth, depth)
}

// enqueueImage adds a download task and claims it in the pending count
func (c *crawl) enqueueImage(url string, depth int) {
	c.pending.Add(1)
	c.downloadQ.Push(url, depth, depth)
}

// requeue puts a failed task back on its queue. The pending count carries
// over from the failed attempt.
func (c *crawl) requeue(q *queue, it *item) {
	c.pending.Add(1)
	q.Retry(it)
}

func (c *crawl) taskDone() {
	c.pending.Add(-1)
}

// drained is the worker stop predicate: both queues empty and nothing in
// flight anywhere in the pool
func (c *crawl) drained() bool {
	return c.pending.Load() == 0
}

func (c *crawl) pageWorker(ctx context.Context, name string) error {
	logger := log.WithWorker(name)
	for {
		it, ok := c.crawlQ.Pop(ctx, queueIdleTimeout)
		if !ok {
			if err := ctx.Err(); err != nil {
				return err
			}
			if c.drained() {
				return nil
			}
			// A sibling still holds work that may feed this queue
			continue
		}
		c.processPage(ctx, logger, it)
		c.taskDone()
	}
}

func (c *crawl) processPage(ctx context.Context, logger zerolog.Logger, it *item) {
	if !c.claimPage(it.url) {
		return
	}

	resp, err := c.engine.client.Fetch(ctx, it.url)
	if err != nil {
		logger.Debug().Str("url", it.url).Int("retries", it.retries).Err(err).Msg("page fetch failed")
		if it.retries < maxTaskRetries && ctx.Err() == nil {
			c.unclaimPage(it.url)
			c.requeue(c.crawlQ, it)
			return
		}
		c.recordPageFailure(it.url)
		return
	}
	page, err := parser.Parse(it.url, resp.Body, resp.ContentType)
	if err != nil {
		// Broken markup stays broken; parse failures are not retried
		c.recordPageFailure(it.url)
		return
	}

	c.recordPage()
	metrics.PagesCrawled.Inc()

	for _, img := range page.Images {
		if c.claimImage(img) {
			metrics.ImagesFound.Inc()
			c.enqueueImage(img, it.depth)
		}
	}

	if it.depth >= c.engine.cfg.MaxDepth {
		return
	}
	for _, link := range page.Links {
		if !urlutil.SameDomain(c.target, link) {
			continue
		}
		if c.shouldEnqueuePage(link) {
			c.enqueuePage(link, it.depth+1)
		}
	}
}

func (c *crawl) downloadWorker(ctx context.Context, name string) error {
	logger := log.WithWorker(name)
	for {
		it, ok := c.downloadQ.Pop(ctx, queueIdleTimeout)
		if !ok {
			if err := ctx.Err(); err != nil {
				return err
			}
			if c.drained() {
				return nil
			}
			continue
		}
		c.processDownload(ctx, logger, it)
		c.taskDone()
	}
}

func (c *crawl) processDownload(ctx context.Context, logger zerolog.Logger, it *item) {
	res, err := c.engine.dl.Download(ctx, it.url)
	if err != nil {
		logger.Debug().Str("url", it.url).Int("retries", it.retries).Err(err).Msg("download failed")
		if it.retries < maxTaskRetries && ctx.Err() == nil {
			c.requeue(c.downloadQ, it)
			return
		}
		c.recordDownloadFailure(it.url)
		c.engine.broker.Publish(&events.Event{
			Type:     events.EventImageFailed,
			Message:  err.Error(),
			Metadata: map[string]string{"session_id": c.sessionID, "url": it.url},
		})
		return
	}

	c.recordDownload(it.url, res.Filename)
	c.engine.broker.Publish(&events.Event{
		Type:     events.EventImageDownloaded,
		Message:  res.Filename,
		Metadata: map[string]string{"session_id": c.sessionID, "url": it.url},
	})
}

// claimPage marks url visited, refusing when already seen or the page
// budget is spent
func (c *crawl) claimPage(url string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.visited[url] || len(c.visited) >= c.engine.cfg.MaxPages {
		return false
	}
	c.visited[url] = true
	return true
}

// unclaimPage releases a visited claim so a requeued task can run again
func (c *crawl) unclaimPage(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.visited, url)
}

func (c *crawl) shouldEnqueuePage(url string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.visited[url] && len(c.visited) < c.engine.cfg.MaxPages
}

// claimImage marks an image URL found, refusing duplicates and anything
// past the image budget
func (c *crawl) claimImage(url string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.found[url] || len(c.found) >= c.engine.cfg.MaxImages {
		return false
	}
	c.found[url] = true
	c.stats.ImagesFound++
	return true
}

func (c *crawl) recordPage() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.PagesCrawled++
}

func (c *crawl) recordPageFailure(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = append(c.failed, url)
	c.stats.FailedURLs++
}

func (c *crawl) recordDownload(url, filename string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.downloaded = append(c.downloaded, url)
	c.urlToFile[url] = filename
	c.stats.ImagesDownloaded++
}

func (c *crawl) recordDownloadFailure(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = append(c.failed, url)
	c.stats.ImagesFailed++
}

func (c *crawl) checkpoint(status types.CrawlStatus) {
	c.mu.Lock()
	stats := c.stats
	stats.VisitedURLs = len(c.visited)
	stats.CrawlQueueSize = c.crawlQ.Len()
	stats.DownloadQueueSize = c.downloadQ.Len()
	c.mu.Unlock()

	err := c.engine.store.SaveCheckpoint(&state.Checkpoint{
		SessionID: c.sessionID,
		TargetURL: c.target,
		Status:    status,
		Stats:     stats,
	})
	if err != nil {
		log.Logger.Warn().Err(err).Msg("failed to persist crawl checkpoint")
	}
}

// result assembles the final report
func (c *crawl) result(workerErr, ctxErr error) *types.CrawlResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.EndTime = time.Now()
	c.stats.VisitedURLs = len(c.visited)
	c.stats.CrawlQueueSize = c.crawlQ.Len()
	c.stats.DownloadQueueSize = c.downloadQ.Len()

	duration := c.stats.EndTime.Sub(c.stats.StartTime)
	secs := duration.Seconds()
	if secs <= 0 {
		secs = 1
	}

	found := make([]string, 0, len(c.found))
	for u := range c.found {
		found = append(found, u)
	}

	attempted := c.stats.ImagesDownloaded + c.stats.ImagesFailed
	rate := 1.0
	if attempted > 0 {
		rate = float64(c.stats.ImagesDownloaded) / float64(attempted)
	}

	res := &types.CrawlResult{
		Success:         workerErr == nil && ctxErr == nil,
		Stats:           c.stats,
		Duration:        duration,
		PagesPerSecond:  float64(c.stats.PagesCrawled) / secs,
		ImagesPerSecond: float64(c.stats.ImagesDownloaded) / secs,
		SuccessRate:     rate,
		Images:          found,
		Downloaded:      append([]string(nil), c.downloaded...),
		FailedURLs:      append([]string(nil), c.failed...),
		URLToFilename:   copyMap(c.urlToFile),
	}
	if workerErr != nil {
		res.Error = workerErr.Error()
	} else if ctxErr != nil {
		res.Error = ctxErr.Error()
	}
	res.Summary = fmt.Sprintf("crawled %d pages, found %d images, downloaded %d (%.0f%% success) in %s",
		c.stats.PagesCrawled, c.stats.ImagesFound, c.stats.ImagesDownloaded, rate*100, duration.Round(time.Millisecond))
	return res
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
