package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/magpie/pkg/cluster"
	"github.com/cuemby/magpie/pkg/config"
	"github.com/cuemby/magpie/pkg/events"
	"github.com/cuemby/magpie/pkg/replication"
	"github.com/cuemby/magpie/pkg/session"
	"github.com/cuemby/magpie/pkg/state"
	"github.com/cuemby/magpie/pkg/types"
)

type fakeCrawler struct {
	block chan struct{}
	res   *types.CrawlResult
}

func (f *fakeCrawler) Run(ctx context.Context, target, sessionID string) (*types.CrawlResult, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}
	if f.res != nil {
		return f.res, nil
	}
	return &types.CrawlResult{Success: true, URLToFilename: map[string]string{}}, nil
}

type fakePools struct {
	dbs map[string]*sqlx.DB
}

func (f *fakePools) For(name string) (*sqlx.DB, error) {
	db, ok := f.dbs[name]
	if !ok {
		return nil, fmt.Errorf("no pool for %q", name)
	}
	return db, nil
}

type fakeProber struct{}

func (fakeProber) Ping(context.Context, *types.Node) (time.Duration, error) { return 0, nil }

func (fakeProber) Lag(context.Context, *types.Node, *types.Node) (float64, error) { return 0, nil }

type fixture struct {
	ts       *httptest.Server
	crawler  *fakeCrawler
	registry *cluster.Registry
	repl     *replication.Manager
	broker   *events.Broker
	mock     sqlmock.Sqlmock
}

func newFixture(t *testing.T, primaryHealth types.HealthState) *fixture {
	t.Helper()

	registry, err := cluster.NewRegistry([]*types.Node{
		{Name: "alpha", Role: types.NodeRolePrimary, Priority: 1, Health: primaryHealth},
	}, "alpha")
	require.NoError(t, err)

	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	pools := &fakePools{dbs: map[string]*sqlx.DB{"alpha": sqlx.NewDb(raw, "postgres")}}

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	store, err := state.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	repl := replication.NewManager(
		config.SyncConfig{MaxQueueSize: 100, SyncTables: []string{"images"}, AutoSyncEnabled: true},
		registry, pools, replication.NewDirectDeliverer(pools), broker)
	sessions := session.NewSessions(registry, pools, repl)
	monitor := cluster.NewMonitor(registry, fakeProber{}, broker, config.FailoverConfig{FailureThreshold: 3})

	fc := &fakeCrawler{}
	srv := NewServer(0, fc, store, sessions, registry, monitor, repl, broker)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &fixture{ts: ts, crawler: fc, registry: registry, repl: repl, broker: broker, mock: mock}
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, dest any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dest))
}

func TestCrawlLifecycle(t *testing.T) {
	// Primary offline: completed results stay in the local checkpoint only
	f := newFixture(t, types.HealthOffline)
	f.crawler.block = make(chan struct{})

	resp := doJSON(t, http.MethodPost, f.ts.URL+"/crawl", map[string]string{"url": "http://example.com"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var started map[string]string
	decode(t, resp, &started)
	assert.NotEmpty(t, started["session_id"])

	// Only one session at a time
	resp = doJSON(t, http.MethodPost, f.ts.URL+"/crawl", map[string]string{"url": "http://example.org"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	var status map[string]any
	resp = doJSON(t, http.MethodGet, f.ts.URL+"/crawl/status", nil)
	decode(t, resp, &status)
	assert.Equal(t, started["session_id"], status["session_id"])
	assert.Equal(t, string(types.CrawlRunning), status["status"])

	resp = doJSON(t, http.MethodPost, f.ts.URL+"/crawl/stop", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	require.Eventually(t, func() bool {
		var st map[string]any
		r := doJSON(t, http.MethodGet, f.ts.URL+"/crawl/status", nil)
		decode(t, r, &st)
		return st["status"] != string(types.CrawlRunning)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCrawlStartRequiresURL(t *testing.T) {
	f := newFixture(t, types.HealthHealthy)
	resp := doJSON(t, http.MethodPost, f.ts.URL+"/crawl", map[string]string{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCrawlStatusIdle(t *testing.T) {
	f := newFixture(t, types.HealthHealthy)
	var status map[string]any
	resp := doJSON(t, http.MethodGet, f.ts.URL+"/crawl/status", nil)
	decode(t, resp, &status)
	assert.Equal(t, "idle", status["status"])
}

func TestListImages(t *testing.T) {
	f := newFixture(t, types.HealthHealthy)

	f.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM images`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	f.mock.ExpectQuery(`SELECT \* FROM images ORDER BY id DESC LIMIT 50 OFFSET 0`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "url", "source_url", "filename", "file_extension", "is_downloaded", "status"}).
			AddRow(2, "http://example.com/b.png", "http://example.com", "b.png", ".png", true, "active").
			AddRow(1, "http://example.com/a.jpg", "http://example.com", "a.jpg", ".jpg", true, "active"))

	var out struct {
		Total  int              `json:"total"`
		Images []map[string]any `json:"images"`
	}
	resp := doJSON(t, http.MethodGet, f.ts.URL+"/images", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &out)
	assert.Equal(t, 2, out.Total)
	require.Len(t, out.Images, 2)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestListImagesByCategory(t *testing.T) {
	f := newFixture(t, types.HealthHealthy)

	f.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM images WHERE category_id = \$1`).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	f.mock.ExpectQuery(`SELECT \* FROM images WHERE category_id = \$1 ORDER BY id DESC`).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	resp := doJSON(t, http.MethodGet, f.ts.URL+"/images?category_id=3", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDeleteImagesInline(t *testing.T) {
	f := newFixture(t, types.HealthHealthy)

	f.mock.ExpectBegin()
	f.mock.ExpectExec(`DELETE FROM images WHERE id = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`DELETE FROM images WHERE id = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	var out map[string]int
	resp := doJSON(t, http.MethodDelete, f.ts.URL+"/images", map[string][]int64{"ids": {7, 9}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &out)
	assert.Equal(t, 2, out["deleted"])

	// Committed deletes land on the replication log
	assert.Equal(t, 2, f.repl.Queue().Size())
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDeleteImagesWithoutPrimary(t *testing.T) {
	f := newFixture(t, types.HealthOffline)

	var out map[string]string
	resp := doJSON(t, http.MethodDelete, f.ts.URL+"/images", map[string][]int64{"ids": {1}})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	decode(t, resp, &out)
	assert.Equal(t, "no_healthy_primary", out["error"])
}

func TestDeleteImagesLargeBatchRunsAsTask(t *testing.T) {
	f := newFixture(t, types.HealthHealthy)

	ids := make([]int64, 60)
	f.mock.ExpectBegin()
	for i := range ids {
		ids[i] = int64(i + 1)
		f.mock.ExpectExec(`DELETE FROM images WHERE id = \$1`).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	f.mock.ExpectCommit()

	var accepted map[string]string
	resp := doJSON(t, http.MethodDelete, f.ts.URL+"/images", map[string][]int64{"ids": ids})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	decode(t, resp, &accepted)
	require.NotEmpty(t, accepted["task_id"])

	require.Eventually(t, func() bool {
		var task Task
		r := doJSON(t, http.MethodGet, f.ts.URL+"/tasks/"+accepted["task_id"], nil)
		decode(t, r, &task)
		return task.Status == "completed" && task.Deleted == 60
	}, 2*time.Second, 20*time.Millisecond)
}

func TestUnknownTask(t *testing.T) {
	f := newFixture(t, types.HealthHealthy)
	resp := doJSON(t, http.MethodGet, f.ts.URL+"/tasks/nope", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestClusterAndSyncStatus(t *testing.T) {
	f := newFixture(t, types.HealthHealthy)

	var cs types.ClusterStatus
	resp := doJSON(t, http.MethodGet, f.ts.URL+"/cluster/status", nil)
	decode(t, resp, &cs)
	assert.Equal(t, "alpha", cs.CurrentPrimary)
	assert.Equal(t, "alpha", cs.LocalNode)

	var ss types.SyncStatus
	resp = doJSON(t, http.MethodGet, f.ts.URL+"/sync/status", nil)
	decode(t, resp, &ss)
	assert.True(t, ss.AutoSyncEnabled)
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, types.HealthHealthy)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.ts.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	f.broker.Publish(&events.Event{Type: events.EventCrawlStarted, Message: "crawl started"})

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "))

	var ev events.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev))
	assert.Equal(t, events.EventCrawlStarted, ev.Type)
}

func TestHealthzAndEvents(t *testing.T) {
	f := newFixture(t, types.HealthHealthy)

	resp := doJSON(t, http.MethodGet, f.ts.URL+"/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	var ev map[string]any
	resp = doJSON(t, http.MethodGet, f.ts.URL+"/events", nil)
	decode(t, resp, &ev)
	_, ok := ev["events"]
	assert.True(t, ok)
}
