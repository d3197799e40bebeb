package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/magpie/pkg/log"
	"github.com/cuemby/magpie/pkg/types"
)

// crawlRunner serializes crawl sessions: one at a time, stoppable, with
// the last result kept for the status endpoint
type crawlRunner struct {
	mu        sync.Mutex
	running   bool
	sessionID string
	target    string
	startedAt time.Time
	status    types.CrawlStatus
	cancel    context.CancelFunc
	result    *types.CrawlResult
}

type crawlSnapshot struct {
	SessionID string
	Target    string
	StartedAt time.Time
	Status    types.CrawlStatus
	Result    *types.CrawlResult
}

// start launches a session and returns its id, or an error when one is
// already running
func (r *crawlRunner) start(engine Crawler, target string, done func(sessionID, target string, res *types.CrawlResult)) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return "", errors.New("a crawl session is already running")
	}

	id := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())
	r.running = true
	r.sessionID = id
	r.target = target
	r.startedAt = time.Now()
	r.status = types.CrawlRunning
	r.cancel = cancel
	r.result = nil

	go func() {
		defer cancel()
		res, err := engine.Run(ctx, target, id)

		r.mu.Lock()
		r.running = false
		r.result = res
		if err != nil || res == nil || !res.Success {
			r.status = types.CrawlFailed
		} else {
			r.status = types.CrawlCompleted
		}
		r.mu.Unlock()

		if err != nil {
			lg := log.WithSession(id)
			lg.Error().Err(err).Msg("crawl session failed")
		}
		if done != nil && res != nil {
			done(id, target, res)
		}
	}()
	return id, nil
}

// stop cancels the running session; false when none is running
func (r *crawlRunner) stop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return false
	}
	r.cancel()
	return true
}

func (r *crawlRunner) snapshot() crawlSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return crawlSnapshot{
		SessionID: r.sessionID,
		Target:    r.target,
		StartedAt: r.startedAt,
		Status:    r.status,
		Result:    r.result,
	}
}

// Task is one background job visible under /tasks
type Task struct {
	ID        string    `json:"task_id"`
	Status    string    `json:"status"`
	Total     int       `json:"total"`
	Processed int       `json:"processed"`
	Deleted   int       `json:"deleted"`
	Errors    []string  `json:"errors"`
	CreatedAt time.Time `json:"created_at"`
}

type taskTracker struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

func newTaskTracker() *taskTracker {
	return &taskTracker{tasks: make(map[string]*Task)}
}

func (t *taskTracker) create(total int) *Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	task := &Task{
		ID:        uuid.New().String(),
		Status:    "running",
		Total:     total,
		Errors:    []string{},
		CreatedAt: time.Now(),
	}
	t.tasks[task.ID] = task
	return task
}

func (t *taskTracker) finish(id string, deleted int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[id]
	if !ok {
		return
	}
	task.Processed = deleted
	task.Deleted = deleted
	if err != nil {
		task.Status = "failed"
		task.Errors = append(task.Errors, err.Error())
	} else {
		task.Status = "completed"
	}
}

func (t *taskTracker) get(id string) (Task, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *task, true
}
