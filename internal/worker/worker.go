// Package worker runs record extraction in the background, off the turn path.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MikeSquared-Agency/intake/internal/extractor"
	"github.com/MikeSquared-Agency/intake/internal/patch"
	"github.com/MikeSquared-Agency/intake/internal/schema"
)

// Extractor turns caller text into patch operations.
type Extractor interface {
	Extract(ctx context.Context, req extractor.Request) ([]patch.Op, error)
}

// Target is the session side of the worker: where records are read from and
// committed to. The worker is the only caller of Commit.
type Target interface {
	Snapshot(sessionID string) (schema.Record, *time.Location, error)
	Commit(sessionID string, r schema.Record) error
	ExtractionSucceeded(sessionID string)
	ExtractionFailed(sessionID string, err error)
}

type Config struct {
	// Workers bounds concurrent extraction calls across all sessions.
	Workers int
	// MaxTurns is how many recent turns a batch keeps.
	MaxTurns int
	// Timeout applies to each extraction call.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// Worker coalesces queued text per session and runs at most one extraction
// per session at a time, with a bounded number in flight overall.
type Worker struct {
	extractor Extractor
	merger    *patch.Merger
	target    Target
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	sem    *semaphore.Weighted
	notify chan struct{}
	wg     sync.WaitGroup

	mu       sync.Mutex
	pending  map[string][]string
	queue    []string
	queued   map[string]bool
	inflight map[string]context.CancelFunc
}

func New(ext Extractor, merger *patch.Merger, target Target, cfg Config, logger *slog.Logger) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		extractor: ext,
		merger:    merger,
		target:    target,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		sem:       semaphore.NewWeighted(int64(cfg.Workers)),
		notify:    make(chan struct{}, 1),
		pending:   map[string][]string{},
		queued:    map[string]bool{},
		inflight:  map[string]context.CancelFunc{},
	}
}

// Enqueue adds text to the session's pending batch and returns immediately.
// Text arriving while the session is being extracted waits for the next batch.
func (w *Worker) Enqueue(sessionID, text string) {
	w.mu.Lock()
	batch := append(w.pending[sessionID], text)
	if len(batch) > w.cfg.MaxTurns {
		batch = slices.Clone(batch[len(batch)-w.cfg.MaxTurns:])
	}
	w.pending[sessionID] = batch
	if _, running := w.inflight[sessionID]; !running && !w.queued[sessionID] {
		w.queue = append(w.queue, sessionID)
		w.queued[sessionID] = true
	}
	w.mu.Unlock()
	w.wake()
}

// Cancel discards queued input for the session and cancels a running extraction.
func (w *Worker) Cancel(sessionID string) {
	w.mu.Lock()
	delete(w.pending, sessionID)
	if w.queued[sessionID] {
		delete(w.queued, sessionID)
		w.queue = slices.DeleteFunc(w.queue, func(id string) bool { return id == sessionID })
	}
	cancel := w.inflight[sessionID]
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Depth is the number of queued turns not yet handed to an extraction.
func (w *Worker) Depth(sessionID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending[sessionID])
}

// Busy reports whether the session has queued or running work.
func (w *Worker) Busy(sessionID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, running := w.inflight[sessionID]
	return running || len(w.pending[sessionID]) > 0
}

// Run dispatches queued batches until ctx is done, then cancels running
// extractions and waits for them.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("extraction worker started", "workers", w.cfg.Workers, "max_turns", w.cfg.MaxTurns)
	defer w.logger.Info("extraction worker stopped")
	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			for _, cancel := range w.inflight {
				cancel()
			}
			w.mu.Unlock()
			w.wg.Wait()
			return ctx.Err()
		case <-w.notify:
			w.dispatch(ctx)
		}
	}
}

func (w *Worker) wake() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *Worker) dispatch(ctx context.Context) {
	for {
		// Blocks while the pool is saturated.
		if err := w.sem.Acquire(ctx, 1); err != nil {
			return
		}
		sessionID, batch, runCtx, ok := w.next(ctx)
		if !ok {
			w.sem.Release(1)
			return
		}
		w.wg.Add(1)
		go w.run(runCtx, sessionID, batch)
	}
}

func (w *Worker) next(ctx context.Context) (string, []string, context.Context, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.queue) > 0 {
		sessionID := w.queue[0]
		w.queue = w.queue[1:]
		delete(w.queued, sessionID)
		batch := w.pending[sessionID]
		if len(batch) == 0 {
			continue
		}
		delete(w.pending, sessionID)
		runCtx, cancel := context.WithCancel(ctx)
		w.inflight[sessionID] = cancel
		return sessionID, batch, runCtx, true
	}
	return "", nil, nil, false
}

func (w *Worker) finish(sessionID string) {
	w.mu.Lock()
	if cancel, ok := w.inflight[sessionID]; ok {
		cancel()
		delete(w.inflight, sessionID)
	}
	requeue := len(w.pending[sessionID]) > 0 && !w.queued[sessionID]
	if requeue {
		w.queue = append(w.queue, sessionID)
		w.queued[sessionID] = true
	}
	w.mu.Unlock()
	if requeue {
		w.wake()
	}
}

func (w *Worker) run(ctx context.Context, sessionID string, batch []string) {
	defer w.wg.Done()
	defer w.sem.Release(1)
	defer w.finish(sessionID)

	start := time.Now()
	err := w.extract(ctx, sessionID, batch)
	switch {
	case err == nil:
		w.target.ExtractionSucceeded(sessionID)
		w.logger.Debug("extraction committed", "session_id", sessionID, "turns", len(batch), "elapsed", time.Since(start))
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		w.logger.Debug("extraction cancelled", "session_id", sessionID)
	case errors.Is(err, errSessionGone):
		w.logger.Debug("extraction dropped for closed session", "session_id", sessionID)
	default:
		w.logger.Warn("extraction failed", "session_id", sessionID, "turns", len(batch), "error", err)
		w.target.ExtractionFailed(sessionID, err)
	}
}

var errSessionGone = errors.New("session gone")

func (w *Worker) extract(ctx context.Context, sessionID string, batch []string) error {
	current, loc, err := w.target.Snapshot(sessionID)
	if err != nil {
		return errors.Join(errSessionGone, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()
	ops, err := w.extractor.Extract(callCtx, extractor.Request{
		SessionID: sessionID,
		Turns:     batch,
		Existing:  current,
		Now:       w.now(),
		Location:  loc,
	})
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}

	next, sum, err := w.merger.Apply(current, ops)
	if err != nil {
		return err
	}
	if len(sum.Changed) == 0 {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := w.target.Commit(sessionID, next); err != nil {
		return errors.Join(errSessionGone, err)
	}
	w.logger.Info("record updated", "session_id", sessionID, "changed", len(sum.Changed), "skipped", sum.Skipped)
	return nil
}
