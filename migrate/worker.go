package migrate

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// Hysteresis bounds for the sweep: pause when utilization crosses the
// ceiling, resume only after it drops below the floor.
const (
	pauseAbove  = 70.0
	resumeBelow = 60.0
)

// WorkerOptions configures a background migration Worker.
type WorkerOptions struct {
	// Clients are the Redis shards to sweep, one cursor per shard.
	Clients []*redis.Client

	// Schema describes the transform applied to each matching key.
	Schema Schema

	// KeyPattern restricts the sweep, e.g. "users:*". Empty sweeps all keys.
	KeyPattern string

	// BatchSize is the per-pass key budget when the store is idle.
	// Default 100.
	BatchSize int

	// Signal supplies the utilization that throttles the sweep. Nil runs
	// unthrottled at BatchSize.
	Signal UtilizationSignal

	// Logger for sweep diagnostics. Nil disables logging.
	Logger Logger
}

// Progress is a snapshot of a sweep's state.
type Progress struct {
	Scanned   int64
	Migrated  int64
	Errors    int64
	Running   bool
	Paused    bool
	Completed bool
}

// Worker sweeps the keyspace in the background, upgrading legacy values a
// batch at a time so the backlog drains without waiting for reads. Each pass
// resumes from per-shard SCAN cursors, shrinks its batch as store utilization
// rises and pauses entirely above the ceiling.
type Worker struct {
	opts WorkerOptions

	mu      sync.Mutex
	cursors []uint64
	shard   int

	running   int32
	paused    int32
	completed int32

	scanned    int64
	migrated   int64
	errorCount int64
}

// NewWorker creates a Worker over the given shards.
func NewWorker(opts WorkerOptions) *Worker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Worker{
		opts:    opts,
		cursors: make([]uint64, len(opts.Clients)),
	}
}

// RunOnce performs one sweep pass: it sizes a batch from the current
// utilization, scans the active shard from its saved cursor and migrates the
// matched keys. Overlapping passes are coalesced; a pass that finds another
// one running returns immediately.
func (w *Worker) RunOnce(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&w.running, 0, 1) {
		return nil
	}
	defer atomic.StoreInt32(&w.running, 0)

	if atomic.LoadInt32(&w.completed) == 1 || len(w.opts.Clients) == 0 {
		return nil
	}

	batch := w.batchBudget(ctx)
	if batch == 0 {
		return nil
	}

	w.mu.Lock()
	shard := w.shard
	cursor := w.cursors[shard]
	w.mu.Unlock()

	client := w.opts.Clients[shard]
	keys, next, err := client.Scan(ctx, cursor, w.opts.KeyPattern, int64(batch)).Result()
	if err != nil {
		atomic.AddInt64(&w.errorCount, 1)
		w.logWarn("migrate sweep: scan failed", "shard", shard, "error", err)
		return err
	}

	for _, key := range keys {
		atomic.AddInt64(&w.scanned, 1)
		res, err := MigrateKey(ctx, client, w.opts.Schema, key)
		switch {
		case err != nil:
			atomic.AddInt64(&w.errorCount, 1)
			w.logWarn("migrate sweep: key failed", "key", key, "error", err)
		case res == ResultTransformed:
			atomic.AddInt64(&w.migrated, 1)
		case res == ResultMalformed:
			atomic.AddInt64(&w.errorCount, 1)
			w.logWarn("migrate sweep: malformed value skipped", "key", key)
		}
	}

	w.mu.Lock()
	w.cursors[shard] = next
	if next == 0 {
		w.shard++
		if w.shard >= len(w.opts.Clients) {
			atomic.StoreInt32(&w.completed, 1)
			w.logInfo("migrate sweep: completed",
				"scanned", atomic.LoadInt64(&w.scanned),
				"migrated", atomic.LoadInt64(&w.migrated))
		}
	}
	w.mu.Unlock()

	return nil
}

// batchBudget applies the utilization tiers with pause/resume hysteresis.
func (w *Worker) batchBudget(ctx context.Context) int {
	if w.opts.Signal == nil {
		return w.opts.BatchSize
	}

	u, err := w.opts.Signal.Utilization(ctx)
	if err != nil {
		u = fallbackUtilization
	}

	if atomic.LoadInt32(&w.paused) == 1 {
		if u >= resumeBelow {
			return 0
		}
		atomic.StoreInt32(&w.paused, 0)
		w.logInfo("migrate sweep: resuming", "utilization", u)
	} else if u > pauseAbove {
		atomic.StoreInt32(&w.paused, 1)
		w.logInfo("migrate sweep: pausing", "utilization", u)
		return 0
	}

	return batchSizeFor(u, w.opts.BatchSize)
}

// Progress returns a snapshot of the sweep.
func (w *Worker) Progress() Progress {
	return Progress{
		Scanned:   atomic.LoadInt64(&w.scanned),
		Migrated:  atomic.LoadInt64(&w.migrated),
		Errors:    atomic.LoadInt64(&w.errorCount),
		Running:   atomic.LoadInt32(&w.running) == 1,
		Paused:    atomic.LoadInt32(&w.paused) == 1,
		Completed: atomic.LoadInt32(&w.completed) == 1,
	}
}

// Reset rewinds the cursors and counters so the keyspace is swept again,
// e.g. after the schema advances another version.
func (w *Worker) Reset() {
	w.mu.Lock()
	for i := range w.cursors {
		w.cursors[i] = 0
	}
	w.shard = 0
	w.mu.Unlock()

	atomic.StoreInt32(&w.completed, 0)
	atomic.StoreInt32(&w.paused, 0)
	atomic.StoreInt64(&w.scanned, 0)
	atomic.StoreInt64(&w.migrated, 0)
	atomic.StoreInt64(&w.errorCount, 0)
}

func (w *Worker) logInfo(msg string, args ...any) {
	if w.opts.Logger != nil {
		w.opts.Logger.Info(msg, args...)
	}
}

func (w *Worker) logWarn(msg string, args ...any) {
	if w.opts.Logger != nil {
		w.opts.Logger.Warn(msg, args...)
	}
}
