package writebehind

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/khope/coordcache/store"
)

// Logger is the subset of the cache logger the flush loop needs.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// ValueSource reads the cached bytes for a pending id. Both the single-node
// and the sharded L2 store satisfy it, so the flush follows the same key
// routing as the cache itself.
type ValueSource interface {
	Get(ctx context.Context, key string) (data []byte, ttl time.Duration, found bool, err error)
}

// Converter optionally reshapes a cached value into its persisted form
// before the flush, e.g. stripping cache-only envelope fields. Nil persists
// the cached bytes as-is. An error drops the entry from the pending set.
type Converter func(id string, data []byte) ([]byte, error)

// WorkerOptions configures a flush Worker.
type WorkerOptions struct {
	// Queue is the shared pending-write set.
	Queue *Queue

	// Values resolves pending ids to their cached bytes.
	Values ValueSource

	// Store is the system of record the batch is persisted to.
	Store store.Authoritative

	// Converter reshapes values before persistence. Optional.
	Converter Converter

	// Logger for flush diagnostics. Nil disables logging.
	Logger Logger

	// OnError is invoked when a flush fails wholesale. Optional.
	OnError func(err error)
}

// FlushStats are per-process flush counters.
type FlushStats struct {
	Flushed int64
	Dropped int64
	Retried int64
}

// Worker drains the pending-write set into the authoritative store. Ids
// whose persistence fails stay in the set and are retried on the next flush;
// only ids the store confirmed are removed.
type Worker struct {
	opts    WorkerOptions
	running int32

	flushed int64
	dropped int64
	retried int64
}

// NewWorker creates a flush Worker.
func NewWorker(opts WorkerOptions) *Worker {
	return &Worker{opts: opts}
}

// Flush drains the pending set once. Overlapping flushes are coalesced.
func (w *Worker) Flush(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&w.running, 0, 1) {
		return nil
	}
	defer atomic.StoreInt32(&w.running, 0)

	ids, err := w.opts.Queue.Members(ctx)
	if err != nil {
		w.fail("write-behind: reading pending set failed", err)
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	records := make(map[string][]byte, len(ids))
	drop := make([]string, 0)
	for _, id := range ids {
		data, _, found, err := w.opts.Values.Get(ctx, id)
		if err != nil {
			// Cache unreachable; leave the id pending and try again later.
			w.fail("write-behind: reading cached value failed", err)
			continue
		}
		if !found {
			// Value evicted or expired from the cache before the flush;
			// nothing left to persist.
			w.logWarn("write-behind: pending value missing, dropping", "id", id)
			drop = append(drop, id)
			continue
		}

		if w.opts.Converter != nil {
			data, err = w.opts.Converter(id, data)
			if err != nil {
				w.logWarn("write-behind: value not convertible, dropping", "id", id, "error", err)
				drop = append(drop, id)
				continue
			}
		}
		records[id] = data
	}

	saved, saveErr := w.opts.Store.SaveAll(ctx, records)
	if saveErr != nil {
		w.logWarn("write-behind: batch persisted partially", "saved", len(saved), "pending", len(records)-len(saved), "error", saveErr)
	}

	atomic.AddInt64(&w.flushed, int64(len(saved)))
	atomic.AddInt64(&w.dropped, int64(len(drop)))
	atomic.AddInt64(&w.retried, int64(len(records)-len(saved)))

	// Remove only what is durable or unrecoverable; failed ids stay pending.
	if err := w.opts.Queue.Remove(ctx, append(saved, drop...)...); err != nil {
		w.fail("write-behind: clearing pending set failed", err)
		return err
	}

	w.logDebug("write-behind: flush complete", "saved", len(saved), "dropped", len(drop))
	return saveErr
}

// Stats returns a snapshot of the flush counters.
func (w *Worker) Stats() FlushStats {
	return FlushStats{
		Flushed: atomic.LoadInt64(&w.flushed),
		Dropped: atomic.LoadInt64(&w.dropped),
		Retried: atomic.LoadInt64(&w.retried),
	}
}

func (w *Worker) fail(msg string, err error) {
	if w.opts.Logger != nil {
		w.opts.Logger.Error(msg, "error", err)
	}
	if w.opts.OnError != nil {
		w.opts.OnError(err)
	}
}

func (w *Worker) logDebug(msg string, args ...any) {
	if w.opts.Logger != nil {
		w.opts.Logger.Debug(msg, args...)
	}
}

func (w *Worker) logWarn(msg string, args ...any) {
	if w.opts.Logger != nil {
		w.opts.Logger.Warn(msg, args...)
	}
}
