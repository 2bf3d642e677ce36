package stampede

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Logger is the subset of the cache logger the guard needs.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Probe checks whether the value has appeared in the cache while a guard
// participant was waiting. It must be cheap.
type Probe func(ctx context.Context) (any, bool)

// Load performs the expensive recomputation and stores the result.
type Load func(ctx context.Context) (any, error)

// GuardOptions configures a Guard.
type GuardOptions struct {
	// Client enables the cross-process lease. Nil restricts deduplication to
	// this process (singleflight only).
	Client *redis.Client

	// LockPrefix prefixes lease keys. Defaults to "lock:".
	LockPrefix string

	// WaitTimeout bounds how long a non-holder waits for the holder to
	// populate the cache before falling back to a direct load. Default 5s.
	WaitTimeout time.Duration

	// HoldTTL is the lease duration. A crashed holder's lease self-expires
	// after this long. Default 10s.
	HoldTTL time.Duration

	// PollInterval is how often waiters re-probe the cache. Default 50ms.
	PollInterval time.Duration

	// Logger for lease diagnostics. Nil disables logging.
	Logger Logger
}

// Guard bounds the number of loader invocations when many callers miss on
// the same key at once. In-process callers are collapsed with singleflight;
// across processes a Redis lease (SET NX PX) elects one loader. Waiters poll
// the cache and fall back to a direct load when the wait bound elapses, so a
// slow or crashed holder costs duplicate loads, never unavailability.
type Guard struct {
	opts    GuardOptions
	group   singleflight.Group
	release *redis.Script
}

// releaseScript deletes the lease only if this holder's token still owns it,
// so an expired-and-reacquired lease is never released by the old holder.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// NewGuard creates a Guard.
func NewGuard(opts GuardOptions) *Guard {
	if opts.LockPrefix == "" {
		opts.LockPrefix = "lock:"
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 5 * time.Second
	}
	if opts.HoldTTL <= 0 {
		opts.HoldTTL = 10 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 50 * time.Millisecond
	}
	return &Guard{opts: opts, release: releaseScript}
}

// Do runs load for the key with bounded concurrency. probe is consulted
// before loading and while waiting on another holder; when it reports the
// value, that value is returned without invoking load.
func (g *Guard) Do(ctx context.Context, key string, probe Probe, load Load) (any, error) {
	v, err, _ := g.group.Do(key, func() (any, error) {
		return g.doExclusive(ctx, key, probe, load)
	})
	return v, err
}

func (g *Guard) doExclusive(ctx context.Context, key string, probe Probe, load Load) (any, error) {
	if g.opts.Client == nil {
		if v, ok := probe(ctx); ok {
			return v, nil
		}
		return load(ctx)
	}

	lockKey := g.opts.LockPrefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(g.opts.WaitTimeout)

	for {
		acquired, err := g.opts.Client.SetNX(ctx, lockKey, token, g.opts.HoldTTL).Result()
		if err != nil {
			// Lease backend unreachable: availability over dedup.
			g.warn("stampede: lease backend unavailable, loading directly", "key", key, "error", err)
			return load(ctx)
		}

		if acquired {
			defer g.releaseLease(lockKey, token)
			// Another holder may have populated the cache before we won.
			if v, ok := probe(ctx); ok {
				return v, nil
			}
			return load(ctx)
		}

		// Someone else holds the lease; poll for their result.
		if v, ok := probe(ctx); ok {
			return v, nil
		}
		if time.Now().After(deadline) {
			g.debug("stampede: lease wait timed out, loading directly", "key", key)
			return load(ctx)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(g.opts.PollInterval):
		}
	}
}

// releaseLease runs on every exit path of the holder. It uses its own
// short-lived context so a canceled caller still releases the lease.
func (g *Guard) releaseLease(lockKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := g.release.Run(ctx, g.opts.Client, []string{lockKey}, token).Err(); err != nil && err != redis.Nil {
		// The lease self-expires after HoldTTL, so a failed release only
		// delays waiters, it cannot deadlock them.
		g.warn("stampede: lease release failed", "key", lockKey, "error", err)
	}
}

func (g *Guard) debug(msg string, args ...any) {
	if g.opts.Logger != nil {
		g.opts.Logger.Debug(msg, args...)
	}
}

func (g *Guard) warn(msg string, args ...any) {
	if g.opts.Logger != nil {
		g.opts.Logger.Warn(msg, args...)
	}
}
