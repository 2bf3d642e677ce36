package coordcache

import "github.com/khope/coordcache/cache"

// ErrNotFound is returned when neither cache tier nor the loader produced a
// value for the key.
var ErrNotFound = cache.ErrNotFound

// ErrCacheClosed is returned when operations are performed on a closed
// coordinator.
var ErrCacheClosed = cache.ErrCacheClosed

// ErrInvalidConfig is returned when the configuration is invalid.
var ErrInvalidConfig = cache.ErrInvalidConfig
