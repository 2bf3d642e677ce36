// Package zaplog adapts a zap logger to the cache Logger interface.
package zaplog

import (
	"go.uber.org/zap"

	"github.com/khope/coordcache/cache"
)

type ZapLogger struct{ L *zap.SugaredLogger }

// New wraps a zap logger. Cache log calls pass key/value pairs, which maps
// directly onto zap's sugared *w methods.
func New(l *zap.Logger) cache.Logger {
	return ZapLogger{L: l.Sugar()}
}

func (z ZapLogger) Debug(msg string, args ...any) { z.L.Debugw(msg, args...) }
func (z ZapLogger) Info(msg string, args ...any)  { z.L.Infow(msg, args...) }
func (z ZapLogger) Warn(msg string, args ...any)  { z.L.Warnw(msg, args...) }
func (z ZapLogger) Error(msg string, args ...any) { z.L.Errorw(msg, args...) }
