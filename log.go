package uds

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Logger is the external logging collaborator spec.md §1 places out of
// scope for the index itself. The index only ever calls through this
// interface; it never owns a sink, file, or format.
type Logger interface {
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// zapLogger adapts a *zap.SugaredLogger to Logger. Used as the default when
// Config.Logger is nil.
type zapLogger struct {
	s *zap.SugaredLogger
}

func newDefaultLogger() Logger {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	return &zapLogger{s: l.Sugar()}
}

func (z *zapLogger) Warnf(format string, args ...any)  { z.s.Warnf(format, args...) }
func (z *zapLogger) Errorf(format string, args ...any) { z.s.Errorf(format, args...) }

// rateLimiter throttles repeated log lines to at most one per `every`
// duration per distinct key, so a delta list saturated with overflow
// (spec.md §4.2, §7: "rate-limited log") doesn't flood the sink on every
// dropped entry.
type rateLimiter struct {
	mu     sync.Mutex
	every  time.Duration
	last   map[string]time.Time
	logger Logger
}

func newRateLimiter(logger Logger, every time.Duration) *rateLimiter {
	return &rateLimiter{
		every:  every,
		last:   make(map[string]time.Time),
		logger: logger,
	}
}

func (r *rateLimiter) warnf(key, format string, args ...any) {
	if r.allow(key) {
		r.logger.Warnf(format, args...)
	}
}

func (r *rateLimiter) errorf(key, format string, args ...any) {
	if r.allow(key) {
		r.logger.Errorf(format, args...)
	}
}

func (r *rateLimiter) allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if t, ok := r.last[key]; ok && now.Sub(t) < r.every {
		return false
	}
	r.last[key] = now
	return true
}
