// Package ratelimit admits or rejects client writes against a per-minute and
// a per-UTC-day ceiling. Counter state lives in a storage.CounterStore so
// limits survive restarts.
package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/developingchet/guestbookd/internal/metrics"
	"github.com/developingchet/guestbookd/internal/storage"
)

const (
	DefaultPerMinute = 10
	DefaultPerDay    = 500

	minuteWindow = 60 // seconds
)

// Limiter applies the two-window admission rule.
type Limiter struct {
	store     storage.CounterStore
	perMinute int
	perDay    int
	now       func() time.Time
}

// New returns a Limiter over store. A ceiling of zero or less disables that
// window.
func New(store storage.CounterStore, perMinute, perDay int) *Limiter {
	return &Limiter{store: store, perMinute: perMinute, perDay: perDay, now: time.Now}
}

// Admit reports whether ip may perform one more write, recording the write
// when it may. Storage faults admit the request.
func (l *Limiter) Admit(ctx context.Context, ip string) bool {
	now := l.now().UTC()
	nowSec := now.Unix()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Unix()

	ok, err := l.store.Consume(ctx, ip, func(c *storage.Counter) bool {
		if nowSec-c.MinuteWindowStart >= minuteWindow {
			c.MinuteCount = 0
			c.MinuteWindowStart = nowSec
		}
		if c.DayWindowStart < midnight {
			c.DayCount = 0
			c.DayWindowStart = midnight
		}
		if l.perMinute > 0 && c.MinuteCount+1 > l.perMinute {
			return false
		}
		if l.perDay > 0 && c.DayCount+1 > l.perDay {
			return false
		}
		c.MinuteCount++
		c.DayCount++
		return true
	})
	if err != nil {
		metrics.StorageErrors.WithLabelValues("ratelimit").Inc()
		log.Warn().Err(err).Str("ip", ip).Msg("rate limiter storage fault, admitting request")
		return true
	}
	return ok
}
