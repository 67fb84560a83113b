package telemetry

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultInterval = 30 * time.Minute
	pushTimeout     = 10 * time.Second
)

// Pusher delivers one payload to the Local API.
type Pusher interface {
	Push(ctx context.Context, payload MetricsPayload) error
}

// PushFunc adapts a function to the Pusher interface.
type PushFunc func(ctx context.Context, payload MetricsPayload) error

// Push implements Pusher.
func (f PushFunc) Push(ctx context.Context, payload MetricsPayload) error {
	return f(ctx, payload)
}

// Sender drains a Counter into a Pusher once per interval. The window
// reported with each push is the time since the last successful push, so a
// failed push widens the next window instead of losing counts.
type Sender struct {
	version  string
	started  time.Time
	interval time.Duration
	counter  *Counter
	pusher   Pusher
	now      func() time.Time

	lastPush time.Time
}

// NewSender builds a sender. A nil counter gets a fresh one and a
// non-positive interval falls back to 30m.
func NewSender(version string, started time.Time, interval time.Duration, counter *Counter, pusher Pusher) *Sender {
	if counter == nil {
		counter = NewCounter()
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	started = started.UTC()
	return &Sender{
		version:  version,
		started:  started,
		interval: interval,
		counter:  counter,
		pusher:   pusher,
		now:      time.Now,
		lastPush: started,
	}
}

// Run pushes on every tick until ctx is cancelled, then makes one last
// attempt so a clean shutdown does not lose the open window.
func (s *Sender) Run(ctx context.Context) {
	if s.pusher == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), pushTimeout)
			if err := s.Flush(final); err != nil {
				log.Debug().Err(err).Msg("final usage metrics push failed")
			}
			cancel()
			return
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				log.Warn().Err(err).Msg("usage metrics push failed")
			}
		}
	}
}

// Flush pushes the counts gathered since the last successful push. An empty
// window sends nothing. On failure the counts go back into the counter.
func (s *Sender) Flush(ctx context.Context) error {
	if s.pusher == nil || s.counter == nil {
		return nil
	}

	processed, dropped := s.counter.SnapshotAndReset()
	if processed <= 0 {
		s.counter.Restore(0, dropped)
		return nil
	}

	now := s.now().UTC()
	w := Window{
		Start:     s.started,
		Seconds:   s.windowSeconds(now),
		Processed: processed,
		Dropped:   dropped,
	}

	pushCtx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()
	if err := s.pusher.Push(pushCtx, BuildMetricsPayloadAt(s.version, w, now)); err != nil {
		s.counter.Restore(processed, dropped)
		return err
	}

	s.lastPush = now
	log.Debug().
		Int64("processed", processed).
		Int64("dropped", dropped).
		Int64("window_seconds", w.Seconds).
		Msg("usage metrics pushed")
	return nil
}

// windowSeconds is the elapsed time since the last successful push, never
// less than one second.
func (s *Sender) windowSeconds(now time.Time) int64 {
	secs := int64(now.Sub(s.lastPush).Seconds())
	if secs < 1 {
		return 1
	}
	return secs
}
