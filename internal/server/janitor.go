package server

import (
	"context"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/developingchet/guestbookd/internal/metrics"
)

// housekeeper is what the janitor maintains; *Server in production.
type housekeeper interface {
	Purge(ctx context.Context) (int, error)
	DataFiles() map[string]int64
}

// runJanitor runs periodic background maintenance tasks:
//   - Purge expired reservations so the registry file does not grow forever.
//   - Update the DataFileBytes gauge for every data file.
//
// One pass runs immediately. It returns when ctx is cancelled.
func runJanitor(ctx context.Context, h housekeeper, interval time.Duration) {
	sweep(ctx, h)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep(ctx, h)
		}
	}
}

func sweep(ctx context.Context, h housekeeper) {
	if n, err := h.Purge(ctx); err != nil {
		log.Warn().Err(err).Msg("janitor: reservation purge failed")
	} else if n > 0 {
		log.Info().Int("removed", n).Msg("janitor: expired reservations purged")
	}
	for path, size := range h.DataFiles() {
		metrics.DataFileBytes.WithLabelValues(filepath.Base(path)).Set(float64(size))
	}
}
