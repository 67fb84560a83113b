package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/developingchet/guestbookd/internal/identity"
)

// Counter is one client's rate-limit state. Window starts are Unix seconds;
// the day window starts at UTC midnight.
type Counter struct {
	MinuteCount       int   `json:"minuteCount"`
	MinuteWindowStart int64 `json:"minuteWindowStart"`
	DayCount          int   `json:"dayCount"`
	DayWindowStart    int64 `json:"dayWindowStart"`
}

// CounterStore persists per-client counters. Implementations must be safe for
// concurrent use.
type CounterStore interface {
	// Consume loads the counter for ip under an exclusive lock and hands it to
	// fn. The (possibly modified) counter is persisted only when fn returns
	// true; Consume reports fn's verdict.
	Consume(ctx context.Context, ip string, fn func(c *Counter) bool) (bool, error)

	// Path returns the backing file or directory ("" for in-memory).
	Path() string

	Close() error
}

func decodeCounter(data []byte) Counter {
	var c Counter
	if len(data) == 0 {
		return c
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return Counter{}
	}
	return c
}

// Compile-time proof that FileCounterStore satisfies CounterStore.
var _ CounterStore = (*FileCounterStore)(nil)

// FileCounterStore keeps one JSON file per client under a directory. Files
// are never removed; the fan-out grows with the number of distinct clients.
type FileCounterStore struct {
	dir   string
	files sync.Map // path → *lockedFile
}

// OpenFileCounters prepares dir for per-client counter files.
func OpenFileCounters(dir string) (*FileCounterStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", dir, err)
	}
	return &FileCounterStore{dir: dir}, nil
}

func (s *FileCounterStore) fileFor(ip string) *lockedFile {
	path := filepath.Join(s.dir, identity.Sanitize(ip)+".json")
	if f, ok := s.files.Load(path); ok {
		return f.(*lockedFile)
	}
	f, _ := s.files.LoadOrStore(path, newLockedFile(path))
	return f.(*lockedFile)
}

func (s *FileCounterStore) Consume(ctx context.Context, ip string, fn func(c *Counter) bool) (bool, error) {
	allowed := false
	err := s.fileFor(ip).update(ctx, func(data []byte) ([]byte, error) {
		c := decodeCounter(data)
		if !fn(&c) {
			return nil, nil
		}
		allowed = true
		out, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("%w: encode counter: %w", ErrWriteFailed, err)
		}
		return out, nil
	})
	if err != nil {
		return false, err
	}
	return allowed, nil
}

// Path returns the counter directory.
func (s *FileCounterStore) Path() string { return s.dir }

// Close is a no-op; files are opened per call.
func (s *FileCounterStore) Close() error { return nil }
