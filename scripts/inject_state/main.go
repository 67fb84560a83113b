// inject_state seeds a guestbookd data directory for smoke testing: a name
// reservation, a burned rate-limit budget and optionally a few messages.
// It is a standalone tool, not part of the module's test suite.
//
// Usage:
//
//	go run ./scripts/inject_state --data-dir ./data --name Nova --ip 203.0.113.42 --burn 10
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/developingchet/guestbookd/internal/storage"
)

// options mirrors the flags.
type options struct {
	dataDir  string
	backend  string
	name     string
	ip       string
	burn     int
	messages int
	ttl      time.Duration
}

func main() {
	var opts options
	flag.StringVar(&opts.dataDir, "data-dir", "", "guestbookd DATA_DIR (required)")
	flag.StringVar(&opts.backend, "backend", "file", "rate limit backend: file or bolt")
	flag.StringVar(&opts.name, "name", "", "name to reserve for --ip")
	flag.StringVar(&opts.ip, "ip", "", "client IP the state belongs to (required)")
	flag.IntVar(&opts.burn, "burn", 0, "rate limit units to consume for --ip")
	flag.IntVar(&opts.messages, "messages", 0, "messages to post as --name")
	flag.DurationVar(&opts.ttl, "ttl", storage.DefaultReservationTTL, "reservation lifetime")
	flag.Parse()

	if err := run(context.Background(), opts, os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, opts options, out io.Writer) error {
	if opts.dataDir == "" {
		return fmt.Errorf("--data-dir is required")
	}
	if opts.ip == "" {
		return fmt.Errorf("--ip is required")
	}
	if opts.messages > 0 && opts.name == "" {
		return fmt.Errorf("--messages needs --name")
	}

	if opts.name != "" {
		reg, err := storage.OpenRegistry(filepath.Join(opts.dataDir, "reservations.json"))
		if err != nil {
			return err
		}
		res, err := reg.Reserve(ctx, opts.name, opts.ip, "", opts.ttl)
		if err != nil {
			return fmt.Errorf("reserve %s: %w", opts.name, err)
		}
		fmt.Fprintf(out, "[inject_state] reservation: name=%s token=%s expires=%s\n",
			res.Name, res.OwnerToken, res.ExpiresAt.UTC().Format(time.RFC3339))
	}

	if opts.messages > 0 {
		ml, err := storage.OpenMessageLog(filepath.Join(opts.dataDir, "messages.json"), storage.DefaultCap)
		if err != nil {
			return err
		}
		for i := 0; i < opts.messages; i++ {
			msg, err := ml.Append(ctx, storage.Message{
				Name:     opts.name,
				Message:  fmt.Sprintf("seed message %d", i+1),
				OriginIP: opts.ip,
			})
			if err != nil {
				return fmt.Errorf("append: %w", err)
			}
			fmt.Fprintf(out, "[inject_state] message: id=%d\n", msg.ID)
		}
	}

	if opts.burn > 0 {
		counters, err := openCounters(opts.dataDir, opts.backend)
		if err != nil {
			return err
		}
		defer counters.Close()
		burn := opts.burn
		minute, day := windowStarts(time.Now())
		_, err = counters.Consume(ctx, opts.ip, func(c *storage.Counter) bool {
			c.MinuteCount, c.MinuteWindowStart = burn, minute
			c.DayCount, c.DayWindowStart = burn, day
			return true
		})
		if err != nil {
			return fmt.Errorf("burn: %w", err)
		}
		fmt.Fprintf(out, "[inject_state] counters: ip=%s minute=%d day=%d (%s)\n", opts.ip, burn, burn, counters.Path())
	}

	fmt.Fprintln(out, "[inject_state] done, restart the container to observe loaded state")
	return nil
}

// windowStarts returns the window starts the rate limiter would record at
// now: the current second and the preceding UTC midnight, both Unix seconds.
func windowStarts(now time.Time) (minute, day int64) {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return now.Unix(), midnight.Unix()
}

func openCounters(dataDir, backend string) (storage.CounterStore, error) {
	switch backend {
	case "file":
		return storage.OpenFileCounters(filepath.Join(dataDir, "ratelimit"))
	case "bolt":
		return storage.OpenBoltCounters(filepath.Join(dataDir, "ratelimit.db"))
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}
