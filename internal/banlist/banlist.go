// Package banlist keeps an in-memory set of client IPs banned by CrowdSec and
// the stream loop that feeds it from the Local API.
package banlist

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"sync"
	"time"

	csbouncer "github.com/crowdsecurity/go-cs-bouncer"
	"github.com/rs/zerolog/log"

	"github.com/developingchet/guestbookd/internal/metrics"
	"github.com/developingchet/guestbookd/internal/telemetry"
)

// List is a concurrency-safe set of banned IPs. The zero value is not usable;
// call New.
type List struct {
	mu      sync.RWMutex
	ips     map[string]struct{}
	filters []Filter
	usage   *telemetry.Counter
}

// New returns an empty List. Decisions for whitelisted prefixes never enter
// it.
func New(whitelist []netip.Prefix) *List {
	filters := []Filter{
		ScopeAllow("ip"),
		TypeAllow("ban"),
		ValueRequired(),
		PrivateIPReject(),
	}
	if len(whitelist) > 0 {
		filters = append(filters, WhitelistFilter(whitelist))
	}
	return &List{
		ips:     make(map[string]struct{}),
		filters: filters,
		usage:   telemetry.NewCounter(),
	}
}

// Add inserts d's IP if it passes the filter pipeline. The returned reason is
// nil when the IP was added.
func (l *List) Add(d *Decision) *SkipReason {
	if reason := Pipeline(l.filters, d); reason != nil {
		return reason
	}
	ip := normalize(d.Value)

	l.mu.Lock()
	l.ips[ip] = struct{}{}
	n := len(l.ips)
	l.mu.Unlock()

	metrics.BannedIPs.Set(float64(n))
	return nil
}

// Remove drops d's IP. Removing an IP that is not listed is a no-op.
func (l *List) Remove(d *Decision) {
	ip := normalize(d.Value)
	if ip == "" {
		return
	}

	l.mu.Lock()
	delete(l.ips, ip)
	n := len(l.ips)
	l.mu.Unlock()

	metrics.BannedIPs.Set(float64(n))
}

// Banned reports whether ip is on the list and counts the check toward the
// usage metrics. A nil List bans nothing.
func (l *List) Banned(ip string) bool {
	if l == nil {
		return false
	}
	ok := false
	if key := normalize(ip); key != "" {
		l.mu.RLock()
		_, ok = l.ips[key]
		l.mu.RUnlock()
	}
	l.usage.Observe(ok)
	return ok
}

// Usage returns the counter Banned feeds.
func (l *List) Usage() *telemetry.Counter { return l.usage }

// Len returns the number of banned IPs.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.ips)
}

// Config holds the Local API connection settings.
type Config struct {
	LAPIURL       string
	LAPIKey       string
	PollInterval  string
	TLSSkipVerify bool
	Version       string

	// UsageMetricsInterval > 0 enables pushing usage metrics to the LAPI.
	UsageMetricsInterval time.Duration
}

// Bouncer streams decisions from the CrowdSec Local API into a List.
type Bouncer struct {
	list   *List
	stream *csbouncer.StreamBouncer
	cfg    Config
}

// NewBouncer prepares a stream bouncer feeding list. No connection is made
// until Run.
func NewBouncer(cfg Config, list *List) *Bouncer {
	tlsSkipVerify := cfg.TLSSkipVerify
	return &Bouncer{
		list: list,
		cfg:  cfg,
		stream: &csbouncer.StreamBouncer{
			APIKey:             cfg.LAPIKey,
			APIUrl:             cfg.LAPIURL,
			TickerInterval:     cfg.PollInterval,
			UserAgent:          "guestbookd/" + cfg.Version,
			InsecureSkipVerify: &tlsSkipVerify,
		},
	}
}

// Run initialises the stream and applies decisions until ctx is cancelled or
// the stream closes.
func (b *Bouncer) Run(ctx context.Context) error {
	if err := b.stream.Init(); err != nil {
		return err
	}

	go b.stream.Run(ctx)

	if b.cfg.UsageMetricsInterval > 0 {
		sender := telemetry.NewSender(b.cfg.Version, time.Now(), b.cfg.UsageMetricsInterval,
			b.list.Usage(), telemetry.PushFunc(b.pushUsageMetrics))
		go sender.Run(ctx)
	}

	log.Info().Str("poll_interval", b.cfg.PollInterval).Msg("crowdsec ban list started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("crowdsec ban list stopped")
			return nil

		case data, ok := <-b.stream.Stream:
			if !ok {
				log.Info().Msg("lapi stream closed")
				return nil
			}
			if data == nil {
				continue
			}

			for _, d := range data.New {
				if d == nil {
					continue
				}
				dec := &Decision{
					Origin:   ptrStr(d.Origin),
					Scenario: ptrStr(d.Scenario),
					Scope:    ptrStr(d.Scope),
					Type:     ptrStr(d.Type),
					Value:    ptrStr(d.Value),
					Duration: ptrStr(d.Duration),
				}
				if reason := b.list.Add(dec); reason != nil {
					log.Debug().
						Str("ip", dec.Value).
						Str("filter", reason.Filter).
						Str("detail", reason.Detail).
						Msg("decision filtered")
					continue
				}
				log.Info().Str("ip", dec.Value).Str("scenario", dec.Scenario).Str("duration", dec.Duration).Msg("ip banned")
			}

			for _, d := range data.Deleted {
				if d == nil || d.Value == nil {
					continue
				}
				b.list.Remove(&Decision{Value: *d.Value})
				log.Debug().Str("ip", *d.Value).Msg("ban lifted")
			}
		}
	}
}

// pushUsageMetrics posts one payload to the LAPI usage-metrics endpoint with
// the stream's authenticated client.
func (b *Bouncer) pushUsageMetrics(ctx context.Context, payload telemetry.MetricsPayload) error {
	if b.stream == nil || b.stream.APIClient == nil {
		return errors.New("banlist: lapi client not initialized")
	}
	client := b.stream.APIClient
	req, err := client.NewRequest(http.MethodPost, fmt.Sprintf("%s/usage-metrics", client.URLPrefix), &payload)
	if err != nil {
		return fmt.Errorf("banlist: build usage metrics request: %w", err)
	}
	if _, err := client.Do(ctx, req, nil); err != nil {
		return fmt.Errorf("banlist: push usage metrics: %w", err)
	}
	return nil
}

// ptrStr safely dereferences a *string, returning "" for nil pointers.
func ptrStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
