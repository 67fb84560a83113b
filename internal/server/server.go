// Package server wires the guestbook service, its stores and the optional
// CrowdSec ban list into the HTTP runtime: the public API, the metrics
// listener and the janitor.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/developingchet/guestbookd/internal/banlist"
	"github.com/developingchet/guestbookd/internal/config"
	"github.com/developingchet/guestbookd/internal/guestbook"
	"github.com/developingchet/guestbookd/internal/moderation"
	"github.com/developingchet/guestbookd/internal/ratelimit"
	"github.com/developingchet/guestbookd/internal/storage"
)

// Data file names under DataDir.
const (
	messagesFile     = "messages.json"
	reservationsFile = "reservations.json"
	colorsFile       = "colors.json"
	reportsFile      = "reports.json"
	rateLimitDir     = "ratelimit"
	rateLimitDB      = "ratelimit.db"
)

const shutdownTimeout = 5 * time.Second

// streamer is the ban list feed; *banlist.Bouncer in production.
type streamer interface {
	Run(ctx context.Context) error
}

// Server is the guestbookd runtime.
type Server struct {
	cfg        *config.Config
	svc        *guestbook.Service
	counters   storage.CounterStore
	bans       *banlist.List
	bouncer    streamer
	router     *gin.Engine
	httpSrv    *http.Server
	metricsSrv *http.Server // nil when MetricsAddr == ""
}

// New opens every store under cfg.DataDir and builds the HTTP handlers. No
// listener is started until Run.
func New(cfg *config.Config) (*Server, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("server: create data dir: %w", err)
	}

	stores, err := openStores(cfg)
	if err != nil {
		return nil, err
	}

	counters, err := openCounters(cfg)
	if err != nil {
		return nil, err
	}

	filter, err := moderation.Load(cfg.DenylistFile)
	if err != nil {
		_ = counters.Close()
		return nil, err
	}

	s := &Server{cfg: cfg, counters: counters}

	opts := guestbook.Options{
		Limiter:        ratelimit.New(counters, cfg.RateLimitPerMinute, cfg.RateLimitPerDay),
		Filter:         filter,
		ReservationTTL: cfg.ReservationTTL,
	}
	if cfg.BanListEnabled() {
		s.bans = banlist.New(cfg.Whitelist)
		s.bouncer = banlist.NewBouncer(banlist.Config{
			LAPIURL:              cfg.LAPIURL,
			LAPIKey:              cfg.LAPIKey,
			PollInterval:         cfg.PollInterval.String(),
			TLSSkipVerify:        cfg.TLSSkipVerify,
			Version:              cfg.BuildVersion,
			UsageMetricsInterval: cfg.UsageMetricsInterval,
		}, s.bans)
		opts.Bans = s.bans
	}
	s.svc = guestbook.New(stores, opts)

	s.router = s.newRouter()
	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
			if err := s.Healthy(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		s.metricsSrv = &http.Server{
			Addr:         cfg.MetricsAddr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  30 * time.Second,
		}
	}

	return s, nil
}

func openStores(cfg *config.Config) (guestbook.Stores, error) {
	var st guestbook.Stores
	var err error
	if st.Messages, err = storage.OpenMessageLog(filepath.Join(cfg.DataDir, messagesFile), cfg.MessageCap); err != nil {
		return st, err
	}
	if st.Reservations, err = storage.OpenRegistry(filepath.Join(cfg.DataDir, reservationsFile)); err != nil {
		return st, err
	}
	if st.Colors, err = storage.OpenColorStore(filepath.Join(cfg.DataDir, colorsFile)); err != nil {
		return st, err
	}
	if st.Reports, err = storage.OpenReportLog(filepath.Join(cfg.DataDir, reportsFile), cfg.ReportCap); err != nil {
		return st, err
	}
	return st, nil
}

func openCounters(cfg *config.Config) (storage.CounterStore, error) {
	if cfg.RateLimitBackend == "bolt" {
		return storage.OpenBoltCounters(filepath.Join(cfg.DataDir, rateLimitDB))
	}
	return storage.OpenFileCounters(filepath.Join(cfg.DataDir, rateLimitDir))
}

// Handler returns the public HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves the public API until ctx is cancelled. The metrics listener,
// the janitor and the ban list feed run alongside it; a failing ban list
// feed is logged and does not stop the guestbook.
func (s *Server) Run(ctx context.Context) error {
	if s.metricsSrv != nil {
		go func() {
			log.Info().Str("addr", s.cfg.MetricsAddr).Msg("metrics server listening")
			if err := s.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}

	go runJanitor(ctx, s, s.cfg.JanitorInterval)

	if s.bouncer != nil {
		go func() {
			if err := s.bouncer.Run(ctx); err != nil {
				log.Error().Err(err).Msg("crowdsec ban list failed, writes are no longer checked against it")
			}
		}()
	}

	log.Info().
		Str("addr", s.cfg.ListenAddr).
		Str("data_dir", s.cfg.DataDir).
		Str("ratelimit_backend", s.cfg.RateLimitBackend).
		Int("ratelimit_per_minute", s.cfg.RateLimitPerMinute).
		Int("ratelimit_per_day", s.cfg.RateLimitPerDay).
		Bool("banlist", s.bouncer != nil).
		Str("log_level", s.cfg.LogLevel).
		Msg("guestbookd started")

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http server shutdown error")
		}
		log.Info().Msg("guestbookd stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: listen %s: %w", s.cfg.ListenAddr, err)
	}
}

// Healthy reports whether the data directory accepts writes.
func (s *Server) Healthy(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.CreateTemp(s.cfg.DataDir, ".healthz-*")
	if err != nil {
		return fmt.Errorf("data dir not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// Purge removes expired reservations.
func (s *Server) Purge(ctx context.Context) (int, error) {
	return s.svc.Purge(ctx)
}

// PurgeReservations removes expired reservations under cfg.DataDir. It opens
// only the registry, whose file lock is shared with a running server, so it
// is safe beside a live daemon whatever the rate-limit backend.
func PurgeReservations(ctx context.Context, cfg *config.Config) (int, error) {
	reg, err := storage.OpenRegistry(filepath.Join(cfg.DataDir, reservationsFile))
	if err != nil {
		return 0, err
	}
	return reg.Purge(ctx)
}

// DataFiles reports the size of every data file, including the bbolt
// counter database when that backend is in use.
func (s *Server) DataFiles() map[string]int64 {
	files := s.svc.DataFiles()
	if s.cfg.RateLimitBackend == "bolt" {
		if info, err := os.Stat(s.counters.Path()); err == nil {
			files[s.counters.Path()] = info.Size()
		}
	}
	return files
}

// Close performs graceful shutdown of everything Run does not own.
func (s *Server) Close() {
	if s.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.metricsSrv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("metrics server shutdown error")
		}
	}
	if err := s.counters.Close(); err != nil {
		log.Warn().Err(err).Msg("counter store close failed")
	}
}
