package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developingchet/guestbookd/internal/config"
	"github.com/developingchet/guestbookd/internal/server"
	"github.com/developingchet/guestbookd/internal/storage"
)

// stubRuntime stands in for *server.Server. Zero value runs until ctx ends
// and reports healthy.
type stubRuntime struct {
	runErr error
	closed atomic.Int32
}

func (s *stubRuntime) Run(ctx context.Context) error {
	if s.runErr != nil {
		return s.runErr
	}
	<-ctx.Done()
	return nil
}

func (s *stubRuntime) Healthy(context.Context) error { return nil }

func (s *stubRuntime) Close() { s.closed.Add(1) }

// harness swaps every seam in main.go for a controllable stand-in and puts
// the originals back when the test ends.
type harness struct {
	cfg        *config.Config
	cfgErr     error
	rt         *stubRuntime
	rtErr      error
	registered bool
	built      *config.Config
	purged     int
	purgeErr   error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	saved := struct {
		load     func() (*config.Config, error)
		register func()
		signal   func(context.Context) (context.Context, context.CancelFunc)
		runtime  func(*config.Config) (runtimeServer, error)
		probe    func(context.Context, string) error
		purge    func(context.Context, *config.Config) (int, error)
	}{loadConfig, registerMetrics, newSignalContext, newRuntime, probeHealth, purgeExpired}
	t.Cleanup(func() {
		loadConfig, registerMetrics, newSignalContext = saved.load, saved.register, saved.signal
		newRuntime, probeHealth, purgeExpired = saved.runtime, saved.probe, saved.purge
	})

	h := &harness{
		cfg: &config.Config{LogLevel: "info", LogFormat: "json", ListenAddr: ":8080"},
		rt:  &stubRuntime{},
	}
	loadConfig = func() (*config.Config, error) {
		if h.cfgErr != nil {
			return nil, h.cfgErr
		}
		return h.cfg, nil
	}
	registerMetrics = func() { h.registered = true }
	newSignalContext = func(parent context.Context) (context.Context, context.CancelFunc) {
		return context.WithCancel(parent)
	}
	newRuntime = func(c *config.Config) (runtimeServer, error) {
		h.built = c
		if h.rtErr != nil {
			return nil, h.rtErr
		}
		return h.rt, nil
	}
	purgeExpired = func(context.Context, *config.Config) (int, error) {
		return h.purged, h.purgeErr
	}
	return h
}

// execute runs the root command with args and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCmd_VersionAndHelp(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "guestbookd "+version)

	out, err = execute(t, "--help")
	require.NoError(t, err)
	for _, sub := range []string{"Usage", "serve", "healthcheck", "purge", "version"} {
		assert.Contains(t, out, sub)
	}
}

func TestCommands_ConfigError(t *testing.T) {
	for name, run := range map[string]func() error{
		"serve":       func() error { return runServe(nil, nil) },
		"healthcheck": func() error { return runHealthcheck(nil, nil) },
		"purge":       func() error { return runPurge(nil, nil) },
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.cfgErr = errors.New("bad config")
			assert.ErrorContains(t, run(), "configuration error")
		})
	}
}

func TestRunServe_StopsCleanlyOnSignal(t *testing.T) {
	h := newHarness(t)
	newSignalContext = func(parent context.Context) (context.Context, context.CancelFunc) {
		ctx, cancel := context.WithCancel(parent)
		cancel()
		return ctx, cancel
	}

	require.NoError(t, runServe(nil, nil))
	assert.True(t, h.registered)
	assert.Equal(t, version, h.built.BuildVersion)
	assert.EqualValues(t, 1, h.rt.closed.Load())
}

func TestRunServe_Failures(t *testing.T) {
	h := newHarness(t)
	h.rtErr = errors.New("data dir unwritable")
	assert.ErrorContains(t, runServe(nil, nil), "server init")

	h = newHarness(t)
	h.rt.runErr = errors.New("listen tcp: address in use")
	assert.ErrorContains(t, runServe(nil, nil), "address in use")
	assert.EqualValues(t, 1, h.rt.closed.Load(), "runtime closed even when Run fails")
}

func TestRunHealthcheck_UsesTimeoutAndLocalURL(t *testing.T) {
	newHarness(t)
	var probed string
	probeHealth = func(ctx context.Context, url string) error {
		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(healthcheckTimeout), deadline, time.Second)
		probed = url
		return nil
	}

	require.NoError(t, runHealthcheck(nil, nil))
	assert.Equal(t, "http://localhost:8080/healthz", probed)
}

func TestRunHealthcheck_RealProbe(t *testing.T) {
	h := newHarness(t)
	var status atomic.Int32
	status.Store(http.StatusOK)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		w.WriteHeader(int(status.Load()))
	}))
	defer ts.Close()
	h.cfg.ListenAddr = ts.Listener.Addr().String()

	require.NoError(t, runHealthcheck(nil, nil))

	status.Store(http.StatusServiceUnavailable)
	assert.ErrorContains(t, runHealthcheck(nil, nil), "returned 503")

	h.cfg.ListenAddr = "127.0.0.1:1"
	assert.ErrorContains(t, runHealthcheck(nil, nil), "healthcheck")
}

func TestHealthURL(t *testing.T) {
	for addr, want := range map[string]string{
		":8080":          "http://localhost:8080/healthz",
		"0.0.0.0:9000":   "http://localhost:9000/healthz",
		"[::]:8080":      "http://localhost:8080/healthz",
		"127.0.0.1:8080": "http://127.0.0.1:8080/healthz",
		"[::1]:8080":     "http://[::1]:8080/healthz",
	} {
		assert.Equal(t, want, healthURL(addr), addr)
	}
}

func TestRunPurge(t *testing.T) {
	h := newHarness(t)
	h.purged = 3
	require.NoError(t, runPurge(nil, nil))
	assert.Nil(t, h.built, "purge does not build the server")
	assert.False(t, h.registered, "purge does not register metrics")

	h = newHarness(t)
	h.purgeErr = errors.New("locked")
	assert.ErrorContains(t, runPurge(nil, nil), "purge: locked")
}

func TestRunPurge_BesideLiveBoltCounters(t *testing.T) {
	h := newHarness(t)
	purgeExpired = server.PurgeReservations
	dir := t.TempDir()
	h.cfg.DataDir = dir
	h.cfg.RateLimitBackend = "bolt"

	// A running server holds the exclusive lock on the counter database.
	counters, err := storage.OpenBoltCounters(filepath.Join(dir, "ratelimit.db"))
	require.NoError(t, err)
	defer counters.Close()

	now := time.Now().UTC()
	seed := fmt.Sprintf(`{"old":{"name":"Old","ownerToken":"","ownerIP":"1.2.3.4","expiresAt":%q},`+
		`"nova":{"name":"Nova","ownerToken":"","ownerIP":"1.2.3.4","expiresAt":%q}}`,
		now.Add(-time.Hour).Format(time.RFC3339), now.Add(time.Hour).Format(time.RFC3339))
	path := filepath.Join(dir, "reservations.json")
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o600))

	done := make(chan error, 1)
	go func() { done <- runPurge(nil, nil) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("purge blocked on the counter database lock")
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"Old"`)
	assert.Contains(t, string(data), `"Nova"`)
}

func TestInitLogging_Levels(t *testing.T) {
	for in, want := range map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"debug":   zerolog.DebugLevel,
		"info":    zerolog.InfoLevel,
		"warn":    zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"nope":    zerolog.InfoLevel,
	} {
		initLogging(in, "json")
		assert.Equal(t, want, zerolog.GlobalLevel(), in)
	}
	assert.NotPanics(t, func() { initLogging("info", "text") })
}

// Subprocess tests re-exec the test binary so main() can call os.Exit.
func runMainSubprocess(t *testing.T, env ...string) (string, error) {
	t.Helper()
	cmd := exec.Command(os.Args[0], "-test.run=TestMainSubprocess")
	cmd.Env = append(append(os.Environ(), "GUESTBOOKD_MAIN_SUBPROCESS=1"), env...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func TestMainSubprocess(t *testing.T) {
	if os.Getenv("GUESTBOOKD_MAIN_SUBPROCESS") != "1" {
		t.Skip("helper for the main() subprocess tests")
	}
	os.Args = append([]string{"guestbookd"}, os.Getenv("GUESTBOOKD_ARGS"))
	if os.Args[1] == "" {
		os.Args = os.Args[:1]
	}
	main()
}

func TestMain_Version(t *testing.T) {
	out, err := runMainSubprocess(t, "GUESTBOOKD_ARGS=version")
	require.NoError(t, err, out)
	assert.Contains(t, out, "guestbookd")
}

func TestMain_ConfigErrorExitsOne(t *testing.T) {
	out, err := runMainSubprocess(t, "GUESTBOOKD_ARGS=", "CONFIG_FILE=", "RATELIMIT_BACKEND=redis")
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr, out)
	assert.Equal(t, 1, exitErr.ExitCode())
	assert.Contains(t, out, "configuration error")
}

func TestDefaultSeams(t *testing.T) {
	ctx, cancel := newSignalContext(context.Background())
	cancel()
	<-ctx.Done()

	cfg := &config.Config{
		ListenAddr:         "127.0.0.1:0",
		MessageCap:         10,
		ReportCap:          10,
		ReservationTTL:     time.Hour,
		RateLimitPerMinute: 1,
		RateLimitBackend:   "file",
		DataDir:            t.TempDir(),
		JanitorInterval:    time.Minute,
	}
	rt, err := newRuntime(cfg)
	require.NoError(t, err)
	n, err := purgeExpired(context.Background(), cfg)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, rt.Healthy(context.Background()))
	rt.Close()

	cfg.DataDir = "/dev/null/nope"
	_, err = newRuntime(cfg)
	require.Error(t, err)
}
