package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all runtime configuration.
type Config struct {
	// HTTP
	ListenAddr            string `koanf:"listen_addr"`
	TrustForwardedHeaders bool   `koanf:"trust_forwarded_headers"`
	CORSAllowedOrigins    string `koanf:"cors_allowed_origins"` // comma-separated, "" = CORS off
	CookieSecure          bool   `koanf:"cookie_secure"`

	// Guestbook
	MessageCap         int           `koanf:"message_cap"`
	ReportCap          int           `koanf:"report_cap"`
	ReservationTTL     time.Duration `koanf:"reservation_ttl"`
	RateLimitPerMinute int           `koanf:"ratelimit_per_minute"`
	RateLimitPerDay    int           `koanf:"ratelimit_per_day"`
	RateLimitBackend   string        `koanf:"ratelimit_backend"` // file | bolt
	DenylistFile       string        `koanf:"denylist_file"`     // "" = embedded list

	// CrowdSec ban list (optional)
	LAPIURL       string        `koanf:"crowdsec_lapi_url"`
	LAPIKey       string        `koanf:"crowdsec_lapi_key"`
	PollInterval  time.Duration `koanf:"crowdsec_poll_interval"`
	TLSSkipVerify bool          `koanf:"tls_skip_verify"`

	// UsageMetricsInterval is how often remediation usage is pushed to the
	// LAPI; 0 disables the push.
	UsageMetricsInterval time.Duration `koanf:"crowdsec_usage_metrics_interval"`

	// IPWhitelist lists prefixes that are never treated as banned. Parsed
	// from the comma-separated IP_WHITELIST value.
	IPWhitelist string         `koanf:"ip_whitelist"`
	Whitelist   []netip.Prefix `koanf:"-"`

	// Operational
	LogLevel        string        `koanf:"log_level"`
	LogFormat       string        `koanf:"log_format"`
	DataDir         string        `koanf:"data_dir"`
	MetricsEnabled  bool          `koanf:"metrics_enabled"`
	MetricsAddr     string        `koanf:"metrics_addr"` // "" = disabled
	JanitorInterval time.Duration `koanf:"janitor_interval"`

	// BuildVersion is stamped by main, not loaded.
	BuildVersion string `koanf:"-"`
}

// defaults is the lowest-priority layer.
var defaults = map[string]any{
	"listen_addr":                     ":8080",
	"trust_forwarded_headers":         true,
	"cors_allowed_origins":            "",
	"cookie_secure":                   false,
	"message_cap":                     2000,
	"report_cap":                      2000,
	"reservation_ttl":                 30 * 24 * time.Hour,
	"ratelimit_per_minute":            10,
	"ratelimit_per_day":               500,
	"ratelimit_backend":               "file",
	"denylist_file":                   "",
	"crowdsec_lapi_url":               "",
	"crowdsec_lapi_key":               "",
	"crowdsec_poll_interval":          30 * time.Second,
	"tls_skip_verify":                 false,
	"crowdsec_usage_metrics_interval": 30 * time.Minute,
	"ip_whitelist":                    "",
	"log_level":                       "info",
	"log_format":                      "json",
	"data_dir":                        "/data",
	"metrics_enabled":                 true,
	"metrics_addr":                    ":9090",
	"janitor_interval":                time.Hour,
}

// Load reads configuration from (lowest → highest priority):
//  1. Built-in defaults
//  2. YAML file at CONFIG_FILE env var path (if set)
//  3. Environment variables (always highest priority)
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		if err := k.Load(file.Provider(cfgFile), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", cfgFile, err)
		}
	}

	// Transform: "RATELIMIT_PER_MINUTE" → "ratelimit_per_minute". Only keys
	// with a default are taken from the environment so unrelated variables
	// (PATH, HOME, ...) never reach the config.
	if err := k.Load(env.Provider("", ".", func(s string) string {
		key := strings.ToLower(s)
		if _, ok := defaults[key]; !ok {
			return ""
		}
		return key
	}), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	cfg.LogLevel = strings.TrimSpace(strings.ToLower(cfg.LogLevel))
	cfg.LogFormat = strings.TrimSpace(strings.ToLower(cfg.LogFormat))
	cfg.RateLimitBackend = strings.TrimSpace(strings.ToLower(cfg.RateLimitBackend))

	if !cfg.MetricsEnabled {
		cfg.MetricsAddr = ""
	}

	// Docker secrets: the direct variable wins; an unreadable file leaves the
	// key empty and validation reports it.
	if cfg.LAPIKey == "" {
		cfg.LAPIKey = readSecretFile("CROWDSEC_LAPI_KEY_FILE")
	}

	var whitelistErr error
	cfg.Whitelist, whitelistErr = parseIPWhitelist(cfg.IPWhitelist)

	if err := cfg.validate(whitelistErr); err != nil {
		return nil, err
	}

	return cfg, nil
}

// BanListEnabled reports whether CrowdSec credentials are configured.
func (c *Config) BanListEnabled() bool {
	return c.LAPIURL != "" && c.LAPIKey != ""
}

// AllowedOrigins splits CORSAllowedOrigins into its entries.
func (c *Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func (c *Config) validate(whitelistErr error) error {
	var errs []string

	if whitelistErr != nil {
		errs = append(errs, fmt.Sprintf("IP_WHITELIST: %v", whitelistErr))
	}

	if strings.TrimSpace(c.ListenAddr) == "" {
		errs = append(errs, "LISTEN_ADDR is required (e.g., :8080)")
	}
	if c.MessageCap < 1 || c.MessageCap > 100000 {
		errs = append(errs, "MESSAGE_CAP must be between 1 and 100000")
	}
	if c.ReportCap < 1 || c.ReportCap > 100000 {
		errs = append(errs, "REPORT_CAP must be between 1 and 100000")
	}
	if c.ReservationTTL < time.Minute {
		errs = append(errs, "RESERVATION_TTL must be at least 1m")
	}
	if c.RateLimitPerMinute < 0 {
		errs = append(errs, "RATELIMIT_PER_MINUTE must not be negative (0 disables)")
	}
	if c.RateLimitPerDay < 0 {
		errs = append(errs, "RATELIMIT_PER_DAY must not be negative (0 disables)")
	}
	switch c.RateLimitBackend {
	case "file", "bolt":
	default:
		errs = append(errs, fmt.Sprintf("RATELIMIT_BACKEND must be file or bolt (got %q)", c.RateLimitBackend))
	}
	for _, o := range c.AllowedOrigins() {
		if o != "*" && !strings.HasPrefix(o, "http://") && !strings.HasPrefix(o, "https://") {
			errs = append(errs, fmt.Sprintf("CORS_ALLOWED_ORIGINS entry %q must be * or start with http:// or https://", o))
		}
	}
	if c.JanitorInterval < time.Second {
		errs = append(errs, "JANITOR_INTERVAL must be at least 1s")
	}

	if c.LAPIURL != "" && c.LAPIKey == "" {
		errs = append(errs, "CROWDSEC_LAPI_KEY is required when CROWDSEC_LAPI_URL is set (run: cscli bouncers add guestbookd)")
	}
	if c.LAPIKey != "" && c.LAPIURL == "" {
		errs = append(errs, "CROWDSEC_LAPI_URL is required when CROWDSEC_LAPI_KEY is set (e.g., http://crowdsec:8080)")
	}
	if c.BanListEnabled() && c.PollInterval < 10*time.Second {
		errs = append(errs, "CROWDSEC_POLL_INTERVAL must be at least 10s")
	}
	if c.UsageMetricsInterval != 0 && c.UsageMetricsInterval < 10*time.Minute {
		errs = append(errs, "CROWDSEC_USAGE_METRICS_INTERVAL must be 0 (disabled) or at least 10m")
	}

	// DataDir path sanitisation: reject traversal sequences and null bytes.
	if strings.TrimSpace(c.DataDir) == "" {
		errs = append(errs, "DATA_DIR is required")
	}
	if strings.Contains(c.DataDir, "..") {
		errs = append(errs, `DATA_DIR must not contain ".." (directory traversal)`)
	}
	if strings.ContainsRune(c.DataDir, 0) {
		errs = append(errs, "DATA_DIR must not contain null bytes")
	}
	if strings.ContainsRune(c.DenylistFile, 0) {
		errs = append(errs, "DENYLIST_FILE must not contain null bytes")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%d configuration error(s):\n  - %s", len(errs), strings.Join(errs, "\n  - "))
	}
	return nil
}

// readSecretFile returns the trimmed contents of the file named by the env
// variable key, or "" when unset or unreadable.
func readSecretFile(key string) string {
	path := strings.TrimSpace(os.Getenv(key))
	if path == "" {
		return ""
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// parseIPWhitelist parses a comma-separated list of IPs and CIDRs. Bare IPs
// become single-host prefixes and host bits are masked. Every invalid entry
// is named in the returned error.
func parseIPWhitelist(raw string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	var bad []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				bad = append(bad, entry)
				continue
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			bad = append(bad, entry)
			continue
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	if len(bad) > 0 {
		return nil, fmt.Errorf("invalid entries: %s", strings.Join(bad, ", "))
	}
	return out, nil
}
