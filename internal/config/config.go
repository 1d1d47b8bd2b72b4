package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const (
	DefaultDataDir    = "/etc/pulse-xen"
	DefaultListenAddr = ":7656"
)

// Config holds the runtime configuration for pulse-xen.
type Config struct {
	// Pool master connection
	XenHost     string
	XenUser     string
	XenPassword string `json:"-"`
	VerifySSL   bool
	Fingerprint string
	Timeout     time.Duration
	RPCTimeout  time.Duration
	RawTimeout  time.Duration

	// Synchronizer
	InventoryInterval  time.Duration
	EventInterval      time.Duration
	MetricsInterval    time.Duration
	FailurePolicy      string
	FailureMaxRetries  int
	NotifyMode         string
	AdvanceEventCursor bool

	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string

	DNSCacheTTL time.Duration
	DataPath    string

	// EnvOverrides records which settings came from the process environment
	// rather than a .env file. The watcher leaves those alone.
	EnvOverrides map[string]bool `json:"-"`

	processEnv map[string]bool
}

// Load builds the configuration from defaults, .env files and the
// environment. Variables already set in the environment win over .env files.
func Load() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func load() (*Config, error) {
	dataDir := DefaultDataDir
	if dir := os.Getenv("PULSE_XEN_DATA_DIR"); dir != "" {
		dataDir = dir
	}

	processEnv := make(map[string]bool)
	for _, kv := range os.Environ() {
		if key, _, ok := strings.Cut(kv, "="); ok {
			processEnv[key] = true
		}
	}

	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Info().Str("file", envFile).Msg("Loaded .env file")
		}
	}

	// Also try the current directory for development
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded configuration from .env in current directory")
	}

	cfg := &Config{
		Timeout:           30 * time.Second,
		RPCTimeout:        60 * time.Second,
		RawTimeout:        10 * time.Second,
		InventoryInterval: 5 * time.Second,
		EventInterval:     5 * time.Second,
		MetricsInterval:   5 * time.Second,
		FailurePolicy:     "stop",
		FailureMaxRetries: 5,
		NotifyMode:        "all",
		ListenAddr:        DefaultListenAddr,
		LogLevel:          "info",
		LogFormat:         "auto",
		DNSCacheTTL:       5 * time.Minute,
		DataPath:          dataDir,
		EnvOverrides:      make(map[string]bool),
		processEnv:        processEnv,
	}

	var errs []string
	cfg.stringVar("XEN_HOST", &cfg.XenHost)
	cfg.stringVar("XEN_USER", &cfg.XenUser)
	cfg.stringVar("XEN_PASSWORD", &cfg.XenPassword)
	cfg.stringVar("XEN_FINGERPRINT", &cfg.Fingerprint)
	cfg.stringVar("FAILURE_POLICY", &cfg.FailurePolicy)
	cfg.stringVar("NOTIFY_MODE", &cfg.NotifyMode)
	cfg.stringVar("LISTEN_ADDR", &cfg.ListenAddr)
	cfg.stringVar("METRICS_ADDR", &cfg.MetricsAddr)
	cfg.stringVar("LOG_LEVEL", &cfg.LogLevel)
	cfg.stringVar("LOG_FORMAT", &cfg.LogFormat)
	cfg.stringVar("LOG_FILE", &cfg.LogFile)

	for key, dst := range map[string]*bool{
		"XEN_VERIFY_SSL":       &cfg.VerifySSL,
		"ADVANCE_EVENT_CURSOR": &cfg.AdvanceEventCursor,
	} {
		if err := cfg.boolVar(key, dst); err != nil {
			errs = append(errs, err.Error())
		}
	}

	for key, dst := range map[string]*time.Duration{
		"XEN_TIMEOUT":        &cfg.Timeout,
		"XEN_RPC_TIMEOUT":    &cfg.RPCTimeout,
		"XEN_RAW_TIMEOUT":    &cfg.RawTimeout,
		"INVENTORY_INTERVAL": &cfg.InventoryInterval,
		"EVENT_INTERVAL":     &cfg.EventInterval,
		"METRICS_INTERVAL":   &cfg.MetricsInterval,
		"DNS_CACHE_TTL":      &cfg.DNSCacheTTL,
	} {
		if err := cfg.durationVar(key, dst); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if raw := strings.TrimSpace(os.Getenv("FAILURE_MAX_RETRIES")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			errs = append(errs, fmt.Sprintf("FAILURE_MAX_RETRIES: invalid integer %q", raw))
		} else {
			cfg.FailureMaxRetries = n
			cfg.markOverride("FAILURE_MAX_RETRIES")
		}
	}

	cfg.FailurePolicy = strings.ToLower(cfg.FailurePolicy)
	cfg.NotifyMode = strings.ToLower(cfg.NotifyMode)
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

func (c *Config) stringVar(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
		c.markOverride(key)
	}
}

func (c *Config) boolVar(key string, dst *bool) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("%s: invalid boolean %q", key, raw)
	}
	*dst = v
	c.markOverride(key)
	return nil
}

func (c *Config) durationVar(key string, dst *time.Duration) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	d, err := parseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	c.markOverride(key)
	return nil
}

func (c *Config) markOverride(key string) {
	if c.processEnv[key] {
		c.EnvOverrides[key] = true
	}
}

// parseDuration accepts Go durations ("1m30s") and bare numbers of seconds
// ("5", "5.001").
func parseDuration(raw string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	return d, nil
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.XenHost) == "" {
		return fmt.Errorf("XEN_HOST is required")
	}
	if c.XenUser == "" || c.XenPassword == "" {
		return fmt.Errorf("XEN_USER and XEN_PASSWORD are required")
	}

	for name, d := range map[string]time.Duration{
		"XEN_TIMEOUT":        c.Timeout,
		"XEN_RPC_TIMEOUT":    c.RPCTimeout,
		"XEN_RAW_TIMEOUT":    c.RawTimeout,
		"INVENTORY_INTERVAL": c.InventoryInterval,
		"EVENT_INTERVAL":     c.EventInterval,
		"METRICS_INTERVAL":   c.MetricsInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	switch c.FailurePolicy {
	case "stop", "retry":
	case "backoff":
		if c.FailureMaxRetries < 1 {
			return fmt.Errorf("FAILURE_MAX_RETRIES must be at least 1 with the backoff policy")
		}
	default:
		return fmt.Errorf("FAILURE_POLICY must be one of stop, backoff, retry (got %q)", c.FailurePolicy)
	}

	switch c.NotifyMode {
	case "all", "changed":
	default:
		return fmt.Errorf("NOTIFY_MODE must be all or changed (got %q)", c.NotifyMode)
	}

	switch c.LogFormat {
	case "", "auto", "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be auto, json or console (got %q)", c.LogFormat)
	}

	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR must not be empty")
	}
	return nil
}

// EnvPath returns the .env file the watcher should follow.
func (c *Config) EnvPath() string {
	dir := c.DataPath
	if dir == "" {
		dir = DefaultDataDir
	}
	return filepath.Join(dir, ".env")
}
