// Package config loads the control plane's settings from an optional .env
// file and MULTICAM_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "MULTICAM_"

// Config holds every setting of cmd/server. Flags may override fields after
// Load; call Validate once they are applied.
type Config struct {
	Addr      string
	LogLevel  string
	LogFormat string
	TLSCert   string
	TLSKey    string

	StorageDriver          string
	DataPath               string
	PostgresDSN            string
	PostgresMaxConns       int
	PostgresMinConns       int
	PostgresMaxConnIdle    time.Duration
	PostgresAcquireTimeout time.Duration

	FFmpegPath    string
	RTMPHost      string
	RTMPPort      int
	IngestApp     string
	RelayApp      string
	HLSRoot       string
	PublicBaseURL string

	Grace              time.Duration
	StartupProbe       time.Duration
	FlushTimeout       time.Duration
	StaleTimeout       time.Duration
	SweepInterval      time.Duration
	ArtifactMaxAge     time.Duration
	RelayPruneInterval time.Duration

	HookToken         string
	OwnersFile        string
	OperatorTokens    string
	RelayAccountsFile string
	RelaysEnabled     bool

	NotifyDriver  string
	RedisAddr     string
	RedisPassword string
	RedisPrefix   string

	CORSOrigins      []string
	RateGlobalRPS    float64
	RateGlobalBurst  int
	PINAttempts      int
	PINWindow        time.Duration
	TrustForwarded   bool
	ShutdownTimeout  time.Duration
	SessionPing      time.Duration
	NotifyQueueSize  int
	SubscriberBuffer int
	MetricsDisabled  bool
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Addr:               ":8080",
		LogLevel:           "info",
		LogFormat:          "json",
		StorageDriver:      "json",
		DataPath:           "data/multicam.json",
		PostgresMaxConns:   10,
		FFmpegPath:         "ffmpeg",
		RTMPHost:           "127.0.0.1",
		RTMPPort:           1935,
		IngestApp:          "live",
		RelayApp:           "program_switch",
		HLSRoot:            "/var/www/hls",
		Grace:              5 * time.Second,
		StartupProbe:       500 * time.Millisecond,
		FlushTimeout:       10 * time.Second,
		StaleTimeout:       2 * time.Minute,
		SweepInterval:      30 * time.Second,
		ArtifactMaxAge:     20 * time.Second,
		RelayPruneInterval: 15 * time.Second,
		RelaysEnabled:      true,
		NotifyDriver:       "memory",
		RedisPrefix:        "multicam:events",
		PINAttempts:        10,
		PINWindow:          time.Minute,
		ShutdownTimeout:    10 * time.Second,
		SessionPing:        25 * time.Second,
		NotifyQueueSize:    1024,
		SubscriberBuffer:   64,
	}
}

// Load applies the given .env files (".env" when none are named) and then
// the environment over Default. A missing default .env is not an error.
func Load(envFiles ...string) (Config, error) {
	explicit := len(envFiles) > 0
	if !explicit {
		envFiles = []string{".env"}
	}
	if err := godotenv.Load(envFiles...); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env files: %w", err)
		}
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv reads MULTICAM_* values through lookup.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	r := reader{lookup: lookup}

	r.str("ADDR", &cfg.Addr)
	r.str("LOG_LEVEL", &cfg.LogLevel)
	r.str("LOG_FORMAT", &cfg.LogFormat)
	r.str("TLS_CERT", &cfg.TLSCert)
	r.str("TLS_KEY", &cfg.TLSKey)

	r.str("STORAGE_DRIVER", &cfg.StorageDriver)
	r.str("DATA", &cfg.DataPath)
	r.str("POSTGRES_DSN", &cfg.PostgresDSN)
	if cfg.PostgresDSN == "" {
		if dsn, ok := lookup("DATABASE_URL"); ok {
			cfg.PostgresDSN = strings.TrimSpace(dsn)
		}
	}
	r.integer("POSTGRES_MAX_CONNS", &cfg.PostgresMaxConns)
	r.integer("POSTGRES_MIN_CONNS", &cfg.PostgresMinConns)
	r.duration("POSTGRES_MAX_CONN_IDLE", &cfg.PostgresMaxConnIdle)
	r.duration("POSTGRES_ACQUIRE_TIMEOUT", &cfg.PostgresAcquireTimeout)

	r.str("FFMPEG", &cfg.FFmpegPath)
	r.str("RTMP_HOST", &cfg.RTMPHost)
	r.integer("RTMP_PORT", &cfg.RTMPPort)
	r.str("INGEST_APP", &cfg.IngestApp)
	r.str("RELAY_APP", &cfg.RelayApp)
	r.str("HLS_ROOT", &cfg.HLSRoot)
	r.str("PUBLIC_BASE_URL", &cfg.PublicBaseURL)

	r.duration("GRACE", &cfg.Grace)
	r.duration("STARTUP_PROBE", &cfg.StartupProbe)
	r.duration("FLUSH_TIMEOUT", &cfg.FlushTimeout)
	r.duration("STALE_TIMEOUT", &cfg.StaleTimeout)
	r.duration("SWEEP_INTERVAL", &cfg.SweepInterval)
	r.duration("ARTIFACT_MAX_AGE", &cfg.ArtifactMaxAge)
	r.duration("RELAY_PRUNE_INTERVAL", &cfg.RelayPruneInterval)

	r.str("HOOK_TOKEN", &cfg.HookToken)
	r.str("OWNERS_FILE", &cfg.OwnersFile)
	r.str("OPERATOR_TOKENS", &cfg.OperatorTokens)
	r.str("RELAY_ACCOUNTS_FILE", &cfg.RelayAccountsFile)
	r.boolean("RELAYS_ENABLED", &cfg.RelaysEnabled)

	r.str("NOTIFY_DRIVER", &cfg.NotifyDriver)
	r.str("REDIS_ADDR", &cfg.RedisAddr)
	r.str("REDIS_PASSWORD", &cfg.RedisPassword)
	r.str("REDIS_PREFIX", &cfg.RedisPrefix)

	r.list("CORS_ORIGINS", &cfg.CORSOrigins)
	r.float("RATE_GLOBAL_RPS", &cfg.RateGlobalRPS)
	r.integer("RATE_GLOBAL_BURST", &cfg.RateGlobalBurst)
	r.integer("RATE_PIN_ATTEMPTS", &cfg.PINAttempts)
	r.duration("RATE_PIN_WINDOW", &cfg.PINWindow)
	r.boolean("RATE_TRUST_FORWARDED_HEADERS", &cfg.TrustForwarded)
	r.duration("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)
	r.duration("SESSION_PING", &cfg.SessionPing)
	r.integer("NOTIFY_QUEUE_SIZE", &cfg.NotifyQueueSize)
	r.integer("SUBSCRIBER_BUFFER", &cfg.SubscriberBuffer)
	r.boolean("DISABLE_METRICS", &cfg.MetricsDisabled)

	cfg.StorageDriver = strings.ToLower(cfg.StorageDriver)
	cfg.NotifyDriver = strings.ToLower(cfg.NotifyDriver)
	if len(r.errs) > 0 {
		return Config{}, errors.Join(r.errs...)
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, errors.New("tls cert and key must be set together"))
	}
	switch c.StorageDriver {
	case "json":
	case "postgres":
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres storage requires MULTICAM_POSTGRES_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.StorageDriver))
	}
	if strings.TrimSpace(c.FFmpegPath) == "" {
		errs = append(errs, errors.New("ffmpeg path is required"))
	}
	if strings.TrimSpace(c.HLSRoot) == "" {
		errs = append(errs, errors.New("hls root is required"))
	}
	if c.RTMPPort <= 0 || c.RTMPPort > 65535 {
		errs = append(errs, fmt.Errorf("rtmp port %d out of range", c.RTMPPort))
	}
	if base := strings.TrimSpace(c.PublicBaseURL); base != "" {
		if parsed, err := url.Parse(base); err != nil || parsed.Scheme == "" || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("public base url %q must be absolute", base))
		}
	}
	if strings.TrimSpace(c.HookToken) == "" {
		errs = append(errs, errors.New("MULTICAM_HOOK_TOKEN is required"))
	}
	if strings.TrimSpace(c.OperatorTokens) == "" {
		errs = append(errs, errors.New("MULTICAM_OPERATOR_TOKENS is required"))
	}
	for name, d := range map[string]time.Duration{
		"grace":          c.Grace,
		"stale timeout":  c.StaleTimeout,
		"sweep interval": c.SweepInterval,
		"artifact age":   c.ArtifactMaxAge,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.StartupProbe < 0 {
		errs = append(errs, errors.New("startup probe must not be negative"))
	}
	if c.StaleTimeout > 0 && c.SweepInterval > c.StaleTimeout {
		errs = append(errs, fmt.Errorf("sweep interval %s exceeds stale timeout %s", c.SweepInterval, c.StaleTimeout))
	}
	switch c.NotifyDriver {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.RedisAddr) == "" {
			errs = append(errs, errors.New("redis notifications require MULTICAM_REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown notify driver %q", c.NotifyDriver))
	}
	return errors.Join(errs...)
}

type reader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *reader) get(key string) (string, bool) {
	value, ok := r.lookup(envPrefix + key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func (r *reader) str(key string, dest *string) {
	if value, ok := r.get(key); ok {
		*dest = value
	}
}

func (r *reader) integer(key string, dest *int) {
	if value, ok := r.get(key); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
			return
		}
		*dest = parsed
	}
}

func (r *reader) float(key string, dest *float64) {
	if value, ok := r.get(key); ok {
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
			return
		}
		*dest = parsed
	}
}

func (r *reader) boolean(key string, dest *bool) {
	if value, ok := r.get(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
			return
		}
		*dest = parsed
	}
}

func (r *reader) duration(key string, dest *time.Duration) {
	if value, ok := r.get(key); ok {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
			return
		}
		*dest = parsed
	}
}

func (r *reader) list(key string, dest *[]string) {
	if value, ok := r.get(key); ok {
		var items []string
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		*dest = items
	}
}
