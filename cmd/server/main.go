// Command server runs the multi-camera broadcast control plane.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"multicam-live/internal/api"
	"multicam-live/internal/auth"
	"multicam-live/internal/broadcast"
	"multicam-live/internal/config"
	"multicam-live/internal/ingest"
	"multicam-live/internal/layout"
	"multicam-live/internal/models"
	"multicam-live/internal/notify"
	"multicam-live/internal/observability/logging"
	"multicam-live/internal/observability/metrics"
	"multicam-live/internal/process"
	"multicam-live/internal/reconcile"
	"multicam-live/internal/registry"
	"multicam-live/internal/relay"
	"multicam-live/internal/server"
	"multicam-live/internal/storage"
	"multicam-live/internal/supervisor"
)

// flagOverrides holds command line values that take precedence over the
// environment when set.
type flagOverrides struct {
	addr          string
	storageDriver string
	dataPath      string
	postgresDSN   string
	ffmpegPath    string
	hlsRoot       string
	publicBaseURL string
	notifyDriver  string
	redisAddr     string
	tlsCert       string
	tlsKey        string
	logLevel      string
	logFormat     string
}

func main() {
	envFile := flag.String("env-file", "", "path to a .env file (defaults to ./.env when present)")
	var overrides flagOverrides
	flag.StringVar(&overrides.addr, "addr", "", "HTTP listen address")
	flag.StringVar(&overrides.storageDriver, "storage-driver", "", "datastore driver (json or postgres)")
	flag.StringVar(&overrides.dataPath, "data", "", "path to JSON datastore")
	flag.StringVar(&overrides.postgresDSN, "postgres-dsn", "", "Postgres connection string")
	flag.StringVar(&overrides.ffmpegPath, "ffmpeg", "", "path to the ffmpeg binary")
	flag.StringVar(&overrides.hlsRoot, "hls-root", "", "directory the program output is written under")
	flag.StringVar(&overrides.publicBaseURL, "public-base-url", "", "public URL the HLS root is served from")
	flag.StringVar(&overrides.notifyDriver, "notify-driver", "", "notification transport (memory or redis)")
	flag.StringVar(&overrides.redisAddr, "redis-addr", "", "Redis address for notifications and PIN throttling")
	flag.StringVar(&overrides.tlsCert, "tls-cert", "", "path to TLS certificate file")
	flag.StringVar(&overrides.tlsKey, "tls-key", "", "path to TLS private key file")
	flag.StringVar(&overrides.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.StringVar(&overrides.logFormat, "log-format", "", "log format (json or text)")
	flag.Parse()

	var envFiles []string
	if strings.TrimSpace(*envFile) != "" {
		envFiles = append(envFiles, *envFile)
	}
	cfg, err := config.Load(envFiles...)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}
	applyOverrides(&cfg, overrides)

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		stop()
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func applyOverrides(cfg *config.Config, o flagOverrides) {
	cfg.Addr = firstNonEmpty(o.addr, cfg.Addr)
	cfg.StorageDriver = strings.ToLower(firstNonEmpty(o.storageDriver, cfg.StorageDriver))
	cfg.DataPath = firstNonEmpty(o.dataPath, cfg.DataPath)
	cfg.PostgresDSN = firstNonEmpty(o.postgresDSN, cfg.PostgresDSN)
	cfg.FFmpegPath = firstNonEmpty(o.ffmpegPath, cfg.FFmpegPath)
	cfg.HLSRoot = firstNonEmpty(o.hlsRoot, cfg.HLSRoot)
	cfg.PublicBaseURL = firstNonEmpty(o.publicBaseURL, cfg.PublicBaseURL)
	cfg.NotifyDriver = strings.ToLower(firstNonEmpty(o.notifyDriver, cfg.NotifyDriver))
	cfg.RedisAddr = firstNonEmpty(o.redisAddr, cfg.RedisAddr)
	cfg.TLSCert = firstNonEmpty(o.tlsCert, cfg.TLSCert)
	cfg.TLSKey = firstNonEmpty(o.tlsKey, cfg.TLSKey)
	cfg.LogLevel = firstNonEmpty(o.logLevel, cfg.LogLevel)
	cfg.LogFormat = firstNonEmpty(o.logFormat, cfg.LogFormat)
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	recorder := metrics.Default()
	clock := clockwork.NewRealClock()

	repo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := repo.Close(closeCtx); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	}()

	directory := auth.NewDirectory(repo)
	if err := seedOwners(ctx, directory, cfg.OwnersFile, logger); err != nil {
		return err
	}
	if err := seedRelayAccounts(ctx, repo, cfg.RelayAccountsFile, logger); err != nil {
		return err
	}
	operatorTokens, err := auth.ParseOperatorTokens(cfg.OperatorTokens)
	if err != nil {
		return fmt.Errorf("operator tokens: %w", err)
	}
	tokens, err := auth.NewSessionResolver(operatorTokens)
	if err != nil {
		return fmt.Errorf("operator tokens: %w", err)
	}

	lay := layout.New(cfg.HLSRoot, cfg.PublicBaseURL, cfg.RTMPHost, cfg.RTMPPort)
	lay.IngestApp = cfg.IngestApp
	lay.RelayApp = cfg.RelayApp
	if err := lay.Validate(); err != nil {
		return err
	}
	if err := lay.EnsureProgramDir(); err != nil {
		return fmt.Errorf("prepare program directory: %w", err)
	}

	reg := registry.NewConnectionRegistry(repo, directory, registry.WithClock(clock))
	channels := registry.NewChannelState(repo, clock)

	launcher := process.NewExecLauncher(logging.WithComponent(logger, "process"), recorder)
	sup := supervisor.New(supervisor.Config{
		FFmpegPath:   cfg.FFmpegPath,
		Layout:       lay,
		Grace:        cfg.Grace,
		StartupProbe: cfg.StartupProbe,
		FlushTimeout: cfg.FlushTimeout,
	}, launcher, logging.WithComponent(logger, "supervisor"), recorder)

	hub := notify.NewHub(cfg.SubscriberBuffer, recorder)
	transport, transportPing, err := openTransport(ctx, cfg, hub, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := transport.Close(); err != nil {
			logger.Warn("failed to close notification transport", "error", err)
		}
	}()
	bus := notify.NewBus(notify.Config{
		Hub:        hub,
		Transport:  transport,
		Cameras:    reg,
		Channels:   channels,
		PreviewURL: lay.PreviewURL,
		QueueSize:  cfg.NotifyQueueSize,
		Logger:     logging.WithComponent(logger, "notify"),
		Metrics:    recorder,
	})

	var relays *relay.Manager
	if cfg.RelaysEnabled {
		relays, err = relay.NewManager(relay.Config{
			Launcher:     launcher,
			Layout:       lay,
			Channels:     channels,
			Accounts:     repo,
			FFmpegPath:   cfg.FFmpegPath,
			Grace:        cfg.Grace,
			StartupProbe: cfg.StartupProbe,
			Logger:       logging.WithComponent(logger, "relay"),
			Metrics:      recorder,
		})
		if err != nil {
			return err
		}
	}

	controller, err := broadcast.NewController(broadcast.Config{
		Registry:   reg,
		Channels:   channels,
		Supervisor: sup,
		Notifier:   bus,
		OutputURL:  lay.ProgramURL,
		Logger:     logging.WithComponent(logger, "broadcast"),
		Metrics:    recorder,
	})
	if err != nil {
		return err
	}
	if relays != nil {
		controller.SetStopHook(relays.StopOwner)
	}

	sweeper, err := reconcile.New(reconcile.Config{
		Controller:     controller,
		Registry:       reg,
		Channels:       channels,
		Supervisor:     sup,
		Artifacts:      lay,
		Notifier:       bus,
		OutputURL:      lay.ProgramURL,
		Interval:       cfg.SweepInterval,
		StaleTimeout:   cfg.StaleTimeout,
		ArtifactMaxAge: cfg.ArtifactMaxAge,
		Clock:          clock,
		Logger:         logging.WithComponent(logger, "reconcile"),
		Metrics:        recorder,
	})
	if err != nil {
		return err
	}

	corsCfg := server.CORSConfig{AllowedOrigins: cfg.CORSOrigins}
	checkOrigin, err := server.OriginChecker(corsCfg)
	if err != nil {
		return err
	}
	sessions := notify.NewSessionHandler(notify.SessionConfig{
		Bus:          bus,
		Logger:       logging.WithComponent(logger, "session"),
		Metrics:      recorder,
		PingInterval: cfg.SessionPing,
		CheckOrigin:  checkOrigin,
	})

	health := []api.HealthCheck{
		{Name: "storage", Ping: repo.Ping},
		{Name: "encoder", Ping: encoderCheck(cfg.FFmpegPath)},
	}
	if transportPing != nil {
		health = append(health, api.HealthCheck{Name: "notifications", Ping: transportPing})
	}
	handlerCfg := api.Config{
		Broadcaster: controller,
		Tokens:      tokens,
		Sessions:    sessions,
		PreviewURL:  lay.PreviewURL,
		Health:      health,
		Logger:      logging.WithComponent(logger, "api"),
	}
	if relays != nil {
		handlerCfg.Relays = relays
	}
	handler, err := api.NewHandler(handlerCfg)
	if err != nil {
		return err
	}

	hookLogger := logging.WithComponent(logger, "ingest")
	routerOpts := api.RouterOptions{
		Hooks:    ingest.NewHandler(ingest.NewHooks(directory, controller, hookLogger), cfg.HookToken, hookLogger),
		Recorder: recorder,
	}
	if !cfg.MetricsDisabled {
		routerOpts.Metrics = recorder.Handler(liveChannelGauge(repo, recorder, logger))
	}

	srv, err := server.New(api.NewRouter(handler, routerOpts), server.Config{
		Addr: cfg.Addr,
		TLS:  server.TLSConfig{CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:             cfg.RateGlobalRPS,
			GlobalBurst:           cfg.RateGlobalBurst,
			PINAttempts:           cfg.PINAttempts,
			PINWindow:             cfg.PINWindow,
			RedisAddr:             cfg.RedisAddr,
			RedisPassword:         cfg.RedisPassword,
			TrustForwardedHeaders: cfg.TrustForwarded,
			Clock:                 clock,
		},
		CORS:            corsCfg,
		Logger:          logging.WithComponent(logger, "http"),
		ShutdownTimeout: cfg.ShutdownTimeout,
	})
	if err != nil {
		return err
	}

	summary := startupSummary(cfg)
	logger.Info("starting multicam control plane", summary...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return bus.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	if relays != nil {
		stopPruner := startRelayPruneWorker(gctx, logger, relays, cfg.RelayPruneInterval, clock)
		defer stopPruner()
	}
	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if relays != nil {
		relays.Shutdown()
	}
	if err := sup.Shutdown(shutdownCtx); err != nil {
		logger.Warn("encoder shutdown incomplete", "error", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func openRepository(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Repository, error) {
	switch cfg.StorageDriver {
	case "json":
		repo, err := storage.NewJSONRepository(cfg.DataPath)
		if err != nil {
			return nil, fmt.Errorf("open json datastore: %w", err)
		}
		return repo, nil
	case "postgres":
		var opts []storage.Option
		if cfg.PostgresMaxConns > 0 || cfg.PostgresMinConns > 0 || cfg.PostgresMaxConnIdle > 0 {
			opts = append(opts, storage.WithPostgresPoolLimits(int32(cfg.PostgresMaxConns), int32(cfg.PostgresMinConns), cfg.PostgresMaxConnIdle))
		}
		if cfg.PostgresAcquireTimeout > 0 {
			opts = append(opts, storage.WithPostgresAcquireTimeout(cfg.PostgresAcquireTimeout))
		}
		opts = append(opts, storage.WithPostgresApplicationName("multicam-live"))
		repo, err := storage.NewPostgresRepository(ctx, cfg.PostgresDSN, opts...)
		if err != nil {
			return nil, fmt.Errorf("open postgres datastore: %w", err)
		}
		if migrator, ok := repo.(interface{ Migrate(context.Context) error }); ok {
			if err := migrator.Migrate(ctx); err != nil {
				_ = repo.Close(ctx)
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
			logger.Info("postgres migrations applied")
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

// openTransport returns the notification transport and, for transports
// with a remote dependency, a health probe.
func openTransport(ctx context.Context, cfg config.Config, hub *notify.Hub, logger *slog.Logger) (notify.Transport, func(context.Context) error, error) {
	switch cfg.NotifyDriver {
	case "", "memory":
		return notify.NewLocalTransport(hub), nil, nil
	case "redis":
		transport, err := notify.NewRedisTransport(ctx, notify.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Prefix:   cfg.RedisPrefix,
			Logger:   logging.WithComponent(logger, "notify"),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect notification transport: %w", err)
		}
		logger.Warn("redis notifications fan events out across processes, but camera and encoder state is still owned by a single instance")
		return transport, transport.Ping, nil
	default:
		return nil, nil, fmt.Errorf("unsupported notify driver %q", cfg.NotifyDriver)
	}
}

func seedOwners(ctx context.Context, directory *auth.Directory, path string, logger *slog.Logger) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	seeds, err := auth.LoadOwnerSeeds(path)
	if err != nil {
		return err
	}
	n, err := directory.Seed(ctx, seeds)
	if err != nil {
		return fmt.Errorf("seed owners: %w", err)
	}
	logger.Info("owners seeded", "count", n, "file", path)
	return nil
}

type relayAccountStore interface {
	SaveRelayAccount(ctx context.Context, account models.RelayAccount) error
}

func seedRelayAccounts(ctx context.Context, store relayAccountStore, path string, logger *slog.Logger) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	accounts, err := relay.LoadAccounts(path)
	if err != nil {
		return err
	}
	for _, account := range accounts {
		if err := store.SaveRelayAccount(ctx, account); err != nil {
			return fmt.Errorf("seed relay account %s/%s: %w", account.OwnerID, account.Platform, err)
		}
	}
	logger.Info("relay accounts seeded", "count", len(accounts), "file", path)
	return nil
}

func encoderCheck(ffmpegPath string) func(context.Context) error {
	return func(context.Context) error {
		if _, err := exec.LookPath(ffmpegPath); err != nil {
			return fmt.Errorf("ffmpeg unavailable: %w", err)
		}
		return nil
	}
}

type liveChannelCounter interface {
	CountLiveChannels(ctx context.Context) (int, error)
}

func liveChannelGauge(repo liveChannelCounter, recorder *metrics.Recorder, logger *slog.Logger) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := repo.CountLiveChannels(ctx)
		if err != nil {
			logger.Warn("failed to count live channels", "error", err)
			return
		}
		recorder.SetLiveChannels(n)
	}
}

func startupSummary(cfg config.Config) []any {
	storageSummary := map[string]any{"driver": cfg.StorageDriver}
	switch cfg.StorageDriver {
	case "json":
		storageSummary["path"] = cfg.DataPath
	case "postgres":
		storageSummary["dsn"] = redactDSN(cfg.PostgresDSN)
		storageSummary["max_conns"] = cfg.PostgresMaxConns
		storageSummary["min_conns"] = cfg.PostgresMinConns
	}
	notifySummary := map[string]any{"driver": cfg.NotifyDriver}
	if cfg.NotifyDriver == "redis" {
		notifySummary["addr"] = cfg.RedisAddr
		notifySummary["prefix"] = cfg.RedisPrefix
	}
	throttleSummary := map[string]any{"driver": "memory", "attempts": cfg.PINAttempts, "window": cfg.PINWindow.String()}
	if cfg.RedisAddr != "" && cfg.PINAttempts > 0 {
		throttleSummary["driver"] = "redis"
		throttleSummary["addr"] = cfg.RedisAddr
	}
	return []any{
		"addr", cfg.Addr,
		"tls", cfg.TLSCert != "",
		"storage", storageSummary,
		"notify", notifySummary,
		"pin_throttle", throttleSummary,
		"ffmpeg", cfg.FFmpegPath,
		"rtmp", fmt.Sprintf("%s:%d", cfg.RTMPHost, cfg.RTMPPort),
		"hls_root", cfg.HLSRoot,
		"relays", cfg.RelaysEnabled,
		"metrics", !cfg.MetricsDisabled,
		"sweep_interval", cfg.SweepInterval.String(),
		"stale_timeout", cfg.StaleTimeout.String(),
	}
}

// redactDSN masks the password of a URL style DSN. Values that do not parse
// as URLs are hidden entirely.
func redactDSN(dsn string) string {
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.Scheme == "" {
		return "*****"
	}
	if parsed.User != nil {
		if _, hasPassword := parsed.User.Password(); hasPassword {
			parsed.User = url.UserPassword(parsed.User.Username(), "*****")
		}
	}
	return parsed.String()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
