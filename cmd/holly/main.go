package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jordanhubbard/holly/internal/api"
	"github.com/jordanhubbard/holly/internal/confidence"
	"github.com/jordanhubbard/holly/internal/database"
	"github.com/jordanhubbard/holly/internal/decision"
	"github.com/jordanhubbard/holly/internal/deploy"
	"github.com/jordanhubbard/holly/internal/github"
	"github.com/jordanhubbard/holly/internal/guardrails"
	"github.com/jordanhubbard/holly/internal/lifecycle"
	"github.com/jordanhubbard/holly/internal/locks"
	"github.com/jordanhubbard/holly/internal/messagebus"
	"github.com/jordanhubbard/holly/internal/metrics"
	"github.com/jordanhubbard/holly/internal/notify"
	"github.com/jordanhubbard/holly/internal/risk"
	"github.com/jordanhubbard/holly/internal/store"
	"github.com/jordanhubbard/holly/internal/telemetry"
	"github.com/jordanhubbard/holly/internal/vcs"
	"github.com/jordanhubbard/holly/pkg/config"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "Path to configuration file (defaults are used when empty)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("holly v%s\n", version)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "holly: %v\n", err)
		os.Exit(2)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	if err := run(cfg, *configPath, logger); err != nil {
		logger.Error("holly exited", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		loaded, err := config.LoadConfigFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func run(cfg *config.Config, configPath string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel := telemetry.Noop()
	if cfg.Telemetry.OTLPEndpoint != "" {
		t, err := telemetry.Init(ctx, cfg.Telemetry.ServiceName, version, cfg.Telemetry.OTLPEndpoint, logger)
		if err != nil {
			logger.Warn("failed to initialize telemetry", "error", err)
		} else {
			tel = t
		}
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn("error shutting down telemetry", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var serverOpts []api.Option

	repo, closeRepo, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer closeRepo()

	locker, closeLocks, err := openLocks(ctx, cfg.Locks, logger)
	if err != nil {
		return err
	}
	defer closeLocks()

	var (
		provider vcs.Provider
		gh       *github.Client
	)
	switch cfg.GitHub.Provider {
	case "github":
		gh = github.NewClient(cfg.GitHub.WorkDir, cfg.GitHub.Token, github.WithMergeMethod(cfg.GitHub.MergeMethod))
		provider = gh
	default:
		logger.Warn("using in-memory source control; nothing reaches a real repository")
		provider = vcs.NewMemory()
	}

	dispatcher := notify.NewDispatcher(nil,
		notify.WithTimeout(cfg.Governance.Timeouts.Notify),
		notify.WithLogger(logger),
		notify.WithFailureHook(func(channel string, _ error) {
			m.NotificationFailures.WithLabelValues(channel).Inc()
		}),
	)
	defer dispatcher.Close()

	if cfg.NATS.URL != "" {
		bus, err := messagebus.Connect(messagebus.Config{
			URL:        cfg.NATS.URL,
			StreamName: cfg.NATS.StreamName,
			Timeout:    cfg.NATS.Timeout,
			MaxAge:     cfg.NATS.MaxAge,
		}, logger)
		if err != nil {
			return err
		}
		defer bus.Close()
		dispatcher.Register(notify.NewNATS(bus))
		serverOpts = append(serverOpts, api.WithHealthCheck("nats", func(context.Context) error { return bus.Health() }))
	}
	for _, wh := range cfg.Notify.Webhooks {
		dispatcher.Register(notify.NewWebhook(wh.Name, wh.URL, notify.WebhookFormat(wh.Format), wh.PerMinute, nil))
	}
	if e := cfg.Notify.Email; e.Host != "" {
		dispatcher.Register(notify.NewEmail(notify.EmailConfig{
			Host:     e.Host,
			Port:     e.Port,
			Username: e.Username,
			Password: e.Password,
			From:     e.From,
			To:       e.To,
		}, nil))
	}

	policy := guardrails.DefaultPolicy()
	if cfg.Guardrails.PolicyFile != "" {
		policy, err = guardrails.LoadPolicy(cfg.Guardrails.PolicyFile)
		if err != nil {
			return err
		}
	}
	validator, err := guardrails.NewValidator(policy)
	if err != nil {
		return fmt.Errorf("invalid guardrail policy: %w", err)
	}
	// The running configuration governs holly itself.
	if err := validator.Protect(configPath, cfg.Guardrails.PolicyFile); err != nil {
		return err
	}
	if cfg.Guardrails.PolicyFile != "" && cfg.Guardrails.HotReload {
		if err := guardrails.Watch(ctx, cfg.Guardrails.PolicyFile, validator, logger); err != nil {
			logger.Warn("guardrail hot reload disabled", "error", err)
		}
	}

	ctrl, err := lifecycle.New(lifecycle.Deps{
		Store:      repo,
		VCS:        provider,
		Locks:      locker,
		Guardrails: validator,
		Risk:       risk.NewAnalyzer(cfg.Governance.Risk),
		Confidence: confidence.NewScorer(cfg.Governance.Confidence),
		Decision:   decision.NewEngine(cfg.Governance.Decision),
		Notifier:   dispatcher,
		Metrics:    m,
		Telemetry:  tel,
		Logger:     logger,
	}, cfg.LifecycleConfig())
	if err != nil {
		return err
	}

	if gh != nil && cfg.GitHub.PollInterval > 0 {
		poller := deploy.NewPoller(gh, gh, ctrl, cfg.GitHub.DeployWorkflow, cfg.GitHub.PollInterval, logger)
		go poller.Start(ctx)
		defer poller.Stop()
	}

	serverOpts = append(serverOpts, api.WithMetrics(m, reg), api.WithLogger(logger))
	apiServer := api.NewServer(ctrl, api.Config{
		WebhookSecret: cfg.Security.WebhookSecret,
		JWTSecret:     cfg.Security.JWTSecret,
	}, serverOpts...)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      otelhttp.NewHandler(apiServer.SetupRoutes(), "holly-http-server"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("holly API listening", "addr", httpSrv.Addr, "version", version)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Repository, func(), error) {
	if cfg.Type != "postgres" {
		return store.NewMemory(), func() {}, nil
	}
	db, err := database.NewPostgres(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, err
	}
	return db, func() { _ = db.Close() }, nil
}

func openLocks(ctx context.Context, cfg config.LocksConfig, logger *slog.Logger) (locks.Locker, func(), error) {
	if cfg.Type != "redis" {
		return locks.NewRegistry(), func() {}, nil
	}
	r, err := locks.NewRedis(ctx, cfg.RedisURL,
		locks.WithNamespace(cfg.Namespace),
		locks.WithTTL(cfg.TTL),
		locks.WithLogger(logger),
	)
	if err != nil {
		return nil, nil, err
	}
	return r, func() { _ = r.Close() }, nil
}
