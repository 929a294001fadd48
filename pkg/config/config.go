package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jordanhubbard/holly/internal/confidence"
	"github.com/jordanhubbard/holly/internal/decision"
	"github.com/jordanhubbard/holly/internal/lifecycle"
	"github.com/jordanhubbard/holly/internal/risk"
)

// Config is the holly server configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Database   DatabaseConfig   `yaml:"database"`
	Locks      LocksConfig      `yaml:"locks"`
	GitHub     GitHubConfig     `yaml:"github"`
	NATS       NATSConfig       `yaml:"nats"`
	Notify     NotifyConfig     `yaml:"notify"`
	Security   SecurityConfig   `yaml:"security"`
	Governance GovernanceConfig `yaml:"governance"`
	Guardrails GuardrailsConfig `yaml:"guardrails"`
	Overrides  []decision.Rule  `yaml:"overrides"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// DatabaseConfig configures improvement storage
type DatabaseConfig struct {
	Type string `yaml:"type"` // "memory", "postgres"
	DSN  string `yaml:"dsn"`
}

// LocksConfig configures the per-improvement writer lock.
type LocksConfig struct {
	Type      string        `yaml:"type"` // "memory", "redis"
	RedisURL  string        `yaml:"redis_url"`
	Namespace string        `yaml:"namespace"`
	TTL       time.Duration `yaml:"ttl"`
}

// GitHubConfig configures the source-control provider.
type GitHubConfig struct {
	Provider       string        `yaml:"provider"` // "memory", "github"
	WorkDir        string        `yaml:"work_dir"`
	Token          string        `yaml:"token"`
	BaseBranch     string        `yaml:"base_branch"`
	MergeMethod    string        `yaml:"merge_method"` // squash, merge, rebase
	DeployWorkflow string        `yaml:"deploy_workflow"`
	PollInterval   time.Duration `yaml:"poll_interval"` // 0 disables the deployment poller
}

// NATSConfig configures the event bus.
type NATSConfig struct {
	URL        string        `yaml:"url"` // empty disables NATS
	StreamName string        `yaml:"stream_name"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxAge     time.Duration `yaml:"max_age"`
}

// WebhookConfig is one chat webhook destination.
type WebhookConfig struct {
	Name      string `yaml:"name"`
	URL       string `yaml:"url"`
	Format    string `yaml:"format"` // slack, discord, json
	PerMinute int    `yaml:"per_minute"`
}

// EmailConfig configures SMTP notifications
type EmailConfig struct {
	Host     string   `yaml:"host"` // empty disables email
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// NotifyConfig lists notification channels.
type NotifyConfig struct {
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Email    EmailConfig     `yaml:"email"`
}

// SecurityConfig holds shared secrets.
type SecurityConfig struct {
	WebhookSecret string `yaml:"webhook_secret"` // GitHub webhook HMAC secret
	JWTSecret     string `yaml:"jwt_secret"`     // when set, approve/reject take the actor from the token
}

// TimeoutsConfig bounds collaborator calls.
type TimeoutsConfig struct {
	VCS    time.Duration `yaml:"vcs"`
	Notify time.Duration `yaml:"notify"`
}

// GovernanceConfig holds every threshold of the pipeline.
type GovernanceConfig struct {
	Risk         risk.Config           `yaml:"risk"`
	Confidence   confidence.Config     `yaml:"confidence"`
	Decision     decision.Config       `yaml:"decision"`
	Retry        lifecycle.RetryConfig    `yaml:"retry"`
	Timeouts     TimeoutsConfig           `yaml:"timeouts"`
	AutoMerge    bool                     `yaml:"auto_merge"`
	Rollback     lifecycle.RollbackConfig `yaml:"rollback"`
	HistoryLimit int                      `yaml:"history_limit"`
	Labels       []string                 `yaml:"labels"`
}

// GuardrailsConfig points at the optional policy file.
type GuardrailsConfig struct {
	PolicyFile string `yaml:"policy_file"`
	HotReload  bool   `yaml:"hot_reload"`
}

// TelemetryConfig configures OTLP tracing.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"` // empty disables export
	ServiceName  string `yaml:"service_name"`
}

// DefaultConfig returns a configuration that runs fully in memory.
func DefaultConfig() *Config {
	lc := lifecycle.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Database: DatabaseConfig{Type: "memory"},
		Locks:    LocksConfig{Type: "memory", Namespace: "holly", TTL: 2 * time.Minute},
		GitHub: GitHubConfig{
			Provider:    "memory",
			WorkDir:     ".",
			BaseBranch:  "main",
			MergeMethod: "squash",
		},
		NATS: NATSConfig{StreamName: "HOLLY", Timeout: 5 * time.Second, MaxAge: 7 * 24 * time.Hour},
		Governance: GovernanceConfig{
			Risk:         risk.DefaultConfig(),
			Confidence:   confidence.DefaultConfig(),
			Decision:     decision.DefaultConfig(),
			Retry:        lifecycle.DefaultRetry(),
			Timeouts:     TimeoutsConfig{VCS: lc.VCSTimeout, Notify: 10 * time.Second},
			AutoMerge:    lc.AutoMerge,
			Rollback:     lc.Rollback,
			HistoryLimit: lc.HistoryLimit,
			Labels:       lc.Labels,
		},
		Telemetry: TelemetryConfig{ServiceName: "holly"},
	}
}

// LoadConfigFromFile reads a YAML file over the defaults. Environment
// variables in the file (e.g. ${GH_TOKEN}) are expanded before parsing.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides settings from HOLLY_* environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("HOLLY_DATABASE_TYPE", &c.Database.Type)
	str("HOLLY_DATABASE_DSN", &c.Database.DSN)
	str("HOLLY_LOCKS_TYPE", &c.Locks.Type)
	str("HOLLY_REDIS_URL", &c.Locks.RedisURL)
	str("HOLLY_VCS_PROVIDER", &c.GitHub.Provider)
	str("HOLLY_GITHUB_WORKDIR", &c.GitHub.WorkDir)
	str("GH_TOKEN", &c.GitHub.Token)
	str("HOLLY_GITHUB_TOKEN", &c.GitHub.Token)
	str("HOLLY_NATS_URL", &c.NATS.URL)
	str("HOLLY_WEBHOOK_SECRET", &c.Security.WebhookSecret)
	str("HOLLY_JWT_SECRET", &c.Security.JWTSecret)
	str("HOLLY_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	str("HOLLY_LOG_LEVEL", &c.Logging.Level)
	str("HOLLY_LOG_FORMAT", &c.Logging.Format)
	str("HOLLY_GUARDRAILS_POLICY", &c.Guardrails.PolicyFile)

	if v := getenv("HOLLY_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HOLLY_HTTP_PORT: %w", err)
		}
		c.Server.HTTPPort = port
	}
	if v := getenv("HOLLY_AUTO_MERGE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("HOLLY_AUTO_MERGE: %w", err)
		}
		c.Governance.AutoMerge = b
	}
	if v := getenv("HOLLY_ROLLBACK"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("HOLLY_ROLLBACK: %w", err)
		}
		c.Governance.Rollback.Enabled = b
	}
	return nil
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port %d out of range", c.Server.HTTPPort))
	}
	switch c.Database.Type {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.type %q must be memory or postgres", c.Database.Type))
	}
	switch c.Locks.Type {
	case "memory":
	case "redis":
		if c.Locks.RedisURL == "" {
			errs = append(errs, errors.New("locks.redis_url is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("locks.type %q must be memory or redis", c.Locks.Type))
	}
	switch c.GitHub.Provider {
	case "memory", "github":
	default:
		errs = append(errs, fmt.Errorf("github.provider %q must be memory or github", c.GitHub.Provider))
	}
	switch c.GitHub.MergeMethod {
	case "squash", "merge", "rebase":
	default:
		errs = append(errs, fmt.Errorf("github.merge_method %q must be squash, merge or rebase", c.GitHub.MergeMethod))
	}
	for _, w := range c.Notify.Webhooks {
		if w.URL == "" {
			errs = append(errs, fmt.Errorf("notify.webhooks[%s]: url is required", w.Name))
		}
	}

	g := c.Governance
	if err := g.Decision.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("governance.decision: %w", err))
	}
	if g.Confidence.QualityCap >= g.Decision.MidBar {
		errs = append(errs, fmt.Errorf("governance.confidence.quality_cap %.2f must be below decision.mid_bar %.2f", g.Confidence.QualityCap, g.Decision.MidBar))
	}
	w := g.Confidence.Weights
	if w.LLM < 0 || w.Coverage < 0 || w.Quality < 0 || w.History < 0 || w.LLM+w.Coverage+w.Quality+w.History <= 0 {
		errs = append(errs, errors.New("governance.confidence.weights must be non-negative and sum to a positive value"))
	}
	if g.Risk.LowThreshold >= g.Risk.MediumThreshold {
		errs = append(errs, fmt.Errorf("governance.risk.low_threshold %.0f must be below medium_threshold %.0f", g.Risk.LowThreshold, g.Risk.MediumThreshold))
	}
	if g.Retry.Attempts < 1 {
		errs = append(errs, errors.New("governance.retry.attempts must be at least 1"))
	}
	for _, r := range c.Overrides {
		if err := r.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("overrides: %w", err))
		}
	}
	return errors.Join(errs...)
}

// LifecycleConfig projects the governance block onto the controller config.
func (c *Config) LifecycleConfig() lifecycle.Config {
	return lifecycle.Config{
		BaseBranch:    c.GitHub.BaseBranch,
		AutoMerge:     c.Governance.AutoMerge,
		HistoryLimit:  c.Governance.HistoryLimit,
		MinSampleSize: c.Governance.Confidence.MinSampleSize,
		Labels:        c.Governance.Labels,
		Overrides:     c.Overrides,
		Retry:         c.Governance.Retry,
		Rollback:      c.Governance.Rollback,
		VCSTimeout:    c.Governance.Timeouts.VCS,
	}
}
