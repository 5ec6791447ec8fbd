package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the autograde services.
type Config struct {
	AppName  string
	AppEnv   string
	AppPort  string
	Debug    bool
	LogLevel string

	DatabaseURL string
	RedisURL    string
	NATSURL     string
	QueueDriver string
	QueuePrefix string

	JWTSecret string

	GithubOrg           string
	GithubToken         string
	GithubGraphQLURL    string
	GithubDefaultBranch string
	// GithubMaxRetries is the retry budget of the GitHub client; zero disables retries.
	GithubMaxRetries int

	WebhookGracePeriod time.Duration

	ReaperSchedule       string
	SubmissionStaleAfter time.Duration
	SessionStaleAfter    time.Duration
	ReaperHistoryDepth   int
	ReaperPageSize       int
	ReaperMaxPages       int
	ReaperUnbuiltWindow  time.Duration
	ReaperLockTTL        time.Duration

	RegradeChunkSize int
	WorkerQueue      string
	WorkerBatchSize  int
	// WorkerReclaimAfter returns jobs held unacknowledged for this long to the queue.
	WorkerReclaimAfter time.Duration

	WebhookRateLimit       int
	WebhookRateLimitWindow time.Duration

	IDEAdminImage   string
	IDEAdminRepoURL string
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// DefaultRef is the fully qualified ref of the configured default branch.
func (c Config) DefaultRef() string {
	return "refs/heads/" + c.GithubDefaultBranch
}

// RequireJWT reports an error when the signing secret for protected routes is missing.
func (c Config) RequireJWT() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("jwt secret must be provided")
	}

	return nil
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("AUTOGRADE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Autograde")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("debug", false)
	v.SetDefault("queue.driver", "nats")
	v.SetDefault("queue.prefix", "autograde")
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("github.graphql_url", "https://api.github.com/graphql")
	v.SetDefault("github.default_branch", "master")
	v.SetDefault("github.max_retries", 3)
	v.SetDefault("webhook.grace_period", "3m")
	v.SetDefault("webhook.rate_limit", 120)
	v.SetDefault("webhook.rate_limit_window", "1m")
	v.SetDefault("reaper.schedule", "")
	v.SetDefault("reaper.submission_stale_after", "30m")
	v.SetDefault("reaper.session_stale_after", "3h")
	v.SetDefault("reaper.history_depth", 20)
	v.SetDefault("reaper.page_size", 100)
	v.SetDefault("reaper.max_pages", 5)
	v.SetDefault("reaper.unbuilt_window", "")
	v.SetDefault("reaper.lock_ttl", "10m")
	v.SetDefault("regrade.chunk_size", 100)
	v.SetDefault("worker.queue", "default")
	v.SetDefault("worker.batch_size", 10)
	v.SetDefault("worker.reclaim_after", "10m")
	v.SetDefault("ide.admin_image", "registry.osiris.services/anubis/theia-admin")

	durations := map[string]time.Duration{}
	for _, key := range []string{
		"webhook.grace_period",
		"webhook.rate_limit_window",
		"reaper.submission_stale_after",
		"reaper.session_stale_after",
		"reaper.unbuilt_window",
		"reaper.lock_ttl",
		"worker.reclaim_after",
	} {
		raw := strings.TrimSpace(v.GetString(key))
		if raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		durations[key] = parsed
	}

	cfg := Config{
		AppName:                v.GetString("app.name"),
		AppEnv:                 v.GetString("app.env"),
		AppPort:                v.GetString("app.port"),
		Debug:                  v.GetBool("debug"),
		LogLevel:               strings.ToLower(v.GetString("log.level")),
		DatabaseURL:            v.GetString("database.url"),
		RedisURL:               v.GetString("redis.url"),
		NATSURL:                v.GetString("nats.url"),
		QueueDriver:            strings.ToLower(v.GetString("queue.driver")),
		QueuePrefix:            v.GetString("queue.prefix"),
		JWTSecret:              v.GetString("jwt.secret"),
		GithubOrg:              v.GetString("github.org"),
		GithubToken:            v.GetString("github.token"),
		GithubGraphQLURL:       v.GetString("github.graphql_url"),
		GithubDefaultBranch:    strings.TrimPrefix(v.GetString("github.default_branch"), "refs/heads/"),
		GithubMaxRetries:       v.GetInt("github.max_retries"),
		WebhookGracePeriod:     durations["webhook.grace_period"],
		ReaperSchedule:         strings.TrimSpace(v.GetString("reaper.schedule")),
		SubmissionStaleAfter:   durations["reaper.submission_stale_after"],
		SessionStaleAfter:      durations["reaper.session_stale_after"],
		ReaperHistoryDepth:     v.GetInt("reaper.history_depth"),
		ReaperPageSize:         v.GetInt("reaper.page_size"),
		ReaperMaxPages:         v.GetInt("reaper.max_pages"),
		ReaperUnbuiltWindow:    durations["reaper.unbuilt_window"],
		ReaperLockTTL:          durations["reaper.lock_ttl"],
		RegradeChunkSize:       v.GetInt("regrade.chunk_size"),
		WorkerQueue:            v.GetString("worker.queue"),
		WorkerBatchSize:        v.GetInt("worker.batch_size"),
		WorkerReclaimAfter:     durations["worker.reclaim_after"],
		WebhookRateLimit:       v.GetInt("webhook.rate_limit"),
		WebhookRateLimitWindow: durations["webhook.rate_limit_window"],
		IDEAdminImage:          v.GetString("ide.admin_image"),
		IDEAdminRepoURL:        v.GetString("ide.admin_repo_url"),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("database url must be provided")
	}

	if cfg.GithubDefaultBranch == "" {
		cfg.GithubDefaultBranch = "master"
	}

	if cfg.RegradeChunkSize <= 0 {
		cfg.RegradeChunkSize = 100
	}

	if cfg.WorkerBatchSize <= 0 {
		cfg.WorkerBatchSize = 10
	}

	if cfg.GithubMaxRetries < 0 {
		return Config{}, fmt.Errorf("github max retries must not be negative")
	}

	if !cfg.Debug && cfg.GithubOrg == "" {
		return Config{}, fmt.Errorf("github organization must be provided outside debug mode")
	}

	return cfg, nil
}
