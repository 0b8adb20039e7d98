package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr            string
	DatabaseURL     string
	JWTSecret       string
	JWTIssuer       string
	AllowDebugToken bool
	DebugToken      string

	RunnerPath     string
	PublicURL      string
	LogDir         string
	RunnerTokenTTL time.Duration

	CancelGrace   time.Duration
	CancelWorkers int
	CancelQueue   int

	KafkaBrokers  []string
	KafkaTopic    string
	ArchiveBucket string
	ArchivePrefix string
	ChatWebhook   string
	NotifyTimeout time.Duration
	NotifyQueue   int
}

type RunnerConfig struct {
	ControllerURL  string
	Token          string
	TaskCommand    string
	PromptConfig   string
	RequestTimeout time.Duration
}

const (
	defaultAddr          = ":8070"
	defaultIssuer        = "stagehand"
	defaultRunnerPath    = "stagehand-runner"
	defaultPublicURL     = "http://localhost:8070"
	defaultLogDir        = "log/deployments"
	defaultRunnerTTL     = 24 * time.Hour
	defaultCancelGrace   = 2 * time.Second
	defaultCancelWorkers = 2
	defaultCancelQueue   = 64
	defaultKafkaTopic    = "stagehand.deployments"
	defaultArchivePrefix = "stagehand"
	defaultNotifyTimeout = 10 * time.Second
	defaultNotifyQueue   = 256
	defaultTaskCommand   = `echo "no STAGEHAND_TASK_COMMAND configured for $STAGEHAND_TASK" >&2; exit 1`
)

func Load() (Config, error) {
	cfg := Config{
		Addr:            getEnv("STAGEHAND_ADDR", defaultAddr),
		DatabaseURL:     firstNonEmpty(os.Getenv("STAGEHAND_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		JWTSecret:       os.Getenv("STAGEHAND_JWT_SECRET"),
		JWTIssuer:       getEnv("STAGEHAND_JWT_ISSUER", defaultIssuer),
		AllowDebugToken: getBool("STAGEHAND_ALLOW_DEBUG_TOKEN", false),
		DebugToken:      os.Getenv("STAGEHAND_DEBUG_TOKEN"),
		RunnerPath:      getEnv("STAGEHAND_RUNNER_PATH", defaultRunnerPath),
		PublicURL:       strings.TrimRight(getEnv("STAGEHAND_PUBLIC_URL", defaultPublicURL), "/"),
		LogDir:          getEnv("STAGEHAND_LOG_DIR", defaultLogDir),
		RunnerTokenTTL:  getDuration("STAGEHAND_RUNNER_TOKEN_TTL", defaultRunnerTTL),
		CancelGrace:     getDuration("STAGEHAND_CANCEL_GRACE", defaultCancelGrace),
		CancelWorkers:   getInt("STAGEHAND_CANCEL_WORKERS", defaultCancelWorkers),
		CancelQueue:     getInt("STAGEHAND_CANCEL_QUEUE", defaultCancelQueue),
		KafkaBrokers:    splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:      getEnv("STAGEHAND_KAFKA_TOPIC", defaultKafkaTopic),
		ArchiveBucket:   os.Getenv("STAGEHAND_ARCHIVE_BUCKET"),
		ArchivePrefix:   getEnv("STAGEHAND_ARCHIVE_PREFIX", defaultArchivePrefix),
		ChatWebhook:     os.Getenv("STAGEHAND_CHAT_WEBHOOK_URL"),
		NotifyTimeout:   getDuration("STAGEHAND_NOTIFY_TIMEOUT", defaultNotifyTimeout),
		NotifyQueue:     getInt("STAGEHAND_NOTIFY_QUEUE", defaultNotifyQueue),
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL or STAGEHAND_DATABASE_URL required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("STAGEHAND_JWT_SECRET required")
	}
	if cfg.AllowDebugToken && cfg.DebugToken == "" {
		return Config{}, fmt.Errorf("STAGEHAND_DEBUG_TOKEN required when STAGEHAND_ALLOW_DEBUG_TOKEN is set")
	}
	if cfg.CancelGrace <= 0 {
		return Config{}, fmt.Errorf("STAGEHAND_CANCEL_GRACE must be positive")
	}
	return cfg, nil
}

// LoadRunner reads the environment the dispatcher prepares for the runner.
func LoadRunner() (RunnerConfig, error) {
	cfg := RunnerConfig{
		ControllerURL:  strings.TrimRight(os.Getenv("STAGEHAND_URL"), "/"),
		Token:          os.Getenv("STAGEHAND_TOKEN"),
		TaskCommand:    getEnv("STAGEHAND_TASK_COMMAND", defaultTaskCommand),
		PromptConfig:   os.Getenv("STAGEHAND_PROMPT_CONFIG"),
		RequestTimeout: getDuration("STAGEHAND_REQUEST_TIMEOUT", 10*time.Second),
	}
	if cfg.ControllerURL == "" {
		return RunnerConfig{}, fmt.Errorf("STAGEHAND_URL required")
	}
	if cfg.Token == "" {
		return RunnerConfig{}, fmt.Errorf("STAGEHAND_TOKEN required")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
