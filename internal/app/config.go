package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/textops-io/textops/internal/platform/logger"
	"github.com/textops-io/textops/internal/utils"
)

const (
	ProviderSqlite   = "sqlite"
	ProviderPostgres = "postgres"
)

type PersistenceConfig struct {
	Provider         string
	ConnectionString string
}

type WorkerSettings struct {
	WorkerID           string
	PollInterval       time.Duration
	ErrorRetryDelay    time.Duration
	MaxAttempts        int
	LockTimeout        time.Duration
	StaleCheckInterval time.Duration
}

type ServerSettings struct {
	Port string
}

type Config struct {
	Persistence PersistenceConfig
	Worker      WorkerSettings
	Server      ServerSettings
}

// fileConfig is the optional YAML overlay (TEXTOPS_CONFIG path). Environment
// variables always win; the file only replaces built-in defaults.
type fileConfig struct {
	Persistence struct {
		Provider         string `yaml:"provider"`
		ConnectionString string `yaml:"connection_string"`
	} `yaml:"persistence"`
	Worker struct {
		WorkerID           string `yaml:"worker_id"`
		PollInterval       string `yaml:"poll_interval"`
		ErrorRetryDelay    string `yaml:"error_retry_delay"`
		MaxAttempts        int    `yaml:"max_attempts"`
		LockTimeout        string `yaml:"lock_timeout"`
		StaleCheckInterval string `yaml:"stale_check_interval"`
	} `yaml:"worker"`
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
}

func LoadConfig(log *logger.Logger) Config {
	fc := loadFileConfig(log)

	provider := strings.ToLower(utils.GetEnv("PERSISTENCE_PROVIDER", fallback(fc.Persistence.Provider, ProviderSqlite), log))
	if provider != ProviderSqlite && provider != ProviderPostgres {
		log.Warn("Unknown persistence provider, falling back to sqlite", "provider", provider)
		provider = ProviderSqlite
	}
	defaultDSN := "textops.db"
	if provider == ProviderPostgres {
		defaultDSN = "postgres://postgres:@localhost:5432/textops?sslmode=disable"
	}

	return Config{
		Persistence: PersistenceConfig{
			Provider:         provider,
			ConnectionString: utils.GetEnv("PERSISTENCE_DSN", fallback(fc.Persistence.ConnectionString, defaultDSN), log),
		},
		Worker: WorkerSettings{
			WorkerID:           utils.GetEnv("WORKER_ID", fallback(fc.Worker.WorkerID, defaultWorkerID()), log),
			PollInterval:       utils.GetEnvAsDuration("WORKER_POLL_INTERVAL", fallbackDuration(fc.Worker.PollInterval, 1*time.Second, log), log),
			ErrorRetryDelay:    utils.GetEnvAsDuration("WORKER_ERROR_RETRY_DELAY", fallbackDuration(fc.Worker.ErrorRetryDelay, 5*time.Second, log), log),
			MaxAttempts:        utils.GetEnvAsInt("WORKER_MAX_ATTEMPTS", fallbackInt(fc.Worker.MaxAttempts, 3), log),
			LockTimeout:        utils.GetEnvAsDuration("WORKER_LOCK_TIMEOUT", fallbackDuration(fc.Worker.LockTimeout, 5*time.Minute, log), log),
			StaleCheckInterval: utils.GetEnvAsDuration("WORKER_STALE_CHECK_INTERVAL", fallbackDuration(fc.Worker.StaleCheckInterval, 1*time.Minute, log), log),
		},
		Server: ServerSettings{
			Port: utils.GetEnv("PORT", fallback(fc.Server.Port, "8080"), log),
		},
	}
}

func loadFileConfig(log *logger.Logger) fileConfig {
	var fc fileConfig
	path := strings.TrimSpace(os.Getenv("TEXTOPS_CONFIG"))
	if path == "" {
		return fc
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Warn("Could not read config file, using defaults", "path", path, "error", err)
		return fc
	}
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		log.Warn("Could not parse config file, using defaults", "path", path, "error", err)
		return fileConfig{}
	}
	log.Info("Loaded config file", "path", path)
	return fc
}

func defaultWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("worker-%s-%d", hostname, os.Getpid())
}

func fallback(val, def string) string {
	if strings.TrimSpace(val) != "" {
		return val
	}
	return def
}

func fallbackInt(val, def int) int {
	if val > 0 {
		return val
	}
	return def
}

func fallbackDuration(val string, def time.Duration, log *logger.Logger) time.Duration {
	if strings.TrimSpace(val) == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		log.Warn("Could not parse duration in config file, using default", "value", val, "default", def)
		return def
	}
	return d
}
