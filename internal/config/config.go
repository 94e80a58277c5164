// Package config загружает конфигурацию Jobpilot.
//
// Источники (по возрастанию приоритета):
//
//	значения по умолчанию → configs/config.yaml → .env → переменные JOBPILOT_*
//
// Переменная окружения строится из ключа: pool.size → JOBPILOT_POOL_SIZE.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shaiso/Jobpilot/internal/domain"
	"github.com/shaiso/Jobpilot/internal/gateway"
	"github.com/shaiso/Jobpilot/internal/mq"
	"github.com/shaiso/Jobpilot/internal/repo"
	"github.com/shaiso/Jobpilot/internal/retry"
	"github.com/shaiso/Jobpilot/internal/telemetry"
)

// Config — конфигурация всех бинарников.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Analysis AnalysisConfig `mapstructure:"analysis"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Gateways GatewaysConfig `mapstructure:"gateways"`
	Sweeper  SweeperConfig  `mapstructure:"sweeper"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// LoggingConfig — уровень и формат логов.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LogConfig возвращает настройки для telemetry.NewLogger.
func (l LoggingConfig) LogConfig() telemetry.LogConfig {
	return telemetry.LogConfig{Level: l.Level, Format: l.Format}
}

type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	DSN            string `mapstructure:"dsn"`
	MaxConnections int32  `mapstructure:"max_connections"`

	// Migrate — применять миграции при старте.
	Migrate bool `mapstructure:"migrate"`
}

// PoolConfig возвращает параметры для repo.NewPool.
func (p PostgresConfig) PoolConfig() repo.PoolConfig {
	return repo.PoolConfig{DSN: p.DSN, MaxConns: p.MaxConnections}
}

type RedisConfig struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// Options возвращает параметры клиента go-redis.
func (r RedisConfig) Options() *redis.Options {
	return &redis.Options{Addr: r.Address, Password: r.Password, DB: r.DB}
}

type RabbitMQConfig struct {
	URL               string        `mapstructure:"url"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay"`
}

// ConnectionConfig возвращает параметры для mq.NewConnection.
func (r RabbitMQConfig) ConnectionConfig() mq.ConnectionConfig {
	return mq.ConnectionConfig{URL: r.URL, MaxReconnectDelay: r.MaxReconnectDelay}
}

// HTTPConfig — адреса HTTP-серверов.
type HTTPConfig struct {
	APIAddr    string `mapstructure:"api_addr"`
	WorkerAddr string `mapstructure:"worker_addr"`
}

// PoolConfig — worker pool.
type PoolConfig struct {
	Size         int           `mapstructure:"size"`
	WorkerID     string        `mapstructure:"worker_id"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	LeaseTTL     time.Duration `mapstructure:"lease_ttl"`
	RequeueDelay time.Duration `mapstructure:"requeue_delay"`
	MaxSteps     int           `mapstructure:"max_steps"`
}

type AnalysisConfig struct {
	// MatchThreshold — порог match score, 0..1.
	MatchThreshold float64 `mapstructure:"match_threshold"`
}

// RetryConfig — retry policy.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      float64       `mapstructure:"jitter"`

	// Overrides — лимиты попыток для отдельных шагов.
	Overrides []StepOverride `mapstructure:"overrides"`
}

// StepOverride — лимит попыток для шага (например IN_PROGRESS.SUBMITTING_FORM).
type StepOverride struct {
	Step        string `mapstructure:"step"`
	MaxAttempts int    `mapstructure:"max_attempts"`
}

// Policy возвращает конфигурацию retry.New.
func (r RetryConfig) Policy() retry.Config {
	overrides := make(map[string]int, len(r.Overrides))
	for _, o := range r.Overrides {
		overrides[strings.ToUpper(o.Step)] = o.MaxAttempts
	}
	return retry.Config{
		MaxAttempts:     r.MaxAttempts,
		StepMaxAttempts: overrides,
		BaseDelay:       r.BaseDelay,
		MaxDelay:        r.MaxDelay,
		Jitter:          r.Jitter,
	}
}

// GatewaysConfig — внешние сервисы.
type GatewaysConfig struct {
	Decision   GatewayConfig `mapstructure:"decision"`
	Automation GatewayConfig `mapstructure:"automation"`

	// CallTimeout — таймаут одного вызова.
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

type GatewayConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
}

// HTTPConfig возвращает параметры HTTP-клиента gateway.
func (g GatewayConfig) HTTPConfig(timeout time.Duration) gateway.HTTPConfig {
	return gateway.HTTPConfig{BaseURL: g.BaseURL, Token: g.Token, Timeout: timeout}
}

// SweeperConfig — восстановление зависших applications.
type SweeperConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Spec       string        `mapstructure:"spec"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
	BatchSize  int           `mapstructure:"batch_size"`
}

// validate проверяет значения после загрузки.
func validate(cfg *Config) error {
	if cfg.Database.Postgres.DSN == "" {
		return fmt.Errorf("database.postgres.dsn is required")
	}
	if cfg.Pool.Size <= 0 {
		return fmt.Errorf("pool.size must be positive, got %d", cfg.Pool.Size)
	}
	if cfg.Pool.LeaseTTL < 3*time.Millisecond {
		return fmt.Errorf("pool.lease_ttl is too small: %s", cfg.Pool.LeaseTTL)
	}
	if t := cfg.Analysis.MatchThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("analysis.match_threshold must be in (0, 1], got %v", t)
	}
	if cfg.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay (%s) is less than retry.base_delay (%s)", cfg.Retry.MaxDelay, cfg.Retry.BaseDelay)
	}
	if j := cfg.Retry.Jitter; j < 0 || j > 1 {
		return fmt.Errorf("retry.jitter must be in [0, 1], got %v", j)
	}
	for _, o := range cfg.Retry.Overrides {
		if _, err := domain.ParseStep(strings.ToUpper(o.Step)); err != nil {
			return fmt.Errorf("retry.overrides: %w", err)
		}
		if o.MaxAttempts <= 0 {
			return fmt.Errorf("retry.overrides: %s: max_attempts must be positive", o.Step)
		}
	}
	if cfg.Gateways.CallTimeout <= 0 {
		return fmt.Errorf("gateways.call_timeout must be positive")
	}
	return nil
}
