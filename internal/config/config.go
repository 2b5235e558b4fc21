package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	SMTP      SMTPConfig      `mapstructure:"smtp"`
	Ethereal  EtherealConfig  `mapstructure:"ethereal"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// APIConfig holds REST API server configuration.
type APIConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	URL               string        `mapstructure:"url"`
	PoolMin           int32         `mapstructure:"pool_min"`
	PoolMax           int32         `mapstructure:"pool_max"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	ConnMaxLifetime   time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime   time.Duration `mapstructure:"conn_max_idle_time"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
}

// SchedulerConfig holds Redis job queue configuration.
type SchedulerConfig struct {
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	WorkerCount     int           `mapstructure:"worker_count"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	BlockTimeout    time.Duration `mapstructure:"block_timeout"`
	ProcessTimeout  time.Duration `mapstructure:"process_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	ClaimInterval   time.Duration `mapstructure:"claim_interval"`
	ClaimMinIdle    time.Duration `mapstructure:"claim_min_idle"`
	ReaperInterval  time.Duration `mapstructure:"reaper_interval"`
	ReaperMinAge    time.Duration `mapstructure:"reaper_min_age"`
}

// SMTPConfig holds the outbound SMTP transport configuration.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	StartTLS bool   `mapstructure:"starttls"`
}

// EtherealConfig holds the dev-mode SMTP endpoint used for synchronous
// preview sends that bypass persistence and the scheduler.
type EtherealConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	PreviewBaseURL string `mapstructure:"preview_base_url"`
}

// AuthConfig holds credential verification configuration.
type AuthConfig struct {
	JWTSigningKey string `mapstructure:"jwt_signing_key"`
	JWTIssuer     string `mapstructure:"jwt_issuer"`
	JWTAudience   string `mapstructure:"jwt_audience"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level         string `mapstructure:"level"`
	FilePath      string `mapstructure:"file_path"`
	FileMaxSizeMB int    `mapstructure:"file_max_size_mb"`
	FileMaxFiles  int    `mapstructure:"file_max_files"`
}

// Load reads configuration from the given config directory path. It looks
// for a file named "config.yaml" in that directory. Environment variables
// with prefix MAIL_DISPATCH_ override file values, e.g.
// MAIL_DISPATCH_DATABASE_URL overrides database.url.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	v.SetEnvPrefix("MAIL_DISPATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 3000)
	v.SetDefault("api.read_timeout", 30*time.Second)
	v.SetDefault("api.write_timeout", 30*time.Second)

	v.SetDefault("database.pool_min", 2)
	v.SetDefault("database.pool_max", 10)
	v.SetDefault("database.connect_timeout", 10*time.Second)
	v.SetDefault("database.conn_max_lifetime", 1*time.Hour)
	v.SetDefault("database.conn_max_idle_time", 30*time.Minute)
	v.SetDefault("database.health_check_period", 1*time.Minute)

	v.SetDefault("scheduler.redis_addr", "localhost:6379")
	v.SetDefault("scheduler.redis_db", 0)
	v.SetDefault("scheduler.worker_count", 10)
	v.SetDefault("scheduler.poll_interval", 500*time.Millisecond)
	v.SetDefault("scheduler.block_timeout", 5*time.Second)
	v.SetDefault("scheduler.process_timeout", 30*time.Second)
	v.SetDefault("scheduler.shutdown_timeout", 30*time.Second)
	v.SetDefault("scheduler.claim_interval", 30*time.Second)
	v.SetDefault("scheduler.claim_min_idle", 1*time.Minute)
	v.SetDefault("scheduler.reaper_interval", 1*time.Minute)
	v.SetDefault("scheduler.reaper_min_age", 5*time.Minute)

	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.starttls", true)

	v.SetDefault("logging.level", "info")
}
