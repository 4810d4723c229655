// Package config holds the staffdir configuration and its viper-backed loader.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jonesrussell/north-cloud/staffdir/internal/logger"
)

const (
	defaultServerPort       = 8070
	defaultServerTimeout    = 30 * time.Second
	defaultDatabasePort     = 5432
	defaultMaxOpenConns     = 10
	defaultMaxIdleConns     = 5
	defaultConnMaxLifetime  = 5 * time.Minute
	defaultRedisAddress     = "localhost:6379"
	defaultRedisStream      = "staffdir:events"
	defaultFetchTimeout     = 30 * time.Second
	defaultMaxBodyBytes     = 10 << 20
	defaultHostInterval     = time.Second
	defaultUserAgent        = "Mozilla/5.0 (compatible; staffdir/1.0)"
	defaultRenderPoolSize   = 1
	defaultRenderTimeout    = 60 * time.Second
	defaultRenderIdle       = 2 * time.Minute
	defaultRunDelay         = 2 * time.Second
	defaultRetryDelay       = 10 * time.Second
	defaultSchedule         = "0 3 1 * *"
	defaultExportDir        = "exports"
	defaultExportChangeDays = 30
)

// Config is the root configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logger.Config  `mapstructure:"logging"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Render   RenderConfig   `mapstructure:"render"`
	Run      RunConfig      `mapstructure:"run"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Export   ExportConfig   `mapstructure:"export"`
}

type AppConfig struct {
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Address returns host:port.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns a lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// URL returns a postgres:// URL, used by the migrator.
func (d DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

// RedisConfig configures the optional event stream.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Stream   string `mapstructure:"stream"`
	Enabled  bool   `mapstructure:"enabled"`
}

type AuthConfig struct {
	// JWTSecret protects write endpoints. Empty disables auth.
	JWTSecret string `mapstructure:"jwt_secret"`
}

type FetchConfig struct {
	UserAgent     string        `mapstructure:"user_agent"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxBodyBytes  int           `mapstructure:"max_body_bytes"`
	RespectRobots bool          `mapstructure:"respect_robots_txt"`
	HostInterval  time.Duration `mapstructure:"host_interval"`
}

type RenderConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	PoolSize    int           `mapstructure:"pool_size"`
	Timeout     time.Duration `mapstructure:"timeout"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	BrowserBin  string        `mapstructure:"browser_bin"`
}

type RunConfig struct {
	Delay      time.Duration `mapstructure:"delay"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

type ScheduleConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Cron    string `mapstructure:"cron"`
}

type ExportConfig struct {
	Dir         string `mapstructure:"dir"`
	ChangesDays int    `mapstructure:"changes_days"`
}

// SetDefaults registers default values on v. Registering every key also lets
// AutomaticEnv resolve it during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", defaultDatabasePort)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "staffdir")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", defaultConnMaxLifetime)
	v.SetDefault("redis.address", defaultRedisAddress)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream", defaultRedisStream)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("fetch.user_agent", defaultUserAgent)
	v.SetDefault("fetch.timeout", defaultFetchTimeout)
	v.SetDefault("fetch.max_body_bytes", defaultMaxBodyBytes)
	v.SetDefault("fetch.respect_robots_txt", false)
	v.SetDefault("fetch.host_interval", defaultHostInterval)
	v.SetDefault("render.enabled", true)
	v.SetDefault("render.pool_size", defaultRenderPoolSize)
	v.SetDefault("render.timeout", defaultRenderTimeout)
	v.SetDefault("render.idle_timeout", defaultRenderIdle)
	v.SetDefault("render.browser_bin", "")
	v.SetDefault("run.delay", defaultRunDelay)
	v.SetDefault("run.retry_delay", defaultRetryDelay)
	v.SetDefault("schedule.enabled", true)
	v.SetDefault("schedule.cron", defaultSchedule)
	v.SetDefault("export.dir", defaultExportDir)
	v.SetDefault("export.changes_days", defaultExportChangeDays)
}

// BindEnv wires environment lookup on v. Keys map to upper-case names with
// dots replaced by underscores (database.host -> DATABASE_HOST), and a few
// conventional aliases are bound explicitly.
func BindEnv(v *viper.Viper) error {
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	aliases := map[string][]string{
		"app.environment":   {"APP_ENV"},
		"logging.level":     {"LOG_LEVEL"},
		"database.host":     {"DB_HOST", "DATABASE_HOST"},
		"database.port":     {"DB_PORT", "DATABASE_PORT"},
		"database.user":     {"DB_USER", "DATABASE_USER"},
		"database.password": {"DB_PASSWORD", "DATABASE_PASSWORD"},
		"database.dbname":   {"DB_NAME", "DATABASE_DBNAME"},
		"auth.jwt_secret":   {"AUTH_JWT_SECRET"},
		"redis.enabled":     {"REDIS_EVENTS_ENABLED", "REDIS_ENABLED"},
	}
	for key, envs := range aliases {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.App.Debug {
		cfg.Logging.Level = "debug"
		cfg.Logging.Development = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks required values and ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be positive"))
	}
	if c.Database.Host == "" {
		errs = append(errs, errors.New("database.host is required"))
	}
	if c.Database.DBName == "" {
		errs = append(errs, errors.New("database.dbname is required"))
	}
	if c.Fetch.Timeout <= 0 {
		errs = append(errs, errors.New("fetch.timeout must be positive"))
	}
	if c.Fetch.HostInterval < 0 {
		errs = append(errs, errors.New("fetch.host_interval must not be negative"))
	}
	if c.Render.PoolSize < 1 {
		errs = append(errs, errors.New("render.pool_size must be at least 1"))
	}
	if c.Run.Delay < 0 || c.Run.RetryDelay < 0 {
		errs = append(errs, errors.New("run delays must not be negative"))
	}
	if c.Schedule.Enabled && c.Schedule.Cron == "" {
		errs = append(errs, errors.New("schedule.cron is required when the schedule is enabled"))
	}
	if c.Redis.Enabled && c.Redis.Address == "" {
		errs = append(errs, errors.New("redis.address is required when events are enabled"))
	}
	return errors.Join(errs...)
}
