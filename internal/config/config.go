package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "EDUNEXUS"

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	minSecretLen = 32
)

type HTTPConfig struct {
	Addr              string        `mapstructure:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`
	MetricsEnabled    bool          `mapstructure:"metrics_enabled"`
	CORSOrigins       []string      `mapstructure:"cors_origins"`
}

type GRPCConfig struct {
	// Addr empty disables the gRPC listener.
	Addr string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	Store           string        `mapstructure:"store"`
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	StoreTimeout    time.Duration `mapstructure:"store_timeout"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type AuthConfig struct {
	AccessSecret     string        `mapstructure:"access_secret"`
	RefreshSecret    string        `mapstructure:"refresh_secret"`
	Issuer           string        `mapstructure:"issuer"`
	Audience         string        `mapstructure:"audience"`
	AccessTTL        time.Duration `mapstructure:"access_ttl"`
	RefreshTTL       time.Duration `mapstructure:"refresh_ttl"`
	LockThreshold    int           `mapstructure:"lock_threshold"`
	LockDuration     time.Duration `mapstructure:"lock_duration"`
	SessionRetention time.Duration `mapstructure:"session_retention"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
}

type TenantConfig struct {
	BindTimeout  time.Duration `mapstructure:"bind_timeout"`
	AuditTimeout time.Duration `mapstructure:"audit_timeout"`
}

type RateLimitConfig struct {
	RPS       float64 `mapstructure:"rps"`
	Burst     int     `mapstructure:"burst"`
	AuthRPS   float64 `mapstructure:"auth_rps"`
	AuthBurst int     `mapstructure:"auth_burst"`
}

type Config struct {
	// Env is "dev" or "prod". Error details are exposed only in dev.
	Env       string          `mapstructure:"env"`
	LogLevel  string          `mapstructure:"log_level"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Tenant    TenantConfig    `mapstructure:"tenant"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

func (c *Config) IsDev() bool { return c.Env == "dev" }

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "prod")
	v.SetDefault("log_level", "info")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_header_timeout", 5*time.Second)
	v.SetDefault("http.shutdown_timeout", 15*time.Second)
	v.SetDefault("http.max_body_bytes", 1<<20)
	v.SetDefault("http.metrics_enabled", true)
	v.SetDefault("http.cors_origins", []string{})

	v.SetDefault("grpc.addr", ":9090")

	v.SetDefault("database.store", StorePostgres)
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 25)
	v.SetDefault("database.conn_max_lifetime", 15*time.Minute)
	v.SetDefault("database.conn_max_idle_time", 5*time.Minute)
	v.SetDefault("database.store_timeout", 3*time.Second)
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("auth.access_secret", "")
	v.SetDefault("auth.refresh_secret", "")
	v.SetDefault("auth.issuer", "edunexus")
	v.SetDefault("auth.audience", "edunexus-api")
	v.SetDefault("auth.access_ttl", 15*time.Minute)
	v.SetDefault("auth.refresh_ttl", 14*24*time.Hour)
	v.SetDefault("auth.lock_threshold", 5)
	v.SetDefault("auth.lock_duration", 15*time.Minute)
	v.SetDefault("auth.session_retention", time.Duration(0))
	v.SetDefault("auth.sweep_interval", time.Hour)

	v.SetDefault("tenant.bind_timeout", 3*time.Second)
	v.SetDefault("tenant.audit_timeout", 3*time.Second)

	v.SetDefault("rate_limit.rps", 20.0)
	v.SetDefault("rate_limit.burst", 40)
	v.SetDefault("rate_limit.auth_rps", 0.5)
	v.SetDefault("rate_limit.auth_burst", 5)
}

// Load reads the configuration and validates it for serving.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read reads an optional YAML file, then EDUNEXUS_* environment variables. Nested keys
// map to env names with "_", e.g. EDUNEXUS_DATABASE_URL. Admin commands that never sign
// tokens use it without Validate.
func Read(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Validate rejects configurations the service must not boot with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Store {
	case StorePostgres:
		if strings.TrimSpace(c.Database.URL) == "" {
			errs = append(errs, errors.New("database.url is required for the postgres store"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("database.store must be %q or %q", StorePostgres, StoreMemory))
	}
	if len(c.Auth.AccessSecret) < minSecretLen {
		errs = append(errs, fmt.Errorf("auth.access_secret must be at least %d bytes", minSecretLen))
	}
	if len(c.Auth.RefreshSecret) < minSecretLen {
		errs = append(errs, fmt.Errorf("auth.refresh_secret must be at least %d bytes", minSecretLen))
	}
	if c.Auth.AccessSecret != "" && c.Auth.AccessSecret == c.Auth.RefreshSecret {
		errs = append(errs, errors.New("auth.access_secret and auth.refresh_secret must differ"))
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		errs = append(errs, errors.New("auth token TTLs must be positive"))
	}
	if c.Auth.LockThreshold < 1 {
		errs = append(errs, errors.New("auth.lock_threshold must be at least 1"))
	}
	if c.Auth.LockDuration <= 0 {
		errs = append(errs, errors.New("auth.lock_duration must be positive"))
	}
	if c.Database.StoreTimeout <= 0 || c.Tenant.BindTimeout <= 0 {
		errs = append(errs, errors.New("store and bind timeouts must be positive"))
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.AuthRPS <= 0 {
		errs = append(errs, errors.New("rate limits must be positive"))
	}
	switch c.Env {
	case "dev", "prod":
	default:
		errs = append(errs, fmt.Errorf("env must be dev or prod, got %q", c.Env))
	}
	return errors.Join(errs...)
}
