// Package config loads the trust layer configuration once at startup. The
// resulting Config is passed by reference to every collaborator; nothing
// reads configuration from ambient process state after Load returns.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"

	dErrors "trustlayer/pkg/domain-errors"
	"trustlayer/pkg/secrets"
)

const EnvProduction = "production"

// Config holds application configuration loaded from the environment.
type Config struct {
	Env  string `mapstructure:"APP_ENV"`
	Addr string `mapstructure:"HTTP_ADDR"`

	// AccessTokenSecret and RefreshTokenSecret are deliberately distinct keys.
	AccessTokenSecret  string `mapstructure:"ACCESS_TOKEN_SECRET"`
	RefreshTokenSecret string `mapstructure:"REFRESH_TOKEN_SECRET"`
	// DeviceCookieSecret signs the deviceId cookie; derived from the access
	// secret when empty.
	DeviceCookieSecret string `mapstructure:"DEVICE_COOKIE_SECRET"`
	DeviceCookieDomain string `mapstructure:"DEVICE_COOKIE_DOMAIN"`
	TokenIssuer        string `mapstructure:"TOKEN_ISSUER"`

	AccessTokenTTL         time.Duration `mapstructure:"ACCESS_TOKEN_TTL"`
	RefreshTokenTTL        time.Duration `mapstructure:"REFRESH_TOKEN_TTL"`
	AbsoluteSessionTTL     time.Duration `mapstructure:"ABSOLUTE_SESSION_TTL"`
	IdempotencyTTL         time.Duration `mapstructure:"IDEMPOTENCY_TTL"`
	IdempotencyLockTTL     time.Duration `mapstructure:"IDEMPOTENCY_LOCK_TTL"`
	IdempotencyWaitTimeout time.Duration `mapstructure:"IDEMPOTENCY_WAIT_TIMEOUT"`
	StoreTimeout           time.Duration `mapstructure:"STORE_TIMEOUT"`
	AuditRetention         time.Duration `mapstructure:"AUDIT_RETENTION"`
	CleanupInterval        time.Duration `mapstructure:"CLEANUP_INTERVAL"`
	RequestTimeout         time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	DatabaseURL string      `mapstructure:"DATABASE_URL"`
	Redis       RedisConfig `mapstructure:",squash"`
	// AdminAPIToken gates the admin routes in addition to bearer auth.
	AdminAPIToken string `mapstructure:"ADMIN_API_TOKEN"`

	// KafkaBrokers enables security alert fan-out when non-empty.
	KafkaBrokers       string `mapstructure:"KAFKA_BROKERS"`
	SecurityAlertTopic string `mapstructure:"SECURITY_ALERT_TOPIC"`

	// TrustedProxies is a comma-separated CIDR list allowed to set X-Forwarded-For.
	TrustedProxies string `mapstructure:"TRUSTED_PROXIES"`
}

// RedisConfig configures the shared cache cluster.
type RedisConfig struct {
	URL          string        `mapstructure:"REDIS_URL"`
	PoolSize     int           `mapstructure:"REDIS_POOL_SIZE"`
	MinIdleConns int           `mapstructure:"REDIS_MIN_IDLE_CONNS"`
	DialTimeout  time.Duration `mapstructure:"REDIS_DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `mapstructure:"REDIS_READ_TIMEOUT"`
	WriteTimeout time.Duration `mapstructure:"REDIS_WRITE_TIMEOUT"`
}

// Load reads .env (if present), then builds Config from the environment via
// Viper. In production both signing secrets are validated here and startup
// fails fast; other environments may call ValidateSecrets later.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // missing .env is fine

	v.AutomaticEnv()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.Addr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.IsProduction() {
		if err := cfg.ValidateSecrets(); err != nil {
			return nil, err
		}
		if cfg.DatabaseURL == "" || cfg.Redis.URL == "" {
			return nil, errors.New("config: DATABASE_URL and REDIS_URL are required in production")
		}
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("ACCESS_TOKEN_SECRET", "")
	v.SetDefault("REFRESH_TOKEN_SECRET", "")
	v.SetDefault("DEVICE_COOKIE_SECRET", "")
	v.SetDefault("DEVICE_COOKIE_DOMAIN", "")
	v.SetDefault("TOKEN_ISSUER", "trustlayer")
	v.SetDefault("ACCESS_TOKEN_TTL", 15*time.Minute)
	v.SetDefault("REFRESH_TOKEN_TTL", 7*24*time.Hour)
	v.SetDefault("ABSOLUTE_SESSION_TTL", 30*24*time.Hour)
	v.SetDefault("IDEMPOTENCY_TTL", 24*time.Hour)
	v.SetDefault("IDEMPOTENCY_LOCK_TTL", 30*time.Second)
	v.SetDefault("IDEMPOTENCY_WAIT_TIMEOUT", 10*time.Second)
	v.SetDefault("STORE_TIMEOUT", 2*time.Second)
	v.SetDefault("AUDIT_RETENTION", 7*365*24*time.Hour)
	v.SetDefault("CLEANUP_INTERVAL", 15*time.Minute)
	v.SetDefault("REQUEST_TIMEOUT", 30*time.Second)
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("REDIS_POOL_SIZE", 20)
	v.SetDefault("REDIS_MIN_IDLE_CONNS", 2)
	v.SetDefault("REDIS_DIAL_TIMEOUT", 2*time.Second)
	v.SetDefault("REDIS_READ_TIMEOUT", time.Second)
	v.SetDefault("REDIS_WRITE_TIMEOUT", time.Second)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("SECURITY_ALERT_TOPIC", "trustlayer.security-alerts")
	v.SetDefault("TRUSTED_PROXIES", "")
	v.SetDefault("ADMIN_API_TOKEN", "")
}

func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}

// ValidateSecrets checks both token signing secrets are present, long
// enough and distinct, and that a device cookie key is available.
func (c *Config) ValidateSecrets() error {
	if err := secrets.ValidateSigningSecret("ACCESS_TOKEN_SECRET", c.AccessTokenSecret); err != nil {
		return err
	}
	if err := secrets.ValidateSigningSecret("REFRESH_TOKEN_SECRET", c.RefreshTokenSecret); err != nil {
		return err
	}
	if secrets.Equal(c.AccessTokenSecret, c.RefreshTokenSecret) {
		return dErrors.New(dErrors.CodeConfiguration, "ACCESS_TOKEN_SECRET and REFRESH_TOKEN_SECRET must differ")
	}
	_, err := c.DeviceSecret()
	return err
}

// DeviceSecret returns the key material for the device cookie: the
// dedicated secret when set, otherwise the access token secret.
func (c *Config) DeviceSecret() ([]byte, error) {
	if c.DeviceCookieSecret != "" {
		if err := secrets.ValidateSigningSecret("DEVICE_COOKIE_SECRET", c.DeviceCookieSecret); err != nil {
			return nil, err
		}
		return []byte(c.DeviceCookieSecret), nil
	}
	if c.AccessTokenSecret == "" {
		return nil, dErrors.New(dErrors.CodeConfiguration,
			"DEVICE_COOKIE_SECRET or ACCESS_TOKEN_SECRET must be set to sign device cookies")
	}
	return []byte(c.AccessTokenSecret), nil
}

// TrustedProxyPrefixes parses TrustedProxies, skipping malformed entries.
func (c *Config) TrustedProxyPrefixes() []netip.Prefix {
	if c == nil || c.TrustedProxies == "" {
		return nil
	}
	var out []netip.Prefix
	for _, part := range strings.Split(c.TrustedProxies, ",") {
		p, err := netip.ParsePrefix(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out
}

// KafkaEnabled reports whether security alerts should be fanned out to Kafka.
func (c *Config) KafkaEnabled() bool {
	return c != nil && strings.TrimSpace(c.KafkaBrokers) != ""
}
