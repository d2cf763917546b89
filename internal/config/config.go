package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Env      string `yaml:"env"`
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	// Store is "postgres" or "memory".
	Store    string `yaml:"store"`
	DBSource string `yaml:"db_source"`

	Redis         RedisConfig     `yaml:"redis"`
	Kafka         KafkaConfig     `yaml:"kafka"`
	Provider      ProviderConfig  `yaml:"provider"`
	WebhookSecret string          `yaml:"webhook_secret"`
	Credits       CreditsConfig   `yaml:"credits"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	CORSOrigins   []string        `yaml:"cors_origins"`
}

// RedisConfig enables the shared poll lease. Empty Addr means single replica.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// KafkaConfig enables event publishing. Without brokers events are logged.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type ProviderConfig struct {
	BaseURL       string        `yaml:"base_url"`
	AccountID     string        `yaml:"account_id"`
	APIKey        string        `yaml:"api_key"`
	MerchantID    string        `yaml:"merchant_id"`
	MinAmount     int64         `yaml:"min_amount"`
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
}

type CreditsConfig struct {
	StartingBalance int64         `yaml:"starting_balance"`
	CreditRate      int64         `yaml:"credit_rate"`
	MinAmount       int64         `yaml:"min_amount"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	// Tenants overrides CreditRate and MinAmount per tenant id.
	Tenants map[string]TenantConfig `yaml:"tenants"`
}

type TenantConfig struct {
	CreditRate int64 `yaml:"credit_rate"`
	MinAmount  int64 `yaml:"min_amount"`
}

// RateLimitConfig is the per-client-IP limit on the public API.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

func defaults() Config {
	return Config{
		Env:      "development",
		Port:     "8080",
		LogLevel: "info",
		Store:    "postgres",
		Kafka:    KafkaConfig{Topic: "topup-events"},
		Provider: ProviderConfig{
			MinAmount: 10,
			Timeout:   15 * time.Second,
		},
		Credits: CreditsConfig{
			CreditRate:   10,
			MinAmount:    10,
			PollInterval: 20 * time.Second,
		},
		RateLimit: RateLimitConfig{RequestsPerSecond: 20, Burst: 40},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in that order. A .env file in the working directory is read
// into the environment first when present.
func Load(yamlPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := defaults()
	if yamlPath != "" {
		f, err := os.Open(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("open config file: %w", err)
		}
		defer f.Close()

		if err := MergeYAML(&cfg, f); err != nil {
			return nil, err
		}
	}

	if err := MergeEnv(&cfg, envMappings); err != nil {
		return nil, err
	}
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// IsValid checks required values. Credentials are never defaulted.
func (c *Config) IsValid() error {
	var errs error
	require := func(name, val string) {
		if strings.TrimSpace(val) == "" {
			errs = errors.Join(errs, fmt.Errorf("%s is required", name))
		}
	}

	switch c.Store {
	case "postgres":
		require("DB_SOURCE", c.DBSource)
	case "memory":
	default:
		errs = errors.Join(errs, fmt.Errorf("unknown store %q", c.Store))
	}
	require("PROVIDER_BASE_URL", c.Provider.BaseURL)
	require("PROVIDER_ACCOUNT_ID", c.Provider.AccountID)
	require("PROVIDER_API_KEY", c.Provider.APIKey)
	require("PROVIDER_MERCHANT_ID", c.Provider.MerchantID)
	require("WEBHOOK_SECRET", c.WebhookSecret)

	if c.Credits.StartingBalance < 0 {
		errs = errors.Join(errs, errors.New("starting balance must not be negative"))
	}
	if c.Credits.CreditRate <= 0 {
		errs = errors.Join(errs, errors.New("credit rate must be positive"))
	}
	for id, t := range c.Credits.Tenants {
		if t.CreditRate < 0 || t.MinAmount < 0 {
			errs = errors.Join(errs, fmt.Errorf("tenant %s: rates must not be negative", id))
		}
	}
	if c.Credits.PollInterval <= 0 {
		errs = errors.Join(errs, errors.New("poll interval must be positive"))
	}
	return errs
}

// MergeYAML expands ${VAR} and ${VAR:-default} references and unmarshals the
// result over cfg. A referenced variable without a default must be set.
func MergeYAML(cfg *Config, src io.Reader) error {
	raw, err := io.ReadAll(src)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var missing []string
	expanded := os.Expand(string(raw), func(key string) string {
		if i := strings.Index(key, ":-"); i != -1 {
			if val, ok := os.LookupEnv(key[:i]); ok {
				return val
			}
			return key[i+2:]
		}
		val, ok := os.LookupEnv(key)
		if !ok {
			missing = append(missing, key)
		}
		return val
	})
	if len(missing) > 0 {
		return fmt.Errorf("config file expects environment variables %v", missing)
	}

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// EnvMapping applies one environment variable to the config.
type EnvMapping struct {
	Required bool
	Func     func(cfg *Config, val string) error
}

// MergeEnv applies every mapping whose variable is set and collects all errors.
func MergeEnv(cfg *Config, mappings map[string]EnvMapping) error {
	var errs error
	for key, m := range mappings {
		val, ok := os.LookupEnv(key)
		if !ok {
			if m.Required {
				errs = errors.Join(errs, fmt.Errorf("missing required env variable %s", key))
			}
			continue
		}
		if err := m.Func(cfg, val); err != nil {
			errs = errors.Join(errs, fmt.Errorf("env variable %s: %w", key, err))
		}
	}
	return errs
}

var envMappings = map[string]EnvMapping{
	"ENVIRONMENT": {Func: func(c *Config, v string) error { c.Env = v; return nil }},
	"SERVER_PORT": {Func: func(c *Config, v string) error { c.Port = v; return nil }},
	"LOG_LEVEL":   {Func: func(c *Config, v string) error { c.LogLevel = v; return nil }},
	"STORE":       {Func: func(c *Config, v string) error { c.Store = strings.ToLower(v); return nil }},
	"DB_SOURCE":   {Func: func(c *Config, v string) error { c.DBSource = v; return nil }},

	"REDIS_ADDR":     {Func: func(c *Config, v string) error { c.Redis.Addr = v; return nil }},
	"REDIS_PASSWORD": {Func: func(c *Config, v string) error { c.Redis.Password = v; return nil }},
	"REDIS_DB":       {Func: func(c *Config, v string) error { return mapInt(&c.Redis.DB, v) }},

	"KAFKA_BROKERS": {Func: func(c *Config, v string) error { c.Kafka.Brokers = splitList(v); return nil }},
	"KAFKA_TOPIC":   {Func: func(c *Config, v string) error { c.Kafka.Topic = v; return nil }},

	"PROVIDER_BASE_URL":        {Func: func(c *Config, v string) error { c.Provider.BaseURL = v; return nil }},
	"PROVIDER_ACCOUNT_ID":      {Func: func(c *Config, v string) error { c.Provider.AccountID = v; return nil }},
	"PROVIDER_API_KEY":         {Func: func(c *Config, v string) error { c.Provider.APIKey = v; return nil }},
	"PROVIDER_MERCHANT_ID":     {Func: func(c *Config, v string) error { c.Provider.MerchantID = v; return nil }},
	"PROVIDER_MIN_AMOUNT":      {Func: func(c *Config, v string) error { return mapInt64(&c.Provider.MinAmount, v) }},
	"PROVIDER_TIMEOUT":         {Func: func(c *Config, v string) error { return mapDuration(&c.Provider.Timeout, v) }},
	"PROVIDER_RATE_PER_SECOND": {Func: func(c *Config, v string) error { return mapFloat(&c.Provider.RatePerSecond, v) }},
	"PROVIDER_BURST":           {Func: func(c *Config, v string) error { return mapInt(&c.Provider.Burst, v) }},
	"WEBHOOK_SECRET":           {Func: func(c *Config, v string) error { c.WebhookSecret = v; return nil }},

	"STARTING_BALANCE": {Func: func(c *Config, v string) error { return mapInt64(&c.Credits.StartingBalance, v) }},
	"CREDIT_RATE":      {Func: func(c *Config, v string) error { return mapInt64(&c.Credits.CreditRate, v) }},
	"MIN_AMOUNT":       {Func: func(c *Config, v string) error { return mapInt64(&c.Credits.MinAmount, v) }},
	"POLL_INTERVAL":    {Func: func(c *Config, v string) error { return mapDuration(&c.Credits.PollInterval, v) }},

	"RATE_LIMIT_RPS":   {Func: func(c *Config, v string) error { return mapFloat(&c.RateLimit.RequestsPerSecond, v) }},
	"RATE_LIMIT_BURST": {Func: func(c *Config, v string) error { return mapInt(&c.RateLimit.Burst, v) }},
	"CORS_ORIGINS":     {Func: func(c *Config, v string) error { c.CORSOrigins = splitList(v); return nil }},
}

func mapInt(tgt *int, val string) error {
	i, err := strconv.Atoi(val)
	if err != nil {
		return err
	}
	*tgt = i
	return nil
}

func mapInt64(tgt *int64, val string) error {
	i, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return err
	}
	*tgt = i
	return nil
}

func mapFloat(tgt *float64, val string) error {
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return err
	}
	*tgt = f
	return nil
}

func mapDuration(tgt *time.Duration, val string) error {
	d, err := time.ParseDuration(val)
	if err != nil {
		return err
	}
	*tgt = d
	return nil
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
