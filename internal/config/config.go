// Package config loads gateway configuration. Values come from built-in
// defaults, then an optional YAML file, then an optional .env file and finally
// the process environment, each layer overriding the previous one.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration values.
type Config struct {
	Env       string `yaml:"env"`
	Service   string `yaml:"service"`
	Version   string `yaml:"version"`
	HTTPAddr  string `yaml:"http_addr"`
	GRPCAddr  string `yaml:"grpc_addr"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	PostgresDSN string `yaml:"postgres_dsn"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
	AMQPURL     string `yaml:"amqp_url"`

	TokenSecret   string        `yaml:"token_secret"`
	TokenIssuer   string        `yaml:"token_issuer"`
	AccessTTL     time.Duration `yaml:"access_ttl"`
	RefreshTTL    time.Duration `yaml:"refresh_ttl"`
	WebhookSecret string        `yaml:"webhook_secret"`

	OTP    OTPConfig    `yaml:"otp"`
	Orders OrderConfig  `yaml:"orders"`
	Audit  AuditConfig  `yaml:"audit"`
	HTTP   HTTPConfig   `yaml:"http"`
	Limits LimitsConfig `yaml:"limits"`
}

// OTPConfig tunes the one-time code issuer.
type OTPConfig struct {
	Length      int           `yaml:"length"`
	TTL         time.Duration `yaml:"ttl"`
	Cooldown    time.Duration `yaml:"cooldown"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// OrderConfig tunes the order lifecycle engine.
type OrderConfig struct {
	ReturnWindow   time.Duration `yaml:"return_window"`
	PaymentTimeout time.Duration `yaml:"payment_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	AutoFulfil     bool          `yaml:"auto_fulfil"`
	Lanes          int           `yaml:"lanes"`
}

// AuditConfig controls audit trail retention. Retention of zero keeps entries forever.
type AuditConfig struct {
	Retention    time.Duration `yaml:"retention"`
	RetainOnWipe bool          `yaml:"retain_on_wipe"`
	KafkaBrokers []string      `yaml:"kafka_brokers"`
	KafkaTopic   string        `yaml:"kafka_topic"`
}

// HTTPConfig holds server limits.
type HTTPConfig struct {
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	CORSOrigins  []string      `yaml:"cors_origins"`
}

// LimitsConfig configures request throttling.
type LimitsConfig struct {
	RatePerSecond int           `yaml:"rate_per_second"`
	RateBurst     int           `yaml:"rate_burst"`
	OTPPerWindow  int           `yaml:"otp_per_window"`
	OTPWindow     time.Duration `yaml:"otp_window"`
}

const devTokenSecret = "giftmarket-dev-only-secret"

// DefaultPorts are the reference deployment ports per gateway.
var DefaultPorts = map[string]string{
	"main":      ":5000",
	"seller":    ":5001",
	"corporate": ":5002",
}

var defaultGRPCPorts = map[string]string{
	"main":      ":6000",
	"seller":    ":6001",
	"corporate": ":6002",
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Env:         "dev",
		Service:     "main",
		Version:     "dev",
		LogLevel:    "info",
		LogFormat:   "json",
		TokenIssuer: "giftmarket",
		AccessTTL:   15 * time.Minute,
		RefreshTTL:  7 * 24 * time.Hour,
		OTP: OTPConfig{
			Length:      6,
			TTL:         10 * time.Minute,
			Cooldown:    60 * time.Second,
			MaxAttempts: 5,
		},
		Orders: OrderConfig{
			ReturnWindow:   14 * 24 * time.Hour,
			PaymentTimeout: 30 * time.Minute,
			SweepInterval:  time.Minute,
			AutoFulfil:     true,
			Lanes:          16,
		},
		Audit: AuditConfig{
			RetainOnWipe: true,
			KafkaTopic:   "auth-audit",
		},
		HTTP: HTTPConfig{
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
			MaxBodyBytes: 1 << 20,
		},
		Limits: LimitsConfig{
			RatePerSecond: 20,
			RateBurst:     40,
			OTPPerWindow:  5,
			OTPWindow:     10 * time.Minute,
		},
	}
}

// Load builds the configuration for the given service. An empty service keeps
// whatever the file or environment says.
func Load(service string) (Config, error) {
	cfg := Default()

	if path := os.Getenv("GIFTMARKET_CONFIG"); path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	envFile := os.Getenv("GIFTMARKET_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	applyEnv(&cfg)
	if service != "" {
		cfg.Service = service
	}
	cfg.Service = strings.ToLower(strings.TrimSpace(cfg.Service))
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = DefaultPorts[cfg.Service]
	}
	if cfg.GRPCAddr == "" {
		cfg.GRPCAddr = defaultGRPCPorts[cfg.Service]
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	if cfg.TokenSecret == "" {
		// dev only; Validate rejects an empty secret elsewhere
		cfg.TokenSecret = devTokenSecret
	}
	return cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Env = envStr("APP_ENV", cfg.Env)
	cfg.Service = envStr("GATEWAY_SERVICE", cfg.Service)
	cfg.Version = envStr("APP_VERSION", cfg.Version)
	cfg.HTTPAddr = envStr("HTTP_ADDR", cfg.HTTPAddr)
	cfg.GRPCAddr = envStr("GRPC_ADDR", cfg.GRPCAddr)
	cfg.LogLevel = envStr("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envStr("LOG_FORMAT", cfg.LogFormat)

	cfg.PostgresDSN = envStr("POSTGRES_DSN", cfg.PostgresDSN)
	cfg.RedisAddr = envStr("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisDB = envInt("REDIS_DB", cfg.RedisDB)
	cfg.AMQPURL = envStr("AMQP_URL", cfg.AMQPURL)

	cfg.TokenSecret = envStr("TOKEN_SECRET", cfg.TokenSecret)
	cfg.TokenIssuer = envStr("TOKEN_ISSUER", cfg.TokenIssuer)
	cfg.AccessTTL = envDur("ACCESS_TOKEN_TTL", cfg.AccessTTL)
	cfg.RefreshTTL = envDur("REFRESH_TOKEN_TTL", cfg.RefreshTTL)
	cfg.WebhookSecret = envStr("WEBHOOK_SECRET", cfg.WebhookSecret)

	cfg.OTP.Length = envInt("OTP_LENGTH", cfg.OTP.Length)
	cfg.OTP.TTL = envDur("OTP_TTL", cfg.OTP.TTL)
	cfg.OTP.Cooldown = envDur("OTP_COOLDOWN", cfg.OTP.Cooldown)
	cfg.OTP.MaxAttempts = envInt("OTP_MAX_ATTEMPTS", cfg.OTP.MaxAttempts)

	cfg.Orders.ReturnWindow = envDur("ORDER_RETURN_WINDOW", cfg.Orders.ReturnWindow)
	cfg.Orders.PaymentTimeout = envDur("ORDER_PAYMENT_TIMEOUT", cfg.Orders.PaymentTimeout)
	cfg.Orders.SweepInterval = envDur("ORDER_SWEEP_INTERVAL", cfg.Orders.SweepInterval)
	cfg.Orders.AutoFulfil = envBool("ORDER_AUTO_FULFIL", cfg.Orders.AutoFulfil)
	cfg.Orders.Lanes = envInt("ORDER_LANES", cfg.Orders.Lanes)

	cfg.Audit.Retention = envDur("AUDIT_RETENTION", cfg.Audit.Retention)
	cfg.Audit.RetainOnWipe = envBool("AUDIT_RETAIN_ON_WIPE", cfg.Audit.RetainOnWipe)
	cfg.Audit.KafkaBrokers = envList("AUDIT_KAFKA_BROKERS", cfg.Audit.KafkaBrokers)
	cfg.Audit.KafkaTopic = envStr("AUDIT_KAFKA_TOPIC", cfg.Audit.KafkaTopic)

	cfg.HTTP.MaxBodyBytes = int64(envInt("HTTP_MAX_BODY_BYTES", int(cfg.HTTP.MaxBodyBytes)))
	cfg.HTTP.CORSOrigins = envList("HTTP_CORS_ORIGINS", cfg.HTTP.CORSOrigins)

	cfg.Limits.RatePerSecond = envInt("RATE_LIMIT_PER_SECOND", cfg.Limits.RatePerSecond)
	cfg.Limits.RateBurst = envInt("RATE_LIMIT_BURST", cfg.Limits.RateBurst)
	cfg.Limits.OTPPerWindow = envInt("OTP_REQUESTS_PER_WINDOW", cfg.Limits.OTPPerWindow)
	cfg.Limits.OTPWindow = envDur("OTP_REQUESTS_WINDOW", cfg.Limits.OTPWindow)
}

// Validate rejects configurations the gateways cannot run with.
func (c Config) Validate() error {
	if _, ok := DefaultPorts[c.Service]; !ok {
		return fmt.Errorf("config: unknown service %q (want main, seller or corporate)", c.Service)
	}
	if strings.TrimSpace(c.TokenSecret) == "" {
		if !c.IsDev() {
			return errors.New("config: TOKEN_SECRET is required outside dev")
		}
	} else if len(c.TokenSecret) < 16 && !c.IsDev() {
		return errors.New("config: TOKEN_SECRET must be at least 16 bytes")
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		return errors.New("config: token TTLs must be positive")
	}
	if c.OTP.Length < 4 || c.OTP.Length > 10 {
		return fmt.Errorf("config: OTP length %d out of range [4,10]", c.OTP.Length)
	}
	if c.OTP.TTL <= 0 || c.OTP.MaxAttempts <= 0 {
		return errors.New("config: OTP ttl and max attempts must be positive")
	}
	if c.Orders.ReturnWindow <= 0 || c.Orders.PaymentTimeout <= 0 {
		return errors.New("config: order windows must be positive")
	}
	return nil
}

// IsDev reports whether the gateway runs in a development environment.
func (c Config) IsDev() bool {
	switch c.Env {
	case "", "dev", "development", "test":
		return true
	}
	return false
}

func envStr(k, d string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return d
}

func envInt(k string, d int) int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return d
}

func envBool(k string, d bool) bool {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return d
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return d
	}
	return b
}

func envDur(k string, d time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return d
	}
	if dur, err := time.ParseDuration(v); err == nil {
		return dur
	}
	return d
}

func envList(k string, d []string) []string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return d
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
