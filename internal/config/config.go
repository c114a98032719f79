package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ServerConfig captures all tunable parameters for the API process. Values
// come from defaults, then an optional YAML or JSON file, then environment
// variables, so the binary runs locally without any setup.
type ServerConfig struct {
	HTTPAddr        string        `koanf:"http_addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisGeoKey   string `koanf:"redis_geo_key"`

	KafkaBrokers []string `koanf:"kafka_brokers"`
	NotifyTopic  string   `koanf:"notify_topic"`

	PGDSN         string `koanf:"pg_dsn"`
	RunMigrations bool   `koanf:"migrate"`

	JWTSecret string        `koanf:"jwt_secret"`
	TokenTTL  time.Duration `koanf:"token_ttl"`

	SearchTimeout      time.Duration `koanf:"search_timeout"`
	OfferRadiusKm      float64       `koanf:"offer_radius_km"`
	CandidateRadiusKm  float64       `koanf:"candidate_radius_km"`
	DefaultPlanCeiling int           `koanf:"default_plan_ceiling"`
	QuotaTimezone      string        `koanf:"quota_timezone"`
	SweepInterval      time.Duration `koanf:"sweep_interval"`

	SessionBuffer int `koanf:"session_buffer"`
	NotifyWorkers int `koanf:"notify_workers"`
	NotifyBuffer  int `koanf:"notify_buffer"`

	OSRMURL     string        `koanf:"osrm_url"`
	ETASpeedMps float64       `koanf:"eta_speed_mps"`
	ETACacheTTL time.Duration `koanf:"eta_cache_ttl"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoKey:        "workers_geo",
		NotifyTopic:        "ride-notifications",
		TokenTTL:           time.Hour,
		SearchTimeout:      120 * time.Second,
		OfferRadiusKm:      5,
		CandidateRadiusKm:  5,
		DefaultPlanCeiling: 100,
		QuotaTimezone:      "UTC",
		SweepInterval:      5 * time.Second,
		SessionBuffer:      64,
		NotifyWorkers:      4,
		NotifyBuffer:       256,
		ETASpeedMps:        8,
		ETACacheTTL:        30 * time.Second,
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

// Load layers an optional config file and the environment over defaults.
// An empty path skips the file layer.
func Load(path string) (ServerConfig, error) {
	cfg := defaultServerConfig()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v, ok := os.LookupEnv("REDIS_PASSWORD"); ok {
		cfg.RedisPassword = v
	}
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.NotifyTopic, "NOTIFY_TOPIC")

	setStringFromEnv(&cfg.PGDSN, "PG_DSN")
	if v := os.Getenv("MIGRATE"); v != "" {
		cfg.RunMigrations = strings.EqualFold(v, "true")
	}

	setStringFromEnv(&cfg.JWTSecret, "JWT_SECRET")
	setDurationFromEnv(&cfg.TokenTTL, "TOKEN_TTL", &errs)

	setDurationFromEnv(&cfg.SearchTimeout, "SEARCH_TIMEOUT", &errs)
	setFloatFromEnv(&cfg.OfferRadiusKm, "OFFER_RADIUS_KM", &errs)
	setFloatFromEnv(&cfg.CandidateRadiusKm, "CANDIDATE_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.DefaultPlanCeiling, "DEFAULT_PLAN_CEILING", &errs)
	setStringFromEnv(&cfg.QuotaTimezone, "QUOTA_TIMEZONE")
	setDurationFromEnv(&cfg.SweepInterval, "SWEEP_INTERVAL", &errs)

	setIntFromEnv(&cfg.SessionBuffer, "SESSION_BUFFER", &errs)
	setIntFromEnv(&cfg.NotifyWorkers, "NOTIFY_WORKERS", &errs)
	setIntFromEnv(&cfg.NotifyBuffer, "NOTIFY_BUFFER", &errs)

	setStringFromEnv(&cfg.OSRMURL, "OSRM_URL")
	setFloatFromEnv(&cfg.ETASpeedMps, "ETA_SPEED_MPS", &errs)
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setStringFromEnv(&cfg.LogFormat, "LOG_FORMAT")

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.SearchTimeout <= 0 {
		errs = append(errs, errors.New("SEARCH_TIMEOUT must be > 0"))
	}
	if c.DefaultPlanCeiling < 0 {
		errs = append(errs, errors.New("DEFAULT_PLAN_CEILING must be >= 0"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be > 0"))
	}
	if c.SessionBuffer <= 0 {
		errs = append(errs, errors.New("SESSION_BUFFER must be > 0"))
	}
	if _, err := time.LoadLocation(c.QuotaTimezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid QUOTA_TIMEZONE: %w", err))
	}
	return errs
}

// Location is the time zone quota periods are computed in.
func (c ServerConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.QuotaTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func loadFile(path string, cfg *ServerConfig) error {
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("unsupported config format: %s", path)
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	return nil
}

// ConsumerConfig drives the notification delivery process.
type ConsumerConfig struct {
	KafkaBrokers []string
	NotifyTopic  string
	KafkaGroup   string
	RedisAddr    string
	FCMEndpoint  string
	FCMKey       string
	MetricsAddr  string
	Attempts     int
	RetryDelay   time.Duration
	LogLevel     string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers: []string{"localhost:9092"},
		NotifyTopic:  "ride-notifications",
		KafkaGroup:   "ride-dispatch-notifier",
		RedisAddr:    "localhost:6379",
		FCMEndpoint:  "https://fcm.googleapis.com/v1/projects/ride-dispatch/messages:send",
		MetricsAddr:  ":2112",
		Attempts:     3,
		RetryDelay:   200 * time.Millisecond,
		LogLevel:     "info",
	}
	var errs []error
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.NotifyTopic, "NOTIFY_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	setStringFromEnv(&cfg.FCMEndpoint, "FCM_ENDPOINT")
	setStringFromEnv(&cfg.FCMKey, "FCM_KEY")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setIntFromEnv(&cfg.Attempts, "NOTIFY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "NOTIFY_RETRY_DELAY", &errs)
	setStringFromEnv(&cfg.LogLevel, "LOG_LEVEL")

	if cfg.Attempts <= 0 {
		errs = append(errs, errors.New("NOTIFY_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
