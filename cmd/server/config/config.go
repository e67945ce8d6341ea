package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// HTTPConfig holds the public API listener.
type HTTPConfig struct {
	Addr string
}

// GRPCConfig holds the gRPC listener and ingress rate limiting settings.
// A zero RateLimitInterval disables limiting.
type GRPCConfig struct {
	Addr              string
	RateLimitInterval time.Duration
	RateLimitBurst    int
	Reflection        bool
}

// ObservabilityConfig holds the metrics listener and tracing export settings.
type ObservabilityConfig struct {
	Addr           string
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string
}

// StoreConfig selects where instances are persisted.
type StoreConfig struct {
	DatabaseURL string
	WALPath     string
}

// ActivitiesConfig points at the activity executor. Empty BaseURL runs the
// in-process stubs.
type ActivitiesConfig struct {
	BaseURL string
}

// EventsConfig holds the SNS topic for terminal events. Empty disables publishing.
type EventsConfig struct {
	TopicARN string
}

// RedisConfig holds Redis connection settings for the distributed instance
// lock. URL empty means no distributed lock.
type RedisConfig struct {
	URL                string
	DialTimeout        *time.Duration
	ReadTimeout        *time.Duration
	WriteTimeout       *time.Duration
	PoolSize           *int
	MinIdleConns       *int
	MaxRetries         *int
	HealthcheckTimeout time.Duration
	LockTTL            time.Duration
	EnableOTel         bool
	TLSConfig          *tls.Config
}

// Enabled reports whether a Redis URL was configured.
func (c RedisConfig) Enabled() bool { return c.URL != "" }

// Config is the full server configuration.
type Config struct {
	HTTP          HTTPConfig
	GRPC          GRPCConfig
	Observability ObservabilityConfig
	Store         StoreConfig
	Activities    ActivitiesConfig
	Events        EventsConfig
	Redis         RedisConfig
}

// LoadDotEnv loads variables from the given files (".env" when none are
// given) without overriding the process environment. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads every config group from env.
func Load() (Config, error) {
	var cfg Config
	var err error
	if cfg.HTTP, err = LoadHTTP(); err != nil {
		return cfg, err
	}
	if cfg.GRPC, err = LoadGRPC(); err != nil {
		return cfg, err
	}
	if cfg.Observability, err = LoadObservability(); err != nil {
		return cfg, err
	}
	if cfg.Redis, err = LoadRedis(); err != nil {
		return cfg, err
	}
	cfg.Store = StoreConfig{
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		WALPath:     strings.TrimSpace(os.Getenv("ORDER_WAL_PATH")),
	}
	cfg.Activities = ActivitiesConfig{BaseURL: strings.TrimRight(strings.TrimSpace(os.Getenv("ACTIVITIES_BASE_URL")), "/")}
	cfg.Events = EventsConfig{TopicARN: strings.TrimSpace(os.Getenv("ORDER_EVENTS_TOPIC_ARN"))}
	return cfg, nil
}

// LoadHTTP reads the public listener address.
func LoadHTTP() (HTTPConfig, error) {
	return HTTPConfig{Addr: stringOr("HTTP_ADDR", ":8080")}, nil
}

// LoadGRPC reads gRPC listener and rate limit settings from env.
func LoadGRPC() (GRPCConfig, error) {
	cfg := GRPCConfig{Addr: stringOr("GRPC_ADDR", ":50051")}

	interval, err := optionalDuration("GRPC_RATE_LIMIT_INTERVAL")
	if err != nil {
		return cfg, err
	}
	if interval != nil {
		cfg.RateLimitInterval = *interval
	}
	burst, err := optionalInt("GRPC_RATE_LIMIT_BURST")
	if err != nil {
		return cfg, err
	}
	if burst != nil {
		cfg.RateLimitBurst = *burst
	}
	if cfg.RateLimitInterval > 0 && cfg.RateLimitBurst == 0 {
		return cfg, errors.New("GRPC_RATE_LIMIT_BURST is required when GRPC_RATE_LIMIT_INTERVAL is set")
	}

	cfg.Reflection = os.Getenv("APP_ENV") != "production"
	return cfg, nil
}

// LoadObservability reads the metrics listener and tracing settings from env.
func LoadObservability() (ObservabilityConfig, error) {
	return ObservabilityConfig{
		Addr:           stringOr("OBS_ADDR", ":9090"),
		ServiceName:    stringOr("OTEL_SERVICE_NAME", "orderflow"),
		ServiceVersion: strings.TrimSpace(os.Getenv("SERVICE_VERSION")),
		OTLPEndpoint:   strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
	}, nil
}

// LoadRedis reads Redis config from env. Without REDIS_URL only the zero
// config is returned.
func LoadRedis() (RedisConfig, error) {
	cfg := RedisConfig{URL: strings.TrimSpace(os.Getenv("REDIS_URL"))}
	if cfg.URL == "" {
		return cfg, nil
	}

	var err error
	if cfg.DialTimeout, err = optionalDuration("REDIS_DIAL_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = optionalDuration("REDIS_READ_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = optionalDuration("REDIS_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.PoolSize, err = optionalInt("REDIS_POOL_SIZE"); err != nil {
		return cfg, err
	}
	if cfg.MinIdleConns, err = optionalInt("REDIS_MIN_IDLE_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = optionalInt("REDIS_MAX_RETRIES"); err != nil {
		return cfg, err
	}

	if cfg.HealthcheckTimeout, err = durationOr("REDIS_HEALTHCHECK_TIMEOUT", 2*time.Second); err != nil {
		return cfg, err
	}
	if cfg.LockTTL, err = durationOr("REDIS_LOCK_TTL", 30*time.Second); err != nil {
		return cfg, err
	}

	if cfg.EnableOTel, err = optionalBool("REDIS_OTEL"); err != nil {
		return cfg, err
	}

	if cfg.TLSConfig, err = loadRedisTLSFromEnv(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func loadRedisTLSFromEnv() (*tls.Config, error) {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_FILE"))
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	insecureStr := strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE_SKIP_VERIFY"))

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && insecureStr == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if insecureStr != "" {
		insecure, err := strconv.ParseBool(insecureStr)
		if err != nil {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE_SKIP_VERIFY: %w", err)
		}
		tlsConfig.InsecureSkipVerify = insecure
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func stringOr(name, def string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return def
}

func durationOr(name string, def time.Duration) (time.Duration, error) {
	val, err := optionalDuration(name)
	if err != nil || val == nil {
		return def, err
	}
	return *val, nil
}

func optionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalBool(name string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}
