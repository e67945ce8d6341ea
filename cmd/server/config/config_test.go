package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadGRPC(t *testing.T) {
	t.Setenv("GRPC_ADDR", ":6000")
	t.Setenv("GRPC_RATE_LIMIT_INTERVAL", "5ms")
	t.Setenv("GRPC_RATE_LIMIT_BURST", "10")
	t.Setenv("APP_ENV", "production")

	cfg, err := LoadGRPC()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Addr != ":6000" || cfg.RateLimitInterval != 5*time.Millisecond || cfg.RateLimitBurst != 10 {
		t.Fatalf("unexpected grpc cfg: %+v", cfg)
	}
	if cfg.Reflection {
		t.Fatalf("expected reflection disabled in production")
	}
}

func TestLoadGRPC_Defaults(t *testing.T) {
	t.Setenv("GRPC_ADDR", "")
	t.Setenv("GRPC_RATE_LIMIT_INTERVAL", "")
	t.Setenv("GRPC_RATE_LIMIT_BURST", "")
	t.Setenv("APP_ENV", "")

	cfg, err := LoadGRPC()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Addr != ":50051" || cfg.RateLimitInterval != 0 || !cfg.Reflection {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadGRPC_IntervalNeedsBurst(t *testing.T) {
	t.Setenv("GRPC_RATE_LIMIT_INTERVAL", "10ms")
	t.Setenv("GRPC_RATE_LIMIT_BURST", "")
	if _, err := LoadGRPC(); err == nil {
		t.Fatalf("expected error for missing burst")
	}

	t.Setenv("GRPC_RATE_LIMIT_INTERVAL", "soon")
	if _, err := LoadGRPC(); err == nil {
		t.Fatalf("expected error for bad interval")
	}
}

func TestLoadObservability(t *testing.T) {
	t.Setenv("OBS_ADDR", ":9999")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_SERVICE_NAME", "")

	cfg, err := LoadObservability()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.OTLPEndpoint != "collector:4318" || cfg.ServiceName != "orderflow" {
		t.Fatalf("unexpected observability cfg: %+v", cfg)
	}
}

func TestLoad_StoreActivitiesEvents(t *testing.T) {
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("DATABASE_URL", "postgres://localhost/orders")
	t.Setenv("ORDER_WAL_PATH", "/tmp/orders.wal")
	t.Setenv("ACTIVITIES_BASE_URL", "http://activities:5001/")
	t.Setenv("ORDER_EVENTS_TOPIC_ARN", "arn:aws:sns:us-east-1:000000000000:orders")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Fatalf("unexpected http addr %q", cfg.HTTP.Addr)
	}
	if cfg.Store.DatabaseURL != "postgres://localhost/orders" || cfg.Store.WALPath != "/tmp/orders.wal" {
		t.Fatalf("unexpected store cfg: %+v", cfg.Store)
	}
	if cfg.Activities.BaseURL != "http://activities:5001" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.Activities.BaseURL)
	}
	if cfg.Events.TopicARN == "" {
		t.Fatalf("expected topic arn")
	}
	if cfg.Redis.Enabled() {
		t.Fatalf("expected redis disabled without url")
	}
}

func TestLoadRedis(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("REDIS_HEALTHCHECK_TIMEOUT", "")
	t.Setenv("REDIS_LOCK_TTL", "")

	cfg, err := LoadRedis()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Enabled() || cfg.URL != "redis://localhost:6379/0" {
		t.Fatalf("unexpected redis url: %s", cfg.URL)
	}
	if cfg.HealthcheckTimeout != 2*time.Second {
		t.Fatalf("unexpected healthcheck timeout: %v", cfg.HealthcheckTimeout)
	}
	if cfg.LockTTL != 30*time.Second {
		t.Fatalf("unexpected lock ttl: %v", cfg.LockTTL)
	}
}

func TestLoadRedis_WithOptionalFields(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("REDIS_HEALTHCHECK_TIMEOUT", "1s")
	t.Setenv("REDIS_LOCK_TTL", "1m")
	t.Setenv("REDIS_DIAL_TIMEOUT", "3s")
	t.Setenv("REDIS_READ_TIMEOUT", "4s")
	t.Setenv("REDIS_WRITE_TIMEOUT", "5s")
	t.Setenv("REDIS_POOL_SIZE", "9")
	t.Setenv("REDIS_MIN_IDLE_CONNS", "2")
	t.Setenv("REDIS_MAX_RETRIES", "3")
	t.Setenv("REDIS_OTEL", "true")

	cfg, err := LoadRedis()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DialTimeout == nil || *cfg.DialTimeout != 3*time.Second {
		t.Fatalf("unexpected dial timeout: %v", cfg.DialTimeout)
	}
	if cfg.ReadTimeout == nil || *cfg.ReadTimeout != 4*time.Second {
		t.Fatalf("unexpected read timeout: %v", cfg.ReadTimeout)
	}
	if cfg.WriteTimeout == nil || *cfg.WriteTimeout != 5*time.Second {
		t.Fatalf("unexpected write timeout: %v", cfg.WriteTimeout)
	}
	if cfg.PoolSize == nil || *cfg.PoolSize != 9 {
		t.Fatalf("unexpected pool size: %v", cfg.PoolSize)
	}
	if cfg.MinIdleConns == nil || *cfg.MinIdleConns != 2 {
		t.Fatalf("unexpected min idle: %v", cfg.MinIdleConns)
	}
	if cfg.MaxRetries == nil || *cfg.MaxRetries != 3 {
		t.Fatalf("unexpected max retries: %v", cfg.MaxRetries)
	}
	if cfg.LockTTL != time.Minute || cfg.HealthcheckTimeout != time.Second {
		t.Fatalf("unexpected durations: %+v", cfg)
	}
	if !cfg.EnableOTel {
		t.Fatalf("expected otel enabled")
	}
}

func TestLoadRedis_InvalidFields(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("REDIS_HEALTHCHECK_TIMEOUT", "bad")
	if _, err := LoadRedis(); err == nil {
		t.Fatalf("expected error for bad healthcheck timeout")
	}

	t.Setenv("REDIS_HEALTHCHECK_TIMEOUT", "1s")
	t.Setenv("REDIS_LOCK_TTL", "-1s")
	if _, err := LoadRedis(); err == nil {
		t.Fatalf("expected error for negative lock ttl")
	}
}

func TestLoadRedisTLS_NoSettingsReturnsNil(t *testing.T) {
	if cfg, err := loadRedisTLSFromEnv(); err != nil || cfg != nil {
		t.Fatalf("expected nil tls config, got %#v err %v", cfg, err)
	}
}

func TestLoadRedisTLS_MismatchedKeyPair(t *testing.T) {
	t.Setenv("REDIS_TLS_CERT_FILE", "cert")
	if _, err := loadRedisTLSFromEnv(); err == nil {
		t.Fatalf("expected cert/key mismatch error")
	}
}

func TestLoadRedisTLS_InsecureTrue(t *testing.T) {
	t.Setenv("REDIS_TLS_INSECURE_SKIP_VERIFY", "true")
	cfg, err := loadRedisTLSFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg == nil || !cfg.InsecureSkipVerify {
		t.Fatalf("expected insecure tls config, got %#v", cfg)
	}
}

func TestLoadRedisTLS_ReadCAError(t *testing.T) {
	t.Setenv("REDIS_TLS_CA_FILE", "/no/such/file")
	if _, err := loadRedisTLSFromEnv(); err == nil {
		t.Fatalf("expected read error for missing CA file")
	}
}

func TestOptionalHelpers(t *testing.T) {
	t.Setenv("X_OPT_DUR", "-1ms")
	if _, err := optionalDuration("X_OPT_DUR"); err == nil {
		t.Fatalf("expected negative duration error")
	}
	t.Setenv("X_OPT_INT", "-1")
	if _, err := optionalInt("X_OPT_INT"); err == nil {
		t.Fatalf("expected negative int error")
	}
	t.Setenv("X_OPT_BOOL", "notbool")
	if _, err := optionalBool("X_OPT_BOOL"); err == nil {
		t.Fatalf("expected bool parse error")
	}
	t.Setenv("X_DUR_OR", "")
	if d, err := durationOr("X_DUR_OR", time.Second); err != nil || d != time.Second {
		t.Fatalf("expected default, got %v %v", d, err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("ORDERFLOW_DOTENV_PROBE=from-file\nHTTP_ADDR=:1111\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("ORDERFLOW_DOTENV_PROBE", "")
	os.Unsetenv("ORDERFLOW_DOTENV_PROBE")
	t.Setenv("HTTP_ADDR", ":2222")

	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := os.Getenv("ORDERFLOW_DOTENV_PROBE"); got != "from-file" {
		t.Fatalf("expected value from file, got %q", got)
	}
	if got := os.Getenv("HTTP_ADDR"); got != ":2222" {
		t.Fatalf("expected process env to win, got %q", got)
	}
}
