package orders

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"orderflow/internal/activities"
	ordersdb "orderflow/internal/db/orders"
	"orderflow/internal/orders/saga"
)

// StoreConfig selects the instance store: Postgres when DSN is set, a WAL
// file when WALPath is set, memory when neither is.
type StoreConfig struct {
	DSN     string
	WALPath string
}

// BuildInstanceStore wires an InstanceStore from config. A configured
// backend that cannot be opened is an error; memory is only used when no
// durable backend is configured. The returned cleanup closes any external
// resources.
func BuildInstanceStore(ctx context.Context, cfg StoreConfig, logf func(format string, args ...any)) (saga.InstanceStore, func(), error) {
	if logf == nil {
		logf = log.Printf
	}

	if cfg.DSN != "" {
		sqlDB, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		setupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		store, err := ordersdb.NewInstanceStoreWithSchema(setupCtx, sqlDB)
		if err != nil {
			_ = sqlDB.Close()
			return nil, nil, fmt.Errorf("init postgres instance store: %w", err)
		}
		logf("postgres instance store enabled")
		return store, func() {
			if err := sqlDB.Close(); err != nil {
				logf("close postgres: %v", err)
			}
		}, nil
	}

	if cfg.WALPath != "" {
		store, err := OpenFileStore(cfg.WALPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open wal store %s: %w", cfg.WALPath, err)
		}
		logf("wal instance store enabled path=%s", cfg.WALPath)
		return store, func() {
			if err := store.Close(); err != nil {
				logf("close wal: %v", err)
			}
		}, nil
	}

	logf("in-memory instance store enabled; instances do not survive restart")
	return NewMemoryStore(), func() {}, nil
}

// BuildActivityClient returns an HTTP client for baseURL guarded by the
// configured rate limiter and circuit breakers, or the in-process stub
// executor when baseURL is empty.
func BuildActivityClient(baseURL string, cfg ReliabilityConfig, logf func(format string, args ...any)) ActivityClient {
	if logf == nil {
		logf = log.Printf
	}
	var base activities.Invoker
	if baseURL == "" {
		logf("no activity executor configured, using in-process stubs")
		base = activities.StubTable(logf)
	} else {
		logf("activity executor %s", baseURL)
		base = activities.NewHTTPClient(baseURL, cfg.ActivityTimeout)
	}
	breaker, guard := cfg.Breaker()
	return activities.NewReliableClient(base, cfg.RateLimiter(), breaker, guard)
}
