// Command activities serves the stub activity executor used for local runs.
// Every step succeeds and approval is automatic.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"orderflow/cmd/server/config"
	"orderflow/internal/activities"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := run(ctx, addr()); err != nil {
		log.Fatalf("activities error: %v", err)
	}
}

func addr() string {
	if v := strings.TrimSpace(os.Getenv("ACTIVITIES_ADDR")); v != "" {
		return v
	}
	return ":5001"
}

func newRouter(logf func(format string, args ...any)) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	activities.StubTable(logf).RegisterRoutes(r)
	return r
}

func run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: newRouter(log.Printf), ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("activity executor running on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
