package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"orderflow/cmd/server/config"
	"orderflow/internal/activities"
	grpcadapter "orderflow/internal/adapters/grpc"
	httpadapter "orderflow/internal/adapters/http"
	"orderflow/internal/events"
	"orderflow/internal/observability"
	"orderflow/internal/orders"
	"orderflow/internal/realtime"

	"golang.org/x/sync/errgroup"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	reliability, err := orders.LoadReliabilityConfigFromEnv()
	if err != nil {
		return err
	}

	telemetry, err := observability.InitTelemetry(ctx, observability.TelemetryConfig{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		if err := telemetry.Shutdown(context.Background()); err != nil {
			log.Printf("telemetry shutdown: %v", err)
		}
	}()
	metrics := observability.NewMetrics()

	store, cleanupStore, err := orders.BuildInstanceStore(ctx, orders.StoreConfig{
		DSN:     cfg.Store.DatabaseURL,
		WALPath: cfg.Store.WALPath,
	}, log.Printf)
	if err != nil {
		return fmt.Errorf("instance store: %w", err)
	}
	defer cleanupStore()

	locker, cleanupLocker, err := buildLocker(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer cleanupLocker()

	hub := realtime.NewHub(log.Printf)
	sagaMeter, err := observability.NewSagaMeter(telemetry.Meter)
	if err != nil {
		return err
	}
	observers := []orders.Observer{hub, sagaMeter}
	if cfg.Events.TopicARN != "" {
		publisher, err := events.NewSNSPublisherFromEnv(ctx, cfg.Events.TopicARN, log.Printf)
		if err != nil {
			return err
		}
		log.Printf("sns terminal events enabled topic=%s", cfg.Events.TopicARN)
		observers = append(observers, publisher)
	}

	engine, err := orders.NewEngine(orders.EngineConfig{
		Store:             store,
		Activities:        orders.BuildActivityClient(cfg.Activities.BaseURL, reliability, log.Printf),
		Retry:             reliability.RetryPolicy(),
		CallTimeout:       reliability.ActivityTimeout,
		ResumeConcurrency: reliability.ResumeConcurrency,
		Locker:            locker,
		Observers:         observers,
		Metrics:           metrics,
		Tracer:            telemetry.Tracer,
		Logf:              log.Printf,
	})
	if err != nil {
		return err
	}

	grpcServer, healthServer := newGRPCServer(cfg.GRPC, engine, metrics)
	grpcLis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return err
	}

	router := httpadapter.NewRouter(httpadapter.NewHandlers(engine, log.Printf), map[string]http.Handler{"/ws": hub})
	httpSrv := &http.Server{Addr: cfg.HTTP.Addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	obsSrv := &http.Server{Addr: cfg.Observability.Addr, Handler: observability.NewMux(metrics, telemetry.PrometheusHandler()), ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Printf("grpc server running on %s", cfg.GRPC.Addr)
		return grpcServer.Serve(grpcLis)
	})
	g.Go(func() error {
		log.Printf("http server running on %s", cfg.HTTP.Addr)
		return listenAndServe(httpSrv)
	})
	g.Go(func() error {
		log.Printf("observability server running on %s", cfg.Observability.Addr)
		return listenAndServe(obsSrv)
	})
	g.Go(func() error {
		if err := engine.ResumeRunning(gctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("resume running instances: %v", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		healthServer.Shutdown()
		grpcServer.GracefulStop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		if err := engine.Shutdown(shutdownCtx); err != nil {
			log.Printf("engine shutdown: %v", err)
		}
		_ = obsSrv.Shutdown(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, grpcpkg.ErrServerStopped) {
		return err
	}
	return nil
}

func newGRPCServer(cfg config.GRPCConfig, engine grpcadapter.Engine, metrics *observability.Metrics) (*grpcpkg.Server, *health.Server) {
	var limiter rateLimiter
	if cfg.RateLimitInterval > 0 {
		limiter = activities.NewRateLimiter(cfg.RateLimitInterval, cfg.RateLimitBurst).OnWait(metrics.AddRateLimitWait)
	}

	server := grpcpkg.NewServer(
		grpcpkg.UnaryInterceptor(rateLimitUnaryInterceptor(limiter, metrics)),
		grpcpkg.StreamInterceptor(rateLimitStreamInterceptor(limiter, metrics)),
	)
	grpcadapter.RegisterOrderServiceServer(server, grpcadapter.NewOrderServer(engine))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus(grpcadapter.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	if cfg.Reflection {
		reflection.Register(server)
		log.Println("gRPC reflection enabled")
	}
	return server, healthServer
}

func listenAndServe(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
