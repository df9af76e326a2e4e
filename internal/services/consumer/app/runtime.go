package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/orderstream/internal/platform/discovery"
	"github.com/louisbranch/orderstream/internal/platform/stream"
	"github.com/louisbranch/orderstream/internal/platform/telemetry/metrics"
	"github.com/louisbranch/orderstream/internal/platform/timeouts"
	"github.com/louisbranch/orderstream/internal/services/consumer/domain"
	"github.com/louisbranch/orderstream/internal/services/consumer/storage"
	"github.com/louisbranch/orderstream/internal/services/consumer/storage/postgres"
	"github.com/louisbranch/orderstream/internal/services/consumer/storage/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// RuntimeConfig controls consumer startup, dependencies, and loop behavior.
type RuntimeConfig struct {
	Port                 int
	MetricsAddr          string
	Pipelines            []string
	Consumer             string
	CreateOrderRedisAddr string
	ItemCountRedisAddr   string
	RedisPassword        string
	DBDriver             string
	DBPath               string
	DatabaseURL          string
	AttemptsDBPath       string
	Block                time.Duration
	BatchSize            int64
	RetryBackoff         time.Duration
	RetryMaxDelay        time.Duration
	ReclaimInterval      time.Duration
	ReclaimMinIdle       time.Duration
	MaxAttempts          int64
	ShutdownTimeout      time.Duration
	Logger               *slog.Logger
	// Listener overrides Port; the runtime closes it.
	Listener net.Listener
}

const (
	defaultConsumerPort = 8089
	defaultStoreDB      = "data/orderstream.db"
	defaultAttemptsDB   = "data/consumer-attempts.db"
)

// Run opens the store, one Redis connection per pipeline, the health and
// metrics servers, then runs every selected pipeline until ctx is canceled
// or a loop fails to start.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pipelines, err := LookupPipelines(cfg.Pipelines)
	if err != nil {
		return err
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultConsumerPort
	}
	if strings.TrimSpace(cfg.AttemptsDBPath) == "" {
		cfg.AttemptsDBPath = defaultAttemptsDB
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = timeouts.Shutdown
	}
	consumer := ResolveConsumerID(cfg.Consumer)
	logger = logger.With(slog.String("consumer", consumer))

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Warn("close store", slog.Any("error", closeErr))
		}
	}()

	if err := ensureDir(cfg.AttemptsDBPath); err != nil {
		return err
	}
	attempts, err := sqlite.OpenAttempts(cfg.AttemptsDBPath)
	if err != nil {
		return fmt.Errorf("open attempt journal: %w", err)
	}
	defer func() {
		if closeErr := attempts.Close(); closeErr != nil {
			logger.Warn("close attempt journal", slog.Any("error", closeErr))
		}
	}()
	recorder := newAttemptStoreRecorder(attempts, consumer)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	observer, err := metrics.NewConsumer("", registry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	loops := make([]*Loop, 0, len(pipelines))
	for _, p := range pipelines {
		addr := redisAddr(cfg, p)
		client, err := stream.Open(ctx, stream.Options{Addr: addr, Password: cfg.RedisPassword})
		if err != nil {
			return fmt.Errorf("connect %s redis at %s: %w", p.Name, addr, err)
		}
		defer func() {
			if closeErr := client.Close(); closeErr != nil {
				logger.Warn("close redis", slog.String("pipeline", p.Name), slog.Any("error", closeErr))
			}
		}()
		handler, err := newHandler(p, store, logger)
		if err != nil {
			return err
		}
		loops = append(loops, New(client, handler, recorder, observer, Config{
			Stream:          p.Stream,
			Group:           p.Group,
			Consumer:        consumer,
			Block:           cfg.Block,
			BatchSize:       cfg.BatchSize,
			RetryBackoff:    cfg.RetryBackoff,
			RetryMaxDelay:   cfg.RetryMaxDelay,
			ReclaimInterval: cfg.ReclaimInterval,
			ReclaimMinIdle:  cfg.ReclaimMinIdle,
			MaxAttempts:     cfg.MaxAttempts,
		}, logger.With(slog.String("pipeline", p.Name))))
	}

	listener := cfg.Listener
	if listener == nil {
		listener, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
		if err != nil {
			return fmt.Errorf("listen on consumer port %d: %w", cfg.Port, err)
		}
	}
	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	for _, p := range pipelines {
		healthServer.SetServingStatus(p.HealthService(), grpc_health_v1.HealthCheckResponse_SERVING)
	}

	var metricsServer *http.Server
	if addr := strings.TrimSpace(cfg.MetricsAddr); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(registry))
		metricsServer = &http.Server{
			Addr:              discovery.ListenAddr(addr),
			Handler:           mux,
			ReadHeaderTimeout: timeouts.ReadHeader,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("consumer health server listening", slog.String("addr", listener.Addr().String()))
		if err := grpcServer.Serve(listener); err != nil {
			return fmt.Errorf("serve health: %w", err)
		}
		return nil
	})
	if metricsServer != nil {
		g.Go(func() error {
			logger.Info("metrics server listening", slog.String("addr", metricsServer.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve metrics: %w", err)
			}
			return nil
		})
	}
	for i, loop := range loops {
		p := pipelines[i]
		g.Go(func() error {
			err := loop.Run(gctx)
			healthServer.SetServingStatus(p.HealthService(), grpc_health_v1.HealthCheckResponse_NOT_SERVING)
			if err != nil {
				return fmt.Errorf("%s pipeline: %w", p.Name, err)
			}
			return nil
		})
		g.Go(func() error {
			return loop.RunReclaim(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		healthServer.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics server shutdown", slog.Any("error", err))
			}
		}
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			grpcServer.Stop()
		}
		return nil
	})

	logger.Info("consumer started", slog.Int("pipelines", len(loops)))
	return g.Wait()
}

func openStore(ctx context.Context, cfg RuntimeConfig) (storage.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.DBDriver)) {
	case "", DriverSQLite:
		path := strings.TrimSpace(cfg.DBPath)
		if path == "" {
			path = defaultStoreDB
		}
		if err := ensureDir(path); err != nil {
			return nil, err
		}
		store, err := sqlite.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	case DriverPostgres:
		store, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown db driver %q", cfg.DBDriver)
	}
}

func newHandler(p Pipeline, store storage.Store, logger *slog.Logger) (domain.Handler, error) {
	var component string
	switch p.Kind {
	case domain.KindCreateOrder:
		component = "order_applier"
	case domain.KindUpdateItemCount:
		component = "item_count_applier"
	default:
		return nil, fmt.Errorf("pipeline %s has no handler for %q", p.Name, p.Kind)
	}
	stores := domain.Stores{Orders: store, Items: store}
	return domain.NewHandler(p.Kind, stores, nil, logger.With(slog.String("component", component))), nil
}

func redisAddr(cfg RuntimeConfig, p Pipeline) string {
	switch p.Kind {
	case domain.KindCreateOrder:
		return discovery.OrDefaultTCPAddr(cfg.CreateOrderRedisAddr, discovery.ServiceRedisOrders)
	default:
		return discovery.OrDefaultTCPAddr(cfg.ItemCountRedisAddr, discovery.ServiceRedisItems)
	}
}

func ensureDir(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create storage dir: %w", err)
		}
	}
	return nil
}
