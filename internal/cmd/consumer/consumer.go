// Package consumer parses consumer command flags and launches the stream
// consumer runtime.
package consumer

import (
	"context"
	"flag"
	"log/slog"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/orderstream/internal/platform/cmd"
	"github.com/louisbranch/orderstream/internal/platform/discovery"
	consumerapp "github.com/louisbranch/orderstream/internal/services/consumer/app"
)

// Config holds consumer command configuration. Env names are read with the
// ORDERSTREAM_CONSUMER_ prefix.
type Config struct {
	Port                 int           `env:"PORT" envDefault:"8089"`
	MetricsAddr          string        `env:"METRICS_ADDR" envDefault:":9090"`
	Pipelines            []string      `env:"PIPELINES" envSeparator:","`
	Consumer             string        `env:"CONSUMER"`
	CreateOrderRedisAddr string        `env:"CREATE_ORDER_REDIS_ADDR"`
	ItemCountRedisAddr   string        `env:"ITEM_COUNT_REDIS_ADDR"`
	RedisPassword        string        `env:"REDIS_PASSWORD"`
	DBDriver             string        `env:"DB_DRIVER" envDefault:"sqlite"`
	DBPath               string        `env:"DB_PATH" envDefault:"data/orderstream.db"`
	DatabaseURL          string        `env:"DATABASE_URL"`
	AttemptsDBPath       string        `env:"ATTEMPTS_DB_PATH" envDefault:"data/consumer-attempts.db"`
	Block                time.Duration `env:"BLOCK" envDefault:"1s"`
	BatchSize            int64         `env:"BATCH_SIZE" envDefault:"1"`
	RetryBackoff         time.Duration `env:"RETRY_BACKOFF" envDefault:"200ms"`
	RetryMaxDelay        time.Duration `env:"RETRY_MAX_DELAY" envDefault:"5s"`
	ReclaimInterval      time.Duration `env:"RECLAIM_INTERVAL" envDefault:"30s"`
	ReclaimMinIdle       time.Duration `env:"RECLAIM_MIN_IDLE" envDefault:"60s"`
	MaxAttempts          int64         `env:"MAX_ATTEMPTS" envDefault:"8"`
	ShutdownTimeout      time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg, entrypoint.ServiceConsumer); err != nil {
		return Config{}, err
	}
	cfg.CreateOrderRedisAddr = discovery.OrDefaultTCPAddr(cfg.CreateOrderRedisAddr, discovery.ServiceRedisOrders)
	cfg.ItemCountRedisAddr = discovery.OrDefaultTCPAddr(cfg.ItemCountRedisAddr, discovery.ServiceRedisItems)
	pipelines := strings.Join(cfg.Pipelines, ",")

	fs.IntVar(&cfg.Port, "port", cfg.Port, "The consumer health gRPC server port")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus metrics listen address (empty disables)")
	fs.StringVar(&pipelines, "pipelines", pipelines, "Comma-separated pipelines to run (default all)")
	fs.StringVar(&cfg.Consumer, "consumer", cfg.Consumer, "Consumer name within each group (default $HOST)")
	fs.StringVar(&cfg.CreateOrderRedisAddr, "create-order-redis-addr", cfg.CreateOrderRedisAddr, "Redis address carrying createOrderStream")
	fs.StringVar(&cfg.ItemCountRedisAddr, "item-count-redis-addr", cfg.ItemCountRedisAddr, "Redis address carrying updateItemCountStream")
	fs.StringVar(&cfg.DBDriver, "db-driver", cfg.DBDriver, "Store driver: sqlite or postgres")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The SQLite store path")
	fs.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "The Postgres connection URL")
	fs.StringVar(&cfg.AttemptsDBPath, "attempts-db-path", cfg.AttemptsDBPath, "The SQLite attempt journal path")
	fs.DurationVar(&cfg.Block, "block", cfg.Block, "Maximum wait per stream read")
	fs.Int64Var(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Entries requested per stream read")
	fs.DurationVar(&cfg.RetryBackoff, "retry-backoff", cfg.RetryBackoff, "Base read retry backoff delay")
	fs.DurationVar(&cfg.RetryMaxDelay, "retry-max-delay", cfg.RetryMaxDelay, "Maximum read retry delay")
	fs.DurationVar(&cfg.ReclaimInterval, "reclaim-interval", cfg.ReclaimInterval, "Pending entry reclaim interval (0 disables)")
	fs.DurationVar(&cfg.ReclaimMinIdle, "reclaim-min-idle", cfg.ReclaimMinIdle, "Minimum idle time before a pending entry is reclaimed (0 uses 60s)")
	fs.Int64Var(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Deliveries before a pending entry is dead-lettered")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	cfg.Pipelines = splitList(pipelines)
	return cfg, nil
}

// Run starts the consumer runtime.
func Run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	return entrypoint.RunWithTelemetryAndOptions(ctx, entrypoint.ServiceConsumer, entrypoint.RunOptions{Logger: logger}, func(ctx context.Context) error {
		return consumerapp.Run(ctx, consumerapp.RuntimeConfig{
			Port:                 cfg.Port,
			MetricsAddr:          cfg.MetricsAddr,
			Pipelines:            cfg.Pipelines,
			Consumer:             cfg.Consumer,
			CreateOrderRedisAddr: cfg.CreateOrderRedisAddr,
			ItemCountRedisAddr:   cfg.ItemCountRedisAddr,
			RedisPassword:        cfg.RedisPassword,
			DBDriver:             cfg.DBDriver,
			DBPath:               cfg.DBPath,
			DatabaseURL:          cfg.DatabaseURL,
			AttemptsDBPath:       cfg.AttemptsDBPath,
			Block:                cfg.Block,
			BatchSize:            cfg.BatchSize,
			RetryBackoff:         cfg.RetryBackoff,
			RetryMaxDelay:        cfg.RetryMaxDelay,
			ReclaimInterval:      cfg.ReclaimInterval,
			ReclaimMinIdle:       cfg.ReclaimMinIdle,
			MaxAttempts:          cfg.MaxAttempts,
			ShutdownTimeout:      cfg.ShutdownTimeout,
			Logger:               logger,
		})
	})
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
