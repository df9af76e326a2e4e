// Package healthcheck probes a running consumer's gRPC health service, for
// container liveness and readiness checks.
package healthcheck

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/orderstream/internal/platform/cmd"
	"github.com/louisbranch/orderstream/internal/platform/discovery"
	platformgrpc "github.com/louisbranch/orderstream/internal/platform/grpc"
)

// Config holds healthcheck command configuration. Env names are read with
// the ORDERSTREAM_HEALTHCHECK_ prefix.
type Config struct {
	Addr     string        `env:"ADDR"`
	Services []string      `env:"SERVICES" envSeparator:","`
	Timeout  time.Duration `env:"TIMEOUT" envDefault:"3s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg, entrypoint.ServiceHealthcheck); err != nil {
		return Config{}, err
	}
	cfg.Addr = discovery.OrDefaultGRPCAddr(cfg.Addr, discovery.ServiceConsumer)
	services := strings.Join(cfg.Services, ",")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "The consumer health gRPC address")
	fs.StringVar(&services, "services", services, "Comma-separated health services to require (default server-wide)")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Overall probe timeout")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	cfg.Services = nil
	for _, s := range strings.Split(services, ",") {
		if s = strings.TrimSpace(s); s != "" {
			cfg.Services = append(cfg.Services, s)
		}
	}
	return cfg, nil
}

// Run succeeds once every configured service reports SERVING.
func Run(ctx context.Context, cfg Config, dialer platformgrpc.Dialer) error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("health address is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := platformgrpc.DialWithHealth(probeCtx, dialer, cfg.Addr, timeout, cfg.Services, nil, platformgrpc.DefaultClientDialOptions()...)
	if err != nil {
		return fmt.Errorf("health check %s: %w", cfg.Addr, err)
	}
	return conn.Close()
}
