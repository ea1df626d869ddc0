package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/aksbuzz/clickless/pkg/config"
	"github.com/aksbuzz/clickless/pkg/locking"
	"github.com/aksbuzz/clickless/pkg/logging"
	"github.com/aksbuzz/clickless/pkg/storage"
)

// runtime bundles what every role needs before it can wire itself.
type runtime struct {
	cfg    config.Config
	logger zerolog.Logger
}

func newRuntime(role string) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Out:    os.Stderr,
	}).With().Str("role", role).Logger()
	return &runtime{cfg: cfg, logger: logger}, nil
}

func (rt *runtime) openStore(ctx context.Context) (*storage.Store, error) {
	return storage.Open(ctx, rt.cfg.DatabaseURL, rt.logger)
}

func (rt *runtime) newLocker() (*locking.RedisLocker, func() error) {
	client := redis.NewClient(&redis.Options{Addr: rt.cfg.RedisAddr})
	return locking.NewRedisLocker(client, rt.logger), client.Close
}

// signalContext cancels on SIGINT and SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
