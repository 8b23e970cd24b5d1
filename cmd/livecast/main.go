// livecast - live stream distribution server core
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gocast/livecast/internal/auth"
	"github.com/gocast/livecast/internal/buffer"
	"github.com/gocast/livecast/internal/config"
	"github.com/gocast/livecast/internal/events"
	"github.com/gocast/livecast/internal/logging"
	"github.com/gocast/livecast/internal/server"
	"github.com/gocast/livecast/internal/stats"
	"github.com/gocast/livecast/internal/stream"
)

// Version information - injected at build time via ldflags
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to the JSON config file (default: $"+config.EnvConfigPath+" or ./"+config.DefaultConfigPath+")")
	showVersion := flag.Bool("version", false, "Show version information")
	showHelp := flag.Bool("help", false, "Show help message")

	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *showVersion {
		fmt.Printf("livecast %s\n", version)
		fmt.Printf("  Git Commit: %s\n", gitCommit)
		fmt.Printf("  Build Date: %s\n", buildDate)
		os.Exit(0)
	}

	if err := run(config.ResolvePath(*configPath)); err != nil {
		slog.Error("livecast exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	bootstrap := logging.New(logging.Config{Format: "text"})

	manager, err := config.NewManager(configPath, bootstrap)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := manager.Get()

	logs := logging.NewBuffer(cfg.Logging.LogSize)
	logger := logging.Init(logging.Config{
		Level:  cfg.Logging.LogLevel,
		Format: cfg.Logging.LogFormat,
		Buffer: logs,
	})
	server.Version = version

	recorder := stats.New()
	recorder.TrackPool(buffer.Default())

	bus := events.NewBus(cfg.Events.BusBuffer, cfg.Server.ServerID)
	handlers := []stream.EventHandler{recorder, bus}

	var sink *events.RedisSink
	if cfg.Events.Redis.Addr != "" {
		connectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		sink, err = events.NewRedisSink(connectCtx, events.RedisSinkConfig{
			Addr:      cfg.Events.Redis.Addr,
			Username:  cfg.Events.Redis.Username,
			Password:  cfg.Events.Redis.Password,
			DB:        cfg.Events.Redis.DB,
			Stream:    cfg.Events.Redis.Stream,
			MaxLen:    cfg.Events.Redis.MaxLen,
			CountsKey: cfg.Events.Redis.CountsKey,
			ServerID:  cfg.Server.ServerID,
			Logger:    logging.WithComponent(logger, "events"),
		})
		cancel()
		if err != nil {
			return fmt.Errorf("redis event sink: %w", err)
		}
		handlers = append(handlers, sink)
	}

	authenticator := auth.NewAuthenticator(cfg)

	service, err := stream.NewService(stream.ServiceConfig{
		Distribution:            cfg.DistributorConfig(),
		Cache:                   cfg.CacheLimits(),
		MaxStreams:              cfg.Limits.MaxStreams,
		MaxSubscribersPerStream: cfg.Limits.MaxSubscribersPerStream,
		Authorizer:              authenticator,
		Observer:                recorder,
		Handlers:                handlers,
		Logger:                  logging.WithComponent(logger, "stream"),
	})
	if err != nil {
		return fmt.Errorf("stream service: %w", err)
	}

	admin := server.New(server.Options{
		Config:   cfg,
		Service:  service,
		Recorder: recorder,
		Logs:     logs,
		Events:   bus,
		Auth:     authenticator,
		Logger:   logging.WithComponent(logger, "admin"),
	})

	manager.OnChange(func(next *config.Config) {
		if err := service.SetPolicy(next.DiscardPolicy()); err != nil {
			logger.Error("discard policy not applied", "error", err)
		}
		service.SetCacheLimits(next.CacheLimits())
		service.SetLimits(next.Limits.MaxStreams, next.Limits.MaxSubscribersPerStream)
		admin.SetConfig(next)
	})

	logger.Info("livecast starting",
		"version", version,
		"config", manager.Path(),
		"server_id", cfg.Server.ServerID,
		"admin_port", cfg.Server.AdminPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Admin.Enabled {
		g.Go(func() error { return admin.Run(gctx) })
	}

	g.Go(func() error { return authenticator.RunCleanup(gctx) })

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				logger.Info("received SIGHUP, reloading configuration")
				if err := manager.Reload(); err != nil {
					logger.Error("configuration reload failed, keeping previous settings", "error", err)
				}
			}
		}
	})

	runErr := g.Wait()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if runErr != nil {
		errs = append(errs, runErr)
	}
	if err := service.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("close stream service: %w", err))
	}
	if sink != nil {
		if err := sink.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("close redis sink: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	logger.Info("livecast shutdown complete")
	return nil
}

func printUsage() {
	fmt.Printf(`livecast %s - live stream distribution server

USAGE:
    livecast [OPTIONS]

OPTIONS:
    -config <file>    JSON config file (default: $%s or ./%s)
    -version          Show version information
    -help             Show this help message

On first start a default config file with a generated admin password is
written to the config path. The admin API listens on the admin port.

SIGNALS:
    SIGINT, SIGTERM   Graceful shutdown
    SIGHUP            Reload configuration from disk
`, version, config.EnvConfigPath, config.DefaultConfigPath)
}
