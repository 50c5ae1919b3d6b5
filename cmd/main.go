package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/l0p7/cdsgate/internal/config"
	"github.com/l0p7/cdsgate/internal/logging"
	"github.com/l0p7/cdsgate/internal/server"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "CDSGATE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, *envPrefix, *configFile)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type configLoader interface {
	Load(context.Context) (config.Config, error)
	WatchAPIs(context.Context, config.Config, func(config.APIBundle), func(error)) (apiWatcher, error)
}

type apiWatcher interface {
	Stop()
}

type runnableServer interface {
	Run(context.Context) error
}

type loaderAdapter struct {
	*config.Loader
}

func (l loaderAdapter) WatchAPIs(ctx context.Context, cfg config.Config, onChange func(config.APIBundle), onError func(error)) (apiWatcher, error) {
	w, err := l.Loader.WatchAPIs(ctx, cfg, onChange, onError)
	if err != nil {
		return nil, err
	}
	return w, nil
}

var newConfigLoader = func(envPrefix, configFile string) configLoader {
	return loaderAdapter{Loader: config.NewLoader(envPrefix, configFile)}
}

var newHTTPServer = func(listen config.ListenConfig, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
	return server.New(listen, logger, handler)
}

func run(ctx context.Context, envPrefix, configFile string) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	gw, err := buildGateway(cfg, logger, prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("assemble gateway: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := gw.Close(closeCtx); err != nil {
			logger.Error("gateway shutdown failed", slog.Any("error", err))
		}
	}()

	if cfg.Server.APIs.APIsFile != "" || cfg.Server.APIs.APIsFolder != "" {
		watcher, err := loader.WatchAPIs(ctx, cfg, func(bundle config.APIBundle) {
			gw.pipeline.Reload(ctx, bundle)
		}, func(err error) {
			if err != nil {
				logger.Error("apis watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("apis watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	srv, err := newHTTPServer(cfg.Server.Listen, logger, gw.handler)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	// Background loops end with the server, whichever way it stops.
	bgCtx, stopBackground := context.WithCancel(gctx)
	g.Go(func() error {
		defer stopBackground()
		return srv.Run(gctx)
	})
	gw.startBackground(bgCtx, g)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		return err
	}
	logger.Info("server shutdown complete")
	return nil
}
