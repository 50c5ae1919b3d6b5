package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/l0p7/cdsgate/internal/config"
	"github.com/l0p7/cdsgate/internal/expiring"
	"github.com/l0p7/cdsgate/internal/expr"
	"github.com/l0p7/cdsgate/internal/metadata"
	"github.com/l0p7/cdsgate/internal/metrics"
	"github.com/l0p7/cdsgate/internal/registry"
	"github.com/l0p7/cdsgate/internal/replay"
	"github.com/l0p7/cdsgate/internal/retry"
	"github.com/l0p7/cdsgate/internal/runtime"
	"github.com/l0p7/cdsgate/internal/server"
	"github.com/l0p7/cdsgate/internal/templates"
)

const janitorInterval = time.Minute

// gateway is the assembled process: the pipeline, its handler and the
// long-running loops that keep caches and metadata current.
type gateway struct {
	logger          *slog.Logger
	pipeline        *runtime.Pipeline
	handler         http.Handler
	metrics         *metrics.Recorder
	store           *metadata.Store
	guard           *replay.Guard
	refreshInterval time.Duration
	janitors        []func(context.Context)
}

func buildGateway(cfg config.Config, logger *slog.Logger, promRegistry *prometheus.Registry) (*gateway, error) {
	recorder := metrics.NewRecorder(promRegistry)
	caches := buildCacheRegistry(cfg.Caches)
	gw := &gateway{
		logger:          logger,
		metrics:         recorder,
		refreshInterval: time.Duration(cfg.Metadata.RefreshIntervalSeconds) * time.Second,
	}

	replayBackend := strings.ToLower(strings.TrimSpace(cfg.Replay.Backend))
	if replayBackend == "" {
		replayBackend = "memory"
	}
	store, err := buildReplayStore(cfg, replayBackend, caches, logger)
	if err != nil {
		return nil, err
	}
	gw.guard = replay.NewGuard(store)
	if replayBackend == "memory" {
		replayCache, err := expiring.Named[string, struct{}](caches, replay.CacheName)
		if err != nil {
			return nil, err
		}
		gw.janitors = append(gw.janitors, func(ctx context.Context) { replayCache.Run(ctx, janitorInterval) })
	}

	if cfg.Metadata.Enabled {
		metadataStore, err := buildMetadataStore(cfg.Registry, caches, recorder, logger)
		if err != nil {
			return nil, err
		}
		gw.store = metadataStore
		metadataCache, err := expiring.Named[metadata.Partition, *metadata.Snapshot](caches, metadata.CacheName)
		if err != nil {
			return nil, err
		}
		gw.janitors = append(gw.janitors, func(ctx context.Context) { metadataCache.Run(ctx, janitorInterval) })
	}

	errorBodies, err := buildErrorBodies(cfg.Server.Templates, logger)
	if err != nil {
		return nil, err
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, fmt.Errorf("expression environment: %w", err)
	}

	opts := runtime.PipelineOptions{
		APIs:               cfg.APIs,
		APISources:         cfg.APISources,
		SkippedDefinitions: cfg.SkippedDefinitions,
		IDPermanence:       cfg.IDPermanence,
		Metadata:           cfg.Metadata,
		Replay:             gw.guard,
		ReplayBackend:      replayBackend,
		Expressions:        env,
		ErrorBodies:        errorBodies,
		CorrelationHeader:  cfg.Server.Logging.CorrelationHeader,
		Metrics:            recorder,
	}
	if gw.store != nil {
		opts.MetadataStore = gw.store
	}
	gw.pipeline = runtime.NewPipeline(logger, opts)
	gw.handler = server.NewPipelineHandler(gw.pipeline, recorder.Handler())
	return gw, nil
}

// startBackground launches the metadata scheduler and the cache janitors on g.
func (gw *gateway) startBackground(ctx context.Context, g *errgroup.Group) {
	if gw.store != nil {
		scheduler := metadata.NewScheduler(gw.store, gw.refreshInterval, gw.logger)
		g.Go(func() error {
			scheduler.Run(ctx)
			return nil
		})
	}
	for _, janitor := range gw.janitors {
		g.Go(func() error {
			janitor(ctx)
			return nil
		})
	}
}

func (gw *gateway) Close(ctx context.Context) error {
	if gw.guard == nil {
		return nil
	}
	return gw.guard.Close(ctx)
}

func buildCacheRegistry(caches map[string]config.CacheConfig) *expiring.Registry {
	defaults := expiring.Options{
		AccessExpiry: replay.DefaultAccessExpiry,
		WriteExpiry:  replay.DefaultWriteExpiry,
	}
	perName := make(map[string]expiring.Options, len(caches))
	for name, c := range caches {
		perName[name] = expiring.Options{
			AccessExpiry: c.AccessExpiry(),
			WriteExpiry:  c.ModifyExpiry(),
		}
	}
	return expiring.NewRegistry(defaults, perName)
}

func buildReplayStore(cfg config.Config, backend string, caches *expiring.Registry, logger *slog.Logger) (replay.Store, error) {
	switch backend {
	case "memory":
		logger.Info("using memory replay store")
		return replay.NewMemory(caches)
	case "redis":
		window := replay.Window(replay.DefaultAccessExpiry, replay.DefaultWriteExpiry)
		if c, ok := cfg.Caches[replay.CacheName]; ok {
			window = replay.Window(c.AccessExpiry(), c.ModifyExpiry())
		}
		store, err := replay.NewRedis(replay.RedisConfig{
			Address:  cfg.Replay.Redis.Address,
			Username: cfg.Replay.Redis.Username,
			Password: cfg.Replay.Redis.Password,
			DB:       cfg.Replay.Redis.DB,
			TLS: replay.RedisTLSConfig{
				Enabled: cfg.Replay.Redis.TLS.Enabled,
				CAFile:  cfg.Replay.Redis.TLS.CAFile,
			},
			KeyPrefix: cfg.Replay.KeyPrefix,
			TTL:       window,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("using redis replay store",
			slog.String("address", cfg.Replay.Redis.Address),
			slog.Duration("window", window))
		return store, nil
	default:
		return nil, fmt.Errorf("replay backend %q unsupported", backend)
	}
}

func buildMetadataStore(cfg config.RegistryConfig, caches *expiring.Registry, recorder *metrics.Recorder, logger *slog.Logger) (*metadata.Store, error) {
	client, err := registry.NewClient(registry.Config{
		BaseURL:  cfg.BaseURL,
		Username: cfg.Username,
		Password: cfg.Password,
		Paths:    kindMap(cfg.Paths),
		Versions: kindMap(cfg.Versions),
		Timeout:  time.Duration(cfg.TimeoutSeconds) * time.Second,
	}, nil)
	if err != nil {
		return nil, err
	}

	retryLogger := logger.With(slog.String("component", "retry"))
	executor := retry.New(
		time.Duration(cfg.Retry.InitialWaitMs)*time.Millisecond,
		cfg.Retry.MaxAttempts,
		retry.WithNotify(func(attempt int, wait time.Duration, err error) {
			retryLogger.Warn("register call failed, retrying",
				slog.Int("attempt", attempt),
				slog.Duration("wait", wait),
				slog.Any("error", err))
			recorder.ObserveRetry("register_status")
		}),
	)
	return metadata.NewStore(caches, client, executor,
		metadata.WithLogger(logger),
		metadata.WithMetrics(recorder))
}

func kindMap(in map[string]string) map[registry.Kind]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[registry.Kind]string, len(in))
	for k, v := range in {
		if strings.TrimSpace(v) == "" {
			continue
		}
		out[registry.Kind(k)] = v
	}
	return out
}

func buildErrorBodies(cfg config.TemplatesConfig, logger *slog.Logger) (*templates.ErrorBodies, error) {
	var sandbox *templates.Sandbox
	if folder := strings.TrimSpace(cfg.TemplatesFolder); folder != "" {
		sb, err := templates.NewSandbox(folder)
		if err != nil {
			logger.Warn("template sandbox setup failed", slog.String("templates_folder", folder), slog.Any("error", err))
		} else {
			sandbox = sb
		}
	}
	files := templates.ErrorBodyFiles{CDS: cfg.CDSErrorBody, OAuth: cfg.OAuthErrorBody}
	if sandbox == nil && (files.CDS != "" || files.OAuth != "") {
		return nil, errors.New("error body overrides require a usable templatesFolder")
	}
	return templates.NewErrorBodies(templates.NewRenderer(sandbox), files)
}
