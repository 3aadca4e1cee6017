package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/valkey-io/valkey-go"
	"golang.org/x/sync/errgroup"

	"ladderlegends/internal/analysis"
	"ladderlegends/internal/api"
	"ladderlegends/internal/auth"
	"ladderlegends/internal/config"
	"ladderlegends/internal/db"
	"ladderlegends/internal/dedup"
	"ladderlegends/internal/discord"
	"ladderlegends/internal/extract"
	"ladderlegends/internal/index"
	"ladderlegends/internal/logging"
	"ladderlegends/internal/matcher"
	"ladderlegends/internal/metrics"
	"ladderlegends/internal/replaystore"
	"ladderlegends/internal/series"
	"ladderlegends/internal/storage"
	"ladderlegends/internal/valkeyx"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	envPath := config.LoadEnvFile(config.EnvPaths...)
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.LogLevel
	logCfg.Dir = cfg.LogDir
	logger, logCloser, err := logging.New(logCfg)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	if envPath != "" {
		logger.Info("env_loaded", "path", envPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	store, err := db.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, cfg.TursoAuthToken)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()
	logger.Info("database_connected", "driver", cfg.DatabaseDriver)

	blobs, closeBlobs, err := openBlobStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBlobs()

	var (
		locker      index.Locker
		seriesCache series.Cache = series.NewMemoryCache(cfg.SeriesCacheSize, cfg.SeriesCacheTTL)
	)
	if cfg.ValkeyAddr != "" {
		client, err := openValkey(ctx, cfg)
		if err != nil {
			return err
		}
		defer client.Close()
		locker = index.NewValkeyLocker(client, cfg.LockTTL, cfg.LockWait, logger)
		seriesCache = series.NewValkeyCache(client, cfg.SeriesCacheTTL)
		logger.Info("valkey_connected", "addr", cfg.ValkeyAddr)
	} else {
		logger.Warn("valkey_disabled", "detail", "index locks are process-local")
	}

	catalog, err := matcher.LoadCatalog(cfg.BuildCatalogPath)
	if err != nil {
		return fmt.Errorf("failed to load build catalog: %w", err)
	}
	buildMatcher, err := matcher.New(matcher.Thresholds{Auto: cfg.MatchAutoThreshold, Suggest: cfg.MatchSuggestThreshold})
	if err != nil {
		return fmt.Errorf("invalid match thresholds: %w", err)
	}
	logger.Info("catalog_loaded", "path", cfg.BuildCatalogPath, "builds", catalog.Len())

	verifier, err := auth.NewVerifier(cfg.AuthSecret, cfg.SubscriberRoleIDs)
	if err != nil {
		return err
	}
	extractor, err := extract.NewClient(extract.Config{
		BaseURL:       cfg.ExtractURL,
		APIKey:        cfg.ExtractAPIKey,
		Timeout:       cfg.ExtractTimeout,
		RatePerSecond: cfg.ExtractRatePerSec,
		Burst:         1,
	}, logger, m)
	if err != nil {
		return err
	}

	hub := api.NewHub(logger)
	indexes := index.NewService(store, store, locker, index.Options{
		Logger:   logger,
		Metrics:  m,
		OnChange: hub.Publish,
	})

	storeOpts := replaystore.Options{
		Logger:          logger,
		Metrics:         m,
		BlobTimeout:     cfg.BlobTimeout,
		MetadataTimeout: cfg.MetadataTimeout,
	}
	if cfg.DiscordWebhookURL != "" {
		storeOpts.Alerter = discord.NewWebhookClient(cfg.DiscordWebhookURL)
	}
	replays := replaystore.New(blobs, store, indexes, store, storeOpts)

	analyzer := analysis.NewService(analysis.Deps{
		Extractor:    extractor,
		Matcher:      buildMatcher,
		Catalog:      catalog,
		Dedup:        dedup.NewChecker(store, store, uint(max(cfg.DedupExpectedItems, 1))),
		Store:        replays,
		Records:      store,
		Capabilities: verifier,
	}, analysis.Options{
		MaxUploadBytes: cfg.MaxUploadBytes,
		Logger:         logger,
		Metrics:        m,
	})

	server := api.New(api.Deps{
		Replays:  analyzer,
		Indexes:  indexes,
		Series:   series.NewService(indexes, seriesCache, logger, m),
		Catalog:  catalog,
		Verifier: verifier,
		Events:   hub,
	}, api.Options{
		Logger:         logger,
		Gatherer:       reg,
		MaxUploadBytes: cfg.MaxUploadBytes,
		AllowOrigins:   cfg.CORSOrigins,
		Release:        cfg.Environment == "production",
	})
	httpServer := server.HTTPServer(":" + cfg.Port)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server_listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("server_shutting_down")
		// websocket connections are hijacked and not tracked by Shutdown
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server_stopped")
	return nil
}

func openBlobStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.BlobStore, func(), error) {
	switch cfg.BlobBackend {
	case "local":
		local, err := storage.NewLocalStore(cfg.BlobDir, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open blob dir: %w", err)
		}
		logger.Info("blob_store_local", "dir", cfg.BlobDir)
		return local, func() {}, nil
	case "gcs":
		gcs, err := storage.NewGCSStore(ctx, cfg.GCSBucket, cfg.GCSCredentialsFile, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("blob_store_gcs", "bucket", cfg.GCSBucket)
		return gcs, func() { _ = gcs.Close() }, nil
	default:
		logger.Warn("blob_store_disabled", "detail", "replay files are not kept")
		return nil, func() {}, nil
	}
}

func openValkey(ctx context.Context, cfg *config.Config) (valkey.Client, error) {
	client, err := valkeyx.NewClient(valkeyx.Config{
		Addr:        cfg.ValkeyAddr,
		Password:    cfg.ValkeyPassword,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	if err := valkeyx.Ping(ctx, client); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach valkey: %w", err)
	}
	return client, nil
}
