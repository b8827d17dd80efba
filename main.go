package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/common/version"
	"github.com/sepich/thumbcache/pkg/cache"
	"github.com/sepich/thumbcache/pkg/config"
	"github.com/sepich/thumbcache/pkg/fetch"
	"github.com/sepich/thumbcache/pkg/metrics"
	"github.com/sepich/thumbcache/pkg/mux"
	"github.com/sepich/thumbcache/pkg/service"
	"github.com/sepich/thumbcache/pkg/transform"
	"github.com/sepich/thumbcache/pkg/transform/libvips"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const appName = "thumbcache"

func main() {
	fs := pflag.NewFlagSet(appName, pflag.ExitOnError)
	showVersion := fs.Bool("version", false, "Print version and exit")
	cfg, err := config.FromFlags(fs, os.Args[1:])
	if *showVersion {
		fmt.Println(version.Print(appName))
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(2)
	}
	zap.ReplaceGlobals(logger)
	defer logger.Sync()

	logger.Info("Starting "+appName, zap.String("version", version.Info()), zap.String("build", version.BuildContext()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fetcher, err := newFetcher(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to set up fetcher", zap.Error(err))
	}

	resultCache, err := cache.NewMemoryCache(cfg.Cache.MaxEntries, cfg.Cache.MaxBytes)
	if err != nil {
		logger.Fatal("failed to create cache", zap.Error(err))
	}
	m := metrics.New(resultCache)

	transformer := newTransformer(cfg, logger)
	if cfg.Transform.Engine == config.EngineVips {
		defer libvips.Shutdown()
	}

	router := mux.NewRouter(service.NewImageService(service.Options{
		Fetcher:     fetcher,
		Transformer: transformer,
		Cache:       resultCache,
		Metrics:     m,
		Logger:      logger,
		Workers:     cfg.Transform.Workers,
	}), mux.Options{
		Limits:    cfg.Limits(),
		Gatherer:  m.Registry,
		Logger:    logger,
		RateLimit: cfg.Server.RateLimit,
		RateBurst: cfg.Server.RateBurst,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("Listening over HTTP", zap.String("addr", cfg.Server.Listen))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Panic("could not listen", zap.Error(err))
	}
	<-shutdownDone
}

func newLogger(cfg config.Log) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zapCfg := zap.NewProductionConfig()
	if cfg.Dev {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}

func newFetcher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (fetch.Fetcher, error) {
	web := fetch.NewHTTPFetcher(logger)
	web.Timeout = cfg.Fetch.Timeout
	web.MaxSourceBytes = cfg.Fetch.MaxSourceBytes
	web.UserAgent = cfg.Fetch.UserAgent
	web.AllowedHosts = cfg.Fetch.AllowedHosts
	if len(web.AllowedHosts) == 0 {
		logger.Warn("fetch.allowed_hosts is empty, any reachable url can be fetched")
	}

	fetcher := fetch.NewSchemeFetcher()
	fetcher.Register(web, "http", "https")

	if cfg.S3.Enabled {
		s3, err := fetch.NewS3Fetcher(ctx, fetch.S3Options{
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			PathStyle: cfg.S3.PathStyle,
		}, logger)
		if err != nil {
			return nil, err
		}
		s3.MaxSourceBytes = cfg.Fetch.MaxSourceBytes
		s3.Timeout = cfg.Fetch.Timeout
		fetcher.Register(s3, "s3")
		logger.Info("S3 sources enabled", zap.String("region", cfg.S3.Region))
	}

	return fetcher, nil
}

func newTransformer(cfg *config.Config, logger *zap.Logger) transform.Transformer {
	logger.Info("Using transform engine", zap.String("engine", cfg.Transform.Engine))
	if cfg.Transform.Engine == config.EngineNative {
		return &transform.ImageTransformer{Limits: cfg.PixelLimits()}
	}
	// transforms are already bounded by transform.workers, one libvips thread each
	libvips.Startup(logger, 1)
	return &libvips.Transformer{Limits: cfg.PixelLimits()}
}
