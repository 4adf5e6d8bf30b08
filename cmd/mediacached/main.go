// Command mediacached runs the two-tier metadata and image cache facades
// behind a small HTTP API, configured via an HCL file with CLI/env overrides.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/hcl/v2"
	"github.com/alecthomas/kong"

	"github.com/block/mediacache/internal/cache"
	"github.com/block/mediacache/internal/config"
	"github.com/block/mediacache/internal/httpfetch"
	"github.com/block/mediacache/internal/jobscheduler"
	"github.com/block/mediacache/internal/logging"
	"github.com/block/mediacache/internal/metrics"
)

var cli struct {
	Schema bool `help:"Print the configuration file schema." xor:"command"`

	Config *os.File `hcl:"-" help:"Configuration file path." placeholder:"PATH" required:"" default:"mediacache.hcl"`

	Bind            string              `help:"Bind address for the HTTP API." default:"127.0.0.1:8080"`
	SchedulerConfig jobscheduler.Config `embed:"" prefix:"scheduler-"`
	LoggingConfig   logging.Config      `embed:"" prefix:"log-"`
	MetricsConfig   metrics.Config      `embed:"" prefix:"metrics-"`
}

func main() {
	kctx := kong.Parse(&cli, kong.DefaultEnvars("MEDIACACHE"))

	if cli.Schema {
		printSchema(kctx)
		return
	}

	ctx := context.Background()
	logger, ctx := logging.Configure(ctx, cli.LoggingConfig)

	kctx.FatalIfErrorf(run(ctx, logger))
}

func printSchema(kctx *kong.Context) {
	schema, err := config.Schema()
	kctx.FatalIfErrorf(err)

	text, err := hcl.MarshalAST(schema)
	kctx.FatalIfErrorf(err)
	fmt.Printf("%s\n", text) //nolint:forbidigo
}

func run(ctx context.Context, logger *slog.Logger) error {
	metadataConfig, imageConfig, err := config.Load(cli.Config, config.ParseEnvars())
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	scheduler := jobscheduler.New(ctx, cli.SchedulerConfig)
	fetcher := httpfetch.NewClient(&http.Client{Timeout: 30 * time.Second})

	metadataCache := cache.NewMetadataCache(metadataConfig, scheduler.WithQueuePrefix("metadata-"), logger)
	defer metadataCache.Close()

	imageCache := cache.NewImageCache(imageConfig, scheduler.WithQueuePrefix("image-"), fetcher, logger)

	metricsClient := metrics.New(cli.MetricsConfig)
	if err := metrics.RegisterCacheCollector(metricsClient.Registry(), "metadata", metadataCache.Stats); err != nil {
		return fmt.Errorf("failed to register metadata cache collector: %w", err)
	}
	if err := metrics.RegisterCacheCollector(metricsClient.Registry(), "image", imageCache.Stats); err != nil {
		return fmt.Errorf("failed to register image cache collector: %w", err)
	}
	go metricsClient.ServeMetrics(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /_liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK")) //nolint:errcheck
	})
	mux.HandleFunc("GET /_readiness", func(w http.ResponseWriter, _ *http.Request) {
		if !metadataCache.IsAvailable() || !imageCache.IsAvailable() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK")) //nolint:errcheck
	})
	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, _ *http.Request) {
		writeStats(w, metadataCache.Stats(), imageCache.Stats())
	})
	mux.HandleFunc("GET /images", func(w http.ResponseWriter, r *http.Request) {
		serveImage(w, r, imageCache)
	})

	var handler http.Handler = mux
	handler = loggingMiddleware(logger, handler)

	server := &http.Server{
		Addr:              cli.Bind,
		Handler:           handler,
		ReadTimeout:       30 * time.Minute,
		WriteTimeout:      30 * time.Minute,
		ReadHeaderTimeout: 30 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			return logging.ContextWithLogger(ctx, logger.With("client", c.RemoteAddr().String()))
		},
	}

	logger.InfoContext(ctx, "Starting mediacached", slog.String("bind", cli.Bind))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func serveImage(w http.ResponseWriter, r *http.Request, imageCache *cache.ImageCache) {
	url := r.URL.Query().Get("url")
	if url == "" {
		http.Error(w, "missing url query parameter", http.StatusBadRequest)
		return
	}

	body, err := imageCache.Load(r.Context(), url)
	if err != nil {
		writeImageError(w, err)
		return
	}
	_, _ = w.Write(body) //nolint:errcheck
}

func writeImageError(w http.ResponseWriter, err error) {
	var statusErr *cache.HttpStatusError
	var contentTypeErr *cache.InvalidContentTypeError
	switch {
	case errors.As(err, &statusErr):
		http.Error(w, err.Error(), statusErr.Code)
	case errors.As(err, &contentTypeErr):
		http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
	default:
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}

func writeStats(w http.ResponseWriter, metadataStats, imageStats cache.Stats) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]cache.Stats{ //nolint:errcheck
		"metadata": metadataStats,
		"image":    imageStats,
	})
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.DebugContext(r.Context(), "request",
			"method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
