// Package metrics exposes cache statistics as Prometheus metrics.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/block/mediacache/internal/logging"
)

// Config holds metrics server configuration.
type Config struct {
	Port    int  `hcl:"port,optional" help:"Port for the Prometheus metrics server." default:"9102"`
	Enabled bool `hcl:"enabled,optional" help:"Enable the Prometheus exporter." default:"true"`
}

// Client serves cache statistics as Prometheus metrics.
type Client struct {
	enabled  bool
	port     int
	registry *prometheus.Registry
}

// New creates a metrics client. Cache facades register their own collectors against it via Registry().
func New(cfg Config) *Client {
	return &Client{
		enabled:  cfg.Enabled,
		port:     cfg.Port,
		registry: prometheus.NewRegistry(),
	}
}

// Registry returns the registry that facade collectors should register against.
func (c *Client) Registry() *prometheus.Registry { return c.registry }

// Handler returns the HTTP handler serving /metrics.
func (c *Client) Handler() http.Handler {
	if !c.enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError})
}

// ServeMetrics starts a dedicated HTTP server for Prometheus scraping. It stops when ctx is cancelled.
func (c *Client) ServeMetrics(ctx context.Context) {
	if !c.enabled {
		return
	}

	logger := logging.FromContext(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", c.port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.InfoContext(ctx, "Starting Prometheus metrics server", "port", c.port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorContext(ctx, "Metrics server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.ErrorContext(shutdownCtx, "Metrics server shutdown error", "error", err)
		}
	}()
}
