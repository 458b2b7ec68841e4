package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cordum/addonhub/core/addons"
	"github.com/cordum/addonhub/core/infra/config"
	"github.com/cordum/addonhub/core/infra/logging"
	infraMetrics "github.com/cordum/addonhub/core/infra/metrics"
)

const (
	defaultHTTPAddr    = ":8080"
	defaultMetricsAddr = ":9090"
	// multipartOverhead is allowed on top of the package limit for form
	// boundaries and headers.
	multipartOverhead = 1 << 20
	shutdownTimeout   = 10 * time.Second
)

type server struct {
	svc            *addons.Service
	metrics        infraMetrics.GatewayMetrics
	maxUploadBytes int64
	started        time.Time
}

// NewHandler builds the addon HTTP API over svc. A nil m disables request
// metrics; a non-positive maxUploadBytes selects the package default.
func NewHandler(svc *addons.Service, m infraMetrics.GatewayMetrics, maxUploadBytes int64) http.Handler {
	if m == nil {
		m = infraMetrics.Noop{}
	}
	if maxUploadBytes <= 0 {
		maxUploadBytes = addons.DefaultMaxUploadBytes
	}
	s := &server{svc: svc, metrics: m, maxUploadBytes: maxUploadBytes, started: time.Now()}
	return corsMiddleware(rateLimitMiddleware(s.routes()))
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Ingestion
	mux.HandleFunc("POST /api/v1/addons", s.instrumented("/api/v1/addons", s.handleUpload))

	// Reads and downloads
	mux.HandleFunc("GET /api/v1/addons/stats", s.instrumented("/api/v1/addons/stats", s.handleStats))
	mux.HandleFunc("GET /api/v1/addons/{id}", s.instrumented("/api/v1/addons/{id}", s.handleGetAddon))
	mux.HandleFunc("GET /api/v1/addons/{id}/versions", s.instrumented("/api/v1/addons/{id}/versions", s.handleListVersions))
	mux.HandleFunc("GET /api/v1/addons/{id}/download", s.instrumented("/api/v1/addons/{id}/download", s.handleDownload))

	// Management
	mux.HandleFunc("POST /api/v1/addons/{id}/versions/{version}/status", s.instrumented("/api/v1/addons/{id}/versions/{version}/status", s.handleSetVersionStatus))
	mux.HandleFunc("DELETE /api/v1/addons/{id}/versions/{version}", s.instrumented("/api/v1/addons/{id}/versions/{version}", s.handleDeleteVersion))
	mux.HandleFunc("DELETE /api/v1/addons/{id}", s.instrumented("/api/v1/addons/{id}", s.handleDeleteAddon))
	return mux
}

// Run serves the API and the metrics endpoint until ctx is done.
func Run(ctx context.Context, cfg *config.Config, svc *addons.Service, m infraMetrics.GatewayMetrics) error {
	httpAddr, metricsAddr := defaultHTTPAddr, defaultMetricsAddr
	var maxUpload int64
	if cfg != nil {
		if cfg.HTTPAddr != "" {
			httpAddr = cfg.HTTPAddr
		}
		if cfg.MetricsAddr != "" {
			metricsAddr = cfg.MetricsAddr
		}
		maxUpload = cfg.MaxUploadBytes
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", infraMetrics.Handler())
	metricsSrv := &http.Server{
		Addr:         metricsAddr,
		Handler:      metricsMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logging.Info("api-gateway", "metrics listening", "addr", metricsAddr+"/metrics")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("api-gateway", "metrics server error", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              httpAddr,
		Handler:           NewHandler(svc, m, maxUpload),
		ReadHeaderTimeout: 5 * time.Second,
		// uploads and downloads can be large; no whole-body timeouts
		IdleTimeout: 60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Info("api-gateway", "http listening", "addr", httpAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		_ = metricsSrv.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		logging.Error("api-gateway", "http server error", "error", err)
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logging.Info("api-gateway", "http server stopped")
	return nil
}
