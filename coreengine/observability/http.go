package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// MetricsPath is where MetricsHandler is mounted.
const MetricsPath = "/metrics"

// MetricsHandler serves the default Prometheus registry, traced with otelhttp.
func MetricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(MetricsPath, otelhttp.NewHandler(promhttp.Handler(), "metrics"))
	return mux
}

// MetricsServer exposes MetricsHandler on its own listener.
type MetricsServer struct {
	server   *http.Server
	listener net.Listener
	logger   Logger
}

// StartMetricsServer listens on addr and serves metrics in the background.
func StartMetricsServer(addr string, logger Logger) (*MetricsServer, error) {
	if logger == nil {
		logger = NopLogger()
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &MetricsServer{
		server: &http.Server{
			Handler:           MetricsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: lis,
		logger:   logger,
	}
	go func() {
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics_server_failed", "error", err.Error())
		}
	}()
	logger.Info("metrics_server_started", "address", lis.Addr().String())
	return s, nil
}

// Address returns the address the server listens on.
func (s *MetricsServer) Address() string {
	return s.listener.Addr().String()
}

// Shutdown stops the server, waiting for in-flight scrapes until ctx is done.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
