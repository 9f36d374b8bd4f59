package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/andresmejia3/maskscrub/internal/logging"
)

// Handler exposes the collectors in gatherer on /metrics and a liveness
// document carrying the build version on /healthz.
func Handler(gatherer prometheus.Gatherer, version string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": version})
	})
	return mux
}

// Server serves Handler in the background for the life of a command.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// StartServer binds addr before returning so a busy port is reported to the
// caller instead of only being logged.
func StartServer(addr, version string, logger *zap.Logger) (*Server, error) {
	logger = logging.OrNop(logger).Named("metrics")
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen %s: %w", addr, err)
	}

	s := &Server{
		ln: ln,
		srv: &http.Server{
			Handler:           Handler(prometheus.DefaultGatherer, version),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	go func() {
		logger.Info("metrics server listening", zap.String("addr", ln.Addr().String()))
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
	return s, nil
}

// Addr is the bound address, useful when addr asked for port 0.
func (s *Server) Addr() string { return s.ln.Addr().String() }

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
