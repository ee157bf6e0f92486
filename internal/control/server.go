package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Endpoint paths.
const (
	RPCPath     = "/rpc"
	MetricsPath = "/metrics"
)

// NewHandler routes RPC calls to backend and, when gatherer is non-nil,
// serves metrics.
func NewHandler(backend Backend, gatherer prometheus.Gatherer, log *zap.Logger) (http.Handler, error) {
	server := rpc.NewServer()
	server.RegisterCodec(json.NewCodec(), "application/json")
	if err := server.RegisterService(NewService(backend, log), ServiceName); err != nil {
		return nil, fmt.Errorf("register service: %w", err)
	}

	r := mux.NewRouter()
	r.Handle(RPCPath, server).Methods(http.MethodPost)
	if gatherer != nil {
		r.Handle(MetricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r, nil
}

// Server is the control HTTP server.
type Server struct {
	ln   net.Listener
	http *http.Server
	log  *zap.Logger
}

// Listen binds addr and prepares a server for backend.
func Listen(addr string, backend Backend, gatherer prometheus.Gatherer, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	h, err := NewHandler(backend, gatherer, log)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &Server{
		ln:   ln,
		http: &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second},
		log:  log,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Close releases the listener of a server that is not serving.
func (s *Server) Close() error {
	return s.http.Close()
}

// Serve handles requests until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.Serve(s.ln)
	}()
	s.log.Info("control server listening", zap.String("addr", s.Addr()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown control server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
