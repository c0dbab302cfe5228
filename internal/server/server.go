// Package server 提供 manager 和 node 两种角色的 HTTP 管理接口。
package server

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

	"github.com/btt-go/btt-sync/pkg/logging"
)

const subsystem = "AdminServer"

const shutdownTimeout = 5 * time.Second

// Server 管理接口的 HTTP 服务。
type Server struct {
	addr    string
	handler http.Handler
}

// New 创建服务，addr 为空时 Run 直接等待 ctx 结束。
func New(addr string, handler http.Handler) *Server {
	return &Server{addr: addr, handler: handler}
}

// Run 监听并服务，ctx 结束后优雅关闭。
func (s *Server) Run(ctx context.Context) error {
	if s.addr == "" {
		logging.Info(subsystem, "admin server disabled")
		<-ctx.Done()
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("admin listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve 在给定 listener 上服务。
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logging.Info(subsystem, "admin server listening on %s", ln.Addr())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn(subsystem, "admin server shutdown: %v", err)
		return err
	}
	logging.Debug(subsystem, "admin server stopped")
	return nil
}

func metricsHandler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn(subsystem, "write response: %v", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
