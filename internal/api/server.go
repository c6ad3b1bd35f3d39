// Package api exposes the broadcast pipeline over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"OpenMCP-Broadcast/internal/auth"
	"OpenMCP-Broadcast/internal/observability/metrics"
	"OpenMCP-Broadcast/internal/pipeline"
	"OpenMCP-Broadcast/pkg/logger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server 负责暴露 REST 接口，供构建方暂存交易、操作方确认广播。
type Server struct {
	addr     string
	pipeline *pipeline.Pipeline
	auth     *auth.Service
	metrics  *metrics.Metrics
	logger   *slog.Logger
	handler  http.Handler
}

// Option 定义可选配置。
type Option func(*Server)

// WithAuth 启用 bearer token 认证。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// WithMetrics 记录请求指标并挂载 /metrics。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger 指定请求日志。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, p *pipeline.Pipeline, opts ...Option) *Server {
	s := &Server{addr: addr, pipeline: p}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logger.Named("api")
	}
	s.handler = s.routes()
	return s
}

// Handler 返回完整的路由，便于测试或嵌入其他服务。
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestContext)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1/pending", func(api chi.Router) {
		api.Use(s.auth.Middleware())
		api.With(s.auth.Require(auth.PermissionRead)).Get("/", s.handleList)
		api.With(s.auth.Require(auth.PermissionWrite)).Post("/", s.handlePreview)
		api.With(s.auth.Require(auth.PermissionAdmin)).Post("/cleanup", s.handleCleanup)
		api.With(s.auth.Require(auth.PermissionRead)).Get("/{id}", s.handleGet)
		api.With(s.auth.Require(auth.PermissionAdmin)).Delete("/{id}", s.handleRemove)
		api.With(s.auth.Require(auth.PermissionConfirm)).Post("/{id}/confirm", s.handleConfirm)
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
