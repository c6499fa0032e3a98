package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"cronos-sentinel/internal/agent"
	"cronos-sentinel/internal/auth"
	"cronos-sentinel/internal/observability/metrics"
	"cronos-sentinel/internal/payment"
	"cronos-sentinel/internal/settlement"
	"cronos-sentinel/internal/storage/mysql"
	"cronos-sentinel/pkg/logger"
)

// Dependencies 汇总 API 服务依赖的业务组件。
type Dependencies struct {
	Orchestrator *settlement.Orchestrator
	Gate         *payment.Gate
	Toggle       *agent.Toggle
	History      mysql.HistoryRepository
	Auth         *auth.Service
	// Health 返回各依赖的健康状况，nil 表示一切正常。
	Health func(ctx context.Context) map[string]string
}

// Server 负责暴露 REST 接口，供外部驱动结算流程。
type Server struct {
	addr           string
	deps           Dependencies
	allowedOrigins []string
	readTimeout    time.Duration
	writeTimeout   time.Duration
	logger         *slog.Logger
	handler        http.Handler
}

// Option 自定义 Server。
type Option func(*Server)

// WithAllowedOrigins 设置 CORS 允许的来源。
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		s.allowedOrigins = append([]string(nil), origins...)
	}
}

// WithTimeouts 设置 HTTP 读写超时。
func WithTimeouts(read, write time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Dependencies, opts ...Option) *Server {
	s := &Server{
		addr:           addr,
		deps:           deps,
		allowedOrigins: []string{"*"},
		readTimeout:    15 * time.Second,
		writeTimeout:   90 * time.Second,
		logger:         logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.handler = s.routes()
	return s
}

// Handler 返回完整的路由，便于测试或嵌入其他服务。
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.handler),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API 服务启动", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

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

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(observe)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/settlement", func(r chi.Router) {
		r.Post("/run", s.handleRun)
		r.Get("/history", s.handleHistory)
		r.With(s.protect(auth.ScopePayments, "settlement.pay")).Post("/pay", s.handlePay)
	})
	r.Route("/agents", func(r chi.Router) {
		r.Get("/list", s.handleListAgents)
		r.Post("/apply", s.handleApply)
		r.With(s.protect(auth.ScopeToggle, "agents.toggle")).Put("/ai", s.handleToggle)
	})
	return r
}

func (s *Server) protect(scope, event string) func(http.Handler) http.Handler {
	if s.deps.Auth == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return s.deps.Auth.Middleware(auth.MiddlewareConfig{RequiredScopes: []string{scope}, AuditEvent: event})
}

// observe 记录每个请求的指标，标签使用路由模式而非原始路径。
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		pattern := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			pattern = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.ObserveHTTPRequest(pattern, r.Method, status, time.Since(start))
	})
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
