package auth

import (
	"encoding/json"
	"net/http"
	"time"

	xerrors "cronos-sentinel/internal/errors"
)

// MiddlewareConfig 配置身份认证中间件的行为。
type MiddlewareConfig struct {
	// RequiredScopes 是访问受保护路由所需的权限。
	RequiredScopes []string
	// AuditEvent 指定记录审计日志时使用的事件名称。
	AuditEvent string
}

// Middleware 返回一个 HTTP 中间件，用于处理身份认证和授权。未启用认证时直接放行。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			subject, err := s.Authenticate(r.Header.Get("Authorization"))
			if err == nil {
				err = subject.Authorize(cfg.RequiredScopes...)
			}
			if err != nil {
				e, _ := xerrors.From(err)
				status := e.HTTPStatus()
				writeError(w, status, e)
				user := ""
				if subject != nil {
					user = subject.Name
				}
				s.audit.Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"status", status,
					"error", err.Error(),
					"user", user,
				)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			s.audit.Info("api_request",
				"event", event,
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"user", subject.Name,
			)
		})
	}
}

func writeError(w http.ResponseWriter, status int, e *xerrors.Error) {
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="sentinel"`)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":     e.Code(),
			"message":  e.Message(),
			"metadata": e.Metadata(),
		},
	})
}

// auditWriter 是一个包装了 http.ResponseWriter 的结构体，用于捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
