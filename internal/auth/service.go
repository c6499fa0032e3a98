package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"strings"

	xerrors "cronos-sentinel/internal/errors"
	"cronos-sentinel/pkg/logger"
)

// Token 是配置中的一个操作员令牌。
type Token struct {
	Name   string   `json:"name"`
	Value  string   `json:"token"`
	Scopes []string `json:"scopes"`
}

// Config 控制操作员认证。未配置任何令牌时认证关闭。
type Config struct {
	Tokens []Token `json:"tokens"`
}

type tokenEntry struct {
	digest  [sha256.Size]byte
	subject Subject
}

// Service 使用静态 Bearer 令牌认证操作员请求。
type Service struct {
	entries []tokenEntry
	audit   *slog.Logger
}

// NewService 根据配置创建认证服务；令牌只以摘要形式保存在内存中。
func NewService(cfg Config) (*Service, error) {
	svc := &Service{audit: logger.Audit()}
	seen := make(map[[sha256.Size]byte]struct{}, len(cfg.Tokens))
	for _, tok := range cfg.Tokens {
		value := strings.TrimSpace(tok.Value)
		if value == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "操作员令牌不能为空", xerrors.WithMetadata("name", tok.Name))
		}
		digest := sha256.Sum256([]byte(value))
		if _, ok := seen[digest]; ok {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "操作员令牌重复", xerrors.WithMetadata("name", tok.Name))
		}
		seen[digest] = struct{}{}
		subject := Subject{Name: tok.Name, Scopes: append([]string(nil), tok.Scopes...)}
		if len(subject.Scopes) == 0 {
			subject.Scopes = []string{ScopeAll}
		}
		subject.normalise()
		svc.entries = append(svc.entries, tokenEntry{digest: digest, subject: subject})
	}
	return svc, nil
}

// Enabled 判断是否配置了任何令牌。
func (s *Service) Enabled() bool {
	return s != nil && len(s.entries) > 0
}

// Authenticate 解析 Authorization 头并返回匹配的主体。
func (s *Service) Authenticate(header string) (*Subject, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(strings.TrimSpace(token)))

	var matched *Subject
	for i := range s.entries {
		// 遍历全部令牌，耗时与命中位置无关。
		if subtle.ConstantTimeCompare(digest[:], s.entries[i].digest[:]) == 1 {
			subject := s.entries[i].subject
			subject.Scopes = append([]string(nil), subject.Scopes...)
			matched = &subject
		}
	}
	if matched == nil {
		return nil, ErrInvalidToken
	}
	return matched, nil
}
