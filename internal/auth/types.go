package auth

import (
	"strings"

	xerrors "cronos-sentinel/internal/errors"
)

// Well-known operator scopes.
const (
	ScopePayments = "settlement:pay"
	ScopeToggle   = "agents:toggle"
	ScopeAll      = "*"
)

// Common errors returned by the authentication subsystem.
var (
	ErrMissingToken     = xerrors.New(xerrors.CodeUnauthorized, "missing bearer token")
	ErrInvalidToken     = xerrors.New(xerrors.CodeUnauthorized, "invalid token")
	ErrPermissionDenied = xerrors.New(xerrors.CodeForbidden, "permission denied")
)

// Subject 是通过认证的调用方。
type Subject struct {
	Name   string
	Scopes []string
}

func (s *Subject) normalise() {
	if s == nil {
		return
	}
	s.Name = strings.TrimSpace(s.Name)
	for i, scope := range s.Scopes {
		s.Scopes[i] = strings.ToLower(strings.TrimSpace(scope))
	}
}

// HasScope 判断主体是否拥有指定权限；"*" 代表全部权限。
func (s *Subject) HasScope(scope string) bool {
	if s == nil {
		return false
	}
	scope = strings.ToLower(strings.TrimSpace(scope))
	for _, granted := range s.Scopes {
		if granted == ScopeAll || granted == scope {
			return true
		}
	}
	return false
}

// Authorize 校验主体拥有全部所需权限。
func (s *Subject) Authorize(scopes ...string) error {
	for _, scope := range scopes {
		if !s.HasScope(scope) {
			return xerrors.New(xerrors.CodeForbidden, "permission denied", xerrors.WithMetadata("scope", scope))
		}
	}
	return nil
}
