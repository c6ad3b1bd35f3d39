package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"OpenMCP-Broadcast/pkg/logger"
)

// Service 负责 HTTP 端点的身份验证和授权。未配置任何令牌时认证关闭。
type Service struct {
	entries []entry
	audit   *slog.Logger
}

type entry struct {
	digest  [sha256.Size]byte
	subject *Subject
}

// Option 定义可选配置。
type Option func(*Service)

// WithAuditLogger 指定拒绝访问时写入的审计日志。
func WithAuditLogger(l *slog.Logger) Option {
	return func(s *Service) { s.audit = l }
}

// NewService 根据静态授权列表构造认证服务。TokenEnv 优先于明文 Token。
func NewService(grants []Grant, opts ...Option) (*Service, error) {
	svc := &Service{}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	if svc.audit == nil {
		svc.audit = logger.Audit()
	}
	seen := make(map[[sha256.Size]byte]string, len(grants))
	for _, grant := range grants {
		token := strings.TrimSpace(grant.Token)
		if env := strings.TrimSpace(grant.TokenEnv); env != "" {
			token = strings.TrimSpace(os.Getenv(env))
		}
		if token == "" {
			return nil, fmt.Errorf("auth grant %q has no token", grant.Name)
		}
		digest := sha256.Sum256([]byte(token))
		if other, dup := seen[digest]; dup {
			return nil, fmt.Errorf("auth grants %q and %q share a token", other, grant.Name)
		}
		seen[digest] = grant.Name
		subject := &Subject{
			Name:        grant.Name,
			Permissions: append([]string(nil), grant.Permissions...),
			Disabled:    grant.Disabled,
		}
		subject.normalise()
		svc.entries = append(svc.entries, entry{digest: digest, subject: subject})
	}
	return svc, nil
}

// Enabled 报告是否需要认证。
func (s *Service) Enabled() bool {
	return s != nil && len(s.entries) > 0
}

// AuthenticateRequest 验证传入请求的授权头，并返回相应的主体信息。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(token))
	var match *Subject
	// 遍历全部条目，耗时与命中位置无关。
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(digest[:], e.digest[:]) == 1 {
			match = e.subject
		}
	}
	if match == nil {
		return nil, ErrInvalidToken
	}
	if match.Disabled {
		return nil, ErrSubjectRevoked
	}
	return match, nil
}
