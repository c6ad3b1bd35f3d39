package auth

import (
	"context"
	"log/slog"

	"OpenMCP-Broadcast/pkg/logger"
)

type subjectKey struct{}

// WithSubject 把已认证主体写入上下文，同时把主体名称挂到请求日志与审计身份上。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	subject.normalise()
	ctx = context.WithValue(ctx, subjectKey{}, subject)
	ctx = logger.WithActor(ctx, subject.Name)
	return logger.WithContext(ctx, logger.FromContext(ctx, nil).With(slog.String("subject", subject.Name)))
}

// SubjectFromContext 返回请求的主体；未认证时为 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, _ := ctx.Value(subjectKey{}).(*Subject)
	return subject
}
