package pipeline

import (
	"context"
	"log/slog"
	"strconv"

	xerrors "OpenMCP-Broadcast/internal/errors"
	"OpenMCP-Broadcast/internal/events"
	"OpenMCP-Broadcast/internal/guard"
	"OpenMCP-Broadcast/internal/observability/alerting"
	"OpenMCP-Broadcast/internal/pending"
	"OpenMCP-Broadcast/pkg/logger"
)

// publish 投递生命周期事件，失败只记录日志，不影响主流程。
func (p *Pipeline) publish(ctx context.Context, typ events.Type, rec *pending.Record, mutate func(*events.Event)) {
	evt := events.New(typ, rec.ID, p.now())
	evt.Network = rec.Network
	evt.ContentHash = rec.ContentHash
	evt.TxHash = rec.TxHash
	if mutate != nil {
		mutate(&evt)
	}
	if err := p.events.Publish(context.WithoutCancel(ctx), evt); err != nil {
		p.logger.Warn("发布生命周期事件失败",
			slog.String("type", string(typ)),
			slog.String("pending_id", rec.ID),
			slog.Any("error", xerrors.Wrap(xerrors.CodeQueueFailure, err, "publish event")),
		)
	}
}

// auditFor 返回带调用方身份的审计日志。
func (p *Pipeline) auditFor(ctx context.Context) *slog.Logger {
	if actor := logger.ActorFrom(ctx); actor != "" {
		return p.audit.With(slog.String("actor", actor))
	}
	return p.audit
}

// refuse 记录一次拒绝并原样返回信封。
func (p *Pipeline) refuse(ctx context.Context, rec *pending.Record, result *guard.Result) *guard.Result {
	p.metrics.Refusal(string(result.Code))
	attrs := []any{
		slog.String("tool", result.Tool),
		slog.String("code", string(result.Code)),
		slog.String("message", result.Message),
	}
	if rec != nil {
		attrs = append(attrs, slog.String("pending_id", rec.ID), slog.String("network", rec.Network))
		p.publish(ctx, events.TypeRefused, rec, func(evt *events.Event) {
			evt.Code = string(result.Code)
		})
	}
	p.auditFor(ctx).Info("refused", attrs...)
	return result
}

func (p *Pipeline) alert(ctx context.Context, code xerrors.Code, message string, rec *pending.Record, metadata map[string]string) {
	if p.alerter == nil {
		return
	}
	event := alerting.Event{
		Code:      code,
		Message:   message,
		Severity:  xerrors.AttributesOf(code).Severity,
		PendingID: rec.ID,
		Network:   rec.Network,
		TxHash:    rec.TxHash,
		Attempts:  rec.Attempts,
		Metadata:  metadata,
	}
	if err := p.alerter.Notify(context.WithoutCancel(ctx), event); err != nil {
		p.logger.Warn("发送告警失败", slog.String("pending_id", rec.ID), slog.Any("error", err))
	}
}

// alertOnFailure 记录基础设施错误，并按错误自身的告警属性决定是否通知运维。
func (p *Pipeline) alertOnFailure(ctx context.Context, id string, rec *pending.Record, err error) {
	severity := xerrors.SeverityOf(err)
	var metadata map[string]string
	if e, ok := xerrors.From(err); ok {
		metadata = e.Metadata()
	}
	if rec != nil {
		id = rec.ID
	}
	attrs := []any{
		slog.String("pending_id", id),
		slog.String("code", string(xerrors.CodeOf(err))),
		slog.String("severity", string(severity)),
		slog.Any("error", err),
	}
	if severity == xerrors.SeverityCritical {
		p.logger.Error("基础设施错误", attrs...)
	} else {
		p.logger.Warn("基础设施错误", attrs...)
	}
	if p.alerter == nil || !xerrors.ShouldAlert(err) {
		return
	}
	event := alerting.Event{
		Code:      xerrors.CodeOf(err),
		Message:   err.Error(),
		Severity:  severity,
		PendingID: id,
		Metadata:  metadata,
	}
	if rec != nil {
		event.Network, event.TxHash, event.Attempts = rec.Network, rec.TxHash, rec.Attempts
	}
	if nerr := p.alerter.Notify(context.WithoutCancel(ctx), event); nerr != nil {
		p.logger.Warn("发送告警失败", slog.String("pending_id", id), slog.Any("error", nerr))
	}
}

// sweep 在变更操作前尽力清理过期记录，错误只记录不返回。
func (p *Pipeline) sweep(ctx context.Context) {
	res, err := p.store.Cleanup(ctx, p.now(), p.cfg.CleanupMaxAge)
	if err != nil {
		// 顺带清理失败只记录，不触发告警。
		p.alertOnFailure(ctx, "", nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理过期记录失败",
			xerrors.WithAlert(false),
			xerrors.WithSeverity(xerrors.SeverityWarning),
		))
		return
	}
	if res.Removed > 0 {
		p.metrics.CleanedUp(res.Removed)
		p.logger.Debug("已清理过期记录", slog.Int("removed", res.Removed), slog.Int("kept", res.Kept))
	}
}

func boolString(v bool) string { return strconv.FormatBool(v) }
