package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	xerrors "OpenMCP-Broadcast/internal/errors"
	"OpenMCP-Broadcast/internal/events"
	"OpenMCP-Broadcast/internal/guard"
	"OpenMCP-Broadcast/internal/pending"
)

// ListRequest 过滤待确认列表。
type ListRequest struct {
	Limit      int              `json:"limit,omitempty"`
	Statuses   []pending.Status `json:"statuses,omitempty"`
	Network    string           `json:"network,omitempty"`
	SourceTool string           `json:"source_tool,omitempty"`
}

// ListPending 返回未过期记录的摘要，按创建时间倒序。
func (p *Pipeline) ListPending(ctx context.Context, req ListRequest) ([]pending.Entry, error) {
	opts := []pending.ListOption{pending.WithLimit(req.Limit)}
	if len(req.Statuses) > 0 {
		for _, s := range req.Statuses {
			if !pending.IsValidStatus(s) {
				return nil, guard.New(ToolList, xerrors.CodeInvalidArgument, "unknown status "+string(s))
			}
		}
		opts = append(opts, pending.WithStatuses(req.Statuses...))
	}
	if req.Network != "" {
		opts = append(opts, pending.WithNetwork(req.Network))
	}
	if req.SourceTool != "" {
		opts = append(opts, pending.WithSourceTool(req.SourceTool))
	}
	entries, err := p.store.List(ctx, opts...)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []pending.Entry{}
	}
	return entries, nil
}

// GetPending 返回完整记录，包括交易字节。
func (p *Pipeline) GetPending(ctx context.Context, id string) (*pending.Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, guard.New(ToolGet, xerrors.CodeInvalidArgument, "id is required")
	}
	rec, err := p.store.Get(ctx, id)
	if pending.IsNotFound(err) {
		return nil, guard.New(ToolGet, xerrors.CodeNotFound, "", guard.WithDetail("id", id))
	}
	return rec, err
}

// Remove 丢弃一条暂存交易。不存在的记录返回 NOT_FOUND，以便调用方区分误删。
func (p *Pipeline) Remove(ctx context.Context, id string) error {
	rec, err := p.GetPending(ctx, id)
	if err != nil {
		if result, ok := guard.As(err); ok {
			result.Tool = ToolRemove
		}
		return err
	}
	if err := p.store.Remove(ctx, rec.ID); err != nil {
		return err
	}
	p.auditFor(ctx).Info("remove",
		slog.String("pending_id", rec.ID),
		slog.String("network", rec.Network),
		slog.String("status", string(rec.Status)),
	)
	p.publish(ctx, events.TypeRemoved, rec, nil)
	return nil
}

// Cleanup 删除过期记录；maxAge 为正时同时删除超龄记录。
func (p *Pipeline) Cleanup(ctx context.Context, maxAge time.Duration) (pending.CleanupResult, error) {
	if maxAge < 0 {
		return pending.CleanupResult{}, guard.New(ToolCleanup, xerrors.CodeInvalidArgument, "max_age must not be negative")
	}
	res, err := p.store.Cleanup(ctx, p.now(), maxAge)
	if err != nil {
		return res, err
	}
	p.metrics.CleanedUp(res.Removed)
	p.auditFor(ctx).Info("cleanup",
		slog.Int("removed", res.Removed),
		slog.Int("kept", res.Kept),
		slog.Duration("max_age", maxAge),
	)
	return res, nil
}
